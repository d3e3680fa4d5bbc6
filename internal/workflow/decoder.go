package workflow

import (
	"bytes"
	"encoding/json"
	"strings"
)

type MessageStatus string

const (
	MessageStarted   MessageStatus = "started"
	MessageCompleted MessageStatus = "completed"
	MessageError     MessageStatus = "error"
)

// Message is one decoded line of the status stream.
type Message struct {
	Step   string        `json:"step"`
	Status MessageStatus `json:"status"`
	Error  string        `json:"error,omitempty"`
}

// Decoder turns arbitrary chunks of a newline-delimited JSON stream into
// Messages. A line may span any number of chunks. Lines that are not a
// well-formed Message are dropped.
type Decoder struct {
	buf     []byte
	dropped int
}

func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends chunk to the pending buffer and returns every message whose
// line is now complete, in wire order. The trailing partial line is kept.
func (d *Decoder) Feed(chunk []byte) []Message {
	if len(chunk) == 0 {
		return nil
	}
	d.buf = append(d.buf, chunk...)

	var out []Message
	for {
		idx := bytes.IndexByte(d.buf, '\n')
		if idx < 0 {
			break
		}
		line := d.buf[:idx]
		d.buf = d.buf[idx+1:]
		if msg, ok := d.parseLine(line); ok {
			out = append(out, msg)
		}
	}

	// Reclaim the backing array once everything has been consumed.
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return out
}

// Flush decodes whatever remains in the buffer as a final line. Used when
// the stream ends cleanly without a trailing newline.
func (d *Decoder) Flush() []Message {
	if len(d.buf) == 0 {
		return nil
	}
	line := d.buf
	d.buf = nil
	if msg, ok := d.parseLine(line); ok {
		return []Message{msg}
	}
	return nil
}

// Dropped returns how many non-blank lines failed to decode so far.
func (d *Decoder) Dropped() int {
	return d.dropped
}

// Pending returns the number of buffered bytes not yet terminated by a newline.
func (d *Decoder) Pending() int {
	return len(d.buf)
}

func (d *Decoder) parseLine(raw []byte) (Message, bool) {
	line := strings.TrimSpace(string(raw))
	if line == "" {
		return Message{}, false
	}
	var msg Message
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		d.dropped++
		return Message{}, false
	}
	if !validMessage(msg) {
		d.dropped++
		return Message{}, false
	}
	return msg, true
}

func validMessage(m Message) bool {
	switch m.Status {
	case MessageStarted, MessageCompleted:
		return strings.TrimSpace(m.Step) != ""
	case MessageError:
		return true
	default:
		return false
	}
}
