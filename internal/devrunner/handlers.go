package devrunner

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/neurobridge-genclient/internal/platform/ctxutil"
)

const pingPadding = 2048

type handler struct {
	runs      *runStore
	heartbeat time.Duration
}

func (h *handler) trigger(c *gin.Context) {
	var req TriggerRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		respondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	runID, err := h.runs.start(req, ctxutil.LogFields(c.Request.Context())...)
	if err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, gin.H{"runId": runID})
}

func (h *handler) status(c *gin.Context) {
	r, ok := h.lookup(c)
	if !ok {
		return
	}
	respondOK(c, r.report())
}

// stream writes the run's events as NDJSON from startIndex on. Idle
// periods are filled with non-JSON padding lines so proxies keep the
// connection open. The response ends once the run finishes and every
// event has been written.
func (h *handler) stream(c *gin.Context) {
	r, ok := h.lookup(c)
	if !ok {
		return
	}
	index := 0
	if raw := strings.TrimSpace(c.Query("startIndex")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(c, http.StatusBadRequest, "invalid_start_index", fmt.Errorf("startIndex must be a non-negative integer"))
			return
		}
		index = n
	}

	w := c.Writer
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(c, http.StatusInternalServerError, "streaming_unsupported", errors.New("streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()
	ctx := c.Request.Context()
	enc := json.NewEncoder(w)

	for {
		events, done, changed := r.since(index)
		for _, ev := range events {
			if err := enc.Encode(ev); err != nil {
				return
			}
			index++
		}
		if len(events) > 0 {
			flusher.Flush()
		}
		if done {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if _, err := io.WriteString(w, ": ping "+strings.Repeat("#", pingPadding)+"\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-changed:
		}
	}
}

func (h *handler) lookup(c *gin.Context) (*run, bool) {
	runID := strings.TrimSpace(c.Query("runId"))
	if runID == "" {
		respondError(c, http.StatusBadRequest, "missing_run_id", errors.New("runId is required"))
		return nil, false
	}
	r, err := h.runs.get(runID)
	if err != nil {
		respondErr(c, err)
		return nil, false
	}
	return r, true
}
