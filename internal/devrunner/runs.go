package devrunner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/neurobridge-genclient/internal/platform/apierr"
	"github.com/yungbote/neurobridge-genclient/internal/platform/logger"
	"github.com/yungbote/neurobridge-genclient/internal/workflow"
)

var errRunNotFound = errors.New("run not found")

var defaultSteps = []string{"outline", "content", "quiz", "publish"}

// TriggerRequest is the body accepted by the trigger endpoint. All fields
// are optional.
type TriggerRequest struct {
	Steps       []string `json:"steps,omitempty"`
	FailAt      string   `json:"failAt,omitempty"`
	StepDelayMs int      `json:"stepDelayMs,omitempty"`
}

// run is one simulated job. events only grows; readers wait on notify,
// which is closed and replaced on every append.
type run struct {
	id string

	mu     sync.Mutex
	events []workflow.Message
	status workflow.RunStatus
	err    string
	notify chan struct{}
}

func (r *run) append(m workflow.Message) {
	r.mu.Lock()
	r.events = append(r.events, m)
	close(r.notify)
	r.notify = make(chan struct{})
	r.mu.Unlock()
}

func (r *run) finish(status workflow.RunStatus, errMsg string) {
	r.mu.Lock()
	r.status = status
	r.err = errMsg
	close(r.notify)
	r.notify = make(chan struct{})
	r.mu.Unlock()
}

// since returns the events from index on, whether the run has finished,
// and a channel closed on the next change.
func (r *run) since(index int) ([]workflow.Message, bool, <-chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []workflow.Message
	if index < len(r.events) {
		out = append(out, r.events[index:]...)
	}
	return out, r.status != workflow.RunRunning, r.notify
}

func (r *run) report() workflow.StatusReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return workflow.StatusReport{Status: r.status, Error: r.err}
}

type runStore struct {
	ctx         context.Context
	log         *logger.Logger
	defaultStep time.Duration

	mu   sync.RWMutex
	runs map[string]*run
	wg   sync.WaitGroup
}

// newRunStore simulates runs until ctx is done.
func newRunStore(ctx context.Context, log *logger.Logger, stepDelay time.Duration) *runStore {
	return &runStore{ctx: ctx, log: log, defaultStep: stepDelay, runs: map[string]*run{}}
}

func (s *runStore) get(id string) (*run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, apierr.NotFound("run_not_found", errRunNotFound)
	}
	return r, nil
}

// start registers a run and simulates it in the background. logFields
// are attached to the run's log lines.
func (s *runStore) start(req TriggerRequest, logFields ...interface{}) (string, error) {
	steps := make([]string, 0, len(req.Steps))
	for _, st := range req.Steps {
		if st = strings.TrimSpace(st); st != "" {
			steps = append(steps, st)
		}
	}
	if len(req.Steps) > 0 && len(steps) == 0 {
		return "", apierr.BadRequest("invalid_request", "steps must not be blank")
	}
	if len(steps) == 0 {
		steps = append(steps, defaultSteps...)
	}
	if req.StepDelayMs < 0 {
		return "", apierr.BadRequest("invalid_request", "stepDelayMs must be >= 0")
	}
	delay := s.defaultStep
	if req.StepDelayMs > 0 {
		delay = time.Duration(req.StepDelayMs) * time.Millisecond
	}

	r := &run{
		id:     uuid.NewString(),
		status: workflow.RunRunning,
		notify: make(chan struct{}),
	}
	log := s.log.With(append([]interface{}{"run_id", r.id}, logFields...)...)
	s.mu.Lock()
	s.runs[r.id] = r
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.simulate(s.ctx, log, r, steps, strings.TrimSpace(req.FailAt), delay)
	}()
	log.Info("Run started", "steps", len(steps), "fail_at", req.FailAt)
	return r.id, nil
}

func (s *runStore) simulate(ctx context.Context, log *logger.Logger, r *run, steps []string, failAt string, delay time.Duration) {
	for _, step := range steps {
		r.append(workflow.Message{Step: step, Status: workflow.MessageStarted})
		if !sleepCtx(ctx, delay) {
			r.finish(workflow.RunFailed, "runner shut down")
			return
		}
		if step == failAt {
			msg := fmt.Sprintf("simulated failure in %s", step)
			r.append(workflow.Message{Step: step, Status: workflow.MessageError, Error: msg})
			r.finish(workflow.RunFailed, msg)
			log.Info("Run failed", "step", step)
			return
		}
		r.append(workflow.Message{Step: step, Status: workflow.MessageCompleted})
	}
	r.finish(workflow.RunCompleted, "")
	log.Info("Run completed")
}

func (s *runStore) wait() { s.wg.Wait() }

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
