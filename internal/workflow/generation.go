package workflow

import (
	"context"
	"errors"
	"sync"

	"github.com/sethvargo/go-retry"

	"github.com/yungbote/neurobridge-genclient/internal/observability"
	"github.com/yungbote/neurobridge-genclient/internal/platform/logger"
)

var ErrClosed = errors.New("generation closed")

// Snapshot is the state together with the stream cursor, which is what a
// caller needs to persist in order to resume.
type Snapshot struct {
	State
	Cursor int `json:"cursor"`
}

type Option func(*Generation)

func WithRunner(r JobRunner) Option {
	return func(g *Generation) { g.runner = r }
}

func WithLogger(l *logger.Logger) Option {
	return func(g *Generation) {
		if l != nil {
			g.log = l
		}
	}
}

func WithMetrics(m *observability.Metrics) Option {
	return func(g *Generation) { g.metrics = m }
}

// WithObserver registers fn to be called with every dispatched action and
// the resulting snapshot, in dispatch order. fn runs while the generation is
// locked and must not call back into it.
func WithObserver(fn func(Action, Snapshot)) Option {
	return func(g *Generation) { g.observer = fn }
}

type streamKey struct {
	runID  string
	status Status
}

// Generation owns the state of one generation workflow and the effects that
// drive it: the auto-trigger, the status stream and the polling backstop.
// Effects only ever reach the state through dispatch.
type Generation struct {
	cfg      Config
	runner   JobRunner
	log      *logger.Logger
	metrics  *observability.Metrics
	observer func(Action, Snapshot)

	trigger  *triggerController
	consumer *streamConsumer
	poller   *poller

	mu      sync.Mutex
	state   State
	cursor  int
	latched bool
	closed  bool

	baseCtx       context.Context
	baseCancel    context.CancelFunc
	attemptCtx    context.Context
	attemptCancel context.CancelFunc

	stream       streamKey
	streamCancel context.CancelFunc
	pollRunID    string
	pollCancel   context.CancelFunc

	changed chan struct{}
	subs    map[int]chan Snapshot
	nextSub int

	wg sync.WaitGroup
}

// Start builds a generation and runs its effects. Without WithRunner an
// HTTPRunner is built from cfg. Unless cfg.ManualTrigger is set and no run
// is already in flight, the workflow is triggered immediately.
func Start(ctx context.Context, cfg Config, opts ...Option) (*Generation, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validateInitial(); err != nil {
		return nil, err
	}

	g := &Generation{
		cfg:     cfg,
		log:     logger.Nop(),
		changed: make(chan struct{}),
		subs:    map[int]chan Snapshot{},
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.runner == nil {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		r, err := NewHTTPRunnerFromConfig(cfg, HTTPRunnerOptions{Logger: g.log})
		if err != nil {
			return nil, err
		}
		g.runner = r
	}
	g.log = g.log.With("component", "Generation")

	g.trigger = &triggerController{runner: g.runner, body: cfg.TriggerBody, log: g.log, metrics: g.metrics}
	g.consumer = &streamConsumer{runner: g.runner, log: g.log, metrics: g.metrics}
	g.poller = &poller{runner: g.runner, interval: cfg.PollingInterval, log: g.log, metrics: g.metrics}

	g.state = cfg.initialState()
	g.cursor = cfg.InitialCursor
	g.latched = g.state.Status != StatusIdle
	g.baseCtx, g.baseCancel = context.WithCancel(ctx)
	g.attemptCtx, g.attemptCancel = context.WithCancel(g.baseCtx)

	g.mu.Lock()
	g.reconcileLocked()
	g.mu.Unlock()
	return g, nil
}

func (g *Generation) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.clone()
}

func (g *Generation) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.snapshotLocked()
}

// Trigger starts the workflow. It is a no-op once an attempt has been
// started; only Retry re-arms it.
func (g *Generation) Trigger() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed || g.latched {
		return
	}
	g.triggerLocked()
}

// Retry abandons the current attempt and returns the state to idle. It does
// not trigger by itself: the auto-trigger does that, or the caller when
// ManualTrigger is set.
func (g *Generation) Retry() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.log.Info("Retrying generation", "run_id", g.state.RunID, "status", g.state.Status)
	g.metrics.IncRetry()

	g.attemptCancel()
	g.attemptCtx, g.attemptCancel = context.WithCancel(g.baseCtx)
	g.cursor = 0
	g.latched = false
	g.dispatchLocked(Reset{})
}

// Subscribe returns a channel that receives the current snapshot and then
// every change. A slow reader misses intermediate snapshots but always
// sees the latest one. The channel is closed by cancel or Close.
func (g *Generation) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 16)

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		ch <- g.snapshotLocked()
		close(ch)
		return ch, func() {}
	}
	id := g.nextSub
	g.nextSub++
	g.subs[id] = ch
	ch <- g.snapshotLocked()

	return ch, func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		if c, ok := g.subs[id]; ok {
			delete(g.subs, id)
			close(c)
		}
	}
}

// Wait blocks until the status is terminal, ctx is done or the generation
// is closed.
func (g *Generation) Wait(ctx context.Context) (State, error) {
	for {
		g.mu.Lock()
		s := g.state.clone()
		changed := g.changed
		closed := g.closed
		g.mu.Unlock()

		if s.Status.Terminal() {
			return s, nil
		}
		if closed {
			return s, ErrClosed
		}
		select {
		case <-ctx.Done():
			return s, ctx.Err()
		case <-changed:
		}
	}
}

// Close tears down every effect and waits for them to return.
func (g *Generation) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	g.baseCancel()
	for id, ch := range g.subs {
		delete(g.subs, id)
		close(ch)
	}
	close(g.changed)
	g.changed = make(chan struct{})
	g.mu.Unlock()

	g.wg.Wait()
}

func (g *Generation) snapshotLocked() Snapshot {
	return Snapshot{State: g.state.clone(), Cursor: g.cursor}
}

func (g *Generation) dispatchLocked(a Action) {
	g.state = Reduce(g.state, a)
	g.metrics.IncAction(a.Kind())
	g.log.Debug("Dispatched", "action", a.Kind(), "status", g.state.Status, "cursor", g.cursor)

	snap := g.snapshotLocked()
	if g.observer != nil {
		g.observer(a, snap)
	}
	g.publishLocked(snap)
	g.reconcileLocked()
}

// dispatchFrom applies a from an effect goroutine. Actions from an effect
// whose context has been cancelled are dropped.
func (g *Generation) dispatchFrom(ctx context.Context, a Action) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed || ctx.Err() != nil {
		return false
	}
	g.dispatchLocked(a)
	return true
}

// applyFrom applies a batch of stream messages in order, counting each one
// against the cursor.
func (g *Generation) applyFrom(ctx context.Context, msgs []Message) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed || ctx.Err() != nil {
		return false
	}
	for _, m := range msgs {
		a := actionForMessage(m)
		if a == nil {
			continue
		}
		g.cursor++
		g.dispatchLocked(a)
	}
	return true
}

func (g *Generation) publishLocked(snap Snapshot) {
	close(g.changed)
	g.changed = make(chan struct{})

	for _, ch := range g.subs {
		select {
		case ch <- snap:
			continue
		default:
		}
		// Full: drop the oldest so the newest always gets through.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

// reconcileLocked starts and stops effects to match the current state.
func (g *Generation) reconcileLocked() {
	if g.closed {
		return
	}

	if g.state.Status == StatusIdle && !g.cfg.ManualTrigger && !g.latched {
		g.triggerLocked()
	}

	key := streamKey{runID: g.state.RunID, status: g.state.Status}
	if key != g.stream {
		if g.streamCancel != nil {
			g.streamCancel()
			g.streamCancel = nil
		}
		g.stream = key
		if key.status == StatusStreaming && key.runID != "" {
			g.startStreamLocked(key.runID)
		}
	}

	pollFor := ""
	if g.state.Status == StatusStreaming && g.state.RunID != "" {
		pollFor = g.state.RunID
	}
	if pollFor != g.pollRunID {
		if g.pollCancel != nil {
			g.pollCancel()
			g.pollCancel = nil
		}
		g.pollRunID = pollFor
		if pollFor != "" {
			g.startPollLocked(pollFor)
		}
	}
}

func (g *Generation) triggerLocked() {
	g.latched = true
	g.metrics.IncAttempt()
	g.dispatchLocked(g.trigger.begin())

	ctx := g.attemptCtx
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if a := g.trigger.request(ctx); a != nil {
			g.dispatchFrom(ctx, a)
		}
	}()
}

func (g *Generation) startStreamLocked(runID string) {
	ctx, cancel := context.WithCancel(g.attemptCtx)
	g.streamCancel = cancel
	cursor := g.cursor

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.runStream(ctx, runID, cursor)
	}()
}

func (g *Generation) startPollLocked(runID string) {
	ctx, cancel := context.WithCancel(g.attemptCtx)
	g.pollCancel = cancel

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.poller.run(ctx, runID, func(a Action) bool { return g.dispatchFrom(ctx, a) })
	}()
}

func (g *Generation) runStream(ctx context.Context, runID string, cursor int) {
	log := g.log.With("run_id", runID)
	apply := func(msgs []Message) bool { return g.applyFrom(ctx, msgs) }

	if !g.cfg.Reconnect.Enabled {
		g.logStreamEnd(ctx, log, g.consumer.consume(ctx, runID, cursor, apply))
		return
	}

	rc := g.cfg.Reconnect
	backoff := retry.NewExponential(rc.BaseDelay)
	backoff = retry.WithCappedDuration(rc.MaxDelay, backoff)
	backoff = retry.WithJitterPercent(20, backoff)
	backoff = retry.WithMaxRetries(rc.MaxAttempts, backoff)

	first := true
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		start := cursor
		if !first {
			start = g.Snapshot().Cursor
			g.metrics.IncReconnect()
			log.Info("Reconnecting status stream", "start_index", start)
		}
		first = false

		err := g.consumer.consume(ctx, runID, start, apply)
		if err == nil || ctx.Err() != nil {
			return nil
		}
		log.Warn("Status stream interrupted", "error", err, "start_index", start)
		return retry.RetryableError(err)
	})
	g.logStreamEnd(ctx, log, err)
}

func (g *Generation) logStreamEnd(ctx context.Context, log *logger.Logger, err error) {
	switch {
	case err == nil || ctx.Err() != nil:
		log.Debug("Status stream stopped")
	case errors.Is(err, errStreamEnded):
		log.Info("Status stream ended; polling continues")
	default:
		// Transport failures are not surfaced; the poller decides.
		log.Warn("Status stream failed; polling continues", "error", err)
	}
}
