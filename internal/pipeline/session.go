// Package pipeline drives the per-session sampling loop.
//
// A Session pulls frames from a frame.Source and fans each frame out to
// the motion, deepfake, rPPG and frame-timing analyzers concurrently. Each
// analyzer owns its buffers; the session only stores the snapshots they
// publish. An independent ticker reads the latest snapshots and asks the
// score aggregator for a trust score. Evaluation gateway calls run
// detached and report back through a callback and the session's event hub.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"livenessd/internal/deepfake"
	"livenessd/internal/frame"
	"livenessd/internal/gateway"
	"livenessd/internal/metrics"
	"livenessd/internal/motion"
	"livenessd/internal/probe"
	"livenessd/internal/rppg"
	"livenessd/internal/score"
	"livenessd/internal/timing"
)

// Analyzer is one per-frame signal extractor. Process is only ever called
// from the session's capture goroutine.
type Analyzer interface {
	Name() string
	Process(f *frame.Frame) (bool, error)
	Reset()
}

// Evaluator sends a score to the evaluation gateway.
type Evaluator interface {
	Evaluate(ctx context.Context, sessionID string, r score.Result) (*gateway.Decision, error)
}

// Options are the collaborators of a session.
type Options struct {
	Config     Config
	Aggregator *score.Aggregator
	Evaluator  Evaluator
	Logger     *slog.Logger
	Metrics    *metrics.LivenessMetrics
	Clock      Clock
}

// Snapshots are the latest signals a session holds. A nil field has not
// reported, or was cleared by a reset.
type Snapshots struct {
	State       State                     `json:"state"`
	Frames      uint64                    `json:"frames"`
	Motion      *motion.Snapshot          `json:"motion,omitempty"`
	Deepfake    *deepfake.Snapshot        `json:"deepfake,omitempty"`
	Rppg        *rppg.Snapshot            `json:"rppg,omitempty"`
	Timing      *timing.Snapshot          `json:"timing,omitempty"`
	Device      *probe.DeviceSignals      `json:"device,omitempty"`
	Environment *probe.EnvironmentSignals `json:"environment,omitempty"`
	Neural      *score.NeuralSignal       `json:"neural,omitempty"`
}

// stage binds an analyzer to the slot its snapshots are published into.
type stage struct {
	analyzer Analyzer
	publish  func(at time.Time)
}

type stageResult struct {
	updated bool
	elapsed time.Duration
	err     error
}

// Session is one live capture stream and its analyzers.
type Session struct {
	id      string
	cfg     Config
	source  frame.Source
	agg     *score.Aggregator
	eval    Evaluator
	log     *slog.Logger
	metrics *metrics.LivenessMetrics
	clock   Clock
	hub     *Hub
	limiter *rate.Limiter
	devices *probe.DeviceInspector

	motion   *motion.Analyzer
	deepfake *deepfake.Analyzer
	rppg     *rppg.Extractor
	timing   *timing.Analyzer
	neural   *score.NeuralSmoother
	stages   []stage

	// frames is only touched by the capture goroutine.
	frames uint64

	mu          sync.RWMutex
	state       State
	err         error
	stopped     bool
	createdAt   time.Time
	startedAt   time.Time
	endedAt     time.Time
	processed   uint64
	slots       Snapshots
	timingProbe *timing.Snapshot
	result      *score.Result
	evaluation  *gateway.Outcome

	ctx        context.Context
	cancel     context.CancelFunc
	evalCtx    context.Context
	evalCancel context.CancelFunc
	wg         sync.WaitGroup
	evalWG     sync.WaitGroup
	done       chan struct{}
	doneOnce   sync.Once
}

// NewSession creates an idle session reading from src.
func NewSession(id string, src frame.Source, opts Options) (*Session, error) {
	if id == "" {
		return nil, errors.New("pipeline: session id is required")
	}
	if src == nil {
		return nil, &AcquisitionError{SessionID: id, Cause: errors.New("no frame source")}
	}
	if opts.Aggregator == nil {
		return nil, errors.New("pipeline: aggregator is required")
	}
	cfg := opts.Config.withDefaults()
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Session{
		id:        id,
		cfg:       cfg,
		source:    src,
		agg:       opts.Aggregator,
		eval:      opts.Evaluator,
		log:       opts.Logger.With("session_id", id),
		metrics:   opts.Metrics,
		clock:     opts.Clock,
		hub:       NewHub(),
		limiter:   rate.NewLimiter(rate.Limit(cfg.EvaluatePerMinute/60), cfg.EvaluateBurst),
		devices:   probe.NewDeviceInspector(cfg.VirtualCameraMarkers),
		motion:    motion.New(cfg.Motion),
		deepfake:  deepfake.New(cfg.Deepfake),
		rppg:      rppg.New(cfg.Rppg),
		timing:    timing.New(cfg.Timing),
		neural:    score.NewNeuralSmoother(cfg.NeuralAlpha),
		state:     StateIdle,
		createdAt: opts.Clock.Now(),
		done:      make(chan struct{}),
	}
	s.evalCtx, s.evalCancel = context.WithCancel(context.Background())
	s.stages = []stage{
		{s.motion, publishTo(s, motion.Name, &s.slots.Motion, s.motion.Snapshot)},
		{s.deepfake, publishTo(s, deepfake.Name, &s.slots.Deepfake, s.deepfake.Snapshot)},
		{s.rppg, publishTo(s, rppg.Name, &s.slots.Rppg, s.rppg.Snapshot)},
		{s.timing, publishTo(s, timing.Name, &s.slots.Timing, s.timing.Snapshot)},
	}
	return s, nil
}

// publishTo stores a fresh copy of an analyzer's snapshot in its slot and
// announces it.
func publishTo[T any](s *Session, name string, slot **T, get func() T) func(time.Time) {
	return func(at time.Time) {
		v := get()
		s.mu.Lock()
		*slot = &v
		s.mu.Unlock()
		s.hub.Publish(Event{Type: EventSnapshot, SessionID: s.id, Analyzer: name, Snapshot: v, At: at})
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Err returns the error that ended the session, if any.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// CreatedAt returns when the session was created.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// EndedAt returns when the session left the running state.
func (s *Session) EndedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endedAt
}

// Source returns the frame source.
func (s *Session) Source() frame.Source { return s.source }

// Done is closed once the session stops processing frames.
func (s *Session) Done() <-chan struct{} { return s.done }

// Subscribe returns the session's event stream.
func (s *Session) Subscribe(buffer int) (<-chan Event, func()) {
	return s.hub.Subscribe(buffer)
}

// Start launches the capture loop and the aggregation timer.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrSessionStopped
	}
	if s.state != StateIdle {
		return ErrAlreadyStarted
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.state = StateRunning
	s.startedAt = s.clock.Now()

	s.wg.Add(2)
	go s.captureLoop(s.ctx)
	go s.scoreLoop(s.ctx)

	if s.metrics != nil {
		s.metrics.SessionStarted()
	}
	s.log.Info("session started", "score_interval_ms", s.cfg.ScoreIntervalMs)
	s.hub.Publish(Event{Type: EventState, SessionID: s.id, State: StateRunning, At: s.startedAt})
	return nil
}

// Stop tears the session down: timers and outstanding evaluations are
// cancelled, the source is closed and every analyzer buffer is cleared.
// It is safe to call more than once.
func (s *Session) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	wasRunning := s.state == StateRunning
	if wasRunning || s.state == StateIdle {
		s.state = StateStopped
		s.endedAt = s.clock.Now()
	}
	state := s.state
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.evalCancel()
	s.wg.Wait()
	s.evalWG.Wait()

	err := s.source.Close()
	s.resetSignals()
	s.clearProbes()

	if wasRunning && s.metrics != nil {
		s.metrics.SessionEnded(false)
	}
	s.log.Info("session stopped", "state", state)
	s.hub.Publish(Event{Type: EventState, SessionID: s.id, State: state, At: s.clock.Now()})
	s.hub.Close()
	s.doneOnce.Do(func() { close(s.done) })
	return err
}

func (s *Session) captureLoop(ctx context.Context) {
	defer s.wg.Done()

	err := s.capture(ctx)
	if ctx.Err() != nil {
		return
	}
	if errors.Is(err, frame.ErrStreamEnded) {
		s.finish(StateEnded, nil)
		return
	}
	s.finish(StateFailed, &AcquisitionError{SessionID: s.id, Cause: err})
}

func (s *Session) capture(ctx context.Context) error {
	for {
		f, err := s.source.Next(ctx)
		switch {
		case err == nil:
			s.processFrame(f)
		case errors.Is(err, frame.ErrStreamChanged):
			s.log.Info("stream changed, resetting analyzers")
			s.resetSignals()
			s.hub.Publish(Event{Type: EventStreamChanged, SessionID: s.id, At: s.clock.Now()})
		case errors.Is(err, frame.ErrMalformedFrame):
			s.analysisFailed(frame.NewAnalysisError("source", nil, err))
		default:
			return err
		}
	}
}

// finish moves a running session into a terminal state after its source
// ended or failed. Only the capture goroutine calls it.
func (s *Session) finish(state State, cause error) {
	if state == StateEnded {
		// Last look at the signals before the buffers go.
		if _, err := s.Aggregate(); err != nil {
			s.log.Debug("no final score", "error", err)
		}
	}

	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return
	}
	s.state = state
	s.err = cause
	s.endedAt = s.clock.Now()
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.resetSignals()

	if s.metrics != nil {
		s.metrics.SessionEnded(state == StateFailed)
	}
	if cause != nil {
		s.log.Error("session failed", "error", cause)
	} else {
		s.log.Info("stream ended")
	}
	s.hub.Publish(Event{Type: EventState, SessionID: s.id, State: state, Err: cause, At: s.clock.Now()})
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *Session) processFrame(f *frame.Frame) {
	s.frames++
	if f.Seq == 0 {
		f.Seq = s.frames
	}
	if s.metrics != nil {
		s.metrics.RecordFrame()
	}
	if err := f.Validate(); err != nil {
		s.analysisFailed(frame.NewAnalysisError("frame", f, err))
		return
	}

	results := make([]stageResult, len(s.stages))
	var g errgroup.Group
	for i, st := range s.stages {
		g.Go(func() error {
			results[i] = runStage(st.analyzer, f)
			return nil
		})
	}
	_ = g.Wait()

	for i, r := range results {
		st := s.stages[i]
		if s.metrics != nil {
			s.metrics.RecordAnalyzerTick(st.analyzer.Name(), r.elapsed)
		}
		if r.err != nil {
			s.analysisFailed(r.err)
			continue
		}
		if r.updated {
			st.publish(f.Timestamp)
		}
	}

	s.mu.Lock()
	s.processed++
	s.mu.Unlock()
}

// runStage runs one analyzer on one frame. A panic becomes an
// AnalysisError so one bad frame cannot take the session down.
func runStage(a Analyzer, f *frame.Frame) (res stageResult) {
	start := time.Now()
	defer func() {
		res.elapsed = time.Since(start)
		if r := recover(); r != nil {
			res.updated = false
			res.err = frame.NewAnalysisError(a.Name(), f, fmt.Errorf("panic: %v", r))
		}
	}()
	res.updated, res.err = a.Process(f)
	return res
}

func (s *Session) analysisFailed(err error) {
	var ae *frame.AnalysisError
	name := "unknown"
	if errors.As(err, &ae) {
		name = ae.Analyzer
	}
	s.log.Warn("analysis tick skipped", "analyzer", name, "error", err)
	if s.metrics != nil {
		s.metrics.RecordAnalysisError(name)
	}
	s.hub.Publish(Event{Type: EventAnalysisError, SessionID: s.id, Analyzer: name, Err: err, At: s.clock.Now()})
}

// resetSignals clears every analyzer buffer and frame-derived snapshot.
// Callers guarantee the capture goroutine is not inside processFrame.
func (s *Session) resetSignals() {
	for _, st := range s.stages {
		st.analyzer.Reset()
	}
	s.mu.Lock()
	s.slots.Motion = nil
	s.slots.Deepfake = nil
	s.slots.Rppg = nil
	s.slots.Timing = nil
	s.mu.Unlock()
}

func (s *Session) clearProbes() {
	s.neural.Reset()
	s.mu.Lock()
	s.slots.Device = nil
	s.slots.Environment = nil
	s.slots.Neural = nil
	s.timingProbe = nil
	s.mu.Unlock()
}

func (s *Session) scoreLoop(ctx context.Context) {
	defer s.wg.Done()

	t := s.clock.NewTicker(s.cfg.scoreInterval())
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C():
			_, _ = s.Aggregate()
		}
	}
}

// inputs collects the latest snapshot of every signal. A timing probe
// supplied by the client takes precedence over the frame-derived one.
func (s *Session) inputs() score.Inputs {
	s.mu.RLock()
	defer s.mu.RUnlock()

	in := score.Inputs{
		Device:      s.slots.Device,
		Timing:      s.slots.Timing,
		Environment: s.slots.Environment,
		Motion:      s.slots.Motion,
		Deepfake:    s.slots.Deepfake,
		Rppg:        s.slots.Rppg,
		Neural:      s.slots.Neural,
	}
	if s.timingProbe != nil {
		in.Timing = s.timingProbe
	}
	return in
}

// Aggregate computes a trust score from the latest snapshots now and
// stores it as the session's current result.
func (s *Session) Aggregate() (score.Result, error) {
	now := s.clock.Now()
	res, err := s.agg.Compute(s.inputs(), now)
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordPending()
		}
		s.hub.Publish(Event{Type: EventPending, SessionID: s.id, Err: err, At: now})
		return res, err
	}

	s.mu.Lock()
	s.result = &res
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordScore(res.Score)
	}
	s.log.Debug("score computed", "score", res.Score, "level", res.Level, "penalties", len(res.Breakdown))
	s.hub.Publish(Event{Type: EventScore, SessionID: s.id, Score: &res, At: now})
	return res, nil
}

// Score returns the most recent result, or the pending error explaining
// why none exists yet.
func (s *Session) Score() (score.Result, error) {
	s.mu.RLock()
	r := s.result
	s.mu.RUnlock()
	if r != nil {
		return *r, nil
	}
	if missing := s.inputs().Missing(); len(missing) > 0 {
		return score.Result{}, &score.PendingError{Missing: missing}
	}
	return score.Result{}, score.ErrPending
}

// Snapshots returns the latest signal snapshots.
func (s *Session) Snapshots() Snapshots {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.slots
	out.State = s.state
	out.Frames = s.processed
	if s.timingProbe != nil {
		out.Timing = s.timingProbe
	}
	return out
}

// SubmitDevice records the client's camera enumeration.
func (s *Session) SubmitDevice(r probe.DeviceReport) probe.DeviceSignals {
	sig := s.devices.Inspect(r)
	s.mu.Lock()
	s.slots.Device = &sig
	s.mu.Unlock()
	if sig.HasVirtualCamera {
		s.log.Warn("virtual camera reported", "labels", sig.VirtualLabels)
	}
	s.hub.Publish(Event{Type: EventSnapshot, SessionID: s.id, Analyzer: "device", Snapshot: sig, At: s.clock.Now()})
	return sig
}

// SubmitEnvironment records the client's browser environment.
func (s *Session) SubmitEnvironment(r probe.EnvironmentReport) probe.EnvironmentSignals {
	sig := probe.InspectEnvironment(r)
	s.mu.Lock()
	s.slots.Environment = &sig
	s.mu.Unlock()
	s.hub.Publish(Event{Type: EventSnapshot, SessionID: s.id, Analyzer: "environment", Snapshot: sig, At: s.clock.Now()})
	return sig
}

// SubmitTiming overrides the frame-derived timing signal with one measured
// by the client.
func (s *Session) SubmitTiming(t timing.Snapshot) {
	t.Analyzing = true
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = s.clock.Now()
	}
	s.mu.Lock()
	s.timingProbe = &t
	s.mu.Unlock()
	s.hub.Publish(Event{Type: EventSnapshot, SessionID: s.id, Analyzer: "timing_probe", Snapshot: t, At: t.UpdatedAt})
}

// SubmitNeural folds one external classifier observation into the session.
func (s *Session) SubmitNeural(obs score.NeuralObservation) score.NeuralSignal {
	sig := s.neural.Observe(obs, s.clock.Now())
	s.mu.Lock()
	s.slots.Neural = &sig
	s.mu.Unlock()
	s.hub.Publish(Event{Type: EventSnapshot, SessionID: s.id, Analyzer: "neural", Snapshot: sig, At: sig.UpdatedAt})
	return sig
}

// Evaluate scores the session now and sends the result to the evaluation
// gateway without waiting for the answer. The returned outcome is pending;
// done, if not nil, receives the finished outcome on another goroutine.
func (s *Session) Evaluate(done func(gateway.Outcome)) (gateway.Outcome, error) {
	if s.eval == nil {
		return gateway.Outcome{}, ErrNoEvaluator
	}
	s.mu.RLock()
	stopped, state := s.stopped, s.state
	s.mu.RUnlock()
	if stopped {
		return gateway.Outcome{}, ErrSessionStopped
	}

	// An ended session no longer holds signals; its final score stands.
	var res score.Result
	var err error
	if state == StateRunning {
		res, err = s.Aggregate()
	} else {
		res, err = s.Score()
	}
	if err != nil {
		return gateway.Outcome{}, err
	}
	if !s.limiter.Allow() {
		return gateway.Outcome{}, ErrRateLimited
	}

	o := gateway.Outcome{
		ID:          uuid.NewString(),
		SessionID:   s.id,
		Status:      gateway.StatusPending,
		Score:       res.Score,
		RequestedAt: s.clock.Now(),
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return gateway.Outcome{}, ErrSessionStopped
	}
	pending := o
	s.evaluation = &pending
	s.evalWG.Add(1)
	s.mu.Unlock()

	s.log.Info("evaluation requested", "evaluation_id", o.ID, "score", res.Score)
	go s.runEvaluation(o, res, done)
	return o, nil
}

func (s *Session) runEvaluation(o gateway.Outcome, res score.Result, done func(gateway.Outcome)) {
	defer s.evalWG.Done()

	ctx, cancel := context.WithTimeout(s.evalCtx, s.cfg.evaluateTimeout())
	defer cancel()

	started := time.Now()
	d, err := s.callEvaluator(ctx, res)
	elapsed := time.Since(started)

	o.CompletedAt = s.clock.Now()
	if err != nil {
		o.Status = gateway.StatusFailed
		o.Error = gateway.AsError(err)
		s.log.Warn("evaluation failed", "evaluation_id", o.ID, "kind", o.Error.Kind, "error", o.Error.Detail)
	} else {
		o.Status = gateway.StatusSucceeded
		o.Decision = d
		s.log.Info("evaluation decided", "evaluation_id", o.ID, "risk_level", d.RiskLevel, "flags", d.Flags)
	}

	s.mu.Lock()
	if s.evaluation != nil && s.evaluation.ID == o.ID {
		finished := o
		s.evaluation = &finished
	}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordEvaluation(elapsed, err == nil)
	}
	s.hub.Publish(Event{Type: EventEvaluation, SessionID: s.id, Evaluation: &o, At: o.CompletedAt})
	if done != nil {
		done(o)
	}
}

func (s *Session) callEvaluator(ctx context.Context, res score.Result) (d *gateway.Decision, err error) {
	defer func() {
		if r := recover(); r != nil {
			d, err = nil, &gateway.Error{Kind: gateway.KindTransport, Detail: fmt.Sprintf("evaluator panic: %v", r)}
		}
	}()
	d, err = s.eval.Evaluate(ctx, s.id, res)
	if err == nil && d == nil {
		err = &gateway.Error{Kind: gateway.KindDecode, Detail: "empty decision"}
	}
	return d, err
}

// Evaluation returns the latest evaluation outcome.
func (s *Session) Evaluation() (gateway.Outcome, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.evaluation == nil {
		return gateway.Outcome{}, false
	}
	return *s.evaluation, true
}
