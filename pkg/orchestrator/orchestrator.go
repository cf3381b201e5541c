package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/conclave-ai/conclave/pkg/a2a"
	"github.com/conclave-ai/conclave/pkg/config"
	"github.com/conclave-ai/conclave/pkg/peer"
	"github.com/conclave-ai/conclave/pkg/worker"
)

// SkillMetadataKey is the message metadata key peers read to pick the
// worker for a routed step.
const SkillMetadataKey = "skill"

// cancelCascadeTimeout bounds the tasks/cancel fan-out to peers when a
// run is cancelled.
const cancelCascadeTimeout = 5 * time.Second

// Dispatcher is the slice of the peer client the orchestrator drives.
// *peer.Client satisfies it; tests substitute fakes.
type Dispatcher interface {
	Stream(ctx context.Context, baseURL string, params *a2a.MessageSendParams) (<-chan a2a.Event, <-chan error)
	Cancel(ctx context.Context, baseURL string, params *a2a.TaskIDParams) (*a2a.Task, error)
}

// Step status values carried in the run snapshot.
const (
	stepPending   = "pending"
	stepRunning   = "running"
	stepCompleted = "completed"
	stepFailed    = "failed"
	stepSkipped   = "skipped"
	stepWaiting   = "input-required"
)

// stepState tracks one plan step across the run. It is part of the
// snapshot payload, so a recovered node keeps completed outputs and the
// peer task ids of anything still in flight.
type stepState struct {
	Status       string     `json:"status"`
	Peer         string     `json:"peer,omitempty"`
	PeerURL      string     `json:"peerUrl,omitempty"`
	PeerTaskID   string     `json:"peerTaskId,omitempty"`
	Output       []a2a.Part `json:"output,omitempty"`
	Note         string     `json:"note,omitempty"`
	Attempts     int        `json:"attempts,omitempty"`
	AuthRequired bool       `json:"authRequired,omitempty"`
}

// runState is the orchestrator's snapshot payload for one task.
type runState struct {
	Plan        *Plan                 `json:"plan"`
	Steps       map[string]*stepState `json:"steps"`
	PendingStep string                `json:"pendingStep,omitempty"`
}

// run is the in-memory handle for a live orchestration. mu guards
// state against the checkpoint synchronizer snapshotting mid-wave.
type run struct {
	mu     sync.Mutex
	state  *runState
	cancel context.CancelFunc

	// resumeMsg carries the user's follow-up into the pending step's
	// next attempt. Never serialized.
	resumeMsg *a2a.Message
}

// update runs fn with the state lock held.
func (r *run) update(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn()
}

// Orchestrator is a worker that serves requests by decomposing them
// into a plan and fanning the steps out to peer nodes over the wire
// protocol. It holds no execution logic of its own; peers do the work
// and the orchestrator merges their outputs.
type Orchestrator struct {
	planner  Planner
	router   *Router
	agg      Aggregator
	dispatch Dispatcher
	cfg      *config.OrchestratorConfig
	logger   *slog.Logger

	mu   sync.Mutex
	runs map[string]*run
}

// New creates the orchestrator worker. planner and agg default to the
// rule planner and section aggregator when nil.
func New(planner Planner, router *Router, agg Aggregator, dispatch Dispatcher, cfg *config.OrchestratorConfig, logger *slog.Logger) *Orchestrator {
	if planner == nil {
		planner = NewRulePlanner()
	}
	if agg == nil {
		agg = &SectionAggregator{}
	}
	if cfg == nil {
		cfg = &config.OrchestratorConfig{}
		cfg.SetDefaults()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		planner:  planner,
		router:   router,
		agg:      agg,
		dispatch: dispatch,
		cfg:      cfg,
		logger:   logger,
		runs:     make(map[string]*run),
	}
}

// Start plans the request and begins executing it against peers.
// resumed restores a checkpointed run; its completed steps are kept and
// only the remainder executes.
func (o *Orchestrator) Start(ctx context.Context, taskID string, initial *a2a.Message, resumed []byte) (<-chan worker.Item, error) {
	st := &runState{Steps: make(map[string]*stepState)}
	if len(resumed) > 0 {
		if err := json.Unmarshal(resumed, st); err != nil {
			return nil, fmt.Errorf("failed to restore orchestration state: %w", err)
		}
		if st.Steps == nil {
			st.Steps = make(map[string]*stepState)
		}
	} else {
		plan, err := o.planner.Plan(ctx, a2a.ExtractAllText(initial), o.router.Skills())
		if err != nil {
			return nil, err
		}
		if err := plan.Validate(o.router.KnownSkill); err != nil {
			return nil, fmt.Errorf("planner produced an invalid plan: %w", err)
		}
		st.Plan = plan
		for _, step := range plan.Steps {
			st.Steps[step.StepID] = &stepState{Status: stepPending}
		}
	}
	if st.Plan == nil {
		return nil, errors.New("orchestration state has no plan")
	}
	return o.turn(ctx, taskID, st, nil), nil
}

// Resume forwards the user's follow-up to the step that interrupted the
// run, then continues the plan. It needs the in-memory run; after a
// restart the run state comes back through Start's resumed bytes.
func (o *Orchestrator) Resume(ctx context.Context, taskID string, input *a2a.Message) (<-chan worker.Item, error) {
	o.mu.Lock()
	r, ok := o.runs[taskID]
	o.mu.Unlock()
	if !ok || r.state.PendingStep == "" {
		return nil, errors.New("no interrupted orchestration for this task")
	}
	st := r.state
	step, ok := st.Steps[st.PendingStep]
	if !ok {
		return nil, fmt.Errorf("pending step %q is not in the plan", st.PendingStep)
	}
	r.update(func() {
		step.Status = stepPending
		st.PendingStep = ""
	})
	return o.turn(ctx, taskID, st, input), nil
}

// Cancel cuts the run and cascades tasks/cancel to every peer task
// still in flight.
func (o *Orchestrator) Cancel(ctx context.Context, taskID string) error {
	o.mu.Lock()
	r, ok := o.runs[taskID]
	o.mu.Unlock()
	if !ok {
		return nil
	}
	type inflight struct {
		step, peer, url, peerTask string
	}
	var live []inflight
	r.update(func() {
		for id, step := range r.state.Steps {
			if step.Status != stepRunning && step.Status != stepWaiting {
				continue
			}
			if step.PeerTaskID == "" || step.PeerURL == "" {
				continue
			}
			live = append(live, inflight{id, step.Peer, step.PeerURL, step.PeerTaskID})
		}
	})
	r.cancel()

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelCascadeTimeout)
	defer cancel()
	var errs []error
	for _, f := range live {
		if _, err := o.dispatch.Cancel(cctx, f.url, &a2a.TaskIDParams{ID: f.peerTask}); err != nil {
			o.logger.Warn("Failed to cancel peer task",
				"task_id", taskID, "step", f.step, "peer", f.peer, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Snapshot serializes the run for checkpointing.
func (o *Orchestrator) Snapshot(taskID string) ([]byte, error) {
	o.mu.Lock()
	r, ok := o.runs[taskID]
	o.mu.Unlock()
	if !ok {
		return nil, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return json.Marshal(r.state)
}

func (o *Orchestrator) turn(ctx context.Context, taskID string, st *runState, resume *a2a.Message) <-chan worker.Item {
	turnCtx, cancel := context.WithCancel(ctx)
	r := &run{state: st, cancel: cancel, resumeMsg: resume}
	o.mu.Lock()
	o.runs[taskID] = r
	o.mu.Unlock()

	items := make(chan worker.Item)
	go func() {
		defer close(items)
		defer cancel()
		o.runTurn(turnCtx, taskID, r, items)
		// Interrupted runs stay registered so Resume and Snapshot can
		// find them; terminal runs are done.
		if r.state.PendingStep == "" {
			o.mu.Lock()
			delete(o.runs, taskID)
			o.mu.Unlock()
		}
	}()
	return items
}

func (o *Orchestrator) runTurn(ctx context.Context, taskID string, r *run, items chan<- worker.Item) {
	emit := func(item worker.Item) bool {
		select {
		case items <- item:
			return true
		case <-ctx.Done():
			return false
		}
	}

	st := r.state
	waves, err := st.Plan.Waves()
	if err != nil {
		emit(worker.Errorf(worker.ErrorInternal, err.Error()))
		return
	}

	for _, wave := range waves {
		var runnable []string
		for _, id := range wave {
			step := st.Steps[id]
			switch step.Status {
			case stepCompleted, stepSkipped:
				continue
			}
			if note, blocked := o.blockedByDependency(st, id); blocked {
				r.update(func() {
					step.Status = stepSkipped
					step.Note = note
				})
				continue
			}
			runnable = append(runnable, id)
		}
		if len(runnable) == 0 {
			continue
		}

		g, waveCtx := errgroup.WithContext(ctx)
		g.SetLimit(o.cfg.Parallelism)
		for _, id := range runnable {
			g.Go(func() error {
				return o.executeStep(waveCtx, taskID, r, id, emit)
			})
		}
		if err := g.Wait(); err != nil {
			if ctx.Err() != nil {
				// Canceled turn: close silently, the adapter settles the
				// cancel transition.
				return
			}
			emit(worker.Errorf(worker.ErrorInternal, err.Error()))
			return
		}

		// A step waiting on the caller pauses the whole run. The plan
		// resumes from here once input arrives.
		for _, id := range wave {
			step := st.Steps[id]
			if step.Status != stepWaiting {
				continue
			}
			r.update(func() { st.PendingStep = id })
			if step.AuthRequired {
				emit(worker.NeedsAuth(step.Note))
				return
			}
			prompt := step.Note
			if prompt == "" {
				prompt = "more input is required"
			}
			emit(worker.NeedsInput(fmt.Sprintf("[%s] %s: %s", id, step.Peer, prompt)))
			return
		}
	}

	outputs := make(map[string][]a2a.Part, len(st.Steps))
	notes := make(map[string]string, len(st.Steps))
	r.update(func() {
		for id, step := range st.Steps {
			if step.Status == stepCompleted {
				outputs[id] = step.Output
				continue
			}
			if step.Note != "" {
				notes[id] = step.Note
			}
		}
	})
	parts := o.agg.Aggregate(st.Plan, outputs, notes)
	emit(worker.Final(parts...))
}

// blockedByDependency reports whether a step cannot run because a
// dependency did not complete.
func (o *Orchestrator) blockedByDependency(st *runState, id string) (string, bool) {
	step := st.Plan.step(id)
	for _, dep := range step.DependsOn {
		depState, ok := st.Steps[dep]
		if !ok || depState.Status == stepCompleted {
			continue
		}
		return fmt.Sprintf("dependency %s did not complete", dep), true
	}
	return "", false
}

// executeStep routes the step to a peer and streams it to completion,
// retrying transport-level failures on an alternate ranking. A returned
// error aborts the wave; per-step failures are recorded in the run
// state instead so optional steps degrade gracefully.
func (o *Orchestrator) executeStep(ctx context.Context, taskID string, r *run, id string, emit func(worker.Item) bool) error {
	st := r.state
	step := st.Plan.step(id)
	state := st.Steps[id]
	r.update(func() { state.Status = stepRunning })

	msg := o.stepMessage(r, id, step, state)

	maxAttempts := o.cfg.MaxRetries + 1
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		target, rerr := o.router.Route(id, step.TargetSkill)
		if rerr != nil {
			r.update(func() {
				state.Status = stepFailed
				state.Note = rerr.Error()
			})
			break
		}
		r.update(func() {
			state.Peer = target.Name
			state.PeerURL = target.URL
			state.Attempts++
		})

		err := o.streamStep(ctx, r, id, state, target, msg, emit)
		o.router.ReportResult(target.Name, err != nil)
		if err == nil {
			return o.afterStep(step, id, state, emit)
		}
		lastErr = err

		var perr *peer.PeerError
		if errors.As(err, &perr) && perr.Retryable() && attempt < maxAttempts-1 {
			o.logger.Warn("Step failed, retrying",
				"task_id", taskID, "step", id, "peer", target.Name,
				"attempt", state.Attempts, "error", err)
			continue
		}
		r.update(func() {
			state.Status = stepFailed
			state.Note = err.Error()
		})
		break
	}
	r.update(func() {
		if state.Status == stepRunning {
			state.Status = stepFailed
			if lastErr != nil {
				state.Note = lastErr.Error()
			}
		}
	})
	return o.afterStep(step, id, state, emit)
}

// afterStep turns a failed required step into a wave-aborting error and
// lets everything else pass.
func (o *Orchestrator) afterStep(step *Step, id string, state *stepState, emit func(worker.Item) bool) error {
	if state.Status != stepFailed {
		return nil
	}
	if !step.Required {
		emit(worker.Thinking(fmt.Sprintf("[%s] optional step failed: %s", id, state.Note)))
		return nil
	}
	return fmt.Errorf("step %s failed: %s", id, state.Note)
}

// stepMessage builds the message sent to the peer. A resumed step
// forwards the user's follow-up to the peer task that asked for it;
// otherwise the step description is sent as a fresh request tagged with
// the target skill.
func (o *Orchestrator) stepMessage(r *run, id string, step *Step, state *stepState) *a2a.Message {
	if r.resumeMsg != nil && state.PeerTaskID != "" {
		msg := *r.resumeMsg
		msg.MessageID = a2a.NewMessageID()
		msg.Role = a2a.MessageRoleUser
		msg.TaskID = state.PeerTaskID
		r.resumeMsg = nil
		return &msg
	}
	msg := a2a.NewUserMessage(step.Description)
	msg.Metadata = map[string]any{SkillMetadataKey: step.TargetSkill}
	return msg
}

// streamStep runs one streamed attempt against a peer and folds the
// event stream into the step state. Non-final peer output is forwarded
// upward prefixed with the step id.
func (o *Orchestrator) streamStep(ctx context.Context, r *run, id string, state *stepState, target *Target, msg *a2a.Message, emit func(worker.Item) bool) error {
	stepCtx := ctx
	if o.cfg.StepTimeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, o.cfg.StepTimeout)
		defer cancel()
	}

	events, errs := o.dispatch.Stream(stepCtx, target.URL, &a2a.MessageSendParams{Message: msg})

	var lastParts []a2a.Part
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				break
			}
			switch e := ev.(type) {
			case *a2a.TaskSnapshotEvent:
				r.update(func() { state.PeerTaskID = e.Task.ID })
			case *a2a.Message:
				if text := a2a.ExtractAllText(e); text != "" {
					if !emit(worker.Thinking(fmt.Sprintf("[%s] %s", id, text))) {
						return ctx.Err()
					}
				}
				if len(e.Parts) > 0 {
					lastParts = e.Parts
				}
			case *a2a.TaskArtifactUpdateEvent:
				for i, part := range e.Artifact.Parts {
					if !emit(worker.PartialArtifact(
						fmt.Sprintf("%s/%s", id, e.Artifact.ArtifactID),
						e.Artifact.Name, part, i, e.LastChunk && i == len(e.Artifact.Parts)-1)) {
						return ctx.Err()
					}
				}
			case *a2a.TaskStatusUpdateEvent:
				var done bool
				var serr error
				r.update(func() { done, serr = applyStatus(e, state, lastParts) })
				if done {
					return serr
				}
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				break
			}
			if err != nil {
				return err
			}
		case <-stepCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &peer.PeerError{Kind: peer.KindTimeout, Err: stepCtx.Err()}
		}
		if events == nil && errs == nil {
			// Stream ended without a terminal status.
			return &peer.PeerError{Kind: peer.KindUnreachable,
				Err: errors.New("peer stream ended before a terminal status")}
		}
	}
}

// applyStatus maps a peer status-update onto the step state. done is
// true when the attempt is over; err is non-nil only for failure states
// the caller should record. The caller holds the run lock.
func applyStatus(e *a2a.TaskStatusUpdateEvent, state *stepState, lastParts []a2a.Part) (bool, error) {
	switch e.Status.State {
	case a2a.TaskStateCompleted:
		state.Status = stepCompleted
		if e.Status.Message != nil && len(e.Status.Message.Parts) > 0 {
			state.Output = e.Status.Message.Parts
		} else {
			state.Output = lastParts
		}
		return true, nil
	case a2a.TaskStateInputRequired, a2a.TaskStateAuthRequired:
		state.Status = stepWaiting
		state.AuthRequired = e.Status.State == a2a.TaskStateAuthRequired
		if e.Status.Message != nil {
			state.Note = a2a.ExtractAllText(e.Status.Message)
		}
		return true, nil
	case a2a.TaskStateFailed, a2a.TaskStateCanceled, a2a.TaskStateRejected:
		detail := string(e.Status.State)
		if e.Status.Message != nil {
			if text := a2a.ExtractAllText(e.Status.Message); text != "" {
				detail = text
			}
		}
		return true, &peer.PeerError{Kind: peer.KindRemoteFailed, Err: errors.New(detail)}
	default:
		if e.Final {
			return true, &peer.PeerError{Kind: peer.KindProtocol,
				Err: fmt.Errorf("peer ended stream in state %q", e.Status.State)}
		}
		return false, nil
	}
}
