// Package engine owns the project build pipeline: the phase state machine,
// the agent dispatcher, approval gates, and the per-project run loop. All
// phase and status mutation funnels through the transition methods here;
// nothing else writes those columns.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"faz/internal/agent"
	"faz/internal/broadcast"
	"faz/internal/config"
	"faz/internal/domain"
	"faz/internal/events"
	"faz/internal/repo"
)

var (
	// ErrInvalidTransition guards the state machine against calls that are
	// not legal from the project's current state.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrGateAlreadyPending enforces the single open checkpoint invariant.
	ErrGateAlreadyPending = errors.New("gate already pending")
	// ErrGateClosed rejects decisions on an already-resolved gate.
	ErrGateClosed = errors.New("gate already resolved")
)

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Broadcast *broadcast.Broadcaster
	Invoker   agent.Invoker
	Config    *config.Config
	Now       func() time.Time

	locks   sync.Map // project id -> *sync.Mutex
	cancels sync.Map // project id -> context.CancelFunc
	wg      sync.WaitGroup
}

func New(db *sql.DB, cfg *config.Config, invoker agent.Invoker) *Engine {
	r := repo.Repo{DB: db}
	e := &Engine{
		DB:      db,
		Repo:    r,
		Events:  events.Writer{DB: db},
		Invoker: invoker,
		Config:  cfg,
		Now:     time.Now,
	}
	e.Broadcast = broadcast.New(func(ctx context.Context, projectID string, after int64, limit int) ([]domain.Event, error) {
		return r.EventsAfter(ctx, limit, after, projectID)
	})
	return e
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) nowStr() string {
	return e.now().UTC().Format(time.RFC3339)
}

// lockProject returns the mutex serializing transitions for one project.
// Unrelated projects never contend.
func (e *Engine) lockProject(projectID string) *sync.Mutex {
	mu, _ := e.locks.LoadOrStore(projectID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// projectConfig loads the per-project pipeline policy, falling back to the
// engine default.
func (e *Engine) projectConfig(ctx context.Context, projectID string) *config.Config {
	cfg, err := e.Repo.GetProjectConfig(ctx, projectID)
	if err == nil {
		return cfg
	}
	if e.Config != nil {
		return e.Config
	}
	return config.Default(projectID)
}

func (e *Engine) publish(evts []domain.Event) {
	if e.Broadcast == nil {
		return
	}
	for _, evt := range evts {
		e.Broadcast.Publish(evt)
	}
}

// Wait blocks until all in-flight run loops finish. Used by tests and
// shutdown.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Shutdown interrupts in-flight agent calls and waits for run loops to park.
func (e *Engine) Shutdown() {
	e.cancels.Range(func(_, v any) bool {
		v.(context.CancelFunc)()
		return true
	})
	e.wg.Wait()
}

// CreateProject stores a new project at the intake phase along with its
// pipeline config. Nothing is dispatched until Start.
func (e *Engine) CreateProject(ctx context.Context, id, name, brief, actorID string) (domain.Project, error) {
	if name == "" {
		return domain.Project{}, errors.New("name is required")
	}
	if id == "" {
		id = uuid.New().String()
	}
	now := e.nowStr()
	p := domain.Project{
		ID:        id,
		OwnerID:   actorID,
		Name:      name,
		Brief:     brief,
		Phase:     domain.PhaseIntake,
		Status:    domain.ProjectActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	cfg := e.Config
	if cfg == nil {
		cfg = config.Default(id)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	seed := *cfg
	if err := e.Repo.UpsertProjectConfigTx(ctx, tx, p.ID, &seed); err != nil {
		return domain.Project{}, fmt.Errorf("insert project config: %w", err)
	}
	evt, err := e.Events.Append(ctx, tx, "project_created", p.ID, "project", p.ID, actorID, events.EventPayload{"name": p.Name, "phase": p.Phase})
	if err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	e.publish([]domain.Event{evt})
	return p, nil
}

// Start begins or resumes dispatching from the project's current phase. An
// optional startPhase overrides where the pipeline picks up.
func (e *Engine) Start(ctx context.Context, projectID string, startPhase domain.Phase, actorID string) error {
	mu := e.lockProject(projectID)
	mu.Lock()
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		mu.Unlock()
		return err
	}
	if p.Terminal() || p.Status == domain.ProjectAwaitingApproval {
		mu.Unlock()
		return fmt.Errorf("%w: cannot start project in status %s", ErrInvalidTransition, p.Status)
	}
	if _, err := e.Repo.RunningRun(ctx, projectID); err == nil {
		mu.Unlock()
		return fmt.Errorf("%w: a run is already in flight", ErrInvalidTransition)
	} else if !errors.Is(err, repo.ErrNotFound) {
		mu.Unlock()
		return err
	}
	cfg := e.projectConfig(ctx, projectID)
	if startPhase != "" {
		target, ok := findStep(plan(cfg), startPhase, buildIndexFor(cfg, startPhase))
		if !ok {
			mu.Unlock()
			return fmt.Errorf("%w: unknown start phase %s", ErrInvalidTransition, startPhase)
		}
		p.Phase = target.Phase
		p.PhaseIndex = target.Index
	}
	p.Status = domain.ProjectActive
	p.Error = nil
	p.UpdatedAt = e.nowStr()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		mu.Unlock()
		return err
	}
	if err := e.Repo.UpdateProjectState(ctx, tx, p); err != nil {
		tx.Rollback()
		mu.Unlock()
		return err
	}
	if err := tx.Commit(); err != nil {
		mu.Unlock()
		return err
	}
	mu.Unlock()
	e.spawnRunLoop(projectID, actorID)
	return nil
}

// Pause suspends dispatch of the next phase. An in-flight run keeps going;
// its completion still advances the phase, it just stops there.
func (e *Engine) Pause(ctx context.Context, projectID, actorID string) error {
	return e.setStatus(ctx, projectID, domain.ProjectActive, domain.ProjectPaused, actorID)
}

// Resume re-checks current state and proceeds exactly as if no pause
// occurred.
func (e *Engine) Resume(ctx context.Context, projectID, actorID string) error {
	if err := e.setStatus(ctx, projectID, domain.ProjectPaused, domain.ProjectActive, actorID); err != nil {
		return err
	}
	e.spawnRunLoop(projectID, actorID)
	return nil
}

func (e *Engine) setStatus(ctx context.Context, projectID, from, to, actorID string) error {
	mu := e.lockProject(projectID)
	mu.Lock()
	defer mu.Unlock()
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	if p.Status != from {
		return fmt.Errorf("%w: %s -> %s from status %s", ErrInvalidTransition, from, to, p.Status)
	}
	p.Status = to
	p.UpdatedAt = e.nowStr()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateProjectState(ctx, tx, p); err != nil {
		return err
	}
	evt, err := e.Events.Append(ctx, tx, "status_changed", p.ID, "project", p.ID, actorID, events.EventPayload{"from": from, "to": to})
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.publish([]domain.Event{evt})
	return nil
}

// Cancel moves a project to its terminal cancelled state and best-effort
// interrupts an in-flight agent call. Completed runs and artifacts stay
// untouched.
func (e *Engine) Cancel(ctx context.Context, projectID, actorID string) error {
	mu := e.lockProject(projectID)
	mu.Lock()
	defer mu.Unlock()
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	if p.Terminal() {
		return fmt.Errorf("%w: project already %s", ErrInvalidTransition, p.Status)
	}
	p.Status = domain.ProjectCancelled
	p.UpdatedAt = e.nowStr()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateProjectState(ctx, tx, p); err != nil {
		return err
	}
	var evts []domain.Event
	// A pending gate dies with the project so the auto-approve sweep never
	// picks it up again.
	if g, err := e.Repo.PendingGateTx(ctx, tx, projectID); err == nil {
		if err := e.Repo.ResolveGate(ctx, tx, g.ID, domain.GateCancelled, nil, p.UpdatedAt); err != nil {
			return err
		}
		evt, err := e.Events.Append(ctx, tx, events.TypeGateResolved, p.ID, "gate", g.ID, actorID, events.EventPayload{
			"gate_number": g.GateNumber,
			"decision":    domain.GateCancelled,
		})
		if err != nil {
			return err
		}
		evts = append(evts, evt)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	evt, err := e.Events.Append(ctx, tx, "status_changed", p.ID, "project", p.ID, actorID, events.EventPayload{"to": domain.ProjectCancelled})
	if err != nil {
		return err
	}
	evts = append(evts, evt)
	if err := tx.Commit(); err != nil {
		return err
	}
	e.publish(evts)
	if cancel, ok := e.cancels.Load(projectID); ok {
		cancel.(context.CancelFunc)()
	}
	return nil
}

// Fail records a failure reason and parks the project. No automatic
// transitions follow; Retry or Cancel are the ways out.
func (e *Engine) Fail(ctx context.Context, projectID, reason, actorID string) error {
	mu := e.lockProject(projectID)
	mu.Lock()
	defer mu.Unlock()
	return e.failLocked(ctx, projectID, reason, actorID)
}

func (e *Engine) failLocked(ctx context.Context, projectID, reason, actorID string) error {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	if p.Terminal() {
		return fmt.Errorf("%w: project already %s", ErrInvalidTransition, p.Status)
	}
	p.Status = domain.ProjectFailed
	p.Error = &reason
	p.UpdatedAt = e.nowStr()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateProjectState(ctx, tx, p); err != nil {
		return err
	}
	evt, err := e.Events.Append(ctx, tx, events.TypeError, p.ID, "project", p.ID, actorID, events.EventPayload{"reason": reason, "phase": p.Phase})
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.publish([]domain.Event{evt})
	return nil
}

// Retry re-dispatches the failed phase's agent with its original input. It
// does not replay completed phases.
func (e *Engine) Retry(ctx context.Context, projectID, actorID string) error {
	mu := e.lockProject(projectID)
	mu.Lock()
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		mu.Unlock()
		return err
	}
	if p.Status != domain.ProjectFailed {
		mu.Unlock()
		return fmt.Errorf("%w: retry requires a failed project, status is %s", ErrInvalidTransition, p.Status)
	}
	p.Status = domain.ProjectActive
	p.Error = nil
	p.UpdatedAt = e.nowStr()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		mu.Unlock()
		return err
	}
	if err := e.Repo.UpdateProjectState(ctx, tx, p); err != nil {
		tx.Rollback()
		mu.Unlock()
		return err
	}
	if err := tx.Commit(); err != nil {
		mu.Unlock()
		return err
	}
	mu.Unlock()
	e.spawnRunLoop(projectID, actorID)
	return nil
}

// RecoverInFlight re-dispatches runs left running by a previous process.
// The run identifier is reused so an already-finished call is not billed
// twice.
func (e *Engine) RecoverInFlight(ctx context.Context, actorID string) error {
	runs, err := e.Repo.AllRunningRuns(ctx)
	if err != nil {
		return err
	}
	for _, run := range runs {
		e.spawnResumeLoop(run.ID, run.ProjectID, actorID)
	}
	return nil
}
