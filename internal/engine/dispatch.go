package engine

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"faz/internal/agent"
	"faz/internal/config"
	"faz/internal/domain"
	"faz/internal/events"
	"faz/internal/repo"
)

// spawnRunLoop starts the single background goroutine that drives a project
// forward until it hits a gate, a pause, a terminal state, or an error. At
// most one loop makes progress per project because every run creation goes
// through beginRun under the project lock.
func (e *Engine) spawnRunLoop(projectID, actorID string) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runLoop(projectID, actorID, "")
	}()
}

// spawnResumeLoop picks up a run left in the running state by a previous
// process, reusing its id and persisted input so the call is not billed
// twice when it already finished.
func (e *Engine) spawnResumeLoop(runID, projectID, actorID string) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runLoop(projectID, actorID, runID)
	}()
}

func (e *Engine) runLoop(projectID, actorID, pendingRunID string) {
	ctx := context.Background()
	if pendingRunID != "" {
		run, err := e.Repo.GetRun(ctx, pendingRunID)
		if err != nil {
			log.Printf("run loop: load run %s: %v", pendingRunID, err)
			return
		}
		if !e.executeRun(run, actorID) {
			return
		}
	}
	for {
		run, ok, err := e.beginRun(ctx, projectID, actorID)
		if err != nil {
			e.Fail(ctx, projectID, "dispatch failed: "+err.Error(), actorID)
			return
		}
		if !ok {
			return
		}
		if !e.executeRun(run, actorID) {
			return
		}
	}
}

// beginRun creates the run row for the project's current phase. It returns
// ok=false when nothing is dispatchable: paused, gated, terminal, complete,
// or a run already in flight.
func (e *Engine) beginRun(ctx context.Context, projectID, actorID string) (domain.Run, bool, error) {
	mu := e.lockProject(projectID)
	mu.Lock()
	defer mu.Unlock()

	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return domain.Run{}, false, err
	}
	if p.Status != domain.ProjectActive || p.Phase == domain.PhaseComplete {
		return domain.Run{}, false, nil
	}
	if _, err := e.Repo.RunningRun(ctx, projectID); err == nil {
		return domain.Run{}, false, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Run{}, false, err
	}

	cfg := e.projectConfig(ctx, projectID)
	input, err := e.buildInput(ctx, p, cfg)
	if err != nil {
		return domain.Run{}, false, err
	}
	inputJSON, err := json.Marshal(input)
	if err != nil {
		return domain.Run{}, false, err
	}
	run := domain.Run{
		ID:         uuid.New().String(),
		ProjectID:  p.ID,
		AgentKind:  cfg.AgentFor(p.Phase, p.PhaseIndex),
		Phase:      p.Phase,
		PhaseIndex: p.PhaseIndex,
		InputJSON:  string(inputJSON),
		Status:     domain.RunRunning,
		StartedAt:  e.nowStr(),
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Run{}, false, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertRun(ctx, tx, run); err != nil {
		return domain.Run{}, false, err
	}
	// Revision notes are consumed by the dispatch that carries them.
	if p.RevisionNotes != nil {
		p.RevisionNotes = nil
		p.UpdatedAt = e.nowStr()
		if err := e.Repo.UpdateProjectState(ctx, tx, p); err != nil {
			return domain.Run{}, false, err
		}
	}
	evt, err := e.Events.Append(ctx, tx, events.TypeRunStarted, p.ID, "run", run.ID, actorID, events.EventPayload{
		"agent_kind":  run.AgentKind,
		"phase":       run.Phase,
		"phase_index": run.PhaseIndex,
	})
	if err != nil {
		return domain.Run{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Run{}, false, err
	}
	e.publish([]domain.Event{evt})
	return run, true, nil
}

// buildInput assembles the agent payload for the project's current phase.
// Re-dispatching a phase reuses the original persisted input so retries and
// revisions see exactly what the first attempt saw, with revision notes
// appended.
func (e *Engine) buildInput(ctx context.Context, p domain.Project, cfg *config.Config) (agent.Input, error) {
	input := agent.Input{
		ProjectID:  p.ID,
		Brief:      p.Brief,
		Phase:      p.Phase,
		PhaseIndex: p.PhaseIndex,
		StepName:   stepName(cfg, step{Phase: p.Phase, Index: p.PhaseIndex}),
	}
	prior, err := e.Repo.LatestRunForPhase(ctx, p.ID, p.Phase, p.PhaseIndex)
	switch {
	case err == nil:
		var orig agent.Input
		if uerr := json.Unmarshal([]byte(prior.InputJSON), &orig); uerr == nil {
			input = orig
		}
	case errors.Is(err, repo.ErrNotFound):
		if last, lerr := e.Repo.LatestCompletedRun(ctx, p.ID); lerr == nil && last.Summary != nil {
			input.PriorSummary = *last.Summary
		}
	default:
		return agent.Input{}, err
	}
	if p.RevisionNotes != nil && *p.RevisionNotes != "" {
		if input.RevisionNotes != "" {
			input.RevisionNotes += "\n" + *p.RevisionNotes
		} else {
			input.RevisionNotes = *p.RevisionNotes
		}
	}
	return input, nil
}

// executeRun drives one run to a terminal status and advances the project on
// success. It returns true when the loop should dispatch the next phase.
func (e *Engine) executeRun(run domain.Run, actorID string) bool {
	bg := context.Background()

	// A run that already finished is never re-invoked.
	cur, err := e.Repo.GetRun(bg, run.ID)
	if err != nil {
		log.Printf("run %s: reload: %v", run.ID, err)
		return false
	}
	if cur.Status != domain.RunRunning {
		return cur.Status == domain.RunCompleted
	}
	run = cur

	cfg := e.projectConfig(bg, run.ProjectID)
	var input agent.Input
	if err := json.Unmarshal([]byte(run.InputJSON), &input); err != nil {
		input = agent.Input{ProjectID: run.ProjectID, Phase: run.Phase, PhaseIndex: run.PhaseIndex}
	}

	ctx, cancel := context.WithCancel(bg)
	e.cancels.Store(run.ProjectID, cancel)
	defer func() {
		e.cancels.Delete(run.ProjectID)
		cancel()
	}()

	started := e.now()
	result, invokeErr := e.invokeWithRetry(ctx, run.AgentKind, input, cfg)
	elapsed := e.now().Sub(started)

	mu := e.lockProject(run.ProjectID)
	mu.Lock()
	defer mu.Unlock()

	p, err := e.Repo.GetProject(bg, run.ProjectID)
	if err != nil {
		log.Printf("run %s: load project: %v", run.ID, err)
		return false
	}
	if p.Status == domain.ProjectCancelled {
		if err := e.finalizeRun(bg, p, run, domain.RunCancelled, invokeErr, elapsed, actorID); err != nil {
			log.Printf("run %s: finalize after cancel: %v", run.ID, err)
		}
		return false
	}
	if invokeErr != nil {
		if errors.Is(invokeErr, context.Canceled) {
			// Shutdown left the run in flight; recovery re-dispatches it.
			return false
		}
		status := domain.RunFailed
		if errors.Is(invokeErr, context.DeadlineExceeded) {
			status = domain.RunTimedOut
		}
		if err := e.finalizeRun(bg, p, run, status, invokeErr, elapsed, actorID); err != nil {
			log.Printf("run %s: finalize failure: %v", run.ID, err)
		}
		return false
	}
	cont, err := e.completeRun(bg, p, cfg, run, result, elapsed, actorID)
	if err != nil {
		// The agent call succeeded but its result could not be persisted.
		// Close the run and park the project so neither looks in flight.
		log.Printf("run %s: persist result: %v", run.ID, err)
		if ferr := e.finalizeRun(bg, p, run, domain.RunFailed, fmt.Errorf("persist result: %w", err), elapsed, actorID); ferr != nil {
			log.Printf("run %s: finalize after persist failure: %v", run.ID, ferr)
		}
		return false
	}
	return cont
}

// invokeWithRetry calls the agent with the configured per-kind timeout,
// retrying transient failures with exponential backoff. Permanent failures
// and caller cancellation return immediately.
func (e *Engine) invokeWithRetry(ctx context.Context, kind domain.AgentKind, input agent.Input, cfg *config.Config) (agent.Result, error) {
	timeout := time.Duration(cfg.TimeoutSecondsFor(kind)) * time.Second
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	backoff := time.Duration(cfg.Agents.BackoffSeconds) * time.Second
	attempts := cfg.Agents.MaxRetries + 1

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		result, err := e.Invoker.Invoke(callCtx, kind, input, timeout)
		timedOut := callCtx.Err() == context.DeadlineExceeded
		cancel()
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return agent.Result{}, context.Canceled
		}
		if timedOut {
			err = context.DeadlineExceeded
		} else if !agent.Transient(err) {
			return agent.Result{}, err
		}
		lastErr = err
		if attempt < attempts-1 && backoff > 0 {
			wait := backoff << attempt
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return agent.Result{}, context.Canceled
			}
		}
	}
	return agent.Result{}, lastErr
}

// completeRun records the run's output, versions its files, rolls usage
// totals onto the project, and advances the state machine, all in one
// transaction. Returns true when the next phase should be dispatched.
func (e *Engine) completeRun(ctx context.Context, p domain.Project, cfg *config.Config, run domain.Run, result agent.Result, elapsed time.Duration, actorID string) (bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var evts []domain.Event
	now := e.nowStr()
	artifactIDs := make([]string, 0, len(result.Files))
	for _, f := range result.Files {
		maxV, err := e.Repo.MaxVersion(ctx, tx, p.ID, f.Path)
		if err != nil {
			return false, fmt.Errorf("version %s: %w", f.Path, err)
		}
		a := domain.Artifact{
			ID:          uuid.New().String(),
			ProjectID:   p.ID,
			Path:        f.Path,
			Content:     f.Content,
			ContentHash: hashContent(f.Content),
			RunID:       &run.ID,
			Version:     maxV + 1,
			Status:      domain.ArtifactGenerated,
			CreatedAt:   now,
		}
		if maxV > 0 {
			parent := maxV
			a.ParentVersion = &parent
			a.Status = domain.ArtifactModified
		}
		if err := e.Repo.InsertArtifact(ctx, tx, a); err != nil {
			return false, fmt.Errorf("write %s: %w", a.Path, err)
		}
		evt, err := e.Events.Append(ctx, tx, events.TypeFileWritten, p.ID, "artifact", a.ID, actorID, events.EventPayload{
			"path":    a.Path,
			"version": a.Version,
		})
		if err != nil {
			return false, err
		}
		evts = append(evts, evt)
		artifactIDs = append(artifactIDs, a.ID)
	}

	outputJSON, _ := json.Marshal(result)
	output := string(outputJSON)
	run.Status = domain.RunCompleted
	run.OutputJSON = &output
	if result.Summary != "" {
		run.Summary = &result.Summary
	}
	run.TokensIn = result.TokensIn
	run.TokensOut = result.TokensOut
	run.CostUSD = result.CostUSD
	run.DurationMS = elapsed.Milliseconds()
	run.EndedAt = &now
	if err := e.Repo.FinishRun(ctx, tx, run); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			// Another writer already finished this run; treat as done.
			return true, nil
		}
		return false, fmt.Errorf("finish run: %w", err)
	}
	evt, err := e.Events.Append(ctx, tx, events.TypeRunCompleted, p.ID, "run", run.ID, actorID, events.EventPayload{
		"phase":      run.Phase,
		"summary":    result.Summary,
		"tokens_in":  result.TokensIn,
		"tokens_out": result.TokensOut,
		"files":      len(result.Files),
	})
	if err != nil {
		return false, err
	}
	evts = append(evts, evt)
	if result.TokensIn > 0 || result.TokensOut > 0 {
		evt, err := e.Events.Append(ctx, tx, events.TypeTokenUsage, p.ID, "run", run.ID, actorID, events.EventPayload{
			"tokens_in":  result.TokensIn,
			"tokens_out": result.TokensOut,
			"cost_usd":   result.CostUSD,
		})
		if err != nil {
			return false, err
		}
		evts = append(evts, evt)
	}

	p.TokensIn += result.TokensIn
	p.TokensOut += result.TokensOut
	p.CostUSD += result.CostUSD
	p.WallMS += elapsed.Milliseconds()

	cont, err := e.advanceTx(ctx, tx, &p, cfg, artifactIDs, &evts, actorID)
	if err != nil {
		return false, err
	}
	p.UpdatedAt = now
	if err := e.Repo.UpdateProjectState(ctx, tx, p); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	e.publish(evts)
	return cont, nil
}

// finalizeRun closes a run as failed, timed out, or cancelled. A failed or
// timed-out run parks the whole project until Retry or Cancel.
func (e *Engine) finalizeRun(ctx context.Context, p domain.Project, run domain.Run, status string, cause error, elapsed time.Duration, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := e.nowStr()
	run.Status = status
	run.DurationMS = elapsed.Milliseconds()
	run.EndedAt = &now
	if cause != nil {
		msg := cause.Error()
		run.Error = &msg
	}
	if err := e.Repo.FinishRun(ctx, tx, run); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("finish run: %w", err)
	}
	var evts []domain.Event
	evt, err := e.Events.Append(ctx, tx, events.TypeRunFailed, p.ID, "run", run.ID, actorID, events.EventPayload{
		"phase":  run.Phase,
		"status": status,
		"error":  errString(cause),
	})
	if err != nil {
		return err
	}
	evts = append(evts, evt)

	if status != domain.RunCancelled {
		reason := errString(cause)
		p.Status = domain.ProjectFailed
		p.Error = &reason
		p.UpdatedAt = now
		if err := e.Repo.UpdateProjectState(ctx, tx, p); err != nil {
			return err
		}
		evt, err := e.Events.Append(ctx, tx, events.TypeError, p.ID, "project", p.ID, actorID, events.EventPayload{
			"reason": reason,
			"phase":  p.Phase,
		})
		if err != nil {
			return err
		}
		evts = append(evts, evt)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.publish(evts)
	return nil
}

// Advance moves an idle active project to its next step. The run loop calls
// the transactional form directly; this entry point serves manual nudges
// after recovery.
func (e *Engine) Advance(ctx context.Context, projectID, actorID string) error {
	mu := e.lockProject(projectID)
	mu.Lock()
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		mu.Unlock()
		return err
	}
	if p.Status != domain.ProjectActive || p.Phase == domain.PhaseComplete {
		mu.Unlock()
		return fmt.Errorf("%w: cannot advance from phase %s status %s", ErrInvalidTransition, p.Phase, p.Status)
	}
	if _, err := e.Repo.RunningRun(ctx, projectID); err == nil {
		mu.Unlock()
		return fmt.Errorf("%w: a run is in flight", ErrInvalidTransition)
	} else if !errors.Is(err, repo.ErrNotFound) {
		mu.Unlock()
		return err
	}
	// Stepping past a phase whose agent never finished would skip its work.
	latest, err := e.Repo.LatestRunForPhase(ctx, projectID, p.Phase, p.PhaseIndex)
	if err != nil {
		mu.Unlock()
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("%w: phase %s has no completed run", ErrInvalidTransition, p.Phase)
		}
		return err
	}
	if latest.Status != domain.RunCompleted {
		mu.Unlock()
		return fmt.Errorf("%w: latest %s run is %s", ErrInvalidTransition, p.Phase, latest.Status)
	}
	cfg := e.projectConfig(ctx, projectID)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		mu.Unlock()
		return err
	}
	var evts []domain.Event
	cont, err := e.advanceTx(ctx, tx, &p, cfg, nil, &evts, actorID)
	if err != nil {
		tx.Rollback()
		mu.Unlock()
		return err
	}
	p.UpdatedAt = e.nowStr()
	if err := e.Repo.UpdateProjectState(ctx, tx, p); err != nil {
		tx.Rollback()
		mu.Unlock()
		return err
	}
	if err := tx.Commit(); err != nil {
		mu.Unlock()
		return err
	}
	e.publish(evts)
	mu.Unlock()
	if cont {
		e.spawnRunLoop(projectID, actorID)
	}
	return nil
}

// advanceTx applies the state machine step after a completed phase: open a
// gate when the phase is checkpointed, otherwise move to the next step or
// complete the project. Mutates p; the caller persists it.
func (e *Engine) advanceTx(ctx context.Context, tx *sql.Tx, p *domain.Project, cfg *config.Config, artifactIDs []string, evts *[]domain.Event, actorID string) (bool, error) {
	if gateCfg, gated := cfg.GateFor(p.Phase); gated {
		if err := e.openGateTx(ctx, tx, p, gateCfg, artifactIDs, evts, actorID); err != nil {
			return false, err
		}
		p.Status = domain.ProjectAwaitingApproval
		return false, nil
	}
	return e.moveToNext(ctx, tx, p, plan(cfg), evts, actorID)
}

// moveToNext shifts the project to the step after its current one, or to
// complete when the sequence is exhausted. Dispatch continues only while the
// project stays active.
func (e *Engine) moveToNext(ctx context.Context, tx *sql.Tx, p *domain.Project, steps []step, evts *[]domain.Event, actorID string) (bool, error) {
	from := step{Phase: p.Phase, Index: p.PhaseIndex}
	next, ok := nextStep(steps, from)
	if !ok {
		p.Phase = domain.PhaseComplete
		p.PhaseIndex = 0
		p.Status = domain.ProjectComplete
		evt, err := e.Events.Append(ctx, tx, events.TypePhaseChanged, p.ID, "project", p.ID, actorID, events.EventPayload{
			"from": from.Phase,
			"to":   domain.PhaseComplete,
		})
		if err != nil {
			return false, err
		}
		*evts = append(*evts, evt)
		return false, nil
	}
	p.Phase = next.Phase
	p.PhaseIndex = next.Index
	evt, err := e.Events.Append(ctx, tx, events.TypePhaseChanged, p.ID, "project", p.ID, actorID, events.EventPayload{
		"from":       from.Phase,
		"from_index": from.Index,
		"to":         next.Phase,
		"to_index":   next.Index,
	})
	if err != nil {
		return false, err
	}
	*evts = append(*evts, evt)
	return p.Status == domain.ProjectActive, nil
}

func hashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
