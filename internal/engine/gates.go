package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"faz/internal/config"
	"faz/internal/domain"
	"faz/internal/events"
	"faz/internal/repo"
)

// openGateTx inserts the pending checkpoint for the phase that just
// completed. A project carries at most one pending gate; the partial unique
// index backs this up at the storage layer.
func (e *Engine) openGateTx(ctx context.Context, tx *sql.Tx, p *domain.Project, gateCfg config.GateConfig, artifactIDs []string, evts *[]domain.Event, actorID string) error {
	if _, err := e.Repo.PendingGateTx(ctx, tx, p.ID); err == nil {
		return ErrGateAlreadyPending
	} else if !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	count, err := e.Repo.CountGates(ctx, tx, p.ID)
	if err != nil {
		return err
	}
	refs, err := json.Marshal(artifactIDs)
	if err != nil {
		return err
	}
	name := string(p.Phase)
	if p.Phase == domain.PhaseBuilding {
		name = fmt.Sprintf("%s %d", p.Phase, p.PhaseIndex)
	}
	g := domain.Gate{
		ID:          uuid.New().String(),
		ProjectID:   p.ID,
		GateNumber:  count + 1,
		Name:        name,
		Phase:       p.Phase,
		PhaseIndex:  p.PhaseIndex,
		ArtifactIDs: string(refs),
		Status:      domain.GatePending,
		CreatedAt:   e.nowStr(),
	}
	if gateCfg.AutoApproveAfterHours > 0 {
		deadline := e.now().UTC().Add(time.Duration(gateCfg.AutoApproveAfterHours) * time.Hour).Format(time.RFC3339)
		g.AutoApproveAt = &deadline
	}
	if err := e.Repo.InsertGate(ctx, tx, g); err != nil {
		return err
	}
	payload := events.EventPayload{
		"gate_number": g.GateNumber,
		"phase":       g.Phase,
		"name":        g.Name,
	}
	if g.AutoApproveAt != nil {
		payload["auto_approve_at"] = *g.AutoApproveAt
	}
	evt, err := e.Events.Append(ctx, tx, events.TypeGateOpened, p.ID, "gate", g.ID, actorID, payload)
	if err != nil {
		return err
	}
	*evts = append(*evts, evt)
	return nil
}

// DecideGate resolves a pending gate. Approval advances past the gated
// phase; rejection or a revision request sends the project back to the
// nearest planning or building step with the reviewer's notes attached to
// that phase's next dispatch.
func (e *Engine) DecideGate(ctx context.Context, gateID, decision string, notes *string, actorID string) (domain.Gate, error) {
	switch decision {
	case domain.GateApproved, domain.GateRejected, domain.GateRevisionRequested:
	default:
		return domain.Gate{}, fmt.Errorf("%w: unknown decision %q", ErrInvalidTransition, decision)
	}
	g, err := e.Repo.GetGate(ctx, gateID)
	if err != nil {
		return domain.Gate{}, err
	}
	return e.resolveGate(ctx, g, decision, notes, actorID)
}

// ExpireOverdueGates auto-approves every pending gate whose deadline has
// passed. The server runs this on a ticker. A gate that raced a decision or
// whose project went terminal mid-sweep is skipped, never the whole batch.
func (e *Engine) ExpireOverdueGates(ctx context.Context) (int, error) {
	overdue, err := e.Repo.OverdueGates(ctx, e.nowStr())
	if err != nil {
		return 0, err
	}
	resolved := 0
	for _, g := range overdue {
		if _, err := e.resolveGate(ctx, g, domain.GateAutoApproved, nil, "system"); err != nil {
			if errors.Is(err, ErrGateClosed) {
				continue
			}
			if errors.Is(err, ErrInvalidTransition) {
				log.Printf("gate sweep: skipping gate %s (project %s): %v", g.ID, g.ProjectID, err)
				continue
			}
			return resolved, err
		}
		resolved++
	}
	return resolved, nil
}

func (e *Engine) resolveGate(ctx context.Context, g domain.Gate, decision string, notes *string, actorID string) (domain.Gate, error) {
	mu := e.lockProject(g.ProjectID)
	mu.Lock()

	p, err := e.Repo.GetProject(ctx, g.ProjectID)
	if err != nil {
		mu.Unlock()
		return domain.Gate{}, err
	}
	if p.Terminal() {
		mu.Unlock()
		return domain.Gate{}, fmt.Errorf("%w: project is %s", ErrInvalidTransition, p.Status)
	}
	cfg := e.projectConfig(ctx, g.ProjectID)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		mu.Unlock()
		return domain.Gate{}, err
	}
	now := e.nowStr()
	if err := e.Repo.ResolveGate(ctx, tx, g.ID, decision, notes, now); err != nil {
		tx.Rollback()
		mu.Unlock()
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Gate{}, ErrGateClosed
		}
		return domain.Gate{}, err
	}
	g.Status = decision
	g.Notes = notes
	g.DecidedAt = &now

	var evts []domain.Event
	evt, err := e.Events.Append(ctx, tx, events.TypeGateResolved, p.ID, "gate", g.ID, actorID, events.EventPayload{
		"gate_number": g.GateNumber,
		"decision":    decision,
		"notes":       strOrEmpty(notes),
	})
	if err != nil {
		tx.Rollback()
		mu.Unlock()
		return domain.Gate{}, err
	}
	evts = append(evts, evt)

	dispatch := false
	switch decision {
	case domain.GateApproved, domain.GateAutoApproved:
		p.Status = domain.ProjectActive
		dispatch, err = e.moveToNext(ctx, tx, &p, plan(cfg), &evts, actorID)
		if err != nil {
			tx.Rollback()
			mu.Unlock()
			return domain.Gate{}, err
		}
	case domain.GateRejected, domain.GateRevisionRequested:
		target := revisionTarget(plan(cfg), step{Phase: g.Phase, Index: g.PhaseIndex})
		evt, err := e.Events.Append(ctx, tx, events.TypePhaseChanged, p.ID, "project", p.ID, actorID, events.EventPayload{
			"from":       p.Phase,
			"from_index": p.PhaseIndex,
			"to":         target.Phase,
			"to_index":   target.Index,
			"revision":   true,
		})
		if err != nil {
			tx.Rollback()
			mu.Unlock()
			return domain.Gate{}, err
		}
		evts = append(evts, evt)
		p.Phase = target.Phase
		p.PhaseIndex = target.Index
		p.Status = domain.ProjectActive
		p.RevisionNotes = notes
		dispatch = true
	}
	p.UpdatedAt = now
	if err := e.Repo.UpdateProjectState(ctx, tx, p); err != nil {
		tx.Rollback()
		mu.Unlock()
		return domain.Gate{}, err
	}
	if err := tx.Commit(); err != nil {
		mu.Unlock()
		return domain.Gate{}, err
	}
	e.publish(evts)
	mu.Unlock()
	if dispatch {
		e.spawnRunLoop(g.ProjectID, actorID)
	}
	return g, nil
}

func strOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
