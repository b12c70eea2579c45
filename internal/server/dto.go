package server

import (
	"encoding/json"

	"faz/internal/domain"
)

type CreateProjectRequest struct {
	ID    string `json:"id,omitempty" example:"p-shop"`
	Name  string `json:"name" example:"demo shop"`
	Brief string `json:"brief,omitempty" example:"Build a small web shop with checkout."`
}

type StartProjectRequest struct {
	Phase string `json:"phase,omitempty" example:"intake"`
}

type GateDecisionRequest struct {
	Decision string  `json:"decision" enum:"approved,rejected,revision_requested" example:"approved"`
	Notes    *string `json:"notes,omitempty" example:"Looks good, ship it."`
}

type CommandRequest struct {
	Command  string  `json:"command" enum:"run,stop,decide_gate" example:"run"`
	Phase    string  `json:"phase,omitempty" example:"qa"`
	GateID   string  `json:"gate_id,omitempty"`
	Decision string  `json:"decision,omitempty"`
	Notes    *string `json:"notes,omitempty"`
}

type ProjectResponse struct {
	ID            string       `json:"id"`
	OwnerID       string       `json:"owner_id,omitempty"`
	Name          string       `json:"name"`
	Brief         string       `json:"brief,omitempty"`
	Phase         domain.Phase `json:"phase"`
	PhaseIndex    int          `json:"phase_index"`
	Status        string       `json:"status"`
	TokensIn      int64        `json:"tokens_in"`
	TokensOut     int64        `json:"tokens_out"`
	CostUSD       float64      `json:"cost_usd"`
	WallMS        int64        `json:"wall_ms"`
	Error         *string      `json:"error,omitempty"`
	RevisionNotes *string      `json:"revision_notes,omitempty"`
	CreatedAt     string       `json:"created_at"`
	UpdatedAt     string       `json:"updated_at"`
}

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{
		ID:            p.ID,
		OwnerID:       p.OwnerID,
		Name:          p.Name,
		Brief:         p.Brief,
		Phase:         p.Phase,
		PhaseIndex:    p.PhaseIndex,
		Status:        p.Status,
		TokensIn:      p.TokensIn,
		TokensOut:     p.TokensOut,
		CostUSD:       p.CostUSD,
		WallMS:        p.WallMS,
		Error:         p.Error,
		RevisionNotes: p.RevisionNotes,
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
	}
}

func mapProjects(items []domain.Project) []ProjectResponse {
	res := make([]ProjectResponse, 0, len(items))
	for _, p := range items {
		res = append(res, projectResponse(p))
	}
	return res
}

type RunResponse struct {
	ID         string           `json:"id"`
	ProjectID  string           `json:"project_id"`
	AgentKind  domain.AgentKind `json:"agent_kind"`
	Phase      domain.Phase     `json:"phase"`
	PhaseIndex int              `json:"phase_index"`
	Status     string           `json:"status"`
	Summary    *string          `json:"summary,omitempty"`
	TokensIn   int64            `json:"tokens_in"`
	TokensOut  int64            `json:"tokens_out"`
	CostUSD    float64          `json:"cost_usd"`
	DurationMS int64            `json:"duration_ms"`
	Error      *string          `json:"error,omitempty"`
	StartedAt  string           `json:"started_at"`
	EndedAt    *string          `json:"ended_at,omitempty"`
}

func runResponse(r domain.Run) RunResponse {
	return RunResponse{
		ID:         r.ID,
		ProjectID:  r.ProjectID,
		AgentKind:  r.AgentKind,
		Phase:      r.Phase,
		PhaseIndex: r.PhaseIndex,
		Status:     r.Status,
		Summary:    r.Summary,
		TokensIn:   r.TokensIn,
		TokensOut:  r.TokensOut,
		CostUSD:    r.CostUSD,
		DurationMS: r.DurationMS,
		Error:      r.Error,
		StartedAt:  r.StartedAt,
		EndedAt:    r.EndedAt,
	}
}

func mapRuns(items []domain.Run) []RunResponse {
	res := make([]RunResponse, 0, len(items))
	for _, r := range items {
		res = append(res, runResponse(r))
	}
	return res
}

type GateResponse struct {
	ID            string       `json:"id"`
	ProjectID     string       `json:"project_id"`
	GateNumber    int          `json:"gate_number"`
	Name          string       `json:"name"`
	Phase         domain.Phase `json:"phase"`
	PhaseIndex    int          `json:"phase_index"`
	ArtifactIDs   []string     `json:"artifact_ids"`
	Status        string       `json:"status"`
	Notes         *string      `json:"notes,omitempty"`
	AutoApproveAt *string      `json:"auto_approve_at,omitempty"`
	CreatedAt     string       `json:"created_at"`
	DecidedAt     *string      `json:"decided_at,omitempty"`
}

func gateResponse(g domain.Gate) GateResponse {
	var refs []string
	if g.ArtifactIDs != "" {
		_ = json.Unmarshal([]byte(g.ArtifactIDs), &refs)
	}
	if refs == nil {
		refs = []string{}
	}
	return GateResponse{
		ID:            g.ID,
		ProjectID:     g.ProjectID,
		GateNumber:    g.GateNumber,
		Name:          g.Name,
		Phase:         g.Phase,
		PhaseIndex:    g.PhaseIndex,
		ArtifactIDs:   refs,
		Status:        g.Status,
		Notes:         g.Notes,
		AutoApproveAt: g.AutoApproveAt,
		CreatedAt:     g.CreatedAt,
		DecidedAt:     g.DecidedAt,
	}
}

func mapGates(items []domain.Gate) []GateResponse {
	res := make([]GateResponse, 0, len(items))
	for _, g := range items {
		res = append(res, gateResponse(g))
	}
	return res
}

type ArtifactResponse struct {
	ID            string  `json:"id"`
	ProjectID     string  `json:"project_id"`
	Path          string  `json:"path"`
	Content       string  `json:"content,omitempty"`
	ContentHash   string  `json:"content_hash"`
	RunID         *string `json:"run_id,omitempty"`
	Version       int     `json:"version"`
	ParentVersion *int    `json:"parent_version,omitempty"`
	Status        string  `json:"status"`
	CreatedAt     string  `json:"created_at"`
}

func artifactResponse(a domain.Artifact, withContent bool) ArtifactResponse {
	res := ArtifactResponse{
		ID:            a.ID,
		ProjectID:     a.ProjectID,
		Path:          a.Path,
		ContentHash:   a.ContentHash,
		RunID:         a.RunID,
		Version:       a.Version,
		ParentVersion: a.ParentVersion,
		Status:        a.Status,
		CreatedAt:     a.CreatedAt,
	}
	if withContent {
		res.Content = a.Content
	}
	return res
}

func mapArtifacts(items []domain.Artifact, withContent bool) []ArtifactResponse {
	res := make([]ArtifactResponse, 0, len(items))
	for _, a := range items {
		res = append(res, artifactResponse(a, withContent))
	}
	return res
}

type EventResponse struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts"`
	Type       string          `json:"type"`
	ProjectID  string          `json:"project_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	Payload    json.RawMessage `json:"payload"`
}

func eventResponse(evt domain.Event) EventResponse {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		ProjectID:  evt.ProjectID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Payload:    payload,
	}
}

func mapEvents(items []domain.Event) []EventResponse {
	res := make([]EventResponse, 0, len(items))
	for _, evt := range items {
		res = append(res, eventResponse(evt))
	}
	return res
}
