package domain

// Phase is one named stage of the fixed build sequence.
type Phase string

const (
	PhaseIntake    Phase = "intake"
	PhasePlanning  Phase = "planning"
	PhaseBuilding  Phase = "building"
	PhaseQA        Phase = "qa"
	PhaseReview    Phase = "review"
	PhaseDeploying Phase = "deploying"
	PhaseComplete  Phase = "complete"
)

// AgentKind identifies the opaque external agent bound to a phase.
type AgentKind string

const (
	AgentRouter          AgentKind = "router"
	AgentArchitect       AgentKind = "architect"
	AgentBuilderFrontend AgentKind = "builder-frontend"
	AgentBuilderBackend  AgentKind = "builder-backend"
	AgentReviewer        AgentKind = "reviewer"
	AgentContent         AgentKind = "content"
	AgentQA              AgentKind = "qa"
	AgentDeploy          AgentKind = "deploy"
)

// Project statuses.
const (
	ProjectActive           = "active"
	ProjectPaused           = "paused"
	ProjectAwaitingApproval = "awaiting_approval"
	ProjectFailed           = "failed"
	ProjectCancelled        = "cancelled"
	ProjectComplete         = "complete"
)

// Run statuses.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
	RunCancelled = "cancelled"
	RunTimedOut  = "timed_out"
)

// Artifact statuses.
const (
	ArtifactGenerated = "generated"
	ArtifactModified  = "modified"
	ArtifactApproved  = "approved"
	ArtifactDeleted   = "deleted"
)

// Gate statuses.
const (
	GatePending           = "pending"
	GateApproved          = "approved"
	GateRejected          = "rejected"
	GateRevisionRequested = "revision_requested"
	GateAutoApproved      = "auto_approved"
	GateCancelled         = "cancelled"
)

type Project struct {
	ID            string  `json:"id"`
	OwnerID       string  `json:"owner_id,omitempty"`
	Name          string  `json:"name"`
	Brief         string  `json:"brief,omitempty"`
	Phase         Phase   `json:"phase"`
	PhaseIndex    int     `json:"phase_index"`
	Status        string  `json:"status" enum:"active,paused,awaiting_approval,failed,cancelled,complete"`
	TokensIn      int64   `json:"tokens_in"`
	TokensOut     int64   `json:"tokens_out"`
	CostUSD       float64 `json:"cost_usd"`
	WallMS        int64   `json:"wall_ms"`
	Error         *string `json:"error,omitempty"`
	RevisionNotes *string `json:"revision_notes,omitempty"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	UpdatedAt     string  `json:"updated_at" format:"date-time"`
}

// Terminal reports whether no further transitions are possible.
func (p Project) Terminal() bool {
	return p.Status == ProjectComplete || p.Status == ProjectCancelled
}

type Run struct {
	ID         string    `json:"id"`
	ProjectID  string    `json:"project_id"`
	AgentKind  AgentKind `json:"agent_kind"`
	Phase      Phase     `json:"phase"`
	PhaseIndex int       `json:"phase_index"`
	InputJSON  string    `json:"input_json"`
	Status     string    `json:"status" enum:"running,completed,failed,cancelled,timed_out"`
	OutputJSON *string   `json:"output_json,omitempty"`
	Summary    *string   `json:"summary,omitempty"`
	TokensIn   int64     `json:"tokens_in"`
	TokensOut  int64     `json:"tokens_out"`
	CostUSD    float64   `json:"cost_usd"`
	DurationMS int64     `json:"duration_ms"`
	Error      *string   `json:"error,omitempty"`
	StartedAt  string    `json:"started_at" format:"date-time"`
	EndedAt    *string   `json:"ended_at,omitempty" format:"date-time"`
}

type Artifact struct {
	ID            string  `json:"id"`
	ProjectID     string  `json:"project_id"`
	Path          string  `json:"path"`
	Content       string  `json:"content,omitempty"`
	ContentHash   string  `json:"content_hash"`
	RunID         *string `json:"run_id,omitempty"`
	Version       int     `json:"version"`
	ParentVersion *int    `json:"parent_version,omitempty"`
	Status        string  `json:"status" enum:"generated,modified,approved,deleted"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
}

type Gate struct {
	ID            string  `json:"id"`
	ProjectID     string  `json:"project_id"`
	GateNumber    int     `json:"gate_number"`
	Name          string  `json:"name"`
	Phase         Phase   `json:"phase"`
	PhaseIndex    int     `json:"phase_index"`
	ArtifactIDs   string  `json:"artifact_ids_json,omitempty"`
	Status        string  `json:"status" enum:"pending,approved,rejected,revision_requested,auto_approved"`
	Notes         *string `json:"notes,omitempty"`
	AutoApproveAt *string `json:"auto_approve_at,omitempty" format:"date-time"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	DecidedAt     *string `json:"decided_at,omitempty" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
