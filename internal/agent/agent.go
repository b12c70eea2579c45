// Package agent defines the boundary to the external AI agent calls that
// execute pipeline phases. The pipeline does not know which model or provider
// backs a given kind; it only sees Invoke.
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"faz/internal/domain"
)

// Input is the snapshot handed to an agent call. It is persisted verbatim on
// the run row so a lost response stays reproducible.
type Input struct {
	ProjectID     string       `json:"project_id"`
	Brief         string       `json:"brief"`
	Phase         domain.Phase `json:"phase"`
	PhaseIndex    int          `json:"phase_index,omitempty"`
	StepName      string       `json:"step_name,omitempty"`
	PriorSummary  string       `json:"prior_summary,omitempty"`
	RevisionNotes string       `json:"revision_notes,omitempty"`
}

// File is one generated unit of output.
type File struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Result is the successful outcome of one agent call.
type Result struct {
	Files     []File  `json:"files,omitempty"`
	Summary   string  `json:"summary"`
	TokensIn  int64   `json:"tokens_in"`
	TokensOut int64   `json:"tokens_out"`
	CostUSD   float64 `json:"cost_usd"`
}

// Invoker executes exactly one external agent call. Implementations must
// honor ctx cancellation and the timeout.
type Invoker interface {
	Invoke(ctx context.Context, kind domain.AgentKind, in Input, timeout time.Duration) (Result, error)
}

// TransientError marks a failure worth retrying: network trouble, timeouts,
// provider overload.
type TransientError struct {
	Err error
}

func (e TransientError) Error() string { return fmt.Sprintf("transient agent error: %v", e.Err) }
func (e TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure that retrying cannot fix: malformed output,
// validation errors. It fails the phase immediately.
type PermanentError struct {
	Err error
}

func (e PermanentError) Error() string { return fmt.Sprintf("permanent agent error: %v", e.Err) }
func (e PermanentError) Unwrap() error { return e.Err }

// Transient reports whether err should be retried.
func Transient(err error) bool {
	var te TransientError
	return errors.As(err, &te)
}
