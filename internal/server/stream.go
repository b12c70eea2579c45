package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"

	"faz/internal/engine"
)

// registerStream exposes the live event feed. A reconnecting client passes
// the sequence id of the last event it saw, either as the standard
// Last-Event-ID header or the resume_after query parameter, and receives the
// missed events first, then live ones, without gaps or duplicates.
func registerStream(api huma.API, e *engine.Engine) {
	sse.Register(api, huma.Operation{
		OperationID: "stream-events",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/stream",
		Summary:     "Stream project events",
		Errors:      []int{http.StatusNotFound},
	}, map[string]any{
		"event": EventResponse{},
	}, func(ctx context.Context, input *struct {
		ProjectID   string `path:"project_id"`
		LastEventID string `header:"Last-Event-ID"`
		ResumeAfter int64  `query:"resume_after"`
	}, send sse.Sender) {
		if _, err := e.Repo.GetProject(ctx, input.ProjectID); err != nil {
			return
		}
		after := input.ResumeAfter
		if input.LastEventID != "" {
			if id, err := strconv.ParseInt(input.LastEventID, 10, 64); err == nil && id > after {
				after = id
			}
		}
		sub, err := e.Broadcast.Subscribe(ctx, input.ProjectID, after)
		if err != nil {
			return
		}
		defer e.Broadcast.Unsubscribe(sub)
		for {
			evt, err := sub.Next(ctx)
			if err != nil {
				// ErrClosed means the subscriber lagged behind on a critical
				// event; ending the stream forces a reconnect with replay.
				return
			}
			if err := send(sse.Message{
				ID:   int(evt.ID),
				Data: eventResponse(evt),
			}); err != nil {
				return
			}
		}
	})
}
