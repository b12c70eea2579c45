package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"faz/internal/domain"
)

func TestHTTPInvokerDecodesResult(t *testing.T) {
	var gotPath, gotKey string
	var gotInput Input
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("X-Api-Key")
		json.NewDecoder(r.Body).Decode(&gotInput)
		json.NewEncoder(w).Encode(Result{
			Summary:   "routed",
			Files:     []File{{Path: "plan.md", Content: "# plan"}},
			TokensIn:  100,
			TokensOut: 50,
		})
	}))
	defer srv.Close()

	inv := &HTTPInvoker{BaseURL: srv.URL, APIKey: "k1"}
	res, err := inv.Invoke(context.Background(), domain.AgentRouter, Input{ProjectID: "p1", Brief: "site"}, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if gotPath != "/agents/router/invoke" {
		t.Fatalf("path %q", gotPath)
	}
	if gotKey != "k1" {
		t.Fatalf("api key %q", gotKey)
	}
	if gotInput.ProjectID != "p1" {
		t.Fatalf("input project %q", gotInput.ProjectID)
	}
	if res.Summary != "routed" || len(res.Files) != 1 || res.TokensIn != 100 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestHTTPInvokerClassifiesStatusCodes(t *testing.T) {
	cases := []struct {
		status        int
		wantTransient bool
	}{
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
		{http.StatusTooManyRequests, true},
		{http.StatusRequestTimeout, true},
		{http.StatusBadRequest, false},
		{http.StatusUnprocessableEntity, false},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", tc.status)
		}))
		inv := &HTTPInvoker{BaseURL: srv.URL}
		_, err := inv.Invoke(context.Background(), domain.AgentQA, Input{}, time.Minute)
		srv.Close()
		if err == nil {
			t.Fatalf("status %d: expected error", tc.status)
		}
		if Transient(err) != tc.wantTransient {
			t.Fatalf("status %d: transient=%v, want %v", tc.status, Transient(err), tc.wantTransient)
		}
	}
}

func TestHTTPInvokerMalformedBodyIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	inv := &HTTPInvoker{BaseURL: srv.URL}
	_, err := inv.Invoke(context.Background(), domain.AgentArchitect, Input{}, time.Minute)
	var pe PermanentError
	if !errors.As(err, &pe) {
		t.Fatalf("got %v, want PermanentError", err)
	}
}

func TestHTTPInvokerConnectionRefusedIsTransient(t *testing.T) {
	inv := &HTTPInvoker{BaseURL: "http://127.0.0.1:1"}
	_, err := inv.Invoke(context.Background(), domain.AgentDeploy, Input{}, time.Minute)
	if !Transient(err) {
		t.Fatalf("got %v, want transient", err)
	}
}

func TestHTTPInvokerHonorsContextCancel(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	inv := &HTTPInvoker{BaseURL: srv.URL}
	_, err := inv.Invoke(ctx, domain.AgentReviewer, Input{}, time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}
