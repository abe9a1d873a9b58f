package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/strandlabs/strand/internal/agent"
	"github.com/strandlabs/strand/internal/compaction"
	"github.com/strandlabs/strand/internal/frames"
	"github.com/strandlabs/strand/internal/hooks"
	"github.com/strandlabs/strand/internal/pipeline"
	"github.com/strandlabs/strand/pkg/models"
)

type fixedProvider struct {
	text string
	err  error
}

func (p *fixedProvider) Name() string { return "fixed" }

func (p *fixedProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (*agent.CompletionResponse, error) {
	if p.err != nil {
		return nil, p.err
	}
	return &agent.CompletionResponse{Text: p.text}, nil
}

func (p *fixedProvider) Stream(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	if p.err != nil {
		return nil, p.err
	}
	ch := make(chan *agent.CompletionChunk, 2)
	ch <- &agent.CompletionChunk{Type: agent.ChunkText, Text: p.text}
	ch <- &agent.CompletionChunk{Type: agent.ChunkDone}
	close(ch)
	return ch, nil
}

func newTestServer(t *testing.T, provider agent.ModelProvider) (*Server, frames.Store) {
	t.Helper()

	store := frames.NewMemoryStore()
	loop := agent.NewLoop(store, pipeline.New(pipeline.NewRegistry(), nil, nil), provider, nil, nil, nil, nil, agent.Config{})

	srv, err := NewServer(Config{
		Store: store,
		Loop:  loop,
		Agent: &models.Agent{ID: "agent-1", Provider: "fixed", Model: "test-model"},
	})
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	return srv, store
}

func postTurn(t *testing.T, srv *Server, sessionID, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/sessions/"+sessionID+"/turns", strings.NewReader(body))
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestTurnStreamOrdering(t *testing.T) {
	srv, _ := newTestServer(t, &fixedProvider{text: "Hi there."})

	rec := postTurn(t, srv, "s1", `{"text": "hello", "owner_id": "u1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	got := eventNames(rec.Body.String())
	if len(got) < 3 {
		t.Fatalf("events = %v", got)
	}
	if got[0] != "message_start" {
		t.Fatalf("first event = %q, want message_start", got[0])
	}
	if got[len(got)-1] != "message_complete" {
		t.Fatalf("last event = %q, want message_complete", got[len(got)-1])
	}
	for _, name := range got[1 : len(got)-1] {
		if name != "text" {
			t.Fatalf("interior event = %q, want text", name)
		}
	}
}

func TestTurnFailureEndsWithErrorEvent(t *testing.T) {
	srv, _ := newTestServer(t, &fixedProvider{
		err: &agent.ProviderError{Reason: agent.ReasonAuth, Message: "bad key"},
	})

	rec := postTurn(t, srv, "s1", `{"text": "hello", "owner_id": "u1"}`)
	got := eventNames(rec.Body.String())
	if len(got) == 0 || got[len(got)-1] != "error" {
		t.Fatalf("events = %v, want trailing error", got)
	}
}

func TestTurnValidation(t *testing.T) {
	srv, _ := newTestServer(t, &fixedProvider{text: "hi"})

	if rec := postTurn(t, srv, "s1", `{"owner_id": "u1"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing text status = %d", rec.Code)
	}
	if rec := postTurn(t, srv, "s1", `{"text": "hi"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing owner status = %d", rec.Code)
	}
	if rec := postTurn(t, srv, "s1", `not json`); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad body status = %d", rec.Code)
	}
}

func TestTurnRejectsForeignSession(t *testing.T) {
	srv, store := newTestServer(t, &fixedProvider{text: "hi"})
	if err := store.RegisterSession(context.Background(), "s1", "owner-a"); err != nil {
		t.Fatalf("RegisterSession() error = %v", err)
	}

	rec := postTurn(t, srv, "s1", `{"text": "hello", "owner_id": "owner-b"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func seedFrames(t *testing.T, store frames.Store, n int) []*models.Frame {
	t.Helper()
	out := make([]*models.Frame, 0, n)
	for i := 0; i < n; i++ {
		frame, err := store.Append(context.Background(), &models.Frame{
			SessionID:  "s1",
			Type:       models.FrameMessage,
			AuthorType: models.AuthorUser,
			Payload:    models.Document{"text": "stored message"},
		})
		if err != nil {
			t.Fatalf("Append() error = %v", err)
		}
		out = append(out, frame)
	}
	return out
}

func TestFrameRangeEndpoint(t *testing.T) {
	srv, store := newTestServer(t, &fixedProvider{})
	seedFrames(t, store, 5)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/v1/sessions/s1/frames?limit=3", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp struct {
		Frames  []*models.Frame `json:"frames"`
		HasMore bool            `json:"has_more"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Frames) != 3 || !resp.HasMore {
		t.Fatalf("frames = %d, has_more = %v", len(resp.Frames), resp.HasMore)
	}
	for i := 1; i < len(resp.Frames); i++ {
		if resp.Frames[i].Timestamp <= resp.Frames[i-1].Timestamp {
			t.Fatal("frames not ascending by timestamp")
		}
	}
}

func TestGetFrameEndpoint(t *testing.T) {
	srv, store := newTestServer(t, &fixedProvider{})
	seeded := seedFrames(t, store, 1)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/v1/frames/"+seeded[0].ID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/v1/frames/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing frame status = %d", rec.Code)
	}
}

func TestSearchEndpointRequiresOwner(t *testing.T) {
	srv, store := newTestServer(t, &fixedProvider{})
	if err := store.RegisterSession(context.Background(), "s1", "u1"); err != nil {
		t.Fatalf("RegisterSession() error = %v", err)
	}
	seedFrames(t, store, 2)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/v1/search?q=stored", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("ownerless search status = %d", rec.Code)
	}

	req := httptest.NewRequest("GET", "/v1/search?q=stored", nil)
	req.Header.Set("X-Owner-ID", "u1")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("search status = %d", rec.Code)
	}

	var resp struct {
		Frames []*models.Frame `json:"frames"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Frames) != 2 {
		t.Fatalf("search hits = %d, want 2", len(resp.Frames))
	}
}

func TestCompactEndpoint(t *testing.T) {
	store := frames.NewMemoryStore()
	provider := &fixedProvider{text: "a short summary"}
	loop := agent.NewLoop(store, pipeline.New(pipeline.NewRegistry(), nil, nil), provider, nil, nil, nil, nil, agent.Config{})
	compactor := compaction.NewManager(store, provider, nil, nil, nil, compaction.Config{})

	srv, err := NewServer(Config{
		Store:     store,
		Loop:      loop,
		Compactor: compactor,
		Agent:     &models.Agent{ID: "agent-1", Model: "test-model"},
	})
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	seedFrames(t, store, 4)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/v1/sessions/s1/compact", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Outcome   string `json:"outcome"`
		Collapsed int    `json:"collapsed"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Outcome != string(compaction.OutcomeCompacted) || resp.Collapsed != 4 {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestDeleteSessionEndpoint(t *testing.T) {
	srv, store := newTestServer(t, &fixedProvider{})
	seedFrames(t, store, 2)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("DELETE", "/v1/sessions/s1", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}

	page, err := store.Range(context.Background(), "s1", frames.RangeOptions{IncludeHidden: true})
	if err != nil {
		t.Fatalf("Range() error = %v", err)
	}
	if len(page.Frames) != 0 {
		t.Fatalf("frames after delete = %d", len(page.Frames))
	}
}

func TestDeleteSessionFiresHook(t *testing.T) {
	store := frames.NewMemoryStore()
	loop := agent.NewLoop(store, pipeline.New(pipeline.NewRegistry(), nil, nil), &fixedProvider{text: "hi"}, nil, nil, nil, nil, agent.Config{})

	registry := hooks.NewRegistry(nil)
	var fired []*hooks.Event
	registry.Register(hooks.EventSessionDeleted, func(ctx context.Context, event *hooks.Event) error {
		fired = append(fired, event)
		return nil
	})

	srv, err := NewServer(Config{
		Store: store,
		Loop:  loop,
		Hooks: registry,
		Agent: &models.Agent{ID: "agent-1", Model: "test-model"},
	})
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	seedFrames(t, store, 2)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("DELETE", "/v1/sessions/s1", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(fired) != 1 || fired[0].SessionID != "s1" {
		t.Fatalf("session deleted hook fired = %+v, want one event for s1", fired)
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, &fixedProvider{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "ok") {
		t.Fatalf("healthz = %d %q", rec.Code, rec.Body.String())
	}
}
