package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/strandlabs/strand/internal/frames"
	"github.com/strandlabs/strand/internal/hooks"
	"github.com/strandlabs/strand/internal/pipeline"
	"github.com/strandlabs/strand/pkg/models"
)

const opBlock = "```operations\n" +
	`{"mode": "sequential", "operations": [{"kind": "invoke", "id": "op-1", "target": "tool:search", "params": {"query": "weather"}}]}` +
	"\n```"

type scriptStep struct {
	text string
	err  error
}

// scriptedProvider replays a fixed sequence of responses; the last step
// repeats once the script runs out.
type scriptedProvider struct {
	mu       sync.Mutex
	script   []scriptStep
	calls    int
	requests []*CompletionRequest
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	step := p.script[len(p.script)-1]
	if p.calls < len(p.script) {
		step = p.script[p.calls]
	}
	p.calls++
	p.requests = append(p.requests, req)

	if step.err != nil {
		return nil, step.err
	}
	return &CompletionResponse{Text: step.text, Usage: Usage{PromptTokens: 10, CompletionTokens: 5}}, nil
}

func (p *scriptedProvider) Stream(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	resp, err := p.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	ch := make(chan *CompletionChunk, 2)
	ch <- &CompletionChunk{Type: ChunkText, Text: resp.Text}
	ch <- &CompletionChunk{Type: ChunkDone, Usage: &resp.Usage}
	close(ch)
	return ch, nil
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type captureEmitter struct {
	mu     sync.Mutex
	events []*models.StreamEvent
}

func (e *captureEmitter) Emit(event *models.StreamEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
}

func newTestLoop(t *testing.T, provider ModelProvider, cfg Config) (*Loop, *frames.MemoryStore) {
	t.Helper()

	registry := pipeline.NewRegistry()
	err := registry.Register(pipeline.HandlerFunc{
		HandlerName: "run",
		Fn: func(ctx context.Context, exec *pipeline.Execution) (*pipeline.Outcome, error) {
			return &pipeline.Outcome{Output: models.Document{"text": "tool output"}}, nil
		},
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	store := frames.NewMemoryStore()
	loop := NewLoop(store, pipeline.New(registry, nil, nil), provider, nil, hooks.NewRegistry(nil), nil, nil, cfg)
	return loop, store
}

func testTurn() Turn {
	return Turn{
		SessionID: "session-1",
		OwnerID:   "user-1",
		Agent:     &models.Agent{ID: "agent-1", Provider: "scripted", Model: "test-model"},
		UserText:  "what is the weather?",
	}
}

func visibleFrames(t *testing.T, store frames.Store) []*models.Frame {
	t.Helper()
	page, err := store.Range(context.Background(), "session-1", frames.RangeOptions{})
	if err != nil {
		t.Fatalf("Range() error = %v", err)
	}
	return page.Frames
}

func TestLoopSimpleTurn(t *testing.T) {
	provider := &scriptedProvider{script: []scriptStep{{text: "Sunny, 22 degrees."}}}
	loop, store := newTestLoop(t, provider, Config{})
	emitter := &captureEmitter{}

	frame, err := loop.Run(context.Background(), testTurn(), emitter)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if frame.Hidden || frame.AuthorType != models.AuthorAgent {
		t.Fatalf("final frame = %+v, want visible agent frame", frame)
	}
	if frame.Payload["text"] != "Sunny, 22 degrees." {
		t.Fatalf("final text = %v", frame.Payload["text"])
	}
	if provider.callCount() != 1 {
		t.Fatalf("provider called %d times, want 1", provider.callCount())
	}

	visible := visibleFrames(t, store)
	if len(visible) != 2 {
		t.Fatalf("visible frames = %d, want user message and response", len(visible))
	}

	if len(emitter.events) != 1 || emitter.events[0].Type != models.StreamText {
		t.Fatalf("emitted events = %+v, want one text event", emitter.events)
	}
}

func TestLoopExecutesOperationsAndFeedsBack(t *testing.T) {
	provider := &scriptedProvider{script: []scriptStep{
		{text: "Let me check.\n\n" + opBlock},
		{text: "It is sunny."},
	}}
	loop, store := newTestLoop(t, provider, Config{})

	frame, err := loop.Run(context.Background(), testTurn(), nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if provider.callCount() != 2 {
		t.Fatalf("provider called %d times, want 2", provider.callCount())
	}

	finalText, _ := frame.Payload["text"].(string)
	if !strings.Contains(finalText, "Let me check.") || !strings.Contains(finalText, "It is sunny.") {
		t.Fatalf("final text = %q, want concatenated stripped segments", finalText)
	}
	if strings.Contains(finalText, "```") {
		t.Fatalf("final text leaked operation markup: %q", finalText)
	}

	// Second model call must carry the feedback in context.
	second := provider.requests[1]
	lastMessage := second.Messages[len(second.Messages)-1]
	if lastMessage.Role != RoleUser || !strings.Contains(lastMessage.Content, "op-1") {
		t.Fatalf("feedback message = %+v", lastMessage)
	}

	// Intermediate output is hidden, final is visible.
	all, err := store.Range(context.Background(), "session-1", frames.RangeOptions{IncludeHidden: true})
	if err != nil {
		t.Fatalf("Range() error = %v", err)
	}
	var hidden, requests, results int
	for _, f := range all.Frames {
		if f.Hidden {
			hidden++
		}
		switch f.Type {
		case models.FrameRequest:
			requests++
		case models.FrameResult:
			results++
		}
	}
	if hidden != 3 || requests != 1 || results != 1 {
		t.Fatalf("frames = %d hidden, %d requests, %d results", hidden, requests, results)
	}
}

func TestLoopStopsAtIterationCap(t *testing.T) {
	provider := &scriptedProvider{script: []scriptStep{{text: "Working on it.\n\n" + opBlock}}}
	loop, _ := newTestLoop(t, provider, Config{MaxIterations: 3})

	frame, err := loop.Run(context.Background(), testTurn(), nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if provider.callCount() != 3 {
		t.Fatalf("provider called %d times, want exactly the cap of 3", provider.callCount())
	}
	if frame.Payload["max_iterations_reached"] != true {
		t.Fatalf("final frame payload = %v, want cap marker", frame.Payload)
	}
}

func TestLoopRetriesRateLimit(t *testing.T) {
	rateLimited := &ProviderError{Reason: ReasonRateLimit, Message: "too many requests"}
	provider := &scriptedProvider{script: []scriptStep{
		{err: rateLimited},
		{text: "Recovered fine."},
	}}
	loop, store := newTestLoop(t, provider, Config{RateLimitDelay: time.Millisecond})

	frame, err := loop.Run(context.Background(), testTurn(), nil)
	if err != nil {
		t.Fatalf("Run() error = %v, want retry to succeed", err)
	}
	if provider.callCount() != 2 {
		t.Fatalf("provider called %d times, want 2 (one retry)", provider.callCount())
	}
	if frame.Payload["text"] != "Recovered fine." {
		t.Fatalf("final text = %v", frame.Payload["text"])
	}

	for _, f := range visibleFrames(t, store) {
		if _, isErr := f.Payload["error"]; isErr {
			t.Fatalf("rate-limit retry produced a user-visible error frame: %+v", f)
		}
	}
}

func TestLoopAuthErrorNotRetried(t *testing.T) {
	provider := &scriptedProvider{script: []scriptStep{
		{err: &ProviderError{Reason: ReasonAuth, Message: "invalid api key"}},
	}}
	loop, _ := newTestLoop(t, provider, Config{RateLimitDelay: time.Millisecond})

	frame, err := loop.Run(context.Background(), testTurn(), nil)
	var turnErr *TurnError
	if !errors.As(err, &turnErr) {
		t.Fatalf("Run() error = %v, want TurnError", err)
	}
	if provider.callCount() != 1 {
		t.Fatalf("provider called %d times, want no retries", provider.callCount())
	}
	if frame == nil || frame.Payload["error"] == nil {
		t.Fatalf("error frame = %+v", frame)
	}
}

func TestLoopEmptyFirstResponseIsError(t *testing.T) {
	provider := &scriptedProvider{script: []scriptStep{{text: "   "}}}
	loop, store := newTestLoop(t, provider, Config{})

	frame, err := loop.Run(context.Background(), testTurn(), nil)
	var turnErr *TurnError
	if !errors.As(err, &turnErr) {
		t.Fatalf("Run() error = %v, want TurnError", err)
	}
	if frame == nil || frame.AuthorType != models.AuthorSystem {
		t.Fatalf("error frame = %+v", frame)
	}

	// The error frame is visible so the user sees what happened.
	visible := visibleFrames(t, store)
	last := visible[len(visible)-1]
	if last.Payload["error"] == nil {
		t.Fatalf("last visible frame = %+v, want error payload", last)
	}
}

// chunkedProvider streams one scripted call as a sequence of text deltas.
type chunkedProvider struct {
	mu     sync.Mutex
	deltas []string
	calls  int
}

func (p *chunkedProvider) Name() string { return "chunked" }

func (p *chunkedProvider) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	return nil, errors.New("chunkedProvider only streams")
}

func (p *chunkedProvider) Stream(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()

	ch := make(chan *CompletionChunk, len(p.deltas)+1)
	for _, delta := range p.deltas {
		ch <- &CompletionChunk{Type: ChunkText, Text: delta}
	}
	ch <- &CompletionChunk{Type: ChunkDone, Usage: &Usage{PromptTokens: 10, CompletionTokens: 5}}
	close(ch)
	return ch, nil
}

// interruptedProvider delivers some text and then fails the stream.
type interruptedProvider struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (p *interruptedProvider) Name() string { return "interrupted" }

func (p *interruptedProvider) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	return nil, errors.New("interruptedProvider only streams")
}

func (p *interruptedProvider) Stream(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()

	ch := make(chan *CompletionChunk, 2)
	ch <- &CompletionChunk{Type: ChunkText, Text: "partial answ"}
	ch <- &CompletionChunk{Type: ChunkDone, Err: p.err}
	close(ch)
	return ch, nil
}

func eventIndex(events []*models.StreamEvent, eventType models.StreamEventType) int {
	for i, ev := range events {
		if ev.Type == eventType {
			return i
		}
	}
	return -1
}

func TestLoopStreamsDeltasIncrementally(t *testing.T) {
	provider := &chunkedProvider{deltas: []string{"Sunny, ", "22 ", "degrees."}}
	loop, _ := newTestLoop(t, provider, Config{})
	emitter := &captureEmitter{}

	frame, err := loop.Run(context.Background(), testTurn(), emitter)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	var texts []string
	for _, ev := range emitter.events {
		if ev.Type != models.StreamText {
			t.Fatalf("unexpected event %+v", ev)
		}
		texts = append(texts, ev.Text)
	}
	if len(texts) != 3 {
		t.Fatalf("text events = %d, want one per delta", len(texts))
	}
	if strings.Join(texts, "") != "Sunny, 22 degrees." {
		t.Fatalf("streamed text = %q", strings.Join(texts, ""))
	}
	if frame.Payload["text"] != "Sunny, 22 degrees." {
		t.Fatalf("final text = %v", frame.Payload["text"])
	}
}

func TestLoopStreamsTextBeforeOperationsExecute(t *testing.T) {
	provider := &scriptedProvider{script: []scriptStep{
		{text: "Let me check.\n\n" + opBlock},
		{text: "It is sunny."},
	}}
	loop, _ := newTestLoop(t, provider, Config{})
	emitter := &captureEmitter{}

	if _, err := loop.Run(context.Background(), testTurn(), emitter); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	firstText := eventIndex(emitter.events, models.StreamText)
	firstElement := eventIndex(emitter.events, models.StreamElementStart)
	if firstText < 0 || firstElement < 0 {
		t.Fatalf("events = %+v, want text and element_start", emitter.events)
	}
	if firstText > firstElement {
		t.Fatalf("first text at %d, element_start at %d: prose must stream before execution", firstText, firstElement)
	}

	for _, ev := range emitter.events {
		if ev.Type == models.StreamText && strings.Contains(ev.Text, "```") {
			t.Fatalf("operation markup streamed to the client: %q", ev.Text)
		}
	}
}

func TestLoopEmitsElementLifecycle(t *testing.T) {
	provider := &scriptedProvider{script: []scriptStep{
		{text: opBlock + "\nRunning it."},
		{text: "All done."},
	}}
	loop, _ := newTestLoop(t, provider, Config{})
	emitter := &captureEmitter{}

	if _, err := loop.Run(context.Background(), testTurn(), emitter); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	var lifecycle []models.StreamEventType
	for _, ev := range emitter.events {
		if ev.ElementID == "op-1" {
			lifecycle = append(lifecycle, ev.Type)
		}
	}
	want := []models.StreamEventType{
		models.StreamElementStart,
		models.StreamElementUpdate,
		models.StreamElementComplete,
		models.StreamElementResult,
	}
	if len(lifecycle) != len(want) {
		t.Fatalf("element events = %v, want %v", lifecycle, want)
	}
	for i := range want {
		if lifecycle[i] != want[i] {
			t.Fatalf("element events = %v, want %v", lifecycle, want)
		}
	}
}

func TestLoopMidStreamFailureNotRetried(t *testing.T) {
	provider := &interruptedProvider{err: &ProviderError{Reason: ReasonRateLimit, Message: "throttled mid-stream"}}
	loop, _ := newTestLoop(t, provider, Config{RateLimitRetries: 3, RateLimitDelay: time.Millisecond})

	_, err := loop.Run(context.Background(), testTurn(), &captureEmitter{})
	var turnErr *TurnError
	if !errors.As(err, &turnErr) {
		t.Fatalf("Run() error = %v, want TurnError", err)
	}
	if provider.calls != 1 {
		t.Fatalf("provider called %d times, want no retry after partial output", provider.calls)
	}
}

func TestLoopRateLimitExhaustionSurfacesError(t *testing.T) {
	provider := &scriptedProvider{script: []scriptStep{
		{err: &ProviderError{Reason: ReasonRateLimit, Message: "too many requests"}},
	}}
	loop, _ := newTestLoop(t, provider, Config{RateLimitRetries: 2, RateLimitDelay: time.Millisecond})

	_, err := loop.Run(context.Background(), testTurn(), nil)
	var turnErr *TurnError
	if !errors.As(err, &turnErr) {
		t.Fatalf("Run() error = %v, want TurnError after exhaustion", err)
	}
	if provider.callCount() != 3 {
		t.Fatalf("provider called %d times, want initial call plus 2 retries", provider.callCount())
	}
}
