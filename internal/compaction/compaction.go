// Package compaction bounds the history replayed into the model by
// collapsing older frames into checkpoint snapshots. A checkpoint is an
// ordinary compact frame: the compiler replaces its accumulator with the
// snapshot, so everything downstream of the store sees a shorter session
// with identical meaning.
package compaction

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/strandlabs/strand/internal/agent"
	"github.com/strandlabs/strand/internal/frames"
	"github.com/strandlabs/strand/internal/hooks"
	"github.com/strandlabs/strand/internal/observability"
	"github.com/strandlabs/strand/pkg/models"
)

// Outcome classifies one compaction attempt.
type Outcome string

const (
	// OutcomeCompacted means a new checkpoint frame was written.
	OutcomeCompacted Outcome = "compacted"

	// OutcomeSkipped means the session was below the trigger threshold.
	OutcomeSkipped Outcome = "skipped"

	// OutcomeDebounced means another attempt for the session is in flight
	// or ran within the cooldown window. Not an error.
	OutcomeDebounced Outcome = "debounced"

	// OutcomeFailed means summarization failed; no checkpoint was written.
	OutcomeFailed Outcome = "failed"
)

// Result reports what one Check or Force call did.
type Result struct {
	Outcome   Outcome
	Collapsed int
	FrameID   string
	Reason    string
}

// Trigger decides whether a session's uncompacted tail warrants a
// checkpoint. The token estimate uses roughly four characters per token.
type Trigger func(frameCount, estimatedTokens int) bool

// CountTrigger fires once the uncompacted tail reaches maxFrames.
func CountTrigger(maxFrames int) Trigger {
	return func(count, _ int) bool { return count >= maxFrames }
}

// TokenTrigger fires once the tail's estimated tokens reach maxTokens.
func TokenTrigger(maxTokens int) Trigger {
	return func(_, tokens int) bool { return tokens >= maxTokens }
}

// AnyTrigger fires when any of the given triggers fires.
func AnyTrigger(triggers ...Trigger) Trigger {
	return func(count, tokens int) bool {
		for _, t := range triggers {
			if t(count, tokens) {
				return true
			}
		}
		return false
	}
}

const charsPerToken = 4

// estimateTokens approximates the model-visible size of a frame tail.
func estimateTokens(tail []*models.Frame) int {
	chars := 0
	for _, frame := range tail {
		if text, ok := frame.Payload["text"].(string); ok {
			chars += len(text)
		}
		if summary, ok := frame.Payload["summary"].(string); ok {
			chars += len(summary)
		}
	}
	return (chars + charsPerToken - 1) / charsPerToken
}

// Config tunes the manager. Zero values get defaults from sanitize.
type Config struct {
	// Cooldown is the minimum gap between attempts for one session.
	Cooldown time.Duration

	// Trigger decides when Check compacts. Defaults to 40 frames or an
	// estimated 8000 tokens, whichever comes first.
	Trigger Trigger

	// SummaryMaxTokens bounds the summarization model call.
	SummaryMaxTokens int

	// Pinned entries are carried into every snapshot verbatim, keyed by
	// addressable id. They survive any number of compactions.
	Pinned map[string]models.Document
}

func sanitize(cfg Config) Config {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 2 * time.Minute
	}
	if cfg.Trigger == nil {
		cfg.Trigger = AnyTrigger(CountTrigger(40), TokenTrigger(8000))
	}
	if cfg.SummaryMaxTokens <= 0 {
		cfg.SummaryMaxTokens = 1024
	}
	return cfg
}

const summarySystemPrompt = "You summarize conversations. Produce a concise summary of the transcript " +
	"that preserves user goals, decisions made, operation outcomes, and any unresolved questions. " +
	"Write plain prose, no headers."

// Manager decides when to collapse a session and performs the collapse.
// One manager serves all sessions; per-session state is the debounce map.
type Manager struct {
	store    frames.Store
	provider agent.ModelProvider
	registry *hooks.Registry
	logger   *observability.Logger
	metrics  *observability.Metrics
	config   Config

	mu          sync.Mutex
	inFlight    map[string]bool
	lastAttempt map[string]time.Time

	now func() time.Time
}

func NewManager(store frames.Store, provider agent.ModelProvider, registry *hooks.Registry, logger *observability.Logger, metrics *observability.Metrics, cfg Config) *Manager {
	if registry == nil {
		registry = hooks.NewRegistry(nil)
	}
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	return &Manager{
		store:       store,
		provider:    provider,
		registry:    registry,
		logger:      logger.WithFields("component", "compaction"),
		metrics:     metrics,
		config:      sanitize(cfg),
		inFlight:    map[string]bool{},
		lastAttempt: map[string]time.Time{},
		now:         time.Now,
	}
}

// Check runs an opportunistic compaction attempt. It debounces per
// session and skips sessions below the trigger threshold. Best effort:
// a failed attempt leaves the session uncompacted and reports why.
func (m *Manager) Check(ctx context.Context, sessionID string, ag *models.Agent) (*Result, error) {
	if !m.acquire(sessionID, true) {
		m.record(OutcomeDebounced)
		return &Result{Outcome: OutcomeDebounced}, nil
	}
	defer m.release(sessionID)

	tail, err := m.tail(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !m.config.Trigger(len(tail), estimateTokens(tail)) {
		m.record(OutcomeSkipped)
		return &Result{Outcome: OutcomeSkipped}, nil
	}
	return m.compact(ctx, sessionID, ag, tail)
}

// Force compacts unconditionally. It still collapses into an in-flight
// attempt for the same session but ignores the cooldown and trigger.
func (m *Manager) Force(ctx context.Context, sessionID string, ag *models.Agent) (*Result, error) {
	if !m.acquire(sessionID, false) {
		m.record(OutcomeDebounced)
		return &Result{Outcome: OutcomeDebounced}, nil
	}
	defer m.release(sessionID)

	tail, err := m.tail(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(tail) == 0 {
		m.record(OutcomeSkipped)
		return &Result{Outcome: OutcomeSkipped, Reason: "nothing to compact"}, nil
	}
	return m.compact(ctx, sessionID, ag, tail)
}

// acquire marks the session in flight. With cooldown true it also
// rejects attempts inside the cooldown window.
func (m *Manager) acquire(sessionID string, cooldown bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.inFlight[sessionID] {
		return false
	}
	if cooldown {
		if last, ok := m.lastAttempt[sessionID]; ok && m.now().Sub(last) < m.config.Cooldown {
			return false
		}
	}
	m.inFlight[sessionID] = true
	m.lastAttempt[sessionID] = m.now()
	return true
}

func (m *Manager) release(sessionID string) {
	m.mu.Lock()
	delete(m.inFlight, sessionID)
	m.mu.Unlock()
}

// tail returns the message frames written since the latest checkpoint.
func (m *Manager) tail(ctx context.Context, sessionID string) ([]*models.Frame, error) {
	page, err := m.store.Range(ctx, sessionID, frames.RangeOptions{
		FromLatestCompaction: true,
		IncludeHidden:        true,
		Types:                []models.FrameType{models.FrameMessage, models.FrameResult},
	})
	if err != nil {
		return nil, err
	}

	tail := page.Frames[:0:0]
	for _, frame := range page.Frames {
		if frame.Type == models.FrameCompact {
			continue
		}
		tail = append(tail, frame)
	}
	return tail, nil
}

func (m *Manager) compact(ctx context.Context, sessionID string, ag *models.Agent, tail []*models.Frame) (*Result, error) {
	if len(tail) == 0 {
		m.record(OutcomeSkipped)
		return &Result{Outcome: OutcomeSkipped, Reason: "nothing to compact"}, nil
	}

	summary, err := m.summarize(ctx, ag, tail)
	if err != nil {
		m.record(OutcomeFailed)
		m.logger.Warn(ctx, "summarization failed, session left uncompacted",
			"session_id", sessionID, "error", err)
		return &Result{Outcome: OutcomeFailed, Reason: err.Error()}, err
	}

	entries := make(map[string]models.Document, len(m.config.Pinned))
	for id, doc := range m.config.Pinned {
		entries[id] = doc.Clone()
	}
	snapshot := &models.CompactionSnapshot{
		Entries:        entries,
		CollapsedCount: len(tail),
		FromTimestamp:  tail[0].Timestamp,
		ToTimestamp:    tail[len(tail)-1].Timestamp,
	}
	payload := models.SnapshotPayload(snapshot)
	payload["summary"] = summary

	frame, err := m.store.Append(ctx, &models.Frame{
		SessionID:  sessionID,
		Type:       models.FrameCompact,
		AuthorType: models.AuthorSystem,
		Hidden:     true,
		Payload:    payload,
	})
	if err != nil {
		m.record(OutcomeFailed)
		return &Result{Outcome: OutcomeFailed, Reason: err.Error()}, err
	}

	m.record(OutcomeCompacted)
	if m.metrics != nil {
		m.metrics.FrameAppended(string(models.FrameCompact))
	}
	m.logger.Info(ctx, "session compacted",
		"session_id", sessionID, "collapsed", len(tail), "frame_id", frame.ID)

	if err := m.registry.Fire(ctx, &hooks.Event{
		Type:      hooks.EventCompaction,
		SessionID: sessionID,
		Frame:     frame,
	}); err != nil {
		m.logger.Warn(ctx, "compaction hook failed", "error", err)
	}

	return &Result{Outcome: OutcomeCompacted, Collapsed: len(tail), FrameID: frame.ID}, nil
}

// summarize asks the model for a summary of the tail. The transcript is
// rendered inline rather than as a message history so the summarizer
// sees one self-contained document.
func (m *Manager) summarize(ctx context.Context, ag *models.Agent, tail []*models.Frame) (string, error) {
	var transcript strings.Builder
	for _, frame := range tail {
		text, ok := frame.Payload["text"].(string)
		if !ok || text == "" {
			continue
		}
		fmt.Fprintf(&transcript, "%s: %s\n", frame.AuthorType, text)
	}
	if transcript.Len() == 0 {
		return "", fmt.Errorf("no text content to summarize")
	}

	model := ""
	if ag != nil {
		model = ag.Model
	}
	resp, err := m.provider.Complete(ctx, &agent.CompletionRequest{
		Model:     model,
		System:    summarySystemPrompt,
		Messages:  []agent.CompletionMessage{{Role: agent.RoleUser, Content: transcript.String()}},
		MaxTokens: m.config.SummaryMaxTokens,
	})
	if err != nil {
		return "", err
	}
	summary := strings.TrimSpace(resp.Text)
	if summary == "" {
		return "", fmt.Errorf("summarizer returned an empty summary")
	}
	return summary, nil
}

func (m *Manager) record(outcome Outcome) {
	if m.metrics != nil {
		m.metrics.RecordCompaction(string(outcome))
	}
}
