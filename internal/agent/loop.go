package agent

import (
	"context"
	"strings"
	"time"

	"github.com/strandlabs/strand/internal/backoff"
	"github.com/strandlabs/strand/internal/frames"
	"github.com/strandlabs/strand/internal/hooks"
	"github.com/strandlabs/strand/internal/interaction"
	"github.com/strandlabs/strand/internal/observability"
	"github.com/strandlabs/strand/internal/pipeline"
	"github.com/strandlabs/strand/pkg/models"
)

// Config bounds the response loop.
type Config struct {
	// MaxIterations caps model round-trips per turn.
	MaxIterations int

	// RateLimitRetries caps retries of one rate-limited model call.
	RateLimitRetries int

	// RateLimitDelay is the fixed wait between those retries.
	RateLimitDelay time.Duration
}

func sanitizeConfig(cfg Config) Config {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 12
	}
	if cfg.RateLimitRetries <= 0 {
		cfg.RateLimitRetries = 3
	}
	if cfg.RateLimitDelay <= 0 {
		cfg.RateLimitDelay = 2 * time.Second
	}
	return cfg
}

// Emitter receives stream events as the turn progresses. The gateway's
// stream writer implements it; a nil emitter discards events.
type Emitter interface {
	Emit(event *models.StreamEvent)
}

type discardEmitter struct{}

func (discardEmitter) Emit(*models.StreamEvent) {}

// Turn is one user message awaiting a response.
type Turn struct {
	SessionID string
	OwnerID   string
	Agent     *models.Agent
	UserText  string
}

// Loop drives the per-turn state machine: model call, interaction
// detection, pipeline execution, feedback, repeat.
type Loop struct {
	store    frames.Store
	pipe     *pipeline.Pipeline
	provider ModelProvider
	grammar  interaction.Grammar
	registry *hooks.Registry
	logger   *observability.Logger
	metrics  *observability.Metrics
	config   Config
}

// NewLoop wires the loop's collaborators. grammar and registry may be nil;
// defaults are substituted.
func NewLoop(store frames.Store, pipe *pipeline.Pipeline, provider ModelProvider, grammar interaction.Grammar, registry *hooks.Registry, logger *observability.Logger, metrics *observability.Metrics, cfg Config) *Loop {
	if grammar == nil {
		grammar = interaction.NewFencedGrammar("")
	}
	if registry == nil {
		registry = hooks.NewRegistry(nil)
	}
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	return &Loop{
		store:    store,
		pipe:     pipe,
		provider: provider,
		grammar:  grammar,
		registry: registry,
		logger:   logger.WithFields("component", "loop"),
		metrics:  metrics,
		config:   sanitizeConfig(cfg),
	}
}

// Run executes one turn. The returned frame is the user-visible outcome,
// either the agent's response or an error frame; err is non-nil only when
// the turn failed to produce a normal response.
func (l *Loop) Run(ctx context.Context, turn Turn, emitter Emitter) (*models.Frame, error) {
	if emitter == nil {
		emitter = discardEmitter{}
	}

	userFrame, err := l.store.Append(ctx, &models.Frame{
		SessionID:  turn.SessionID,
		Type:       models.FrameMessage,
		AuthorType: models.AuthorUser,
		AuthorID:   turn.OwnerID,
		Payload:    models.Document{"text": turn.UserText},
	})
	if err != nil {
		return nil, err
	}
	l.countFrame(models.FrameMessage)
	l.fireHook(ctx, &hooks.Event{
		Type:      hooks.EventUserMessage,
		SessionID: turn.SessionID,
		AgentID:   turn.Agent.ID,
		Frame:     userFrame,
	})

	messages, err := l.loadContext(ctx, turn.SessionID)
	if err != nil {
		return nil, err
	}

	var segments []string
	for iteration := 1; ; iteration++ {
		filter := l.newStreamFilter()
		resp, err := l.stream(ctx, turn.Agent, messages, func(delta string) {
			if safe := filter.Push(delta); safe != "" {
				emitter.Emit(&models.StreamEvent{Type: models.StreamText, Text: safe})
			}
		})
		if err != nil {
			return l.failTurn(ctx, turn, iteration, err.Error())
		}
		if tail := filter.Flush(); tail != "" {
			emitter.Emit(&models.StreamEvent{Type: models.StreamText, Text: tail})
		}
		if iteration == 1 && strings.TrimSpace(resp.Text) == "" {
			return l.failTurn(ctx, turn, iteration, "model returned an empty response")
		}

		block := l.grammar.Detect(resp.Text)
		stripped := l.grammar.Strip(resp.Text)
		if stripped != "" {
			segments = append(segments, stripped)
		}

		if block == nil || iteration >= l.config.MaxIterations {
			capped := block != nil
			return l.finishTurn(ctx, turn, iteration, segments, capped)
		}

		// Raw model output stays in history but hidden from the user.
		hiddenFrame, err := l.store.Append(ctx, &models.Frame{
			SessionID:  turn.SessionID,
			ParentID:   userFrame.ID,
			Type:       models.FrameMessage,
			AuthorType: models.AuthorAgent,
			AuthorID:   turn.Agent.ID,
			Hidden:     true,
			Payload:    models.Document{"text": resp.Text},
		})
		if err != nil {
			return nil, err
		}
		l.countFrame(models.FrameMessage)

		requestFrame, err := l.store.Append(ctx, &models.Frame{
			SessionID:  turn.SessionID,
			ParentID:   hiddenFrame.ID,
			Type:       models.FrameRequest,
			AuthorType: models.AuthorAgent,
			AuthorID:   turn.Agent.ID,
			Hidden:     true,
			Payload: models.Document{
				"mode":  string(block.Mode),
				"count": len(block.Operations),
			},
		})
		if err != nil {
			return nil, err
		}
		l.countFrame(models.FrameRequest)
		l.fireHook(ctx, &hooks.Event{
			Type:      hooks.EventOperationDetected,
			SessionID: turn.SessionID,
			AgentID:   turn.Agent.ID,
			Frame:     requestFrame,
		})

		for _, op := range block.Operations {
			emitter.Emit(&models.StreamEvent{
				Type:      models.StreamElementStart,
				ElementID: op.ID,
				Data:      models.Document{"kind": op.Kind, "target": op.Target},
			})
			emitter.Emit(&models.StreamEvent{
				Type:      models.StreamElementUpdate,
				ElementID: op.ID,
				Data:      models.Document{"phase": "executing"},
			})
		}

		results := l.pipe.ExecuteBlock(ctx, pipeline.Execution{
			SessionID: turn.SessionID,
			AgentID:   turn.Agent.ID,
			OwnerID:   turn.OwnerID,
		}, block)

		for _, result := range results {
			emitter.Emit(&models.StreamEvent{
				Type:      models.StreamElementComplete,
				ElementID: result.OperationID,
			})
			emitter.Emit(&models.StreamEvent{
				Type:      models.StreamElementResult,
				ElementID: result.OperationID,
				Data: models.Document{
					"status": string(result.Status),
					"error":  result.Error,
				},
			})
			l.fireHook(ctx, &hooks.Event{
				Type:      hooks.EventOperationResult,
				SessionID: turn.SessionID,
				AgentID:   turn.Agent.ID,
				Result:    result,
			})
		}

		feedback := FeedbackDocument(results)
		resultFrame, err := l.store.Append(ctx, &models.Frame{
			SessionID:  turn.SessionID,
			ParentID:   requestFrame.ID,
			TargetIDs:  []string{models.FrameTarget(requestFrame.ID)},
			Type:       models.FrameResult,
			AuthorType: models.AuthorSystem,
			Hidden:     true,
			Payload:    feedback,
		})
		if err != nil {
			return nil, err
		}
		l.countFrame(models.FrameResult)

		messages = append(messages,
			CompletionMessage{Role: RoleAssistant, Content: resp.Text},
			CompletionMessage{Role: RoleUser, Content: feedbackText(resultFrame.Payload)},
		)
	}
}

// loadContext compiles the session from the latest checkpoint and renders
// it as model messages.
func (l *Loop) loadContext(ctx context.Context, sessionID string) ([]CompletionMessage, error) {
	page, err := l.store.Range(ctx, sessionID, frames.RangeOptions{
		FromLatestCompaction: true,
		IncludeHidden:        true,
	})
	if err != nil {
		return nil, err
	}
	return historyMessages(frames.Compile(sessionID, page.Frames)), nil
}

// stream drives one model call through the provider's streaming API,
// forwarding text deltas to emit as they arrive. Transient failures are
// retried with a fixed delay, but only while nothing has reached the
// client yet; after a partial response the error surfaces immediately.
// Auth and config errors are never retried.
func (l *Loop) stream(ctx context.Context, ag *models.Agent, messages []CompletionMessage, emit func(string)) (*CompletionResponse, error) {
	req := &CompletionRequest{
		Model:     ag.Model,
		System:    ag.SystemPrompt,
		Messages:  messages,
		MaxTokens: ag.MaxTokens,
	}

	var emitted bool
	retryable := func(err error) bool {
		return !emitted && IsRetryable(err)
	}

	policy := backoff.ConstantPolicy(l.config.RateLimitDelay)
	start := time.Now()
	resp, err := backoff.RetryIf(ctx, policy, l.config.RateLimitRetries+1, retryable, func(int) (*CompletionResponse, error) {
		return l.streamOnce(ctx, req, func(delta string) {
			emitted = true
			emit(delta)
		})
	})

	if l.metrics != nil {
		status := "success"
		var prompt, completion int
		if err != nil {
			status = "error"
			if IsRateLimited(err) {
				status = "rate_limited"
			}
		} else {
			prompt = resp.Usage.PromptTokens
			completion = resp.Usage.CompletionTokens
		}
		l.metrics.RecordModelRequest(l.provider.Name(), ag.Model, status, time.Since(start).Seconds(), prompt, completion)
	}
	return resp, err
}

// streamOnce consumes one streaming call, assembling the full text while
// handing each delta to emit.
func (l *Loop) streamOnce(ctx context.Context, req *CompletionRequest, emit func(string)) (*CompletionResponse, error) {
	chunks, err := l.provider.Stream(ctx, req)
	if err != nil {
		return nil, err
	}

	var text strings.Builder
	var usage Usage
	for chunk := range chunks {
		switch chunk.Type {
		case ChunkText:
			text.WriteString(chunk.Text)
			if chunk.Text != "" {
				emit(chunk.Text)
			}
		case ChunkDone:
			if chunk.Err != nil {
				return nil, chunk.Err
			}
			if chunk.Usage != nil {
				usage = *chunk.Usage
			}
		}
	}
	return &CompletionResponse{Text: text.String(), Usage: usage}, nil
}

func (l *Loop) newStreamFilter() *interaction.StreamFilter {
	if g, ok := l.grammar.(interface{ StreamFilter() *interaction.StreamFilter }); ok {
		return g.StreamFilter()
	}
	return interaction.NewStreamFilter("")
}

// finishTurn persists the visible response assembled from the stripped
// per-iteration segments. The text itself already went out as deltas.
func (l *Loop) finishTurn(ctx context.Context, turn Turn, iterations int, segments []string, capped bool) (*models.Frame, error) {
	final := interaction.DedupeParagraphs(strings.Join(segments, "\n\n"))
	payload := models.Document{"text": final}
	if capped {
		payload["max_iterations_reached"] = true
		l.logger.Warn(ctx, "iteration cap reached", "session_id", turn.SessionID, "iterations", iterations)
	}

	frame, err := l.store.Append(ctx, &models.Frame{
		SessionID:  turn.SessionID,
		Type:       models.FrameMessage,
		AuthorType: models.AuthorAgent,
		AuthorID:   turn.Agent.ID,
		Payload:    payload,
	})
	if err != nil {
		return nil, err
	}
	l.countFrame(models.FrameMessage)

	if l.metrics != nil {
		l.metrics.LoopIterations.Observe(float64(iterations))
	}
	l.fireHook(ctx, &hooks.Event{
		Type:      hooks.EventAgentResponse,
		SessionID: turn.SessionID,
		AgentID:   turn.Agent.ID,
		Frame:     frame,
	})
	return frame, nil
}

// failTurn persists a visible error frame. The turn is over but the
// session stays usable.
func (l *Loop) failTurn(ctx context.Context, turn Turn, iterations int, reason string) (*models.Frame, error) {
	l.logger.Error(ctx, "turn failed", "session_id", turn.SessionID, "iteration", iterations, "reason", reason)
	if l.metrics != nil {
		l.metrics.RecordError("loop", "turn_failed")
		l.metrics.LoopIterations.Observe(float64(iterations))
	}

	frame, appendErr := l.store.Append(ctx, &models.Frame{
		SessionID:  turn.SessionID,
		Type:       models.FrameMessage,
		AuthorType: models.AuthorSystem,
		Payload: models.Document{
			"text":  "The agent could not respond: " + reason,
			"error": reason,
		},
	})
	if appendErr != nil {
		return nil, appendErr
	}
	l.countFrame(models.FrameMessage)

	return frame, &TurnError{Reason: reason}
}

func (l *Loop) fireHook(ctx context.Context, event *hooks.Event) {
	if err := l.registry.Fire(ctx, event); err != nil {
		l.logger.Warn(ctx, "hook error", "event", event.Type, "error", err)
	}
}

func (l *Loop) countFrame(t models.FrameType) {
	if l.metrics != nil {
		l.metrics.FrameAppended(string(t))
	}
}

// TurnError reports a turn that ended with an error frame instead of a
// response.
type TurnError struct {
	Reason string
}

func (e *TurnError) Error() string {
	return "turn failed: " + e.Reason
}
