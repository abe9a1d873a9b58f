package pipeline

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/strandlabs/strand/internal/observability"
	"github.com/strandlabs/strand/pkg/models"
)

// Execution carries one operation through the handler chain. Handlers may
// transform Operation in place before later handlers see it, and may stash
// cross-handler state in Values.
type Execution struct {
	Operation *models.OperationDescriptor
	SessionID string
	AgentID   string
	OwnerID   string
	Values    map[string]any
}

// Outcome is a handler's short-circuit result. Returning nil passes the
// operation on to the next handler.
type Outcome struct {
	Output models.Document
	Failed bool
	Error  string
}

// Handler is one link of the chain. Returning (nil, nil) passes through,
// a non-nil Outcome short-circuits the chain, and a non-nil error is
// logged and treated as a pass-through so one misbehaving handler never
// takes down the chain.
type Handler interface {
	Name() string
	Handle(ctx context.Context, exec *Execution) (*Outcome, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc struct {
	HandlerName string
	Fn          func(ctx context.Context, exec *Execution) (*Outcome, error)
}

func (h HandlerFunc) Name() string { return h.HandlerName }

func (h HandlerFunc) Handle(ctx context.Context, exec *Execution) (*Outcome, error) {
	return h.Fn(ctx, exec)
}

// Pipeline executes operation blocks against a handler registry.
type Pipeline struct {
	registry *Registry
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// New creates a pipeline over the given registry.
func New(registry *Registry, logger *observability.Logger, metrics *observability.Metrics) *Pipeline {
	if registry == nil {
		registry = NewRegistry()
	}
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	return &Pipeline{
		registry: registry,
		logger:   logger.WithFields("component", "pipeline"),
		metrics:  metrics,
	}
}

// ExecuteSequential routes operations through the chain in order. When the
// context is already cancelled, every operation is marked aborted and no
// handler runs.
func (p *Pipeline) ExecuteSequential(ctx context.Context, meta Execution, ops []models.OperationDescriptor) []*models.OperationResult {
	results := make([]*models.OperationResult, 0, len(ops))
	for i := range ops {
		results = append(results, p.executeOne(ctx, meta, &ops[i]))
	}
	return results
}

// ExecuteParallel runs each named group concurrently. Inside a group the
// operations stay sequential; results are keyed by group name.
func (p *Pipeline) ExecuteParallel(ctx context.Context, meta Execution, groups map[string][]models.OperationDescriptor) map[string][]*models.OperationResult {
	results := make(map[string][]*models.OperationResult, len(groups))

	g, gctx := errgroup.WithContext(ctx)
	type groupResult struct {
		name    string
		results []*models.OperationResult
	}
	out := make(chan groupResult, len(groups))

	for name, ops := range groups {
		g.Go(func() error {
			out <- groupResult{name: name, results: p.ExecuteSequential(gctx, meta, ops)}
			return nil
		})
	}

	// Workers only send; no error path here.
	_ = g.Wait()
	close(out)

	for r := range out {
		results[r.name] = r.results
	}
	return results
}

// ExecuteBlock dispatches a parsed block in its declared mode.
func (p *Pipeline) ExecuteBlock(ctx context.Context, meta Execution, block *models.OperationBlock) []*models.OperationResult {
	if block == nil {
		return nil
	}
	if block.Mode != models.ModeParallelByKey {
		return p.ExecuteSequential(ctx, meta, block.Operations)
	}

	grouped := p.ExecuteParallel(ctx, meta, block.Groups())
	flat := make([]*models.OperationResult, 0, len(block.Operations))
	for _, op := range block.Operations {
		key := op.Group
		if key == "" {
			key = "default"
		}
		for _, result := range grouped[key] {
			if result.OperationID == op.ID {
				flat = append(flat, result)
				break
			}
		}
	}
	return flat
}

func (p *Pipeline) executeOne(ctx context.Context, meta Execution, op *models.OperationDescriptor) *models.OperationResult {
	result := &models.OperationResult{
		OperationID: op.ID,
		Target:      op.Target,
	}

	if ctx.Err() != nil {
		result.Status = models.StatusAborted
		result.Error = ctx.Err().Error()
		p.record(op.Kind, result, 0)
		return result
	}

	start := time.Now()
	exec := &Execution{
		Operation: op,
		SessionID: meta.SessionID,
		AgentID:   meta.AgentID,
		OwnerID:   meta.OwnerID,
		Values:    map[string]any{},
	}

	outcome, handledBy, handlerErr := p.runChain(ctx, exec)
	result.OperationID = exec.Operation.ID
	result.Target = exec.Operation.Target

	switch {
	case ctx.Err() != nil && outcome == nil:
		result.Status = models.StatusAborted
		result.Error = ctx.Err().Error()
	case outcome != nil && outcome.Failed:
		result.Status = models.StatusFailed
		result.Error = outcome.Error
		result.HandledBy = handledBy
	case outcome != nil:
		result.Status = models.StatusCompleted
		result.Output = outcome.Output
		result.HandledBy = handledBy
	case handlerErr != nil:
		// No handler claimed the operation and at least one failed on it.
		result.Status = models.StatusFailed
		result.Error = handlerErr.Error()
	default:
		result.Status = models.StatusCompleted
	}

	p.record(op.Kind, result, time.Since(start).Seconds())
	return result
}

// runChain walks the sorted chain by index. A cancelled context stops the
// walk between handlers; handler errors are logged and skipped.
func (p *Pipeline) runChain(ctx context.Context, exec *Execution) (*Outcome, string, error) {
	var firstErr error

	for _, handler := range p.registry.Chain() {
		if ctx.Err() != nil {
			return nil, "", firstErr
		}

		outcome, err := p.callHandler(ctx, handler, exec)
		if err != nil {
			p.logger.Warn(ctx, "operation handler error",
				"handler", handler.Name(),
				"operation_id", exec.Operation.ID,
				"error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if outcome != nil {
			return outcome, handler.Name(), nil
		}
	}

	return nil, "", firstErr
}

func (p *Pipeline) callHandler(ctx context.Context, handler Handler, exec *Execution) (outcome *Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			outcome = nil
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler.Handle(ctx, exec)
}

func (p *Pipeline) record(kind string, result *models.OperationResult, seconds float64) {
	if p.metrics != nil {
		p.metrics.RecordOperation(kind, string(result.Status), seconds)
	}
}
