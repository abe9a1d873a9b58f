package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/strandlabs/strand/pkg/models"
)

// SchemaValidator validates operation params against per-kind JSON
// schemas. Operations whose kind has no schema pass through untouched;
// invalid params fail the operation before any later handler sees it.
type SchemaValidator struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

// NewSchemaValidator creates a validator with no schemas.
func NewSchemaValidator() *SchemaValidator {
	return &SchemaValidator{schemas: make(map[string]*jsonschema.Schema)}
}

// AddSchema compiles and installs the schema for an operation kind.
func (v *SchemaValidator) AddSchema(kind, schemaJSON string) error {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(kind+".json", strings.NewReader(schemaJSON)); err != nil {
		return fmt.Errorf("failed to add schema for %s: %w", kind, err)
	}
	schema, err := compiler.Compile(kind + ".json")
	if err != nil {
		return fmt.Errorf("failed to compile schema for %s: %w", kind, err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.schemas[kind] = schema
	return nil
}

func (v *SchemaValidator) Name() string { return "00-validate" }

func (v *SchemaValidator) Handle(ctx context.Context, exec *Execution) (*Outcome, error) {
	v.mu.RLock()
	schema, ok := v.schemas[exec.Operation.Kind]
	v.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	params := map[string]any(exec.Operation.Params)
	if params == nil {
		params = map[string]any{}
	}
	if err := schema.Validate(params); err != nil {
		return &Outcome{
			Failed: true,
			Error:  fmt.Sprintf("invalid params for %s: %v", exec.Operation.Kind, err),
		}, nil
	}
	return nil, nil
}

// Decision is a policy evaluation result.
type Decision string

const (
	DecisionAllow  Decision = "allow"
	DecisionDeny   Decision = "deny"
	DecisionPrompt Decision = "prompt"
)

// PolicyEvaluator decides whether a subject may run an operation against a
// resource. Implemented outside the pipeline; the pipeline only hosts it
// as one handler in the chain.
type PolicyEvaluator interface {
	Evaluate(ctx context.Context, subject, resource, scope string) (Decision, error)
}

// Prompter resolves a "prompt" decision by asking a human. Resolve blocks
// until the human answers or the context is cancelled.
type Prompter interface {
	Resolve(ctx context.Context, subject, resource string) (bool, error)
}

// PolicyGate blocks denied operations and escalates "prompt" decisions to
// a Prompter. Allowed operations pass through to the rest of the chain.
type PolicyGate struct {
	evaluator PolicyEvaluator
	prompter  Prompter
}

// NewPolicyGate creates the gate. prompter may be nil, in which case
// "prompt" decisions are treated as denied.
func NewPolicyGate(evaluator PolicyEvaluator, prompter Prompter) *PolicyGate {
	return &PolicyGate{evaluator: evaluator, prompter: prompter}
}

func (g *PolicyGate) Name() string { return "10-policy" }

func (g *PolicyGate) Handle(ctx context.Context, exec *Execution) (*Outcome, error) {
	op := exec.Operation
	decision, err := g.evaluator.Evaluate(ctx, exec.OwnerID, op.Target, op.Kind)
	if err != nil {
		return nil, fmt.Errorf("policy evaluation: %w", err)
	}

	switch decision {
	case DecisionAllow:
		return nil, nil
	case DecisionPrompt:
		if g.prompter == nil {
			return &Outcome{Failed: true, Error: "operation requires approval and no prompter is configured"}, nil
		}
		allowed, err := g.prompter.Resolve(ctx, exec.OwnerID, op.Target)
		if err != nil {
			return nil, fmt.Errorf("approval prompt: %w", err)
		}
		if !allowed {
			return &Outcome{Failed: true, Error: "operation denied by user"}, nil
		}
		return nil, nil
	default:
		return &Outcome{Failed: true, Error: fmt.Sprintf("operation denied by policy: %s", op.Target)}, nil
	}
}

// ResultDocument formats pipeline results as a document suitable for a
// result frame payload or loop feedback.
func ResultDocument(results []*models.OperationResult) models.Document {
	encoded := make([]any, 0, len(results))
	for _, r := range results {
		entry := map[string]any{
			"operation_id": r.OperationID,
			"target":       r.Target,
			"status":       string(r.Status),
		}
		if r.Output != nil {
			entry["output"] = map[string]any(r.Output)
		}
		if r.Error != "" {
			entry["error"] = r.Error
		}
		if r.HandledBy != "" {
			entry["handled_by"] = r.HandledBy
		}
		encoded = append(encoded, entry)
	}
	return models.Document{"results": encoded}
}
