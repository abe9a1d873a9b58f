package models

import "strings"

// ExecutionMode determines how the operations of a block are scheduled.
type ExecutionMode string

const (
	// ModeSequential runs operations one after another in block order.
	ModeSequential ExecutionMode = "sequential"

	// ModeParallelByKey runs named groups concurrently; operations inside
	// a group stay sequential.
	ModeParallelByKey ExecutionMode = "parallel"
)

// OperationDescriptor is a structured side-effect request parsed out of
// free-form agent output. It lives only for one pipeline pass; outcomes are
// persisted as result frames, not as the descriptor itself.
type OperationDescriptor struct {
	// Kind names the operation, e.g. "invoke" or "prompt".
	Kind string `json:"kind"`

	// ID is unique within one response.
	ID string `json:"id"`

	// Target addresses the executing entity as "kind:id", e.g. "tool:bash".
	Target string `json:"target"`

	// Group keys parallel execution; empty means the default group.
	Group string `json:"group,omitempty"`

	// Params is the free-form parameter payload.
	Params Document `json:"params,omitempty"`
}

// TargetKind returns the kind half of the Target address ("tool" in
// "tool:bash"), or the whole target when it has no colon.
func (o *OperationDescriptor) TargetKind() string {
	if i := strings.IndexByte(o.Target, ':'); i >= 0 {
		return o.Target[:i]
	}
	return o.Target
}

// TargetName returns the id half of the Target address ("bash" in
// "tool:bash"), or "" when the target has no colon.
func (o *OperationDescriptor) TargetName() string {
	if i := strings.IndexByte(o.Target, ':'); i >= 0 {
		return o.Target[i+1:]
	}
	return ""
}

// OperationBlock is the parsed form of one embedded interaction block.
type OperationBlock struct {
	Mode       ExecutionMode         `json:"mode"`
	Operations []OperationDescriptor `json:"operations"`
}

// Groups partitions the block's operations by group key, preserving the
// in-group order. Operations without a group land under "default".
func (b *OperationBlock) Groups() map[string][]OperationDescriptor {
	groups := make(map[string][]OperationDescriptor)
	for _, op := range b.Operations {
		key := op.Group
		if key == "" {
			key = "default"
		}
		groups[key] = append(groups[key], op)
	}
	return groups
}

// OperationStatus is the terminal status of one pipeline pass.
type OperationStatus string

const (
	// StatusCompleted means the chain produced a result.
	StatusCompleted OperationStatus = "completed"

	// StatusFailed means a handler failed the operation.
	StatusFailed OperationStatus = "failed"

	// StatusAborted means cancellation preempted execution.
	StatusAborted OperationStatus = "aborted"
)

// OperationResult is the outcome of routing one descriptor through the
// handler chain.
type OperationResult struct {
	OperationID string          `json:"operation_id"`
	Target      string          `json:"target"`
	Status      OperationStatus `json:"status"`

	// Output is the chain's result document, set when Status is completed.
	Output Document `json:"output,omitempty"`

	// Error carries the failure message for failed or aborted operations.
	Error string `json:"error,omitempty"`

	// HandledBy names the handler that short-circuited, if any.
	HandledBy string `json:"handled_by,omitempty"`
}
