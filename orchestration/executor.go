// Package orchestration provides the agent executor abstraction.
//
// The scheduler does not interpret task instructions. It resolves input
// artifacts, hands them to an injected AgentExecutor keyed by agent
// type, and writes the returned artifacts back to the context store.
// Prompt content, model choice, and token accounting are entirely the
// executor's concern.
package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ensembleworks/ensemble/core"
)

// Agent roles in the SDLC workflow.
const (
	AgentTypeAnalyst   = "analyst"
	AgentTypeArchitect = "architect"
	AgentTypeCoder     = "coder"
	AgentTypeTester    = "tester"
	AgentTypeDeployer  = "deployer"

	// AgentTypeGate is the built-in executor backing marker steps.
	// A gate task carries an approval through the task lifecycle and
	// completes with a single approval_record artifact.
	AgentTypeGate = "gate"

	// ArtifactTypeApprovalRecord is the output type of gate tasks.
	ArtifactTypeApprovalRecord = "approval_record"
)

// AgentExecutor executes one unit of agent work.
//
// Execute must observe ctx cancellation cooperatively, checking at
// least once per 10 seconds of work; the scheduler abandons executors
// that exceed the cancellation grace period. Returned artifacts need
// ProjectID, SourceAgent, ArtifactType, and Content set; the scheduler
// persists them and assigns ids.
type AgentExecutor interface {
	Execute(ctx context.Context, instructions string, inputs []*ContextArtifact) ([]*ContextArtifact, error)
}

// AgentExecutorFunc adapts a function to the AgentExecutor interface.
type AgentExecutorFunc func(ctx context.Context, instructions string, inputs []*ContextArtifact) ([]*ContextArtifact, error)

// Execute implements AgentExecutor.
func (f AgentExecutorFunc) Execute(ctx context.Context, instructions string, inputs []*ContextArtifact) ([]*ContextArtifact, error) {
	return f(ctx, instructions, inputs)
}

// ExecutorRegistry maps agent types to their executors. The registry
// itself is an AgentExecutor-like dispatcher used by the scheduler.
type ExecutorRegistry struct {
	mu        sync.RWMutex
	executors map[string]AgentExecutor
}

// NewExecutorRegistry creates an empty registry.
func NewExecutorRegistry() *ExecutorRegistry {
	return &ExecutorRegistry{executors: make(map[string]AgentExecutor)}
}

// Register installs an executor for an agent type, replacing any
// previous registration.
func (r *ExecutorRegistry) Register(agentType string, executor AgentExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[agentType] = executor
}

// Lookup returns the executor for an agent type.
// Returns core.ErrUnknownAgentType if none is registered.
func (r *ExecutorRegistry) Lookup(agentType string) (AgentExecutor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	executor, ok := r.executors[agentType]
	if !ok {
		return nil, fmt.Errorf("agent type %q: %w", agentType, core.ErrUnknownAgentType)
	}
	return executor, nil
}

// Known reports whether an executor is registered for the agent type.
func (r *ExecutorRegistry) Known(agentType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.executors[agentType]
	return ok
}

// Execute dispatches to the registered executor for the agent type.
func (r *ExecutorRegistry) Execute(ctx context.Context, agentType, instructions string, inputs []*ContextArtifact) ([]*ContextArtifact, error) {
	executor, err := r.Lookup(agentType)
	if err != nil {
		return nil, err
	}
	return executor.Execute(ctx, instructions, inputs)
}

// ScriptedExecutor is a deterministic executor for development and
// tests. It produces one artifact of the configured type whose content
// records the instructions and input ids it received, after an optional
// simulated work delay that honors cancellation.
type ScriptedExecutor struct {
	AgentType    string
	ArtifactType string
	Delay        time.Duration
}

var _ AgentExecutor = (*ScriptedExecutor)(nil)

// Execute implements AgentExecutor.
func (e *ScriptedExecutor) Execute(ctx context.Context, instructions string, inputs []*ContextArtifact) ([]*ContextArtifact, error) {
	if e.Delay > 0 {
		select {
		case <-time.After(e.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	inputIDs := make([]string, 0, len(inputs))
	for _, a := range inputs {
		inputIDs = append(inputIDs, a.ID)
	}
	content, err := json.Marshal(map[string]interface{}{
		"instructions": instructions,
		"input_ids":    inputIDs,
	})
	if err != nil {
		return nil, err
	}

	artifactType := e.ArtifactType
	if artifactType == "" {
		artifactType = e.AgentType + "_output"
	}
	return []*ContextArtifact{{
		SourceAgent:  e.AgentType,
		ArtifactType: artifactType,
		Content:      content,
	}}, nil
}
