package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/sync/errgroup"

	"github.com/neotalk/neotalk/pkg/models"
)

// Tool errors, by failure class.
var (
	ErrToolNotFound   = errors.New("tool not found")
	ErrInvalidArgs    = errors.New("invalid tool arguments")
	ErrToolDeprecated = errors.New("tool deprecated")
)

// InvocationState names the stages of a tool invocation's lifecycle.
// Registry.Execute does not record or report these states; a call's
// outcome is its ToolResult.
type InvocationState string

const (
	InvocationRequested       InvocationState = "requested"
	InvocationValidated       InvocationState = "validated"
	InvocationRunning         InvocationState = "running"
	InvocationCompleted       InvocationState = "completed"
	InvocationFailed          InvocationState = "failed"
	InvocationCancelledByHook InvocationState = "cancelled_by_hook"
)

// Tool is one callable capability exposed to the LLM.
type Tool interface {
	// Descriptor returns the tool's metadata and parameter schema.
	Descriptor() models.ToolDescriptor

	// Execute runs the tool with validated JSON arguments.
	Execute(ctx context.Context, args json.RawMessage) (json.RawMessage, error)
}

// UserInputTool marks tools whose results hand the turn back to the user
// (ask_user, confirm_action, clarify_intent).
type UserInputTool interface {
	RequiresUserInput() bool
}

// ToolFunc adapts a function into a Tool.
type ToolFunc struct {
	Desc models.ToolDescriptor
	Fn   func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

	// NeedsUserInput marks interaction tools.
	NeedsUserInput bool
}

// Descriptor implements Tool.
func (t *ToolFunc) Descriptor() models.ToolDescriptor { return t.Desc }

// Execute implements Tool.
func (t *ToolFunc) Execute(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	return t.Fn(ctx, args)
}

// RequiresUserInput implements UserInputTool.
func (t *ToolFunc) RequiresUserInput() bool { return t.NeedsUserInput }

// Registry maps canonical tool names to tools and dispatches calls with
// schema validation.
type Registry struct {
	resolver *NameResolver
	logger   *slog.Logger

	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
}

// NewRegistry creates a tool registry sharing the given name resolver.
func NewRegistry(resolver *NameResolver, logger *slog.Logger) *Registry {
	if resolver == nil {
		resolver = NewNameResolver()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		resolver: resolver,
		logger:   logger.With("component", "tool_registry"),
		tools:    make(map[string]Tool),
		schemas:  make(map[string]*jsonschema.Schema),
	}
}

// Resolver returns the registry's name resolver.
func (r *Registry) Resolver() *NameResolver { return r.resolver }

// Register adds a tool under its canonical name. Names are globally
// unique.
func (r *Registry) Register(tool Tool) error {
	desc := tool.Descriptor()
	if desc.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[desc.Name]; exists {
		return fmt.Errorf("tool %s already registered", desc.Name)
	}

	if len(desc.Parameters) > 0 {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(desc.Name+".json", strings.NewReader(string(desc.Parameters))); err != nil {
			return fmt.Errorf("tool %s: bad parameter schema: %w", desc.Name, err)
		}
		schema, err := compiler.Compile(desc.Name + ".json")
		if err != nil {
			return fmt.Errorf("tool %s: bad parameter schema: %w", desc.Name, err)
		}
		r.schemas[desc.Name] = schema
	}

	r.tools[desc.Name] = tool
	r.resolver.RegisterCanonical(desc.Name)
	return nil
}

// Get returns a tool by canonical name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Descriptors lists every registered tool's metadata sorted by name.
func (r *Registry) Descriptors() []models.ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.ToolDescriptor, 0, len(r.tools))
	for _, tool := range r.tools {
		out = append(out, tool.Descriptor())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Execute resolves, validates and runs one tool call. Failures become
// tool results with Success=false rather than errors, so the LLM can
// recover; only hook cancellation surfaces as state.
func (r *Registry) Execute(ctx context.Context, call models.ToolCall) *models.ToolResult {
	start := time.Now()
	result := &models.ToolResult{CallID: call.ID, Name: call.Name}

	canonical := r.resolver.Resolve(call.Name)
	result.Name = canonical

	tool, ok := r.Get(canonical)
	if !ok {
		result.Error = fmt.Sprintf("%v: %s", ErrToolNotFound, call.Name)
		return result
	}
	desc := tool.Descriptor()
	if desc.Deprecated {
		result.Error = fmt.Sprintf("%v: %s", ErrToolDeprecated, canonical)
		return result
	}

	args := MapParameters(call.Arguments)
	if err := r.validate(canonical, args); err != nil {
		result.Error = fmt.Sprintf("%v: %v", ErrInvalidArgs, err)
		return result
	}

	output, err := tool.Execute(ctx, args)
	result.DurationMs = time.Since(start).Milliseconds()
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.Success = true
	result.Output = output
	if ui, ok := tool.(UserInputTool); ok && ui.RequiresUserInput() {
		result.RequiresUserInput = true
	}
	return result
}

func (r *Registry) validate(name string, args json.RawMessage) error {
	r.mu.RLock()
	schema := r.schemas[name]
	r.mu.RUnlock()
	if schema == nil {
		return nil
	}
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	var doc any
	if err := json.Unmarshal(args, &doc); err != nil {
		return err
	}
	return schema.Validate(doc)
}

// ExecuteParallel runs a batch of calls concurrently, preserving the
// input order in the results.
func (r *Registry) ExecuteParallel(ctx context.Context, calls []models.ToolCall) []*models.ToolResult {
	results := make([]*models.ToolResult, len(calls))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(8)
	for i, call := range calls {
		group.Go(func() error {
			results[i] = r.Execute(groupCtx, call)
			return nil
		})
	}
	_ = group.Wait()
	return results
}
