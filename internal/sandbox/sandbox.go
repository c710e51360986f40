// Package sandbox runs untrusted extension code as WebAssembly modules
// under hard resource limits. Transforms' user scripts, extensions, and
// workflow wasm steps all pass through this boundary.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
)

// Sandbox errors, by failure class.
var (
	ErrNotFound      = errors.New("module not found")
	ErrTimeout       = errors.New("execution timeout")
	ErrOutOfMemory   = errors.New("out of memory")
	ErrTrap          = errors.New("module trap")
	ErrInvalidInput  = errors.New("invalid input")
	ErrSerialization = errors.New("serialization error")
	ErrInvalidModule = errors.New("invalid module")
)

// wasmPageSize is the WebAssembly linear-memory page size.
const wasmPageSize = 64 * 1024

// Limits caps one module's resource usage.
type Limits struct {
	MaxMemoryMB      int `json:"max_memory_mb"`
	MaxExecutionSecs int `json:"max_execution_time_secs"`
}

func (l Limits) applyDefaults() Limits {
	if l.MaxMemoryMB <= 0 {
		l.MaxMemoryMB = 64
	}
	if l.MaxExecutionSecs <= 0 {
		l.MaxExecutionSecs = 10
	}
	return l
}

// requiredExports every module must provide, beyond its domain entry
// points: allocate for passing arguments, get_info and initialize for the
// module lifecycle.
var requiredExports = []string{"allocate", "get_info", "initialize"}

// ModuleInfo is the metadata a module reports through get_info.
type ModuleInfo struct {
	Name        string   `json:"name"`
	Version     string   `json:"version,omitempty"`
	Description string   `json:"description,omitempty"`
	EntryPoints []string `json:"entry_points,omitempty"`
}

// module is one loaded, immutable wasm module. Per-invocation state lives
// in a fresh instance per Execute call.
type module struct {
	id       string
	compiled wazero.CompiledModule
	limits   Limits
	info     ModuleInfo
}

// Runtime executes loaded modules with the host API installed.
type Runtime struct {
	runtime wazero.Runtime
	host    *HostAPI
	logger  *slog.Logger
}

// NewRuntime creates the shared wazero runtime with the host API module
// instantiated. All other host access is denied: no WASI, no filesystem,
// no network.
func NewRuntime(ctx context.Context, host *HostAPI, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true))

	r := &Runtime{
		runtime: rt,
		host:    host,
		logger:  logger.With("component", "sandbox"),
	}
	if host != nil {
		if err := host.instantiate(ctx, rt); err != nil {
			_ = rt.Close(ctx)
			return nil, fmt.Errorf("install host api: %w", err)
		}
	}
	return r, nil
}

// Close releases the underlying runtime.
func (r *Runtime) Close(ctx context.Context) error {
	return r.runtime.Close(ctx)
}

// compile validates and compiles module bytes.
func (r *Runtime) compile(ctx context.Context, id string, code []byte) (*module, error) {
	compiled, err := r.runtime.CompileModule(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidModule, id, err)
	}

	exports := compiled.ExportedFunctions()
	for _, name := range requiredExports {
		if _, ok := exports[name]; !ok {
			_ = compiled.Close(ctx)
			return nil, fmt.Errorf("%w: %s: missing export %q", ErrInvalidModule, id, name)
		}
	}
	return &module{id: id, compiled: compiled}, nil
}

// execute instantiates the module and calls one exported function with
// JSON arguments, enforcing the module's limits.
func (r *Runtime) execute(ctx context.Context, m *module, function string, args json.RawMessage) (json.RawMessage, error) {
	limits := m.limits.applyDefaults()

	execCtx, cancel := context.WithTimeout(ctx, time.Duration(limits.MaxExecutionSecs)*time.Second)
	defer cancel()

	maxPages := uint32(limits.MaxMemoryMB * 1024 * 1024 / wasmPageSize)
	config := wazero.NewModuleConfig().WithName("") // anonymous: concurrent instances allowed

	instance, err := r.runtime.InstantiateModule(execCtx, m.compiled,
		config.WithStartFunctions()) // do not run _start; initialize is explicit
	if err != nil {
		return nil, r.mapError(execCtx, m.id, err)
	}
	defer instance.Close(ctx)

	if mem := instance.Memory(); mem != nil {
		if mem.Size()/wasmPageSize > maxPages {
			return nil, fmt.Errorf("%w: %s declares more than %d MB", ErrOutOfMemory, m.id, limits.MaxMemoryMB)
		}
	}

	fn := instance.ExportedFunction(function)
	if fn == nil {
		return nil, fmt.Errorf("%w: %s has no function %q", ErrInvalidInput, m.id, function)
	}

	ptr, length, err := writeArgs(execCtx, instance, args)
	if err != nil {
		return nil, err
	}

	results, err := fn.Call(execCtx, uint64(ptr), uint64(length))
	if err != nil {
		return nil, r.mapError(execCtx, m.id, err)
	}
	if len(results) == 0 {
		return nil, nil
	}

	// Results are packed as (ptr << 32) | len into one u64.
	packed := results[0]
	outPtr := uint32(packed >> 32)
	outLen := uint32(packed)
	if outLen == 0 {
		return nil, nil
	}
	out, ok := instance.Memory().Read(outPtr, outLen)
	if !ok {
		return nil, fmt.Errorf("%w: %s returned an out-of-range result", ErrSerialization, m.id)
	}
	result := append(json.RawMessage(nil), out...)
	if !json.Valid(result) {
		return nil, fmt.Errorf("%w: %s returned invalid JSON", ErrSerialization, m.id)
	}
	return result, nil
}

// writeArgs copies the JSON arguments into guest memory via the module's
// allocate export.
func writeArgs(ctx context.Context, instance api.Module, args json.RawMessage) (uint32, uint32, error) {
	if len(args) == 0 {
		args = json.RawMessage("null")
	}
	if !json.Valid(args) {
		return 0, 0, fmt.Errorf("%w: arguments are not valid JSON", ErrInvalidInput)
	}

	alloc := instance.ExportedFunction("allocate")
	if alloc == nil {
		return 0, 0, fmt.Errorf("%w: missing allocate export", ErrInvalidModule)
	}
	results, err := alloc.Call(ctx, uint64(len(args)))
	if err != nil || len(results) == 0 {
		return 0, 0, fmt.Errorf("%w: allocate failed: %v", ErrTrap, err)
	}
	ptr := uint32(results[0])
	if !instance.Memory().Write(ptr, args) {
		return 0, 0, fmt.Errorf("%w: allocate returned an out-of-range pointer", ErrTrap)
	}
	return ptr, uint32(len(args)), nil
}

// mapError classifies a wazero failure into the sandbox's typed errors.
func (r *Runtime) mapError(ctx context.Context, id string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %s", ErrTimeout, id)
	}
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("%w: %s exited with code %d", ErrTrap, id, exitErr.ExitCode())
	}
	msg := err.Error()
	if strings.Contains(msg, "out of memory") || strings.Contains(msg, "memory") && strings.Contains(msg, "limit") {
		return fmt.Errorf("%w: %s: %v", ErrOutOfMemory, id, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrTrap, id, err)
}
