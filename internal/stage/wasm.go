package stage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/basket/orchestrator/internal/directives"
	"github.com/basket/orchestrator/internal/items"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// Fault reason codes for WASM-hosted handler invocations.
const (
	FaultModuleNotFound = "WASM_MODULE_NOT_FOUND"
	FaultTimeout        = "WASM_TIMEOUT"
	FaultNoExport       = "WASM_NO_EXPORT"
	FaultExecError      = "WASM_FAULT"
)

// DefaultMemoryLimitPages caps memory per hosted module (1 page = 64KB).
const DefaultMemoryLimitPages = 160

// DefaultInvokeTimeout bounds a single batch invocation's wall-clock time.
const DefaultInvokeTimeout = 30 * time.Second

// Fault is a structured error from a WASM-hosted handler invocation.
type Fault struct {
	Reason string
	Module string
	Detail string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s: module=%s: %s", f.Reason, f.Module, f.Detail)
}

// Host hosts WASM-compiled Stage Handlers. Stage Handlers run with
// whatever Collaborators the Worker Runtime injects; capability gating
// (if any) belongs to the concrete handler, not the host.
type Host struct {
	logger        *slog.Logger
	runtime       wazero.Runtime
	invokeTimeout time.Duration

	mu      sync.Mutex
	modules map[string]api.Module
}

// HostConfig configures a Host.
type HostConfig struct {
	Logger           *slog.Logger
	MemoryLimitPages uint32
	InvokeTimeout    time.Duration
}

// NewHost creates a WASM Host.
func NewHost(ctx context.Context, cfg HostConfig) *Host {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	memPages := cfg.MemoryLimitPages
	if memPages == 0 {
		memPages = DefaultMemoryLimitPages
	}
	invokeTimeout := cfg.InvokeTimeout
	if invokeTimeout == 0 {
		invokeTimeout = DefaultInvokeTimeout
	}

	runtimeCfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(memPages).
		WithCloseOnContextDone(true)

	return &Host{
		logger:        cfg.Logger,
		runtime:       wazero.NewRuntimeWithConfig(ctx, runtimeCfg),
		invokeTimeout: invokeTimeout,
		modules:       map[string]api.Module{},
	}
}

// Close releases all loaded modules and the runtime.
func (h *Host) Close(ctx context.Context) error {
	h.mu.Lock()
	for name, m := range h.modules {
		_ = m.Close(ctx)
		delete(h.modules, name)
	}
	h.mu.Unlock()
	return h.runtime.Close(ctx)
}

// LoadModuleFromFile compiles and instantiates a WASM module from disk,
// naming it after the file's basename.
func (h *Host) LoadModuleFromFile(ctx context.Context, srcPath string) error {
	wasmBytes, err := os.ReadFile(srcPath)
	if err != nil {
		return fmt.Errorf("read wasm module: %w", err)
	}
	name := strings.TrimSuffix(filepath.Base(srcPath), filepath.Ext(srcPath))
	return h.LoadModuleFromBytes(ctx, name, wasmBytes, srcPath)
}

// LoadModuleFromBytes compiles and instantiates a WASM module under name,
// replacing (hot-swapping) any module previously loaded under it.
func (h *Host) LoadModuleFromBytes(ctx context.Context, name string, wasmBytes []byte, srcPath string) error {
	compiled, err := h.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return fmt.Errorf("compile wasm module %s: %w", name, err)
	}
	module, err := h.runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(name))
	if err != nil {
		return fmt.Errorf("instantiate wasm module %s: %w", name, err)
	}

	h.mu.Lock()
	if old, ok := h.modules[name]; ok {
		_ = old.Close(ctx)
	}
	h.modules[name] = module
	h.mu.Unlock()

	h.logger.Info("wasm stage handler loaded", "module", name, "path", srcPath)
	return nil
}

// wasmHandler adapts a WASM module exporting `plan_description` and
// `execute` (both operating on pointer/length pairs into guest linear
// memory, with the guest exporting `alloc`) to the Handler interface.
type wasmHandler struct {
	host       *Host
	moduleName string
	stageID    string
}

// NewWasmHandler builds a Handler backed by a module already loaded into
// host under moduleName.
func NewWasmHandler(host *Host, moduleName, stageID string) Handler {
	return &wasmHandler{host: host, moduleName: moduleName, stageID: stageID}
}

func (h *wasmHandler) PlanDescription(preferences directives.Directives) PlanDescription {
	// Stage Handlers that need preference-driven estimates implement
	// plan_description in the guest; hosts without that export fall back
	// to an unknown total, which the UI renders as "estimating...".
	return PlanDescription{StageID: directives.StageID(h.stageID)}
}

func (h *wasmHandler) Execute(ctx Context, itemIDs []string) (StageResult, error) {
	h.host.mu.Lock()
	module, ok := h.host.modules[h.moduleName]
	h.host.mu.Unlock()
	if !ok {
		return StageResult{}, &Fault{Reason: FaultModuleNotFound, Module: h.moduleName, Detail: "module not loaded"}
	}

	invokeCtx, cancel := context.WithTimeout(ctx.Context, h.host.invokeTimeout)
	defer cancel()

	requestBytes, err := json.Marshal(itemIDs)
	if err != nil {
		return StageResult{}, fmt.Errorf("marshal item batch: %w", err)
	}

	fn := module.ExportedFunction("execute")
	if fn == nil {
		return StageResult{}, &Fault{Reason: FaultNoExport, Module: h.moduleName, Detail: "no execute export"}
	}

	allocFn := module.ExportedFunction("alloc")
	if allocFn == nil {
		return StageResult{}, &Fault{Reason: FaultNoExport, Module: h.moduleName, Detail: "no alloc export"}
	}
	allocResults, err := allocFn.Call(invokeCtx, uint64(len(requestBytes)))
	if err != nil || len(allocResults) == 0 {
		return StageResult{}, &Fault{Reason: FaultExecError, Module: h.moduleName, Detail: "alloc failed"}
	}
	reqPtr := uint32(allocResults[0])
	if !module.Memory().Write(reqPtr, requestBytes) {
		return StageResult{}, &Fault{Reason: FaultExecError, Module: h.moduleName, Detail: "write request failed"}
	}

	results, err := fn.Call(invokeCtx, uint64(reqPtr), uint64(len(requestBytes)))
	if err != nil {
		return StageResult{}, classifyFault(h.moduleName, err)
	}
	if len(results) < 2 {
		return StageResult{}, &Fault{Reason: FaultExecError, Module: h.moduleName, Detail: "execute returned no result pointer"}
	}
	respPtr, respLen := uint32(results[0]), uint32(results[1])
	respBytes, ok := module.Memory().Read(respPtr, respLen)
	if !ok {
		return StageResult{}, &Fault{Reason: FaultExecError, Module: h.moduleName, Detail: "read response failed"}
	}

	return decodeWireResult(respBytes)
}

// wireItemUpdate is one item patch as a WASM guest reports it. The patch
// uses items.Patch's JSON shape directly; expected_version must echo the
// version the guest observed so the host's optimistic write can detect
// concurrent mutation.
type wireItemUpdate struct {
	ItemID          string      `json:"item_id"`
	ExpectedVersion int         `json:"expected_version"`
	Patch           items.Patch `json:"patch"`
}

// wireStageResult is the JSON shape a WASM guest returns; it mirrors
// StageResult, with item updates carried as wireItemUpdate entries.
type wireStageResult struct {
	ProcessedCount int              `json:"processed_count"`
	TotalCount     int              `json:"total_count"`
	ErrorCount     int              `json:"error_count"`
	Summary        string           `json:"summary"`
	ItemUpdates    []wireItemUpdate `json:"item_updates,omitempty"`
}

func (w wireStageResult) toStageResult() StageResult {
	res := StageResult{
		ProcessedCount: w.ProcessedCount,
		TotalCount:     w.TotalCount,
		ErrorCount:     w.ErrorCount,
		Summary:        w.Summary,
	}
	for _, u := range w.ItemUpdates {
		res.ItemUpdates = append(res.ItemUpdates, ItemUpdate{
			ItemID:          u.ItemID,
			Patch:           u.Patch,
			ExpectedVersion: u.ExpectedVersion,
		})
	}
	return res
}

// decodeWireResult parses a guest's execute() response buffer.
func decodeWireResult(raw []byte) (StageResult, error) {
	var wireResult wireStageResult
	if err := json.Unmarshal(raw, &wireResult); err != nil {
		return StageResult{}, fmt.Errorf("unmarshal stage result: %w", err)
	}
	return wireResult.toStageResult(), nil
}

func classifyFault(moduleName string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &Fault{Reason: FaultTimeout, Module: moduleName, Detail: err.Error()}
	}
	return &Fault{Reason: FaultExecError, Module: moduleName, Detail: err.Error()}
}
