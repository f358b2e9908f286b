package stage

import (
	"context"
	"errors"
	"testing"
	"time"
)

// emptyWasmModule is the smallest valid WebAssembly binary: magic + version,
// no sections. It compiles and instantiates but exports nothing.
var emptyWasmModule = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func TestDecodeWireResult_ItemUpdatesRoundTrip(t *testing.T) {
	raw := []byte(`{
		"processed_count": 2,
		"total_count": 3,
		"error_count": 1,
		"summary": "categorized 2 items",
		"item_updates": [
			{"item_id": "a", "expected_version": 4, "patch": {"categorized": true, "main_category": "go", "sub_category": "concurrency"}},
			{"item_id": "b", "expected_version": 1, "patch": {"categorized": true}}
		]
	}`)

	res, err := decodeWireResult(raw)
	if err != nil {
		t.Fatalf("decodeWireResult: %v", err)
	}
	if res.ProcessedCount != 2 || res.TotalCount != 3 || res.ErrorCount != 1 {
		t.Fatalf("counts wrong: %+v", res)
	}
	if len(res.ItemUpdates) != 2 {
		t.Fatalf("got %d item updates, want 2", len(res.ItemUpdates))
	}

	first := res.ItemUpdates[0]
	if first.ItemID != "a" || first.ExpectedVersion != 4 {
		t.Fatalf("first update identity wrong: %+v", first)
	}
	if first.Patch.Categorized == nil || !*first.Patch.Categorized {
		t.Fatalf("categorized flag not decoded: %+v", first.Patch)
	}
	if first.Patch.MainCategory == nil || *first.Patch.MainCategory != "go" {
		t.Fatalf("main_category not decoded: %+v", first.Patch)
	}
	// Fields the guest omitted stay nil so the patch leaves them untouched.
	if first.Patch.Cached != nil || first.Patch.Embedded != nil {
		t.Fatalf("omitted patch fields must stay nil: %+v", first.Patch)
	}

	second := res.ItemUpdates[1]
	if second.Patch.MainCategory != nil {
		t.Fatalf("omitted string field must stay nil: %+v", second.Patch)
	}
}

func TestDecodeWireResult_Malformed(t *testing.T) {
	if _, err := decodeWireResult([]byte(`{"processed_count": "two"}`)); err == nil {
		t.Fatal("expected error for malformed result")
	}
}

func TestWasmHandler_ModuleNotLoaded(t *testing.T) {
	ctx := context.Background()
	host := NewHost(ctx, HostConfig{})
	defer func() { _ = host.Close(ctx) }()

	h := NewWasmHandler(host, "missing", "categorize")
	_, err := h.Execute(Context{Context: ctx}, []string{"a"})

	var fault *Fault
	if !errors.As(err, &fault) || fault.Reason != FaultModuleNotFound {
		t.Fatalf("got %v, want FaultModuleNotFound", err)
	}
}

func TestWasmHandler_MissingExecuteExport(t *testing.T) {
	ctx := context.Background()
	host := NewHost(ctx, HostConfig{})
	defer func() { _ = host.Close(ctx) }()

	if err := host.LoadModuleFromBytes(ctx, "categorize", emptyWasmModule, "categorize.wasm"); err != nil {
		t.Fatalf("LoadModuleFromBytes: %v", err)
	}

	h := NewWasmHandler(host, "categorize", "categorize")
	_, err := h.Execute(Context{Context: ctx}, []string{"a"})

	var fault *Fault
	if !errors.As(err, &fault) || fault.Reason != FaultNoExport {
		t.Fatalf("got %v, want FaultNoExport", err)
	}
}

func TestHost_LoadModuleFromBytes_HotSwapReplaces(t *testing.T) {
	ctx := context.Background()
	host := NewHost(ctx, HostConfig{})
	defer func() { _ = host.Close(ctx) }()

	if err := host.LoadModuleFromBytes(ctx, "cache", emptyWasmModule, "cache.wasm"); err != nil {
		t.Fatalf("first load: %v", err)
	}
	if err := host.LoadModuleFromBytes(ctx, "cache", emptyWasmModule, "cache.wasm"); err != nil {
		t.Fatalf("hot-swap load: %v", err)
	}
}

func TestClassifyFault(t *testing.T) {
	var fault *Fault

	err := classifyFault("m", context.DeadlineExceeded)
	if !errors.As(err, &fault) || fault.Reason != FaultTimeout {
		t.Fatalf("deadline: got %v, want FaultTimeout", err)
	}

	err = classifyFault("m", errors.New("trap: unreachable"))
	if !errors.As(err, &fault) || fault.Reason != FaultExecError {
		t.Fatalf("trap: got %v, want FaultExecError", err)
	}

	if classifyFault("m", nil) != nil {
		t.Fatal("nil error must classify to nil")
	}
}

func TestHost_InvokeTimeoutDefault(t *testing.T) {
	ctx := context.Background()
	host := NewHost(ctx, HostConfig{})
	defer func() { _ = host.Close(ctx) }()

	if host.invokeTimeout != DefaultInvokeTimeout {
		t.Fatalf("got %v, want default %v", host.invokeTimeout, DefaultInvokeTimeout)
	}
	custom := NewHost(ctx, HostConfig{InvokeTimeout: 5 * time.Second})
	defer func() { _ = custom.Close(ctx) }()
	if custom.invokeTimeout != 5*time.Second {
		t.Fatalf("got %v, want override", custom.invokeTimeout)
	}
}
