package stage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/basket/orchestrator/internal/directives"
)

// requiredPluginABIVersion is the handler ABI a dropped-in module must
// declare (via a sidecar `.abi` file next to the `.wasm`; absent means
// current).
const requiredPluginABIVersion = "v1"

// Notification is a human-readable watcher status line for operator
// surfaces.
type Notification struct {
	Level   string
	Message string
}

// Watcher watches a plugin directory for `.wasm` stage handler modules and
// hot-swaps them into the Host, registering each under the stage_id named
// by its filename (e.g. `categorize.wasm` becomes the `categorize`
// handler). Dropping a new build of a module into the directory replaces
// the running handler without a restart.
type Watcher struct {
	pluginDir string
	host      *Host
	registry  *Registry
	logger    *slog.Logger

	events    chan string
	notify    chan Notification
	lastError atomic.Pointer[string]
}

// NewWatcher creates a Watcher over pluginDir.
func NewWatcher(pluginDir string, host *Host, registry *Registry, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		pluginDir: pluginDir,
		host:      host,
		registry:  registry,
		logger:    logger,
		events:    make(chan string, 16),
		notify:    make(chan Notification, 32),
	}
}

// HandlersUpdated yields the filename of each successfully swapped module.
func (w *Watcher) HandlersUpdated() <-chan string {
	return w.events
}

// Notifications yields watcher status lines.
func (w *Watcher) Notifications() <-chan Notification {
	return w.notify
}

// Start loads every module already present, then watches for changes until
// ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new fsnotify watcher: %w", err)
	}
	if err := watcher.Add(w.pluginDir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch plugin dir: %w", err)
	}

	go func() {
		defer watcher.Close()

		matches, _ := filepath.Glob(filepath.Join(w.pluginDir, "*.wasm"))
		for _, mod := range matches {
			w.loadModule(ctx, mod)
		}

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if filepath.Ext(ev.Name) != ".wasm" {
					continue
				}
				w.loadModule(ctx, ev.Name)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				msg := err.Error()
				w.lastError.Store(&msg)
				w.logger.Error("plugin watcher error", "error", err)
				w.pushNotification("error", msg)
			}
		}
	}()
	return nil
}

// LastError reports the most recent watcher failure, if any.
func (w *Watcher) LastError() (string, bool) {
	if err := w.lastError.Load(); err != nil {
		return *err, true
	}
	return "", false
}

func (w *Watcher) loadModule(ctx context.Context, path string) {
	stageID := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

	abiVersion, err := readPluginABIVersion(path)
	if err != nil {
		msg := fmt.Sprintf("failed to read ABI version for %s: %v", stageID, err)
		w.lastError.Store(&msg)
		w.pushNotification("error", msg)
		return
	}
	if abiVersion != requiredPluginABIVersion {
		msg := fmt.Sprintf("plugin ABI mismatch (%s): got %s want %s", stageID, abiVersion, requiredPluginABIVersion)
		w.lastError.Store(&msg)
		w.pushNotification("error", msg)
		return
	}

	wasmBytes, err := os.ReadFile(path)
	if err != nil {
		msg := fmt.Sprintf("failed reading wasm for %s: %v", stageID, err)
		w.lastError.Store(&msg)
		w.pushNotification("error", msg)
		return
	}
	if err := w.host.LoadModuleFromBytes(ctx, stageID, wasmBytes, path); err != nil {
		msg := err.Error()
		w.lastError.Store(&msg)
		w.logger.Error("plugin load failed", "wasm", path, "error", err)
		w.pushNotification("error", fmt.Sprintf("plugin load error (%s): %v", stageID, err))
		return
	}

	if w.registry != nil {
		sid := directives.StageID(stageID)
		w.registry.Register(Declaration{
			StageID:      sid,
			Kind:         directives.StageKind[sid],
			Dependencies: directives.DependsOn[sid],
			Factory: func() Handler {
				return NewWasmHandler(w.host, stageID, stageID)
			},
		})
	}

	select {
	case w.events <- filepath.Base(path):
	default:
	}
	w.pushNotification("info", fmt.Sprintf("stage handler loaded: %s", stageID))
	w.logger.Info("stage handler hot-swapped", "stage", stageID, "wasm", path)
}

func (w *Watcher) pushNotification(level, msg string) {
	select {
	case w.notify <- Notification{Level: level, Message: msg}:
	default:
	}
}

func readPluginABIVersion(path string) (string, error) {
	abiPath := strings.TrimSuffix(path, filepath.Ext(path)) + ".abi"
	data, err := os.ReadFile(abiPath)
	if err != nil {
		if os.IsNotExist(err) {
			return requiredPluginABIVersion, nil
		}
		return "", err
	}
	version := strings.TrimSpace(string(data))
	if version == "" {
		return requiredPluginABIVersion, nil
	}
	return version, nil
}
