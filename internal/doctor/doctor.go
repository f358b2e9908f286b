// Package doctor runs operator diagnostics over the orchestrator's
// deployment: configuration, the Task Store and Item Repository databases,
// the Redis bus (when configured), filesystem permissions, and the external
// tools stage handlers shell out to.
package doctor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/basket/orchestrator/internal/config"
	"github.com/basket/orchestrator/internal/items"
	"github.com/basket/orchestrator/internal/store"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkPermissions,
		checkTaskStore,
		checkItemRepository,
		checkRedis,
		checkExternalTools,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

func checkTaskStore(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Task Store", Status: "SKIP", Message: "Config missing"}
	}
	s, err := store.Open(cfg.SQLitePath)
	if err != nil {
		return CheckResult{Name: "Task Store", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer s.Close()

	// Reading the active-task pointer exercises both the schema and the
	// at-most-one-active invariant's backing row.
	active, err := s.GetActiveTask(ctx)
	if err != nil {
		return CheckResult{Name: "Task Store", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	msg := "Connection and schema valid; no active task"
	if active != nil {
		msg = fmt.Sprintf("Connection and schema valid; active task %s (%s)", active.TaskID, active.Status)
	}
	return CheckResult{Name: "Task Store", Status: "PASS", Message: msg}
}

func checkItemRepository(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Item Repository", Status: "SKIP", Message: "Config missing"}
	}
	repo, err := items.Open(cfg.SQLitePath)
	if err != nil {
		return CheckResult{Name: "Item Repository", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer repo.Close()

	all, err := repo.ListByFilter(ctx, nil)
	if err != nil {
		return CheckResult{Name: "Item Repository", Status: "FAIL", Message: fmt.Sprintf("Scan failed: %v", err)}
	}
	return CheckResult{Name: "Item Repository", Status: "PASS", Message: fmt.Sprintf("%d item(s) on record", len(all))}
}

func checkRedis(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Redis Bus", Status: "SKIP", Message: "Config missing"}
	}
	if cfg.RedisAddr == "" {
		return CheckResult{Name: "Redis Bus", Status: "PASS", Message: "Not configured; using in-process queue"}
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer client.Close()

	start := time.Now()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return CheckResult{
			Name:    "Redis Bus",
			Status:  "FAIL",
			Message: fmt.Sprintf("Ping failed: %v", err),
			Detail:  fmt.Sprintf("addr=%s", cfg.RedisAddr),
		}
	}
	return CheckResult{
		Name:    "Redis Bus",
		Status:  "PASS",
		Message: fmt.Sprintf("Ping ok (%dms)", time.Since(start).Milliseconds()),
		Detail:  fmt.Sprintf("addr=%s", cfg.RedisAddr),
	}
}

func checkExternalTools(_ context.Context, cfg *config.Config) CheckResult {
	var details []string
	status := "PASS"

	// The git_sync stage's external collaborator shells out to git.
	if _, err := exec.LookPath("git"); err != nil {
		details = append(details, "git: missing (required for the git_sync stage)")
		status = "WARN"
	} else {
		details = append(details, "git: ok")
	}

	if cfg != nil && cfg.StagePluginDir != "" {
		matches, _ := filepath.Glob(filepath.Join(cfg.StagePluginDir, "*.wasm"))
		details = append(details, fmt.Sprintf("stage plugins: %d wasm module(s) in %s", len(matches), cfg.StagePluginDir))
	}

	return CheckResult{
		Name:    "External Tools",
		Status:  status,
		Message: fmt.Sprintf("Checked %d item(s)", len(details)),
		Detail:  fmt.Sprintf("%v", details),
	}
}
