package doctor

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/basket/orchestrator/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		HomeDir:    dir,
		SQLitePath: filepath.Join(dir, "orchestrator.db"),
	}
}

func TestRun_HealthyDeployment(t *testing.T) {
	d := Run(context.Background(), testConfig(t), "test")

	if len(d.Results) == 0 {
		t.Fatal("no checks ran")
	}
	byName := map[string]CheckResult{}
	for _, res := range d.Results {
		byName[res.Name] = res
	}

	for _, name := range []string{"Config", "Permissions", "Task Store", "Item Repository", "Redis Bus"} {
		res, ok := byName[name]
		if !ok {
			t.Fatalf("missing check %q", name)
		}
		if res.Status == "FAIL" {
			t.Fatalf("check %q failed on a healthy deployment: %s", name, res.Message)
		}
	}

	// No Redis configured means the in-process queue, not a failure.
	if byName["Redis Bus"].Status != "PASS" {
		t.Fatalf("redis check without redis configured: %+v", byName["Redis Bus"])
	}
}

func TestRun_NilConfig(t *testing.T) {
	d := Run(context.Background(), nil, "test")
	for _, res := range d.Results {
		if res.Name == "Config" && res.Status != "FAIL" {
			t.Fatalf("nil config should fail the config check: %+v", res)
		}
	}
}

func TestRun_UnreachableRedisFails(t *testing.T) {
	cfg := testConfig(t)
	cfg.RedisAddr = "127.0.0.1:1" // nothing listens here

	d := Run(context.Background(), cfg, "test")
	for _, res := range d.Results {
		if res.Name == "Redis Bus" {
			if res.Status != "FAIL" {
				t.Fatalf("unreachable redis should fail: %+v", res)
			}
			return
		}
	}
	t.Fatal("redis check missing")
}
