//go:build integration

package integration

import (
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// binaryPath returns the path to the built CLI binary
func binaryPath(t *testing.T) string {
	t.Helper()
	// Look for the binary in common locations
	paths := []string{
		"../negosim",
		"./negosim",
		filepath.Join(os.Getenv("GOPATH"), "bin", "negosim"),
	}

	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			abs, _ := filepath.Abs(p)
			return abs
		}
	}

	// Try to build it
	t.Log("Binary not found, building...")
	cmd := exec.Command("go", "build", "-o", "../negosim", "../cmd/negosim")
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("Failed to build binary: %v\n%s", err, out)
	}

	abs, _ := filepath.Abs("../negosim")
	return abs
}

// writeWorkerScript installs the stand-in worker the CLI config points at
func writeWorkerScript(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worker.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+dealWorker), 0o755); err != nil {
		t.Fatalf("writing worker script: %v", err)
	}
	return path
}

// createTestConfig creates a temporary config file for testing
func createTestConfig(t *testing.T, dbPath, workerPath string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.toml")

	config := `[scheduler]
database_path = "` + dbPath + `"
tick_interval = "50ms"
max_concurrent = 2
max_retries = 2
check_orphans_on_start = false

[worker]
command = "` + workerPath + `"
timeout = "30s"
max_rounds = 10
log_dir = "` + t.TempDir() + `"

[notifications]
desktop = false
`

	if err := os.WriteFile(configPath, []byte(config), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return configPath
}

// runCLI executes the binary with --config and returns its combined output
func runCLI(t *testing.T, binary, configPath string, args ...string) string {
	t.Helper()
	cmd := exec.Command(binary, append(args, "--config", configPath)...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("negosim %s failed: %v\n%s", strings.Join(args, " "), err, out)
	}
	return string(out)
}

// parseQueueID pulls the queue id out of the create confirmation
func parseQueueID(t *testing.T, out string) string {
	t.Helper()
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "Queue ") && strings.Contains(line, " created:") {
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				return fields[1]
			}
		}
	}
	t.Fatalf("No queue id in output: %s", out)
	return ""
}

// TestCLI_ImportAndList tests the negotiation import and list commands
func TestCLI_ImportAndList(t *testing.T) {
	requireShell(t)
	binary := binaryPath(t)
	configPath := createTestConfig(t, TempDBPath(t), writeWorkerScript(t))

	out := runCLI(t, binary, configPath, "negotiation", "import", writeScenario(t))
	if !strings.Contains(out, "Imported steel-annual") {
		t.Errorf("Expected import confirmation, got: %s", out)
	}

	out = runCLI(t, binary, configPath, "negotiation", "list")
	if !strings.Contains(out, "steel-annual") {
		t.Errorf("Expected steel-annual in listing, got: %s", out)
	}
	if !strings.Contains(out, "Annual steel frame contract") {
		t.Errorf("Expected the negotiation title in listing, got: %s", out)
	}
}

// TestCLI_QueueLifecycle expands the canonical 6-run batch and drains it in
// the foreground
func TestCLI_QueueLifecycle(t *testing.T) {
	requireShell(t)
	binary := binaryPath(t)
	configPath := createTestConfig(t, TempDBPath(t), writeWorkerScript(t))

	runCLI(t, binary, configPath, "negotiation", "import", writeScenario(t))

	out := runCLI(t, binary, configPath, "queue", "create", "steel-annual",
		"--techniques", "anchoring,mirroring",
		"--tactics", "collaborative,competitive,compromising",
		"--personalities", "analytical",
		"--zopa", "medium",
		"--max-concurrent", "2")
	if !strings.Contains(out, "6 simulations") {
		t.Fatalf("Expected 6 simulations, got: %s", out)
	}
	queueID := parseQueueID(t, out)

	out = runCLI(t, binary, configPath, "queue", "run", queueID)
	if !strings.Contains(out, "6 completed, 0 failed of 6") {
		t.Errorf("Expected a clean drain, got: %s", out)
	}
	if !strings.Contains(out, "Total cost: $0.30") {
		t.Errorf("Expected the accumulated cost, got: %s", out)
	}

	out = runCLI(t, binary, configPath, "queue", "status", queueID)
	if !strings.Contains(out, "completed") {
		t.Errorf("Expected completed status, got: %s", out)
	}
	if !strings.Contains(out, "6/6 completed") {
		t.Errorf("Expected full progress, got: %s", out)
	}

	out = runCLI(t, binary, configPath, "queue", "list")
	if !strings.Contains(out, queueID) || !strings.Contains(out, "6/6") {
		t.Errorf("Expected the drained queue in the listing, got: %s", out)
	}
}

// TestCLI_ResultsExport drains a small queue and checks the exported JSON
func TestCLI_ResultsExport(t *testing.T) {
	requireShell(t)
	binary := binaryPath(t)
	configPath := createTestConfig(t, TempDBPath(t), writeWorkerScript(t))

	runCLI(t, binary, configPath, "negotiation", "import", writeScenario(t))
	out := runCLI(t, binary, configPath, "queue", "create", "steel-annual",
		"--techniques", "anchoring",
		"--tactics", "collaborative,competitive",
		"--personalities", "analytical",
		"--zopa", "medium")
	queueID := parseQueueID(t, out)
	runCLI(t, binary, configPath, "queue", "run", queueID)

	exportPath := filepath.Join(t.TempDir(), "export.json")
	out = runCLI(t, binary, configPath, "results", "export", queueID, "--out", exportPath)
	if !strings.Contains(out, "Exported 2 runs") {
		t.Errorf("Expected export confirmation, got: %s", out)
	}

	data, err := os.ReadFile(exportPath)
	if err != nil {
		t.Fatalf("reading export: %v", err)
	}
	var doc struct {
		Queue struct {
			ID             string  `json:"id"`
			Status         string  `json:"status"`
			CompletedCount int     `json:"completedCount"`
			ActualCostUSD  float64 `json:"actualCostUsd"`
		} `json:"queue"`
		Runs []struct {
			Status     string            `json:"status"`
			Outcome    string            `json:"outcome"`
			DealValue  float64           `json:"dealValue"`
			Dimensions []json.RawMessage `json:"dimensions"`
		} `json:"runs"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("export is not valid JSON: %v", err)
	}
	if doc.Queue.ID != queueID || doc.Queue.Status != "completed" || doc.Queue.CompletedCount != 2 {
		t.Errorf("exported queue = %+v, want %s completed with 2 runs", doc.Queue, queueID)
	}
	if len(doc.Runs) != 2 {
		t.Fatalf("exported %d runs, want 2", len(doc.Runs))
	}
	for i, r := range doc.Runs {
		if r.Status != "completed" || r.Outcome != "DEAL_ACCEPTED" {
			t.Errorf("run %d exported as %s/%s", i, r.Status, r.Outcome)
		}
		if r.DealValue <= 0 {
			t.Errorf("run %d DealValue = %v, want > 0", i, r.DealValue)
		}
		if len(r.Dimensions) != 2 {
			t.Errorf("run %d exported %d dimension rows, want 2", i, len(r.Dimensions))
		}
	}
}

// TestCLI_Status tests the store totals command
func TestCLI_Status(t *testing.T) {
	requireShell(t)
	binary := binaryPath(t)
	configPath := createTestConfig(t, TempDBPath(t), writeWorkerScript(t))

	runCLI(t, binary, configPath, "negotiation", "import", writeScenario(t))
	runCLI(t, binary, configPath, "queue", "create", "steel-annual",
		"--techniques", "anchoring",
		"--tactics", "collaborative,competitive",
		"--personalities", "analytical",
		"--zopa", "medium")

	out := runCLI(t, binary, configPath, "status")
	if !strings.Contains(out, "Negotiations: 1") {
		t.Errorf("Expected one negotiation, got: %s", out)
	}
	if !strings.Contains(out, "Runs:         2") {
		t.Errorf("Expected two runs, got: %s", out)
	}

	out = runCLI(t, binary, configPath, "recovery", "report")
	if !strings.Contains(out, "No orphaned runs") {
		t.Errorf("Expected an empty recovery report, got: %s", out)
	}
}

// TestCLI_InvalidCommand tests error handling for invalid commands
func TestCLI_InvalidCommand(t *testing.T) {
	binary := binaryPath(t)

	cmd := exec.Command(binary, "invalidcommand")
	out, err := cmd.CombinedOutput()

	// Should return error
	if err == nil {
		t.Error("Expected error for invalid command")
	}

	output := string(out)

	// Should suggest valid commands or show help
	if !strings.Contains(output, "unknown command") && !strings.Contains(output, "Usage") {
		t.Errorf("Expected error message or usage info, got: %s", output)
	}
}
