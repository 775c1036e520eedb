package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"vaultline/internal/domain"
	"vaultline/internal/engine/auth"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if cfg.Agent.PollInterval != 30*time.Second {
		t.Fatalf("unexpected poll interval %s", cfg.Agent.PollInterval)
	}
	if cfg.Approval.FinancialThreshold != 500 {
		t.Fatalf("unexpected threshold %v", cfg.Approval.FinancialThreshold)
	}
	if cfg.Sync.Interval != time.Minute {
		t.Fatalf("unexpected sync interval %s", cfg.Sync.Interval)
	}
	if len(cfg.Sync.Exclude) == 0 {
		t.Fatalf("expected standing exclusion list")
	}
}

func TestRoleResolution(t *testing.T) {
	cfg := Default()
	cloud, err := cfg.Role("cloud")
	if err != nil {
		t.Fatalf("role: %v", err)
	}
	if cloud.HighTrust() {
		t.Fatalf("cloud must not be high trust")
	}
	if err := cloud.CheckWrite(domain.StageApproved); err == nil {
		t.Fatalf("cloud must not write approved")
	}
	local, _ := cfg.Role("local")
	if !local.Has(auth.PermActionExecute) || local.CheckWrite(domain.StageApproved) != nil {
		t.Fatalf("local should execute and write approved: %+v", local)
	}
	if _, err := cfg.Role("ghost"); err == nil {
		t.Fatalf("expected unknown role error")
	}
}

func TestDefaultRolesHaveOneClaimer(t *testing.T) {
	cfg := Default()
	var claimers []string
	for _, name := range cfg.RoleNames() {
		role, err := cfg.Role(name)
		if err != nil {
			t.Fatalf("role %s: %v", name, err)
		}
		for _, src := range role.Sources {
			if src == domain.StageNeedsAction {
				claimers = append(claimers, name)
			}
		}
		if name != "cloud" && (role.Has(auth.PermTaskClaim) || role.Has(auth.PermPlanWrite)) {
			t.Fatalf("%s must not claim or plan", name)
		}
	}
	if len(claimers) != 1 || claimers[0] != "cloud" {
		t.Fatalf("expected cloud as the only needs_action claimer, got %v", claimers)
	}
	local, _ := cfg.Role("local")
	if !local.Has(auth.PermTaskCreate) {
		t.Fatalf("local still files ingested tasks")
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "unknown key",
			yaml: "agent:\n  poll_every: 3s\n",
			want: "invalid config yaml",
		},
		{
			name: "no roles",
			yaml: "approval:\n  default_executor: local\n",
			want: "config.roles is required",
		},
		{
			name: "no decider",
			yaml: "roles:\n  cloud:\n    permissions: [task.claim, action.execute]\napproval:\n  default_executor: cloud\n",
			want: "approval.decide",
		},
		{
			name: "executor lacks execute",
			yaml: "roles:\n  cloud:\n    permissions: [task.claim]\n  local:\n    permissions: [approval.decide]\napproval:\n  default_executor: local\n",
			want: "lacks action.execute",
		},
		{
			name: "bad stage",
			yaml: "roles:\n  local:\n    permissions: [approval.decide, action.execute]\n    writes: [Limbo]\napproval:\n  default_executor: local\n",
			want: "unknown stage",
		},
		{
			name: "unknown channel",
			yaml: "roles:\n  local:\n    permissions: [approval.decide, action.execute]\napproval:\n  default_executor: local\n  actions:\n    send-message:\n      channel: mail\n",
			want: "unknown channel mail",
		},
		{
			name: "bad log level",
			yaml: "roles:\n  local:\n    permissions: [approval.decide, action.execute]\napproval:\n  default_executor: local\nlogging:\n  level: loud\n",
			want: "config.logging.level",
		},
		{
			name: "bad log format",
			yaml: "roles:\n  local:\n    permissions: [approval.decide, action.execute]\napproval:\n  default_executor: local\nlogging:\n  format: xml\n",
			want: "config.logging.format",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := FromYAML([]byte(tc.yaml))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestExecutorFor(t *testing.T) {
	cfg := Default()
	if got := cfg.ExecutorFor("send-message"); got != "local" {
		t.Fatalf("expected local, got %s", got)
	}
}

func TestLoadOptionalFallsBackToDefault(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil || cfg == nil {
		t.Fatalf("expected default config, got %v %v", cfg, err)
	}
	if _, err := Load(dir); err == nil {
		t.Fatalf("expected Load to fail without a file")
	}
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(GenerateDefault()), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(dir); err != nil {
		t.Fatalf("load: %v", err)
	}
}
