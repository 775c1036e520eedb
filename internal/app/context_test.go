package app_test

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"vaultline/internal/app"
	"vaultline/internal/config"
	"vaultline/internal/domain"
	"vaultline/internal/engine"
	"vaultline/internal/store"

	_ "vaultline/internal/channel/ledger"
)

func newVault(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	if err := os.WriteFile(config.Path(root), []byte(config.GenerateDefault()), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return root
}

func openApp(t *testing.T, root string) *app.App {
	t.Helper()
	a, err := app.Open(app.Options{Root: root, LogLevel: "error"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestOpenLaysOutStageDirectories(t *testing.T) {
	root := newVault(t)
	openApp(t, root)
	for _, dir := range []string{
		domain.StageNeedsAction.Dir(),
		filepath.Join(domain.StageInProgress.Dir(), "cloud"),
		filepath.Join(domain.StageInProgress.Dir(), "local"),
		domain.StagePendingApproval.Dir(),
		store.LogsDir,
		store.DropDir,
	} {
		if info, err := os.Stat(filepath.Join(root, dir)); err != nil || !info.IsDir() {
			t.Fatalf("expected directory %s: %v", dir, err)
		}
	}
}

func TestOpenFailsWithoutConfigOrRoot(t *testing.T) {
	if _, err := app.Open(app.Options{Root: t.TempDir()}); err == nil {
		t.Fatalf("expected missing config error")
	}
	if _, err := app.Open(app.Options{Root: filepath.Join(t.TempDir(), "missing")}); err == nil {
		t.Fatalf("expected missing root error")
	}
	root := newVault(t)
	if _, err := app.Open(app.Options{Root: root, LogLevel: "loud"}); err == nil {
		t.Fatalf("expected invalid log level error")
	}
}

func TestEnginesShareAuditLogPerRole(t *testing.T) {
	a := openApp(t, newVault(t))
	e1, err := a.Engine("local")
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	e2, _ := a.Engine("local")
	if e1.Audit != e2.Audit {
		t.Fatalf("expected one audit log per role")
	}
	other, _ := a.Engine("cloud")
	if other.Audit == e1.Audit {
		t.Fatalf("roles must not share an audit log")
	}
	if _, err := a.Engine("intruder"); err == nil {
		t.Fatalf("expected unknown role error")
	}
}

func TestAgentWiringFollowsRolePermissions(t *testing.T) {
	a := openApp(t, newVault(t))

	cloud, cloudWatch, err := a.Agent("cloud")
	if err != nil {
		t.Fatalf("cloud agent: %v", err)
	}
	if cloud.Action != nil {
		t.Fatalf("cloud must not execute actions")
	}
	if cloud.Ingestor != nil {
		t.Fatalf("ingestion belongs to the local role by default")
	}
	if cloud.Publisher == nil || cloud.Publisher.Dashboard {
		t.Fatalf("cloud publishes signals only: %+v", cloud.Publisher)
	}
	if cloudWatch == nil || cloud.Wake == nil {
		t.Fatalf("expected watcher with agent.watch enabled")
	}

	local, _, err := a.Agent("local")
	if err != nil {
		t.Fatalf("local agent: %v", err)
	}
	if local.Action == nil || local.Ingestor == nil {
		t.Fatalf("local executes and ingests: %+v", local)
	}
	if !local.Publisher.Dashboard {
		t.Fatalf("local writes Dashboard.md")
	}
	if local.Planner != nil {
		t.Fatalf("no planner command configured")
	}
}

func TestAgentLogsRoutedKinds(t *testing.T) {
	a := openApp(t, newVault(t))
	var buf bytes.Buffer
	a.Logger = slog.New(slog.NewJSONHandler(&buf, nil))
	if _, _, err := a.Agent("local"); err != nil {
		t.Fatalf("local agent: %v", err)
	}
	if !strings.Contains(buf.String(), `"kinds":["create-ledger-entry","record-payment"]`) {
		t.Fatalf("expected routed kinds in log, got %s", buf.String())
	}
	buf.Reset()
	if _, _, err := a.Agent("cloud"); err != nil {
		t.Fatalf("cloud agent: %v", err)
	}
	if strings.Contains(buf.String(), "channels routed") {
		t.Fatalf("cloud builds no channels: %s", buf.String())
	}
}

func TestLedgerOpensConfiguredDatabase(t *testing.T) {
	a := openApp(t, newVault(t))
	l, err := a.Ledger(context.Background())
	if err != nil || l == nil {
		t.Fatalf("ledger: %v %v", l, err)
	}
	totals, err := l.Totals(context.Background())
	if err != nil || len(totals) != 0 {
		t.Fatalf("expected empty ledger: %v %v", totals, err)
	}
}

func TestServerNeedsJWTSecret(t *testing.T) {
	a := openApp(t, newVault(t))
	t.Setenv(a.Config.Server.JWTSecretEnv, "")
	if _, err := a.Server(context.Background()); err == nil {
		t.Fatalf("expected missing secret error")
	}
	t.Setenv(a.Config.Server.JWTSecretEnv, "s3cret")
	if _, err := a.Server(context.Background()); err != nil {
		t.Fatalf("server: %v", err)
	}
}

func TestCreatedTaskIsVisibleToOtherRole(t *testing.T) {
	a := openApp(t, newVault(t))
	local, _ := a.Engine("local")
	task, err := local.CreateTask(context.Background(), engine.TaskCreateOptions{Channel: "manual", Title: "Check invoices"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	cloud, _ := a.Engine("cloud")
	got, err := cloud.GetTask(context.Background(), task.ID)
	if err != nil || got.Stage != domain.StageNeedsAction {
		t.Fatalf("get: %+v %v", got, err)
	}
}
