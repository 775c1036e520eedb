package dashboard

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"vaultline/internal/audit"
	"vaultline/internal/domain"
	"vaultline/internal/store"
)

var testNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type captureSink struct{ got []domain.Snapshot }

func (c *captureSink) Publish(_ context.Context, s domain.Snapshot) error {
	c.got = append(c.got, s)
	return nil
}

func seed(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := st.Init("cloud", "local"); err != nil {
		t.Fatalf("init: %v", err)
	}
	task, _ := store.EncodeTask(domain.Task{ID: "email_1", Channel: "email", Priority: domain.PriorityHigh, CreatedAt: testNow})
	if err := st.Create(store.At(domain.StageNeedsAction), "email_1.md", task); err != nil {
		t.Fatal(err)
	}
	if err := st.Create(store.InProgress("cloud"), "cloud__email_2.md", task); err != nil {
		t.Fatal(err)
	}
	req, _ := store.EncodeRequest(domain.ApprovalRequest{
		ID: "APPROVAL_email_3_aa", TaskID: "email_3", PlanID: "PLAN_email_3_aa", ActionKind: "send-message",
		RequestedBy: "cloud", Executor: "local", Decision: domain.DecisionPending, CreatedAt: testNow,
	})
	if err := st.Create(store.At(domain.StagePendingApproval), "APPROVAL_email_3_aa.md", req); err != nil {
		t.Fatal(err)
	}
	return st
}

func TestBuildCountsStages(t *testing.T) {
	st := seed(t)
	snap, err := Build(st, "", "local", 0, testNow)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if snap.Counts[domain.StageNeedsAction] != 1 || snap.Counts[domain.StageInProgress] != 1 || snap.Counts[domain.StagePendingApproval] != 1 {
		t.Fatalf("unexpected counts %v", snap.Counts)
	}
	if snap.InProgress["cloud"] != 1 || snap.InProgress["local"] != 0 {
		t.Fatalf("unexpected in-progress %v", snap.InProgress)
	}
	if len(snap.Pending) != 1 || snap.Pending[0].ActionKind != "send-message" {
		t.Fatalf("unexpected pending %+v", snap.Pending)
	}
}

func TestPublishWritesSignalAndDashboard(t *testing.T) {
	st := seed(t)
	logDir := filepath.Join(st.Root(), store.LogsDir)
	lg := audit.New(logDir, "cloud")
	lg.Now = func() time.Time { return testNow }
	if err := lg.Record(context.Background(), audit.ActionTaskClaimed, "email_2", domain.ResultSuccess, "", nil); err != nil {
		t.Fatalf("record: %v", err)
	}
	sink := &captureSink{}
	p := &Publisher{Store: st, AuditDir: logDir, Role: "local", Recent: 5, Dashboard: true, Sinks: []Sink{sink}, Now: func() time.Time { return testNow }}
	if _, err := p.Publish(context.Background()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	signal, err := os.ReadFile(filepath.Join(st.Root(), store.SignalsDir, "local.md"))
	if err != nil {
		t.Fatalf("signal: %v", err)
	}
	for _, want := range []string{"APPROVAL_email_3_aa", "task.claimed", "| Needs_Action | 1 |"} {
		if !strings.Contains(string(signal), want) {
			t.Fatalf("signal missing %q:\n%s", want, signal)
		}
	}
	dash, err := os.ReadFile(filepath.Join(st.Root(), store.DashboardDoc))
	if err != nil || string(dash) != string(signal) {
		t.Fatalf("dashboard mismatch err=%v", err)
	}
	if len(sink.got) != 1 || sink.got[0].Role != "local" {
		t.Fatalf("sink not called: %+v", sink.got)
	}
}

func TestPublishWithoutDashboardPermission(t *testing.T) {
	st := seed(t)
	p := &Publisher{Store: st, Role: "cloud"}
	if _, err := p.Publish(context.Background()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := os.Stat(filepath.Join(st.Root(), store.DashboardDoc)); !os.IsNotExist(err) {
		t.Fatalf("dashboard must not be written, stat err=%v", err)
	}
}

func TestSubject(t *testing.T) {
	if got := Subject("vaultline.signals", "cloud"); got != "vaultline.signals.cloud" {
		t.Fatalf("unexpected subject %q", got)
	}
}
