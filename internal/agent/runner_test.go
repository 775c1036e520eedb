package agent_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"vaultline/internal/agent"
	"vaultline/internal/audit"
	"vaultline/internal/config"
	"vaultline/internal/dashboard"
	"vaultline/internal/domain"
	"vaultline/internal/engine"
	"vaultline/internal/planner"
	"vaultline/internal/store"
)

var monday = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

type vault struct {
	Store *store.Store
	Cloud engine.Engine
	Local engine.Engine
	Logs  string
}

func newVault(t *testing.T) vault {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(dir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.Init("cloud", "local"); err != nil {
		t.Fatalf("init: %v", err)
	}
	cfg := config.Default()
	logs := filepath.Join(dir, store.LogsDir)
	mk := func(name string) engine.Engine {
		role, err := cfg.Role(name)
		if err != nil {
			t.Fatalf("role %s: %v", name, err)
		}
		eng := engine.New(st, cfg, role, audit.New(logs, name))
		eng.Now = func() time.Time { return monday }
		return eng
	}
	return vault{Store: st, Cloud: mk("cloud"), Local: mk("local"), Logs: logs}
}

func planAs(kind string, amount float64) planner.Planner {
	return planner.Func(func(ctx context.Context, task domain.Task) (planner.Result, error) {
		return planner.Result{Plan: domain.Plan{
			Steps:      []string{"draft", "act"},
			ActionKind: kind,
			SideEffect: kind != "analysis",
			Amount:     amount,
			Payload:    map[string]any{"to": "ana@example.com"},
		}}, nil
	})
}

type countingSink struct {
	mu sync.Mutex
	n  int
}

func (s *countingSink) Publish(ctx context.Context, snap domain.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return nil
}

func (s *countingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

func TestCyclesDriveTaskThroughApproval(t *testing.T) {
	v := newVault(t)
	ctx := context.Background()
	if _, err := v.Cloud.CreateTask(ctx, engine.TaskCreateOptions{ID: "email_1", Channel: "email", Body: "reply"}); err != nil {
		t.Fatal(err)
	}
	cloud := &agent.Runner{Engine: v.Cloud, Planner: planAs("send-message", 0), ItemTimeout: time.Second}
	rep := cloud.Cycle(ctx)
	if len(rep.Claimed) != 1 || len(rep.Requested) != 1 {
		t.Fatalf("unexpected cloud report %+v", rep)
	}
	reqID := rep.Requested[0]

	var executed []string
	local := &agent.Runner{
		Engine:      v.Local,
		ItemTimeout: time.Second,
		Action: func(ctx context.Context, r domain.ApprovalRequest) error {
			executed = append(executed, r.ID)
			return nil
		},
		Publisher: &dashboard.Publisher{Store: v.Store, AuditDir: v.Logs, Role: "local", Dashboard: true},
	}
	// external action waits for a human
	if rep := local.Cycle(ctx); len(rep.Approved) != 0 || len(rep.Executed) != 0 {
		t.Fatalf("request must wait for a decision, got %+v", rep)
	}
	if _, err := v.Local.Decide(ctx, reqID, domain.DecisionApproved, "", "operator"); err != nil {
		t.Fatalf("decide: %v", err)
	}
	rep = local.Cycle(ctx)
	if len(rep.Executed) != 1 || len(executed) != 1 || executed[0] != reqID {
		t.Fatalf("expected execution of %s, got %+v", reqID, rep)
	}
	task, err := v.Local.GetTask(ctx, "email_1")
	if err != nil || task.Stage != domain.StageDone {
		t.Fatalf("task not done: %v %v", task.Stage, err)
	}
	if _, err := os.Stat(filepath.Join(v.Store.Root(), store.DashboardDoc)); err != nil {
		t.Fatalf("dashboard not written: %v", err)
	}
}

func TestPolicyRequestIsApprovedAndExecutedInOneCycle(t *testing.T) {
	v := newVault(t)
	ctx := context.Background()
	if _, err := v.Cloud.CreateTask(ctx, engine.TaskCreateOptions{ID: "odoo_1", Channel: "odoo", Body: "record payment"}); err != nil {
		t.Fatal(err)
	}
	cloud := &agent.Runner{Engine: v.Cloud, Planner: planAs("record-payment", 120)}
	cloud.Cycle(ctx)

	local := &agent.Runner{Engine: v.Local, Action: func(context.Context, domain.ApprovalRequest) error { return nil }}
	rep := local.Cycle(ctx)
	if len(rep.Approved) != 1 || len(rep.Executed) != 1 {
		t.Fatalf("expected auto approval and execution, got %+v", rep)
	}
}

func TestFailedActionIsRetriedNextCycle(t *testing.T) {
	v := newVault(t)
	ctx := context.Background()
	v.Cloud.CreateTask(ctx, engine.TaskCreateOptions{ID: "odoo_2", Channel: "odoo"})
	(&agent.Runner{Engine: v.Cloud, Planner: planAs("record-payment", 50)}).Cycle(ctx)

	calls := 0
	local := &agent.Runner{Engine: v.Local, Action: func(context.Context, domain.ApprovalRequest) error {
		calls++
		if calls == 1 {
			return errors.New("ledger unavailable")
		}
		return nil
	}}
	if rep := local.Cycle(ctx); len(rep.Retrying) != 1 {
		t.Fatalf("expected retry, got %+v", rep)
	}
	if rep := local.Cycle(ctx); len(rep.Executed) != 1 {
		t.Fatalf("expected success on retry, got %+v", rep)
	}
}

func TestStuckPlannerDoesNotBlockCycle(t *testing.T) {
	v := newVault(t)
	ctx := context.Background()
	v.Cloud.CreateTask(ctx, engine.TaskCreateOptions{ID: "email_slow", Channel: "email", Priority: domain.PriorityHigh})
	v.Cloud.CreateTask(ctx, engine.TaskCreateOptions{ID: "email_fast", Channel: "email", Priority: domain.PriorityLow})

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	slow := planner.Func(func(ctx context.Context, task domain.Task) (planner.Result, error) {
		if task.ID == "email_slow" {
			<-release
		}
		return planAs("analysis", 0).Plan(ctx, task)
	})
	r := &agent.Runner{Engine: v.Cloud, Planner: slow, ItemTimeout: 50 * time.Millisecond}

	start := time.Now()
	rep := r.Cycle(ctx)
	if time.Since(start) > 5*time.Second {
		t.Fatalf("cycle blocked on a stuck planner")
	}
	if len(rep.Failed) != 1 || rep.Failed[0] != "email_slow" {
		t.Fatalf("expected slow task to fail, got %+v", rep)
	}
	if len(rep.Completed) != 1 || rep.Completed[0] != "email_fast" {
		t.Fatalf("later task must still be processed, got %+v", rep)
	}
	var timedOut bool
	recs, _ := audit.Tail(v.Logs, 100)
	for _, rec := range recs {
		if rec.Action == audit.ActionPlanFailed && rec.Target == "email_slow" && rec.Error != "" {
			timedOut = true
		}
	}
	if !timedOut {
		t.Fatalf("planning timeout not audited")
	}
}

func TestRunStopsAtIterationCap(t *testing.T) {
	v := newVault(t)
	sink := &countingSink{}
	r := &agent.Runner{
		Engine:        v.Cloud,
		Interval:      time.Millisecond,
		MaxIterations: 3,
		Publisher:     &dashboard.Publisher{Store: v.Store, AuditDir: v.Logs, Role: "cloud", Sinks: []dashboard.Sink{sink}},
	}
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := sink.count(); got != 3 {
		t.Fatalf("expected 3 cycles, got %d", got)
	}
}

func TestRunHonorsShutdownAtLoopTop(t *testing.T) {
	v := newVault(t)
	sink := &countingSink{}
	ctx, cancel := context.WithCancel(context.Background())
	r := &agent.Runner{
		Engine:    v.Cloud,
		Interval:  time.Hour,
		Publisher: &dashboard.Publisher{Store: v.Store, AuditDir: v.Logs, Role: "cloud", Sinks: []dashboard.Sink{sink}},
	}
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	deadline := time.Now().Add(5 * time.Second)
	for sink.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("runner did not stop")
	}
	if sink.count() != 1 {
		t.Fatalf("expected exactly one cycle, got %d", sink.count())
	}
}

func TestWakeCutsSleepShort(t *testing.T) {
	v := newVault(t)
	sink := &countingSink{}
	wake := make(chan struct{}, 1)
	wake <- struct{}{}
	r := &agent.Runner{
		Engine:        v.Cloud,
		Interval:      time.Hour,
		MaxIterations: 2,
		Wake:          wake,
		Publisher:     &dashboard.Publisher{Store: v.Store, AuditDir: v.Logs, Role: "cloud", Sinks: []dashboard.Sink{sink}},
	}
	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("wake did not end the sleep")
	}
	if sink.count() != 2 {
		t.Fatalf("expected 2 cycles, got %d", sink.count())
	}
}
