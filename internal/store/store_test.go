package store

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"vaultline/internal/domain"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), opts...)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Init("cloud", "local"); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

type allowAll struct{}

func (allowAll) CheckWrite(domain.Stage) error { return nil }

type allowOnly []domain.Stage

func (a allowOnly) CheckWrite(st domain.Stage) error {
	for _, s := range a {
		if s == st {
			return nil
		}
	}
	return errors.New("denied " + string(st))
}

func TestOpenMissingRoot(t *testing.T) {
	if _, err := Open(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatalf("expected error for missing root")
	}
}

func TestInitCreatesStageDirs(t *testing.T) {
	s := newTestStore(t)
	for _, st := range domain.Stages() {
		if _, err := os.Stat(filepath.Join(s.Root(), st.Dir())); err != nil {
			t.Fatalf("stage %s missing: %v", st, err)
		}
	}
	if _, err := os.Stat(s.Dir(InProgress("cloud"))); err != nil {
		t.Fatalf("role namespace missing: %v", err)
	}
}

func TestCreateRefusesExisting(t *testing.T) {
	s := newTestStore(t)
	loc := At(domain.StageNeedsAction)
	if err := s.Create(loc, "a.md", []byte("one")); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := s.Create(loc, "a.md", []byte("two"))
	if !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	data, err := s.Read(loc, "a.md")
	if err != nil || string(data) != "one" {
		t.Fatalf("content changed: %q %v", data, err)
	}
}

func TestListSkipsTempAndForeignFiles(t *testing.T) {
	s := newTestStore(t)
	loc := At(domain.StageNeedsAction)
	_ = s.Write(loc, "b.md", []byte("b"))
	_ = s.Write(loc, "a.md", []byte("a"))
	_ = os.WriteFile(filepath.Join(s.Dir(loc), ".a.md.tmp-1"), []byte("x"), 0o644)
	_ = os.WriteFile(filepath.Join(s.Dir(loc), "notes.txt"), []byte("x"), 0o644)
	names, err := s.List(loc)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if strings.Join(names, ",") != "a.md,b.md" {
		t.Fatalf("unexpected listing %v", names)
	}
}

func TestMoveRaceHasOneWinner(t *testing.T) {
	s := newTestStore(t)
	src := At(domain.StageNeedsAction)
	if err := s.Write(src, "task-42.md", []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}
	roles := []string{"cloud", "local", "cloud", "local", "cloud", "local"}
	var wg sync.WaitGroup
	results := make([]error, len(roles))
	for i, r := range roles {
		wg.Add(1)
		go func(i int, role string) {
			defer wg.Done()
			results[i] = s.Move(src, "task-42.md", InProgress(role), role+"__task-42.md")
		}(i, r)
	}
	wg.Wait()
	wins := 0
	for _, err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrNotFound), errors.Is(err, ErrExists):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
	if s.Exists(src, "task-42.md") {
		t.Fatalf("source still present")
	}
}

func TestMoveMissingSource(t *testing.T) {
	s := newTestStore(t)
	err := s.Move(At(domain.StageApproved), "gone.md", At(domain.StageDone), "")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFindSearchesRoleNamespaces(t *testing.T) {
	s := newTestStore(t)
	_ = s.Write(InProgress("local"), "local__t.md", []byte("x"))
	loc, ok := s.Find("local__t.md")
	if !ok || loc.Role != "local" {
		t.Fatalf("expected to find in local namespace, got %v %v", loc, ok)
	}
	loc, ok = s.Find("t.md")
	if !ok || loc.Role != "local" {
		t.Fatalf("expected claim name to match plain name, got %v %v", loc, ok)
	}
	if _, ok := s.Find("missing.md"); ok {
		t.Fatalf("expected not found")
	}
}

func TestCacheServesFreshContent(t *testing.T) {
	s := newTestStore(t, WithCache(1<<20))
	loc := At(domain.StagePlanned)
	_ = s.Write(loc, "p.md", []byte("first"))
	if data, _ := s.Read(loc, "p.md"); string(data) != "first" {
		t.Fatalf("unexpected %q", data)
	}
	// A rewrite changes size, so a cached entry must not be served.
	_ = s.Write(loc, "p.md", []byte("second version"))
	if data, _ := s.Read(loc, "p.md"); string(data) != "second version" {
		t.Fatalf("stale read %q", data)
	}
}

func TestScopedRefusesForeignStage(t *testing.T) {
	s := newTestStore(t)
	w := s.Scoped(allowOnly{domain.StageNeedsAction, domain.StageInProgress})
	if err := w.Write(At(domain.StageApproved), "r.md", []byte("x")); err == nil {
		t.Fatalf("expected write to approved to be refused")
	}
	_ = w.Write(At(domain.StageNeedsAction), "t.md", []byte("x"))
	if err := w.Move(At(domain.StageNeedsAction), "t.md", At(domain.StageDone), ""); err == nil {
		t.Fatalf("expected move to done to be refused")
	}
	if !s.Exists(At(domain.StageNeedsAction), "t.md") {
		t.Fatalf("refused move must leave the document in place")
	}
}

func TestQuarantineKeepsOrigin(t *testing.T) {
	s := newTestStore(t)
	w := s.Scoped(allowAll{})
	_ = s.Write(InProgress("cloud"), "cloud__t.md", []byte("junk"))
	name, err := w.Quarantine(InProgress("cloud"), "cloud__t.md")
	if err != nil {
		t.Fatalf("quarantine: %v", err)
	}
	if name != "in_progress_cloud__cloud__t.md" {
		t.Fatalf("unexpected name %s", name)
	}
	if !s.Exists(At(domain.StageQuarantine), name) {
		t.Fatalf("not in quarantine")
	}
}

func TestTaskCodecRoundTrip(t *testing.T) {
	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	in := domain.Task{ID: "email_1", Channel: "email", Priority: domain.PriorityHigh, CreatedAt: created, Body: "Reply to Ana\n"}
	data, err := EncodeTask(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := DecodeTask(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.ID != in.ID || out.Body != in.Body || !out.CreatedAt.Equal(created) || out.Kind != domain.KindTask {
		t.Fatalf("mismatch: %+v", out)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"no header":     "To: someone\nSubject: hi\n",
		"unterminated":  "---\nkind: task\nid: x\n",
		"unknown field": "---\nkind: task\nid: x\nchannel: email\npriority: low\ncreated_at: 2026-01-01T00:00:00Z\nto: bob\n---\n\nbody",
		"bad priority":  "---\nkind: task\nid: x\nchannel: email\npriority: urgent\ncreated_at: 2026-01-01T00:00:00Z\n---\n\nbody",
		"wrong kind":    "---\nkind: plan\nid: x\nchannel: email\npriority: low\ncreated_at: 2026-01-01T00:00:00Z\n---\n\nbody",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := DecodeTask([]byte(doc)); !errors.Is(err, ErrMalformed) {
				t.Fatalf("expected ErrMalformed, got %v", err)
			}
		})
	}
}

func TestDecodeRequestRequiresDecider(t *testing.T) {
	doc := "---\nkind: approval_request\nid: r1\ntask_id: t\nplan_id: p\naction_kind: send-message\nrequested_by: cloud\nexecutor: local\ndecision: approved\ncreated_at: 2026-01-01T00:00:00Z\n---\n\n"
	if _, err := DecodeRequest([]byte(doc)); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}
