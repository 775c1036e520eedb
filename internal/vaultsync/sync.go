// Package vaultsync reconciles two copies of a vault through a git remote.
package vaultsync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"vaultline/internal/audit"
	"vaultline/internal/domain"
)

// ConflictError reports a merge that could not be resolved file by file.
// The merge has been aborted; an operator must reconcile the listed paths.
type ConflictError struct {
	Paths []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("sync conflict on %d path(s): %s", len(e.Paths), strings.Join(e.Paths, ", "))
}

const (
	ignoreBegin = "# >>> vaultline managed >>>"
	ignoreEnd   = "# <<< vaultline managed <<<"
	remoteName  = "origin"
)

// alwaysExcluded never leaves the host regardless of configuration.
var alwaysExcluded = []string{".*.tmp-*", ".vaultline/"}

// Reconciler runs one pull/merge/push cycle per call to Sync.
type Reconciler struct {
	Root    string
	Remote  string
	Branch  string
	Exclude []string
	Author  string
	Email   string

	Pool   *Pool
	Audit  *audit.Log
	Logger *slog.Logger
	Now    func() time.Time
}

// Result describes what a cycle did.
type Result struct {
	Committed bool
	Merged    bool
	Pushed    bool
	// RemoteMissing is set when the remote branch did not exist yet.
	RemoteMissing bool
}

func (r *Reconciler) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Reconciler) log() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func (r *Reconciler) branch() string {
	if r.Branch == "" {
		return "main"
	}
	return r.Branch
}

func (r *Reconciler) git(ctx context.Context, args ...string) (string, error) {
	var out string
	err := r.Pool.Run(ctx, func() error {
		var err error
		out, err = runGit(ctx, r.Root, r.identity(), args...)
		return err
	})
	return out, err
}

func (r *Reconciler) identity() []string {
	name, email := r.Author, r.Email
	if name == "" {
		name = "vaultline"
	}
	if email == "" {
		email = "vaultline@localhost"
	}
	return []string{"-c", "user.name=" + name, "-c", "user.email=" + email}
}

func runGit(ctx context.Context, dir string, pre []string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", append(append([]string{}, pre...), args...)...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "GIT_MERGE_AUTOEDIT=no")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.String(), fmt.Errorf("git %s: %s: %w", args[0], strings.TrimSpace(stderr.String()), err)
	}
	return stdout.String(), nil
}

// Init makes the vault a repository on the sync branch, points origin at
// the configured remote and writes the managed ignore block.
func (r *Reconciler) Init(ctx context.Context) error {
	if _, err := os.Stat(filepath.Join(r.Root, ".git")); errors.Is(err, os.ErrNotExist) {
		if _, err := r.git(ctx, "init"); err != nil {
			return err
		}
		if _, err := r.git(ctx, "symbolic-ref", "HEAD", "refs/heads/"+r.branch()); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}
	if r.Remote != "" {
		cur, err := r.git(ctx, "remote")
		if err != nil {
			return err
		}
		if hasLine(cur, remoteName) {
			if _, err := r.git(ctx, "remote", "set-url", remoteName, r.Remote); err != nil {
				return err
			}
		} else if _, err := r.git(ctx, "remote", "add", remoteName, r.Remote); err != nil {
			return err
		}
	}
	return r.writeIgnore()
}

// writeIgnore replaces the managed block in .gitignore and keeps any lines
// an operator added outside it.
func (r *Reconciler) writeIgnore() error {
	p := filepath.Join(r.Root, ".gitignore")
	existing, err := os.ReadFile(p)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	var kept []string
	inBlock := false
	for _, line := range strings.Split(string(existing), "\n") {
		switch {
		case line == ignoreBegin:
			inBlock = true
		case line == ignoreEnd:
			inBlock = false
		case !inBlock:
			kept = append(kept, line)
		}
	}
	for len(kept) > 0 && kept[len(kept)-1] == "" {
		kept = kept[:len(kept)-1]
	}
	var b strings.Builder
	for _, line := range kept {
		b.WriteString(line + "\n")
	}
	if len(kept) > 0 {
		b.WriteString("\n")
	}
	b.WriteString(ignoreBegin + "\n")
	for _, pat := range append(append([]string{}, alwaysExcluded...), r.Exclude...) {
		b.WriteString(pat + "\n")
	}
	b.WriteString(ignoreEnd + "\n")
	if string(existing) == b.String() {
		return nil
	}
	return os.WriteFile(p, []byte(b.String()), 0o644)
}

// Sync commits local changes, merges the remote branch and pushes.
// Plain content conflicts resolve in favor of the remote side; structural
// conflicts abort the merge and return *ConflictError.
func (r *Reconciler) Sync(ctx context.Context) (Result, error) {
	res, err := r.sync(ctx)
	var conflict *ConflictError
	switch {
	case errors.As(err, &conflict):
		r.log().Error("sync conflict", "paths", conflict.Paths)
		r.record(ctx, audit.ActionSyncConflict, domain.ResultFail, err.Error(), audit.Payload{"paths": conflict.Paths})
	case err != nil:
		r.log().Warn("sync failed", "err", err)
		r.record(ctx, audit.ActionSyncCompleted, domain.ResultFail, err.Error(), nil)
	case res.Committed || res.Merged || res.Pushed:
		r.record(ctx, audit.ActionSyncCompleted, domain.ResultSuccess, "", audit.Payload{
			"committed": res.Committed, "merged": res.Merged, "pushed": res.Pushed,
		})
	}
	return res, err
}

func (r *Reconciler) sync(ctx context.Context) (Result, error) {
	var res Result
	if err := r.Init(ctx); err != nil {
		return res, err
	}
	if _, err := r.git(ctx, "add", "-A"); err != nil {
		return res, err
	}
	status, err := r.git(ctx, "status", "--porcelain")
	if err != nil {
		return res, err
	}
	if strings.TrimSpace(status) != "" {
		msg := "Auto-sync at " + r.now().UTC().Format(time.RFC3339)
		if _, err := r.git(ctx, "commit", "--no-verify", "-m", msg); err != nil {
			return res, err
		}
		res.Committed = true
	}
	if r.Remote == "" {
		return res, nil
	}

	heads, err := r.git(ctx, "ls-remote", "--heads", remoteName, r.branch())
	if err != nil {
		return res, err
	}
	if strings.TrimSpace(heads) == "" {
		res.RemoteMissing = true
	} else {
		if _, err := r.git(ctx, "fetch", "--quiet", remoteName, r.branch()); err != nil {
			return res, err
		}
		before := r.head(ctx)
		if _, err := r.git(ctx, "merge", "--no-edit", "--allow-unrelated-histories", "-X", "theirs", remoteName+"/"+r.branch()); err != nil {
			paths, lerr := r.unmerged(ctx)
			if lerr == nil && len(paths) > 0 {
				if _, aerr := r.git(ctx, "merge", "--abort"); aerr != nil {
					r.log().Error("merge abort failed", "err", aerr)
				}
				return res, &ConflictError{Paths: paths}
			}
			return res, err
		}
		res.Merged = r.head(ctx) != before
	}

	if r.head(ctx) == "" {
		return res, nil
	}
	if res.Committed || res.Merged || res.RemoteMissing || r.ahead(ctx) {
		if _, err := r.git(ctx, "push", remoteName, "HEAD:refs/heads/"+r.branch()); err != nil {
			return res, err
		}
		res.Pushed = true
	}
	return res, nil
}

func (r *Reconciler) head(ctx context.Context) string {
	out, err := r.git(ctx, "rev-parse", "--verify", "--quiet", "HEAD")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(out)
}

// ahead reports local commits the remote branch lacks, e.g. after a
// failed push.
func (r *Reconciler) ahead(ctx context.Context) bool {
	out, err := r.git(ctx, "rev-list", "--count", remoteName+"/"+r.branch()+"..HEAD")
	if err != nil {
		return true
	}
	return strings.TrimSpace(out) != "0"
}

func (r *Reconciler) unmerged(ctx context.Context) ([]string, error) {
	out, err := r.git(ctx, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			paths = append(paths, line)
		}
	}
	return paths, nil
}

func (r *Reconciler) record(ctx context.Context, action string, result domain.Result, detail string, p audit.Payload) {
	if r.Audit == nil {
		return
	}
	if err := r.Audit.Record(context.WithoutCancel(ctx), action, r.Remote, result, detail, p); err != nil {
		r.log().Error("audit append failed", "action", action, "err", err)
	}
}

// Run syncs every interval until ctx ends. Conflicts and failures are
// logged and retried on the next tick.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if _, err := r.Sync(ctx); err != nil && ctx.Err() != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

func hasLine(out, want string) bool {
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == want {
			return true
		}
	}
	return false
}
