package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"vaultline/internal/audit"
	"vaultline/internal/domain"
	"vaultline/internal/engine/auth"
	"vaultline/internal/store"
)

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ID       string
	Channel  string
	Title    string
	Body     string
	Priority domain.Priority
}

// CreateTask deposits a new task in Needs_Action. Ids are never reused.
func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if err := e.Role.Require(auth.PermTaskCreate); err != nil {
		return domain.Task{}, err
	}
	if !channelPattern.MatchString(opts.Channel) {
		return domain.Task{}, fmt.Errorf("channel %q must be lowercase letters, digits, '_' or '-'", opts.Channel)
	}
	if opts.Priority == "" {
		opts.Priority = domain.PriorityMedium
	}
	if !opts.Priority.Valid() {
		return domain.Task{}, fmt.Errorf("priority %q invalid", opts.Priority)
	}
	now := e.now()
	t := domain.Task{
		Kind:      domain.KindTask,
		ID:        opts.ID,
		Channel:   opts.Channel,
		Title:     opts.Title,
		Priority:  opts.Priority,
		CreatedAt: now,
		Body:      opts.Body,
		Stage:     domain.StageNeedsAction,
	}
	if t.ID == "" {
		t.ID = NewTaskID(opts.Channel, now)
	}
	if isPlanName(t.ID) || isRequestName(t.ID) || strings.Contains(t.ID, claimSep) {
		return domain.Task{}, fmt.Errorf("task id %q uses a reserved prefix", t.ID)
	}
	if _, err := e.GetTask(ctx, t.ID); err == nil {
		return domain.Task{}, fmt.Errorf("task %s: %w", t.ID, store.ErrExists)
	} else if !errors.Is(err, store.ErrNotFound) && !errors.Is(err, store.ErrMalformed) {
		return domain.Task{}, err
	}
	data, err := store.EncodeTask(t)
	if err != nil {
		return domain.Task{}, err
	}
	if err := e.Writer.Create(store.At(domain.StageNeedsAction), docName(t.ID), data); err != nil {
		return domain.Task{}, err
	}
	e.record(ctx, audit.ActionTaskCreated, t.ID, domain.ResultSuccess, "", audit.Payload{"channel": t.Channel, "priority": string(t.Priority)})
	return t, nil
}

// ListTasks returns the well-formed tasks in a stage. Plans and requests
// sharing a directory are skipped.
func (e Engine) ListTasks(ctx context.Context, loc store.Loc) ([]domain.Task, error) {
	names, err := e.Store.List(loc)
	if err != nil {
		return nil, err
	}
	var out []domain.Task
	for _, name := range names {
		if isPlanName(name) || isRequestName(name) {
			continue
		}
		t, err := e.readTask(loc, name)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrMalformed) {
				continue
			}
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (e Engine) readTask(loc store.Loc, name string) (domain.Task, error) {
	data, err := e.Store.Read(loc, name)
	if err != nil {
		return domain.Task{}, err
	}
	t, err := store.DecodeTask(data)
	if err != nil {
		return domain.Task{}, fmt.Errorf("%s/%s: %w", loc, name, err)
	}
	t.Stage = loc.Stage
	return t, nil
}

// GetTask finds a task by id in any stage.
func (e Engine) GetTask(ctx context.Context, id string) (domain.Task, error) {
	for _, st := range []domain.Stage{domain.StageNeedsAction, domain.StagePlanned, domain.StageDone} {
		t, err := e.readTask(store.At(st), docName(id))
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return domain.Task{}, err
		}
	}
	roles, err := e.Store.Roles()
	if err != nil {
		return domain.Task{}, err
	}
	for _, r := range roles {
		t, err := e.readTask(store.InProgress(r), claimName(r, id))
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return domain.Task{}, err
		}
	}
	return domain.Task{}, fmt.Errorf("task %s: %w", id, store.ErrNotFound)
}

// Candidate is a task visible to this role's loop.
type Candidate struct {
	Task domain.Task
	From store.Loc
	// Claimed is set for tasks already in this role's namespace.
	Claimed bool
}

// Discover lists work for this role: tasks it already holds first, then
// tasks in its source stages ordered by priority. Malformed documents are
// quarantined.
func (e Engine) Discover(ctx context.Context) ([]Candidate, error) {
	var out []Candidate
	own, err := e.ownClaims(ctx)
	if err != nil {
		return nil, err
	}
	out = append(out, own...)

	var fresh []Candidate
	for _, st := range e.Role.Sources {
		loc := store.At(st)
		names, err := e.Store.List(loc)
		if err != nil {
			return nil, err
		}
		for _, name := range names {
			if isPlanName(name) || isRequestName(name) {
				continue
			}
			t, err := e.readTask(loc, name)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					continue
				}
				if errors.Is(err, store.ErrMalformed) {
					e.quarantine(ctx, loc, name, err)
					continue
				}
				return nil, err
			}
			fresh = append(fresh, Candidate{Task: t, From: loc})
		}
	}
	sort.SliceStable(fresh, func(i, j int) bool {
		a, b := fresh[i].Task, fresh[j].Task
		if a.Priority.Rank() != b.Priority.Rank() {
			return a.Priority.Rank() > b.Priority.Rank()
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	return append(out, fresh...), nil
}

func (e Engine) ownClaims(ctx context.Context) ([]Candidate, error) {
	loc := store.InProgress(e.Role.Name)
	names, err := e.Store.List(loc)
	if err != nil {
		return nil, err
	}
	var out []Candidate
	for _, name := range names {
		id, ok := claimedID(e.Role.Name, name)
		if !ok || isRequestName(id) {
			continue
		}
		t, err := e.readTask(loc, name)
		if err != nil {
			if errors.Is(err, store.ErrMalformed) {
				e.quarantine(ctx, loc, name, err)
				continue
			}
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, err
		}
		t.Stage = domain.StageInProgress
		out = append(out, Candidate{Task: t, From: loc, Claimed: true})
	}
	return out, nil
}

type ClaimStatus string

const (
	Claimed      ClaimStatus = "claimed"
	AlreadyTaken ClaimStatus = "already_taken"
)

// Claim takes exclusive ownership of a task by moving it into this role's
// In_Progress namespace. Losing the race is not an error.
func (e Engine) Claim(ctx context.Context, from store.Loc, taskID string) (ClaimStatus, error) {
	if err := e.Role.Require(auth.PermTaskClaim); err != nil {
		return "", err
	}
	to := store.InProgress(e.Role.Name)
	err := e.move(taskID, from, docName(taskID), to, claimName(e.Role.Name, taskID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrExists) {
			e.log().Debug("claim lost", "task", taskID, "from", from.String())
			return AlreadyTaken, nil
		}
		return "", err
	}
	e.record(ctx, audit.ActionTaskClaimed, taskID, domain.ResultSuccess, "", audit.Payload{"from": from.String()})
	return Claimed, nil
}
