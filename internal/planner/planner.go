package planner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"vaultline/internal/domain"
	"vaultline/internal/store"
)

// Result is a planner's answer for one task. Request is optional.
type Result struct {
	Plan    domain.Plan
	Request *domain.ApprovalRequest
}

// Planner turns a task into a plan. Implementations must honor ctx.
type Planner interface {
	Plan(ctx context.Context, task domain.Task) (Result, error)
}

// Func adapts a function to Planner.
type Func func(ctx context.Context, task domain.Task) (Result, error)

func (f Func) Plan(ctx context.Context, task domain.Task) (Result, error) { return f(ctx, task) }

// ErrNotConfigured is returned when no planner command is set.
var ErrNotConfigured = errors.New("planner command not configured")

// DefaultTimeout bounds a planner run when the caller sets no deadline.
const DefaultTimeout = 2 * time.Minute

// Command runs an external program per task. The task document is written
// to stdin; stdout must be a YAML or JSON object with a "plan" key and an
// optional "approval" key.
type Command struct {
	Path    string
	Args    []string
	Timeout time.Duration
	Dir     string

	// CommandContext builds the process; tests replace it.
	CommandContext func(ctx context.Context, name string, args ...string) *exec.Cmd
}

type output struct {
	Plan     planOutput     `yaml:"plan"`
	Approval *requestOutput `yaml:"approval"`
}

type planOutput struct {
	Steps      []string       `yaml:"steps"`
	ActionKind string         `yaml:"action_kind"`
	SideEffect bool           `yaml:"side_effect"`
	Amount     float64        `yaml:"amount"`
	Payload    map[string]any `yaml:"payload"`
	Body       string         `yaml:"body"`
}

type requestOutput struct {
	ActionKind string         `yaml:"action_kind"`
	Amount     float64        `yaml:"amount"`
	Payload    map[string]any `yaml:"payload"`
	Body       string         `yaml:"body"`
}

func (c Command) Plan(ctx context.Context, task domain.Task) (Result, error) {
	if c.Path == "" {
		return Result{}, ErrNotConfigured
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	doc, err := store.EncodeTask(task)
	if err != nil {
		return Result{}, err
	}
	mk := c.CommandContext
	if mk == nil {
		mk = exec.CommandContext
	}
	cmd := mk(ctx, c.Path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Stdin = bytes.NewReader(doc)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Result{}, fmt.Errorf("planner timed out after %s", timeout)
		}
		if errors.Is(ctx.Err(), context.Canceled) {
			return Result{}, errors.New("planner was cancelled")
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return Result{}, fmt.Errorf("planner failed: %w", err)
		}
		return Result{}, fmt.Errorf("planner failed: %w: %s", err, msg)
	}
	return Parse(out, task.ID)
}

// Parse decodes planner output strictly.
func Parse(data []byte, taskID string) (Result, error) {
	var o output
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&o); err != nil {
		return Result{}, fmt.Errorf("parse planner output: %w", err)
	}
	res := Result{Plan: domain.Plan{
		Kind:       domain.KindPlan,
		TaskID:     taskID,
		Steps:      o.Plan.Steps,
		ActionKind: o.Plan.ActionKind,
		SideEffect: o.Plan.SideEffect,
		Amount:     o.Plan.Amount,
		Payload:    o.Plan.Payload,
		Body:       o.Plan.Body,
	}}
	if len(res.Plan.Steps) == 0 {
		return Result{}, errors.New("planner output has no steps")
	}
	if o.Approval != nil {
		res.Request = &domain.ApprovalRequest{
			ActionKind: o.Approval.ActionKind,
			Amount:     o.Approval.Amount,
			Payload:    o.Approval.Payload,
			Body:       o.Approval.Body,
		}
	}
	return res, nil
}
