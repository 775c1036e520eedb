package domain

import (
	"fmt"
	"time"
)

// Stage is a lifecycle location in the vault. The directory a document lives
// in is its stage.
type Stage string

const (
	StageNeedsAction     Stage = "needs_action"
	StageInProgress      Stage = "in_progress"
	StagePlanned         Stage = "planned"
	StagePendingApproval Stage = "pending_approval"
	StageApproved        Stage = "approved"
	StageRejected        Stage = "rejected"
	StageDone            Stage = "done"
	StageQuarantine      Stage = "quarantine"
)

var stageDirs = map[Stage]string{
	StageNeedsAction:     "Needs_Action",
	StageInProgress:      "In_Progress",
	StagePlanned:         "Plans",
	StagePendingApproval: "Pending_Approval",
	StageApproved:        "Approved",
	StageRejected:        "Rejected",
	StageDone:            "Done",
	StageQuarantine:      "Quarantine",
}

// Stages lists every stage in lifecycle order.
func Stages() []Stage {
	return []Stage{
		StageNeedsAction,
		StageInProgress,
		StagePlanned,
		StagePendingApproval,
		StageApproved,
		StageRejected,
		StageDone,
		StageQuarantine,
	}
}

// Dir returns the directory name that holds documents of this stage.
func (s Stage) Dir() string {
	return stageDirs[s]
}

func (s Stage) Valid() bool {
	_, ok := stageDirs[s]
	return ok
}

// ParseStage accepts either the stage id or its directory name.
func ParseStage(v string) (Stage, error) {
	if _, ok := stageDirs[Stage(v)]; ok {
		return Stage(v), nil
	}
	for st, dir := range stageDirs {
		if dir == v {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown stage %q", v)
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// Rank orders priorities for advisory traversal; higher runs first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	}
	return 0
}

const (
	KindTask     = "task"
	KindPlan     = "plan"
	KindApproval = "approval_request"
)

// Task is one unit of work.
type Task struct {
	Kind      string    `yaml:"kind" json:"kind"`
	ID        string    `yaml:"id" json:"id"`
	Channel   string    `yaml:"channel" json:"channel"`
	Title     string    `yaml:"title,omitempty" json:"title,omitempty"`
	Priority  Priority  `yaml:"priority" json:"priority"`
	CreatedAt time.Time `yaml:"created_at" json:"created_at" format:"date-time"`
	Body      string    `yaml:"-" json:"body,omitempty"`
	Stage     Stage     `yaml:"-" json:"stage"`
}

// Plan is the planning collaborator's output for a task. Immutable once written.
type Plan struct {
	Kind       string         `yaml:"kind" json:"kind"`
	ID         string         `yaml:"id" json:"id"`
	TaskID     string         `yaml:"task_id" json:"task_id"`
	Steps      []string       `yaml:"steps" json:"steps"`
	ActionKind string         `yaml:"action_kind" json:"action_kind"`
	SideEffect bool           `yaml:"side_effect" json:"side_effect"`
	Amount     float64        `yaml:"amount,omitempty" json:"amount,omitempty"`
	Payload    map[string]any `yaml:"payload,omitempty" json:"payload,omitempty"`
	CreatedAt  time.Time      `yaml:"created_at" json:"created_at" format:"date-time"`
	Body       string         `yaml:"-" json:"body,omitempty"`
}

type Decision string

const (
	DecisionPending  Decision = "pending"
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// ApprovalRequest is a proposed side-effecting action awaiting a decision.
type ApprovalRequest struct {
	Kind        string         `yaml:"kind" json:"kind"`
	ID          string         `yaml:"id" json:"id"`
	TaskID      string         `yaml:"task_id" json:"task_id"`
	PlanID      string         `yaml:"plan_id" json:"plan_id"`
	ActionKind  string         `yaml:"action_kind" json:"action_kind"`
	Amount      float64        `yaml:"amount,omitempty" json:"amount,omitempty"`
	Payload     map[string]any `yaml:"payload,omitempty" json:"payload,omitempty"`
	RequestedBy string         `yaml:"requested_by" json:"requested_by"`
	Executor    string         `yaml:"executor" json:"executor"`
	Policy      string         `yaml:"policy,omitempty" json:"policy,omitempty"`
	Decision    Decision       `yaml:"decision" json:"decision"`
	DecidedBy   string         `yaml:"decided_by,omitempty" json:"decided_by,omitempty"`
	DecidedAt   *time.Time     `yaml:"decided_at,omitempty" json:"decided_at,omitempty" format:"date-time"`
	Reason      string         `yaml:"reason,omitempty" json:"reason,omitempty"`
	CreatedAt   time.Time      `yaml:"created_at" json:"created_at" format:"date-time"`
	Body        string         `yaml:"-" json:"body,omitempty"`
	Stage       Stage          `yaml:"-" json:"stage"`
}

// PolicyAuto marks a request the gate allows without operator sign-off.
const PolicyAuto = "auto"

type Result string

const (
	ResultSuccess Result = "success"
	ResultFail    Result = "fail"
	ResultSkipped Result = "skipped"
)

// AuditRecord is one append-only audit log entry.
type AuditRecord struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp" format:"date-time"`
	Actor     string         `json:"actor"`
	Action    string         `json:"action"`
	Target    string         `json:"target"`
	Approval  string         `json:"approval_status,omitempty"`
	Result    Result         `json:"result"`
	Error     string         `json:"error,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Snapshot is a derived, disposable summary of the vault.
type Snapshot struct {
	GeneratedAt time.Time         `json:"generated_at" format:"date-time"`
	Role        string            `json:"role"`
	Counts      map[Stage]int     `json:"counts"`
	InProgress  map[string]int    `json:"in_progress"`
	Pending     []ApprovalRequest `json:"pending"`
	Recent      []AuditRecord     `json:"recent"`
}

// LedgerEntry is one booking written by the ledger channel. RequestID is
// unique, so re-executing a request never books twice.
type LedgerEntry struct {
	RequestID  string         `json:"request_id"`
	TaskID     string         `json:"task_id"`
	ActionKind string         `json:"action_kind"`
	Amount     float64        `json:"amount"`
	Currency   string         `json:"currency,omitempty"`
	Partner    string         `json:"partner,omitempty"`
	Memo       string         `json:"memo,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	ApprovedBy string         `json:"approved_by"`
	CreatedAt  time.Time      `json:"created_at"`
}
