package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"vaultline/internal/audit"
	"vaultline/internal/config"
	"vaultline/internal/domain"
	"vaultline/internal/engine/auth"
	"vaultline/internal/gate"
	"vaultline/internal/store"
)

// ErrInvalidState is returned when an operation targets a document that is
// not in the stage the operation requires.
var ErrInvalidState = errors.New("invalid state")

// TransitionError describes a rejected stage transition.
type TransitionError struct {
	ID     string
	From   domain.Stage
	To     domain.Stage
	Reason string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("invalid transition %s -> %s for %s", e.From, e.To, e.ID)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *TransitionError) Unwrap() error { return ErrInvalidState }

// Engine runs lifecycle operations on behalf of one role. All writes go
// through a store handle scoped to that role's stages.
type Engine struct {
	Store  *store.Store
	Writer *store.Scoped
	Audit  *audit.Log
	Gate   gate.Gate
	Config *config.Config
	Role   auth.Role
	Logger *slog.Logger
	Now    func() time.Time
}

func New(st *store.Store, cfg *config.Config, role auth.Role, log *audit.Log) Engine {
	return Engine{
		Store:  st,
		Writer: st.Scoped(role),
		Audit:  log,
		Gate:   gate.New(cfg.Approval),
		Config: cfg,
		Role:   role,
		Logger: slog.Default(),
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) log() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

var transitions = map[domain.Stage][]domain.Stage{
	domain.StageNeedsAction: {domain.StageInProgress, domain.StageQuarantine},
	domain.StageInProgress: {
		domain.StageNeedsAction,
		domain.StagePlanned,
		domain.StagePendingApproval,
		domain.StageApproved,
		domain.StageRejected,
		domain.StageDone,
		domain.StageQuarantine,
	},
	domain.StagePlanned:         {domain.StageInProgress, domain.StageRejected, domain.StageDone, domain.StageQuarantine},
	domain.StagePendingApproval: {domain.StageInProgress, domain.StageQuarantine},
	domain.StageApproved:        {domain.StageInProgress, domain.StageQuarantine},
}

func ensureTransition(id string, from, to domain.Stage) error {
	if slices.Contains(transitions[from], to) {
		return nil
	}
	return &TransitionError{ID: id, From: from, To: to}
}

// move is the only way documents change stage.
func (e Engine) move(id string, from store.Loc, name string, to store.Loc, newName string) error {
	if err := ensureTransition(id, from.Stage, to.Stage); err != nil {
		return err
	}
	return e.Writer.Move(from, name, to, newName)
}

func (e Engine) record(ctx context.Context, action, target string, result domain.Result, errDetail string, details audit.Payload) {
	if e.Audit == nil {
		return
	}
	// Outcomes are recorded even when the item's deadline has passed.
	if err := e.Audit.Record(context.WithoutCancel(ctx), action, target, result, errDetail, details); err != nil {
		e.log().Error("audit append failed", "action", action, "target", target, "err", err)
	}
}

// quarantine moves a malformed document aside and flags it in the audit log.
func (e Engine) quarantine(ctx context.Context, loc store.Loc, name string, cause error) {
	target, err := e.Writer.Quarantine(loc, name)
	if err != nil {
		e.log().Error("quarantine failed", "stage", loc.String(), "name", name, "err", err)
		return
	}
	e.log().Error("document quarantined", "stage", loc.String(), "name", name, "err", cause)
	e.record(ctx, audit.ActionQuarantined, name, domain.ResultFail, cause.Error(), audit.Payload{"from": loc.String(), "to": target})
}

const claimSep = store.ClaimSep

func docName(id string) string { return id + store.Ext }

func claimName(role, id string) string { return role + claimSep + id + store.Ext }

// claimedID recovers the document id from a claim filename.
func claimedID(role, name string) (string, bool) {
	prefix := role + claimSep
	if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, store.Ext) {
		return "", false
	}
	return strings.TrimSuffix(strings.TrimPrefix(name, prefix), store.Ext), true
}

const (
	planPrefix    = "PLAN_"
	requestPrefix = "APPROVAL_"
)

var channelPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

func shortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// NewTaskID returns a fresh task id for a channel.
func NewTaskID(channel string, now time.Time) string {
	return fmt.Sprintf("%s_%s_%s", channel, now.Format("20060102T150405"), shortID())
}

func newPlanID(taskID string) string {
	return planPrefix + taskID + "_" + shortID()
}

// requestIDFor derives the request id from its plan so a plan never yields
// two requests.
func requestIDFor(planID string) string {
	return requestPrefix + strings.TrimPrefix(planID, planPrefix)
}

func isPlanName(name string) bool    { return strings.HasPrefix(name, planPrefix) }
func isRequestName(name string) bool { return strings.HasPrefix(name, requestPrefix) }
