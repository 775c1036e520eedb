package store

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"vaultline/internal/domain"
)

// ErrMalformed marks a document whose header fails the schema. Such
// documents are quarantined, never processed.
var ErrMalformed = errors.New("malformed document")

var fence = []byte("---\n")

// Encode renders a header and body with YAML fences.
func Encode(header any, body string) ([]byte, error) {
	data, err := yaml.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("encode header: %w", err)
	}
	var buf bytes.Buffer
	buf.Write(fence)
	buf.Write(bytes.TrimRight(data, "\n"))
	buf.WriteString("\n---\n\n")
	buf.WriteString(body)
	return buf.Bytes(), nil
}

// Decode parses the header strictly into out and returns the body.
// Unknown header keys are rejected.
func Decode(content []byte, out any) (string, error) {
	normalized := bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
	if !bytes.HasPrefix(normalized, fence) {
		return "", fmt.Errorf("%w: missing header", ErrMalformed)
	}
	parts := bytes.SplitN(normalized[len(fence):], []byte("\n---\n"), 2)
	if len(parts) < 2 {
		return "", fmt.Errorf("%w: unterminated header", ErrMalformed)
	}
	dec := yaml.NewDecoder(bytes.NewReader(parts[0]))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return strings.TrimPrefix(string(parts[1]), "\n"), nil
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

func EncodeTask(t domain.Task) ([]byte, error) {
	t.Kind = domain.KindTask
	return Encode(t, t.Body)
}

func DecodeTask(content []byte) (domain.Task, error) {
	var t domain.Task
	body, err := Decode(content, &t)
	if err != nil {
		return domain.Task{}, err
	}
	t.Body = body
	switch {
	case t.Kind != domain.KindTask:
		return domain.Task{}, malformed("kind %q is not %s", t.Kind, domain.KindTask)
	case t.ID == "":
		return domain.Task{}, malformed("task id is required")
	case t.Channel == "":
		return domain.Task{}, malformed("task %s channel is required", t.ID)
	case !t.Priority.Valid():
		return domain.Task{}, malformed("task %s priority %q invalid", t.ID, t.Priority)
	case t.CreatedAt.IsZero():
		return domain.Task{}, malformed("task %s created_at is required", t.ID)
	}
	return t, nil
}

func EncodePlan(p domain.Plan) ([]byte, error) {
	p.Kind = domain.KindPlan
	return Encode(p, p.Body)
}

func DecodePlan(content []byte) (domain.Plan, error) {
	var p domain.Plan
	body, err := Decode(content, &p)
	if err != nil {
		return domain.Plan{}, err
	}
	p.Body = body
	if err := ValidatePlan(p); err != nil {
		return domain.Plan{}, err
	}
	return p, nil
}

// ValidatePlan checks the fields every plan must carry.
func ValidatePlan(p domain.Plan) error {
	switch {
	case p.Kind != domain.KindPlan:
		return malformed("kind %q is not %s", p.Kind, domain.KindPlan)
	case p.ID == "":
		return malformed("plan id is required")
	case p.TaskID == "":
		return malformed("plan %s task_id is required", p.ID)
	case p.SideEffect && p.ActionKind == "":
		return malformed("plan %s declares a side effect without action_kind", p.ID)
	case p.Amount < 0:
		return malformed("plan %s amount is negative", p.ID)
	}
	return nil
}

func EncodeRequest(r domain.ApprovalRequest) ([]byte, error) {
	r.Kind = domain.KindApproval
	return Encode(r, r.Body)
}

func DecodeRequest(content []byte) (domain.ApprovalRequest, error) {
	var r domain.ApprovalRequest
	body, err := Decode(content, &r)
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	r.Body = body
	switch {
	case r.Kind != domain.KindApproval:
		return domain.ApprovalRequest{}, malformed("kind %q is not %s", r.Kind, domain.KindApproval)
	case r.ID == "":
		return domain.ApprovalRequest{}, malformed("request id is required")
	case r.TaskID == "" || r.PlanID == "":
		return domain.ApprovalRequest{}, malformed("request %s must reference task and plan", r.ID)
	case r.ActionKind == "":
		return domain.ApprovalRequest{}, malformed("request %s action_kind is required", r.ID)
	case r.RequestedBy == "":
		return domain.ApprovalRequest{}, malformed("request %s requested_by is required", r.ID)
	}
	switch r.Decision {
	case domain.DecisionPending, domain.DecisionApproved, domain.DecisionRejected:
	default:
		return domain.ApprovalRequest{}, malformed("request %s decision %q invalid", r.ID, r.Decision)
	}
	if r.Decision != domain.DecisionPending && (r.DecidedBy == "" || r.DecidedAt == nil) {
		return domain.ApprovalRequest{}, malformed("request %s decided without decided_by/decided_at", r.ID)
	}
	return r, nil
}
