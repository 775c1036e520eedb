// Package server exposes the approvals API over HTTP.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"vaultline/internal/audit"
	"vaultline/internal/dashboard"
	"vaultline/internal/domain"
	"vaultline/internal/engine"
	"vaultline/internal/engine/auth"
	"vaultline/internal/repo"
	"vaultline/internal/store"
)

// EngineFunc resolves the engine acting for a configured role. It must
// return the same audit log for a role on every call.
type EngineFunc func(role string) (engine.Engine, error)

// Config for the HTTP API handler.
type Config struct {
	Engines  EngineFunc
	BasePath string
	Auth     AuthConfig
	// Recent is the number of audit records in /status snapshots.
	Recent int
	// Ledger is optional; without it the ledger routes answer 404.
	Ledger *repo.Repo
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_state"`
	Message string         `json:"message" example:"request APPROVAL_x is not pending"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"stage\":\"approved\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the vaultline API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engines == nil {
		return nil, errors.New("server: engine resolver required")
	}
	if strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
		return nil, errors.New("server: jwt secret required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Recent <= 0 {
		cfg.Recent = 10
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Vaultline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	h := &handlers{cfg: cfg}
	registerDocs(router, basePath)
	registerHealth(group)
	h.registerStatus(group)
	h.registerTasks(group)
	h.registerApprovals(group)
	h.registerAudit(group)
	h.registerLedger(group)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

type handlers struct {
	cfg Config
}

// engineFor resolves the caller's engine. Unknown roles are treated as bad
// credentials.
func (h *handlers) engineFor(ctx context.Context) (engine.Engine, Principal, error) {
	p, authErr := principalFromContext(ctx)
	if authErr != nil {
		return engine.Engine{}, p, authErr
	}
	e, err := h.cfg.Engines(p.Role)
	if err != nil {
		return engine.Engine{}, p, newAPIError(http.StatusUnauthorized, "invalid_credentials", "unknown role", map[string]any{"role": p.Role})
	}
	return e, p, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) error {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	var fse auth.ForbiddenStageError
	if errors.As(err, &fse) {
		return newAPIError(http.StatusForbidden, "forbidden_stage", err.Error(), map[string]any{"stage": string(fse.Stage)})
	}
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var te *engine.TransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusConflict, "invalid_state", err.Error(), map[string]any{"from": string(te.From), "to": string(te.To)})
	}
	if errors.Is(err, engine.ErrInvalidState) {
		return newAPIError(http.StatusConflict, "invalid_state", err.Error(), nil)
	}
	if errors.Is(err, store.ErrExists) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	if errors.Is(err, store.ErrMalformed) {
		return newAPIError(http.StatusUnprocessableEntity, "malformed_document", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid"),
		strings.Contains(lowered, "required"),
		strings.Contains(lowered, "must be"),
		strings.Contains(lowered, "unknown"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Vaultline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; (see vl token issue).
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func (h *handlers) registerStatus(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Vault snapshot",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		e, p, err := h.engineFor(ctx)
		if err != nil {
			return nil, err
		}
		now := time.Now
		if e.Now != nil {
			now = e.Now
		}
		snap, err := dashboard.Build(e.Store, e.Audit.Dir, p.Role, h.cfg.Recent, now().UTC())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: StatusResponse{Role: p.Role, Actor: p.ActorID, HighTrust: e.Role.HighTrust(), Snapshot: snap}}, nil
	})
}

func parseStageParam(v string, def domain.Stage) (domain.Stage, error) {
	if v == "" {
		return def, nil
	}
	st, err := domain.ParseStage(v)
	if err != nil {
		return "", newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"stage": v})
	}
	return st, nil
}

func (h *handlers) registerTasks(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks in a stage",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Stage string `query:"stage" doc:"stage id or directory name; defaults to needs_action"`
		Role  string `query:"role" doc:"in_progress namespace; all roles when empty"`
	}) (*struct {
		Body []domain.Task `json:"body"`
	}, error) {
		e, _, err := h.engineFor(ctx)
		if err != nil {
			return nil, err
		}
		stage, err := parseStageParam(input.Stage, domain.StageNeedsAction)
		if err != nil {
			return nil, err
		}
		var items []domain.Task
		if stage == domain.StageInProgress {
			roles := []string{input.Role}
			if input.Role == "" {
				if roles, err = e.Store.Roles(); err != nil {
					return nil, handleError(err)
				}
			}
			for _, r := range roles {
				tasks, err := e.ListTasks(ctx, store.InProgress(r))
				if err != nil {
					return nil, handleError(err)
				}
				items = append(items, tasks...)
			}
		} else if items, err = e.ListTasks(ctx, store.At(stage)); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Task `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Channel == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "channel is required", nil)
		}
		e, _, err := h.engineFor(ctx)
		if err != nil {
			return nil, err
		}
		opts := engine.TaskCreateOptions{
			Channel:  input.Body.Channel,
			Title:    input.Body.Title,
			Body:     input.Body.Body,
			Priority: domain.Priority(input.Body.Priority),
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		t, err := e.CreateTask(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		e, _, err := h.engineFor(ctx)
		if err != nil {
			return nil, err
		}
		t, err := e.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "replan-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/replan",
		Summary:     "Reopen a task whose request was rejected",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		TaskID string        `path:"task_id"`
		Body   ReplanRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		e, _, err := h.engineFor(ctx)
		if err != nil {
			return nil, err
		}
		if err := e.Replan(ctx, input.TaskID, input.Body.Reason); err != nil {
			return nil, handleError(err)
		}
		t, err := e.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})
}

func (h *handlers) registerApprovals(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-approvals",
		Method:      http.MethodGet,
		Path:        "/approvals",
		Summary:     "List approval requests in a stage",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Stage string `query:"stage" doc:"defaults to pending_approval"`
	}) (*struct {
		Body []domain.ApprovalRequest `json:"body"`
	}, error) {
		e, _, err := h.engineFor(ctx)
		if err != nil {
			return nil, err
		}
		stage, err := parseStageParam(input.Stage, domain.StagePendingApproval)
		if err != nil {
			return nil, err
		}
		items, err := e.ListRequests(ctx, stage)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ApprovalRequest `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-approval",
		Method:      http.MethodGet,
		Path:        "/approvals/{request_id}",
		Summary:     "Get approval request",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RequestID string `path:"request_id"`
	}) (*struct {
		Body domain.ApprovalRequest `json:"body"`
	}, error) {
		e, _, err := h.engineFor(ctx)
		if err != nil {
			return nil, err
		}
		r, err := e.GetRequest(ctx, input.RequestID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ApprovalRequest `json:"body"`
		}{Body: r}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decide-approval",
		Method:      http.MethodPost,
		Path:        "/approvals/{request_id}/decision",
		Summary:     "Approve or reject a pending request",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		RequestID string          `path:"request_id"`
		Body      DecisionRequest `json:"body"`
	}) (*struct {
		Body domain.ApprovalRequest `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		e, p, err := h.engineFor(ctx)
		if err != nil {
			return nil, err
		}
		decision := domain.Decision(input.Body.Decision)
		if decision != domain.DecisionApproved && decision != domain.DecisionRejected {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "decision must be approved or rejected", nil)
		}
		r, err := e.Decide(ctx, input.RequestID, decision, input.Body.Reason, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ApprovalRequest `json:"body"`
		}{Body: r}, nil
	})
}

func (h *handlers) registerAudit(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-audit",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "Recent audit records, oldest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Limit  int    `query:"limit" default:"50"`
		Target string `query:"target" doc:"only records for this document id"`
	}) (*struct {
		Body []domain.AuditRecord `json:"body"`
	}, error) {
		e, _, err := h.engineFor(ctx)
		if err != nil {
			return nil, err
		}
		limit := normalizeLimit(input.Limit)
		var items []domain.AuditRecord
		if input.Target == "" {
			items, err = audit.Tail(e.Audit.Dir, limit)
		} else {
			err = audit.Scan(e.Audit.Dir, time.Time{}, func(rec domain.AuditRecord) bool {
				if rec.Target == input.Target {
					items = append(items, rec)
				}
				return true
			})
			if len(items) > limit {
				items = items[len(items)-limit:]
			}
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.AuditRecord `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})
}

func (h *handlers) registerLedger(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-ledger",
		Method:      http.MethodGet,
		Path:        "/ledger",
		Summary:     "Ledger entries booked by executed requests, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedLedger `json:"body"`
	}, error) {
		if _, _, err := h.engineFor(ctx); err != nil {
			return nil, err
		}
		if h.cfg.Ledger == nil {
			return nil, newAPIError(http.StatusNotFound, "not_found", "no ledger configured", nil)
		}
		limit := normalizeLimit(input.Limit)
		ts, id, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := h.cfg.Ledger.ListEntries(ctx, limit+1, ts, id)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedLedger{Items: []domain.LedgerEntry{}}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.RequestID)
			items = items[:limit]
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedLedger `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "ledger-totals",
		Method:      http.MethodGet,
		Path:        "/ledger/totals",
		Summary:     "Booked amounts per currency",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ledgerTotals `json:"body"`
	}, error) {
		if _, _, err := h.engineFor(ctx); err != nil {
			return nil, err
		}
		if h.cfg.Ledger == nil {
			return nil, newAPIError(http.StatusNotFound, "not_found", "no ledger configured", nil)
		}
		totals, err := h.cfg.Ledger.Totals(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ledgerTotals `json:"body"`
		}{Body: ledgerTotals{Totals: totals}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func parseCompositeCursor(cursor string) (time.Time, string, error) {
	if cursor == "" {
		return time.Time{}, "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return time.Time{}, "", fmt.Errorf("invalid cursor")
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", fmt.Errorf("invalid cursor: %w", err)
	}
	return ts, parts[1], nil
}

func composeCursor(ts time.Time, id string) string {
	if ts.IsZero() || id == "" {
		return ""
	}
	return ts.UTC().Format(time.RFC3339Nano) + "|" + id
}
