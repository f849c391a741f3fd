package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"casetrail/internal/domain"
	"casetrail/internal/engine"
	"casetrail/internal/engine/auth"
	"casetrail/internal/orchestrate"
	"casetrail/internal/repo"
	"casetrail/internal/status"
)

// Config for the HTTP API handler.
type Config struct {
	Engine       engine.Engine
	Orchestrator *orchestrate.Orchestrator
	BasePath     string
	Auth         AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"action approve_prd is not valid while status is INTAKE"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Casetrail API. The context bounds
// the background webhook dispatcher: cancel it on shutdown.
func New(ctx context.Context, cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Casetrail API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerCases(group, cfg.Engine, cfg.Orchestrator)
	registerDraftSections(group, cfg.Engine, cfg.Orchestrator)
	registerEstimateSections(group, cfg.Engine, cfg.Orchestrator)
	registerFinal(group, cfg.Engine, cfg.Orchestrator)
	registerRateCards(group, cfg.Engine)
	registerRBAC(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerMe(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(ctx, cfg.Engine)

	return router, nil
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

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var it *status.InvalidTransitionError
	if errors.As(err, &it) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{
			"status": string(it.Current),
			"action": string(it.Action),
		})
	}
	var ue *status.UnauthorizedError
	if errors.As(err, &ue) {
		return newAPIError(http.StatusForbidden, "unauthorized", err.Error(), map[string]any{
			"action": string(ue.Action),
			"reason": ue.Reason,
		})
	}
	if errors.Is(err, repo.ErrConcurrentModification) {
		return newAPIError(http.StatusConflict, "concurrent_modification", "the case changed since it was read; reload and retry", nil)
	}
	var af *orchestrate.AgentFailureError
	if errors.As(err, &af) {
		return newAPIError(http.StatusBadGateway, "agent_failure", err.Error(), map[string]any{
			"effect": string(af.Effect),
		})
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	var ve *engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", ve.Msg, nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(st int) string {
	switch st {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusBadGateway:
		return "agent_failure"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(st), " ", "_"))
	}
}

// enginePrincipal maps the authenticated HTTP principal into the workflow
// principal, merging token roles with the store's role assignments.
func enginePrincipal(ctx context.Context, e engine.Engine) (engine.Principal, huma.StatusError) {
	p, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return engine.Principal{}, authErr
	}
	storeRoles, err := e.Auth.ActorRoles(ctx, p.ActorID)
	if err != nil {
		return engine.Principal{}, handleError(err)
	}
	return engine.Principal{
		ActorID: p.ActorID,
		Roles:   auth.MergeRoles(p.Roles, storeRoles),
	}, nil
}

func hasPermission(perms []string, perm string) bool {
	for _, p := range perms {
		if p == perm {
			return true
		}
	}
	return false
}

func requirePermission(ctx context.Context, e engine.Engine, perm string) error {
	principal, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return authErr
	}
	if hasPermission(principal.Permissions, perm) {
		return nil
	}
	ok, err := e.Auth.ActorHasPermission(ctx, principal.ActorID, perm)
	if err != nil {
		return err
	}
	if !ok {
		return auth.ForbiddenError{Permission: perm}
	}
	return nil
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
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
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
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
    <title>Casetrail API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
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

type caseOut struct {
	Body domain.BusinessCase
}

// caseActionFn runs one workflow action and reports any effects the
// orchestrator should dispatch.
type caseActionFn func(ctx context.Context, p engine.Principal, caseID string, version int64) (domain.BusinessCase, []status.Effect, error)

// registerCaseAction wires a POST endpoint for a workflow action: run the
// engine method, dispatch effects synchronously, return the final case.
func registerCaseAction(api huma.API, e engine.Engine, orch *orchestrate.Orchestrator, opID, routePath, summary string, fn caseActionFn) {
	type input struct {
		CaseID string            `path:"case_id"`
		Body   CaseActionRequest `required:"false"`
	}
	huma.Register(api, huma.Operation{
		OperationID: opID,
		Method:      http.MethodPost,
		Path:        routePath,
		Summary:     summary,
	}, func(ctx context.Context, in *input) (*caseOut, error) {
		p, authErr := enginePrincipal(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		c, effects, err := fn(ctx, p, in.CaseID, in.Body.Version)
		if err != nil {
			return nil, handleError(err)
		}
		if orch != nil && len(effects) > 0 {
			if err := orch.OnTransition(ctx, in.CaseID, effects); err != nil {
				return nil, handleError(err)
			}
			c, err = e.Repo.GetCase(ctx, in.CaseID)
			if err != nil {
				return nil, handleError(err)
			}
		}
		return &caseOut{Body: c}, nil
	})
}

func registerCases(api huma.API, e engine.Engine, orch *orchestrate.Orchestrator) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-case",
		Method:        http.MethodPost,
		Path:          "/cases",
		Summary:       "Create business case",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, in *struct {
		Body CreateCaseRequest
	}) (*caseOut, error) {
		p, authErr := enginePrincipal(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.CreateCase(ctx, p, in.Body.Title, in.Body.ProblemStatement, in.Body.RelevantLinks)
		if err != nil {
			return nil, handleError(err)
		}
		return &caseOut{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-cases",
		Method:      http.MethodGet,
		Path:        "/cases",
		Summary:     "List business cases",
	}, func(ctx context.Context, in *struct {
		Status string `query:"status"`
		Owner  string `query:"owner"`
		Limit  int    `query:"limit"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedCases
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		f := repo.CaseFilters{Status: in.Status, OwnerID: in.Owner, Limit: in.Limit}
		if in.Cursor != "" {
			createdAt, id, ok := decodeCursor(in.Cursor)
			if !ok {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", nil)
			}
			f.CursorCreatedAt, f.CursorID = createdAt, id
		}
		cases, err := e.Repo.ListCases(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		out := paginatedCases{Items: nonNilSlice(cases)}
		if in.Limit > 0 && len(cases) == in.Limit {
			last := cases[len(cases)-1]
			out.NextCursor = encodeCursor(last.CreatedAt, last.ID)
		}
		return &struct {
			Body paginatedCases
		}{Body: out}, nil
	})

	type casePath struct {
		CaseID string `path:"case_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "get-case",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}",
		Summary:     "Get business case",
	}, func(ctx context.Context, in *casePath) (*caseOut, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		c, err := e.Repo.GetCase(ctx, in.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &caseOut{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "case-history",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}/history",
		Summary:     "Case audit log",
	}, func(ctx context.Context, in *struct {
		CaseID string `path:"case_id"`
		Limit  int    `query:"limit"`
		Cursor int64  `query:"cursor"`
	}) (*struct {
		Body paginatedHistory
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		if _, err := e.Repo.GetCase(ctx, in.CaseID); err != nil {
			return nil, handleError(err)
		}
		entries, err := e.Repo.ListHistory(ctx, in.CaseID, in.Limit, in.Cursor)
		if err != nil {
			return nil, handleError(err)
		}
		out := paginatedHistory{Items: []HistoryEntryResponse{}}
		for _, entry := range entries {
			out.Items = append(out.Items, historyEntryResponse(entry))
		}
		if in.Limit > 0 && len(entries) == in.Limit {
			out.NextCursor = strconv.FormatInt(entries[len(entries)-1].ID, 10)
		}
		return &struct {
			Body paginatedHistory
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "case-actions",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}/actions",
		Summary:     "Actions the caller may perform now",
	}, func(ctx context.Context, in *casePath) (*struct {
		Body struct {
			Actions []string `json:"actions"`
		}
	}, error) {
		p, authErr := enginePrincipal(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		actions, err := e.AllowedActions(ctx, p, in.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Actions []string `json:"actions"`
			}
		}{}
		out.Body.Actions = []string{}
		for _, a := range actions {
			out.Body.Actions = append(out.Body.Actions, string(a))
		}
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "export-case",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}/export",
		Summary:     "Consolidated case document (markdown)",
	}, func(ctx context.Context, in *casePath) (*struct {
		ContentType string `header:"Content-Type"`
		Body        []byte
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		doc, err := e.ExportMarkdown(ctx, in.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			ContentType string `header:"Content-Type"`
			Body        []byte
		}{ContentType: "text/markdown; charset=utf-8", Body: []byte(doc)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "retry-case",
		Method:      http.MethodPost,
		Path:        "/cases/{case_id}/retry",
		Summary:     "Re-run the agent for the current stage",
	}, func(ctx context.Context, in *casePath) (*caseOut, error) {
		if _, authErr := enginePrincipal(ctx, e); authErr != nil {
			return nil, authErr
		}
		if orch == nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", "orchestrator not configured", nil)
		}
		if err := orch.Retry(ctx, in.CaseID); err != nil {
			return nil, handleError(err)
		}
		c, err := e.Repo.GetCase(ctx, in.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &caseOut{Body: c}, nil
	})

	registerCaseAction(api, e, orch, "generate-prd", "/cases/{case_id}/prd/generate", "Start PRD drafting",
		func(ctx context.Context, p engine.Principal, caseID string, version int64) (domain.BusinessCase, []status.Effect, error) {
			return e.RequestPRDDraft(ctx, p, caseID, version)
		})
}

func registerDraftSections(api huma.API, e engine.Engine, orch *orchestrate.Orchestrator) {
	type section struct {
		kind  string
		route string
		slug  string
	}
	for _, s := range []section{
		{kind: engine.DraftKindPRD, route: "/cases/{case_id}/prd", slug: "prd"},
		{kind: engine.DraftKindSystemDesign, route: "/cases/{case_id}/system-design", slug: "system-design"},
	} {
		kind := s.kind

		huma.Register(api, huma.Operation{
			OperationID: "get-" + s.slug,
			Method:      http.MethodGet,
			Path:        s.route,
			Summary:     "Get " + s.slug + " draft",
		}, func(ctx context.Context, in *struct {
			CaseID string `path:"case_id"`
		}) (*struct {
			Body domain.Draft
		}, error) {
			if _, authErr := principalFromRequest(ctx); authErr != nil {
				return nil, authErr
			}
			d, err := e.Repo.GetDraft(ctx, in.CaseID, kind)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body domain.Draft
			}{Body: d}, nil
		})

		huma.Register(api, huma.Operation{
			OperationID: "update-" + s.slug,
			Method:      http.MethodPut,
			Path:        s.route,
			Summary:     "Edit " + s.slug + " draft",
		}, func(ctx context.Context, in *struct {
			CaseID string `path:"case_id"`
			Body   UpdateDraftRequest
		}) (*caseOut, error) {
			p, authErr := enginePrincipal(ctx, e)
			if authErr != nil {
				return nil, authErr
			}
			c, err := e.UpdateDraft(ctx, p, in.CaseID, kind, in.Body.ContentMarkdown, in.Body.Version)
			if err != nil {
				return nil, handleError(err)
			}
			return &caseOut{Body: c}, nil
		})

		registerCaseAction(api, e, orch, "submit-"+s.slug, s.route+"/submit", "Submit "+s.slug+" for review",
			func(ctx context.Context, p engine.Principal, caseID string, version int64) (domain.BusinessCase, []status.Effect, error) {
				return e.SubmitDraft(ctx, p, caseID, kind, version)
			})

		decide := e.DecidePRD
		if kind == engine.DraftKindSystemDesign {
			decide = e.DecideSystemDesign
		}
		registerCaseAction(api, e, orch, "approve-"+s.slug, s.route+"/approve", "Approve "+s.slug,
			func(ctx context.Context, p engine.Principal, caseID string, version int64) (domain.BusinessCase, []status.Effect, error) {
				return decide(ctx, p, caseID, true, version)
			})
		registerCaseAction(api, e, orch, "reject-"+s.slug, s.route+"/reject", "Reject "+s.slug,
			func(ctx context.Context, p engine.Principal, caseID string, version int64) (domain.BusinessCase, []status.Effect, error) {
				return decide(ctx, p, caseID, false, version)
			})
	}
}

func registerEstimateSections(api huma.API, e engine.Engine, orch *orchestrate.Orchestrator) {
	type casePath struct {
		CaseID string `path:"case_id"`
	}

	// Effort estimate
	huma.Register(api, huma.Operation{
		OperationID: "get-effort-estimate",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}/effort-estimate",
		Summary:     "Get effort estimate",
	}, func(ctx context.Context, in *casePath) (*struct {
		Body domain.EffortEstimate
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		est, err := e.Repo.GetEffortEstimate(ctx, in.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.EffortEstimate
		}{Body: est}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-effort-estimate",
		Method:      http.MethodPut,
		Path:        "/cases/{case_id}/effort-estimate",
		Summary:     "Edit effort estimate",
	}, func(ctx context.Context, in *struct {
		CaseID string `path:"case_id"`
		Body   UpdateEffortRequest
	}) (*caseOut, error) {
		p, authErr := enginePrincipal(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.UpdateEffort(ctx, p, in.CaseID, effortFromRequest(in.Body), in.Body.Version)
		if err != nil {
			return nil, handleError(err)
		}
		return &caseOut{Body: c}, nil
	})

	registerCaseAction(api, e, orch, "submit-effort-estimate", "/cases/{case_id}/effort-estimate/submit", "Submit effort estimate for review",
		func(ctx context.Context, p engine.Principal, caseID string, version int64) (domain.BusinessCase, []status.Effect, error) {
			return e.SubmitEffort(ctx, p, caseID, version)
		})
	registerCaseAction(api, e, orch, "approve-effort-estimate", "/cases/{case_id}/effort-estimate/approve", "Approve effort estimate",
		func(ctx context.Context, p engine.Principal, caseID string, version int64) (domain.BusinessCase, []status.Effect, error) {
			return e.DecideEffort(ctx, p, caseID, true, version)
		})
	registerCaseAction(api, e, orch, "reject-effort-estimate", "/cases/{case_id}/effort-estimate/reject", "Reject effort estimate",
		func(ctx context.Context, p engine.Principal, caseID string, version int64) (domain.BusinessCase, []status.Effect, error) {
			return e.DecideEffort(ctx, p, caseID, false, version)
		})

	// Cost estimate
	huma.Register(api, huma.Operation{
		OperationID: "get-cost-estimate",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}/cost-estimate",
		Summary:     "Get cost estimate",
	}, func(ctx context.Context, in *casePath) (*struct {
		Body domain.CostEstimate
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		est, err := e.Repo.GetCostEstimate(ctx, in.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.CostEstimate
		}{Body: est}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-cost-estimate",
		Method:      http.MethodPut,
		Path:        "/cases/{case_id}/cost-estimate",
		Summary:     "Edit cost estimate",
	}, func(ctx context.Context, in *struct {
		CaseID string `path:"case_id"`
		Body   UpdateCostRequest
	}) (*caseOut, error) {
		p, authErr := enginePrincipal(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.UpdateCost(ctx, p, in.CaseID, costFromRequest(in.Body), in.Body.Version)
		if err != nil {
			return nil, handleError(err)
		}
		return &caseOut{Body: c}, nil
	})

	registerCaseAction(api, e, orch, "submit-cost-estimate", "/cases/{case_id}/cost-estimate/submit", "Submit cost estimate for review",
		func(ctx context.Context, p engine.Principal, caseID string, version int64) (domain.BusinessCase, []status.Effect, error) {
			return e.SubmitCost(ctx, p, caseID, version)
		})
	registerCaseAction(api, e, orch, "approve-cost-estimate", "/cases/{case_id}/cost-estimate/approve", "Approve cost estimate",
		func(ctx context.Context, p engine.Principal, caseID string, version int64) (domain.BusinessCase, []status.Effect, error) {
			return e.DecideCost(ctx, p, caseID, true, version)
		})
	registerCaseAction(api, e, orch, "reject-cost-estimate", "/cases/{case_id}/cost-estimate/reject", "Reject cost estimate",
		func(ctx context.Context, p engine.Principal, caseID string, version int64) (domain.BusinessCase, []status.Effect, error) {
			return e.DecideCost(ctx, p, caseID, false, version)
		})

	// Value projection
	huma.Register(api, huma.Operation{
		OperationID: "get-value-projection",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}/value-projection",
		Summary:     "Get value projection",
	}, func(ctx context.Context, in *casePath) (*struct {
		Body domain.ValueProjection
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		proj, err := e.Repo.GetValueProjection(ctx, in.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ValueProjection
		}{Body: proj}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-value-projection",
		Method:      http.MethodPut,
		Path:        "/cases/{case_id}/value-projection",
		Summary:     "Edit value projection",
	}, func(ctx context.Context, in *struct {
		CaseID string `path:"case_id"`
		Body   UpdateValueRequest
	}) (*caseOut, error) {
		p, authErr := enginePrincipal(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.UpdateValue(ctx, p, in.CaseID, valueFromRequest(in.Body), in.Body.Version)
		if err != nil {
			return nil, handleError(err)
		}
		return &caseOut{Body: c}, nil
	})

	registerCaseAction(api, e, orch, "submit-value-projection", "/cases/{case_id}/value-projection/submit", "Submit value projection for review",
		func(ctx context.Context, p engine.Principal, caseID string, version int64) (domain.BusinessCase, []status.Effect, error) {
			return e.SubmitValue(ctx, p, caseID, version)
		})
	registerCaseAction(api, e, orch, "approve-value-projection", "/cases/{case_id}/value-projection/approve", "Approve value projection",
		func(ctx context.Context, p engine.Principal, caseID string, version int64) (domain.BusinessCase, []status.Effect, error) {
			return e.DecideValue(ctx, p, caseID, true, version)
		})
	registerCaseAction(api, e, orch, "reject-value-projection", "/cases/{case_id}/value-projection/reject", "Reject value projection",
		func(ctx context.Context, p engine.Principal, caseID string, version int64) (domain.BusinessCase, []status.Effect, error) {
			return e.DecideValue(ctx, p, caseID, false, version)
		})

	// Financial summary (read-only; derived)
	huma.Register(api, huma.Operation{
		OperationID: "get-financial-summary",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}/financial-summary",
		Summary:     "Get derived financial summary",
	}, func(ctx context.Context, in *casePath) (*struct {
		Body domain.FinancialSummary
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		s, err := e.Repo.GetFinancialSummary(ctx, in.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.FinancialSummary
		}{Body: s}, nil
	})
}

func registerFinal(api huma.API, e engine.Engine, orch *orchestrate.Orchestrator) {
	registerCaseAction(api, e, orch, "submit-final-approval", "/cases/{case_id}/submit-final-approval", "Send the case to the final approver",
		func(ctx context.Context, p engine.Principal, caseID string, version int64) (domain.BusinessCase, []status.Effect, error) {
			return e.SubmitFinalApproval(ctx, p, caseID, version)
		})
	registerCaseAction(api, e, orch, "approve-final", "/cases/{case_id}/final/approve", "Approve the business case",
		func(ctx context.Context, p engine.Principal, caseID string, version int64) (domain.BusinessCase, []status.Effect, error) {
			return e.DecideFinal(ctx, p, caseID, true, version)
		})
	registerCaseAction(api, e, orch, "reject-final", "/cases/{case_id}/final/reject", "Reject the business case",
		func(ctx context.Context, p engine.Principal, caseID string, version int64) (domain.BusinessCase, []status.Effect, error) {
			return e.DecideFinal(ctx, p, caseID, false, version)
		})
}

func registerRateCards(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-rate-cards",
		Method:      http.MethodGet,
		Path:        "/rate-cards",
		Summary:     "List rate cards",
	}, func(ctx context.Context, in *struct {
		Active bool `query:"active"`
	}) (*struct {
		Body struct {
			Items []domain.RateCard `json:"items"`
		}
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		cards, err := e.Repo.ListRateCards(ctx, in.Active)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Items []domain.RateCard `json:"items"`
			}
		}{}
		out.Body.Items = nonNilSlice(cards)
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "upsert-rate-card",
		Method:      http.MethodPut,
		Path:        "/rate-cards/{name}",
		Summary:     "Create or update a rate card",
	}, func(ctx context.Context, in *struct {
		Name string `path:"name"`
		Body UpsertRateCardRequest
	}) (*struct {
		Body domain.RateCard
	}, error) {
		if err := requirePermission(ctx, e, auth.PermManageRateCards); err != nil {
			return nil, handleError(err)
		}
		if in.Body.Currency == "" || len(in.Body.Rates) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "currency and rates are required", nil)
		}
		now := time.Now().UTC().Format(time.RFC3339)
		card := domain.RateCard{
			ID:        uuid.NewString(),
			Name:      in.Name,
			Currency:  in.Body.Currency,
			Rates:     in.Body.Rates,
			IsDefault: in.Body.IsDefault,
			IsActive:  true,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if existing, err := e.Repo.GetRateCardByName(ctx, in.Name); err == nil {
			card.ID = existing.ID
			card.CreatedAt = existing.CreatedAt
		} else if err != repo.ErrNotFound {
			return nil, handleError(err)
		}
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return nil, handleError(err)
		}
		defer tx.Rollback()
		if err := e.Repo.UpsertRateCard(ctx, tx, card); err != nil {
			return nil, handleError(err)
		}
		if err := tx.Commit(); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.RateCard
		}{Body: card}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "deactivate-rate-card",
		Method:      http.MethodDelete,
		Path:        "/rate-cards/{rate_card_id}",
		Summary:     "Deactivate a rate card",
	}, func(ctx context.Context, in *struct {
		RateCardID string `path:"rate_card_id"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, auth.PermManageRateCards); err != nil {
			return nil, handleError(err)
		}
		if err := e.Repo.DeactivateRateCard(ctx, in.RateCardID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "deactivated"}}, nil
	})
}

func registerRBAC(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "assign-role",
		Method:      http.MethodPost,
		Path:        "/rbac/roles/{role_id}/assign",
		Summary:     "Assign a role to an actor",
	}, func(ctx context.Context, in *struct {
		RoleID string `path:"role_id"`
		Body   RoleAssignmentRequest
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, auth.PermManageRoles); err != nil {
			return nil, handleError(err)
		}
		if strings.TrimSpace(in.Body.ActorID) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return nil, handleError(err)
		}
		defer tx.Rollback()
		if err := e.Auth.EnsureActor(ctx, tx, in.Body.ActorID); err != nil {
			return nil, handleError(err)
		}
		if err := e.Repo.InsertRole(ctx, tx, in.RoleID, ""); err != nil {
			return nil, handleError(err)
		}
		if err := e.Repo.AssignRole(ctx, tx, in.Body.ActorID, in.RoleID); err != nil {
			return nil, handleError(err)
		}
		if err := tx.Commit(); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "assigned"}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revoke-role",
		Method:      http.MethodPost,
		Path:        "/rbac/roles/{role_id}/revoke",
		Summary:     "Revoke a role from an actor",
	}, func(ctx context.Context, in *struct {
		RoleID string `path:"role_id"`
		Body   RoleAssignmentRequest
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, auth.PermManageRoles); err != nil {
			return nil, handleError(err)
		}
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return nil, handleError(err)
		}
		defer tx.Rollback()
		if err := e.Repo.RevokeRole(ctx, tx, in.Body.ActorID, in.RoleID); err != nil {
			return nil, handleError(err)
		}
		if err := tx.Commit(); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "revoked"}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-role-assignments",
		Method:      http.MethodGet,
		Path:        "/rbac/assignments",
		Summary:     "List role assignments",
	}, func(ctx context.Context, in *struct {
		Actor string `query:"actor"`
	}) (*struct {
		Body map[string][]string `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, auth.PermManageRoles); err != nil {
			return nil, handleError(err)
		}
		assignments, err := e.Repo.ListRoleAssignments(ctx, in.Actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string][]string `json:"body"`
		}{Body: assignments}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/auth/api-keys",
		Summary:       "Mint an API key",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, in *struct {
		Body CreateAPIKeyRequest
	}) (*struct {
		Body APIKeyCreatedResponse
	}, error) {
		if err := requirePermission(ctx, e, auth.PermMintKeys); err != nil {
			return nil, handleError(err)
		}
		if strings.TrimSpace(in.Body.ActorID) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		secret := uuid.NewString() + uuid.NewString()
		now := time.Now().UTC().Format(time.RFC3339)
		key := domain.APIKey{
			ID:        uuid.NewString(),
			ActorID:   in.Body.ActorID,
			Name:      in.Body.Name,
			KeyHash:   repo.HashAPIKey(secret),
			CreatedAt: now,
		}
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return nil, handleError(err)
		}
		defer tx.Rollback()
		if err := e.Auth.EnsureActor(ctx, tx, key.ActorID); err != nil {
			return nil, handleError(err)
		}
		if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
			return nil, handleError(err)
		}
		if err := tx.Commit(); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyCreatedResponse
		}{Body: APIKeyCreatedResponse{
			ID:        key.ID,
			ActorID:   key.ActorID,
			Name:      key.Name,
			Key:       secret,
			CreatedAt: key.CreatedAt,
		}}, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Authenticated principal",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body struct {
			ActorID string   `json:"actor_id"`
			Roles   []string `json:"roles"`
			Source  string   `json:"source"`
		}
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		storeRoles, err := e.Auth.ActorRoles(ctx, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				ActorID string   `json:"actor_id"`
				Roles   []string `json:"roles"`
				Source  string   `json:"source"`
			}
		}{}
		out.Body.ActorID = p.ActorID
		out.Body.Roles = nonNilSlice(auth.MergeRoles(p.Roles, storeRoles))
		out.Body.Source = p.Source
		return out, nil
	})
}

// Cursor encoding for case listings: "<created_at>|<id>".
func encodeCursor(createdAt, id string) string {
	return createdAt + "|" + id
}

func decodeCursor(cursor string) (createdAt, id string, ok bool) {
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
