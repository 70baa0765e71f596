package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"

	"stageline/internal/domain"
	"stageline/internal/engine"
	"stageline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Dispatcher *engine.Dispatcher
	BasePath   string
	Auth       AuthConfig
	// CORSOrigins lists dashboard origins allowed to call the API.
	CORSOrigins []string
	// Context bounds loops started through the API. Defaults to Background.
	Context context.Context
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_runnable"`
	Message string         `json:"message" example:"work item is not runnable"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the dispatcher API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Context == nil {
		cfg.Context = context.Background()
	}
	huma.DefaultArrayNullable = false
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
	if len(cfg.CORSOrigins) > 0 {
		router.Use(cors.New(cors.Options{
			AllowedOrigins: cfg.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
			AllowedHeaders: []string{"Authorization", "Content-Type", "X-Api-Key"},
			MaxAge:         300,
		}).Handler)
	}
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Dispatcher.Engine.Repo))
	hcfg := huma.DefaultConfig("Stageline API", "0.1.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerDispatcher(group, cfg.Dispatcher, cfg.Context)
	registerItems(group, cfg.Dispatcher.Engine)
	registerEvents(group, cfg.Dispatcher.Engine)
	registerProfiles(group, cfg.Dispatcher.Engine)
	registerToken(group, cfg.Auth)
	registerOpenAPI(router, api, basePath)

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
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrBusy):
		return newAPIError(http.StatusConflict, "dispatcher_busy", err.Error(), nil)
	case errors.Is(err, engine.ErrAlreadyRunning):
		return newAPIError(http.StatusConflict, "already_running", err.Error(), nil)
	case errors.Is(err, engine.ErrNotRunnable):
		return newAPIError(http.StatusConflict, "not_runnable", err.Error(), nil)
	case errors.Is(err, repo.ErrLeaseHeld):
		return newAPIError(http.StatusConflict, "lease_conflict", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") || strings.Contains(lowered, "unknown"):
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
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
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
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{Type: "http", Scheme: "bearer", BearerFormat: "JWT"}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{Type: "apiKey", In: "header", Name: "X-Api-Key"}
	security := []map[string][]string{{"bearerAuth": {}}, {"apiKeyAuth": {}}}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete} {
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

type statusOutput struct {
	Body engine.Status `json:"body"`
}

func registerDispatcher(api huma.API, d *engine.Dispatcher, loopCtx context.Context) {
	huma.Register(api, huma.Operation{
		OperationID: "dispatcher-status",
		Method:      http.MethodGet,
		Path:        "/dispatcher",
		Summary:     "Dispatcher loop status",
	}, func(ctx context.Context, _ *struct{}) (*statusOutput, error) {
		return &statusOutput{Body: d.Status()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "dispatcher-start",
		Method:      http.MethodPost,
		Path:        "/dispatcher/start",
		Summary:     "Start the periodic loop",
		Errors:      []int{http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		PollIntervalSeconds int `query:"poll_interval_seconds" minimum:"0"`
	}) (*statusOutput, error) {
		if input.PollIntervalSeconds > 0 {
			d.SetInterval(time.Duration(input.PollIntervalSeconds) * time.Second)
		}
		if err := d.Start(loopCtx); err != nil {
			return nil, handleError(err)
		}
		return &statusOutput{Body: d.Status()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "dispatcher-stop",
		Method:      http.MethodPost,
		Path:        "/dispatcher/stop",
		Summary:     "Stop the periodic loop",
	}, func(ctx context.Context, _ *struct{}) (*statusOutput, error) {
		d.Stop()
		return &statusOutput{Body: d.Status()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "dispatcher-run-once",
		Method:      http.MethodPost,
		Path:        "/dispatcher/run-once",
		Summary:     "Claim and process at most one item",
		Errors:      []int{http.StatusConflict},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body RunOnceResponse `json:"body"`
	}, error) {
		out, err := d.RunOnce(context.WithoutCancel(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunOnceResponse `json:"body"`
		}{Body: RunOnceResponse{Claimed: out != nil, Outcome: out}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-item",
		Method:      http.MethodPost,
		Path:        "/items/{id}/run",
		Summary:     "Process one item by id",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body engine.Outcome `json:"body"`
	}, error) {
		out, err := d.RunItem(context.WithoutCancel(ctx), input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Outcome `json:"body"`
		}{Body: out}, nil
	})
}

type itemOutput struct {
	Body domain.WorkItem `json:"body"`
}

func registerItems(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-item",
		Method:        http.MethodPost,
		Path:          "/items",
		Summary:       "Create a work item",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body CreateItemRequest `json:"body"`
	}) (*itemOutput, error) {
		w, err := e.CreateItem(ctx, engine.CreateItemOptions{
			Kind:               input.Body.Kind,
			Title:              input.Body.Title,
			Body:               input.Body.Body,
			RichBody:           input.Body.RichBody,
			Priority:           input.Body.Priority,
			ProjectPath:        input.Body.ProjectPath,
			ParentID:           input.Body.ParentID,
			AcceptanceCriteria: input.Body.AcceptanceCriteria,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &itemOutput{Body: w}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-items",
		Method:      http.MethodGet,
		Path:        "/items",
		Summary:     "List work items by priority",
	}, func(ctx context.Context, input *struct {
		Status   string `query:"status" enum:"new,planned,executing,verifying,blocked,needs_input,failed,completed"`
		Kind     string `query:"kind" enum:"task,finding"`
		ParentID int64  `query:"parent_id"`
		Limit    int    `query:"limit" default:"50"`
	}) (*struct {
		Body paginatedItems `json:"body"`
	}, error) {
		f := repo.WorkItemFilter{Status: input.Status, Kind: input.Kind, Limit: normalizeLimit(input.Limit)}
		if input.ParentID > 0 {
			f.ParentID = &input.ParentID
		}
		items, err := e.Repo.ListWorkItems(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedItems `json:"body"`
		}{Body: paginatedItems{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-item",
		Method:      http.MethodGet,
		Path:        "/items/{id}",
		Summary:     "Get a work item with children, links and findings",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body ItemDetailResponse `json:"body"`
	}, error) {
		w, err := e.Repo.GetWorkItem(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		children, err := e.Repo.ListWorkItems(ctx, repo.WorkItemFilter{ParentID: &w.ID})
		if err != nil {
			return nil, handleError(err)
		}
		links, err := e.Repo.ListLinks(ctx, w.ID)
		if err != nil {
			return nil, handleError(err)
		}
		findings, err := e.Repo.ListFindings(ctx, repo.FindingFilter{WorkItemID: w.ID})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ItemDetailResponse `json:"body"`
		}{Body: ItemDetailResponse{
			Item:     w,
			Children: nonNilSlice(children),
			Links:    nonNilSlice(links),
			Findings: nonNilSlice(findings),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "requeue-item",
		Method:      http.MethodPost,
		Path:        "/items/{id}/requeue",
		Summary:     "Return a failed, needs_input or blocked item to the queue",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*itemOutput, error) {
		w, err := e.Requeue(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &itemOutput{Body: w}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-item-runs",
		Method:      http.MethodGet,
		Path:        "/items/{id}/runs",
		Summary:     "List stage runs of an item, newest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID    int64 `path:"id"`
		Limit int   `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Run `json:"body"`
	}, error) {
		if _, err := e.Repo.GetWorkItem(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		runs, err := e.Repo.ListRuns(ctx, input.ID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Run `json:"body"`
		}{Body: nonNilSlice(runs)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-item-findings",
		Method:      http.MethodGet,
		Path:        "/items/{id}/findings",
		Summary:     "List findings recorded against an item",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID       int64 `path:"id"`
		OpenOnly bool  `query:"open"`
	}) (*struct {
		Body []domain.Finding `json:"body"`
	}, error) {
		if _, err := e.Repo.GetWorkItem(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		findings, err := e.Repo.ListFindings(ctx, repo.FindingFilter{WorkItemID: input.ID, OpenOnly: input.OpenOnly})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Finding `json:"body"`
		}{Body: nonNilSlice(findings)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Kind        string `query:"kind"`
		SubjectType string `query:"subject_type" enum:"work_item,run,dispatcher"`
		SubjectID   string `query:"subject_id"`
		Limit       int    `query:"limit" default:"50"`
		Cursor      string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		f := repo.EventFilter{Kind: input.Kind, SubjectType: input.SubjectType, SubjectID: input.SubjectID, Limit: limit + 1}
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			f.AfterID = parsed
		}
		var (
			items []domain.Event
			err   error
		)
		if f.AfterID > 0 {
			items, err = e.Repo.EventsAfter(ctx, f)
		} else {
			items, err = e.Repo.LatestEvents(ctx, f)
		}
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		if n := len(items); n > 0 {
			resp.NextCursor = fmt.Sprintf("%d", max(items[0].ID, items[n-1].ID))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerProfiles(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-profiles",
		Method:      http.MethodGet,
		Path:        "/profiles",
		Summary:     "List execution profiles",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.ExecutionProfile `json:"body"`
	}, error) {
		profiles, err := e.Repo.ListProfiles(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ExecutionProfile `json:"body"`
		}{Body: nonNilSlice(profiles)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-profile",
		Method:      http.MethodPut,
		Path:        "/profiles/{complexity}/{stage}",
		Summary:     "Bind an agent to a complexity and stage",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Complexity string `path:"complexity" enum:"simple,medium,complex"`
		Stage      string `path:"stage" enum:"plan,execute,test"`
		Body       ProfileRequest
	}) (*struct {
		Body domain.ExecutionProfile `json:"body"`
	}, error) {
		p := domain.ExecutionProfile{
			ID:             input.Body.ID,
			Complexity:     input.Complexity,
			Stage:          input.Stage,
			Agent:          input.Body.Agent,
			Model:          input.Body.Model,
			Runtime:        input.Body.Runtime,
			Provider:       input.Body.Provider,
			AuthMode:       input.Body.AuthMode,
			TimeoutSeconds: input.Body.TimeoutSeconds,
		}
		if e.Adapters != nil {
			if _, ok := e.Adapters.Get(p.Agent); !ok {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", fmt.Sprintf("unknown agent %q", p.Agent), nil)
			}
		}
		if err := e.Repo.UpsertProfile(ctx, nil, p); err != nil {
			return nil, handleError(err)
		}
		stored, err := e.Repo.LookupProfile(ctx, p.Complexity, p.Stage)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ExecutionProfile `json:"body"`
		}{Body: stored}, nil
	})
}

func registerToken(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "issue-token",
		Method:      http.MethodPost,
		Path:        "/auth/token",
		Summary:     "Exchange the current credential for a short-lived JWT",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body TokenRequest `json:"body"`
	}) (*struct {
		Body TokenResponse `json:"body"`
	}, error) {
		if _, ok := principalFromContext(ctx); !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		ttl := time.Hour
		if input.Body.TTLSeconds > 0 {
			ttl = time.Duration(input.Body.TTLSeconds) * time.Second
		}
		now := time.Now().UTC()
		token, err := SignToken(authCfg.JWTSecret, strings.TrimSpace(input.Body.Subject), ttl, now)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		return &struct {
			Body TokenResponse `json:"body"`
		}{Body: TokenResponse{Token: token, ExpiresAt: now.Add(ttl).Format(time.RFC3339)}}, nil
	})
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
