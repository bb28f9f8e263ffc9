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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"schedline/internal/app"
	"schedline/internal/domain"
	"schedline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Service  *app.Service
	BasePath string
	Auth     AuthConfig
	// Hub streams temperatures on <base>/temperature when set.
	Hub *Hub
	Log *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_description"`
	Message string         `json:"message" example:"invalid system description: cpuCores must be positive"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the schedline API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Service == nil {
		return nil, errors.New("server: service is required")
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Log
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
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
	router.Use(requestLogger(cfg.Log))
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Schedline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerSchedule(group, cfg.Service)
	registerRuns(group, cfg.Service)
	registerEvents(group, cfg.Service)
	registerConfig(group, cfg.Service)
	if err := registerOpenAPI(router, api, basePath, cfg.Auth.Enabled()); err != nil {
		return nil, err
	}
	router.Handle("/metrics", promhttp.Handler())
	if cfg.Hub != nil {
		router.Get(path.Join(basePath, "temperature"), cfg.Hub.ServeHTTP)
	}
	return router, nil
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			log.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Duration("took", time.Since(start)))
		})
	}
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
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var fe ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	if errors.Is(err, domain.ErrInvalidDescription) {
		return newAPIError(http.StatusBadRequest, "invalid_description", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, context.Canceled) {
		return newAPIError(http.StatusServiceUnavailable, "canceled", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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
	page := fmt.Sprintf(docsHTML, path.Join("/", basePath, "openapi.json"))
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		io.WriteString(w, page)
	})
}

// registerOpenAPI serves the document as it stands once every operation is
// registered. It is decorated and encoded here, never per request.
func registerOpenAPI(r chi.Router, api huma.API, basePath string, secured bool) error {
	oas := api.OpenAPI()
	decorateOpenAPI(oas, path.Join("/", basePath, "health"), secured)
	doc, err := json.Marshal(oas)
	if err != nil {
		return fmt.Errorf("encode openapi: %w", err)
	}
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
	})
	return nil
}

// decorateOpenAPI points every operation's default response at the error
// envelope and, when auth is on, requires a bearer token everywhere but health.
func decorateOpenAPI(oas *huma.OpenAPI, healthPath string, secured bool) {
	var security []map[string][]string
	if secured {
		if oas.Components == nil {
			oas.Components = &huma.Components{}
		}
		if oas.Components.SecuritySchemes == nil {
			oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
		}
		oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{Type: "http", Scheme: "bearer", BearerFormat: "JWT"}
		security = []map[string][]string{{"bearerAuth": {}}}
		oas.Security = security
	}
	errorBody := &huma.Response{
		Description: "Error envelope",
		Content: map[string]*huma.MediaType{
			"application/json": {Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"}},
		},
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Post, item.Put, item.Patch, item.Delete} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = errorBody
			switch {
			case !secured:
			case route == healthPath:
				op.Security = []map[string][]string{}
			default:
				op.Security = security
			}
		}
	}
}

const docsHTML = `<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8"/>
<title>schedline API</title>
<link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css"/>
</head>
<body>
<div id="ui"></div>
<script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
<script>SwaggerUIBundle({url: %q, dom_id: "#ui", tryItOutEnabled: true});</script>
</body>
</html>`

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

func registerSchedule(api huma.API, svc *app.Service) {
	huma.Register(api, huma.Operation{
		OperationID: "schedule",
		Method:      http.MethodPost,
		Path:        "/schedule",
		Summary:     "Run a system description until every process exits",
		Description: "Blocks until the run halts or times out. The response carries the classified outcome events and the final machine state.",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body ScheduleRequest
	}) (*struct {
		Body ScheduleResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, PermRunsWrite); err != nil {
			return nil, handleError(err)
		}
		opts := app.RunOptions{
			Producers: input.Body.Producers,
			Timeout:   time.Duration(input.Body.TimeoutSeconds) * time.Second,
		}
		switch input.Body.Clock {
		case "pseudo":
			opts.Pseudo = boolPtr(true)
		case "live":
			opts.Pseudo = boolPtr(false)
		}
		res, err := svc.Schedule(ctx, input.Body.SystemDescription, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ScheduleResponse `json:"body"`
		}{Body: scheduleResponse(res)}, nil
	})
}

func registerRuns(api huma.API, svc *app.Service) {
	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/runs",
		Summary:     "List runs, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"running,halted,failed,timeout"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedRuns `json:"body"`
	}, error) {
		if err := requirePermission(ctx, PermRunsRead); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		startedAt, id, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := svc.Repo.ListRunsWithCursor(ctx, input.Status, limit+1, startedAt, id)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedRuns{Items: []RunResponse{}}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.StartedAt, last.ID)
			items = items[:limit]
		}
		for _, run := range items {
			resp.Items = append(resp.Items, runResponse(run))
		}
		return &struct {
			Body paginatedRuns `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}",
		Summary:     "Get a run with its description and final snapshot",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body app.Stored `json:"body"`
	}, error) {
		if err := requirePermission(ctx, PermRunsRead); err != nil {
			return nil, handleError(err)
		}
		stored, err := svc.Get(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body app.Stored `json:"body"`
		}{Body: stored}, nil
	})
}

func registerEvents(api huma.API, svc *app.Service) {
	huma.Register(api, huma.Operation{
		OperationID: "list-run-events",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}/events",
		Summary:     "List the recorded events of a run in order",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID     string `path:"run_id"`
		Type      string `query:"type"`
		ProcessID int    `query:"process_id"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if err := requirePermission(ctx, PermRunsRead); err != nil {
			return nil, handleError(err)
		}
		if _, err := svc.Repo.GetRun(ctx, input.RunID); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		var after int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			after = parsed
		}
		f := repo.EventFilters{RunID: input.RunID, Type: input.Type, After: after, Limit: limit + 1}
		if input.ProcessID > 0 {
			f.ProcessID = &input.ProcessID
		}
		items, err := svc.Repo.RunEvents(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerConfig(api huma.API, svc *app.Service) {
	huma.Register(api, huma.Operation{
		OperationID: "get-config",
		Method:      http.MethodGet,
		Path:        "/config",
		Summary:     "Effective engine, policy and producer configuration",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ConfigResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, PermConfigRead); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ConfigResponse `json:"body"`
		}{Body: configResponse(svc.Config)}, nil
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

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}

func boolPtr(v bool) *bool { return &v }
