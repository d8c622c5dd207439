package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"mentorline/internal/chat"
	"mentorline/internal/domain"
	"mentorline/internal/engine"
	"mentorline/internal/extract"
	"mentorline/internal/notify"
	"mentorline/internal/observability"
	"mentorline/internal/store"
)

// Config for the HTTP API handler.
type Config struct {
	Engine         engine.Engine
	Orchestrator   *chat.Orchestrator
	Hub            *notify.Hub
	Metrics        *observability.Metrics
	BasePath       string
	Auth           AuthConfig
	AllowAnyOrigin bool
	Logger         *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"goal 7: not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"field\":\"text\"}"`
}

type bodyBytesKey struct{}

// maxRequestBody caps every request body, including the copy kept for handlers.
const maxRequestBody = 1 << 20

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the mentor API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Logger
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
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
			if err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					respondStatusError(w, newAPIError(http.StatusRequestEntityTooLarge, "request_too_large", fmt.Sprintf("request body exceeds %d bytes", maxRequestBody), nil))
					return
				}
				respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "unreadable request body", nil))
				return
			}
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Mentor API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerGoals(group, cfg.Engine)
	registerToday(group, cfg.Engine)
	registerExtract(group)
	registerReminders(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerStats(group, cfg.Engine)
	if cfg.Orchestrator != nil {
		registerChat(group, cfg.Orchestrator)
		registerSocket(router, basePath, newSocketHandler(cfg))
	}
	if cfg.Auth.DevLogin {
		registerDevAuth(group, cfg.Auth)
	}
	if cfg.Metrics != nil {
		router.Handle("/metrics", cfg.Metrics.Handler())
	}
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
	var ve domain.ValidationError
	if errors.As(err, &ve) {
		var details map[string]any
		if ve.Field != "" {
			details = map[string]any{"field": ve.Field}
		}
		return newAPIError(http.StatusBadRequest, "bad_request", ve.Error(), details)
	}
	if errors.Is(err, store.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return newAPIError(http.StatusServiceUnavailable, "unavailable", err.Error(), nil)
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
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
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
	security := []map[string][]string{
		{"bearerAuth": {}},
	}
	oas.Security = security
	open := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if open[route] {
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
    <title>Mentor API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt;. The token subject is the conversation id.
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

func registerGoals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-goals",
		Method:      http.MethodGet,
		Path:        "/goals",
		Summary:     "List goals, newest first",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body GoalList `json:"body"`
	}, error) {
		goals, err := e.ListGoals(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GoalList `json:"body"`
		}{Body: GoalList{Items: goals}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-goal",
		Method:        http.MethodPost,
		Path:          "/goals",
		Summary:       "Create goal",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body TextRequest `json:"body"`
	}) (*struct {
		Body domain.Goal `json:"body"`
	}, error) {
		conv, authErr := conversationFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		goal, err := e.CreateGoal(ctx, input.Body.Text, conv)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Goal `json:"body"`
		}{Body: goal}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-latest-goal",
		Method:      http.MethodDelete,
		Path:        "/goals/latest",
		Summary:     "Delete the most recently created goal and its tasks",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.Goal `json:"body"`
	}, error) {
		conv, authErr := conversationFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		goal, err := e.DeleteLastGoal(ctx, conv)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Goal `json:"body"`
		}{Body: goal}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-all-goals",
		Method:      http.MethodDelete,
		Path:        "/goals",
		Summary:     "Delete every goal, task and queue entry",
		Description: "Destructive. Requires confirm=true.",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Confirm bool `query:"confirm"`
	}) (*struct {
		Body DeleteAllResponse `json:"body"`
	}, error) {
		conv, authErr := conversationFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if !input.Confirm {
			return nil, newAPIError(http.StatusBadRequest, "confirmation_required", "confirm=true is required to delete all goals", nil)
		}
		if err := e.DeleteAllGoals(ctx, conv); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DeleteAllResponse `json:"body"`
		}{Body: DeleteAllResponse{Deleted: true}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-task",
		Method:        http.MethodPost,
		Path:          "/goals/{id}/tasks",
		Summary:       "Add a pending task to a goal",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   int64       `path:"id"`
		Body TextRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		conv, authErr := conversationFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		task, err := e.AddTask(ctx, input.ID, input.Body.Text, conv)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: task}, nil
	})
}

func registerToday(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "today",
		Method:      http.MethodGet,
		Path:        "/today",
		Summary:     "Today's queue",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body TodayResponse `json:"body"`
	}, error) {
		tasks, err := e.Today(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TodayResponse `json:"body"`
		}{Body: TodayResponse{Day: e.Day(), Tasks: tasks, Text: chat.FormatToday(tasks)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "apply-status",
		Method:      http.MethodPost,
		Path:        "/today/status",
		Summary:     "Mark the head of today's queue",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body StatusRequest `json:"body"`
	}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		conv, authErr := conversationFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		status, ok := domain.ParseStatus(input.Body.Status)
		if !ok {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "status must be done, stuck or blocked", map[string]any{"status": input.Body.Status})
		}
		res, err := e.ApplyStatus(ctx, status, conv)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: statusResponse(e.Day(), res, chat.FormatStatusResult(res))}, nil
	})
}

func registerExtract(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "extract",
		Method:      http.MethodPost,
		Path:        "/extract",
		Summary:     "Preview goal and task extraction without saving",
	}, func(ctx context.Context, input *struct {
		Body TextRequest `json:"body"`
	}) (*struct {
		Body ExtractResponse `json:"body"`
	}, error) {
		return &struct {
			Body ExtractResponse `json:"body"`
		}{Body: extractResponse(extract.Extract(input.Body.Text))}, nil
	})
}

func registerChat(api huma.API, o *chat.Orchestrator) {
	huma.Register(api, huma.Operation{
		OperationID: "chat",
		Method:      http.MethodPost,
		Path:        "/chat",
		Summary:     "Send one chat message for the authenticated conversation",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body TextRequest `json:"body"`
	}) (*struct {
		Body ChatResponse `json:"body"`
	}, error) {
		conv, authErr := conversationFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		r, err := o.Handle(ctx, conv, input.Body.Text)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ChatResponse `json:"body"`
		}{Body: chatResponse(conv, r)}, nil
	})
}

func registerReminders(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-reminder",
		Method:        http.MethodPost,
		Path:          "/reminders",
		Summary:       "Schedule a one-shot reminder for the authenticated conversation",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body ReminderRequest `json:"body"`
	}) (*struct {
		Body domain.Reminder `json:"body"`
	}, error) {
		conv, authErr := conversationFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rem, err := e.RegisterReminder(ctx, conv, input.Body.Offset)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Reminder `json:"body"`
		}{Body: rem}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List activity events",
		Description: "Without a cursor the newest events are returned first. With a cursor, events after it are returned oldest first.",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body EventList `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		resp := EventList{Items: []domain.Event{}}
		if input.Cursor == "" {
			items, err := e.RecentEvents(ctx, limit)
			if err != nil {
				return nil, handleError(err)
			}
			resp.Items = items
			return &struct {
				Body EventList `json:"body"`
			}{Body: resp}, nil
		}
		after, err := strconv.ParseInt(input.Cursor, 10, 64)
		if err != nil || after < 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.Store.EventsAfter(ctx, after, limit+1)
		if err != nil {
			return nil, handleError(err)
		}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body EventList `json:"body"`
		}{Body: resp}, nil
	})
}

func registerStats(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "stats",
		Method:      http.MethodGet,
		Path:        "/stats",
		Summary:     "Progress counters",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StatsResponse `json:"body"`
	}, error) {
		stats, err := e.Stats(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatsResponse `json:"body"`
		}{Body: stats}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		conv := strings.TrimSpace(input.Body.ConversationID)
		if conv == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "conversation_id is required", nil)
		}
		token, err := SignToken(authCfg.JWTSecret, conv, 24*time.Hour)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	return nil
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
