package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"clawgate/internal/domain"
	"clawgate/internal/engine"
	"clawgate/internal/gate"
	"clawgate/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"challenge_already_issued"`
	Message string         `json:"message" example:"challenge already issued"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the clawgate API.
func New(cfg Config) (http.Handler, error) {
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Clawgate API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerAuthorize(group, cfg.Engine)
	registerSanitize(group, cfg.Engine)
	registerActions(group, cfg.Engine)
	registerRequests(group, cfg.Engine)
	registerDrafts(group, cfg.Engine)
	registerChallenges(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerSweep(group, cfg.Engine)
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

// handleError maps the taxonomy to the error envelope. Every member keeps its
// own code because the caller's remediation differs per kind.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ue engine.UnauthorizedError
	if errors.As(err, &ue) {
		return newAPIError(http.StatusForbidden, "unauthorized", err.Error(), map[string]any{"reason": ue.Reason})
	}
	var cf engine.ContentFlaggedError
	if errors.As(err, &cf) {
		return newAPIError(http.StatusUnprocessableEntity, "content_flagged", err.Error(), map[string]any{
			"threats":    cf.Verdict.Threats,
			"confidence": cf.Verdict.Confidence,
		})
	}
	var pd *gate.PartialDeliveryError
	if errors.As(err, &pd) {
		return newAPIError(http.StatusBadGateway, "partial_delivery_failure", err.Error(), map[string]any{"channel": pd.Channel})
	}
	var de *gate.DeliveryError
	if errors.As(err, &de) {
		return newAPIError(http.StatusBadGateway, "delivery_failure", err.Error(), nil)
	}
	switch {
	case errors.Is(err, gate.ErrChallengeAlreadyIssued):
		return newAPIError(http.StatusConflict, "challenge_already_issued", err.Error(), nil)
	case errors.Is(err, gate.ErrChallengeExpired):
		return newAPIError(http.StatusGone, "challenge_expired", err.Error(), nil)
	case errors.Is(err, gate.ErrChallengeNotFound):
		return newAPIError(http.StatusNotFound, "challenge_not_found", err.Error(), nil)
	case errors.Is(err, gate.ErrVerificationMismatch):
		return newAPIError(http.StatusForbidden, "verification_mismatch", err.Error(), nil)
	case errors.Is(err, gate.ErrRateLimited):
		return newAPIError(http.StatusTooManyRequests, "rate_limited", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		if strings.Contains(err.Error(), "not pending") || strings.Contains(err.Error(), "not confirmed") {
			return newAPIError(http.StatusConflict, "draft_conflict", err.Error(), nil)
		}
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
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

func registerAuthorize(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "authorize-command",
		Method:      http.MethodPost,
		Path:        "/authorize",
		Summary:     "Check whether an origin may issue commands",
	}, func(ctx context.Context, input *struct {
		Body AuthorizeRequest `json:"body"`
	}) (*struct {
		Body AuthorizeResponse `json:"body"`
	}, error) {
		d := e.Guard.AuthorizeCommand(input.Body.Command, input.Body.Origin)
		return &struct {
			Body AuthorizeResponse `json:"body"`
		}{Body: AuthorizeResponse{Authorized: d.Authorized, Reason: d.Reason}}, nil
	})
}

func registerSanitize(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "sanitize-content",
		Method:      http.MethodPost,
		Path:        "/sanitize",
		Summary:     "Scan content for manipulation patterns",
	}, func(ctx context.Context, input *struct {
		Body SanitizeRequest `json:"body"`
	}) (*struct {
		Body SanitizeResponse `json:"body"`
	}, error) {
		verdict := e.Filter.Sanitize(input.Body.Content, input.Body.Context)
		return &struct {
			Body SanitizeResponse `json:"body"`
		}{Body: SanitizeResponse{Verdict: verdict}}, nil
	})
}

func registerActions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-actions",
		Method:      http.MethodGet,
		Path:        "/actions",
		Summary:     "List classified actions",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ActionClassResponse `json:"body"`
	}, error) {
		names := e.Actions.Names()
		out := make([]ActionClassResponse, 0, len(names))
		for _, name := range names {
			out = append(out, ActionClassResponse{Action: name, Class: e.Actions.Class(name), Known: true})
		}
		return &struct {
			Body []ActionClassResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "classify-action",
		Method:      http.MethodGet,
		Path:        "/actions/{action}",
		Summary:     "Classify one action name",
	}, func(ctx context.Context, input *struct {
		Action string `path:"action"`
	}) (*struct {
		Body ActionClassResponse `json:"body"`
	}, error) {
		return &struct {
			Body ActionClassResponse `json:"body"`
		}{Body: ActionClassResponse{
			Action: input.Action,
			Class:  e.Actions.Class(input.Action),
			Known:  e.Actions.Known(input.Action),
		}}, nil
	})
}

func registerRequests(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-request",
		Method:        http.MethodPost,
		Path:          "/requests",
		Summary:       "Run a request through the authorization pipeline",
		DefaultStatus: http.StatusOK,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body SubmitRequest `json:"body"`
	}) (*struct {
		Body SubmitResponse `json:"body"`
	}, error) {
		if input.Body.Action == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "action is required", nil)
		}
		if input.Body.Origin == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "origin is required", nil)
		}
		outcome, err := e.Submit(ctx, domain.ActionRequest{
			Action:  input.Body.Action,
			Payload: input.Body.Payload,
			Origin:  input.Body.Origin,
			Context: input.Body.Context,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := SubmitResponse{Decision: outcome.Decision, Verdict: outcome.Verdict}
		if outcome.Draft != nil {
			dr := draftResponse(*outcome.Draft)
			resp.Draft = &dr
		}
		return &struct {
			Body SubmitResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerDrafts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-drafts",
		Method:      http.MethodGet,
		Path:        "/drafts",
		Summary:     "List drafts",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"pending,confirmed,rejected,expired,released" required:"false"`
		Limit  int    `query:"limit" required:"false"`
	}) (*struct {
		Body []DraftResponse `json:"body"`
	}, error) {
		items, err := e.ListDrafts(ctx, input.Status, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []DraftResponse `json:"body"`
		}{Body: mapDrafts(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-draft",
		Method:      http.MethodGet,
		Path:        "/drafts/{task_id}",
		Summary:     "Get draft",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body DraftResponse `json:"body"`
	}, error) {
		d, err := e.GetDraft(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DraftResponse `json:"body"`
		}{Body: draftResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-draft",
		Method:      http.MethodPost,
		Path:        "/drafts/{task_id}/reject",
		Summary:     "Reject a pending draft",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		TaskID string             `path:"task_id"`
		Body   RejectDraftRequest `json:"body"`
	}) (*struct {
		Body DraftResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.RejectDraft(ctx, input.TaskID, actorID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DraftResponse `json:"body"`
		}{Body: draftResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "release-draft",
		Method:      http.MethodPost,
		Path:        "/drafts/{task_id}/release",
		Summary:     "Release a confirmed draft to the executor",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body DraftResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.ReleaseDraft(ctx, input.TaskID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DraftResponse `json:"body"`
		}{Body: draftResponse(d)}, nil
	})
}

func registerChallenges(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "issue-challenge",
		Method:        http.MethodPost,
		Path:          "/drafts/{task_id}/challenge",
		Summary:       "Issue a dual-channel confirmation challenge",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusConflict,
			http.StatusBadGateway,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		TaskID string                `path:"task_id"`
		Body   IssueChallengeRequest `json:"body"`
	}) (*struct {
		Body ChallengeIssuedResponse `json:"body"`
	}, error) {
		stage := input.Body.Stage
		if stage == "" {
			stage = gate.DefaultStage
		}
		if _, err := e.GetDraft(ctx, input.TaskID); err != nil {
			return nil, handleError(err)
		}
		_, err := e.Gate.GeneratePasswordPair(ctx, input.TaskID, stage)
		delivery := []DeliveryStatus{
			{Channel: e.Config.Channels.Primary.Name, OK: true},
			{Channel: e.Config.Channels.Secondary.Name, OK: true},
		}
		if err != nil {
			var pd *gate.PartialDeliveryError
			if errors.As(err, &pd) {
				for i := range delivery {
					if delivery[i].Channel == pd.Channel {
						delivery[i].OK = false
					}
				}
			} else {
				return nil, handleError(err)
			}
		}
		c, cerr := e.Repo.GetChallenge(ctx, input.TaskID, stage)
		if cerr != nil {
			return nil, handleError(cerr)
		}
		return &struct {
			Body ChallengeIssuedResponse `json:"body"`
		}{Body: ChallengeIssuedResponse{
			TaskID:    input.TaskID,
			Stage:     stage,
			ExpiresAt: c.ExpiresAt,
			Delivery:  delivery,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-challenge",
		Method:      http.MethodPost,
		Path:        "/drafts/{task_id}/verify",
		Summary:     "Verify both confirmation passwords",
		Errors:      []int{http.StatusTooManyRequests},
	}, func(ctx context.Context, input *struct {
		TaskID string        `path:"task_id"`
		Body   VerifyRequest `json:"body"`
	}) (*struct {
		Body VerifyResponse `json:"body"`
	}, error) {
		var (
			valid bool
			err   error
		)
		if input.Body.Stage != "" {
			valid, err = e.Gate.VerifyStage(ctx, input.TaskID, input.Body.Stage, input.Body.PasswordA, input.Body.PasswordB)
		} else {
			valid, err = e.Gate.VerifyBoth(ctx, input.TaskID, input.Body.PasswordA, input.Body.PasswordB)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body VerifyResponse `json:"body"`
		}{Body: VerifyResponse{Valid: valid}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Tail the audit log",
	}, func(ctx context.Context, input *struct {
		N          int    `query:"n" required:"false"`
		Type       string `query:"type" required:"false"`
		EntityKind string `query:"entity_kind" required:"false"`
		EntityID   string `query:"entity_id" required:"false"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		n := input.N
		if n <= 0 {
			n = 50
		}
		items, err := e.Repo.LatestEvents(ctx, n, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(items)}, nil
	})
}

func registerSweep(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "sweep",
		Method:      http.MethodPost,
		Path:        "/sweep",
		Summary:     "Reclaim expired drafts and challenges",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SweepResponse `json:"body"`
	}, error) {
		drafts, challenges, err := e.Sweep(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SweepResponse `json:"body"`
		}{Body: SweepResponse{ExpiredDrafts: drafts, ExpiredChallenges: challenges}}, nil
	})
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, req *http.Request) {
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
    <title>Clawgate API Docs</title>
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
