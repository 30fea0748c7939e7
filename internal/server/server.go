package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"cutledger/internal/domain"
	"cutledger/internal/export"
	"cutledger/internal/query"
	"cutledger/internal/store"
)

// Config for the HTTP API handler.
type Config struct {
	Store    *store.Store
	Query    query.Engine
	Gate     export.Gate
	BasePath string
	Logger   *log.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"override_forbidden"`
	Message string         `json:"message" example:"override forbidden: risk level red requires the allow_red flag"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Cutledger API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
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
	if cfg.Logger != nil {
		router.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				cfg.Logger.Printf("%s %s", r.Method, r.URL.Path)
				next.ServeHTTP(w, r)
			})
		})
	}
	hcfg := huma.DefaultConfig("Cutledger API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerRuns(group, cfg)
	registerAttachments(group, cfg)
	registerOverrides(group, cfg)
	registerBatches(group, cfg)
	registerExport(group, cfg)

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
	var guard store.GuardViolationError
	if errors.As(err, &guard) {
		return newAPIError(http.StatusUnprocessableEntity, "guard_violation", err.Error(), map[string]any{"missing": guard.Missing})
	}
	var mismatch store.HashMismatchError
	if errors.As(err, &mismatch) {
		return newAPIError(http.StatusBadRequest, "hash_mismatch", err.Error(), map[string]any{
			"supplied": mismatch.Supplied,
			"computed": mismatch.Computed,
		})
	}
	var conflict export.ConflictError
	if errors.As(err, &conflict) {
		return newAPIError(http.StatusConflict, "override_conflict", err.Error(), nil)
	}
	var forbidden export.ForbiddenError
	if errors.As(err, &forbidden) {
		return newAPIError(http.StatusForbidden, "override_forbidden", err.Error(), map[string]any{"risk_level": string(forbidden.RiskLevel)})
	}
	var blocked export.BlockedError
	if errors.As(err, &blocked) {
		return newAPIError(http.StatusForbidden, "export_blocked", err.Error(), map[string]any{
			"blocker":      blocked.Decision.Blocker,
			"risk_level":   string(blocked.Decision.RiskLevel),
			"has_override": blocked.Decision.HasOverride,
		})
	}
	if errors.Is(err, store.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") || strings.Contains(lowered, "unknown artifact kind"):
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
		return "error"
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

func registerRuns(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-run",
		Method:        http.MethodPost,
		Path:          "/runs",
		Summary:       "Create run artifact",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateRunRequest `json:"body"`
	}) (*struct {
		Body CreateRunResponse `json:"body"`
	}, error) {
		if input.Body.Kind == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "kind is required", nil)
		}
		if input.Body.SessionID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "session_id is required", nil)
		}
		a, err := cfg.Store.CreateRun(ctx, store.CreateRunOptions{
			Kind:          input.Body.Kind,
			SessionID:     input.Body.SessionID,
			BatchLabel:    input.Body.BatchLabel,
			ToolID:        input.Body.ToolID,
			MaterialID:    input.Body.MaterialID,
			MachineID:     input.Body.MachineID,
			Mode:          input.Body.Mode,
			Parents:       input.Body.Parents,
			Payload:       input.Body.Payload,
			Toolpaths:     input.Body.Toolpaths,
			Gcode:         input.Body.Gcode,
			UpstreamError: input.Body.UpstreamError,
			ActorID:       input.Body.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CreateRunResponse `json:"body"`
		}{Body: createRunResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}",
		Summary:     "Get run artifact",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body domain.RunArtifact `json:"body"`
	}, error) {
		a, err := cfg.Store.GetRun(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.RunArtifact `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/runs",
		Summary:     "List run artifacts",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Kind        string `query:"kind"`
		Status      string `query:"status"`
		SessionID   string `query:"session_id"`
		BatchLabel  string `query:"batch_label"`
		ToolID      string `query:"tool_id"`
		MaterialID  string `query:"material_id"`
		CreatedFrom string `query:"created_from"`
		CreatedTo   string `query:"created_to"`
		Cursor      string `query:"cursor"`
		Limit       int    `query:"limit"`
	}) (*struct {
		Body query.Page `json:"body"`
	}, error) {
		page, err := cfg.Query.ListRuns(ctx, query.Filters{
			Kind:        input.Kind,
			Status:      input.Status,
			SessionID:   input.SessionID,
			BatchLabel:  input.BatchLabel,
			ToolID:      input.ToolID,
			MaterialID:  input.MaterialID,
			CreatedFrom: input.CreatedFrom,
			CreatedTo:   input.CreatedTo,
			Cursor:      input.Cursor,
			Limit:       input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body query.Page `json:"body"`
		}{Body: page}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "diff-runs",
		Method:      http.MethodGet,
		Path:        "/runs/{a_id}/diff/{b_id}",
		Summary:     "Diff two run artifacts",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AID string `path:"a_id"`
		BID string `path:"b_id"`
	}) (*struct {
		Body query.DiffResult `json:"body"`
	}, error) {
		res, err := cfg.Query.Diff(ctx, input.AID, input.BID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body query.DiffResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-run",
		Method:      http.MethodDelete,
		Path:        "/runs/{run_id}",
		Summary:     "Soft-delete a run artifact (audited)",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string           `path:"run_id"`
		Body  DeleteRunRequest `json:"body"`
	}) (*struct {
		Body map[string]bool `json:"body"`
	}, error) {
		if err := cfg.Store.DeleteRun(ctx, input.RunID, input.Body.ActorID, input.Body.Reason); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]bool `json:"body"`
		}{Body: map[string]bool{"ok": true}}, nil
	})
}

func registerAttachments(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "attach",
		Method:        http.MethodPost,
		Path:          "/runs/{run_id}/attachments",
		Summary:       "Append an attachment",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		RunID string        `path:"run_id"`
		Body  AttachRequest `json:"body"`
	}) (*struct {
		Body domain.Attachment `json:"body"`
	}, error) {
		att, err := cfg.Store.Attach(ctx, store.AttachOptions{
			RunID:   input.RunID,
			Kind:    input.Body.Kind,
			Content: input.Body.Content,
			SHA256:  input.Body.SHA256,
			Meta:    input.Body.Meta,
			ActorID: input.Body.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Attachment `json:"body"`
		}{Body: att}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-attachments",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}/attachments",
		Summary:     "List attachments",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body []domain.Attachment `json:"body"`
	}, error) {
		if _, err := cfg.Store.GetRun(ctx, input.RunID); err != nil {
			return nil, handleError(err)
		}
		atts, err := cfg.Store.ListAttachments(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Attachment `json:"body"`
		}{Body: atts}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-attachment",
		Method:      http.MethodDelete,
		Path:        "/runs/{run_id}/attachments/{attachment_id}",
		Summary:     "Soft-delete an attachment (audited)",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID        string           `path:"run_id"`
		AttachmentID string           `path:"attachment_id"`
		Body         DeleteRunRequest `json:"body"`
	}) (*struct {
		Body map[string]bool `json:"body"`
	}, error) {
		if err := cfg.Store.DeleteAttachment(ctx, input.AttachmentID, input.Body.ActorID, input.Body.Reason); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]bool `json:"body"`
		}{Body: map[string]bool{"ok": true}}, nil
	})
}

func registerOverrides(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "override",
		Method:        http.MethodPost,
		Path:          "/runs/{run_id}/override",
		Summary:       "Create an export override",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		RunID string          `path:"run_id"`
		Body  OverrideRequest `json:"body"`
	}) (*struct {
		Body OverrideResponse `json:"body"`
	}, error) {
		att, err := cfg.Gate.CreateOverride(ctx, input.RunID, input.Body.Operator, input.Body.Reason, input.Body.Scope)
		if err != nil {
			return nil, handleError(err)
		}
		a, err := cfg.Store.GetRun(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OverrideResponse `json:"body"`
		}{Body: OverrideResponse{OK: true, RiskLevel: a.RiskLevel, AttachmentID: att.ID}}, nil
	})
}

func registerBatches(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "batch-tree",
		Method:      http.MethodGet,
		Path:        "/batches/{session_id}/{batch_label}/tree",
		Summary:     "Reconstruct a batch lineage tree",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SessionID  string `path:"session_id"`
		BatchLabel string `path:"batch_label"`
		KindHint   string `query:"kind_hint"`
	}) (*struct {
		Body struct {
			RootArtifactID string          `json:"root_artifact_id"`
			Tree           *query.TreeNode `json:"tree"`
		} `json:"body"`
	}, error) {
		rootID, err := cfg.Query.ResolveBatchRoot(ctx, input.SessionID, input.BatchLabel, input.KindHint)
		if err != nil {
			return nil, handleError(err)
		}
		tree, err := cfg.Query.BuildTree(ctx, rootID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				RootArtifactID string          `json:"root_artifact_id"`
				Tree           *query.TreeNode `json:"tree"`
			} `json:"body"`
		}{}
		out.Body.RootArtifactID = rootID
		out.Body.Tree = tree
		return out, nil
	})
}

func registerExport(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "export-bundle",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}/export",
		Summary:     "Export a run bundle",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		ContentType        string `header:"Content-Type"`
		ContentDisposition string `header:"Content-Disposition"`
		Body               []byte
	}, error) {
		var buf bytes.Buffer
		if err := cfg.Gate.Bundle(ctx, input.RunID, &buf); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			ContentType        string `header:"Content-Type"`
			ContentDisposition string `header:"Content-Disposition"`
			Body               []byte
		}{
			ContentType:        "application/gzip",
			ContentDisposition: fmt.Sprintf(`attachment; filename="run-%s.tar.gz"`, input.RunID),
			Body:               buf.Bytes(),
		}, nil
	})
}

func registerDocs(r chi.Router, basePath string) {
	docsPath := path.Join(basePath, "docs")
	r.Get(docsPath, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(swaggerHTML(basePath)))
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Cutledger API Docs</title>
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
  </body>
</html>`, specURL)
}
