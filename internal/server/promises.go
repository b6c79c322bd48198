package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"sozledger/internal/domain"
	"sozledger/internal/engine"
	"sozledger/internal/repo"
)

func registerPromises(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-promise",
		Method:        http.MethodPost,
		Path:          "/promises",
		Summary:       "Create promise",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreatePromiseRequest `json:"body"`
	}) (*struct {
		Body domain.Promise `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.PromiseCreateOptions{
			PromisorID:  input.Body.PromisorID,
			PromiseeID:  input.Body.PromiseeID,
			Description: input.Body.Description,
			ActorID:     actorID,
		}
		if input.Body.Category != nil {
			opts.Category = *input.Body.Category
		}
		if input.Body.Deadline != nil {
			opts.Deadline = *input.Body.Deadline
		}
		p, err := e.CreatePromise(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Promise `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-promises",
		Method:      http.MethodGet,
		Path:        "/promises",
		Summary:     "List promises",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		PromisorID string `query:"promisor_id"`
		PromiseeID string `query:"promisee_id"`
		Status     string `query:"status" enum:",active,fulfilled,broken,disputed"`
		Category   string `query:"category"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedPromises `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.Repo.ListPromises(ctx, repo.PromiseFilters{
			PromisorID:      input.PromisorID,
			PromiseeID:      input.PromiseeID,
			Status:          input.Status,
			Category:        input.Category,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedPromises{}
		if len(items) > limit {
			items = items[:limit]
			last := items[len(items)-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
		}
		resp.Items = nonNilPromises(items)
		return &struct {
			Body paginatedPromises `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-promise",
		Method:      http.MethodGet,
		Path:        "/promises/{id}",
		Summary:     "Get promise",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Promise `json:"body"`
	}, error) {
		p, err := e.Repo.GetPromise(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Promise `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-promise-status",
		Method:      http.MethodPatch,
		Path:        "/promises/{id}/status",
		Summary:     "Transition promise status",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   string                     `path:"id"`
		Body UpdatePromiseStatusRequest `json:"body"`
	}) (*struct {
		Body domain.Promise `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.TransitionPromise(ctx, input.ID, input.Body.Status, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Promise `json:"body"`
		}{Body: p}, nil
	})
}
