package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"sozledger/internal/domain"
	"sozledger/internal/engine"
	"sozledger/internal/repo"
)

func registerEntities(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-entity",
		Method:        http.MethodPost,
		Path:          "/entities",
		Summary:       "Register entity",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateEntityRequest `json:"body"`
	}) (*struct {
		Body EntityWithKeyResponse `json:"body"`
	}, error) {
		pub := ""
		if input.Body.PublicKey != nil {
			pub = *input.Body.PublicKey
		}
		ent, apiKey, err := e.CreateEntity(ctx, engine.EntityCreateOptions{
			Name:      input.Body.Name,
			Type:      input.Body.Type,
			PublicKey: pub,
			Metadata:  input.Body.Metadata,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EntityWithKeyResponse `json:"body"`
		}{Body: EntityWithKeyResponse{Entity: ent, APIKey: apiKey}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-entities",
		Method:      http.MethodGet,
		Path:        "/entities",
		Summary:     "List entities",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type   string `query:"type"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedEntities `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.Repo.ListEntities(ctx, repo.EntityFilters{
			Type:            input.Type,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEntities{}
		if len(items) > limit {
			items = items[:limit]
			last := items[len(items)-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
		}
		resp.Items = nonNilEntities(items)
		return &struct {
			Body paginatedEntities `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-entity",
		Method:      http.MethodGet,
		Path:        "/entities/{id}",
		Summary:     "Get entity",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Entity `json:"body"`
	}, error) {
		ent, err := e.Repo.GetEntity(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Entity `json:"body"`
		}{Body: ent}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-entity-metadata",
		Method:      http.MethodPatch,
		Path:        "/entities/{id}",
		Summary:     "Update entity metadata",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID   string                      `path:"id"`
		Body UpdateEntityMetadataRequest `json:"body"`
	}) (*struct {
		Body domain.Entity `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ent, err := e.UpdateEntityMetadata(ctx, input.ID, input.Body.Metadata, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Entity `json:"body"`
		}{Body: ent}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-entity-score",
		Method:      http.MethodGet,
		Path:        "/entities/{id}/score",
		Summary:     "Get entity trust score",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.TrustScore `json:"body"`
	}, error) {
		ts, err := e.ScoreFor(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TrustScore `json:"body"`
		}{Body: ts}, nil
	})
}
