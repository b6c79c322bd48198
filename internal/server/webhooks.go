package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"sozledger/internal/domain"
	"sozledger/internal/engine"
	"sozledger/internal/repo"
)

func registerWebhooks(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-webhook",
		Method:        http.MethodPost,
		Path:          "/webhooks",
		Summary:       "Register webhook",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateWebhookRequest `json:"body"`
	}) (*struct {
		Body WebhookResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		entityID := actorID
		if input.Body.EntityID != nil && *input.Body.EntityID != "" {
			entityID = *input.Body.EntityID
		}
		wh, err := e.RegisterWebhook(ctx, engine.WebhookCreateOptions{
			EntityID:   entityID,
			URL:        input.Body.URL,
			EventTypes: input.Body.EventTypes,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WebhookResponse `json:"body"`
		}{Body: webhookResponse(wh, true)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-webhooks",
		Method:      http.MethodGet,
		Path:        "/webhooks",
		Summary:     "List webhooks",
	}, func(ctx context.Context, input *struct {
		EntityID string `query:"entity_id"`
	}) (*struct {
		Body []WebhookResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListWebhooks(ctx, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []WebhookResponse `json:"body"`
		}{Body: nonNilWebhooks(items, false)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-webhook",
		Method:      http.MethodGet,
		Path:        "/webhooks/{id}",
		Summary:     "Get webhook",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body WebhookResponse `json:"body"`
	}, error) {
		wh, err := e.Repo.GetWebhook(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WebhookResponse `json:"body"`
		}{Body: webhookResponse(wh, false)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-webhook",
		Method:      http.MethodPatch,
		Path:        "/webhooks/{id}",
		Summary:     "Update webhook",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body UpdateWebhookRequest `json:"body"`
	}) (*struct {
		Body WebhookResponse `json:"body"`
	}, error) {
		wh, err := e.UpdateWebhook(ctx, input.ID, repo.WebhookUpdate{
			URL:        input.Body.URL,
			EventTypes: input.Body.EventTypes,
			IsActive:   input.Body.IsActive,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WebhookResponse `json:"body"`
		}{Body: webhookResponse(wh, false)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-webhook",
		Method:        http.MethodDelete,
		Path:          "/webhooks/{id}",
		Summary:       "Delete webhook",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if err := e.DeleteWebhook(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-webhook-logs",
		Method:      http.MethodGet,
		Path:        "/webhooks/{id}/logs",
		Summary:     "List webhook delivery logs",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Limit int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.DeliveryLog `json:"body"`
	}, error) {
		if _, err := e.Repo.GetWebhook(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		logs, err := e.Repo.ListDeliveryLogs(ctx, input.ID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.DeliveryLog `json:"body"`
		}{Body: nonNilDeliveryLogs(logs)}, nil
	})
}
