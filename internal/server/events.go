package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"sozledger/internal/domain"
	"sozledger/internal/engine"
)

func registerEvents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Tail the event log",
		Description: "Returns the newest events first, or events after a numeric cursor in append order when after is set.",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type     string `query:"type"`
		EntityID string `query:"entity_id"`
		After    int64  `query:"after" default:"-1"`
		Limit    int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var (
			items []domain.Event
			err   error
		)
		if input.After >= 0 {
			items, err = e.Repo.EventsAfter(ctx, input.After, limit, input.Type, input.EntityID)
		} else {
			items, err = e.Repo.LatestEvents(ctx, limit, input.Type, input.EntityID)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: nonNilEvents(items)}, nil
	})
}
