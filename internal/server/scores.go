package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"sozledger/internal/domain"
	"sozledger/internal/engine"
)

func registerScores(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-score",
		Method:      http.MethodGet,
		Path:        "/scores/{id}",
		Summary:     "Get trust score",
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

	huma.Register(api, huma.Operation{
		OperationID: "get-score-history",
		Method:      http.MethodGet,
		Path:        "/scores/{id}/history",
		Summary:     "Get trust score history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Limit int    `query:"limit" default:"100"`
	}) (*struct {
		Body ScoreHistoryResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetEntity(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		history, err := e.Repo.ListScoreHistory(ctx, input.ID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ScoreHistoryResponse `json:"body"`
		}{Body: ScoreHistoryResponse{
			EntityID: input.ID,
			History:  nonNilHistory(history),
		}}, nil
	})
}
