package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"sozledger/internal/domain"
	"sozledger/internal/engine"
)

func registerEvidence(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-evidence",
		Method:        http.MethodPost,
		Path:          "/promises/{id}/evidence",
		Summary:       "Submit evidence for a promise",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string                `path:"id"`
		Body CreateEvidenceRequest `json:"body"`
	}) (*struct {
		Body domain.Evidence `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		submittedBy := actorID
		if input.Body.SubmittedBy != nil && *input.Body.SubmittedBy != "" {
			submittedBy = *input.Body.SubmittedBy
		}
		ev, err := e.SubmitEvidence(ctx, engine.EvidenceCreateOptions{
			PromiseID:   input.ID,
			Type:        input.Body.Type,
			SubmittedBy: submittedBy,
			Payload:     input.Body.Payload,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Evidence `json:"body"`
		}{Body: ev}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-evidence",
		Method:      http.MethodGet,
		Path:        "/promises/{id}/evidence",
		Summary:     "List evidence for a promise",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []domain.Evidence `json:"body"`
	}, error) {
		if _, err := e.Repo.GetPromise(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListEvidence(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Evidence `json:"body"`
		}{Body: nonNilEvidence(items)}, nil
	})
}
