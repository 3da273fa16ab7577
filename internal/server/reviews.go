package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"go.uber.org/zap"

	"shipyard/internal/effects"
	"shipyard/internal/engine"
	"shipyard/internal/origin"
)

type reviewBody struct {
	Body ReviewResponse `json:"body"`
}

type reviewPath struct {
	ID int64 `path:"id"`
}

func registerReviews(api huma.API, cfg Config) {
	e := cfg.Engine

	huma.Register(api, huma.Operation{
		OperationID: "review-stats",
		Method:      http.MethodGet,
		Path:        "/reviews/stats",
		Summary:     "Downstream review counts by status",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.ReviewStats `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		st, err := e.ReviewStats(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ReviewStats `json:"body"`
		}{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-review",
		Method:      http.MethodGet,
		Path:        "/reviews/{id}",
		Summary:     "Get a downstream review",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *reviewPath) (*reviewBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rv, err := e.GetReview(ctx, actorID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &reviewBody{Body: ReviewResponse{Review: rv, Warnings: []effects.Warning{}}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "refresh-review",
		Method:      http.MethodPost,
		Path:        "/reviews/{id}/refresh",
		Summary:     "Merge the latest activity into a review",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *reviewPath) (*reviewBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rv, err := e.GetReview(ctx, actorID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		warnings := []effects.Warning{}
		var activity []origin.Devlog
		if cfg.Origin != nil && cfg.Origin.ActivityEnabled() {
			activity, err = cfg.Origin.FetchActivity(ctx, rv.OriginID)
			if err != nil {
				cfg.logger().Warn("activity fetch failed", zap.Int64("review_id", rv.ID), zap.Error(err))
				warnings = append(warnings, effects.Warning{
					Step:    effects.StepDownstream,
					Reason:  string(engine.ReasonUpstreamFailure),
					Message: err.Error(),
				})
				return &reviewBody{Body: ReviewResponse{Review: rv, Warnings: warnings}}, nil
			}
		}
		rv, t, err := e.RefreshDownstreamReview(ctx, input.ID, actorID, activity)
		if err != nil {
			return nil, handleError(err)
		}
		warnings = append(warnings, dispatch(ctx, cfg, t)...)
		return &reviewBody{Body: ReviewResponse{Review: rv, Warnings: warnings}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-review",
		Method:      http.MethodPost,
		Path:        "/reviews/{id}/complete",
		Summary:     "Finish a downstream review once every unit is decided",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   int64              `path:"id"`
		Body ReviewUnitsRequest `json:"body"`
	}) (*reviewBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rv, t, err := e.CompleteDownstreamReview(ctx, input.ID, actorID, input.Body.Units)
		if err != nil {
			return nil, handleError(err)
		}
		return &reviewBody{Body: ReviewResponse{Review: rv, Warnings: dispatch(ctx, cfg, t)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "return-review",
		Method:      http.MethodPost,
		Path:        "/reviews/{id}/return",
		Summary:     "Send the certification back to the ship queue",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   int64               `path:"id"`
		Body ReturnReviewRequest `json:"body"`
	}) (*reviewBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rv, t, err := e.ReturnDownstreamReview(ctx, input.ID, actorID, input.Body.Reason, input.Body.Units)
		if err != nil {
			return nil, handleError(err)
		}
		return &reviewBody{Body: ReviewResponse{Review: rv, Warnings: dispatch(ctx, cfg, t)}}, nil
	})
}
