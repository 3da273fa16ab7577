package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"shipyard/internal/engine"
)

type spotCheckBody struct {
	Body SpotCheckResponse `json:"body"`
}

func registerSpotChecks(api huma.API, cfg Config) {
	e := cfg.Engine

	huma.Register(api, huma.Operation{
		OperationID: "sample-spot-check",
		Method:      http.MethodGet,
		Path:        "/spot-checks/sample",
		Summary:     "Draw a random decided certification for audit",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ReviewerID string `query:"reviewer_id"`
	}) (*struct {
		Body SpotCheckSampleResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.SampleSpotCheck(ctx, actorID, input.ReviewerID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := SpotCheckSampleResponse{}
		if c != nil {
			cr := certificationResponse(*c)
			resp.Certification = &cr
		}
		return &struct {
			Body SpotCheckSampleResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "decide-spot-check",
		Method:        http.MethodPost,
		Path:          "/spot-checks",
		Summary:       "Record a spot check outcome",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body SpotCheckRequest `json:"body"`
	}) (*spotCheckBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		sc, t, err := e.DecideSpotCheck(ctx, engine.SpotCheckInput{
			CertID:     input.Body.CertificationID,
			ReviewerID: input.Body.ReviewerID,
			StaffID:    actorID,
			Outcome:    input.Body.Outcome,
			Reasoning:  input.Body.Reasoning,
			Notes:      input.Body.Notes,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &spotCheckBody{Body: SpotCheckResponse{Case: sc, Warnings: dispatch(ctx, cfg, t)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-spot-check",
		Method:      http.MethodPatch,
		Path:        "/spot-checks/{case_id}/resolve",
		Summary:     "Toggle a case between unresolved and resolved",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CaseID string `path:"case_id"`
	}) (*spotCheckBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		sc, t, err := e.ResolveSpotCheckCase(ctx, input.CaseID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &spotCheckBody{Body: SpotCheckResponse{Case: sc, Warnings: dispatch(ctx, cfg, t)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "spot-check-stats",
		Method:      http.MethodGet,
		Path:        "/spot-checks/stats/{reviewer_id}",
		Summary:     "Spot check pass rate for a reviewer",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ReviewerID string `path:"reviewer_id"`
	}) (*struct {
		Body engine.SpotCheckStats `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		st, err := e.SpotCheckStats(ctx, actorID, input.ReviewerID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.SpotCheckStats `json:"body"`
		}{Body: st}, nil
	})
}
