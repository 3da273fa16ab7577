package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"

	"shipyard/internal/engine"
	"shipyard/internal/repo"
)

type certPath struct {
	ID int64 `path:"id"`
}

func registerIntake(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-certification",
		Method:        http.MethodPost,
		Path:          "/intake/submissions",
		Summary:       "Accept a submission from the origin platform",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body IntakeRequest `json:"body"`
	}) (*struct {
		Body SubmissionResponse `json:"body"`
	}, error) {
		c, t, err := cfg.Engine.Submit(ctx, input.Body.submission())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SubmissionResponse `json:"body"`
		}{Body: SubmissionResponse{
			Certification: certificationResponse(c),
			Warnings:      dispatch(ctx, cfg, t),
		}}, nil
	})
}

func registerCertifications(api huma.API, cfg Config, claims *claimMetrics) {
	e := cfg.Engine

	huma.Register(api, huma.Operation{
		OperationID: "list-certifications",
		Method:      http.MethodGet,
		Path:        "/certifications",
		Summary:     "List certifications",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Status     string `query:"status" enum:"pending,approved,rejected,"`
		ReviewerID string `query:"reviewer_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedCertifications `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		var after int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			after = parsed
		}
		items, err := e.ListCertifications(ctx, actorID, repo.CertFilters{
			Status:     input.Status,
			ReviewerID: input.ReviewerID,
			Limit:      limit + 1,
			AfterID:    after,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedCertifications{}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		resp.Items = mapCertifications(items)
		return &struct {
			Body paginatedCertifications `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-certification",
		Method:      http.MethodGet,
		Path:        "/certifications/{id}",
		Summary:     "Get certification",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *certPath) (*struct {
		Body CertificationResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.GetCertification(ctx, actorID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CertificationResponse `json:"body"`
		}{Body: certificationResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "claim-status",
		Method:      http.MethodGet,
		Path:        "/certifications/{id}/claim",
		Summary:     "Who holds the claim",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *certPath) (*struct {
		Body engine.ClaimStatus `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		st, err := e.ClaimStatus(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ClaimStatus `json:"body"`
		}{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "claim-certification",
		Method:      http.MethodPost,
		Path:        "/certifications/{id}/claim",
		Summary:     "Take or refresh the claim",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusLocked},
	}, func(ctx context.Context, input *certPath) (*struct {
		Body engine.ClaimStatus `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		st, err := e.TryClaim(ctx, input.ID, actorID)
		claims.observe(err)
		if err != nil {
			return nil, handleClaimError(err)
		}
		return &struct {
			Body engine.ClaimStatus `json:"body"`
		}{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "release-claim",
		Method:        http.MethodDelete,
		Path:          "/certifications/{id}/claim",
		Summary:       "Release the claim",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *certPath) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.ReleaseClaim(ctx, input.ID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decide-certification",
		Method:      http.MethodPost,
		Path:        "/certifications/{id}/decision",
		Summary:     "Record a verdict or change classification and bounty",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   int64           `path:"id"`
		Body DecisionRequest `json:"body"`
	}) (*struct {
		Body DecisionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.Decide(ctx, engine.DecideInput{
			CertID:      input.ID,
			ActorID:     actorID,
			Verdict:     input.Body.Verdict,
			Feedback:    input.Body.Feedback,
			ProofURL:    input.Body.ProofURL,
			ProjectType: input.Body.ProjectType,
			SetBounty:   input.Body.Bounty != nil || input.Body.ClearBounty,
			Bounty:      input.Body.Bounty,
		})
		if err != nil {
			return nil, handleError(err)
		}
		warnings := dispatch(ctx, cfg, t)
		return &struct {
			Body DecisionResponse `json:"body"`
		}{Body: DecisionResponse{
			Certification: certificationResponse(*t.Certification),
			Kind:          t.Kind,
			Override:      t.Override,
			Payout:        t.Payout,
			Warnings:      nonNilSlice(warnings),
		}}, nil
	})
}
