package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"shipyard/internal/domain"
	"shipyard/internal/engine"
	"shipyard/internal/repo"
)

type assignmentBody struct {
	Body AssignmentResponse `json:"body"`
}

func registerAssignments(api huma.API, cfg Config) {
	e := cfg.Engine

	huma.Register(api, huma.Operation{
		OperationID: "list-assignments",
		Method:      http.MethodGet,
		Path:        "/assignments",
		Summary:     "List assignments",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Status     string `query:"status" enum:"pending,in_progress,completed,"`
		AssigneeID string `query:"assignee_id"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Assignment `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListAssignments(ctx, actorID, repo.AssignmentFilters{
			AssigneeID: input.AssigneeID,
			Status:     input.Status,
			Limit:      normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Assignment `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "route-assignment",
		Method:        http.MethodPost,
		Path:          "/assignments",
		Summary:       "Route work to the least loaded qualified reviewer",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body RouteRequest `json:"body"`
	}) (*assignmentBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, t, err := e.Route(ctx, engine.RouteInput{
			RequesterID: actorID,
			CertID:      input.Body.CertificationID,
			Skills:      input.Body.Skills,
			ProjectName: input.Body.ProjectName,
			RepoURL:     input.Body.RepoURL,
			DemoURL:     input.Body.DemoURL,
			Description: input.Body.Description,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &assignmentBody{Body: AssignmentResponse{Assignment: a, Warnings: dispatch(ctx, cfg, t)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-assignment-status",
		Method:      http.MethodPatch,
		Path:        "/assignments/{id}/status",
		Summary:     "Move an assignment through its lifecycle",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   int64                   `path:"id"`
		Body AssignmentStatusRequest `json:"body"`
	}) (*assignmentBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, t, err := e.UpdateAssignmentStatus(ctx, input.ID, actorID, input.Body.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return &assignmentBody{Body: AssignmentResponse{Assignment: a, Warnings: dispatch(ctx, cfg, t)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reassign-assignment",
		Method:      http.MethodPatch,
		Path:        "/assignments/{id}/assignee",
		Summary:     "Hand an assignment to someone else",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   int64           `path:"id"`
		Body ReassignRequest `json:"body"`
	}) (*assignmentBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, t, err := e.Reassign(ctx, input.ID, actorID, input.Body.AssigneeID)
		if err != nil {
			return nil, handleError(err)
		}
		return &assignmentBody{Body: AssignmentResponse{Assignment: a, Warnings: dispatch(ctx, cfg, t)}}, nil
	})
}
