package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/taskforge/taskforge/internal/domain"
	"github.com/taskforge/taskforge/internal/httpapi/middleware"
	"github.com/taskforge/taskforge/internal/httpapi/response"
)

// taskService is the slice of mutation.Service the HTTP layer calls.
// *mutation.Service satisfies it; tests can substitute a fake.
type taskService interface {
	CreateTask(ctx context.Context, userID string, params domain.CreateTaskParams) (domain.Task, error)
	UpdateTask(ctx context.Context, userID, taskID string, params domain.UpdateTaskParams) (domain.Task, error)
	CompleteTask(ctx context.Context, userID, taskID string) (domain.Task, error)
	DeleteTask(ctx context.Context, userID, taskID string) error
	ListTasks(ctx context.Context, userID string, params domain.ListTasksParams) (domain.PagedResult, error)
}

// Tasks implements the create/update/complete/delete/list task_* operations
// of the Mutation API (spec §6) as chi-compatible HTTP handlers.
type Tasks struct {
	Service taskService
}

// NewTasks builds a Tasks handler bound to svc.
func NewTasks(svc taskService) *Tasks {
	return &Tasks{Service: svc}
}

// Create handles POST /tasks.
func (h *Tasks) Create(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserID(r.Context())

	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "malformed request body")
		return
	}

	params := domain.CreateTaskParams{
		Title:       req.Title,
		Description: req.Description,
		Priority:    req.Priority,
		Tags:        req.Tags,
		DueDate:     req.DueDate,
	}
	if req.Recurrence != nil {
		params.Recurrence = &domain.RecurrenceParams{Pattern: req.Recurrence.Pattern, Interval: req.Recurrence.Interval}
	}
	for _, rp := range req.Reminders {
		params.Reminders = append(params.Reminders, domain.ReminderParams{ReminderTime: rp.ReminderTime, DeliveryMethod: rp.DeliveryMethod})
	}

	task, err := h.Service.CreateTask(r.Context(), userID, params)
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	response.Created(w, toTaskDTO(task))
}

// Update handles PATCH /tasks/{taskID}.
func (h *Tasks) Update(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserID(r.Context())
	taskID := chi.URLParam(r, "taskID")

	var req updateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "malformed request body")
		return
	}

	params := domain.UpdateTaskParams{
		UpdateMask:  req.UpdateMask,
		Title:       req.Title,
		Description: req.Description,
		Priority:    req.Priority,
		Tags:        req.Tags,
		DueDate:     req.DueDate,
	}

	task, err := h.Service.UpdateTask(r.Context(), userID, taskID, params)
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	response.OK(w, toTaskDTO(task))
}

// Complete handles POST /tasks/{taskID}/complete.
func (h *Tasks) Complete(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserID(r.Context())
	taskID := chi.URLParam(r, "taskID")

	task, err := h.Service.CompleteTask(r.Context(), userID, taskID)
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	response.OK(w, toTaskDTO(task))
}

// Delete handles DELETE /tasks/{taskID}.
func (h *Tasks) Delete(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserID(r.Context())
	taskID := chi.URLParam(r, "taskID")

	if err := h.Service.DeleteTask(r.Context(), userID, taskID); err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	response.NoContent(w)
}

// List handles GET /tasks.
func (h *Tasks) List(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserID(r.Context())

	params, err := parseListTasksParams(r)
	if err != nil {
		response.BadRequest(w, err.Error())
		return
	}

	result, err := h.Service.ListTasks(r.Context(), userID, params)
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}

	items := make([]taskDTO, len(result.Items))
	for i, t := range result.Items {
		items[i] = toTaskDTO(t)
	}
	response.OK(w, listTasksResponse{Items: items, TotalCount: result.TotalCount, HasMore: result.HasMore})
}

func parseListTasksParams(r *http.Request) (domain.ListTasksParams, error) {
	q := r.URL.Query()
	var params domain.ListTasksParams

	if v := q.Get("completed"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return params, errInvalidQueryParam("completed")
		}
		params.Status = &b
	}
	if v := q.Get("priority"); v != "" {
		p := domain.Priority(v)
		params.Priority = &p
	}
	if v := q.Get("tag"); v != "" {
		params.Tag = &v
	}
	if v := q.Get("due_before"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return params, errInvalidQueryParam("due_before")
		}
		params.DueBefore = &t
	}
	if v := q.Get("due_after"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return params, errInvalidQueryParam("due_after")
		}
		params.DueAfter = &t
	}
	params.OrderBy = q.Get("order_by")

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return params, errInvalidQueryParam("limit")
		}
		params.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return params, errInvalidQueryParam("offset")
		}
		params.Offset = n
	}

	return params, nil
}

type invalidQueryParamError struct{ param string }

func (e invalidQueryParamError) Error() string { return "invalid query parameter: " + e.param }

func errInvalidQueryParam(param string) error { return invalidQueryParamError{param: param} }

func toTaskDTO(t domain.Task) taskDTO {
	return taskDTO{
		ID:           t.ID,
		UserID:       t.UserID,
		Title:        t.Title,
		Description:  t.Description,
		Completed:    t.Completed,
		Priority:     string(t.Priority),
		Tags:         t.Tags,
		DueDate:      t.DueDate,
		RecurrenceID: t.RecurrenceID,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
	}
}
