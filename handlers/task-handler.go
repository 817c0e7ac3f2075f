package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"taskboard/microservices/tasks-service/apperrors"
	"taskboard/microservices/tasks-service/middleware"
	"taskboard/microservices/tasks-service/models"
	"taskboard/microservices/tasks-service/services"

	"github.com/gorilla/mux"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// positionalFields can only be changed through the move endpoint.
var positionalFields = []string{"order", "column", "columnId", "board", "boardId"}

type TaskHandler struct {
	service *services.TaskService
}

func NewTaskHandler(service *services.TaskService) *TaskHandler {
	return &TaskHandler{service: service}
}

type createTaskRequest struct {
	ColumnID    string   `json:"columnId"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	AssignedTo  *string  `json:"assignedTo"`
	DueDate     *string  `json:"dueDate"`
	Priority    string   `json:"priority"`
	Labels      []string `json:"labels"`
}

type moveTaskRequest struct {
	ToColumnID string `json:"toColumnId"`
	ToIndex    *int   `json:"toIndex"`
}

type moveTaskResponse struct {
	Message string `json:"message"`
	models.MoveResult
}

func identity(r *http.Request) models.Identity {
	id, _ := middleware.IdentityFrom(r.Context())
	return id
}

func pathID(r *http.Request, name string) (primitive.ObjectID, error) {
	id, err := primitive.ObjectIDFromHex(mux.Vars(r)[name])
	if err != nil {
		return primitive.NilObjectID, apperrors.Invalid("invalid %s", name)
	}
	return id, nil
}

// parseDate accepts RFC3339 timestamps and plain YYYY-MM-DD dates (UTC
// midnight).
func parseDate(field, value string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(time.DateOnly, value); err == nil {
		return t, nil
	}
	return time.Time{}, apperrors.Invalid("%s must be an RFC3339 timestamp or YYYY-MM-DD date", field)
}

func parseOptionalID(field string, value *string) (*primitive.ObjectID, error) {
	if value == nil || *value == "" {
		return nil, nil
	}
	id, err := primitive.ObjectIDFromHex(*value)
	if err != nil {
		return nil, apperrors.Invalid("invalid %s", field)
	}
	return &id, nil
}

func parseListQuery(q url.Values) (models.TaskFilter, models.PageRequest, error) {
	var (
		filter models.TaskFilter
		page   models.PageRequest
	)
	filter.Query = strings.TrimSpace(q.Get("q"))

	if v := q.Get("columnId"); v != "" {
		id, err := primitive.ObjectIDFromHex(v)
		if err != nil {
			return filter, page, apperrors.Invalid("invalid columnId")
		}
		filter.ColumnID = &id
	}
	if v := q.Get("assignedTo"); v != "" {
		id, err := primitive.ObjectIDFromHex(v)
		if err != nil {
			return filter, page, apperrors.Invalid("invalid assignedTo")
		}
		filter.AssignedTo = &id
	}
	if v := q.Get("dueFrom"); v != "" {
		t, err := parseDate("dueFrom", v)
		if err != nil {
			return filter, page, err
		}
		filter.DueFrom = &t
	}
	if v := q.Get("dueTo"); v != "" {
		t, err := parseDate("dueTo", v)
		if err != nil {
			return filter, page, err
		}
		filter.DueTo = &t
	}
	for name, dst := range map[string]*int{"page": &page.Page, "limit": &page.Limit} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return filter, page, apperrors.Invalid("%s must be a positive integer", name)
		}
		*dst = n
	}
	return filter, page.Normalize(), nil
}

func (h *TaskHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	boardID, err := pathID(r, "boardId")
	if err != nil {
		writeError(w, r, err)
		return
	}
	filter, page, err := parseListQuery(r.URL.Query())
	if err != nil {
		writeError(w, r, err)
		return
	}

	result, err := h.service.ListTasks(r.Context(), identity(r), boardID, filter, page)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *TaskHandler) CreateTask(w http.ResponseWriter, r *http.Request) {
	boardID, err := pathID(r, "boardId")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, apperrors.Invalid("invalid request body"))
		return
	}

	columnID, err := primitive.ObjectIDFromHex(req.ColumnID)
	if err != nil {
		writeError(w, r, apperrors.Invalid("invalid column"))
		return
	}
	assignee, err := parseOptionalID("assignedTo", req.AssignedTo)
	if err != nil {
		writeError(w, r, err)
		return
	}
	in := models.NewTask{
		ColumnID:    columnID,
		Title:       req.Title,
		Description: req.Description,
		AssignedTo:  assignee,
		Priority:    models.Priority(req.Priority),
		Labels:      req.Labels,
	}
	if req.DueDate != nil && *req.DueDate != "" {
		due, err := parseDate("dueDate", *req.DueDate)
		if err != nil {
			writeError(w, r, err)
			return
		}
		in.DueDate = &due
	}

	task, err := h.service.CreateTask(r.Context(), identity(r), boardID, in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

// decodePatch reads a partial update. Positional fields are rejected and an
// explicit null clears assignedTo or dueDate.
func decodePatch(body map[string]json.RawMessage) (models.TaskPatch, error) {
	var patch models.TaskPatch
	for _, f := range positionalFields {
		if _, ok := body[f]; ok {
			return patch, apperrors.Invalid("%s cannot be updated directly, use the move endpoint", f)
		}
	}
	isNull := func(raw json.RawMessage) bool { return bytes.Equal(bytes.TrimSpace(raw), []byte("null")) }

	if raw, ok := body["title"]; ok {
		var v string
		if err := json.Unmarshal(raw, &v); err != nil {
			return patch, apperrors.Invalid("title must be a string")
		}
		patch.Title = &v
	}
	if raw, ok := body["description"]; ok {
		var v string
		if !isNull(raw) {
			if err := json.Unmarshal(raw, &v); err != nil {
				return patch, apperrors.Invalid("description must be a string")
			}
		}
		patch.Description = &v
	}
	if raw, ok := body["assignedTo"]; ok {
		var v *string
		if err := json.Unmarshal(raw, &v); err != nil {
			return patch, apperrors.Invalid("assignedTo must be a user id")
		}
		id, err := parseOptionalID("assignedTo", v)
		if err != nil {
			return patch, err
		}
		patch.AssignedTo = id
		patch.ClearAssignee = id == nil
	}
	if raw, ok := body["dueDate"]; ok {
		var v *string
		if err := json.Unmarshal(raw, &v); err != nil {
			return patch, apperrors.Invalid("dueDate must be a date string")
		}
		if v == nil || *v == "" {
			patch.ClearDueDate = true
		} else {
			due, err := parseDate("dueDate", *v)
			if err != nil {
				return patch, err
			}
			patch.DueDate = &due
		}
	}
	if raw, ok := body["priority"]; ok {
		var v models.Priority
		if err := json.Unmarshal(raw, &v); err != nil {
			return patch, apperrors.Invalid("priority must be a string")
		}
		patch.Priority = &v
	}
	if raw, ok := body["labels"]; ok {
		var v []string
		if err := json.Unmarshal(raw, &v); err != nil {
			return patch, apperrors.Invalid("labels must be a list of strings")
		}
		if v == nil {
			v = []string{}
		}
		patch.Labels = &v
	}
	return patch, nil
}

func (h *TaskHandler) UpdateTask(w http.ResponseWriter, r *http.Request) {
	taskID, err := pathID(r, "taskId")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var body map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, apperrors.Invalid("invalid request body"))
		return
	}
	patch, err := decodePatch(body)
	if err != nil {
		writeError(w, r, err)
		return
	}

	task, err := h.service.UpdateTask(r.Context(), identity(r), taskID, patch)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (h *TaskHandler) DeleteTask(w http.ResponseWriter, r *http.Request) {
	taskID, err := pathID(r, "taskId")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.service.DeleteTask(r.Context(), identity(r), taskID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Task deleted"})
}

func (h *TaskHandler) MoveTask(w http.ResponseWriter, r *http.Request) {
	boardID, err := pathID(r, "boardId")
	if err != nil {
		writeError(w, r, err)
		return
	}
	taskID, err := pathID(r, "taskId")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req moveTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, apperrors.Invalid("invalid request body"))
		return
	}
	toColumn, err := primitive.ObjectIDFromHex(req.ToColumnID)
	if err != nil {
		writeError(w, r, apperrors.Invalid("invalid destination column"))
		return
	}

	result, err := h.service.MoveTask(r.Context(), identity(r), boardID, taskID, models.MoveRequest{
		ToColumnID: toColumn,
		ToIndex:    req.ToIndex,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, moveTaskResponse{Message: "Moved", MoveResult: result})
}

func Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
