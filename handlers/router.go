package handlers

import (
	"net/http"

	"taskboard/microservices/tasks-service/middleware"

	"github.com/gorilla/mux"
)

// NewRouter wires the task routes. Everything under /task needs a bearer
// token; CORS wraps the whole router so preflights never reach auth.
func NewRouter(h *TaskHandler, jwtSecret []byte, corsOrigin string) http.Handler {
	r := mux.NewRouter()
	r.Use(middleware.RequestLogger)

	r.HandleFunc("/health", Health).Methods(http.MethodGet)

	api := r.PathPrefix("/task").Subrouter()
	api.Use(middleware.Auth(jwtSecret))
	api.HandleFunc("/boards/{boardId}/tasks", h.ListTasks).Methods(http.MethodGet)
	api.HandleFunc("/boards/{boardId}/tasks", h.CreateTask).Methods(http.MethodPost)
	api.HandleFunc("/boards/{boardId}/tasks/{taskId}/move", h.MoveTask).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{taskId}", h.UpdateTask).Methods(http.MethodPatch)
	api.HandleFunc("/tasks/{taskId}", h.DeleteTask).Methods(http.MethodDelete)

	return middleware.CORS(corsOrigin)(r)
}
