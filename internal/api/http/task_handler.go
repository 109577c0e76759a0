// internal/api/http/task_handler.go
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"distributed-tasks/internal/domain"
	"distributed-tasks/internal/metrics"
	"distributed-tasks/internal/usecase"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ActorHeader names the caller of an administrative request.
const ActorHeader = "X-Actor"

// defaultActor is used when a request names no actor.
const defaultActor domain.Actor = "api"

// TaskHandler serves the task administration API.
type TaskHandler struct {
	service  *usecase.TaskService
	logger   *slog.Logger
	validate *validator.Validate
	tracer   trace.Tracer
}

// NewTaskHandler creates a new TaskHandler and initializes the validator.
func NewTaskHandler(service *usecase.TaskService, logger *slog.Logger) *TaskHandler {
	validate := validator.New()
	_ = validate.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		d, err := time.ParseDuration(fl.Field().String())
		return err == nil && d >= 0
	})

	return &TaskHandler{
		service:  service,
		logger:   logger.With("component", "task-handler"),
		validate: validate,
		tracer:   otel.Tracer("distributed-tasks-api"),
	}
}

// instrumentedResponseWriter captures the status code.
type instrumentedResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *instrumentedResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// Routes builds the router of the API, including /metrics.
func (h *TaskHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.instrument)
	r.Use(actorContext)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/tasks", func(r chi.Router) {
		r.Get("/", h.handleListTasks)
		r.Post("/", h.handleSaveTask)
		r.Route("/{name}", func(r chi.Router) {
			r.Get("/", h.handleGetTask)
			r.Delete("/", h.handleDeleteTask)
			r.Get("/history", h.handleGetHistory)
			r.Get("/history/{id}", h.handleGetHistoryResult)
			r.Post("/run", h.handleScheduleNow)
			r.Post("/stop", h.handleStop)
			r.Post("/release-lock", h.handleReleaseLock)
			r.Post("/enable", h.toggle("Enable", h.service.Enable))
			r.Post("/disable", h.toggle("Disable", h.service.Disable))
			r.Post("/block", h.toggle("Block", h.service.Block))
			r.Post("/unblock", h.toggle("Unblock", h.service.Unblock))
		})
	})

	r.Route("/scheduler", func(r chi.Router) {
		r.Get("/", h.handleStatus)
		r.Post("/suspend", h.handleSuspend)
		r.Post("/resume", h.handleResume)
	})
	return r
}

func (h *TaskHandler) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := h.tracer.Start(r.Context(), "HTTP "+r.Method, trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
		))
		defer span.End()

		iw := &instrumentedResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(iw, r.WithContext(ctx))

		path := r.URL.Path
		if rctx := chi.RouteContext(ctx); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		span.SetName("HTTP " + r.Method + " " + path)
		metrics.HttpRequestsTotal.WithLabelValues(path, r.Method, strconv.Itoa(iw.statusCode)).Inc()

		span.SetAttributes(attribute.Int("http.status_code", iw.statusCode))
		if iw.statusCode >= 500 {
			span.SetStatus(codes.Error, "Server Error")
		}
	})
}

func actorContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor := domain.Actor(r.Header.Get(ActorHeader))
		if actor == "" {
			actor = defaultActor
		}
		next.ServeHTTP(w, r.WithContext(domain.WithActor(r.Context(), actor)))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusOf maps service errors to HTTP status codes.
func statusOf(err error) int {
	var verrs validator.ValidationErrors
	switch {
	case errors.Is(err, domain.ErrTaskNotFound), errors.Is(err, domain.ErrResultNotFound):
		return http.StatusNotFound
	case errors.As(err, &verrs), errors.Is(err, domain.ErrInvalidDefinition):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrSchedulerSuspended),
		errors.Is(err, domain.ErrTaskBlocked),
		errors.Is(err, domain.ErrTaskRunning),
		errors.Is(err, domain.ErrTaskNotRunning),
		errors.Is(err, domain.ErrNotClusterTask),
		errors.Is(err, domain.ErrNoClusterLock),
		errors.Is(err, domain.ErrBlockingNotAllowed),
		errors.Is(err, domain.ErrDuplicateTask),
		errors.Is(err, domain.ErrIllegalState),
		errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (h *TaskHandler) writeError(w http.ResponseWriter, span trace.Span, msg string, err error) {
	span.SetStatus(codes.Error, msg)
	span.RecordError(err)

	status := statusOf(err)
	resp := ErrorResponse{Error: err.Error()}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		resp.Details = validationDetails(verrs)
	}
	if status == http.StatusInternalServerError {
		h.logger.Error(msg, "error", err)
		resp = ErrorResponse{Error: "Internal server error"}
	} else {
		h.logger.Warn(msg, "error", err)
	}
	writeJSON(w, status, resp)
}

func validationDetails(verrs validator.ValidationErrors) []string {
	details := make([]string, 0, len(verrs))
	for _, e := range verrs {
		details = append(details, fmt.Sprintf("Field '%s' failed on the '%s' tag.", e.Namespace(), e.Tag()))
	}
	return details
}

// handleListTasks handles GET /tasks
func (h *TaskHandler) handleListTasks(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.ListTasks")
	defer span.End()

	tasks, err := h.service.List(ctx)
	if err != nil {
		h.writeError(w, span, "Failed to list tasks", err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

// handleGetTask handles GET /tasks/{name}
func (h *TaskHandler) handleGetTask(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.GetTask")
	defer span.End()
	name := chi.URLParam(r, "name")
	span.SetAttributes(attribute.String("task.name", name))

	view, err := h.service.Get(ctx, name)
	if err != nil {
		h.writeError(w, span, "Failed to get task", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleSaveTask handles POST /tasks
func (h *TaskHandler) handleSaveTask(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.SaveTask")
	defer span.End()

	var req SaveTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		span.SetStatus(codes.Error, "Failed to decode request body")
		span.RecordError(err)
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	if err := h.validate.Struct(req); err != nil {
		span.SetStatus(codes.Error, "Validation failed")
		span.RecordError(err)
		resp := ErrorResponse{Error: "Validation failed"}
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			resp.Details = validationDetails(verrs)
		}
		writeJSON(w, http.StatusBadRequest, resp)
		return
	}

	def := req.ToDomainDefinition()
	span.SetAttributes(attribute.String("task.name", def.Name))
	if err := h.service.SaveDefinition(ctx, def); err != nil {
		h.writeError(w, span, "Failed to save task", err)
		return
	}
	writeJSON(w, http.StatusCreated, def)
}

// handleDeleteTask handles DELETE /tasks/{name}
func (h *TaskHandler) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.DeleteTask")
	defer span.End()
	name := chi.URLParam(r, "name")
	span.SetAttributes(attribute.String("task.name", name))

	if err := h.service.DeleteDefinition(ctx, name); err != nil {
		h.writeError(w, span, "Failed to delete task", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleGetHistory handles GET /tasks/{name}/history
func (h *TaskHandler) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.GetHistory")
	defer span.End()
	name := chi.URLParam(r, "name")

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("pageSize"))
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}
	span.SetAttributes(attribute.String("task.name", name), attribute.Int("page", page), attribute.Int("page_size", pageSize))

	history, err := h.service.History(ctx, name, page, pageSize)
	if err != nil {
		h.writeError(w, span, "Failed to list task history", err)
		return
	}
	if history == nil {
		history = []*domain.TaskResult{}
	}
	writeJSON(w, http.StatusOK, history)
}

// handleGetHistoryResult handles GET /tasks/{name}/history/{id}
func (h *TaskHandler) handleGetHistoryResult(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.GetHistoryResult")
	defer span.End()

	res, err := h.service.HistoryResult(ctx, chi.URLParam(r, "name"), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, span, "Failed to get task result", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleScheduleNow handles POST /tasks/{name}/run
func (h *TaskHandler) handleScheduleNow(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.ScheduleNow")
	defer span.End()
	name := chi.URLParam(r, "name")
	span.SetAttributes(attribute.String("task.name", name))

	var req ScheduleNowRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			span.SetStatus(codes.Error, "Failed to decode request body")
			span.RecordError(err)
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
			return
		}
	}
	var start time.Time
	if req.Start != nil {
		start = *req.Start
	}

	at, err := h.service.ScheduleNow(ctx, name, start)
	if err != nil {
		h.writeError(w, span, "Failed to schedule task", err)
		return
	}
	writeJSON(w, http.StatusAccepted, ScheduleNowResponse{Task: name, Start: at})
}

// handleStop handles POST /tasks/{name}/stop
func (h *TaskHandler) handleStop(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.Stop")
	defer span.End()
	name := chi.URLParam(r, "name")
	span.SetAttributes(attribute.String("task.name", name))

	ok, err := h.service.Stop(ctx, name)
	if err != nil {
		h.writeError(w, span, "Failed to stop task", err)
		return
	}
	writeJSON(w, http.StatusAccepted, StopResponse{Task: name, Confirmed: ok})
}

// handleReleaseLock handles POST /tasks/{name}/release-lock
func (h *TaskHandler) handleReleaseLock(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.ReleaseLock")
	defer span.End()
	name := chi.URLParam(r, "name")
	span.SetAttributes(attribute.String("task.name", name))

	if err := h.service.ReleaseLock(ctx, name); err != nil {
		h.writeError(w, span, "Failed to release cluster lock", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *TaskHandler) toggle(op string, fn func(ctx context.Context, name string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := h.tracer.Start(r.Context(), "handler."+op)
		defer span.End()
		name := chi.URLParam(r, "name")
		span.SetAttributes(attribute.String("task.name", name))

		if err := fn(ctx, name); err != nil {
			h.writeError(w, span, "Failed to "+op+" task", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleStatus handles GET /scheduler
func (h *TaskHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Status())
}

// handleSuspend handles POST /scheduler/suspend
func (h *TaskHandler) handleSuspend(w http.ResponseWriter, r *http.Request) {
	h.service.Suspend(r.Context())
	writeJSON(w, http.StatusOK, h.service.Status())
}

// handleResume handles POST /scheduler/resume
func (h *TaskHandler) handleResume(w http.ResponseWriter, r *http.Request) {
	h.service.Resume(r.Context())
	writeJSON(w, http.StatusOK, h.service.Status())
}
