package server

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/threadbox/internal/model"
)

// HandleCreateThread handles POST /v1/threads.
func (h *Handlers) HandleCreateThread(w http.ResponseWriter, r *http.Request) {
	var req model.CreateThreadRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	t, err := h.threads.CreateThread(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, "failed to create thread", err)
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("threadbox.thread_id", t.ID))
	writeJSON(w, r, http.StatusCreated, t)
}

// HandleListThreads handles GET /v1/threads.
func (h *Handlers) HandleListThreads(w http.ResponseWriter, r *http.Request) {
	list, err := h.threads.ListThreads(r.Context())
	if err != nil {
		h.writeInternalError(w, r, "failed to list threads", err)
		return
	}
	if list == nil {
		list = []model.ThreadSummary{}
	}
	writeJSON(w, r, http.StatusOK, list)
}

// HandleGetThread handles GET /v1/threads/{thread_id}.
func (h *Handlers) HandleGetThread(w http.ResponseWriter, r *http.Request) {
	detail, err := h.threads.GetThreadDetail(r.Context(), r.PathValue("thread_id"))
	if err != nil {
		h.writeServiceError(w, r, "thread", err)
		return
	}
	writeJSON(w, r, http.StatusOK, detail)
}

// HandleUpdateThread handles PUT /v1/threads/{thread_id}. The body has no
// state field, so a client sending one is rejected by decodeJSON.
func (h *Handlers) HandleUpdateThread(w http.ResponseWriter, r *http.Request) {
	var req model.UpdateThreadRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	t, err := h.threads.UpdateThread(r.Context(), r.PathValue("thread_id"), req)
	if err != nil {
		h.writeServiceError(w, r, "thread", err)
		return
	}
	writeJSON(w, r, http.StatusOK, t)
}

// HandleStartThread handles POST /v1/threads/{thread_id}/start. It answers
// 202 as soon as the thread is in starting; the run continues in the
// background.
func (h *Handlers) HandleStartThread(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("thread_id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("threadbox.thread_id", id))

	resp, err := h.threads.Start(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, "thread", err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, resp)
}

// HandleRunStatus handles GET /v1/threads/{thread_id}/run.
func (h *Handlers) HandleRunStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.threads.RunStatus(r.Context(), r.PathValue("thread_id"))
	if err != nil {
		h.writeServiceError(w, r, "thread", err)
		return
	}
	writeJSON(w, r, http.StatusOK, st)
}

// HandleDeleteThread handles DELETE /v1/threads/{thread_id}.
func (h *Handlers) HandleDeleteThread(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("thread_id")
	if err := h.threads.DeleteThread(r.Context(), id); err != nil {
		h.writeServiceError(w, r, "thread", err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.DeleteThreadResponse{
		Message:  "Thread deleted",
		ThreadID: id,
	})
}

// HandleAppendLog handles POST /v1/threads/{thread_id}/logs.
func (h *Handlers) HandleAppendLog(w http.ResponseWriter, r *http.Request) {
	var req model.CreateLogRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	l, err := h.threads.AppendLog(r.Context(), r.PathValue("thread_id"), req)
	if err != nil {
		h.writeServiceError(w, r, "thread", err)
		return
	}
	writeJSON(w, r, http.StatusCreated, l)
}

// HandleListLogs handles GET /v1/threads/{thread_id}/logs.
func (h *Handlers) HandleListLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := h.threads.ListLogs(r.Context(), r.PathValue("thread_id"))
	if err != nil {
		h.writeServiceError(w, r, "thread", err)
		return
	}
	if logs == nil {
		logs = []model.Log{}
	}
	writeJSON(w, r, http.StatusOK, logs)
}

// HandleUpdateLog handles PUT /v1/logs/{log_id}.
func (h *Handlers) HandleUpdateLog(w http.ResponseWriter, r *http.Request) {
	var req model.UpdateLogRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	l, err := h.threads.UpdateLog(r.Context(), r.PathValue("log_id"), req)
	if err != nil {
		h.writeServiceError(w, r, "log", err)
		return
	}
	writeJSON(w, r, http.StatusOK, l)
}

// HandleDeleteLog handles DELETE /v1/logs/{log_id}.
func (h *Handlers) HandleDeleteLog(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("log_id")
	if err := h.threads.DeleteLog(r.Context(), id); err != nil {
		h.writeServiceError(w, r, "log", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"message": "Log deleted", "log_id": id})
}
