package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/toolhive-mlsync/internal/auth"
	"github.com/stacklok/toolhive-mlsync/internal/events"
	"github.com/stacklok/toolhive-mlsync/internal/versions"
	"github.com/stacklok/toolhive-mlsync/internal/worker"
)

// maxRequestBody caps JSON request bodies
const maxRequestBody = 1 << 20

// Routes holds the handlers of the v1 API
type Routes struct {
	orch    Orchestrator
	session Session
	pub     Publisher
	realm   string
}

// Router creates the v1 router
func Router(orch Orchestrator, session Session, pub Publisher, realm string) http.Handler {
	routes := &Routes{
		orch:    orch,
		session: session,
		pub:     pub,
		realm:   realm,
	}

	r := chi.NewRouter()

	r.Get("/status", routes.getStatus)
	r.Put("/session", routes.putSession)
	r.Delete("/session", routes.deleteSession)
	r.Post("/uploads", routes.postUpload)
	r.Post("/live-sync", routes.postLiveSync)
	r.Post("/library/refresh", routes.postLibraryRefresh)

	return r
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSONResponse(w, HealthResponse{Status: "healthy"}, http.StatusOK)
}

func versionHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSONResponse(w, versions.GetVersionInfo(), http.StatusOK)
}

// getStatus handles GET /v1/status
func (rr *Routes) getStatus(w http.ResponseWriter, r *http.Request) {
	st := rr.orch.Status(r.Context())
	writeJSONResponse(w, StatusResponse{
		Status:              st,
		NextIntervalSeconds: st.NextInterval.Seconds(),
	}, http.StatusOK)
}

// putSession handles PUT /v1/session.
// The token travels in the Authorization header so it never ends up in access logs.
func (rr *Routes) putSession(w http.ResponseWriter, r *http.Request) {
	token, err := auth.ExtractBearerToken(r)
	if err != nil {
		auth.WriteUnauthorized(w, rr.realm, "invalid_request", err.Error())
		return
	}

	if err := rr.session.SetToken(r.Context(), token); err != nil {
		if errors.Is(err, auth.ErrNoSession) || errors.Is(err, auth.ErrSessionExpired) {
			auth.WriteUnauthorized(w, rr.realm, "invalid_token", err.Error())
			return
		}
		slog.Error("Failed to store session token", "error", err)
		writeErrorResponse(w, "Failed to store session", http.StatusInternalServerError)
		return
	}

	rr.publish(w, events.Login{})
}

// deleteSession handles DELETE /v1/session
func (rr *Routes) deleteSession(w http.ResponseWriter, r *http.Request) {
	if err := rr.session.Clear(r.Context()); err != nil {
		// Logout still proceeds so the orchestrator drops its state
		slog.Error("Failed to remove session token", "error", err)
	}

	rr.publish(w, events.Logout{})
}

// postUpload handles POST /v1/uploads
func (rr *Routes) postUpload(w http.ResponseWriter, r *http.Request) {
	var req UploadRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if msg := validateFiles(req.RemoteFile, req.LocalFile); msg != "" {
		writeErrorResponse(w, msg, http.StatusBadRequest)
		return
	}

	rr.publish(w, events.FileUploaded{RemoteFile: req.RemoteFile, LocalFile: req.LocalFile})
}

// postLiveSync handles POST /v1/live-sync[?wait=true].
// Without wait the task is queued and 202 is returned with its ID.
func (rr *Routes) postLiveSync(w http.ResponseWriter, r *http.Request) {
	wait := false
	if v := r.URL.Query().Get("wait"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			writeErrorResponse(w, "wait must be a boolean", http.StatusBadRequest)
			return
		}
		wait = parsed
	}

	var req LiveSyncRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if msg := validateFiles(req.RemoteFile, req.LocalFile); msg != "" {
		writeErrorResponse(w, msg, http.StatusBadRequest)
		return
	}

	taskID, future := rr.orch.SyncLocalFile(r.Context(), req.RemoteFile, req.LocalFile, req.Config)
	if !wait {
		writeJSONResponse(w, LiveSyncResponse{TaskID: taskID, Status: TaskQueued}, http.StatusAccepted)
		return
	}

	if err := future.Wait(r.Context()); err != nil {
		if r.Context().Err() != nil {
			// The client went away; the task stays queued
			return
		}
		writeJSONResponse(w, LiveSyncResponse{
			TaskID: taskID,
			Status: TaskFailed,
			Error:  err.Error(),
		}, http.StatusBadGateway)
		return
	}
	writeJSONResponse(w, LiveSyncResponse{TaskID: taskID, Status: TaskCompleted}, http.StatusOK)
}

// postLibraryRefresh handles POST /v1/library/refresh
func (rr *Routes) postLibraryRefresh(w http.ResponseWriter, _ *http.Request) {
	rr.publish(w, events.LocalFilesUpdated{})
}

func (rr *Routes) publish(w http.ResponseWriter, ev events.Event) {
	if err := rr.pub.Publish(ev); err != nil {
		slog.Error("Failed to publish event", "event", ev.Name(), "error", err)
		writeErrorResponse(w, "Event bus unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func validateFiles(remote worker.RemoteFile, local worker.LocalFile) string {
	if remote.ID <= 0 {
		return "remoteFile.id must be positive"
	}
	if local.Path == "" {
		return "localFile.path is required"
	}
	return ""
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeErrorResponse(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// writeJSONResponse writes a JSON response with the given data
func writeJSONResponse(w http.ResponseWriter, data any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeErrorResponse writes a standardized error response
func writeErrorResponse(w http.ResponseWriter, message string, statusCode int) {
	writeJSONResponse(w, ErrorResponse{Error: message}, statusCode)
}
