package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/loqalabs/loqa-dictate/internal/capture"
	"github.com/loqalabs/loqa-dictate/internal/eventstore"
	"github.com/loqalabs/loqa-dictate/internal/models"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
	"github.com/loqalabs/loqa-dictate/internal/settings"
	"github.com/loqalabs/loqa-dictate/internal/transcribe"
)

const defaultHistoryLimit = 20

// dictationController is the orchestrator surface exposed over HTTP.
type dictationController interface {
	Status() protocol.Status
	LastError() string
	IsRecording() bool
	StartRecording(ctx context.Context) error
	StopRecording(ctx context.Context) (string, error)
	Toggle(ctx context.Context) (string, error)
	SetActiveModel(ctx context.Context, modelID string) error
	SetLanguage(lang string) error
	DownloadModel(ctx context.Context, modelID string) error
	DeleteModel(ctx context.Context, modelID string) error
}

type modelCatalog interface {
	List() []models.Status
}

type settingsView interface {
	Snapshot() settings.Settings
}

type historyView interface {
	Recent(ctx context.Context, limit int) ([]eventstore.Dictation, error)
}

type api struct {
	dictation dictationController
	models    modelCatalog
	settings  settingsView
	history   historyView
	ready     func() bool
	// background scopes downloads started by requests; they outlive the
	// request but not the runtime.
	background context.Context
	log        *slog.Logger
}

type statusResponse struct {
	Status    protocol.Status   `json:"status"`
	Recording bool              `json:"recording"`
	Error     string            `json:"error,omitempty"`
	Settings  settings.Settings `json:"settings"`
}

type transcriptResponse struct {
	Status protocol.Status `json:"status"`
	Text   string          `json:"text,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (a *api) routes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/readyz", a.handleReady)
	mux.HandleFunc("GET /status", a.handleStatus)
	mux.HandleFunc("POST /toggle", a.handleToggle)
	mux.HandleFunc("POST /start", a.handleStart)
	mux.HandleFunc("POST /stop", a.handleStop)
	mux.HandleFunc("GET /models", a.handleModels)
	mux.HandleFunc("POST /models/{id}/download", a.handleDownload)
	mux.HandleFunc("DELETE /models/{id}", a.handleDeleteModel)
	mux.HandleFunc("PUT /settings/model", a.handleSetModel)
	mux.HandleFunc("PUT /settings/language", a.handleSetLanguage)
	mux.HandleFunc("GET /history", a.handleHistory)
}

func (a *api) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (a *api) handleReady(w http.ResponseWriter, _ *http.Request) {
	if a.ready != nil && a.ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (a *api) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Status:    a.dictation.Status(),
		Recording: a.dictation.IsRecording(),
		Error:     a.dictation.LastError(),
		Settings:  a.settings.Snapshot(),
	})
}

// handleToggle and handleStop detach from the request context: a client
// that hangs up mid-transcription must not kill the server child.
// transcribe.request_timeout_ms still bounds the call.
func (a *api) handleToggle(w http.ResponseWriter, r *http.Request) {
	text, err := a.dictation.Toggle(context.WithoutCancel(r.Context()))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, transcriptResponse{Status: a.dictation.Status(), Text: text})
}

func (a *api) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := a.dictation.StartRecording(r.Context()); err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, transcriptResponse{Status: a.dictation.Status()})
}

func (a *api) handleStop(w http.ResponseWriter, r *http.Request) {
	text, err := a.dictation.StopRecording(context.WithoutCancel(r.Context()))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, transcriptResponse{Status: a.dictation.Status(), Text: text})
}

func (a *api) handleModels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"active": a.settings.Snapshot().ActiveModel,
		"models": a.models.List(),
	})
}

// handleDownload starts a download and returns immediately; progress is
// streamed as models-progress events.
func (a *api) handleDownload(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !a.known(id) {
		a.writeError(w, models.ErrUnknownModel)
		return
	}
	ctx := a.background
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		if err := a.dictation.DownloadModel(ctx, id); err != nil {
			a.log.Warn("model download failed", slog.String("model", id), slog.String("error", err.Error()))
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"model_id": id})
}

func (a *api) handleDeleteModel(w http.ResponseWriter, r *http.Request) {
	if err := a.dictation.DeleteModel(r.Context(), r.PathValue("id")); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleSetModel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ModelID string `json:"model_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}
	if err := a.dictation.SetActiveModel(r.Context(), body.ModelID); err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.settings.Snapshot())
}

func (a *api) handleSetLanguage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Language string `json:"language"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}
	if err := a.dictation.SetLanguage(body.Language); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, a.settings.Snapshot())
}

func (a *api) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a positive integer"})
			return
		}
		limit = n
	}
	items, err := a.history.Recent(r.Context(), limit)
	if err != nil {
		a.writeError(w, err)
		return
	}
	if items == nil {
		items = []eventstore.Dictation{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (a *api) known(id string) bool {
	for _, m := range a.models.List() {
		if m.ID == id {
			return true
		}
	}
	return false
}

func (a *api) writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		a.log.Warn("request failed", slog.Int("status", code), slog.String("error", err.Error()))
	}
	writeJSON(w, code, errorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrUnknownModel), errors.Is(err, eventstore.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrMissingOrInvalid), errors.Is(err, capture.ErrDevice):
		return http.StatusServiceUnavailable
	case errors.Is(err, transcribe.ErrSpawn), errors.Is(err, transcribe.ErrProtocol), errors.Is(err, transcribe.ErrTimeout):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
