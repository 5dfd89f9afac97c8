package protocol

import "time"

// Status is the dictation lifecycle state shown by indicators.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusRecording  Status = "recording"
	StatusProcessing Status = "processing"
	StatusError      Status = "error"
)

// StatusChanged is published on every lifecycle transition. Message is set
// only for StatusError.
type StatusChanged struct {
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// TranscriptionResult is published after each completed dictation.
// DurationMS covers only the transcription itself.
type TranscriptionResult struct {
	ID         string    `json:"id"`
	Text       string    `json:"text"`
	ModelID    string    `json:"model_id"`
	Language   string    `json:"language"`
	DurationMS int64     `json:"duration_ms"`
	Timestamp  time.Time `json:"timestamp"`
}

// ModelProgress reports a model download. Done is set on the final event,
// together with Error when the download failed.
type ModelProgress struct {
	ModelID    string `json:"model_id"`
	Downloaded int64  `json:"downloaded"`
	Total      int64  `json:"total,omitempty"`
	Done       bool   `json:"done"`
	Error      string `json:"error,omitempty"`
}

// ToggleRequest is sent by hotkey listeners on SubjectToggle.
type ToggleRequest struct {
	Source string `json:"source,omitempty"`
}

// ToggleReply answers a ToggleRequest when the sender expects a reply.
type ToggleReply struct {
	Status Status `json:"status"`
	Text   string `json:"text,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Event wraps payloads for streaming clients.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

const (
	EventStatusChanged       = "status-changed"
	EventTranscriptionResult = "transcription-result"
	EventModelProgress       = "models-progress"
)

const (
	SubjectStatus        = "dictate.status"
	SubjectResult        = "dictate.result"
	SubjectModelProgress = "dictate.models.progress"
	SubjectToggle        = "dictate.toggle"

	// StreamResults retains results on JetStream for late consumers.
	StreamResults = "DICTATE_RESULTS"
)
