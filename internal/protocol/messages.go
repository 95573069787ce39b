package protocol

import "time"

// SpeakerDesigned is broadcast once a new speaker has been persisted.
type SpeakerDesigned struct {
	SpeakerID string    `json:"speaker_id"`
	Name      string    `json:"name"`
	Gender    string    `json:"gender,omitempty"`
	Language  string    `json:"language"`
	NodeID    string    `json:"node_id"`
	Timestamp time.Time `json:"timestamp"`
}

// TTSRequest asks a voice node to stream speech for a registered speaker.
type TTSRequest struct {
	RequestID string   `json:"request_id"`
	SessionID string   `json:"session_id"`
	Target    string   `json:"target,omitempty"`
	SpeakerID string   `json:"speaker_id"`
	Text      string   `json:"text"`
	Language  string   `json:"language,omitempty"`
	Emotion   []string `json:"emotion,omitempty"`
}

// AudioChunk carries little-endian PCM16 audio for one request.
type AudioChunk struct {
	RequestID  string `json:"request_id"`
	SessionID  string `json:"session_id"`
	Target     string `json:"target,omitempty"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// TTSStatus reports how a request ended. Error is set when Completed is false.
type TTSStatus struct {
	RequestID string    `json:"request_id"`
	SessionID string    `json:"session_id"`
	Target    string    `json:"target,omitempty"`
	Completed bool      `json:"completed"`
	Chunks    int       `json:"chunks"`
	Error     string    `json:"error,omitempty"`
	ErrorKind string    `json:"error_kind,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectSpeakerDesigned = "voice.speaker.designed"
	SubjectTTSRequest      = "voice.tts.request"
	SubjectTTSAudio        = "voice.tts.audio"
	SubjectTTSDone         = "voice.tts.done"

	SubjectNodeAnnounce        = "ctrl.node.announce"
	SubjectNodeHeartbeatPrefix = "ctrl.node.heartbeat"
)
