package protocol

import "time"

// AudioFrame represents PCM audio data streamed from a capture client.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// SessionControl announces session settings or ends a session.
type SessionControl struct {
	SessionID    string    `json:"session_id"`
	Action       string    `json:"action"` // start, end
	Languages    []string  `json:"languages,omitempty"`
	Priority     string    `json:"priority,omitempty"`
	LanguageHint string    `json:"language_hint,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// TranscriptTail carries the unfinalized suffix of a session transcript.
type TranscriptTail struct {
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// TranscriptLine is a finalized canonical transcript line.
type TranscriptLine struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"session_id"`
	Sequence      int       `json:"sequence"`
	Text          string    `json:"text"`
	FinalizedAtMS int64     `json:"finalized_at_ms"`
	Timestamp     time.Time `json:"timestamp"`
}

// Translation is a single translated rendition of a transcript line.
type Translation struct {
	Language string  `json:"language"`
	Text     string  `json:"text"`
	Engine   string  `json:"engine"`
	Quality  float64 `json:"quality"`
	Cached   bool    `json:"cached,omitempty"`
}

// TranslationReady is published when a text group has been translated.
type TranslationReady struct {
	SessionIDs   []string      `json:"session_ids"`
	LineIDs      []string      `json:"line_ids,omitempty"`
	Text         string        `json:"text"`
	Translations []Translation `json:"translations"`
	Timestamp    time.Time     `json:"timestamp"`
}

const (
	SubjectAudioFramePrefix = "audio.frame"
	SubjectSessionControl   = "session.control"
	SubjectTranscriptTail   = "transcript.tail"
	SubjectTranscriptLine   = "transcript.line.final"
	SubjectTranslationReady = "translation.ready"
)

const (
	SessionActionStart = "start"
	SessionActionEnd   = "end"
)
