package protocol

// EventType discriminates media-stream envelope messages.
type EventType string

const (
	// Provider -> pipeline
	EventConnected EventType = "connected"
	EventStart     EventType = "start"
	EventMedia     EventType = "media"
	EventMark      EventType = "mark"
	EventStop      EventType = "stop"

	// Pipeline -> provider (media and mark flow both ways)
	EventClear EventType = "clear"
)

// Envelope is the outer JSON wrapper for every media-stream message.
// Field names follow the telephony provider's media-stream protocol.
type Envelope struct {
	Event     EventType     `json:"event"`
	StreamSid string        `json:"streamSid,omitempty"`
	Sequence  string        `json:"sequenceNumber,omitempty"`
	Start     *StartPayload `json:"start,omitempty"`
	Media     *MediaPayload `json:"media,omitempty"`
	Mark      *MarkPayload  `json:"mark,omitempty"`
	Stop      *StopPayload  `json:"stop,omitempty"`
}

// StartPayload arrives once per stream and carries the call and stream
// identifiers plus session-scoped custom parameters.
type StartPayload struct {
	AccountSid       string            `json:"accountSid,omitempty"`
	CallSid          string            `json:"callSid"`
	StreamSid        string            `json:"streamSid"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

// MediaPayload carries one base64-encoded audio frame.
type MediaPayload struct {
	Track     string `json:"track,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

// MarkPayload names a playback checkpoint.
type MarkPayload struct {
	Name string `json:"name"`
}

type StopPayload struct {
	AccountSid string `json:"accountSid,omitempty"`
	CallSid    string `json:"callSid,omitempty"`
}

// MediaMessage builds an outbound audio frame envelope.
func MediaMessage(streamSid, payload string) Envelope {
	return Envelope{
		Event:     EventMedia,
		StreamSid: streamSid,
		Media:     &MediaPayload{Payload: payload},
	}
}

// MarkMessage builds an outbound playback checkpoint envelope.
func MarkMessage(streamSid, name string) Envelope {
	return Envelope{
		Event:     EventMark,
		StreamSid: streamSid,
		Mark:      &MarkPayload{Name: name},
	}
}

// ClearMessage builds the envelope that drops all queued audio for a stream.
func ClearMessage(streamSid string) Envelope {
	return Envelope{
		Event:     EventClear,
		StreamSid: streamSid,
	}
}
