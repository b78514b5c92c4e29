package bridge

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/url"
)

type userAudioChunk struct {
	UserAudioChunk string `json:"user_audio_chunk"`
}

type pongMessage struct {
	Type    string `json:"type"`
	EventID int64  `json:"event_id,omitempty"`
}

type audioEvent struct {
	AudioBase64 string `json:"audio_base_64"`
}

type pingEvent struct {
	EventID int64 `json:"event_id"`
}

// inboundMessage covers the shapes the agent endpoint is known to send.
type inboundMessage struct {
	Type        string      `json:"type"`
	AudioBase64 string      `json:"audio_base_64"`
	AudioEvent  *audioEvent `json:"audio_event"`
	PingEvent   *pingEvent  `json:"ping_event"`
	EventID     int64       `json:"event_id"`
	Data        *struct {
		AudioEvent *audioEvent `json:"audio_event"`
	} `json:"data"`
}

// InboundKind classifies a decoded agent message.
type InboundKind int

const (
	InboundIgnored InboundKind = iota
	InboundAudio
	InboundPing
)

// Inbound is a decoded agent message.
type Inbound struct {
	Kind    InboundKind
	Type    string
	PCM     []byte // 16 kHz mono, set for InboundAudio
	EventID int64  // set for InboundPing
}

var errEmptyMessage = errors.New("empty payload")

// EncodeAudioChunk builds the outbound user_audio_chunk message.
func EncodeAudioChunk(pcm []byte) ([]byte, error) {
	return json.Marshal(userAudioChunk{UserAudioChunk: base64.StdEncoding.EncodeToString(pcm)})
}

// EncodePong acknowledges a ping message.
func EncodePong(eventID int64) ([]byte, error) {
	return json.Marshal(pongMessage{Type: "pong", EventID: eventID})
}

// DecodeText parses a JSON text frame. Audio may sit under audio_event,
// data.audio_event or at the top level.
func DecodeText(payload []byte) (Inbound, error) {
	if len(payload) == 0 {
		return Inbound{}, &MessageError{Cause: errEmptyMessage}
	}
	var msg inboundMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Inbound{}, &MessageError{Cause: err}
	}

	if msg.Type == "ping" {
		id := msg.EventID
		if msg.PingEvent != nil {
			id = msg.PingEvent.EventID
		}
		return Inbound{Kind: InboundPing, Type: msg.Type, EventID: id}, nil
	}

	field, b64 := "", ""
	switch {
	case msg.AudioEvent != nil && msg.AudioEvent.AudioBase64 != "":
		field, b64 = "audio_event.audio_base_64", msg.AudioEvent.AudioBase64
	case msg.Data != nil && msg.Data.AudioEvent != nil && msg.Data.AudioEvent.AudioBase64 != "":
		field, b64 = "data.audio_event.audio_base_64", msg.Data.AudioEvent.AudioBase64
	case msg.AudioBase64 != "":
		field, b64 = "audio_base_64", msg.AudioBase64
	default:
		return Inbound{Kind: InboundIgnored, Type: msg.Type}, nil
	}

	pcm, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return Inbound{}, &MessageError{Field: field, Cause: err}
	}
	return Inbound{Kind: InboundAudio, Type: msg.Type, PCM: pcm}, nil
}

// DecodeBinary treats a binary frame as raw 16 kHz mono PCM.
func DecodeBinary(payload []byte) (Inbound, error) {
	if len(payload) == 0 {
		return Inbound{}, &MessageError{Cause: errEmptyMessage}
	}
	return Inbound{Kind: InboundAudio, PCM: payload}, nil
}

// ConversationURL builds the socket URL for an agent.
func ConversationURL(endpoint, agentID, outputFormat string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("agent_id", agentID)
	if outputFormat != "" {
		q.Set("output_format", outputFormat)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
