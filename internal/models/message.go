package models

import (
	"encoding/json"
	"strings"
	"time"
)

// EventType names a frame on the signaling channel.
type EventType string

// Client to server.
const (
	EventStartMatching  EventType = "start-matching"
	EventSendMessage    EventType = "send-message"
	EventTyping         EventType = "typing"
	EventStopTyping     EventType = "stop-typing"
	EventToggleMute     EventType = "toggle-mute"
	EventToggleCamera   EventType = "toggle-camera"
	EventSkip           EventType = "skip"
	EventDisconnectChat EventType = "disconnect-chat"
)

// Server to client.
const (
	EventSession             EventType = "session"
	EventWaiting             EventType = "waiting"
	EventMatched             EventType = "matched"
	EventReceiveMessage      EventType = "receive-message"
	EventPartnerTyping       EventType = "partner-typing"
	EventPartnerStopTyping   EventType = "partner-stop-typing"
	EventPartnerMuted        EventType = "partner-muted"
	EventPartnerCameraOff    EventType = "partner-camera-off"
	EventPartnerDisconnected EventType = "partner-disconnected"
	EventOnlineCount         EventType = "online-count"
)

// Relayed in both directions with the payload untouched.
const (
	EventOffer        EventType = "webrtc-offer"
	EventAnswer       EventType = "webrtc-answer"
	EventICECandidate EventType = "webrtc-ice-candidate"
)

// SenderStranger marks a relayed chat message from the receiver's point of view.
const SenderStranger = "stranger"

// Envelope is the single frame shape exchanged over the websocket.
type Envelope struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an Envelope. A nil payload yields an
// envelope with no payload field.
func NewEnvelope(t EventType, payload any) (Envelope, error) {
	env := Envelope{Type: t}
	if payload == nil {
		return env, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		env.Payload = raw
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return env, err
	}
	env.Payload = data
	return env, nil
}

// Interests accepts either a JSON list of strings or one comma-separated string.
type Interests []string

func (i *Interests) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*i = list
		return nil
	}
	var csv string
	if err := json.Unmarshal(data, &csv); err != nil {
		return err
	}
	var out []string
	for _, p := range strings.Split(csv, ",") {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	*i = out
	return nil
}

type StartMatchingPayload struct {
	Interests Interests `json:"interests"`
	TextOnly  bool      `json:"textOnly"`
}

type MatchedPayload struct {
	RoomID    string `json:"roomId"`
	TextOnly  bool   `json:"textOnly"`
	Initiator bool   `json:"initiator"`
}

type SendMessagePayload struct {
	Text string `json:"text"`
}

type ChatMessagePayload struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Sender    string    `json:"sender"`
	Timestamp time.Time `json:"timestamp"`
}

type MutePayload struct {
	IsMuted bool `json:"isMuted"`
}

type CameraPayload struct {
	IsCameraOff bool `json:"isCameraOff"`
}

type SessionPayload struct {
	Identity string `json:"identity"`
	Token    string `json:"token"`
}

type OnlineCountPayload struct {
	Count int64 `json:"count"`
}

// ICEServer describes STUN/TURN servers advertised to clients.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}
