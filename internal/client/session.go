package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mossy-p/stranger-signaling/internal/models"
)

var (
	ErrNotInRoom    = errors.New("not in a room")
	ErrEmptyMessage = errors.New("empty message")
)

const SenderMe = "me"

type Status int

const (
	StatusIdle Status = iota
	StatusWaiting
	StatusConnected
	StatusPartnerLeft
	StatusOffline
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusWaiting:
		return "waiting"
	case StatusConnected:
		return "connected"
	case StatusPartnerLeft:
		return "partner-left"
	case StatusOffline:
		return "offline"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Sender delivers an event to the server. *Transport implements it.
type Sender interface {
	Send(event models.EventType, payload any) error
}

// Negotiation is the peer connection side of a room. *negotiation.Negotiator
// implements it.
type Negotiation interface {
	Start(initiator bool)
	HandleSignal(event models.EventType, payload json.RawMessage)
	Close(releaseMedia bool)
	SetAudioEnabled(enabled bool)
	SetVideoEnabled(enabled bool)
}

type ChatMessage struct {
	ID        string
	Text      string
	Sender    string
	Timestamp time.Time
}

// PartnerState mirrors the partner's presence signals.
type PartnerState struct {
	Typing    bool
	Muted     bool
	CameraOff bool
}

// Observer callbacks run with the session lock held and must not call back
// into the Session.
type Observer struct {
	OnStatus      func(Status)
	OnMatched     func(models.MatchedPayload)
	OnMessage     func(ChatMessage)
	OnPartner     func(PartnerState)
	OnOnlineCount func(int64)
}

type SessionOptions struct {
	Sender      Sender
	Negotiation Negotiation
	Observer    Observer
	Logger      logrus.FieldLogger
	Now         func() time.Time
}

// Session tracks one user's path through matching, rooms and teardown. It
// consumes server events as a transport Handler and turns user actions into
// outbound events.
type Session struct {
	mu       sync.Mutex
	sender   Sender
	neg      Negotiation
	observer Observer
	logger   logrus.FieldLogger
	now      func() time.Time

	status    Status
	identity  string
	interests []string
	textOnly  bool
	room      *models.MatchedPayload
	partner   PartnerState
	messages  []ChatMessage
}

func NewSession(opts SessionOptions) *Session {
	s := &Session{
		sender:   opts.Sender,
		neg:      opts.Negotiation,
		observer: opts.Observer,
		logger:   opts.Logger,
		now:      opts.Now,
		status:   StatusIdle,
	}
	if s.logger == nil {
		s.logger = logrus.StandardLogger()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) Identity() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// Room returns the active room, if any.
func (s *Session) Room() (models.MatchedPayload, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.room == nil {
		return models.MatchedPayload{}, false
	}
	return *s.room, true
}

func (s *Session) Partner() PartnerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.partner
}

// Preferences returns the interests and mode of the last StartMatching.
func (s *Session) Preferences() ([]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.interests...), s.textOnly
}

// Messages returns the chat log of the current or most recent room.
func (s *Session) Messages() []ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ChatMessage(nil), s.messages...)
}

// StartMatching leaves any current room and asks the server for a partner.
func (s *Session) StartMatching(interests []string, textOnly bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.interests = append([]string(nil), interests...)
	s.textOnly = textOnly
	s.endRoomLocked(false)

	if err := s.sender.Send(models.EventStartMatching, models.StartMatchingPayload{Interests: s.interests, TextOnly: textOnly}); err != nil {
		return err
	}
	s.setStatusLocked(StatusWaiting)
	return nil
}

func (s *Session) SendMessage(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.room == nil {
		return ErrNotInRoom
	}
	if err := s.sender.Send(models.EventSendMessage, models.SendMessagePayload{Text: text}); err != nil {
		return err
	}
	s.appendLocked(ChatMessage{ID: uuid.NewString(), Text: text, Sender: SenderMe, Timestamp: s.now().UTC()})
	return nil
}

func (s *Session) SetTyping(typing bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.room == nil {
		return ErrNotInRoom
	}
	event := models.EventStopTyping
	if typing {
		event = models.EventTyping
	}
	return s.sender.Send(event, nil)
}

func (s *Session) SetMuted(muted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.neg != nil {
		s.neg.SetAudioEnabled(!muted)
	}
	if s.room == nil {
		return nil
	}
	return s.sender.Send(models.EventToggleMute, models.MutePayload{IsMuted: muted})
}

func (s *Session) SetCameraOff(off bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.neg != nil {
		s.neg.SetVideoEnabled(!off)
	}
	if s.room == nil {
		return nil
	}
	return s.sender.Send(models.EventToggleCamera, models.CameraPayload{IsCameraOff: off})
}

// Skip drops the current partner and re-enters the queue with the same
// interests and mode. Local capture stays warm for the next room.
func (s *Session) Skip() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.endRoomLocked(false)
	if err := s.sender.Send(models.EventSkip, nil); err != nil {
		return err
	}
	s.setStatusLocked(StatusWaiting)
	return nil
}

// Disconnect leaves the room and the queue and releases local capture.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.endRoomLocked(true)
	err := s.sender.Send(models.EventDisconnectChat, nil)
	s.setStatusLocked(StatusIdle)
	return err
}

// HandleLink implements Handler.
func (s *Session) HandleLink(state LinkState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch state {
	case LinkConnected:
		// A fresh channel never inherits a room; the server tore it down.
		if s.room != nil || s.status == StatusOffline || s.status == StatusWaiting {
			s.endRoomLocked(true)
			s.setStatusLocked(StatusIdle)
		}
	case LinkReconnecting:
		s.logger.Info("Signaling connection lost")
	case LinkOffline:
		s.endRoomLocked(true)
		s.setStatusLocked(StatusOffline)
	}
}

// HandleEnvelope implements Handler.
func (s *Session) HandleEnvelope(env models.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch env.Type {
	case models.EventSession:
		var p models.SessionPayload
		if s.decode(env, &p) {
			s.identity = p.Identity
		}

	case models.EventWaiting:
		s.setStatusLocked(StatusWaiting)

	case models.EventMatched:
		var p models.MatchedPayload
		if !s.decode(env, &p) {
			return
		}
		s.endRoomLocked(false)
		s.room = &p
		s.messages = nil
		s.setStatusLocked(StatusConnected)
		if s.observer.OnMatched != nil {
			s.observer.OnMatched(p)
		}
		if !p.TextOnly && s.neg != nil {
			s.neg.Start(p.Initiator)
		}

	case models.EventReceiveMessage:
		var p models.ChatMessagePayload
		if s.room == nil || !s.decode(env, &p) {
			return
		}
		s.appendLocked(ChatMessage{ID: p.ID, Text: p.Text, Sender: p.Sender, Timestamp: p.Timestamp})

	case models.EventPartnerTyping, models.EventPartnerStopTyping:
		if s.room == nil {
			return
		}
		s.partner.Typing = env.Type == models.EventPartnerTyping
		s.partnerChangedLocked()

	case models.EventPartnerMuted:
		var p models.MutePayload
		if s.room == nil || !s.decode(env, &p) {
			return
		}
		s.partner.Muted = p.IsMuted
		s.partnerChangedLocked()

	case models.EventPartnerCameraOff:
		var p models.CameraPayload
		if s.room == nil || !s.decode(env, &p) {
			return
		}
		s.partner.CameraOff = p.IsCameraOff
		s.partnerChangedLocked()

	case models.EventPartnerDisconnected:
		if s.room == nil {
			return
		}
		s.endRoomLocked(true)
		s.setStatusLocked(StatusPartnerLeft)

	case models.EventOffer, models.EventAnswer, models.EventICECandidate:
		if s.room == nil || s.room.TextOnly || s.neg == nil {
			s.logger.WithField("event", env.Type).Debug("Dropping negotiation message outside a media room")
			return
		}
		s.neg.HandleSignal(env.Type, env.Payload)

	case models.EventOnlineCount:
		var p models.OnlineCountPayload
		if s.decode(env, &p) && s.observer.OnOnlineCount != nil {
			s.observer.OnOnlineCount(p.Count)
		}

	default:
		s.logger.WithField("event", env.Type).Debug("Ignoring unknown event")
	}
}

// endRoomLocked drops local room state and the negotiation bound to it.
func (s *Session) endRoomLocked(releaseMedia bool) {
	if s.neg != nil && (s.room != nil || releaseMedia) {
		s.neg.Close(releaseMedia)
	}
	s.room = nil
	s.partner = PartnerState{}
}

func (s *Session) appendLocked(m ChatMessage) {
	s.messages = append(s.messages, m)
	if s.observer.OnMessage != nil {
		s.observer.OnMessage(m)
	}
}

func (s *Session) partnerChangedLocked() {
	if s.observer.OnPartner != nil {
		s.observer.OnPartner(s.partner)
	}
}

func (s *Session) setStatusLocked(status Status) {
	if s.status == status {
		return
	}
	s.status = status
	s.logger.WithField("status", status.String()).Debug("Session status changed")
	if s.observer.OnStatus != nil {
		s.observer.OnStatus(status)
	}
}

func (s *Session) decode(env models.Envelope, into any) bool {
	if err := json.Unmarshal(env.Payload, into); err != nil {
		s.logger.WithError(err).WithField("event", env.Type).Warn("Malformed payload")
		return false
	}
	return true
}
