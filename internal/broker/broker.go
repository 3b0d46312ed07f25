package broker

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mossy-p/stranger-signaling/internal/models"
)

// Notifier delivers a server event to one identity. Implementations are
// called while the broker lock is held, so they must not block and must
// not call back into the Broker.
type Notifier interface {
	Notify(identity string, event models.EventType, payload any)
}

// RoomObserver is told about room lifecycle changes, in registry order.
// Same constraints as Notifier.
type RoomObserver interface {
	RoomOpened(meta models.RoomMetadata)
	RoomClosed(roomID string)
}

// relayed maps inbound client events to the event delivered to the partner.
var relayed = map[models.EventType]models.EventType{
	models.EventTyping:       models.EventPartnerTyping,
	models.EventStopTyping:   models.EventPartnerStopTyping,
	models.EventToggleMute:   models.EventPartnerMuted,
	models.EventToggleCamera: models.EventPartnerCameraOff,
	models.EventOffer:        models.EventOffer,
	models.EventAnswer:       models.EventAnswer,
	models.EventICECandidate: models.EventICECandidate,
}

type Options struct {
	Notifier Notifier
	Observer RoomObserver
	IsLive   LivenessFunc
	Logger   logrus.FieldLogger
	NewID    func() string
	Now      func() time.Time
}

type preferences struct {
	interests []string
	mode      models.Mode
}

// Broker owns the waiting queue, the room registry and the per-identity
// session references. Every operation runs as one step under a single lock,
// so no caller ever observes a half-built or half-destroyed room.
type Broker struct {
	mu       sync.Mutex
	queue    *Queue
	rooms    *Registry
	prefs    map[string]preferences
	notifier Notifier
	observer RoomObserver
	isLive   LivenessFunc
	logger   logrus.FieldLogger
	newID    func() string
	now      func() time.Time
}

func New(opts Options) *Broker {
	b := &Broker{
		queue:    NewQueue(),
		rooms:    NewRegistry(),
		prefs:    make(map[string]preferences),
		notifier: opts.Notifier,
		observer: opts.Observer,
		isLive:   opts.IsLive,
		logger:   opts.Logger,
		newID:    opts.NewID,
		now:      opts.Now,
	}
	if b.isLive == nil {
		b.isLive = alwaysLive
	}
	if b.logger == nil {
		b.logger = logrus.StandardLogger()
	}
	if b.newID == nil {
		b.newID = uuid.NewString
	}
	if b.now == nil {
		b.now = time.Now
	}
	return b
}

// StartMatching drops identity from any current room and from the queue,
// then pairs it with the best waiting partner. When nobody suitable is
// waiting, identity is queued and told to wait. Returns the new room id, or
// "" when the client was queued.
func (b *Broker) StartMatching(identity string, interests []string, textOnly bool) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	p := preferences{interests: NormalizeInterests(interests), mode: models.ModeFor(textOnly)}
	b.prefs[identity] = p
	return b.matchLocked(identity, p)
}

// Enqueue adds identity to the waiting queue. It is a no-op when identity
// is already queued or already in a room.
func (b *Broker) Enqueue(identity string, interests []string, mode models.Mode) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, roomed := b.rooms.RoomOf(identity); roomed {
		return false
	}
	entry := newWaitingEntry(identity, interests, mode, b.now())
	if !b.queue.Enqueue(entry) {
		return false
	}
	b.prefs[identity] = preferences{interests: entry.Interests, mode: mode}
	return true
}

// CreateRoom pairs a and b directly, removing both from the queue in the
// same step. a is the initiator.
func (b *Broker) CreateRoom(a, bIdentity string, mode models.Mode) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	room, err := b.createRoomLocked(a, bIdentity, mode)
	if err != nil {
		return "", err
	}
	return room.ID, nil
}

// Relay forwards an event from sender to the other member of sender's room.
// It reports whether anything was delivered; a sender without a room is an
// expected race during teardown and is silently dropped.
func (b *Broker) Relay(sender string, kind models.EventType, payload json.RawMessage) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	room, ok := b.rooms.RoomOf(sender)
	if !ok {
		b.logger.WithFields(logrus.Fields{"identity": sender, "event": kind}).Debug("Dropping relay from identity without a room")
		return false
	}
	partner := room.Partner(sender)

	if kind == models.EventSendMessage {
		var msg models.SendMessagePayload
		if err := json.Unmarshal(payload, &msg); err != nil || strings.TrimSpace(msg.Text) == "" {
			b.logger.WithFields(logrus.Fields{"identity": sender, "room_id": room.ID}).Debug("Dropping empty or malformed chat message")
			return false
		}
		b.notifier.Notify(partner, models.EventReceiveMessage, models.ChatMessagePayload{
			ID:        b.newID(),
			Text:      msg.Text,
			Sender:    models.SenderStranger,
			Timestamp: b.now().UTC(),
		})
		return true
	}

	out, ok := relayed[kind]
	if !ok {
		b.logger.WithFields(logrus.Fields{"identity": sender, "event": kind}).Warn("Unknown relay event")
		return false
	}
	if len(payload) == 0 {
		b.notifier.Notify(partner, out, nil)
	} else {
		b.notifier.Notify(partner, out, payload)
	}
	return true
}

// LeaveRoom tears down identity's room and tells the partner exactly once.
// Calling it for an identity without a room does nothing.
func (b *Broker) LeaveRoom(identity string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.leaveLocked(identity)
}

// Skip leaves the current room and immediately re-enters matching with the
// identity's last preferences. Skipping while already waiting keeps the
// queue position.
func (b *Broker) Skip(identity string) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, inRoom := b.rooms.RoomOf(identity); !inRoom && b.queue.Contains(identity) {
		return ""
	}

	p, ok := b.prefs[identity]
	if !ok {
		b.leaveLocked(identity)
		return ""
	}
	return b.matchLocked(identity, p)
}

// DisconnectChat leaves the room and the queue; the client goes back to idle.
func (b *Broker) DisconnectChat(identity string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.leaveLocked(identity)
	b.queue.Remove(identity)
}

// Disconnect cleans up everything held for identity after its channel is gone.
func (b *Broker) Disconnect(identity string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.leaveLocked(identity)
	b.queue.Remove(identity)
	delete(b.prefs, identity)
}

// RoomOf returns the room id identity currently belongs to.
func (b *Broker) RoomOf(identity string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	room, ok := b.rooms.RoomOf(identity)
	if !ok {
		return "", false
	}
	return room.ID, true
}

// Room returns the public metadata of an active room.
func (b *Broker) Room(roomID string) (models.RoomMetadata, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	room, ok := b.rooms.Get(roomID)
	if !ok {
		return models.RoomMetadata{}, false
	}
	return room.Metadata(), true
}

func (b *Broker) IsQueued(identity string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queue.Contains(identity)
}

// Stats returns queue and room counts. Online is filled in by presence.
func (b *Broker) Stats() models.Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return models.Stats{Waiting: b.queue.Len(), Rooms: b.rooms.Len()}
}

func (b *Broker) matchLocked(identity string, p preferences) string {
	b.leaveLocked(identity)
	b.queue.Remove(identity)

	match, pruned := b.queue.FindMatch(identity, p.interests, p.mode, b.isLive)
	for _, stale := range pruned {
		b.logger.WithField("identity", stale).Debug("Pruned stale queue entry")
	}
	if match != nil {
		room, err := b.createRoomLocked(identity, match.Identity, p.mode)
		if err == nil {
			return room.ID
		}
		b.logger.WithError(err).WithFields(logrus.Fields{"identity": identity, "partner": match.Identity}).Error("Failed to create room")
	}

	b.queue.Enqueue(newWaitingEntry(identity, p.interests, p.mode, b.now()))
	b.notifier.Notify(identity, models.EventWaiting, nil)
	b.logger.WithFields(logrus.Fields{"identity": identity, "mode": p.mode, "waiting": b.queue.Len()}).Info("Client waiting for a partner")
	return ""
}

func (b *Broker) createRoomLocked(a, bIdentity string, mode models.Mode) (*Room, error) {
	room, err := b.rooms.Create(b.newID(), a, bIdentity, mode, b.now().UTC())
	if err != nil {
		return nil, err
	}
	b.queue.Remove(a)
	b.queue.Remove(bIdentity)

	b.notifier.Notify(a, models.EventMatched, models.MatchedPayload{RoomID: room.ID, TextOnly: mode.TextOnly(), Initiator: true})
	b.notifier.Notify(bIdentity, models.EventMatched, models.MatchedPayload{RoomID: room.ID, TextOnly: mode.TextOnly(), Initiator: false})
	if b.observer != nil {
		b.observer.RoomOpened(room.Metadata())
	}

	b.logger.WithFields(logrus.Fields{
		"room_id":   room.ID,
		"initiator": a,
		"responder": bIdentity,
		"mode":      mode,
	}).Info("Room created")
	return room, nil
}

func (b *Broker) leaveLocked(identity string) bool {
	room, ok := b.rooms.RoomOf(identity)
	if !ok {
		return false
	}
	b.rooms.Remove(room.ID)
	if partner := room.Partner(identity); partner != "" {
		b.notifier.Notify(partner, models.EventPartnerDisconnected, nil)
	}
	if b.observer != nil {
		b.observer.RoomClosed(room.ID)
	}

	b.logger.WithFields(logrus.Fields{"room_id": room.ID, "identity": identity}).Info("Room closed")
	return true
}
