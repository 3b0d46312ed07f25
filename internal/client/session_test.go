package client

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/stranger-signaling/internal/models"
)

type outbound struct {
	event   models.EventType
	payload any
}

type fakeSender struct {
	mu   sync.Mutex
	sent []outbound
	err  error
}

func (f *fakeSender) Send(event models.EventType, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, outbound{event: event, payload: payload})
	return nil
}

func (f *fakeSender) events() []models.EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.EventType
	for _, o := range f.sent {
		out = append(out, o.event)
	}
	return out
}

func (f *fakeSender) last() outbound {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

type fakeNegotiation struct {
	calls []string
}

func (f *fakeNegotiation) Start(initiator bool) {
	if initiator {
		f.calls = append(f.calls, "start:initiator")
	} else {
		f.calls = append(f.calls, "start:responder")
	}
}

func (f *fakeNegotiation) HandleSignal(event models.EventType, _ json.RawMessage) {
	f.calls = append(f.calls, "signal:"+string(event))
}

func (f *fakeNegotiation) Close(releaseMedia bool) {
	if releaseMedia {
		f.calls = append(f.calls, "close:release")
	} else {
		f.calls = append(f.calls, "close:keep")
	}
}

func (f *fakeNegotiation) SetAudioEnabled(enabled bool) {
	if enabled {
		f.calls = append(f.calls, "audio:on")
	} else {
		f.calls = append(f.calls, "audio:off")
	}
}

func (f *fakeNegotiation) SetVideoEnabled(enabled bool) {
	if enabled {
		f.calls = append(f.calls, "video:on")
	} else {
		f.calls = append(f.calls, "video:off")
	}
}

func newSession(t *testing.T) (*Session, *fakeSender, *fakeNegotiation, *[]Status) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	sender := &fakeSender{}
	neg := &fakeNegotiation{}
	var statuses []Status
	s := NewSession(SessionOptions{
		Sender:      sender,
		Negotiation: neg,
		Logger:      logger,
		Now:         func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) },
		Observer: Observer{
			OnStatus: func(st Status) { statuses = append(statuses, st) },
		},
	})
	return s, sender, neg, &statuses
}

func envelope(t *testing.T, event models.EventType, payload any) models.Envelope {
	t.Helper()
	env, err := models.NewEnvelope(event, payload)
	require.NoError(t, err)
	return env
}

func matched(t *testing.T, s *Session, textOnly, initiator bool) {
	t.Helper()
	s.HandleEnvelope(envelope(t, models.EventMatched, models.MatchedPayload{RoomID: "room-1", TextOnly: textOnly, Initiator: initiator}))
}

func TestSessionMatchingFlow(t *testing.T) {
	s, sender, neg, statuses := newSession(t)

	require.NoError(t, s.StartMatching([]string{"music"}, false))
	assert.Equal(t, []models.EventType{models.EventStartMatching}, sender.events())
	assert.Equal(t, models.StartMatchingPayload{Interests: []string{"music"}}, sender.last().payload)

	s.HandleEnvelope(envelope(t, models.EventWaiting, nil))
	assert.Equal(t, StatusWaiting, s.Status())

	matched(t, s, false, true)
	assert.Equal(t, StatusConnected, s.Status())
	room, ok := s.Room()
	require.True(t, ok)
	assert.Equal(t, "room-1", room.RoomID)
	assert.Equal(t, []string{"start:initiator"}, neg.calls)
	assert.Equal(t, []Status{StatusWaiting, StatusConnected}, *statuses)

	interests, textOnly := s.Preferences()
	assert.Equal(t, []string{"music"}, interests)
	assert.False(t, textOnly)
}

func TestTextOnlyRoomNeverNegotiates(t *testing.T) {
	s, _, neg, _ := newSession(t)
	matched(t, s, true, true)

	s.HandleEnvelope(envelope(t, models.EventOffer, json.RawMessage(`{"sdp":{"type":"offer","sdp":"v=0"}}`)))
	assert.Empty(t, neg.calls)
}

func TestNegotiationSignalsForwarded(t *testing.T) {
	s, _, neg, _ := newSession(t)
	s.HandleEnvelope(envelope(t, models.EventICECandidate, json.RawMessage(`{"candidate":null}`)))
	assert.Empty(t, neg.calls)

	matched(t, s, false, false)
	s.HandleEnvelope(envelope(t, models.EventOffer, json.RawMessage(`{"sdp":{"type":"offer","sdp":"v=0"}}`)))
	s.HandleEnvelope(envelope(t, models.EventICECandidate, json.RawMessage(`{"candidate":null}`)))
	assert.Equal(t, []string{"start:responder", "signal:webrtc-offer", "signal:webrtc-ice-candidate"}, neg.calls)
}

func TestChatLog(t *testing.T) {
	s, sender, _, _ := newSession(t)
	assert.ErrorIs(t, s.SendMessage("hi"), ErrNotInRoom)

	matched(t, s, true, true)
	assert.ErrorIs(t, s.SendMessage("   "), ErrEmptyMessage)
	require.NoError(t, s.SendMessage(" hello "))
	assert.Equal(t, models.SendMessagePayload{Text: "hello"}, sender.last().payload)

	s.HandleEnvelope(envelope(t, models.EventReceiveMessage, models.ChatMessagePayload{ID: "m2", Text: "hey", Sender: models.SenderStranger}))

	log := s.Messages()
	require.Len(t, log, 2)
	assert.Equal(t, SenderMe, log[0].Sender)
	assert.Equal(t, "hello", log[0].Text)
	assert.Equal(t, models.SenderStranger, log[1].Sender)
	assert.Equal(t, "hey", log[1].Text)

	matched(t, s, true, false)
	assert.Empty(t, s.Messages())
}

func TestPartnerSignals(t *testing.T) {
	s, sender, neg, _ := newSession(t)
	matched(t, s, false, true)

	s.HandleEnvelope(envelope(t, models.EventPartnerTyping, nil))
	s.HandleEnvelope(envelope(t, models.EventPartnerMuted, models.MutePayload{IsMuted: true}))
	s.HandleEnvelope(envelope(t, models.EventPartnerCameraOff, models.CameraPayload{IsCameraOff: true}))
	assert.Equal(t, PartnerState{Typing: true, Muted: true, CameraOff: true}, s.Partner())

	s.HandleEnvelope(envelope(t, models.EventPartnerStopTyping, nil))
	assert.False(t, s.Partner().Typing)

	require.NoError(t, s.SetTyping(true))
	require.NoError(t, s.SetMuted(true))
	require.NoError(t, s.SetCameraOff(true))
	assert.Equal(t, []models.EventType{models.EventTyping, models.EventToggleMute, models.EventToggleCamera}, sender.events())
	assert.Equal(t, models.CameraPayload{IsCameraOff: true}, sender.last().payload)
	assert.Equal(t, []string{"start:initiator", "audio:off", "video:off"}, neg.calls)
}

func TestSkipKeepsMedia(t *testing.T) {
	s, sender, neg, _ := newSession(t)
	require.NoError(t, s.StartMatching([]string{"art"}, false))
	matched(t, s, false, true)

	require.NoError(t, s.Skip())
	assert.Equal(t, StatusWaiting, s.Status())
	_, inRoom := s.Room()
	assert.False(t, inRoom)
	assert.Equal(t, models.EventSkip, sender.last().event)
	assert.Equal(t, []string{"start:initiator", "close:keep"}, neg.calls)
}

func TestDisconnectReleasesMedia(t *testing.T) {
	s, sender, neg, _ := newSession(t)
	matched(t, s, false, true)

	require.NoError(t, s.Disconnect())
	assert.Equal(t, StatusIdle, s.Status())
	assert.Equal(t, models.EventDisconnectChat, sender.last().event)
	assert.Equal(t, []string{"start:initiator", "close:release"}, neg.calls)
}

func TestPartnerLeft(t *testing.T) {
	s, _, neg, statuses := newSession(t)
	matched(t, s, false, false)
	s.HandleEnvelope(envelope(t, models.EventReceiveMessage, models.ChatMessagePayload{ID: "m1", Text: "bye", Sender: models.SenderStranger}))

	s.HandleEnvelope(envelope(t, models.EventPartnerDisconnected, nil))
	assert.Equal(t, StatusPartnerLeft, s.Status())
	assert.Equal(t, []string{"start:responder", "close:release"}, neg.calls)
	assert.Len(t, s.Messages(), 1)

	// A duplicate notification changes nothing.
	s.HandleEnvelope(envelope(t, models.EventPartnerDisconnected, nil))
	assert.Equal(t, []Status{StatusConnected, StatusPartnerLeft}, *statuses)
}

func TestLinkStateTransitions(t *testing.T) {
	s, _, neg, _ := newSession(t)
	s.HandleEnvelope(envelope(t, models.EventSession, models.SessionPayload{Identity: "id-1", Token: "tok"}))
	assert.Equal(t, "id-1", s.Identity())

	matched(t, s, false, true)
	s.HandleLink(LinkReconnecting)
	assert.Equal(t, StatusConnected, s.Status())

	s.HandleLink(LinkConnected)
	assert.Equal(t, StatusIdle, s.Status())
	_, inRoom := s.Room()
	assert.False(t, inRoom)

	s.HandleLink(LinkOffline)
	assert.Equal(t, StatusOffline, s.Status())
	assert.Equal(t, []string{"start:initiator", "close:release", "close:release"}, neg.calls)
}

func TestSendFailureKeepsStatus(t *testing.T) {
	s, sender, _, _ := newSession(t)
	sender.err = ErrOffline

	assert.ErrorIs(t, s.StartMatching(nil, true), ErrOffline)
	assert.Equal(t, StatusIdle, s.Status())
}

func TestOnlineCountObserved(t *testing.T) {
	logger, _ := test.NewNullLogger()
	var got int64
	s := NewSession(SessionOptions{
		Sender:   &fakeSender{},
		Logger:   logger,
		Observer: Observer{OnOnlineCount: func(n int64) { got = n }},
	})
	s.HandleEnvelope(envelope(t, models.EventOnlineCount, models.OnlineCountPayload{Count: 42}))
	assert.EqualValues(t, 42, got)
}
