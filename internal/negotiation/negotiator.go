package negotiation

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/mossy-p/stranger-signaling/internal/models"
)

const eventBuffer = 64

type State int

const (
	StateIdle State = iota
	StateAcquiringMedia
	StateOffering
	StateAnswering
	StateNegotiating
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAcquiringMedia:
		return "acquiring-media"
	case StateOffering:
		return "offering"
	case StateAnswering:
		return "answering"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Observer receives negotiation updates. Callbacks run on the negotiator's
// event loop and must not call Snapshot.
type Observer struct {
	OnState        func(State)
	OnLocalMedia   func(MediaHandle, Capability)
	OnRemoteTrack  func(*webrtc.TrackRemote)
	OnConnectivity func(webrtc.PeerConnectionState)
	OnError        func(error)
}

type Options struct {
	Factory  ConnectionFactory
	Media    MediaSource
	Signaler Signaler
	Observer Observer
	Logger   logrus.FieldLogger
}

// Snapshot is a point-in-time view of the negotiator.
type Snapshot struct {
	State                State
	Generation           uint64
	Initiator            bool
	HasRemoteDescription bool
	PendingCandidates    int
	Capability           Capability
	MediaReady           bool
}

// Negotiator drives one peer connection per room through offer, answer and
// candidate exchange. All state is owned by a single event loop goroutine;
// every input (signals, media completion, transport callbacks) is queued to
// it and handled in arrival order. Each new negotiation bumps a generation
// counter so completions from a superseded one are discarded.
type Negotiator struct {
	factory  ConnectionFactory
	media    MediaSource
	signaler Signaler
	observer Observer
	logger   logrus.FieldLogger

	events   chan func()
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	// Owned by the event loop.
	gen          uint64
	state        State
	initiator    bool
	pc           PeerConnection
	hasRemote    bool
	pending      []webrtc.ICECandidateInit
	pendingOffer *webrtc.SessionDescription
	restarted    bool

	handle      MediaHandle
	capability  Capability
	mediaReady  bool
	acquiring   bool
	mediaGen    uint64
	cancelMedia context.CancelFunc
}

func New(opts Options) *Negotiator {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	n := &Negotiator{
		factory:  opts.Factory,
		media:    opts.Media,
		signaler: opts.Signaler,
		observer: opts.Observer,
		logger:   logger,
		events:   make(chan func(), eventBuffer),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go n.loop()
	return n
}

func (n *Negotiator) loop() {
	defer close(n.done)
	for {
		select {
		case fn := <-n.events:
			fn()
		case <-n.stop:
			return
		}
	}
}

func (n *Negotiator) post(fn func()) bool {
	select {
	case n.events <- fn:
		return true
	case <-n.stop:
		return false
	}
}

// Start begins a new negotiation for a freshly matched room, abandoning any
// previous one. Local media is reused when still held.
func (n *Negotiator) Start(initiator bool) {
	n.post(func() { n.start(initiator) })
}

// HandleSignal feeds a relayed negotiation message into the loop.
func (n *Negotiator) HandleSignal(event models.EventType, payload json.RawMessage) {
	n.post(func() {
		switch event {
		case models.EventOffer:
			n.handleOffer(payload)
		case models.EventAnswer:
			n.handleAnswer(payload)
		case models.EventICECandidate:
			n.handleCandidate(payload)
		default:
			n.logger.WithField("event", event).Warn("Ignoring non-negotiation event")
		}
	})
}

// Close ends the current negotiation. Capture is stopped only when
// releaseMedia is set; otherwise it stays warm for the next room.
func (n *Negotiator) Close(releaseMedia bool) {
	n.post(func() { n.close(releaseMedia) })
}

// SetAudioEnabled mutes or unmutes the local microphone track.
func (n *Negotiator) SetAudioEnabled(enabled bool) {
	n.post(func() {
		if n.handle != nil {
			n.handle.SetEnabled(webrtc.RTPCodecTypeAudio, enabled)
		}
	})
}

// SetVideoEnabled turns the local camera track on or off.
func (n *Negotiator) SetVideoEnabled(enabled bool) {
	n.post(func() {
		if n.handle != nil {
			n.handle.SetEnabled(webrtc.RTPCodecTypeVideo, enabled)
		}
	})
}

func (n *Negotiator) Snapshot() Snapshot {
	reply := make(chan Snapshot, 1)
	if !n.post(func() {
		reply <- Snapshot{
			State:                n.state,
			Generation:           n.gen,
			Initiator:            n.initiator,
			HasRemoteDescription: n.hasRemote,
			PendingCandidates:    len(n.pending),
			Capability:           n.capability,
			MediaReady:           n.mediaReady,
		}
	}) {
		return Snapshot{State: StateClosed}
	}
	select {
	case s := <-reply:
		return s
	case <-n.done:
		return Snapshot{State: StateClosed}
	}
}

// Shutdown closes the negotiation, releases media and stops the loop.
func (n *Negotiator) Shutdown() {
	n.Close(true)
	n.Snapshot()
	n.stopOnce.Do(func() { close(n.stop) })
	<-n.done
}

func (n *Negotiator) start(initiator bool) {
	n.teardown()
	n.initiator = initiator
	n.setState(StateAcquiringMedia)

	if n.mediaReady {
		n.connect()
		return
	}
	if !n.acquiring {
		n.acquireMedia()
	}
}

func (n *Negotiator) close(releaseMedia bool) {
	n.teardown()
	if n.state != StateIdle {
		n.setState(StateClosed)
	}
	if releaseMedia {
		n.releaseMedia()
	}
}

// teardown invalidates every pending completion of the current negotiation.
func (n *Negotiator) teardown() {
	n.gen++
	if n.pc != nil {
		if err := n.pc.Close(); err != nil {
			n.logger.WithError(err).Debug("Failed to close peer connection")
		}
		n.pc = nil
	}
	n.hasRemote = false
	n.pending = nil
	n.pendingOffer = nil
	n.restarted = false
}

func (n *Negotiator) acquireMedia() {
	ctx, cancel := context.WithCancel(context.Background())
	n.acquiring = true
	n.cancelMedia = cancel
	mediaGen := n.mediaGen

	go func() {
		handle, capability := AcquireMedia(ctx, n.media, n.logger)
		delivered := n.post(func() { n.mediaAcquired(mediaGen, handle, capability) })
		if !delivered && handle != nil {
			handle.Stop()
		}
	}()
}

func (n *Negotiator) mediaAcquired(mediaGen uint64, handle MediaHandle, capability Capability) {
	if mediaGen != n.mediaGen {
		if handle != nil {
			handle.Stop()
		}
		n.logger.Debug("Discarding media acquired for a released session")
		return
	}
	if n.cancelMedia != nil {
		n.cancelMedia()
		n.cancelMedia = nil
	}
	n.acquiring = false
	n.handle = handle
	n.capability = capability
	n.mediaReady = true

	n.logger.WithField("capability", capability).Info("Local media ready")
	if n.observer.OnLocalMedia != nil {
		n.observer.OnLocalMedia(handle, capability)
	}
	if n.state == StateAcquiringMedia {
		n.connect()
	}
}

func (n *Negotiator) releaseMedia() {
	n.mediaGen++
	if n.cancelMedia != nil {
		n.cancelMedia()
		n.cancelMedia = nil
	}
	if n.handle != nil {
		n.handle.Stop()
		n.handle = nil
	}
	n.acquiring = false
	n.mediaReady = false
	n.capability = ReceiveOnly
}

// connect runs once media is settled: build the connection, attach media,
// then either offer or wait for the partner's offer.
func (n *Negotiator) connect() {
	pc, err := n.factory()
	if err != nil {
		n.fail(NewError("create peer connection", err))
		return
	}
	n.pc = pc

	gen := n.gen
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		n.post(func() { n.localCandidate(gen, c) })
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		n.post(func() { n.connectionState(gen, s) })
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		n.post(func() {
			if gen != n.gen {
				return
			}
			n.logger.WithField("kind", track.Kind().String()).Info("Remote track received")
			if n.observer.OnRemoteTrack != nil {
				n.observer.OnRemoteTrack(track)
			}
		})
	})

	if err := n.attachMedia(pc); err != nil {
		n.fail(err)
		return
	}

	if n.initiator {
		n.sendOffer(false)
		return
	}
	n.setState(StateAnswering)
	if offer := n.pendingOffer; offer != nil {
		n.pendingOffer = nil
		n.answer(*offer)
	}
}

// attachMedia adds local tracks and a receive-only transceiver for each
// kind the local side cannot send.
func (n *Negotiator) attachMedia(pc PeerConnection) error {
	if n.handle != nil {
		for _, track := range n.handle.Tracks() {
			if _, err := pc.AddTrack(track); err != nil {
				return NewError("add track", err)
			}
		}
	}

	recvonly := webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}
	if !n.capability.sendsAudio() {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, recvonly); err != nil {
			return NewError("add audio transceiver", err)
		}
	}
	if !n.capability.sendsVideo() {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, recvonly); err != nil {
			return NewError("add video transceiver", err)
		}
	}
	return nil
}

func (n *Negotiator) sendOffer(iceRestart bool) {
	n.setState(StateOffering)

	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := n.pc.CreateOffer(opts)
	if err != nil {
		n.fail(NewError("create offer", err))
		return
	}
	if err := n.pc.SetLocalDescription(offer); err != nil {
		n.fail(NewError("set local description", err))
		return
	}
	if err := n.signaler.Send(models.EventOffer, DescriptionPayload{SDP: offer}); err != nil {
		n.fail(NewError("send offer", err))
		return
	}
	n.setState(StateNegotiating)
}

func (n *Negotiator) answer(offer webrtc.SessionDescription) {
	if err := n.pc.SetRemoteDescription(offer); err != nil {
		n.fail(NewError("set remote description", err))
		return
	}
	n.hasRemote = true
	n.flushCandidates()

	answer, err := n.pc.CreateAnswer(nil)
	if err != nil {
		n.fail(NewError("create answer", err))
		return
	}
	if err := n.pc.SetLocalDescription(answer); err != nil {
		n.fail(NewError("set local description", err))
		return
	}
	if err := n.signaler.Send(models.EventAnswer, DescriptionPayload{SDP: answer}); err != nil {
		n.fail(NewError("send answer", err))
		return
	}
	if n.state != StateConnected {
		n.setState(StateNegotiating)
	}
}

func (n *Negotiator) handleOffer(raw json.RawMessage) {
	desc, err := parseDescription(raw, webrtc.SDPTypeOffer)
	if err != nil {
		n.report(err)
		return
	}

	switch {
	case !n.active():
		n.logger.Debug("Dropping offer outside a negotiation")
	case n.initiator:
		n.report(WrapError("handle offer", ErrUnexpectedSignal, "initiator received an offer"))
	case n.pc == nil:
		// Media still settling; answer once the connection exists.
		n.pendingOffer = &desc
	default:
		n.answer(desc)
	}
}

func (n *Negotiator) handleAnswer(raw json.RawMessage) {
	desc, err := parseDescription(raw, webrtc.SDPTypeAnswer)
	if err != nil {
		n.report(err)
		return
	}
	if !n.active() || n.pc == nil {
		n.logger.Debug("Dropping answer outside a negotiation")
		return
	}
	if !n.initiator {
		n.report(WrapError("handle answer", ErrUnexpectedSignal, "responder received an answer"))
		return
	}

	if err := n.pc.SetRemoteDescription(desc); err != nil {
		n.fail(NewError("set remote description", err))
		return
	}
	n.hasRemote = true
	n.flushCandidates()
}

func (n *Negotiator) handleCandidate(raw json.RawMessage) {
	if len(raw) == 0 || string(raw) == "null" {
		return
	}
	var p CandidatePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		n.report(NewError("parse ice candidate", err))
		return
	}
	if p.Candidate == nil || p.Candidate.Candidate == "" {
		n.logger.Debug("Remote end of candidates")
		return
	}
	if !n.active() {
		n.logger.Debug("Dropping candidate outside a negotiation")
		return
	}
	if n.pc == nil || !n.hasRemote {
		n.pending = append(n.pending, *p.Candidate)
		return
	}
	n.addCandidate(*p.Candidate)
}

func (n *Negotiator) flushCandidates() {
	pending := n.pending
	n.pending = nil
	for _, c := range pending {
		n.addCandidate(c)
	}
}

// addCandidate logs failures; one bad candidate does not end the session.
func (n *Negotiator) addCandidate(c webrtc.ICECandidateInit) {
	if err := n.pc.AddICECandidate(c); err != nil {
		n.logger.WithError(err).Warn("Failed to add ICE candidate")
	}
}

func (n *Negotiator) localCandidate(gen uint64, c *webrtc.ICECandidate) {
	if gen != n.gen || c == nil {
		return
	}
	init := c.ToJSON()
	if err := n.signaler.Send(models.EventICECandidate, CandidatePayload{Candidate: &init}); err != nil {
		n.logger.WithError(err).Warn("Failed to send ICE candidate")
	}
}

func (n *Negotiator) connectionState(gen uint64, s webrtc.PeerConnectionState) {
	if gen != n.gen {
		return
	}
	n.logger.WithField("connection_state", s.String()).Info("Connection state changed")
	if n.observer.OnConnectivity != nil {
		n.observer.OnConnectivity(s)
	}

	switch s {
	case webrtc.PeerConnectionStateConnected:
		n.setState(StateConnected)
	case webrtc.PeerConnectionStateFailed:
		if n.restarted {
			n.report(NewError("connectivity", ErrRestartFailed))
			return
		}
		n.restarted = true
		if n.initiator {
			n.logger.Info("Connection failed, restarting ICE")
			n.sendOffer(true)
			return
		}
		// The initiator drives the restart; its new offer is answered as usual.
		n.setState(StateNegotiating)
	}
}

func (n *Negotiator) active() bool {
	return n.state != StateIdle && n.state != StateClosed
}

// fail reports err and abandons the current connection. Media is kept.
func (n *Negotiator) fail(err error) {
	n.report(err)
	n.teardown()
	n.setState(StateClosed)
}

func (n *Negotiator) report(err error) {
	n.logger.WithError(err).Warn("Negotiation error")
	if n.observer.OnError != nil {
		n.observer.OnError(err)
	}
}

func (n *Negotiator) setState(s State) {
	if n.state == s {
		return
	}
	n.state = s
	if n.observer.OnState != nil {
		n.observer.OnState(s)
	}
}

func parseDescription(raw json.RawMessage, want webrtc.SDPType) (webrtc.SessionDescription, error) {
	var p DescriptionPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return webrtc.SessionDescription{}, NewError("parse "+want.String(), err)
	}
	if p.SDP.Type != want || p.SDP.SDP == "" {
		return webrtc.SessionDescription{}, WrapError("parse "+want.String(), ErrUnexpectedSignal, p.SDP.Type.String())
	}
	return p.SDP, nil
}
