package negotiation

import (
	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/stranger-signaling/internal/models"
)

// PeerConnection is the subset of *webrtc.PeerConnection the negotiator drives.
type PeerConnection interface {
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	AddTransceiverFromKind(kind webrtc.RTPCodecType, init ...webrtc.RTPTransceiverInit) (*webrtc.RTPTransceiver, error)
	OnICECandidate(f func(*webrtc.ICECandidate))
	OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	Close() error
}

var _ PeerConnection = (*webrtc.PeerConnection)(nil)

// ConnectionFactory builds a fresh connection for each negotiation.
type ConnectionFactory func() (PeerConnection, error)

// NewConnectionFactory returns a factory for pion connections using the
// given ICE servers. forceRelay restricts gathering to TURN candidates.
func NewConnectionFactory(servers []models.ICEServer, forceRelay bool) ConnectionFactory {
	iceServers := make([]webrtc.ICEServer, 0, len(servers))
	hasTURN := false
	for _, s := range servers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
		if s.Username != "" {
			hasTURN = true
		}
	}

	policy := webrtc.ICETransportPolicyAll
	if forceRelay && hasTURN {
		policy = webrtc.ICETransportPolicyRelay
	}

	return func() (PeerConnection, error) {
		pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
			ICEServers:         iceServers,
			ICETransportPolicy: policy,
		})
		if err != nil {
			return nil, NewError("create peer connection", err)
		}
		return pc, nil
	}
}

// DescriptionPayload is the body of webrtc-offer and webrtc-answer.
type DescriptionPayload struct {
	SDP webrtc.SessionDescription `json:"sdp"`
}

// CandidatePayload is the body of webrtc-ice-candidate. A nil candidate
// marks the end of gathering.
type CandidatePayload struct {
	Candidate *webrtc.ICECandidateInit `json:"candidate"`
}

// Signaler sends negotiation messages to the partner through the relay.
type Signaler interface {
	Send(event models.EventType, payload any) error
}
