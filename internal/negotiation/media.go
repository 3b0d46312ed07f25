package negotiation

import (
	"context"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// Constraints selects which kinds of local capture to request.
type Constraints struct {
	Video bool
	Audio bool
}

// MediaHandle is an opaque live capture. Tracks are attached to every new
// connection until Stop is called.
type MediaHandle interface {
	Tracks() []webrtc.TrackLocal
	SetEnabled(kind webrtc.RTPCodecType, enabled bool)
	Stop()
}

// MediaSource captures local devices. Acquire may block on a permission
// prompt; it returns ErrNoDevice or ErrPermissionDenied when capture is
// impossible for the requested constraints.
type MediaSource interface {
	Acquire(ctx context.Context, c Constraints) (MediaHandle, error)
}

// Capability is what the local side can send.
type Capability int

const (
	ReceiveOnly Capability = iota
	AudioOnly
	AudioVideo
)

func (c Capability) String() string {
	switch c {
	case AudioVideo:
		return "audio+video"
	case AudioOnly:
		return "audio"
	default:
		return "receive-only"
	}
}

func (c Capability) sendsVideo() bool { return c == AudioVideo }
func (c Capability) sendsAudio() bool { return c != ReceiveOnly }

type rung struct {
	constraints Constraints
	capability  Capability
}

// captureLadder is tried top to bottom. Falling off the end means
// receive-only, which is never an error.
var captureLadder = []rung{
	{Constraints{Video: true, Audio: true}, AudioVideo},
	{Constraints{Audio: true}, AudioOnly},
}

// AcquireMedia walks the capture ladder and returns the first handle the
// source grants. A nil handle means receive-only.
func AcquireMedia(ctx context.Context, src MediaSource, logger logrus.FieldLogger) (MediaHandle, Capability) {
	if src == nil {
		return nil, ReceiveOnly
	}
	for _, r := range captureLadder {
		if ctx.Err() != nil {
			break
		}
		handle, err := src.Acquire(ctx, r.constraints)
		if err == nil && handle != nil {
			return handle, r.capability
		}
		logger.WithError(err).WithField("capability", r.capability).Debug("Capture attempt failed")
	}
	return nil, ReceiveOnly
}

// NoDevices is a MediaSource for hosts without cameras or microphones.
type NoDevices struct{}

func (NoDevices) Acquire(context.Context, Constraints) (MediaHandle, error) {
	return nil, ErrNoDevice
}
