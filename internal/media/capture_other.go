//go:build !linux

package media

import (
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

type platformMedia struct{}

func newPlatformMedia() (*platformMedia, *webrtc.MediaEngine, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, nil, err
	}
	return &platformMedia{}, mediaEngine, nil
}

// attach is receive-only off Linux. Camera/mic capture via pion/mediadevices
// needs platform drivers that are only wired for V4L2 and malgo.
func (p *platformMedia) attach(pc *webrtc.PeerConnection, _ Kind, log zerolog.Logger) (func(), error) {
	addRecvOnlyTransceivers(pc, log)
	log.Info().Msg("peer connection ready, receive-only on this platform")
	return nil, nil
}
