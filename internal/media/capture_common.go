package media

import (
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// addRecvOnlyTransceivers adds recvonly transceivers for video and audio so
// CreateOffer/CreateAnswer always produces valid m-lines with ICE credentials.
func addRecvOnlyTransceivers(pc *webrtc.PeerConnection, log zerolog.Logger) {
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Warn().Err(err).Msg("adding recvonly video transceiver failed")
	}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Warn().Err(err).Msg("adding recvonly audio transceiver failed")
	}
}
