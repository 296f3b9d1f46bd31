//go:build linux

package media

import (
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

type platformMedia struct {
	selector *mediadevices.CodecSelector
}

func newPlatformMedia() (*platformMedia, *webrtc.MediaEngine, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, nil, err
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, nil, err
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := &webrtc.MediaEngine{}
	selector.Populate(mediaEngine)

	return &platformMedia{selector: selector}, mediaEngine, nil
}

// attach captures local camera/mic via pion/mediadevices (V4L2 + malgo).
// GetUserMedia fails as a unit if either track cannot be opened, so fall back
// from the full constraint set toward audio-only before giving up and going
// receive-only.
func (p *platformMedia) attach(pc *webrtc.PeerConnection, kind Kind, log zerolog.Logger) (func(), error) {
	type attempt struct {
		video bool
		audio bool
		label string
	}
	attempts := []attempt{{false, true, "audio-only"}}
	if kind == KindVideo {
		attempts = []attempt{
			{true, true, "video+audio"},
			{true, false, "video-only"},
			{false, true, "audio-only"},
		}
	}

	for _, a := range attempts {
		constraints := mediadevices.MediaStreamConstraints{Codec: p.selector}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// MJPEG V4L2 nodes can emit malformed frames that poison the
				// VP8 encoder. Raw formats only.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: 640}
				c.Height = prop.IntRanged{Max: 480}
			}
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Warn().Err(err).Str("attempt", a.label).Msg("local capture failed")
			continue
		}

		tracks := stream.GetTracks()
		ok := true
		for _, track := range tracks {
			track.OnEnded(func(err error) {
				if err != nil {
					log.Warn().Err(err).Msg("local track ended")
				}
			})
			if _, err := pc.AddTrack(track); err != nil {
				log.Warn().Err(err).Msg("adding local track failed")
				ok = false
				break
			}
		}
		if !ok {
			for _, t := range tracks {
				t.Close()
			}
			continue
		}

		log.Info().Str("attempt", a.label).Int("tracks", len(tracks)).Msg("local media captured")
		return func() {
			for _, t := range tracks {
				t.Close()
			}
		}, nil
	}

	// No usable capture device. The call can still receive remote media.
	log.Warn().Msg("all capture attempts failed, continuing receive-only")
	addRecvOnlyTransceivers(pc, log)
	return nil, nil
}
