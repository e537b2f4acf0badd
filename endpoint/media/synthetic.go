package media

import (
	"context"
	"time"

	pionmedia "github.com/pion/webrtc/v4/pkg/media"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

const (
	defaultFrameInterval = 40 * time.Millisecond // ~25 fps
	defaultFrameSize     = 1200
)

// SyntheticSource produces a single video track fed with dummy frames,
// so a publisher can run headless without any capture device.
type SyntheticSource struct {
	logger        zerolog.Logger
	frameInterval time.Duration
}

func NewSyntheticSource(logger *zerolog.Logger) *SyntheticSource {
	return &SyntheticSource{
		logger:        logger.With().Str("component", "synthetic-source").Logger(),
		frameInterval: defaultFrameInterval,
	}
}

func (ss *SyntheticSource) Tracks(ctx context.Context) ([]webrtc.TrackLocal, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"video", "synthetic",
	)
	if err != nil {
		return nil, err
	}
	go ss.pump(ctx, track)
	return []webrtc.TrackLocal{track}, nil
}

func (ss *SyntheticSource) pump(ctx context.Context, track *webrtc.TrackLocalStaticSample) {
	ticker := time.NewTicker(ss.frameInterval)
	defer ticker.Stop()

	frame := make([]byte, defaultFrameSize)
	for i := range frame {
		frame[i] = byte(i)
	}

	for {
		select {
		case <-ctx.Done():
			ss.logger.Debug().Msg("source stopped")
			return
		case <-ticker.C:
			// writes are dropped by pion until the track is bound
			if err := track.WriteSample(pionmedia.Sample{
				Data:     frame,
				Duration: ss.frameInterval,
			}); err != nil {
				ss.logger.Warn().Err(err).Msg("failed to write sample")
				return
			}
		}
	}
}
