package media

import (
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

const defaultStatsInterval = 2 * time.Second

// StatsRenderer drains remote tracks and logs throughput, standing in
// for a real presentation layer.
type StatsRenderer struct {
	logger zerolog.Logger
}

func NewStatsRenderer(logger *zerolog.Logger) *StatsRenderer {
	return &StatsRenderer{
		logger: logger.With().Str("component", "stats-renderer").Logger(),
	}
}

func (sr *StatsRenderer) Render(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	logger := sr.logger.With().
		Str("trackID", track.ID()).
		Str("kind", track.Kind().String()).Logger()
	logger.Info().Msg("remote track received")

	go func() {
		var (
			packets  int
			bytes    int
			lastEmit = time.Now()
		)
		for {
			pkt, _, err := track.ReadRTP()
			if err != nil {
				logger.Debug().Err(err).Msg("track ended")
				return
			}
			packets++
			bytes += len(pkt.Payload)
			if time.Since(lastEmit) >= defaultStatsInterval {
				logger.Info().
					Int("packets", packets).
					Int("bytes", bytes).
					Msg("receiving media")
				lastEmit = time.Now()
			}
		}
	}()
}
