// Package media holds the two narrow collaborator interfaces the core
// consumes: a track source on the publisher side and a renderer on the
// receiver side. How media is captured or presented is not the core's
// business.
package media

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// Source supplies outgoing tracks on demand. It is asked once per
// negotiation attempt, every fresh transport gets freshly attached
// tracks.
type Source interface {
	Tracks(ctx context.Context) ([]webrtc.TrackLocal, error)
}

// Renderer accepts a remote track exactly once and owns it afterwards.
type Renderer interface {
	Render(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
}
