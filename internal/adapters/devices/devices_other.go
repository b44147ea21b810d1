//go:build !linux

package devices

import (
	"context"
	"fmt"

	"github.com/dkeye/televisit/internal/core"
	"github.com/dkeye/televisit/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// Devices has no capture backend here: camera and microphone drivers for
// mediadevices are wired on Linux only.
type Devices struct {
	log zerolog.Logger
}

var _ core.MediaDevices = (*Devices)(nil)

func New(_ Options, lg zerolog.Logger) (*Devices, error) {
	return &Devices{log: lg.With().Str("module", "devices").Logger()}, nil
}

func (d *Devices) RegisterCodecs(m *webrtc.MediaEngine) error {
	return m.RegisterDefaultCodecs()
}

func (d *Devices) GetUserMedia(ctx context.Context) (core.TrackSet, error) {
	if err := ctx.Err(); err != nil {
		return core.TrackSet{}, err
	}
	d.log.Warn().Msg("no capture backend on this platform")
	return core.TrackSet{}, fmt.Errorf("%w: %w", domain.ErrNoDevice, ErrUnsupported)
}

func (d *Devices) NewSyntheticVideoTrack(string, core.FrameReader) (core.LocalTrack, error) {
	return nil, ErrUnsupported
}
