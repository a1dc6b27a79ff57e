// Package locationsvc provides the device-side geo.Provider backends
// the agent chooses from at startup.
package locationsvc

import (
	"context"
	"math"
	"time"

	"github.com/trezcool/mahudhurio/core/geo"
)

// StaticProvider returns one fixed coordinate pair on every acquire.
// Meant for dev boxes and demos where no positioning hardware exists.
type StaticProvider struct {
	lat, lon, accuracy float64
}

var _ geo.Provider = (*StaticProvider)(nil)

func NewStaticProvider(lat, lon, accuracy float64) *StaticProvider {
	return &StaticProvider{lat: lat, lon: lon, accuracy: accuracy}
}

func (p *StaticProvider) Acquire(ctx context.Context, _ time.Duration, _ bool) (geo.Sample, error) {
	if err := ctx.Err(); err != nil {
		return geo.Sample{}, geo.ErrTimedOut
	}
	if !finite(p.lat) || !finite(p.lon) {
		return geo.Sample{}, geo.ErrUnavailable
	}
	return geo.Sample{
		Latitude:   p.lat,
		Longitude:  p.lon,
		Accuracy:   p.accuracy,
		CapturedAt: time.Now().UTC(),
	}, nil
}

func finite(f float64) bool {
	return !(math.IsNaN(f) || math.IsInf(f, 0))
}
