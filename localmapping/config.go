package localmapping

import (
	"time"

	"github.com/pkg/errors"

	"go.viam.com/localmapping/mapgraph"
)

// Sensor kinds, re-exported from mapgraph so callers configuring a
// LocalMapper don't need to import that package directly.
const (
	Monocular = mapgraph.Monocular
	Stereo    = mapgraph.Stereo
	RGBD      = mapgraph.RGBD
)

// Config configures a LocalMapper. It has no file/CLI representation of its
// own; wiring it from a config file is the caller's concern, per spec's
// scoping of configuration parsing outside this subsystem.
type Config struct {
	// Sensor selects the monocular/stereo/RGB-D behavior of triangulation
	// gating, neighbor-count, and keyframe-culling thresholds.
	Sensor mapgraph.SensorType

	// MatcherNNRatio is the descriptor ratio-test threshold triangulation's
	// matcher call uses. Spec default is 0.6.
	MatcherNNRatio float64

	// IdleSleep is how long the loop sleeps when its queue is empty; the
	// original polls at a ~3ms granularity. The exact value is an
	// implementation parameter, not a contract: the loop must never
	// busy-spin, but callers may tune it.
	IdleSleep time.Duration
}

// DefaultConfig returns a Config with the spec's defaults: monocular
// sensor, 0.6 matcher ratio, 3ms idle sleep.
func DefaultConfig() Config {
	return Config{
		Sensor:         Monocular,
		MatcherNNRatio: 0.6,
		IdleSleep:      3 * time.Millisecond,
	}
}

// Validate reports whether the config's values are usable.
func (c Config) Validate() error {
	if c.MatcherNNRatio <= 0 || c.MatcherNNRatio > 1 {
		return errors.New("matcher nn-ratio must be in (0, 1]")
	}
	if c.IdleSleep <= 0 {
		return errors.New("idle sleep must be positive")
	}
	return nil
}
