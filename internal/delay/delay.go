// Package delay computes randomized pauses between requests.
package delay

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/jonesrussell/north-cloud/store-locator/internal/retry"
)

// Profile is an inclusive [Min, Max] range.
type Profile struct {
	Min time.Duration `mapstructure:"min_delay" yaml:"min_delay"`
	Max time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
}

// Policy holds the two profiles a scraper chooses between.
// Direct requests hit the retailer from our own address and pace conservatively;
// proxied requests rotate exits and can go faster.
type Policy struct {
	Direct  Profile `mapstructure:"direct"  yaml:"direct"`
	Proxied Profile `mapstructure:"proxied" yaml:"proxied"`
}

// DefaultPolicy returns the pacing used when configuration leaves it unset.
func DefaultPolicy() Policy {
	return Policy{
		Direct:  Profile{Min: 2 * time.Second, Max: 5 * time.Second},
		Proxied: Profile{Min: 200 * time.Millisecond, Max: 1 * time.Second},
	}
}

// Select returns the profile for a run; proxied is true for every mode except direct.
func (p Policy) Select(proxied bool) Profile {
	if proxied {
		return p.Proxied
	}
	return p.Direct
}

// Random returns a uniformly distributed duration in [p.Min, p.Max].
func (p Profile) Random() time.Duration {
	return Random(p.Min, p.Max)
}

// Random returns a uniformly distributed duration in [lo, hi].
// A non-positive or inverted range collapses to lo (or zero).
func Random(lo, hi time.Duration) time.Duration {
	if lo < 0 {
		lo = 0
	}
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rand.Int64N(int64(hi-lo)+1))
}

// Wait sleeps a random duration from p using sleep, or retry.Sleep when nil.
func (p Profile) Wait(ctx context.Context, sleep retry.SleepFunc) error {
	if sleep == nil {
		sleep = retry.Sleep
	}
	return sleep(ctx, p.Random())
}
