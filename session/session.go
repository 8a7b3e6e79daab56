/*Package session drives one measurement sweep: a fixed, ordered sequence of
stimulus voltages, one power reading per voltage, assembled into an
index-aligned record.

Per-sample acquisition is a Strategy, chosen once when the session is
configured: Metered reads the power meter through the range controller,
Manual asks the operator to type what the meter shows.  A strategy may
report that its sample must be retried (a saturated reading after a
re-range, for example); the session retries at the same voltage without
re-commanding the stimulus.  The retry budget is configurable; zero keeps
the historical behavior of retrying forever.

A sweep has no partial success.  It produces a complete record or it
aborts, and on every exit path the laser output is disabled and the
platform's original run mode restored.
*/
package session

import (
	"context"
	"errors"
	"fmt"

	"github.jpl.nasa.gov/bdube/photocal/meter"
	"github.jpl.nasa.gov/bdube/photocal/signalhost"
)

var (
	// ErrInvalidArgument is the base error for malformed sweep configuration
	ErrInvalidArgument = errors.New("session: invalid argument")

	// ErrRetryReading is returned by a Strategy when its sample is invalid
	// and must be re-acquired at the same voltage
	ErrRetryReading = errors.New("session: reading invalid, retry the sample")

	// ErrRetriesExhausted is returned when one voltage burns through the
	// whole retry budget without a valid reading
	ErrRetriesExhausted = errors.New("session: retry budget exhausted")
)

// Record is the result of a completed sweep; Volts and MilliWatts are
// index-aligned and equal length
type Record struct {
	Volts      []float64
	MilliWatts []float64
}

// Strategy takes one power sample at the currently commanded voltage
type Strategy interface {
	Sample(ctx context.Context) (float64, error)
}

// Metered samples through the power meter range controller
type Metered struct {
	Ranger *meter.Ranger
}

// Sample reads one power value in mW
func (m Metered) Sample(ctx context.Context) (float64, error) {
	return m.Ranger.Read(ctx)
}

// PowerReader is the operator-entry primitive for manual measurement; it
// must re-prompt on non-numeric or negative input and only return values
// that are valid powers
type PowerReader interface {
	ReadPower() (float64, error)
}

// Manual samples by asking the operator what the meter shows
type Manual struct {
	Console PowerReader
}

// Sample reads one operator-typed power value in mW
func (m Manual) Sample(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return m.Console.ReadPower()
}

// Stimulus is the subset of the stimulus wrapper a sweep drives
type Stimulus interface {
	SetAmplitude(ctx context.Context, volts float64) error
	SetEnable(ctx context.Context, on bool) error
}

// Runner is the subset of the signal host client a sweep needs to manage
// the platform run mode
type Runner interface {
	Mode(ctx context.Context) (signalhost.RunMode, error)
	SetMode(ctx context.Context, m signalhost.RunMode) error
}

// Sweep generates n voltages evenly spaced over [min, max] inclusive.
// n == 1 yields only the upper bound.
func Sweep(n int, min, max float64) ([]float64, error) {
	if n < 1 {
		return nil, fmt.Errorf("%w: point count %d < 1", ErrInvalidArgument, n)
	}
	if min > max {
		return nil, fmt.Errorf("%w: range [%g, %g] is inverted", ErrInvalidArgument, min, max)
	}
	if n == 1 {
		return []float64{max}, nil
	}
	out := make([]float64, n)
	step := (max - min) / float64(n-1)
	for i := range out {
		out[i] = min + float64(i)*step
	}
	out[n-1] = max
	return out, nil
}

// ValidateSequence checks a caller-supplied voltage list against [min, max].
// Order and repeats are preserved, enabling randomized or replicated
// designs.
func ValidateSequence(seq []float64, min, max float64) error {
	if len(seq) == 0 {
		return fmt.Errorf("%w: empty voltage sequence", ErrInvalidArgument)
	}
	for i, v := range seq {
		if v < min || v > max {
			return fmt.Errorf("%w: voltage %g at index %d not in [%g, %g]", ErrInvalidArgument, v, i, min, max)
		}
	}
	return nil
}

// Session sweeps one laser (or one output channel of one laser)
type Session struct {
	// Stim commands the laser drive voltage
	Stim Stimulus

	// Host manages the platform run mode around the sweep
	Host Runner

	// Strategy acquires one sample per voltage
	Strategy Strategy

	// Voltages is the ordered stimulus sequence
	Voltages []float64

	// MaxRetries bounds re-acquisition at a single voltage; 0 retries
	// forever
	MaxRetries int
}

// Run executes the sweep.  The platform is placed in Preview for the
// duration; whatever mode it was in before, and a disabled laser, are
// restored on every exit path, including cancellation.
func (s *Session) Run(ctx context.Context) (Record, error) {
	var rec Record
	if len(s.Voltages) == 0 {
		return rec, fmt.Errorf("%w: no voltages to sweep", ErrInvalidArgument)
	}

	prior, err := s.Host.Mode(ctx)
	if err != nil {
		return rec, err
	}
	defer func() {
		// the sweep context may already be dead; cleanup must not be
		cl := context.Background()
		s.Stim.SetEnable(cl, false)
		s.Host.SetMode(cl, prior)
	}()

	if err := s.Host.SetMode(ctx, signalhost.Preview); err != nil {
		return rec, err
	}
	if err := s.Stim.SetEnable(ctx, true); err != nil {
		return rec, err
	}

	out := make([]float64, 0, len(s.Voltages))
	for _, v := range s.Voltages {
		if err := s.Stim.SetAmplitude(ctx, v); err != nil {
			return rec, err
		}
		mw, err := s.acquire(ctx, v)
		if err != nil {
			return rec, err
		}
		out = append(out, mw)
	}
	rec.Volts = append([]float64(nil), s.Voltages...)
	rec.MilliWatts = out
	return rec, nil
}

// acquire loops the strategy at one voltage until a valid reading or the
// retry budget runs out
func (s *Session) acquire(ctx context.Context, volts float64) (float64, error) {
	attempts := 0
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		mw, err := s.Strategy.Sample(ctx)
		if err == nil {
			return mw, nil
		}
		if !retryable(err) {
			return 0, err
		}
		attempts++
		// the budget counts retries, not samples; MaxRetries of n allows
		// n re-acquisitions after the first attempt
		if s.MaxRetries > 0 && attempts > s.MaxRetries {
			return 0, fmt.Errorf("%w: %d attempts at %g V, last: %v", ErrRetriesExhausted, attempts, volts, err)
		}
	}
}

func retryable(err error) bool {
	return errors.Is(err, meter.ErrSaturated) || errors.Is(err, ErrRetryReading)
}
