/*Package meter manages the power meter's amplification range during
automated readings.

The meter emits an analog voltage proportional to optical power, full scale
at a fixed voltage (2.0 V on the reference instrument).  Its gain stage is a
physical dial, so every range change is a conversation: the operator sets
the dial, blocks the beam so a fresh zero offset can be taken, then unblocks
it.  The Ranger walks the configured magnitude table upward one stage at a
time; a reading near full scale is clipped and worthless, so it is thrown
away, the range is stepped, and the caller retries the same stimulus.
Silently keeping a saturated point would corrupt the downstream fit, which
is why saturation is an error here rather than a value.
*/
package meter

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	// ErrSaturated is returned when a reading crossed the saturation
	// threshold.  The sample was discarded and the range advanced;
	// retry the same stimulus.  Never fatal.
	ErrSaturated = errors.New("meter: reading saturated the current range, re-ranged; retry the sample")

	// ErrRangeExhausted is returned when the magnitude table runs out of
	// stages; the laser is brighter than any available range.  Fatal.
	ErrRangeExhausted = errors.New("meter: magnitude table exhausted")

	// ErrBadConfig is returned by NewRanger for unusable configuration
	ErrBadConfig = errors.New("meter: bad configuration")
)

// Meter is the averaged analog output of the power meter, as exposed by the
// signal host's accumulator module
type Meter interface {
	ReadVolts(ctx context.Context) (float64, error)
	SetStrobe(ctx context.Context, on bool) error
}

// Prompter blocks until the operator acknowledges an instruction
type Prompter interface {
	Ack(msg string) error
}

// Config holds the instrument constants for a Ranger
type Config struct {
	// MagnitudeTable lists the meter's selectable range magnitudes in
	// increasing order; the full scale power of stage i is
	// Coefficient * MagnitudeTable[i] mW
	MagnitudeTable []float64

	// Coefficient scales the magnitude table to full scale mW
	Coefficient float64

	// Threshold is the fraction of full scale beyond which a reading is
	// treated as saturated.  Zero means the default, 0.95.
	Threshold float64

	// FullScaleVolts is the meter's analog output at full scale power.
	// Zero means the default, 2.0.
	FullScaleVolts float64

	// Settle is how long to wait after raising the strobe before the
	// averaged voltage is trusted
	Settle time.Duration
}

// Ranger selects and re-selects the meter's gain stage and converts
// averaged voltages to power
type Ranger struct {
	cfg    Config
	avg    Meter
	prompt Prompter

	stage   int
	ceiling float64
	zero    float64
}

// NewRanger validates cfg and returns a Ranger in the unranged state; the
// first Read establishes stage 0
func NewRanger(cfg Config, avg Meter, prompt Prompter) (*Ranger, error) {
	if len(cfg.MagnitudeTable) == 0 {
		return nil, fmt.Errorf("%w: empty magnitude table", ErrBadConfig)
	}
	if cfg.Coefficient <= 0 {
		return nil, fmt.Errorf("%w: coefficient must be positive", ErrBadConfig)
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = 0.95
	}
	if cfg.Threshold < 0 || cfg.Threshold > 1 {
		return nil, fmt.Errorf("%w: threshold %f not in (0, 1]", ErrBadConfig, cfg.Threshold)
	}
	if cfg.FullScaleVolts == 0 {
		cfg.FullScaleVolts = 2.0
	}
	if cfg.FullScaleVolts < 0 {
		return nil, fmt.Errorf("%w: full scale volts must be positive", ErrBadConfig)
	}
	r := &Ranger{cfg: cfg, avg: avg, prompt: prompt}
	r.Reset()
	return r, nil
}

// Reset returns the Ranger to the unranged state.  Call at the start of
// each laser's measurement sequence; gain and zero offset do not carry over
// between lasers.
func (r *Ranger) Reset() {
	r.stage = -1
	r.ceiling = 0
	r.zero = 0
}

// Stage returns the current stage index, -1 when unranged
func (r *Ranger) Stage() int { return r.stage }

// Ceiling returns the full scale power of the current stage in mW
func (r *Ranger) Ceiling() float64 { return r.ceiling }

// ZeroOffset returns the blocked-beam voltage of the current stage
func (r *Ranger) ZeroOffset() float64 { return r.zero }

// Rerange advances one gain stage, walking the operator through the dial
// change and re-acquiring the zero offset with the beam blocked
func (r *Ranger) Rerange(ctx context.Context) error {
	next := r.stage + 1
	if next >= len(r.cfg.MagnitudeTable) {
		return fmt.Errorf("%w: no stage beyond %d", ErrRangeExhausted, r.stage)
	}
	mag := r.cfg.MagnitudeTable[next]
	if err := r.prompt.Ack(fmt.Sprintf("Set the power meter range to %g and press enter", mag)); err != nil {
		return err
	}
	if err := r.prompt.Ack("Block the laser output and press enter"); err != nil {
		return err
	}
	zero, err := r.readVolts(ctx)
	if err != nil {
		return err
	}
	if err := r.prompt.Ack("Unblock the laser output and press enter"); err != nil {
		return err
	}
	r.stage = next
	r.ceiling = r.cfg.Coefficient * mag
	r.zero = zero
	return nil
}

// readVolts strobes the averager, waits for it to settle, and samples it
func (r *Ranger) readVolts(ctx context.Context) (float64, error) {
	if err := r.avg.SetStrobe(ctx, true); err != nil {
		return 0, err
	}
	if r.cfg.Settle > 0 {
		select {
		case <-time.After(r.cfg.Settle):
		case <-ctx.Done():
			r.avg.SetStrobe(ctx, false)
			return 0, ctx.Err()
		}
	}
	v, err := r.avg.ReadVolts(ctx)
	if serr := r.avg.SetStrobe(ctx, false); serr != nil && err == nil {
		err = serr
	}
	return v, err
}

// Read takes one power reading in mW on the current stage, establishing
// stage 0 first if the Ranger is unranged.  A saturated reading advances
// the range and returns ErrSaturated; the caller must retry the same
// stimulus voltage.
func (r *Ranger) Read(ctx context.Context) (float64, error) {
	if r.stage < 0 {
		if err := r.Rerange(ctx); err != nil {
			return 0, err
		}
	}
	v, err := r.readVolts(ctx)
	if err != nil {
		return 0, err
	}
	// zero offset drift can push a dark reading slightly negative
	mw := math.Max(0, (v-r.zero)/r.cfg.FullScaleVolts*r.ceiling)
	if mw > r.cfg.Threshold*r.ceiling {
		if err := r.Rerange(ctx); err != nil {
			return 0, err
		}
		return 0, ErrSaturated
	}
	return mw, nil
}
