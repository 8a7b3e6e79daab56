/*Package transfer implements the voltage to optical power transfer curve
used to drive diode lasers.

The curve is a power law near threshold which hands off to its own tangent
line at the transition voltage Vt:

	mW(v) = B + M * max(0, v-V0)^P            v <= Vt
	mW(v) = mW(Vt) + mW'(Vt) * (v - Vt)       v >  Vt

Matching the value and slope at Vt makes the curve C1 continuous, which keeps
the inverse single valued.  The inverse is the exact algebraic inverse of
each branch, split on the output axis at mW(Vt).
*/
package transfer

import (
	"errors"
	"fmt"
	"math"
)

// NumCoefficients is the arity of the model, (B, M, V0, P, Vt)
const NumCoefficients = 5

// modes for Eval
const (
	// ModeForward evaluates volts -> milliwatts
	ModeForward = "forward"

	// ModeInverse evaluates milliwatts -> volts
	ModeInverse = "inverse"
)

// ErrInvalidArgument is the base error for malformed coefficients or data.
// Errors returned by this package unwrap to it.
var ErrInvalidArgument = errors.New("transfer: invalid argument")

// Coefficients hold the five terms of the transfer curve.  All terms are
// physical quantities and must be finite and non-negative.  Vt >= V0 for
// fits that make physical sense, but the model tolerates the reverse by
// clamping the power law branch at zero.
type Coefficients struct {
	// B is the baseline power, mW
	B float64

	// M is the scale factor, mW/V^P
	M float64

	// V0 is the voltage shift, V
	V0 float64

	// P is the power law exponent
	P float64

	// Vt is the transition voltage, V
	Vt float64
}

// FromSlice converts an ordered (B, M, V0, P, Vt) slice to Coefficients.
// The slice must have exactly NumCoefficients elements, all finite and
// non-negative.
func FromSlice(s []float64) (Coefficients, error) {
	var c Coefficients
	if len(s) != NumCoefficients {
		return c, fmt.Errorf("%w: expected %d coefficients, got %d", ErrInvalidArgument, NumCoefficients, len(s))
	}
	if err := validSeq(s); err != nil {
		return c, err
	}
	c.B, c.M, c.V0, c.P, c.Vt = s[0], s[1], s[2], s[3], s[4]
	return c, nil
}

// Slice returns the coefficients in their canonical (B, M, V0, P, Vt) order
func (c Coefficients) Slice() []float64 {
	return []float64{c.B, c.M, c.V0, c.P, c.Vt}
}

// Valid returns a non-nil error if any coefficient is non-finite or negative
func (c Coefficients) Valid() error {
	return validSeq(c.Slice())
}

func validSeq(s []float64) error {
	for i, v := range s {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: element %d is not finite", ErrInvalidArgument, i)
		}
		if v < 0 {
			return fmt.Errorf("%w: element %d is negative", ErrInvalidArgument, i)
		}
	}
	return nil
}

// knee returns the power and slope of the curve at the transition voltage.
// The slope is zero when Vt < V0; the power law branch never sees a positive
// argument there and the curve degenerates to baseline-then-flat.
func (c Coefficients) knee() (y0, s0 float64) {
	y0 = c.B + c.M*math.Pow(math.Max(0, c.Vt-c.V0), c.P)
	if c.Vt >= c.V0 {
		s0 = c.M * c.P * math.Pow(c.Vt-c.V0, c.P-1)
	}
	return y0, s0
}

// the max(0, .) clamps below are not optional; a negative base with
// non-integer P produces NaN from math.Pow

func (c Coefficients) forward(v float64) float64 {
	if v <= c.Vt {
		return c.B + c.M*math.Pow(math.Max(0, v-c.V0), c.P)
	}
	y0, s0 := c.knee()
	return y0 + s0*(v-c.Vt)
}

func (c Coefficients) inverse(mw float64) float64 {
	y0, s0 := c.knee()
	if mw <= y0 {
		return c.V0 + math.Pow(math.Max(0, mw-c.B)/c.M, 1/c.P)
	}
	return c.Vt + (mw-y0)/s0
}

// Forward evaluates the curve element-wise, volts -> milliwatts.
// The input must be finite and non-negative.  An empty input returns an
// empty output with no error, a convenience for callers that do not have
// data yet.
func Forward(c Coefficients, volts []float64) ([]float64, error) {
	return apply(c, volts, c.forward)
}

// Inverse evaluates the inverse curve element-wise, milliwatts -> volts.
// Input constraints are identical to Forward.
func Inverse(c Coefficients, milliwatts []float64) ([]float64, error) {
	return apply(c, milliwatts, c.inverse)
}

func apply(c Coefficients, data []float64, f func(float64) float64) ([]float64, error) {
	if len(data) == 0 {
		return []float64{}, nil
	}
	if err := c.Valid(); err != nil {
		return nil, err
	}
	if err := validSeq(data); err != nil {
		return nil, err
	}
	out := make([]float64, len(data))
	for i, v := range data {
		out[i] = f(v)
	}
	return out, nil
}

// Eval evaluates the curve described by an ordered coefficient slice in
// either direction.  mode must be ModeForward or ModeInverse.  A zero-length
// coefficient or data slice short-circuits to an empty result.
func Eval(coefs, data []float64, mode string) ([]float64, error) {
	if mode != ModeForward && mode != ModeInverse {
		return nil, fmt.Errorf("%w: mode %q is neither %q nor %q", ErrInvalidArgument, mode, ModeForward, ModeInverse)
	}
	if len(coefs) == 0 || len(data) == 0 {
		return []float64{}, nil
	}
	c, err := FromSlice(coefs)
	if err != nil {
		return nil, err
	}
	if mode == ModeForward {
		return Forward(c, data)
	}
	return Inverse(c, data)
}
