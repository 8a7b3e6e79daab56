package transfer_test

import (
	"errors"
	"math"
	"testing"

	"github.jpl.nasa.gov/bdube/photocal/transfer"
)

var testCoefs = transfer.Coefficients{B: 0.2, M: 1.5, V0: 0.5, P: 2.0, Vt: 3.5}

func TestRoundTripPowerBranch(t *testing.T) {
	volts := []float64{0, 0.6, 1, 2, 3, 3.5}
	mw, err := transfer.Forward(testCoefs, volts)
	if err != nil {
		t.Fatalf("forward errored: %v", err)
	}
	back, err := transfer.Inverse(testCoefs, mw)
	if err != nil {
		t.Fatalf("inverse errored: %v", err)
	}
	for i := range volts {
		// voltages below V0 all map to B; the inverse returns V0 for those,
		// so only check the invertible part of the domain
		if volts[i] < testCoefs.V0 {
			continue
		}
		if math.Abs(back[i]-volts[i]) > 1e-9 {
			t.Errorf("round trip at %f V returned %f V", volts[i], back[i])
		}
	}
}

func TestRoundTripLinearBranch(t *testing.T) {
	volts := []float64{3.6, 4, 4.5, 5}
	mw, err := transfer.Forward(testCoefs, volts)
	if err != nil {
		t.Fatalf("forward errored: %v", err)
	}
	back, err := transfer.Inverse(testCoefs, mw)
	if err != nil {
		t.Fatalf("inverse errored: %v", err)
	}
	for i := range volts {
		if math.Abs(back[i]-volts[i]) > 1e-9 {
			t.Errorf("round trip at %f V returned %f V", volts[i], back[i])
		}
	}
}

func TestContinuousAtTransition(t *testing.T) {
	const h = 1e-7
	vt := testCoefs.Vt
	pts := []float64{vt - h, vt, vt + h}
	mw, err := transfer.Forward(testCoefs, pts)
	if err != nil {
		t.Fatalf("forward errored: %v", err)
	}
	if math.Abs(mw[0]-mw[2]) > 1e-5 {
		t.Errorf("value discontinuity at Vt: %g vs %g", mw[0], mw[2])
	}
	slopeLeft := (mw[1] - mw[0]) / h
	slopeRight := (mw[2] - mw[1]) / h
	if math.Abs(slopeLeft-slopeRight) > 1e-4 {
		t.Errorf("slope discontinuity at Vt: %g vs %g", slopeLeft, slopeRight)
	}
}

func TestClampBelowShift(t *testing.T) {
	// non-integer exponent; a missing max(0, .) clamp would produce NaN here
	c := transfer.Coefficients{B: 0.1, M: 1, V0: 1, P: 1.5, Vt: 3}
	mw, err := transfer.Forward(c, []float64{0.25})
	if err != nil {
		t.Fatalf("forward errored: %v", err)
	}
	if math.IsNaN(mw[0]) {
		t.Fatal("forward returned NaN below the voltage shift")
	}
	if mw[0] != c.B {
		t.Errorf("expected baseline %f below the voltage shift, got %f", c.B, mw[0])
	}
}

func TestEmptyInput(t *testing.T) {
	out, err := transfer.Forward(testCoefs, []float64{})
	if err != nil {
		t.Fatalf("empty input errored: %v", err)
	}
	if len(out) != 0 {
		t.Errorf("expected empty output, got %d elements", len(out))
	}
	out, err = transfer.Eval([]float64{}, []float64{1, 2}, transfer.ModeForward)
	if err != nil {
		t.Fatalf("empty coefficients errored: %v", err)
	}
	if len(out) != 0 {
		t.Errorf("expected empty output, got %d elements", len(out))
	}
}

func TestWrongArity(t *testing.T) {
	_, err := transfer.Eval([]float64{1, 2, 3, 4}, []float64{1}, transfer.ModeForward)
	if !errors.Is(err, transfer.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for 4 coefficients, got %v", err)
	}
}

func TestBadMode(t *testing.T) {
	_, err := transfer.Eval(testCoefs.Slice(), []float64{1}, "sideways")
	if !errors.Is(err, transfer.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for unknown mode, got %v", err)
	}
}

func TestRejectsBadValues(t *testing.T) {
	if _, err := transfer.Forward(testCoefs, []float64{-1}); !errors.Is(err, transfer.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for negative input, got %v", err)
	}
	if _, err := transfer.Forward(testCoefs, []float64{math.NaN()}); !errors.Is(err, transfer.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for NaN input, got %v", err)
	}
	bad := transfer.Coefficients{B: 0.2, M: -1, V0: 0.5, P: 2, Vt: 3.5}
	if _, err := transfer.Forward(bad, []float64{1}); !errors.Is(err, transfer.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for negative coefficient, got %v", err)
	}
}
