package meter_test

import (
	"context"
	"errors"
	"testing"

	"github.jpl.nasa.gov/bdube/photocal/meter"
)

// scriptMeter serves a canned sequence of voltages and records strobes
type scriptMeter struct {
	volts   []float64
	i       int
	strobes int
	strobed bool
}

func (s *scriptMeter) ReadVolts(ctx context.Context) (float64, error) {
	if s.i >= len(s.volts) {
		return 0, errors.New("script exhausted")
	}
	v := s.volts[s.i]
	s.i++
	return v, nil
}

func (s *scriptMeter) SetStrobe(ctx context.Context, on bool) error {
	if on && !s.strobed {
		s.strobes++
	}
	s.strobed = on
	return nil
}

// ackCounter counts operator acknowledgements
type ackCounter struct {
	msgs []string
}

func (a *ackCounter) Ack(msg string) error {
	a.msgs = append(a.msgs, msg)
	return nil
}

func newRanger(t *testing.T, m meter.Meter, stages int) *meter.Ranger {
	t.Helper()
	table := make([]float64, stages)
	mag := 1.0
	for i := range table {
		table[i] = mag
		mag *= 10
	}
	r, err := meter.NewRanger(meter.Config{
		MagnitudeTable: table,
		Coefficient:    1,
	}, m, &ackCounter{})
	if err != nil {
		t.Fatalf("new ranger errored: %v", err)
	}
	return r
}

func TestReadEstablishesFirstStage(t *testing.T) {
	// zero acquisition reads 0.1 V, then the live reading 1.1 V
	// mW = (1.1 - 0.1) / 2.0 * 1.0 = 0.5
	m := &scriptMeter{volts: []float64{0.1, 1.1}}
	r := newRanger(t, m, 3)
	mw, err := r.Read(context.Background())
	if err != nil {
		t.Fatalf("read errored: %v", err)
	}
	if mw != 0.5 {
		t.Errorf("expected 0.5 mW, got %f", mw)
	}
	if r.Stage() != 0 {
		t.Errorf("expected stage 0, got %d", r.Stage())
	}
	if r.ZeroOffset() != 0.1 {
		t.Errorf("expected zero offset 0.1, got %f", r.ZeroOffset())
	}
	if m.strobes != 2 {
		t.Errorf("expected 2 strobed reads (zero + live), got %d", m.strobes)
	}
}

func TestSaturationRerangesOnce(t *testing.T) {
	// stage 0: zero 0.0, then 1.95 V -> 0.975 mW > 0.95 * 1.0, saturated.
	// stage 1: zero 0.0, then retry reads 1.0 V -> 5.0 mW on a 10 mW range.
	m := &scriptMeter{volts: []float64{0, 1.95, 0, 1.0}}
	r := newRanger(t, m, 3)
	ctx := context.Background()

	_, err := r.Read(ctx)
	if !errors.Is(err, meter.ErrSaturated) {
		t.Fatalf("expected ErrSaturated, got %v", err)
	}
	if r.Stage() != 1 {
		t.Fatalf("expected re-range to stage 1, got stage %d", r.Stage())
	}

	mw, err := r.Read(ctx)
	if err != nil {
		t.Fatalf("retry read errored: %v", err)
	}
	if mw != 5.0 {
		t.Errorf("expected 5.0 mW after re-range, got %f", mw)
	}
	if r.Stage() != 1 {
		t.Errorf("expected to remain at stage 1, got %d", r.Stage())
	}
}

func TestRangeExhaustion(t *testing.T) {
	// single stage; a saturated reading has nowhere to go
	m := &scriptMeter{volts: []float64{0, 1.99}}
	r := newRanger(t, m, 1)
	_, err := r.Read(context.Background())
	if !errors.Is(err, meter.ErrRangeExhausted) {
		t.Errorf("expected ErrRangeExhausted, got %v", err)
	}
}

func TestResetDropsState(t *testing.T) {
	m := &scriptMeter{volts: []float64{0.2, 0.5, 0.3, 0.6}}
	r := newRanger(t, m, 3)
	ctx := context.Background()
	if _, err := r.Read(ctx); err != nil {
		t.Fatalf("read errored: %v", err)
	}
	r.Reset()
	if r.Stage() != -1 {
		t.Fatalf("expected unranged after reset, got stage %d", r.Stage())
	}
	// next read re-acquires a zero (0.3) before reading (0.6)
	if _, err := r.Read(ctx); err != nil {
		t.Fatalf("read after reset errored: %v", err)
	}
	if r.ZeroOffset() != 0.3 {
		t.Errorf("expected fresh zero offset 0.3, got %f", r.ZeroOffset())
	}
}

func TestPromptsInOrder(t *testing.T) {
	m := &scriptMeter{volts: []float64{0, 0.5}}
	acks := &ackCounter{}
	r, err := meter.NewRanger(meter.Config{MagnitudeTable: []float64{1}, Coefficient: 1}, m, acks)
	if err != nil {
		t.Fatalf("new ranger errored: %v", err)
	}
	if _, err := r.Read(context.Background()); err != nil {
		t.Fatalf("read errored: %v", err)
	}
	if len(acks.msgs) != 3 {
		t.Fatalf("expected 3 operator prompts, got %d", len(acks.msgs))
	}
}

func TestBadConfig(t *testing.T) {
	if _, err := meter.NewRanger(meter.Config{}, &scriptMeter{}, &ackCounter{}); !errors.Is(err, meter.ErrBadConfig) {
		t.Errorf("expected ErrBadConfig for empty table, got %v", err)
	}
	if _, err := meter.NewRanger(meter.Config{MagnitudeTable: []float64{1}, Coefficient: 1, Threshold: 2}, &scriptMeter{}, &ackCounter{}); !errors.Is(err, meter.ErrBadConfig) {
		t.Errorf("expected ErrBadConfig for threshold > 1, got %v", err)
	}
}
