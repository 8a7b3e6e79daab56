package units_test

import (
	"context"
	"errors"
	"testing"

	"github.jpl.nasa.gov/bdube/photocal/units"
)

// fakeHost records parameter writes and serves a fixed module list
type fakeHost struct {
	modules []string
	params  map[string]float64
	decline map[string]bool
}

func newFakeHost(modules ...string) *fakeHost {
	return &fakeHost{
		modules: modules,
		params:  make(map[string]float64),
		decline: make(map[string]bool),
	}
}

func (f *fakeHost) Modules(ctx context.Context) ([]string, error) {
	return f.modules, nil
}

func (f *fakeHost) Param(ctx context.Context, module, name string) (float64, error) {
	return f.params[module+"."+name], nil
}

func (f *fakeHost) SetParam(ctx context.Context, module, name string, v float64) (bool, error) {
	key := module + "." + name
	if f.decline[key] {
		return false, nil
	}
	f.params[key] = v
	return true, nil
}

func TestRegistryClaims(t *testing.T) {
	reg := units.NewRegistry()
	if err := reg.Claim("Stim1"); err != nil {
		t.Fatalf("first claim errored: %v", err)
	}
	if err := reg.Claim("Stim1"); !errors.Is(err, units.ErrAlreadyClaimed) {
		t.Errorf("expected ErrAlreadyClaimed, got %v", err)
	}
	reg.Release("Stim1")
	if err := reg.Claim("Stim1"); err != nil {
		t.Errorf("claim after release errored: %v", err)
	}
}

func TestStimulusLifecycle(t *testing.T) {
	ctx := context.Background()
	host := newFakeHost("Stim1", "Avg1")
	reg := units.NewRegistry()
	stim, err := units.NewStimulus(ctx, host, reg, "Stim1", 0, 5)
	if err != nil {
		t.Fatalf("new stimulus errored: %v", err)
	}
	if err := stim.SetAmplitude(ctx, 2.5); err != nil {
		t.Fatalf("set amplitude errored: %v", err)
	}
	if v := host.params["Stim1.Amp"]; v != 2.5 {
		t.Errorf("expected 2.5 pushed, got %f", v)
	}
	if err := stim.SetAmplitude(ctx, 6); !errors.Is(err, units.ErrOutOfRange) {
		t.Errorf("expected ErrOutOfRange, got %v", err)
	}
	if err := stim.SetEnable(ctx, true); err != nil {
		t.Fatalf("enable errored: %v", err)
	}
	if v := host.params["Stim1.Enable"]; v != 1 {
		t.Errorf("expected enable 1, got %f", v)
	}

	// the module is claimed while the handle lives
	if _, err := units.NewStimulus(ctx, host, reg, "Stim1", 0, 5); !errors.Is(err, units.ErrAlreadyClaimed) {
		t.Errorf("expected ErrAlreadyClaimed, got %v", err)
	}
	stim.Close()
	if _, err := units.NewStimulus(ctx, host, reg, "Stim1", 0, 5); err != nil {
		t.Errorf("rebind after close errored: %v", err)
	}
}

func TestMissingModule(t *testing.T) {
	ctx := context.Background()
	host := newFakeHost("Stim1")
	reg := units.NewRegistry()
	if _, err := units.NewAverager(ctx, host, reg, "Avg1"); !errors.Is(err, units.ErrModuleMissing) {
		t.Errorf("expected ErrModuleMissing, got %v", err)
	}
}

func TestRejectedWrite(t *testing.T) {
	ctx := context.Background()
	host := newFakeHost("Stim1")
	host.decline["Stim1.Amp"] = true
	reg := units.NewRegistry()
	stim, err := units.NewStimulus(ctx, host, reg, "Stim1", 0, 5)
	if err != nil {
		t.Fatalf("new stimulus errored: %v", err)
	}
	if err := stim.SetAmplitude(ctx, 1); !errors.Is(err, units.ErrRejected) {
		t.Errorf("expected ErrRejected, got %v", err)
	}
}

func TestAveragerReads(t *testing.T) {
	ctx := context.Background()
	host := newFakeHost("Avg1")
	host.params["Avg1.Output"] = 0.75
	reg := units.NewRegistry()
	avg, err := units.NewAverager(ctx, host, reg, "Avg1")
	if err != nil {
		t.Fatalf("new averager errored: %v", err)
	}
	v, err := avg.ReadVolts(ctx)
	if err != nil {
		t.Fatalf("read errored: %v", err)
	}
	if v != 0.75 {
		t.Errorf("expected 0.75, got %f", v)
	}
	if err := avg.SetStrobe(ctx, true); err != nil {
		t.Fatalf("strobe errored: %v", err)
	}
	if host.params["Avg1.Strobe"] != 1 {
		t.Error("strobe write did not land")
	}
}
