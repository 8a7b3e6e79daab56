/*Package units wraps individual modules hosted on the signal processing
platform behind small validated proxies.

A module may only be driven by one handle at a time; two handles pushing
parameters at the same module silently fight each other.  The Registry makes
that binding explicit: each wrapper claims its module name on creation and
releases it on Close.  The registry is an injected object owned by the
application, not package state, so tests and multi-rig programs can hold
independent ones.
*/
package units

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// parameter names shared by the stock module firmware
const (
	paramAmplitude = "Amp"
	paramEnable    = "Enable"
	paramOutput    = "Output"
	paramStrobe    = "Strobe"
)

var (
	// ErrModuleMissing is returned when a required module is not in the
	// platform's module list.  It surfaces before any measurement begins.
	ErrModuleMissing = errors.New("units: required module not present on the signal host")

	// ErrAlreadyClaimed is returned when a module name is bound to another
	// live handle
	ErrAlreadyClaimed = errors.New("units: module already bound to another handle")

	// ErrRejected is returned when the module declines a parameter write
	ErrRejected = errors.New("units: module rejected parameter value")

	// ErrOutOfRange is returned for values outside a wrapper's configured
	// limits, before anything is sent to hardware
	ErrOutOfRange = errors.New("units: value outside the configured range")
)

// Host is the subset of the signal host client the wrappers consume
type Host interface {
	Modules(ctx context.Context) ([]string, error)
	Param(ctx context.Context, module, name string) (float64, error)
	SetParam(ctx context.Context, module, name string, value float64) (bool, error)
}

// Registry tracks which module names are bound to live handles
type Registry struct {
	mu      sync.Mutex
	claimed map[string]struct{}
}

// NewRegistry returns an empty Registry
func NewRegistry() *Registry {
	return &Registry{claimed: make(map[string]struct{})}
}

// Claim binds name, failing if it is already bound
func (r *Registry) Claim(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.claimed[name]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyClaimed, name)
	}
	r.claimed[name] = struct{}{}
	return nil
}

// Release unbinds name; releasing an unclaimed name is a no-op
func (r *Registry) Release(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.claimed, name)
}

// verifyPresent confirms name is in the platform module list
func verifyPresent(ctx context.Context, h Host, name string) error {
	mods, err := h.Modules(ctx)
	if err != nil {
		return err
	}
	for _, m := range mods {
		if m == name {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrModuleMissing, name)
}

// setParam pushes one value and converts a decline to ErrRejected
func setParam(ctx context.Context, h Host, module, name string, v float64) error {
	ok, err := h.SetParam(ctx, module, name, v)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s.%s = %g", ErrRejected, module, name, v)
	}
	return nil
}

// Stimulus drives the analog output module that commands the laser
type Stimulus struct {
	host Host
	reg  *Registry
	name string

	// MinVolts and MaxVolts bound SetAmplitude
	MinVolts, MaxVolts float64
}

// NewStimulus binds the named stimulus module, verifying it exists on the
// platform and claiming it in the registry
func NewStimulus(ctx context.Context, h Host, reg *Registry, name string, minVolts, maxVolts float64) (*Stimulus, error) {
	if err := verifyPresent(ctx, h, name); err != nil {
		return nil, err
	}
	if err := reg.Claim(name); err != nil {
		return nil, err
	}
	return &Stimulus{host: h, reg: reg, name: name, MinVolts: minVolts, MaxVolts: maxVolts}, nil
}

// Name returns the bound module name
func (s *Stimulus) Name() string { return s.name }

// SetAmplitude commands the output voltage
func (s *Stimulus) SetAmplitude(ctx context.Context, volts float64) error {
	if volts < s.MinVolts || volts > s.MaxVolts {
		return fmt.Errorf("%w: %g V not in [%g, %g]", ErrOutOfRange, volts, s.MinVolts, s.MaxVolts)
	}
	return setParam(ctx, s.host, s.name, paramAmplitude, volts)
}

// Amplitude reads back the commanded output voltage
func (s *Stimulus) Amplitude(ctx context.Context) (float64, error) {
	return s.host.Param(ctx, s.name, paramAmplitude)
}

// SetEnable gates the output on or off
func (s *Stimulus) SetEnable(ctx context.Context, on bool) error {
	v := 0.0
	if on {
		v = 1
	}
	return setParam(ctx, s.host, s.name, paramEnable, v)
}

// Close releases the registry claim
func (s *Stimulus) Close() error {
	s.reg.Release(s.name)
	return nil
}

// Averager reads the accumulator module that smooths the power meter's
// analog output
type Averager struct {
	host Host
	reg  *Registry
	name string
}

// NewAverager binds the named averaging module, verifying it exists on the
// platform and claiming it in the registry
func NewAverager(ctx context.Context, h Host, reg *Registry, name string) (*Averager, error) {
	if err := verifyPresent(ctx, h, name); err != nil {
		return nil, err
	}
	if err := reg.Claim(name); err != nil {
		return nil, err
	}
	return &Averager{host: h, reg: reg, name: name}, nil
}

// Name returns the bound module name
func (a *Averager) Name() string { return a.name }

// ReadVolts returns the current averaged meter voltage
func (a *Averager) ReadVolts(ctx context.Context) (float64, error) {
	return a.host.Param(ctx, a.name, paramOutput)
}

// SetStrobe raises or lowers the averager's accumulate strobe
func (a *Averager) SetStrobe(ctx context.Context, on bool) error {
	v := 0.0
	if on {
		v = 1
	}
	return setParam(ctx, a.host, a.name, paramStrobe, v)
}

// Close releases the registry claim
func (a *Averager) Close() error {
	a.reg.Release(a.name)
	return nil
}
