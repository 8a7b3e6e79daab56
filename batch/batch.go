/*Package batch calibrates a set of lasers end to end: sweep, fit, export.

Each laser is swept once per output channel (split light rigs measure the
same drive through several fibers), the channel records are pooled, and one
transfer curve is fit per laser.  Pooling is only meaningful when every
channel was swept at the same voltages, so mismatched records abort the
laser rather than fitting garbage.
*/
package batch

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.jpl.nasa.gov/bdube/photocal/fit"
	"github.jpl.nasa.gov/bdube/photocal/session"
	"github.jpl.nasa.gov/bdube/photocal/transfer"
)

// ErrInconsistentInput is returned when records pooled for one fit do not
// share an identical voltage sequence
var ErrInconsistentInput = errors.New("batch: pooled records have mismatched voltage sequences")

// floats in the exported tables carry 9 decimal digits
const exportPrecision = 9

// Laser identifies one physical laser under calibration
type Laser struct {
	// Index is the laser's position in the rig
	Index int `yaml:"index"`

	// Wavelength in nm, recorded in the table for downstream consumers
	Wavelength float64 `yaml:"nm"`

	// Name is the operator-facing label
	Name string `yaml:"name"`

	// Channels lists the output channels carrying split light; empty
	// means a single unsplit output
	Channels []string `yaml:"channels"`
}

// TableRow is one laser's calibration result
type TableRow struct {
	Index      int
	Wavelength float64
	Name       string
	Coefs      transfer.Coefficients

	// Channels is how many raw columns this laser contributed, at least 1;
	// consumers walking the raw table advance by it rather than re-deriving
	// the count from configuration
	Channels int
}

// RawColumn is one channel's measured powers, for the raw export
type RawColumn struct {
	Label      string
	MilliWatts []float64
}

// SweepFunc measures one channel of one laser and returns its record
type SweepFunc func(ctx context.Context, l Laser, channel string) (session.Record, error)

// Driver iterates the calibration over every configured laser
type Driver struct {
	// Lasers to calibrate, in order
	Lasers []Laser

	// Sweep measures one laser channel
	Sweep SweepFunc

	// BeforeLaser, if set, runs before each laser's first sweep; use it
	// to reset the meter range controller, which must not carry gain or
	// zero offset between lasers
	BeforeLaser func(ctx context.Context, l Laser) error
}

// Result is the full output of a calibration run
type Result struct {
	Rows  []TableRow
	Volts []float64
	Raw   []RawColumn
}

// Calibrate sweeps, pools, and fits every configured laser
func (d *Driver) Calibrate(ctx context.Context) (Result, error) {
	var res Result
	for _, l := range d.Lasers {
		if d.BeforeLaser != nil {
			if err := d.BeforeLaser(ctx, l); err != nil {
				return res, err
			}
		}
		channels := l.Channels
		if len(channels) == 0 {
			channels = []string{""}
		}
		var pooledV, pooledP []float64
		var volts []float64
		for _, ch := range channels {
			rec, err := d.Sweep(ctx, l, ch)
			if err != nil {
				return res, err
			}
			if volts == nil {
				volts = rec.Volts
			} else if !sameSequence(volts, rec.Volts) {
				return res, fmt.Errorf("%w: laser %s channel %s", ErrInconsistentInput, l.Name, ch)
			}
			pooledV = append(pooledV, rec.Volts...)
			pooledP = append(pooledP, rec.MilliWatts...)
			res.Raw = append(res.Raw, RawColumn{Label: label(l, ch), MilliWatts: rec.MilliWatts})
		}
		if res.Volts == nil {
			res.Volts = volts
		} else if !sameSequence(res.Volts, volts) {
			return res, fmt.Errorf("%w: laser %s", ErrInconsistentInput, l.Name)
		}
		c, err := fit.Fit(pooledV, pooledP)
		if err != nil {
			return res, fmt.Errorf("fitting laser %s: %w", l.Name, err)
		}
		res.Rows = append(res.Rows, TableRow{
			Index:      l.Index,
			Wavelength: l.Wavelength,
			Name:       l.Name,
			Coefs:      c,
			Channels:   len(channels),
		})
	}
	return res, nil
}

func label(l Laser, ch string) string {
	if ch == "" {
		return l.Name
	}
	return l.Name + "-" + ch
}

func sameSequence(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func ftoa(v float64) string {
	return strconv.FormatFloat(v, 'f', exportPrecision, 64)
}

// WriteTable writes the coefficient table as CSV with header
// index,nm,name,B,M,V0,P,Vt
func WriteTable(w io.Writer, rows []TableRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"index", "nm", "name", "B", "M", "V0", "P", "Vt"}); err != nil {
		return err
	}
	for _, r := range rows {
		rec := []string{strconv.Itoa(r.Index), ftoa(r.Wavelength), r.Name}
		for _, c := range r.Coefs.Slice() {
			rec = append(rec, ftoa(c))
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteRaw writes the raw measurement table as CSV with header
// Volts,<label>... one row per tested voltage, one column per channel
func WriteRaw(w io.Writer, volts []float64, cols []RawColumn) error {
	for _, c := range cols {
		if len(c.MilliWatts) != len(volts) {
			return fmt.Errorf("%w: column %s has %d rows, want %d", ErrInconsistentInput, c.Label, len(c.MilliWatts), len(volts))
		}
	}
	cw := csv.NewWriter(w)
	header := make([]string, 0, len(cols)+1)
	header = append(header, "Volts")
	for _, c := range cols {
		header = append(header, c.Label)
	}
	if err := cw.Write(header); err != nil {
		return err
	}
	row := make([]string, len(cols)+1)
	for i, v := range volts {
		row[0] = ftoa(v)
		for j, c := range cols {
			row[j+1] = ftoa(c.MilliWatts[i])
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
