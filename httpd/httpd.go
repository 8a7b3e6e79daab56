/*Package httpd exposes the calibration rig over HTTP, following the
server-client architecture the rest of the lab suite uses: every instrument
gets an HTTP face so clients can be written in any language.

Payloads are single-field JSON objects, {"f64": v} and {"bool": b}, so the
return types stay concrete instead of strings.
*/
package httpd

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"

	"github.com/go-chi/chi"

	"github.jpl.nasa.gov/bdube/photocal/batch"
	"github.jpl.nasa.gov/bdube/photocal/meter"
)

// FloatT is a single f64 JSON payload
type FloatT struct {
	F64 float64 `json:"f64"`
}

// BoolT is a single bool JSON payload
type BoolT struct {
	Bool bool `json:"bool"`
}

func encode(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("error encoding response: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// Stimulus is the stimulus surface served over HTTP
type Stimulus interface {
	Amplitude(ctx context.Context) (float64, error)
	SetAmplitude(ctx context.Context, volts float64) error
	SetEnable(ctx context.Context, on bool) error
}

// Reader takes one metered power reading
type Reader interface {
	Read(ctx context.Context) (float64, error)
}

// Rig bundles the calibration hardware behind a route table
type Rig struct {
	Stim  Stimulus
	Meter Reader

	mu    sync.Mutex
	table []batch.TableRow
}

// SetTable publishes the most recent calibration results
func (rg *Rig) SetTable(rows []batch.TableRow) {
	rg.mu.Lock()
	rg.table = rows
	rg.mu.Unlock()
}

// RT returns the rig's route table
func (rg *Rig) RT() RouteTable {
	return RouteTable{
		{http.MethodGet, "/volts", rg.getVolts},
		{http.MethodPost, "/volts", rg.setVolts},
		{http.MethodPost, "/emission", rg.setEmission},
		{http.MethodGet, "/power", rg.readPower},
		{http.MethodGet, "/table", rg.getTable},
	}
}

func (rg *Rig) getVolts(w http.ResponseWriter, r *http.Request) {
	v, err := rg.Stim.Amplitude(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	encode(w, FloatT{F64: v})
}

func (rg *Rig) setVolts(w http.ResponseWriter, r *http.Request) {
	var f FloatT
	if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()
	if err := rg.Stim.SetAmplitude(r.Context(), f.F64); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (rg *Rig) setEmission(w http.ResponseWriter, r *http.Request) {
	var b BoolT
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()
	if err := rg.Stim.SetEnable(r.Context(), b.Bool); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (rg *Rig) readPower(w http.ResponseWriter, r *http.Request) {
	mw, err := rg.Meter.Read(r.Context())
	if err != nil {
		// a saturated reading re-ranged; the client should simply retry
		if errors.Is(err, meter.ErrSaturated) {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	encode(w, FloatT{F64: mw})
}

type tableRowJSON struct {
	Index      int     `json:"index"`
	Wavelength float64 `json:"nm"`
	Name       string  `json:"name"`
	B          float64 `json:"B"`
	M          float64 `json:"M"`
	V0         float64 `json:"V0"`
	P          float64 `json:"P"`
	Vt         float64 `json:"Vt"`
}

func (rg *Rig) getTable(w http.ResponseWriter, r *http.Request) {
	rg.mu.Lock()
	rows := rg.table
	rg.mu.Unlock()
	out := make([]tableRowJSON, len(rows))
	for i, row := range rows {
		out[i] = tableRowJSON{
			Index:      row.Index,
			Wavelength: row.Wavelength,
			Name:       row.Name,
			B:          row.Coefs.B,
			M:          row.Coefs.M,
			V0:         row.Coefs.V0,
			P:          row.Coefs.P,
			Vt:         row.Coefs.Vt,
		}
	}
	encode(w, out)
}

// Route binds one handler to a method and pattern
type Route struct {
	Method  string
	Pattern string
	Handler http.HandlerFunc
}

// RouteTable is the set of routes a device face exposes
type RouteTable []Route

// Bind attaches the table to a chi router, plus a route listing endpoint
func (rt RouteTable) Bind(r chi.Router) {
	for _, route := range rt {
		r.Method(route.Method, route.Pattern, route.Handler)
	}
	r.Get("/list-of-routes", func(w http.ResponseWriter, req *http.Request) {
		routes := make([]string, len(rt))
		for i, route := range rt {
			routes[i] = route.Method + " " + route.Pattern
		}
		encode(w, routes)
	})
}
