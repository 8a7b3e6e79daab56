package httpd_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi"

	"github.jpl.nasa.gov/bdube/photocal/batch"
	"github.jpl.nasa.gov/bdube/photocal/httpd"
	"github.jpl.nasa.gov/bdube/photocal/meter"
	"github.jpl.nasa.gov/bdube/photocal/transfer"
)

type fakeStim struct {
	volts   float64
	enabled bool
}

func (f *fakeStim) Amplitude(ctx context.Context) (float64, error) { return f.volts, nil }
func (f *fakeStim) SetAmplitude(ctx context.Context, v float64) error {
	f.volts = v
	return nil
}
func (f *fakeStim) SetEnable(ctx context.Context, on bool) error {
	f.enabled = on
	return nil
}

type fakeReader struct {
	mw  float64
	err error
}

func (f *fakeReader) Read(ctx context.Context) (float64, error) { return f.mw, f.err }

func serve(rg *httpd.Rig) *httptest.Server {
	r := chi.NewRouter()
	rg.RT().Bind(r)
	return httptest.NewServer(r)
}

func TestVoltsRoundTrip(t *testing.T) {
	stim := &fakeStim{}
	srv := serve(&httpd.Rig{Stim: stim, Meter: &fakeReader{}})
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/volts", "application/json", strings.NewReader(`{"f64": 2.5}`))
	if err != nil {
		t.Fatalf("post errored: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("post status %d", resp.StatusCode)
	}
	if stim.volts != 2.5 {
		t.Errorf("expected 2.5 commanded, got %f", stim.volts)
	}

	resp, err = http.Get(srv.URL + "/volts")
	if err != nil {
		t.Fatalf("get errored: %v", err)
	}
	defer resp.Body.Close()
	var f httpd.FloatT
	if err := json.NewDecoder(resp.Body).Decode(&f); err != nil {
		t.Fatalf("decode errored: %v", err)
	}
	if f.F64 != 2.5 {
		t.Errorf("expected 2.5 back, got %f", f.F64)
	}
}

func TestPowerSaturationIsRetryable(t *testing.T) {
	srv := serve(&httpd.Rig{Stim: &fakeStim{}, Meter: &fakeReader{err: meter.ErrSaturated}})
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/power")
	if err != nil {
		t.Fatalf("get errored: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503 for saturated reading, got %d", resp.StatusCode)
	}
}

func TestTablePublishes(t *testing.T) {
	rg := &httpd.Rig{Stim: &fakeStim{}, Meter: &fakeReader{}}
	rg.SetTable([]batch.TableRow{
		{Index: 1, Wavelength: 473, Name: "blue", Coefs: transfer.Coefficients{B: 0.1, M: 2, V0: 0.25, P: 1.5, Vt: 3}},
	})
	srv := serve(rg)
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/table")
	if err != nil {
		t.Fatalf("get errored: %v", err)
	}
	defer resp.Body.Close()
	var rows []map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		t.Fatalf("decode errored: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if rows[0]["name"] != "blue" || rows[0]["Vt"].(float64) != 3 {
		t.Errorf("unexpected row %v", rows[0])
	}
}
