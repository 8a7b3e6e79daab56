/*Package signalhost speaks to the real-time signal processing platform that
hosts the stimulus and averaging modules.

The wire format is a checksummed ASCII line: a printable payload, an
asterisk, the CRC-16/XMODEM of the payload as four upper case hex digits,
and a newline.  Both directions are framed the same way.  Payloads:

	MODS?                      -> MODS name,name,...
	PARM? <module> <name>      -> PARM <value>
	PARM! <module> <name> <v>  -> OK | NAK <reason>
	MODE?                      -> MODE IDLE|PREVIEW|RECORD
	MODE! <mode>               -> OK

The platform applies run mode changes asynchronously, so SetMode polls until
the reported mode matches, with a bounded retry budget.
*/
package signalhost

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/snksoft/crc"
	"golang.org/x/time/rate"

	"github.jpl.nasa.gov/bdube/photocal/comm"
)

var (
	// ErrModeTimeout is returned when a run mode change is not confirmed
	// within the poll budget
	ErrModeTimeout = errors.New("signalhost: run mode change not confirmed in time")

	// ErrBadFrame is returned when a reply fails checksum or framing checks
	ErrBadFrame = errors.New("signalhost: malformed or corrupt frame")

	crcTable = crc.NewTable(crc.XMODEM)
)

// RunMode is the acquisition state of the platform
type RunMode int

// run modes, ordered as the platform reports them
const (
	Idle RunMode = iota
	Preview
	Record
)

func (m RunMode) String() string {
	switch m {
	case Idle:
		return "IDLE"
	case Preview:
		return "PREVIEW"
	case Record:
		return "RECORD"
	}
	return fmt.Sprintf("RunMode(%d)", int(m))
}

// ParseRunMode converts the platform's text form of a run mode
func ParseRunMode(s string) (RunMode, error) {
	switch strings.ToUpper(s) {
	case "IDLE":
		return Idle, nil
	case "PREVIEW":
		return Preview, nil
	case "RECORD":
		return Record, nil
	}
	return Idle, fmt.Errorf("signalhost: unknown run mode %q", s)
}

func checksum(payload string) string {
	c := crcTable.InitCrc()
	c = crcTable.UpdateCrc(c, []byte(payload))
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, crcTable.CRC16(c))
	return fmt.Sprintf("%02X%02X", b[0], b[1])
}

// Frame wraps a payload in the checksummed wire format, without the
// trailing newline (the transport terminator appends it)
func Frame(payload string) string {
	return payload + "*" + checksum(payload)
}

// Unframe validates and strips the checksum from a received line
func Unframe(line string) (string, error) {
	idx := strings.LastIndexByte(line, '*')
	if idx < 0 || len(line)-idx != 5 {
		return "", fmt.Errorf("%w: no checksum field in %q", ErrBadFrame, line)
	}
	payload, sum := line[:idx], line[idx+1:]
	if want := checksum(payload); sum != want {
		return "", fmt.Errorf("%w: checksum %s != %s, platform state unknown", ErrBadFrame, sum, want)
	}
	return payload, nil
}

// Host is a client for one signal processing platform
type Host struct {
	pool *comm.Pool

	// Timeout applies to each network read and write
	Timeout time.Duration

	// PollInterval and PollRetries bound the run mode confirmation loop
	PollInterval time.Duration
	PollRetries  int
}

// New returns a Host for the platform at a TCP addr
func New(addr string) *Host {
	return &Host{
		pool:         comm.NewPool(1, comm.BackoffTCP(addr, 3*time.Second, 3*time.Second)),
		Timeout:      5 * time.Second,
		PollInterval: 250 * time.Millisecond,
		PollRetries:  20,
	}
}

// NewWith returns a Host over an arbitrary connection maker, e.g. comm.Serial
func NewWith(maker comm.Maker) *Host {
	h := New("")
	h.pool = comm.NewPool(1, maker)
	return h
}

// Close releases the connection pool
func (h *Host) Close() error {
	return h.pool.Close()
}

// txrx performs one framed request/reply exchange
func (h *Host) txrx(ctx context.Context, payload string) (resp string, err error) {
	if err = ctx.Err(); err != nil {
		return "", err
	}
	conn, err := h.pool.Get()
	if err != nil {
		return "", err
	}
	defer func() { h.pool.ReturnWithError(conn, err) }()
	wrap := comm.NewTerminator(comm.NewDeadline(conn, h.Timeout), '\n', '\n')
	if _, err = wrap.Write([]byte(Frame(payload))); err != nil {
		return "", err
	}
	buf := make([]byte, 4096)
	n, err := wrap.Read(buf)
	if err != nil {
		return "", err
	}
	resp, err = Unframe(string(buf[:n]))
	if err != nil {
		return "", err
	}
	if strings.HasPrefix(resp, "ERR") {
		return "", fmt.Errorf("signalhost: platform rejected %q: %s", payload, resp)
	}
	return resp, nil
}

// expect strips a required reply prefix
func expect(resp, prefix string) (string, error) {
	if !strings.HasPrefix(resp, prefix) {
		return "", fmt.Errorf("%w: expected %s reply, got %q", ErrBadFrame, prefix, resp)
	}
	return strings.TrimSpace(resp[len(prefix):]), nil
}

// Modules lists the module names installed on the platform
func (h *Host) Modules(ctx context.Context) ([]string, error) {
	resp, err := h.txrx(ctx, "MODS?")
	if err != nil {
		return nil, err
	}
	body, err := expect(resp, "MODS")
	if err != nil {
		return nil, err
	}
	if body == "" {
		return []string{}, nil
	}
	return strings.Split(body, ","), nil
}

// Param reads one named parameter of a module
func (h *Host) Param(ctx context.Context, module, name string) (float64, error) {
	resp, err := h.txrx(ctx, fmt.Sprintf("PARM? %s %s", module, name))
	if err != nil {
		return 0, err
	}
	body, err := expect(resp, "PARM")
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(body, 64)
}

// SetParam writes one named parameter of a module.  The bool mirrors the
// platform's accept/reject flag; false means the module declined the value.
func (h *Host) SetParam(ctx context.Context, module, name string, value float64) (bool, error) {
	resp, err := h.txrx(ctx, fmt.Sprintf("PARM! %s %s %s", module, name, strconv.FormatFloat(value, 'g', -1, 64)))
	if err != nil {
		return false, err
	}
	if strings.HasPrefix(resp, "NAK") {
		return false, nil
	}
	if resp != "OK" {
		return false, fmt.Errorf("%w: expected OK or NAK, got %q", ErrBadFrame, resp)
	}
	return true, nil
}

// Mode reports the current run mode
func (h *Host) Mode(ctx context.Context) (RunMode, error) {
	resp, err := h.txrx(ctx, "MODE?")
	if err != nil {
		return Idle, err
	}
	body, err := expect(resp, "MODE")
	if err != nil {
		return Idle, err
	}
	return ParseRunMode(body)
}

// SetMode issues a run mode change and polls until the platform reports it,
// PollRetries checks at PollInterval.  Failure to confirm is fatal to a
// calibration run; an unconfirmed mode means the stimulus path may not be
// live and every reading after it would be garbage.
func (h *Host) SetMode(ctx context.Context, m RunMode) error {
	resp, err := h.txrx(ctx, "MODE! "+m.String())
	if err != nil {
		return err
	}
	if resp != "OK" {
		return fmt.Errorf("%w: expected OK, got %q", ErrBadFrame, resp)
	}
	limiter := rate.NewLimiter(rate.Every(h.PollInterval), 1)
	for i := 0; i < h.PollRetries; i++ {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		cur, err := h.Mode(ctx)
		if err != nil {
			return err
		}
		if cur == m {
			return nil
		}
	}
	return fmt.Errorf("%w: wanted %s after %d checks", ErrModeTimeout, m, h.PollRetries)
}
