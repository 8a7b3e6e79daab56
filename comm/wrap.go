package comm

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net"
	"time"
)

// ErrTerminatorNotFound is returned when a reply does not end in the
// expected termination byte
var ErrTerminatorNotFound = errors.New("comm: termination byte not found in response")

// Terminator wraps a ReadWriter, appending the Tx terminator to every write
// and consuming through (and stripping) the Rx terminator on every read
type Terminator struct {
	rw     io.ReadWriter
	reader *bufio.Reader
	tx, rx byte
}

// NewTerminator wraps rw with the given transmit and receive terminators
func NewTerminator(rw io.ReadWriter, tx, rx byte) *Terminator {
	return &Terminator{rw: rw, reader: bufio.NewReader(rw), tx: tx, rx: rx}
}

// Write sends b followed by the Tx terminator
func (t *Terminator) Write(b []byte) (int, error) {
	n, err := t.rw.Write(append(b, t.tx))
	if n > 0 {
		// do not report the terminator byte to the caller
		n--
	}
	return n, err
}

// Read reads through the Rx terminator and copies the payload, terminator
// stripped, into b.  The payload must fit in b.
func (t *Terminator) Read(b []byte) (int, error) {
	buf, err := t.reader.ReadBytes(t.rx)
	if err != nil {
		return 0, err
	}
	if !bytes.HasSuffix(buf, []byte{t.rx}) {
		return copy(b, buf), ErrTerminatorNotFound
	}
	return copy(b, buf[:len(buf)-1]), nil
}

// Deadline applies a fresh deadline to every Read and Write on a net.Conn.
// Serial connections enforce timeouts in their config instead; pass those
// through unwrapped.
type Deadline struct {
	conn    net.Conn
	timeout time.Duration
}

// NewDeadline wraps conn; if rw is not a net.Conn it is returned as-is
func NewDeadline(rw io.ReadWriter, timeout time.Duration) io.ReadWriter {
	if conn, ok := rw.(net.Conn); ok {
		return &Deadline{conn: conn, timeout: timeout}
	}
	return rw
}

func (d *Deadline) Read(b []byte) (int, error) {
	if err := d.conn.SetReadDeadline(time.Now().Add(d.timeout)); err != nil {
		return 0, err
	}
	return d.conn.Read(b)
}

func (d *Deadline) Write(b []byte) (int, error) {
	if err := d.conn.SetWriteDeadline(time.Now().Add(d.timeout)); err != nil {
		return 0, err
	}
	return d.conn.Write(b)
}
