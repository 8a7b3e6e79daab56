package comm_test

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.jpl.nasa.gov/bdube/photocal/comm"
)

type fakeConn struct {
	bytes.Buffer
	closed bool
}

func (f *fakeConn) Close() error {
	f.closed = true
	return nil
}

func TestPoolReusesConnections(t *testing.T) {
	dials := 0
	p := comm.NewPool(1, func() (io.ReadWriteCloser, error) {
		dials++
		return &fakeConn{}, nil
	})
	c, err := p.Get()
	if err != nil {
		t.Fatalf("get errored: %v", err)
	}
	p.Put(c)
	c2, err := p.Get()
	if err != nil {
		t.Fatalf("get errored: %v", err)
	}
	if dials != 1 {
		t.Errorf("expected 1 dial, got %d", dials)
	}
	if c2 != c {
		t.Error("expected the same connection back from the pool")
	}
	p.Put(c2)
}

func TestPoolDestroyRedials(t *testing.T) {
	dials := 0
	p := comm.NewPool(1, func() (io.ReadWriteCloser, error) {
		dials++
		return &fakeConn{}, nil
	})
	c, _ := p.Get()
	p.Destroy(c)
	if !c.(*fakeConn).closed {
		t.Error("destroyed connection was not closed")
	}
	c2, err := p.Get()
	if err != nil {
		t.Fatalf("get errored: %v", err)
	}
	if dials != 2 {
		t.Errorf("expected 2 dials, got %d", dials)
	}
	p.Put(c2)
}

func TestPoolClosed(t *testing.T) {
	p := comm.NewPool(1, func() (io.ReadWriteCloser, error) {
		return &fakeConn{}, nil
	})
	p.Close()
	if _, err := p.Get(); err != comm.ErrPoolClosed {
		t.Errorf("expected ErrPoolClosed, got %v", err)
	}
}

func TestPoolCloseUnblocksGet(t *testing.T) {
	p := comm.NewPool(1, func() (io.ReadWriteCloser, error) {
		return &fakeConn{}, nil
	})
	c, err := p.Get()
	if err != nil {
		t.Fatalf("get errored: %v", err)
	}
	// the pool is at capacity, so this Get blocks until Close
	errs := make(chan error, 1)
	go func() {
		_, err := p.Get()
		errs <- err
	}()
	time.Sleep(10 * time.Millisecond)
	p.Close()
	select {
	case err := <-errs:
		if err != comm.ErrPoolClosed {
			t.Errorf("expected ErrPoolClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Get still blocked after Close")
	}
	p.Put(c)
}

func TestTerminatorRoundTrip(t *testing.T) {
	// a buffer acts as a loopback; writes land where reads look
	var buf bytes.Buffer
	term := comm.NewTerminator(&buf, '\n', '\n')
	if _, err := term.Write([]byte("MODE?")); err != nil {
		t.Fatalf("write errored: %v", err)
	}
	if got := buf.String(); got != "MODE?\n" {
		t.Fatalf("expected terminated write, got %q", got)
	}
	out := make([]byte, 64)
	n, err := term.Read(out)
	if err != nil {
		t.Fatalf("read errored: %v", err)
	}
	if string(out[:n]) != "MODE?" {
		t.Errorf("expected terminator stripped, got %q", out[:n])
	}
}
