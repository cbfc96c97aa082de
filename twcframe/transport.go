package twcframe

import (
	"errors"
	"time"

	"github.com/goburrow/serial"
	"github.com/golang/glog"

	"github.com/timcantryn/TWCManager/twcclock"
)

// Transport owns the RS-485 serial endpoint (C2): single-byte non-blocking
// reads, whole-frame writes, and the last-transmit timestamp the master
// state machine throttles on.
type Transport struct {
	port    serial.Port
	clock   twcclock.Clock
	listen  bool // listenMode: log frames instead of writing them to the wire
	lastTx  time.Time
	onWrite func(frame []byte) // hook for listenMode / tests; nil in production
}

// Config mirrors the teacher's serial.Config defaults: 9600 8N1, raw, no
// echo, no flow control.
type Config struct {
	Address  string
	BaudRate int
	DataBits int
	StopBits int
	Parity   string
}

// DefaultConfig returns the spec.md §6 default serial configuration.
func DefaultConfig(address string) Config {
	return Config{
		Address:  address,
		BaudRate: 9600,
		DataBits: 8,
		StopBits: 1,
		Parity:   "N",
	}
}

// Open opens the serial device described by cfg. listen puts the transport
// into "listenMode": the port is still opened and read, but outbound frames
// are logged instead of going out the wire.
func Open(cfg Config, clock twcclock.Clock, listen bool) (*Transport, error) {
	port, err := serial.Open(&serial.Config{
		Address:  cfg.Address,
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
		StopBits: cfg.StopBits,
		Parity:   cfg.Parity,
		Timeout:  0, // non-blocking: ErrTimeout on no data available
	})
	if err != nil {
		return nil, err
	}
	return &Transport{port: port, clock: clock, listen: listen}, nil
}

// NewLoopback builds a Transport with no real serial port, for use in
// listenMode-only diagnostic binaries and tests. Reads never produce bytes;
// writes go to onWrite.
func NewLoopback(clock twcclock.Clock, onWrite func([]byte)) *Transport {
	return &Transport{clock: clock, listen: true, onWrite: onWrite}
}

// ReadByte returns the next available byte, or ok=false if none is
// currently available (would-block). A transient I/O error other than a
// would-block timeout is returned for the caller to log and continue
// (spec.md §7: "Transport I/O... log, continue; peers will re-sync").
func (t *Transport) ReadByte() (b byte, ok bool, err error) {
	if t.port == nil {
		return 0, false, nil
	}
	var buf [1]byte
	n, err := t.port.Read(buf[:])
	if err != nil {
		if errors.Is(err, serial.ErrTimeout) {
			return 0, false, nil
		}
		return 0, false, err
	}
	if n == 0 {
		return 0, false, nil
	}
	return buf[0], true, nil
}

// WriteFrame writes a complete, already-escaped frame to the wire (or to
// onWrite in listenMode) and records the transmit time.
func (t *Transport) WriteFrame(frame []byte) error {
	t.lastTx = t.clock.Now()
	if t.listen {
		if t.onWrite != nil {
			t.onWrite(frame)
		} else {
			glog.Infof("twcframe: listen mode, not sent: % x", frame)
		}
		return nil
	}
	if t.port == nil {
		return nil
	}
	_, err := t.port.Write(frame)
	return err
}

// LastTxAt returns the time of the most recent WriteFrame call.
func (t *Transport) LastTxAt() time.Time { return t.lastTx }

// Close closes the underlying serial port, if any.
func (t *Transport) Close() error {
	if t.port == nil {
		return nil
	}
	return t.port.Close()
}
