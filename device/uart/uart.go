// Package uart adapts a physical serial port into the byte-oriented link
// used by the rest of the driver: a read side that drains into a small
// ring buffer before handing bytes to the HDLC decoder, and a write side
// that HDLC-encodes a frame and pushes it to the wire under a deadline.
package uart

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/ezhangle/thci/core/hdlc"
	"github.com/ezhangle/thci/core/rxfifo"
)

const (
	// DefaultBaudRate matches the NCP's fixed console baud rate.
	DefaultBaudRate = 115200

	// readChunkSize is the size of each blocking port.Read call.
	readChunkSize = 256

	// DefaultWriteTimeout bounds how long SendFrame will retry writing
	// into a busy port before giving up.
	DefaultWriteTimeout = 3 * time.Second

	// nearFullDrainFactor is the hysteresis band between pausing the read
	// loop at the ring's near-full watermark and resuming it: once
	// paused, the loop waits until free space has grown back out to
	// nearFullDrainFactor times the watermark before reading again,
	// instead of resuming the instant it dips just below it.
	nearFullDrainFactor = 2
)

// ErrNotConnected is returned by SendFrame and Close when the link has
// not been opened, or has already been closed.
var ErrNotConnected = errors.New("uart: not connected")

// ErrWriteTimeout is returned by SendFrame when the port does not
// accept the whole frame before the configured write timeout elapses.
var ErrWriteTimeout = errors.New("uart: write timed out")

// Config configures a Link.
type Config struct {
	Port     string
	BaudRate int

	// MaxFrameSize bounds decoded HDLC frames; see hdlc.DefaultMaxFrameSize.
	MaxFrameSize int

	// FifoCapacity sizes the receive ring between the read goroutine and
	// the decode goroutine. Defaults to rxfifo.DefaultCapacity.
	FifoCapacity int

	// WriteTimeout bounds SendFrame. Defaults to DefaultWriteTimeout.
	WriteTimeout time.Duration

	Logger *slog.Logger
}

// Link owns a serial port and the byte-ring/decoder pipeline feeding it.
type Link struct {
	cfg Config
	log *slog.Logger

	mu         sync.RWMutex
	port       serial.Port
	connected  bool
	cancel     context.CancelFunc
	readDone   chan struct{}
	decodeDone chan struct{}

	fifo   *rxfifo.Fifo
	notify chan struct{}
	paused bool

	dec *hdlc.Decoder

	onFrame func([]byte)
	onError func(error)

	writeBuf *hdlc.Buffer
	nowFn    func() time.Time
}

// New creates a Link. onFrame is called with each decoded frame payload
// (valid only for the duration of the call, per hdlc.Decoder); onError
// is called for framing errors, which are not fatal to the link.
func New(cfg Config, onFrame func([]byte), onError func(error)) *Link {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.MaxFrameSize == 0 {
		cfg.MaxFrameSize = hdlc.DefaultMaxFrameSize
	}
	if cfg.FifoCapacity == 0 {
		cfg.FifoCapacity = rxfifo.DefaultCapacity
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	l := &Link{
		cfg:      cfg,
		log:      logger.WithGroup("uart"),
		fifo:     rxfifo.New(cfg.FifoCapacity),
		notify:   make(chan struct{}, 1),
		onFrame:  onFrame,
		onError:  onError,
		writeBuf: hdlc.NewBuffer(cfg.MaxFrameSize + 16),
		nowFn:    time.Now,
	}
	l.dec = hdlc.NewDecoder(cfg.MaxFrameSize, l.handleFrame, l.handleError)
	return l
}

func (l *Link) handleFrame(buf []byte) {
	if l.onFrame != nil {
		l.onFrame(buf)
	}
}

func (l *Link) handleError(err error, partial []byte) {
	l.log.Debug("frame decode error", "error", err, "partial_len", len(partial))
	if l.onError != nil {
		l.onError(err)
	}
}

// Open opens the serial port and starts the read and decode goroutines.
func (l *Link) Open(ctx context.Context) error {
	if l.cfg.Port == "" {
		return errors.New("uart: port is required")
	}

	mode := &serial.Mode{BaudRate: l.cfg.BaudRate}
	port, err := serial.Open(l.cfg.Port, mode)
	if err != nil {
		return fmt.Errorf("uart: opening port: %w", err)
	}

	l.mu.Lock()
	l.port = port
	l.connected = true
	l.readDone = make(chan struct{})
	l.decodeDone = make(chan struct{})
	l.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel

	go l.readLoop(runCtx)
	go l.decodeLoop(runCtx)

	l.log.Info("uart link opened", "port", l.cfg.Port, "baud", l.cfg.BaudRate)
	return nil
}

// Close stops both goroutines and closes the serial port.
func (l *Link) Close() error {
	l.mu.Lock()
	if !l.connected {
		l.mu.Unlock()
		return ErrNotConnected
	}
	l.connected = false
	port := l.port
	l.port = nil
	readDone := l.readDone
	decodeDone := l.decodeDone
	l.mu.Unlock()

	if l.cancel != nil {
		l.cancel()
	}

	var err error
	if port != nil {
		err = port.Close()
	}
	if readDone != nil {
		<-readDone
	}
	if decodeDone != nil {
		<-decodeDone
	}
	return err
}

// IsConnected reports whether the link currently owns an open port.
func (l *Link) IsConnected() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.connected
}

// readLoop mirrors the ISR feeding the receive ring: it blocks on the
// port and pushes every byte read into the fifo, pausing briefly when
// the fifo is near full rather than overrunning it.
func (l *Link) readLoop(ctx context.Context) {
	defer close(l.readDone)

	buf := make([]byte, readChunkSize)
	for {
		if ctx.Err() != nil {
			return
		}

		n, err := l.port.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				l.handleDisconnect(err)
				return
			}
			l.log.Error("uart read error", "error", err)
			l.handleDisconnect(err)
			return
		}
		if n == 0 {
			continue
		}

		for _, b := range buf[:n] {
			for l.fifo.Put(b) != nil {
				// Ring is momentarily full; give the decode loop a
				// chance to drain before retrying the same byte.
				time.Sleep(time.Millisecond)
				if ctx.Err() != nil {
					return
				}
			}
		}
		l.postDataReady()
		l.waitForDrain(ctx)
	}
}

// waitForDrain applies the ring's pause/resume hysteresis: once the
// ring crosses its near-full watermark, the read loop keeps waiting
// past that point until the decode loop has drained it back out to
// nearFullDrainFactor times the watermark, rather than resuming the
// instant a single byte is read.
func (l *Link) waitForDrain(ctx context.Context) {
	if !l.paused {
		if !l.fifo.IsNearFull(0) {
			return
		}
		l.paused = true
	}

	resumeAt := l.fifo.NearFullSlop() * nearFullDrainFactor
	for l.fifo.IsNearFull(resumeAt) {
		time.Sleep(time.Millisecond)
		if ctx.Err() != nil {
			return
		}
	}
	l.paused = false
}

// postDataReady wakes the decode loop at most once per outstanding
// notification, the same sticky-flag trick used to avoid flooding an
// event queue with redundant wakeups.
func (l *Link) postDataReady() {
	select {
	case l.notify <- struct{}{}:
	default:
	}
}

func (l *Link) decodeLoop(ctx context.Context) {
	defer close(l.decodeDone)

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.notify:
		}

		for {
			b, err := l.fifo.Get()
			if err != nil {
				break
			}
			l.dec.Decode(b)
		}

		if ctx.Err() != nil {
			return
		}
	}
}

func (l *Link) handleDisconnect(err error) {
	l.mu.Lock()
	l.connected = false
	l.mu.Unlock()
	if err != nil {
		l.log.Error("uart link disconnected", "error", err)
	}
}

// SendFrame HDLC-encodes payload and writes it to the port, retrying
// writes into the buffer until the whole frame is queued or the
// configured write timeout elapses.
func (l *Link) SendFrame(payload []byte) error {
	l.mu.RLock()
	port := l.port
	connected := l.connected
	l.mu.RUnlock()

	if !connected || port == nil {
		return ErrNotConnected
	}

	l.writeBuf.Clear()
	enc := hdlc.NewEncoder()

	deadline := l.nowFn().Add(l.cfg.WriteTimeout)
	if err := l.drainingEncode(port, enc.Init, deadline); err != nil {
		return err
	}
	for _, b := range payload {
		bb := b
		if err := l.drainingEncode(port, func(out *hdlc.Buffer) error { return enc.Encode(bb, out) }, deadline); err != nil {
			return err
		}
	}
	if err := l.drainingEncode(port, enc.Finalize, deadline); err != nil {
		return err
	}
	return l.flush(port, deadline)
}

// drainingEncode calls step against the write buffer, flushing and
// retrying once if the buffer is full, mirroring the wire-level
// put-char-or-drain loop under a deadline.
func (l *Link) drainingEncode(port serial.Port, step func(*hdlc.Buffer) error, deadline time.Time) error {
	err := step(l.writeBuf)
	if err == nil {
		return nil
	}
	if !errors.Is(err, hdlc.ErrBufferFull) {
		return err
	}

	if err := l.flush(port, deadline); err != nil {
		return err
	}
	return step(l.writeBuf)
}

func (l *Link) flush(port serial.Port, deadline time.Time) error {
	if l.writeBuf.IsEmpty() {
		return nil
	}
	if l.nowFn().After(deadline) {
		return ErrWriteTimeout
	}
	if _, err := port.Write(l.writeBuf.Bytes()); err != nil {
		return fmt.Errorf("uart: writing frame: %w", err)
	}
	l.writeBuf.Clear()
	return nil
}
