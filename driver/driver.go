// Package driver assembles the byte I/O adapter, framer, codec,
// transaction matcher, outbound store, pump, dispatch, session, and
// reset hook behind a single opaque handle, the way the original
// static-global THCI module was re-architected for a host process that
// may own more than one NCP.
package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ezhangle/thci/core/outbound"
	"github.com/ezhangle/thci/core/security"
	"github.com/ezhangle/thci/core/spinel"
	"github.com/ezhangle/thci/core/transact"
	"github.com/ezhangle/thci/device/config"
	"github.com/ezhangle/thci/device/debuglog"
	"github.com/ezhangle/thci/device/dispatch"
	"github.com/ezhangle/thci/device/pump"
	"github.com/ezhangle/thci/device/reset"
	"github.com/ezhangle/thci/device/session"
	"github.com/ezhangle/thci/device/uart"
)

// Callbacks are the upper-stack's subscriptions to unsolicited driver
// events: role/state changes, inbound datagrams, scan results, the
// legacy ULA prefix, and reset recovery.
type Callbacks struct {
	OnDatagram              func(payload []byte, secure bool)
	OnStateChange           func(flags dispatch.StateFlag)
	OnRoleChange            func(role dispatch.Role)
	OnLegacyULA             func(prefix []byte)
	OnScanResult            func(payload []byte)
	OnScanDone              func()
	OnChildTable            func(payload []byte)
	OnAddressTable          func(payload []byte)
	OnMulticastAddressTable func(payload []byte)
	OnLegacyWake            func(payload []byte)
	OnResetRecovery         func()
}

// Driver is the single handle through which a host process drives one
// NCP. All of its fields are internal; callers interact through the
// exported methods below.
type Driver struct {
	cfg *config.Config
	log *slog.Logger

	link       *uart.Link
	resetc     *reset.Controller
	alloc      *transact.Allocator
	matcher    *transact.Matcher
	store      *outbound.Store
	dispatcher *dispatch.Dispatcher
	pmp        *pump.Pump
	sess       *session.Session
	debug      *debuglog.Sink
	security   *security.Tracker

	cbs Callbacks
}

// propStreamNet and propStreamNetInsecure are the two property keys an
// inbound datagram can arrive on, distinguishing secure from insecure
// delivery for the upper stack; the rest are the other properties and
// commands the driver uses directly.
const (
	propStreamNet         uint32 = 0x70
	propStreamNetInsecure uint32 = 0x71
	propDebugStream       uint32 = 0x77
	propAssistingPorts    uint32 = 0x3e
	cmdPropValueIs        uint32 = 0x06
	cmdPropValueInsert    uint32 = 0x03
)

// New wires every component together from cfg and gpio. It does not
// open the serial link; call Initialize for that.
func New(cfg *config.Config, gpio reset.GPIO, cbs Callbacks, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.WithGroup("driver")

	d := &Driver{
		cfg:      cfg,
		log:      log,
		resetc:   reset.NewController(gpio),
		alloc:    transact.NewAllocator(),
		matcher:  transact.NewMatcher(),
		store:    outbound.NewStore(cfg.TxRingBufferSize),
		security: security.NewTracker(),
		cbs:      cbs,
	}

	d.link = uart.New(uart.Config{
		Port:     cfg.Port,
		BaudRate: cfg.UARTBaud,
		Logger:   logger,
	}, d.handleFrame, d.handleFrameError)

	d.sess = session.New(linkAdapter{d.link}, d.resetc, d.alloc, d.matcher, session.Config{
		Logger: logger,
		Callbacks: session.Callbacks{
			OnResetRecovery: cbs.OnResetRecovery,
		},
	})

	d.dispatcher = dispatch.New(d.matcher, dispatch.Handlers{
		OnDatagram:              d.handleDatagram,
		OnStateChange:           cbs.OnStateChange,
		OnRoleChange:            d.handleRoleChange,
		OnLegacyULA:             cbs.OnLegacyULA,
		OnScanResult:            cbs.OnScanResult,
		OnScanDone:              cbs.OnScanDone,
		OnChildTable:            cbs.OnChildTable,
		OnAddressTable:          cbs.OnAddressTable,
		OnMulticastAddressTable: cbs.OnMulticastAddressTable,
		OnLegacyWake:            cbs.OnLegacyWake,
		TriggerRecovery:         d.sess.InitiateRecovery,
	}, cfg.MessageQueueSize, logger)

	d.pmp = pump.New(d.store, d.alloc, d.matcher, senderFunc(d.sendFrame), pump.Config{
		Logger:           logger,
		Security:         d.security,
		OpenInsecurePort: d.openInsecurePort,
		Recover:          d.sess.InitiateRecovery,
	})

	if cfg.LogNCPLogs && d.cfg.DebugLogBroker != "" {
		d.debug = debuglog.New(debuglog.Config{Broker: d.cfg.DebugLogBroker, Logger: logger})
	}

	return d
}

// senderFunc adapts a plain function to pump.Sender.
type senderFunc func(hdr spinel.Header, command, key uint32, payload []byte) error

func (f senderFunc) Send(hdr spinel.Header, command, key uint32, payload []byte) error {
	return f(hdr, command, key, payload)
}

func (d *Driver) sendFrame(hdr spinel.Header, command, key uint32, payload []byte) error {
	return d.link.SendFrame(spinel.EncodeFrame(hdr, command, key, payload))
}

// linkAdapter narrows uart.Link down to session.Link's interface.
type linkAdapter struct{ l *uart.Link }

func (a linkAdapter) Open(ctx context.Context) error { return a.l.Open(ctx) }
func (a linkAdapter) Close() error                   { return a.l.Close() }
func (a linkAdapter) SendFrame(payload []byte) error { return a.l.SendFrame(payload) }

func (d *Driver) handleFrame(payload []byte) {
	frame, err := spinel.DecodeFrame(payload)
	if err != nil {
		d.log.Debug("dropping malformed spinel frame", "error", err)
		return
	}
	if frame.Command == cmdPropValueIs && frame.Key == propDebugStream && d.cfg.LogNCPLogs {
		d.log.Info("NCP log", "payload", string(frame.Args))
	}
	if frame.Command == cmdPropValueIs && frame.Key == propDebugStream && d.debug != nil {
		d.debug.Publish(frame.Args)
	}
	d.dispatcher.Feed(frame)
}

func (d *Driver) handleFrameError(err error) {
	d.log.Debug("hdlc decode error", "error", err)
}

func (d *Driver) handleDatagram(command, key uint32, payload []byte) {
	secure := key == propStreamNet

	if _, dst, err := security.TCPPorts(payload); err == nil {
		d.security.ObserveInbound(dst, secure)
	}

	if d.cbs.OnDatagram == nil {
		return
	}
	d.cbs.OnDatagram(payload, secure)
}

func (d *Driver) handleRoleChange(role dispatch.Role) {
	if role == dispatch.RoleDisabled {
		d.security.Clear(security.ThreadStarted)
	} else {
		d.security.Set(security.ThreadStarted)
	}
	if d.cbs.OnRoleChange != nil {
		d.cbs.OnRoleChange(role)
	}
}

// EnableInsecurePorts flags a provisional join as in progress, letting
// the pump open and use an insecure port for the joiner handshake.
// Provisional joins are a border-router responsibility; it returns
// ErrDisabledFeature when the configuration has that turned off.
func (d *Driver) EnableInsecurePorts() error {
	if !d.cfg.EnableBorderRouter {
		return ErrDisabledFeature
	}
	d.security.Set(security.InsecurePortsEnabled)
	return nil
}

// DisableInsecurePorts ends a provisional join and resets the security
// tracker for the next one.
func (d *Driver) DisableInsecurePorts() { d.security.Reset() }

// SendVendorCommand issues a synchronous vendor-specific property
// request, gated on the configuration's vendor-support flag. It
// returns ErrNotImplemented when that flag is off.
func (d *Driver) SendVendorCommand(ctx context.Context, command, key uint32, args []byte, timeout time.Duration) ([]byte, error) {
	if !d.cfg.SpinelVendorSupport {
		return nil, ErrNotImplemented
	}
	return d.request(ctx, command, key, args, timeout)
}

func (d *Driver) openInsecurePort(ctx context.Context, port uint16) error {
	w := spinel.NewWriter(nil)
	w.PutUint16(port)
	_, err := d.request(ctx, cmdPropValueInsert, propAssistingPorts, w.Bytes(), 0)
	return err
}

// Initialize brings the link, dispatcher, and pump up, optionally
// forcing a hard reset instead of trying the re-establish fast path.
func (d *Driver) Initialize(ctx context.Context, mandatoryReset bool) error {
	if err := d.sess.Initialize(ctx, mandatoryReset); err != nil {
		return fmt.Errorf("driver: initializing session: %w", err)
	}
	go d.dispatcher.Run()
	go d.pmp.Run(ctx)
	if d.debug != nil {
		if err := d.debug.Start(ctx); err != nil {
			d.log.Warn("debug log sink failed to start", "error", err)
		}
	}
	return nil
}

// Finalize tears the driver down, reversing Initialize.
func (d *Driver) Finalize(ctx context.Context) error {
	d.dispatcher.Close()
	if d.debug != nil {
		d.debug.Stop()
	}
	return d.sess.Finalize(ctx)
}

// HostSleep and HostWake mirror the session's low-power handshake.
func (d *Driver) HostSleep(ctx context.Context) error { return d.sess.HostSleep(ctx) }
func (d *Driver) HostWake(ctx context.Context) error  { return d.sess.HostWake(ctx) }

// SubmitDatagram queues payload for delivery to the NCP's datagram
// stream: secure or insecure, and legacy for the vendor-legacy stream
// used by pre-Thread devices.
func (d *Driver) SubmitDatagram(ctx context.Context, payload []byte, secure, legacy bool) error {
	return d.pmp.Submit(ctx, payload, secure, legacy)
}

// GetProperty issues a synchronous property-value-get and returns the
// raw argument bytes from the matching property-value-is response.
func (d *Driver) GetProperty(ctx context.Context, key uint32, timeout time.Duration) ([]byte, error) {
	return d.request(ctx, cmdPropValueGet, key, nil, timeout)
}

// SetProperty issues a synchronous property-value-set and returns the
// raw argument bytes echoed back by the NCP.
func (d *Driver) SetProperty(ctx context.Context, key uint32, value []byte, timeout time.Duration) ([]byte, error) {
	return d.request(ctx, cmdPropValueSet, key, value, timeout)
}

const (
	cmdPropValueGet uint32 = 0x01
	cmdPropValueSet uint32 = 0x02
)

func (d *Driver) request(ctx context.Context, command, key uint32, args []byte, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	tid := d.alloc.Next()
	if err := d.matcher.Begin(transact.Expectation{TID: tid, Command: cmdPropValueIs, Key: key}); err != nil {
		return nil, err
	}

	if err := d.link.SendFrame(spinel.EncodeFrame(spinel.Header{TID: tid}, command, key, args)); err != nil {
		d.matcher.Cancel()
		return nil, fmt.Errorf("driver: sending request: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	resp, err := d.matcher.Wait(waitCtx)
	if err != nil && errors.Is(err, transact.ErrNoFrameReceived) {
		d.log.Warn("request timed out waiting for a response, initiating recovery", "command", command, "key", key)
		d.sess.InitiateRecovery()
	}
	return resp, err
}

// InitiateRecovery forwards to the session supervisor, mirroring the
// unsolicited link-dead recovery path.
func (d *Driver) InitiateRecovery() { d.sess.InitiateRecovery() }

// State reports the session supervisor's current lifecycle state.
func (d *Driver) State() session.State { return d.sess.State() }
