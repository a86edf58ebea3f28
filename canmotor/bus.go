// Package canmotor drives four wheel motor controllers over SocketCAN. Velocity references are re-sent every
// heartbeat period and replaced with a stop if no command arrives within the comms timeout.
package canmotor

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-daq/canbus"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"
	viamutils "go.viam.com/utils"
	"golang.org/x/sys/unix"

	"github.com/Team-5243/Reefscape/sensors"
	"github.com/Team-5243/Reefscape/telemetry"
	"github.com/Team-5243/Reefscape/wheels"
)

// ErrNoStatus is returned by encoder reads when a wheel's controller has not reported recently.
var ErrNoStatus = errors.New("no recent motor status")

// Socket is the subset of *canbus.Socket the bus uses.
type Socket interface {
	Send(frame canbus.Frame) (int, error)
	Recv() (canbus.Frame, error)
	Close() error
}

// Config describes the bus and the motor controllers on it.
type Config struct {
	Channel string `json:"channel"`
	// CommandIDs and StatusIDs are extended CAN identifiers.
	CommandIDs wheels.Set[uint32] `json:"command_ids"`
	StatusIDs  wheels.Set[uint32] `json:"status_ids"`
	// TicksPerRotation is encoder counts per motor shaft rotation.
	TicksPerRotation float64 `json:"ticks_per_rotation"`
	MaxRPM           float64 `json:"max_rpm"`
	// NominalVoltage is the supply voltage that spins a free motor at MaxRPM.
	NominalVoltage  float64       `json:"nominal_voltage"`
	CurrentLimit    int16         `json:"current_limit"`
	HeartbeatPeriod time.Duration `json:"-"`
	CommsTimeout    time.Duration `json:"-"`
	StatusTimeout   time.Duration `json:"-"`
}

// DefaultConfig is the 4 controller layout from the data sheet.
func DefaultConfig() Config {
	return Config{
		Channel:          "can0",
		CommandIDs:       wheels.Of[uint32](0x22B, 0x22A, 0x22D, 0x22C),
		StatusIDs:        wheels.Of[uint32](0x23B, 0x23A, 0x23D, 0x23C),
		TicksPerRotation: 4096,
		MaxRPM:           2000,
		NominalVoltage:   12,
		CurrentLimit:     0x500,
		HeartbeatPeriod:  10 * time.Millisecond,
		CommsTimeout:     time.Second,
		StatusTimeout:    100 * time.Millisecond,
	}
}

// Validate checks the identifiers and conversion factors.
func (c Config) Validate() error {
	seen := map[uint32]bool{}
	for _, w := range wheels.All {
		for _, id := range []uint32{c.CommandIDs.Get(w), c.StatusIDs.Get(w)} {
			if id == 0 || id > unix.CAN_EFF_MASK {
				return errors.Errorf("%v CAN id %#x out of range", w, id)
			}
			if seen[id] {
				return errors.Errorf("CAN id %#x used twice", id)
			}
			seen[id] = true
		}
	}
	if !(c.TicksPerRotation > 0) || !(c.MaxRPM > 0) || !(c.NominalVoltage > 0) {
		return errors.New("ticks_per_rotation, max_rpm and nominal_voltage must be positive")
	}
	if c.MaxRPM > maxFieldRPM {
		return errors.Errorf("max_rpm %v exceeds the %d rpm the command frame can carry", c.MaxRPM, maxFieldRPM)
	}
	if c.CurrentLimit < 0 || c.CurrentLimit > 0xFFF {
		return errors.Errorf("current_limit %#x does not fit in 12 bits", c.CurrentLimit)
	}
	if c.HeartbeatPeriod <= 0 || c.CommsTimeout <= c.HeartbeatPeriod || c.StatusTimeout <= 0 {
		return errors.New("heartbeat period must be positive and shorter than the comms timeout")
	}
	return nil
}

type wheelCommand struct {
	wheel wheels.Wheel
	cmd   command
}

type status struct {
	ticks   int64
	rpm     float64
	current float64
	at      time.Time
}

// Bus implements control.Actuator and sensors.Encoder on a CAN bus.
type Bus struct {
	cfg    Config
	wheel  sensors.Config
	tx, rx Socket
	clock  clock.Clock
	tel    *telemetry.Store
	logger logging.Logger

	nextCommandCh chan wheelCommand

	// owned by the publish loop
	commands     wheels.Set[command]
	commsTimeout time.Time
	timedOut     bool

	mu     sync.Mutex
	status wheels.Set[status]

	cancelCtx               context.Context
	cancel                  func()
	activeBackgroundWorkers sync.WaitGroup
	closeOnce               sync.Once
}

// Open binds two sockets to cfg.Channel, one filtered to the status frames, and starts the bus.
func Open(cfg Config, wheel sensors.Config, clk clock.Clock, tel *telemetry.Store, logger logging.Logger) (*Bus, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	socketSend, err := canbus.New()
	if err != nil {
		return nil, err
	}
	if err := socketSend.Bind(cfg.Channel); err != nil {
		return nil, multierr.Combine(errors.Wrapf(err, "binding %s", cfg.Channel), socketSend.Close())
	}

	socketRecv, err := canbus.New()
	if err != nil {
		return nil, multierr.Combine(err, socketSend.Close())
	}
	filters := make([]unix.CanFilter, 0, len(wheels.All))
	for _, w := range wheels.All {
		filters = append(filters, unix.CanFilter{Id: cfg.StatusIDs.Get(w) | unix.CAN_EFF_FLAG, Mask: unix.CAN_EFF_MASK | unix.CAN_EFF_FLAG})
	}
	if err := socketRecv.SetFilters(filters); err != nil {
		return nil, multierr.Combine(err, socketSend.Close(), socketRecv.Close())
	}
	if err := socketRecv.Bind(cfg.Channel); err != nil {
		return nil, multierr.Combine(errors.Wrapf(err, "binding %s", cfg.Channel), socketSend.Close(), socketRecv.Close())
	}

	return NewBus(cfg, wheel, socketSend, socketRecv, clk, tel, logger)
}

// NewBus starts the publish and receive loops on already bound sockets.
func NewBus(
	cfg Config, wheel sensors.Config, tx, rx Socket, clk clock.Clock, tel *telemetry.Store, logger logging.Logger,
) (*Bus, error) {
	b, err := newBus(cfg, wheel, tx, rx, clk, tel, logger)
	if err != nil {
		return nil, err
	}
	ticker := clk.Ticker(cfg.HeartbeatPeriod)
	b.activeBackgroundWorkers.Add(2)
	viamutils.ManagedGo(func() {
		defer ticker.Stop()
		b.publishThread(ticker.C)
	}, b.activeBackgroundWorkers.Done)
	viamutils.ManagedGo(b.receiveThread, b.activeBackgroundWorkers.Done)
	return b, nil
}

func newBus(
	cfg Config, wheel sensors.Config, tx, rx Socket, clk clock.Clock, tel *telemetry.Store, logger logging.Logger,
) (*Bus, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := wheel.Validate(); err != nil {
		return nil, err
	}
	cancelCtx, cancel := context.WithCancel(context.Background())
	return &Bus{
		cfg:           cfg,
		wheel:         wheel,
		tx:            tx,
		rx:            rx,
		clock:         clk,
		tel:           tel,
		logger:        logger,
		nextCommandCh: make(chan wheelCommand),
		commands:      wheels.Uniform(disableCommand(cfg.CurrentLimit)),
		commsTimeout:  clk.Now().Add(cfg.CommsTimeout),
		cancelCtx:     cancelCtx,
		cancel:        cancel,
	}, nil
}

// SetVelocityReference commands the controller's own speed loop.
func (b *Bus) SetVelocityReference(ctx context.Context, w wheels.Wheel, metersPerSecond float64) error {
	return b.setRPM(ctx, w, b.wheel.MetersPerSecondToRPM(metersPerSecond))
}

// SetVoltage has no direct equivalent on these controllers; the voltage is sent as the free speed it would produce.
func (b *Bus) SetVoltage(ctx context.Context, w wheels.Wheel, volts float64) error {
	return b.setRPM(ctx, w, volts/b.cfg.NominalVoltage*b.cfg.MaxRPM)
}

func (b *Bus) setRPM(ctx context.Context, w wheels.Wheel, rpm float64) error {
	if math.IsNaN(rpm) {
		rpm = 0
	}
	if math.Abs(rpm) > b.cfg.MaxRPM {
		b.tel.Inc(telemetry.Join("saturation.rpm", w.String()))
		rpm = math.Copysign(b.cfg.MaxRPM, rpm)
	}
	return b.setNextCommand(ctx, wheelCommand{wheel: w, cmd: speedCommand(int16(math.Round(rpm)), b.cfg.CurrentLimit)})
}

func (b *Bus) setNextCommand(ctx context.Context, wc wheelCommand) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-b.cancelCtx.Done():
		return errors.New("bus closed")
	case b.nextCommandCh <- wc:
	}
	return nil
}

// CumulativeRotations is the motor shaft position from the last status frame.
func (b *Bus) CumulativeRotations(ctx context.Context, w wheels.Wheel) (float64, error) {
	s, err := b.fresh(w)
	if err != nil {
		return 0, err
	}
	return float64(s.ticks) / b.cfg.TicksPerRotation, nil
}

// VelocityRPM is the motor shaft speed from the last status frame.
func (b *Bus) VelocityRPM(ctx context.Context, w wheels.Wheel) (float64, error) {
	s, err := b.fresh(w)
	if err != nil {
		return 0, err
	}
	return s.rpm, nil
}

func (b *Bus) fresh(w wheels.Wheel) (status, error) {
	b.mu.Lock()
	s := b.status.Get(w)
	b.mu.Unlock()
	if s.at.IsZero() || b.clock.Since(s.at) > b.cfg.StatusTimeout {
		return status{}, errors.Wrap(ErrNoStatus, w.String())
	}
	return s, nil
}

// publishThread records new commands as they arrive and sends every wheel's current command on each
// heartbeat, so the bus load stays at four frames per period however often the wheels are commanded.
func (b *Bus) publishThread(heartbeats <-chan time.Time) {
	for {
		if b.cancelCtx.Err() != nil {
			return
		}
		select {
		case <-b.cancelCtx.Done():
			return
		case wc := <-b.nextCommandCh:
			b.accept(wc)
		case <-heartbeats:
			b.heartbeat()
		}
	}
}

func (b *Bus) accept(wc wheelCommand) {
	b.commands.Put(wc.wheel, wc.cmd)
	b.commsTimeout = b.clock.Now().Add(b.cfg.CommsTimeout)
	if b.timedOut {
		b.logger.Info("motor commands resumed")
		b.timedOut = false
	}
}

func (b *Bus) heartbeat() {
	if !b.timedOut && b.clock.Now().After(b.commsTimeout) {
		b.logger.Warnw("no motor command within comms timeout, stopping wheels", "timeout", b.cfg.CommsTimeout)
		b.tel.Inc("fault.comms_timeout")
		b.commands = wheels.Uniform(speedCommand(0, b.cfg.CurrentLimit))
		b.timedOut = true
	}
	for _, w := range wheels.All {
		if _, err := b.tx.Send(b.commands.Get(w).toFrame(b.cfg.CommandIDs.Get(w))); err != nil {
			b.logger.Debugw("drive command send error", "wheel", w, "error", err)
			b.tel.Inc(telemetry.Join("fault.can.send", w.String()))
		}
	}
}

// receiveThread stores status frames until the receive socket is closed.
func (b *Bus) receiveThread() {
	for {
		if b.cancelCtx.Err() != nil {
			return
		}
		frame, err := b.rx.Recv()
		if err != nil {
			if b.cancelCtx.Err() != nil {
				return
			}
			b.logger.Debugw("CAN Rx error", "error", err)
			b.tel.Inc("fault.can.recv")
			continue
		}
		b.handleFrame(frame)
	}
}

func (b *Bus) handleFrame(frame canbus.Frame) {
	for _, w := range wheels.All {
		if frame.ID != b.cfg.StatusIDs.Get(w) {
			continue
		}
		if len(frame.Data) < 8 {
			b.tel.Inc(telemetry.Join("fault.can.short_frame", w.String()))
			return
		}
		s := status{
			ticks:   raw(frame.Data, signalStatusTicks),
			rpm:     extract(frame.Data, signalStatusRPM),
			current: extract(frame.Data, signalStatusCurrent),
			at:      b.clock.Now(),
		}
		b.mu.Lock()
		b.status.Put(w, s)
		b.mu.Unlock()
		b.tel.Set(telemetry.Join("motor.current", w.String()), s.current)
		return
	}
}

// Close disables every wheel, stops both loops and closes the sockets.
func (b *Bus) Close(ctx context.Context) error {
	var err error
	b.closeOnce.Do(func() {
		b.cancel()
		// the receive loop blocks in Recv until its socket goes away
		err = b.rx.Close()
		b.activeBackgroundWorkers.Wait()
		for _, w := range wheels.All {
			_, sendErr := b.tx.Send(disableCommand(b.cfg.CurrentLimit).toFrame(b.cfg.CommandIDs.Get(w)))
			err = multierr.Combine(err, sendErr)
		}
		err = multierr.Combine(err, b.tx.Close())
	})
	return err
}
