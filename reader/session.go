package reader

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"rfidtrack/frame"
	"rfidtrack/metrics"
)

// State is the session lifecycle position.
type State int

const (
	StateDisconnected State = iota
	StateVerifying
	StateIdle
	StatePolling
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateVerifying:
		return "verifying"
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Session owns the serial link to one reader module.
type Session struct {
	cfg      Config
	open     Opener
	handlers Handlers
	debounce *Debouncer
	logger   zerolog.Logger

	// io serializes command/response exchanges on the port.
	io sync.Mutex

	mu    sync.Mutex
	port  Port
	state State
	power int
}

// Option configures a Session.
type Option func(*Session)

// WithOpener replaces the serial opener.
func WithOpener(o Opener) Option {
	return func(s *Session) { s.open = o }
}

// WithClock replaces the debounce clock.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.debounce.now = now }
}

// New creates a disconnected session.
func New(cfg Config, h Handlers, opts ...Option) *Session {
	cfg = cfg.WithDefaults()
	s := &Session{
		cfg:      cfg,
		open:     OpenSerial,
		handlers: h,
		debounce: NewDebouncer(cfg.Debounce),
		logger:   log.With().Str("component", "reader").Str("device", cfg.Device).Logger(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Power returns the last acknowledged transmit power in dBm.
func (s *Session) Power() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.power
}

// Connect opens the port and verifies the module answers module-info. On
// success the configured read power is applied; a failure there is logged
// and does not fail the connection.
func (s *Session) Connect(ctx context.Context) error {
	s.io.Lock()
	defer s.io.Unlock()

	s.dropLocked()
	port, err := s.open(s.cfg.Device, s.cfg.Baud)
	if err != nil {
		s.report(StatusError)
		return fmt.Errorf("connect reader: %w", err)
	}
	s.setState(StateVerifying)
	if !sleep(ctx, s.cfg.Settle) {
		port.Close()
		s.setState(StateDisconnected)
		return ctx.Err()
	}

	if err := s.verify(port); err != nil {
		port.Close()
		s.setState(StateDisconnected)
		s.report(StatusError)
		return err
	}

	s.mu.Lock()
	s.port = port
	s.state = StateIdle
	s.mu.Unlock()
	s.logger.Info().Int("baud", s.cfg.Baud).Msg("reader connected")
	s.report(StatusConnected)

	if err := s.setPower(port, s.cfg.ReadPower); err != nil {
		s.logger.Warn().Err(err).Int("dbm", s.cfg.ReadPower).Msg("failed to apply read power")
	}
	return nil
}

func (s *Session) verify(port Port) error {
	if err := exchange(port, frame.CmdModuleInfo, []byte{0x00}); err != nil {
		return fmt.Errorf("%w: %v", ErrVerifyFailed, err)
	}
	_, ok, err := awaitFrame(port, s.cfg.VerifyTimeout, func(f frame.Frame) bool {
		return f.ChecksumValid
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVerifyFailed, err)
	}
	if !ok {
		return ErrVerifyFailed
	}
	return nil
}

// ConfigurePower sets transmit power. Values outside the configured range
// are rejected without touching the port.
func (s *Session) ConfigurePower(dBm int) error {
	if dBm < s.cfg.PowerMin || dBm > s.cfg.PowerMax {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrPowerOutOfRange, dBm, s.cfg.PowerMin, s.cfg.PowerMax)
	}

	s.io.Lock()
	defer s.io.Unlock()

	port := s.currentPort()
	if port == nil {
		return ErrNotConnected
	}
	return s.setPower(port, dBm)
}

// setPower sends set-power and accepts any reply as acknowledgment.
func (s *Session) setPower(port Port, dBm int) error {
	params := make([]byte, 2)
	binary.BigEndian.PutUint16(params, uint16(dBm*100))
	if err := exchange(port, frame.CmdSetPower, params); err != nil {
		return err
	}

	got, err := awaitBytes(port, s.cfg.VerifyTimeout)
	if err != nil {
		return err
	}
	if !got {
		return ErrNoAck
	}

	s.mu.Lock()
	s.power = dBm
	s.mu.Unlock()
	s.logger.Info().Int("dbm", dBm).Msg("transmit power set")
	return nil
}

// ReadPower asks the module for its current transmit power in whole dBm.
func (s *Session) ReadPower() (int, error) {
	s.io.Lock()
	defer s.io.Unlock()

	port := s.currentPort()
	if port == nil {
		return 0, ErrNotConnected
	}
	if err := exchange(port, frame.CmdGetPower, nil); err != nil {
		return 0, err
	}
	f, ok, err := awaitFrame(port, s.cfg.VerifyTimeout, func(f frame.Frame) bool {
		return f.ChecksumValid && f.Type == frame.TypeResponse && f.Command == frame.CmdGetPower && len(f.Params) >= 2
	})
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrNoAck
	}
	dBm := int(binary.BigEndian.Uint16(f.Params[:2])) / 100

	s.mu.Lock()
	s.power = dBm
	s.mu.Unlock()
	return dBm, nil
}

// Poll runs one single-tag inventory cycle. It returns the EPC from the
// first checksum-valid notice within the poll window, or "" when none
// arrives or the notice does not decode.
func (s *Session) Poll() (string, error) {
	s.io.Lock()
	defer s.io.Unlock()

	port := s.currentPort()
	if port == nil {
		return "", ErrNotConnected
	}
	s.setState(StatePolling)
	defer s.setState(StateIdle)

	if err := exchange(port, frame.CmdSingleInventory, nil); err != nil {
		return "", err
	}
	f, ok, err := awaitFrame(port, s.cfg.PollWindow, func(f frame.Frame) bool {
		return f.ChecksumValid && f.Type == frame.TypeNotice
	})
	if err != nil || !ok {
		return "", err
	}

	epc, ok := DecodeEPC(f.Params)
	if !ok {
		s.logger.Debug().Int("params", len(f.Params)).Msg("undecodable inventory notice")
		return "", nil
	}
	return epc, nil
}

// Run is the reader device task. It connects with backoff, then polls at
// the configured interval until ctx is done. A poll I/O error drops the
// link and reconnects.
func (s *Session) Run(ctx context.Context) error {
	defer s.Close()

	attempt := 0
	for ctx.Err() == nil {
		if s.currentPort() == nil {
			if err := s.Connect(ctx); err != nil {
				if ctx.Err() != nil {
					break
				}
				attempt++
				delay := nextBackoffDelay(s.cfg.ReconnectDelay, s.cfg.ReconnectMax, attempt)
				s.logger.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("reader connect failed")
				if !sleep(ctx, delay) {
					break
				}
				continue
			}
			attempt = 0
		}

		epc, err := s.Poll()
		if err != nil {
			s.logger.Error().Err(err).Msg("reader poll failed, reconnecting")
			metrics.RecordReconnect()
			s.disconnect(StatusError)
			if !sleep(ctx, s.cfg.ReconnectDelay) {
				break
			}
			continue
		}
		if epc != "" {
			s.deliver(epc)
		}
		if !sleep(ctx, s.cfg.PollInterval) {
			break
		}
	}
	return nil
}

func (s *Session) deliver(epc string) {
	if !s.debounce.Allow(epc) {
		metrics.RecordTagRead(metrics.ReadDebounced)
		s.logger.Debug().Str("epc", epc).Msg("debounced repeat read")
		return
	}
	s.logger.Info().Str("epc", epc).Msg("tag read")
	if s.handlers.OnTag != nil {
		s.handlers.OnTag(epc)
	}
}

// Close releases the port and reports the link down.
func (s *Session) Close() error {
	s.io.Lock()
	defer s.io.Unlock()

	err := s.dropLocked()
	s.report(StatusDisconnected)
	return err
}

func (s *Session) disconnect(status string) {
	s.io.Lock()
	s.dropLocked()
	s.io.Unlock()
	s.report(status)
}

// dropLocked closes any open port. Caller holds io.
func (s *Session) dropLocked() error {
	s.mu.Lock()
	port := s.port
	s.port = nil
	s.state = StateDisconnected
	s.mu.Unlock()

	if port == nil {
		return nil
	}
	if err := port.Close(); err != nil {
		return fmt.Errorf("close reader port: %w", err)
	}
	return nil
}

func (s *Session) currentPort() Port {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	if s.port != nil || st == StateVerifying || st == StateDisconnected {
		s.state = st
	}
	s.mu.Unlock()
}

func (s *Session) report(status string) {
	if s.handlers.OnStatus != nil {
		s.handlers.OnStatus(status)
	}
}

// exchange clears stale input and writes one command frame.
func exchange(port Port, cmd frame.Command, params []byte) error {
	b, err := frame.Build(frame.TypeCommand, cmd, params)
	if err != nil {
		return err
	}
	if err := port.ResetInputBuffer(); err != nil {
		return fmt.Errorf("reset input: %w", err)
	}
	if _, err := port.Write(b); err != nil {
		return fmt.Errorf("write command 0x%02X: %w", byte(cmd), err)
	}
	return nil
}

// awaitFrame drains port for up to window and returns the first frame
// accepted by match.
func awaitFrame(port Port, window time.Duration, match func(frame.Frame) bool) (frame.Frame, bool, error) {
	deadline := time.Now().Add(window)
	chunk := make([]byte, 256)
	var buf []byte

	for time.Now().Before(deadline) {
		n, err := port.Read(chunk)
		if err != nil {
			return frame.Frame{}, false, fmt.Errorf("read reader: %w", err)
		}
		if n == 0 {
			continue
		}
		buf = append(buf, chunk[:n]...)

		for {
			f, rest, ok := frame.Next(buf)
			buf = rest
			if !ok {
				break
			}
			if match(f) {
				return f, true, nil
			}
		}
	}
	return frame.Frame{}, false, nil
}

// awaitBytes reports whether anything arrives within window.
func awaitBytes(port Port, window time.Duration) (bool, error) {
	deadline := time.Now().Add(window)
	chunk := make([]byte, 64)
	for time.Now().Before(deadline) {
		n, err := port.Read(chunk)
		if err != nil {
			return false, fmt.Errorf("read reader: %w", err)
		}
		if n > 0 {
			return true, nil
		}
	}
	return false, nil
}

// sleep waits d or until ctx is done, reporting whether the full wait
// elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
