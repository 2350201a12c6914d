package srs

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/loqalabs/loqa-atis/internal/audio"
	"github.com/loqalabs/loqa-atis/internal/config"
	"github.com/loqalabs/loqa-atis/internal/station"
)

var (
	errNotEstablished   = errors.New("session not established")
	errSessionLost      = errors.New("session lost")
	errClientClosed     = errors.New("client closed")
	errHeartbeatTimeout = errors.New("heartbeat timeout")
	errVersionMismatch  = errors.New("server rejected client version")
)

// Options describe the virtual radio unit a client presents.
type Options struct {
	Station           station.Station
	UnitName          string
	UnitID            uint32
	Version           string
	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	// OnTransition observes every state change. It runs with the client's
	// state lock held and must not call back into the client.
	OnTransition func(Transition)
}

// OptionsFromConfig builds client options for st from the server settings.
func OptionsFromConfig(cfg config.SRSConfig, st station.Station) Options {
	name := st.Name
	if st.Kind == station.KindATIS {
		name = "ATIS " + st.Name
	}
	return Options{
		Station:           st,
		UnitName:          name,
		UnitID:            UnitID(uint32(cfg.UnitIDBase), st.ID),
		Version:           cfg.Version,
		HandshakeTimeout:  time.Duration(cfg.HandshakeTimeout) * time.Millisecond,
		HeartbeatInterval: time.Duration(cfg.HeartbeatInterval) * time.Millisecond,
		HeartbeatTimeout:  time.Duration(cfg.HeartbeatTimeout) * time.Millisecond,
	}
}

// Client owns at most one session with the radio network for a station.
// State changes only happen inside the client; callers drive it through
// Connect, Stream and Close.
type Client struct {
	opts        Options
	transport   Transport
	logger      *slog.Logger
	frequencies []Frequency

	mu            sync.Mutex
	state         State
	sess          *session
	attempts      int
	closed        bool
	connectCancel context.CancelFunc
	connecting    chan struct{}
}

type session struct {
	guid     string
	control  net.Conn
	voice    net.Conn
	reader   *bufio.Reader
	ctx      context.Context
	cancel   context.CancelFunc
	writeMu  sync.Mutex
	wg       sync.WaitGroup
	done     chan struct{}
	openedAt time.Time

	// guarded by Client.mu
	lastHeartbeat time.Time
	nextPacketID  uint64
	closing       bool
	err           error
}

func NewClient(opts Options, transport Transport, logger *slog.Logger) *Client {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 5 * time.Second
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 5 * time.Second
	}
	if opts.HeartbeatTimeout <= opts.HeartbeatInterval {
		opts.HeartbeatTimeout = 3 * opts.HeartbeatInterval
	}
	if opts.UnitName == "" {
		opts.UnitName = opts.Station.Name
	}
	return &Client{
		opts:      opts,
		transport: transport,
		logger: logger.With(
			slog.String("component", "srs-client"),
			slog.String("station", opts.Station.ID),
			slog.Float64("frequency_mhz", opts.Station.FrequencyMHz()),
		),
		frequencies: []Frequency{{Hz: float64(opts.Station.FrequencyHz), Modulation: ModulationAM}},
	}
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Snapshot returns the current session. Session fields are zero while
// disconnected; ReconnectAttempts counts failed attempts since the last
// successful handshake.
func (c *Client) Snapshot() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := Session{State: c.state, ReconnectAttempts: c.attempts}
	if s := c.sess; s != nil {
		out.GUID = s.guid
		out.UnitName = c.opts.UnitName
		out.UnitID = c.opts.UnitID
		out.OpenedAt = s.openedAt
		out.LastHeartbeat = s.lastHeartbeat
		out.NextPacketID = s.nextPacketID
	}
	return out
}

// Connect opens a session and completes the handshake. It returns nil
// without doing anything when a session is already live or another
// attempt is in progress. A session that is still being torn down is
// waited for first.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return &SessionError{Station: c.opts.Station.ID, State: StateDisconnected, Op: "connect", Cause: errClientClosed}
	case c.state == StateConnecting:
		c.mu.Unlock()
		c.logger.Debug("connect ignored, attempt already in progress")
		return nil
	case c.sess != nil && !c.sess.closing:
		c.mu.Unlock()
		return nil
	}
	prev := c.sess
	c.mu.Unlock()

	if prev != nil {
		select {
		case <-prev.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return &SessionError{Station: c.opts.Station.ID, State: StateDisconnected, Op: "connect", Cause: errClientClosed}
	}
	if c.state != StateDisconnected || c.sess != nil {
		c.mu.Unlock()
		return nil
	}
	hsCtx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	c.connectCancel = cancel
	connecting := make(chan struct{})
	c.connecting = connecting
	c.setState(StateConnecting, "", nil)
	c.mu.Unlock()

	s, err := c.open(hsCtx)
	cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectCancel = nil
	c.connecting = nil
	defer close(connecting)

	if err == nil && c.closed {
		s.cancel()
		_ = s.control.Close()
		_ = s.voice.Close()
		err = errClientClosed
	}
	if err != nil {
		c.attempts++
		sessErr := &SessionError{Station: c.opts.Station.ID, State: StateConnecting, Op: "connect", Cause: err}
		c.setState(StateDisconnected, "", sessErr)
		c.logger.Warn("session handshake failed", slog.Int("attempt", c.attempts), slogError(err))
		return sessErr
	}

	c.attempts = 0
	s.lastHeartbeat = time.Now()
	c.sess = s
	c.setState(StateSyncEstablished, s.guid, nil)

	s.wg.Add(3)
	go c.readControl(s)
	go c.readVoice(s)
	go c.heartbeat(s)
	go c.supervise(s)

	c.logger.Info("session established", slog.String("guid", s.guid), slog.Uint64("unit_id", uint64(c.opts.UnitID)))
	return nil
}

func (c *Client) open(ctx context.Context) (*session, error) {
	control, err := c.transport.DialControl(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial control channel: %w", err)
	}
	voice, err := c.transport.DialVoice(ctx)
	if err != nil {
		_ = control.Close()
		return nil, fmt.Errorf("dial voice channel: %w", err)
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	s := &session{
		guid:     NewGUID(),
		control:  control,
		voice:    voice,
		reader:   bufio.NewReader(control),
		ctx:      sessCtx,
		cancel:   cancel,
		done:     make(chan struct{}),
		openedAt: time.Now(),
	}
	if err := c.handshake(ctx, s); err != nil {
		cancel()
		_ = control.Close()
		_ = voice.Close()
		return nil, err
	}
	return s, nil
}

// handshake sends Sync and waits for the server to answer with Sync or
// its settings, then registers the station radio.
func (c *Client) handshake(ctx context.Context, s *session) error {
	deadline, _ := ctx.Deadline()
	_ = s.control.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { _ = s.control.SetDeadline(time.Now()) })
	defer stop()

	if err := s.send(c.message(MsgSync, s.guid), deadline); err != nil {
		return err
	}
	for {
		line, err := s.reader.ReadBytes('\n')
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("await sync: %w", ctx.Err())
			}
			return fmt.Errorf("await sync: %w", err)
		}
		msg, err := decodeMessage(line)
		if err != nil {
			return err
		}
		switch msg.MsgType {
		case MsgVersionMismatch:
			return fmt.Errorf("%w: server %s, client %s", errVersionMismatch, msg.Version, c.opts.Version)
		case MsgSync, MsgServerSettings:
			if err := s.send(c.message(MsgRadioUpdate, s.guid), deadline); err != nil {
				return err
			}
			_ = s.control.SetDeadline(time.Time{})
			return nil
		}
	}
}

func (c *Client) message(t MsgType, guid string) NetworkMessage {
	st := c.opts.Station
	radios := make([]Radio, 0, len(c.frequencies))
	for _, f := range c.frequencies {
		radios = append(radios, Radio{Freq: f.Hz, Modulation: f.Modulation, SecFreq: 0})
	}
	return NetworkMessage{
		MsgType: t,
		Version: c.opts.Version,
		Client: &ClientInfo{
			ClientGUID: guid,
			Name:       c.opts.UnitName,
			Coalition:  int(st.Coalition),
			RadioInfo: &RadioInfo{
				Radios: radios,
				Unit:   c.opts.UnitName,
				UnitID: c.opts.UnitID,
			},
			LatLngPosition: &LatLngPosition{
				Lat: st.Position.Lat,
				Lng: st.Position.Lon,
				Alt: st.Position.AltMeters,
			},
		},
	}
}

func (s *session) send(msg NetworkMessage, deadline time.Time) error {
	data, err := encodeMessage(msg)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.control.SetWriteDeadline(deadline)
	if _, err := s.control.Write(data); err != nil {
		return fmt.Errorf("send %s: %w", msg.MsgType, err)
	}
	return nil
}

func (c *Client) readControl(s *session) {
	defer s.wg.Done()
	for {
		line, err := s.reader.ReadBytes('\n')
		if err != nil {
			c.drop(s, fmt.Errorf("control channel: %w", err))
			return
		}
		msg, err := decodeMessage(line)
		if err != nil {
			c.logger.Debug("ignoring malformed control message", slogError(err))
			continue
		}
		c.touch(s)
		if msg.MsgType == MsgVersionMismatch {
			c.drop(s, errVersionMismatch)
			return
		}
	}
}

// readVoice consumes the server's echo of our UDP pings.
func (c *Client) readVoice(s *session) {
	defer s.wg.Done()
	buf := make([]byte, 2048)
	for {
		n, err := s.voice.Read(buf)
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			// Connected UDP sockets report ICMP errors, e.g. while the
			// server restarts. The socket stays usable.
			c.logger.Debug("voice channel read failed", slogError(err))
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(c.opts.HeartbeatInterval / 4):
			}
			continue
		}
		if n >= GUIDLength && string(buf[:GUIDLength]) == s.guid {
			c.touch(s)
		}
	}
}

func (c *Client) heartbeat(s *session) {
	defer s.wg.Done()
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
		if err := s.send(c.message(MsgPing, s.guid), time.Now().Add(c.opts.HeartbeatInterval)); err != nil {
			c.drop(s, err)
			return
		}
		if _, err := s.voice.Write([]byte(s.guid)); err != nil {
			c.logger.Debug("voice ping failed", slogError(err))
		}

		c.mu.Lock()
		last := s.lastHeartbeat
		c.mu.Unlock()
		if time.Since(last) > c.opts.HeartbeatTimeout {
			c.drop(s, fmt.Errorf("%w: no reply for %s", errHeartbeatTimeout, time.Since(last).Round(time.Millisecond)))
			return
		}
	}
}

func (c *Client) touch(s *session) {
	c.mu.Lock()
	s.lastHeartbeat = time.Now()
	c.mu.Unlock()
}

// drop starts tearing s down. err is nil for a requested shutdown.
func (c *Client) drop(s *session, err error) {
	c.mu.Lock()
	if s.closing {
		c.mu.Unlock()
		return
	}
	s.closing = true
	s.err = err
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("session dropped", slog.String("guid", s.guid), slogError(err))
	}
	s.cancel()
}

// supervise closes the channels once the session is cancelled and marks the
// client disconnected after every session goroutine has exited.
func (c *Client) supervise(s *session) {
	<-s.ctx.Done()
	_ = s.control.Close()
	_ = s.voice.Close()
	s.wg.Wait()

	c.mu.Lock()
	if c.sess == s {
		c.sess = nil
	}
	var cause error
	if s.err != nil {
		cause = &SessionError{Station: c.opts.Station.ID, State: c.state, Op: "session", Cause: s.err}
	}
	c.setState(StateDisconnected, s.guid, cause)
	c.mu.Unlock()
	close(s.done)
}

// Stream sends frames at real-time pace: frame k leaves no earlier than
// k*FrameDuration after the first. Packet ids continue from the previous
// cycle of the same session. On return the session is Draining unless it
// was lost. Cancelling ctx stops before the next frame.
func (c *Client) Stream(ctx context.Context, frames []audio.Frame) (int, error) {
	c.mu.Lock()
	s := c.sess
	if s == nil || s.closing || (c.state != StateSyncEstablished && c.state != StateDraining) {
		state := c.state
		c.mu.Unlock()
		return 0, &SessionError{Station: c.opts.Station.ID, State: state, Op: "stream", Cause: errNotEstablished}
	}
	c.setState(StateStreaming, s.guid, nil)
	c.mu.Unlock()

	sent := 0
	var streamErr error
	start := time.Now()
	for k, frame := range frames {
		if err := waitUntil(ctx, s.ctx, start.Add(time.Duration(k)*audio.FrameDuration)); err != nil {
			streamErr = err
			break
		}

		c.mu.Lock()
		id := s.nextPacketID
		s.nextPacketID++
		c.mu.Unlock()

		packet := VoicePacket{
			Audio:            frame.Payload,
			Frequencies:      c.frequencies,
			UnitID:           c.opts.UnitID,
			PacketID:         id,
			TransmissionGUID: s.guid,
			OriginGUID:       s.guid,
		}
		data, err := packet.MarshalBinary()
		if err != nil {
			streamErr = fmt.Errorf("frame %d: %w", frame.Index, err)
			break
		}
		if _, err := s.voice.Write(data); err != nil {
			c.drop(s, fmt.Errorf("voice channel: %w", err))
			streamErr = errSessionLost
			break
		}
		sent++
	}

	c.mu.Lock()
	if c.sess == s && !s.closing {
		c.setState(StateDraining, s.guid, nil)
	}
	lost := s.err
	state := c.state
	c.mu.Unlock()

	if errors.Is(streamErr, errSessionLost) {
		if lost == nil {
			lost = errSessionLost
		}
		return sent, &SessionError{Station: c.opts.Station.ID, State: state, Op: "stream", Cause: lost}
	}
	return sent, streamErr
}

func waitUntil(ctx, sessCtx context.Context, deadline time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if sessCtx.Err() != nil {
		return errSessionLost
	}
	d := time.Until(deadline)
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-sessCtx.Done():
		return errSessionLost
	}
}

// Close ends any session, aborting a handshake in progress, and waits for
// teardown. A closed client cannot connect again.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	if c.connectCancel != nil {
		c.connectCancel()
	}
	connecting := c.connecting
	c.mu.Unlock()

	if connecting != nil {
		<-connecting
	}

	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	if s != nil {
		c.drop(s, nil)
		<-s.done
	}
	return nil
}

func (c *Client) setState(to State, guid string, err error) {
	if c.state == to {
		return
	}
	tr := Transition{
		StationID:   c.opts.Station.ID,
		FrequencyHz: c.opts.Station.FrequencyHz,
		From:        c.state,
		To:          to,
		GUID:        guid,
		At:          time.Now(),
		Err:         err,
	}
	c.state = to
	c.logger.Debug("session state changed", slog.String("from", tr.From.String()), slog.String("to", tr.To.String()))
	if c.opts.OnTransition != nil {
		c.opts.OnTransition(tr)
	}
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
