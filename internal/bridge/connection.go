package bridge

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/discord-voice-lab/convai-bridge/internal/logging"
)

// ConnState is the agent socket's lifecycle state.
type ConnState int32

const (
	Connecting ConnState = iota
	Open
	Reconnecting
	Closed
)

func (s ConnState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Reconnecting:
		return "reconnecting"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Backoff returns the reconnect delay for the given zero-based attempt:
// base doubled per attempt, capped at limit.
func Backoff(attempt int, base, limit time.Duration) time.Duration {
	d := base
	for i := 0; i < attempt && d < limit; i++ {
		d *= 2
	}
	if d > limit {
		return limit
	}
	return d
}

// connManager owns the agent socket. All methods run on the session loop;
// the dialer, reader and heartbeat goroutines report back through post.
type connManager struct {
	ctx    context.Context
	url    string
	header http.Header
	opts   *Options
	log    logging.Logger

	post        func(func()) bool
	after       func(time.Duration, func()) *time.Timer
	setState    func(ConnState)
	onMessage   func(Inbound)
	onExhausted func()

	state     ConnState
	attempts  int
	gen       uint64
	conn      *websocket.Conn
	reconnect *time.Timer
	hbCancel  context.CancelFunc
	sent      int
}

func (m *connManager) State() ConnState { return m.state }

func (m *connManager) transition(st ConnState) {
	m.state = st
	if m.setState != nil {
		m.setState(st)
	}
}

// connect dials a fresh socket tagged with a new generation.
func (m *connManager) connect() {
	if m.ctx.Err() != nil {
		return
	}
	m.gen++
	gen := m.gen
	m.transition(Connecting)
	m.log.Infow("connecting to agent", "attempt", m.attempts, "generation", gen)

	dialer, url, header := m.opts.Dialer, m.url, m.header
	go func() {
		conn, _, err := dialer.DialContext(m.ctx, url, header)
		if err != nil {
			err = &ConnectionError{URL: url, Operation: "dial", Cause: err}
		}
		if !m.post(func() { m.onDial(gen, conn, err) }) && conn != nil {
			_ = conn.Close()
		}
	}()
}

func (m *connManager) onDial(gen uint64, conn *websocket.Conn, err error) {
	if m.ctx.Err() != nil || gen != m.gen {
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		m.log.Warnw("agent dial failed", "err", err, "attempt", m.attempts)
		m.fail()
		return
	}
	m.conn = conn
	m.attempts = 0
	m.transition(Open)
	m.log.Infow("agent connection open", "generation", gen)

	hbCtx, cancel := context.WithCancel(m.ctx)
	m.hbCancel = cancel
	go m.readLoop(gen, conn)
	go m.heartbeat(hbCtx, conn)
}

// readLoop forwards frames to the session loop until the socket fails.
func (m *connManager) readLoop(gen uint64, conn *websocket.Conn) {
	window := 2 * m.opts.HeartbeatInterval
	_ = conn.SetReadDeadline(time.Now().Add(window))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(window))
	})
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			err = &ConnectionError{URL: m.url, Operation: "read", Cause: err}
			m.post(func() { m.onClosed(gen, err) })
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(window))
		if !m.post(func() { m.onFrame(gen, mt, data) }) {
			return
		}
	}
}

// heartbeat pings on a fixed interval; liveness is judged by the read
// deadline that pongs extend.
func (m *connManager) heartbeat(ctx context.Context, conn *websocket.Conn) {
	t := time.NewTicker(m.opts.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(m.opts.WriteTimeout)); err != nil {
				m.log.Debugw("agent ping failed", "err", err)
			}
		}
	}
}

func (m *connManager) onFrame(gen uint64, mt int, data []byte) {
	if m.ctx.Err() != nil || gen != m.gen {
		return
	}
	var (
		in  Inbound
		err error
	)
	switch mt {
	case websocket.TextMessage:
		in, err = DecodeText(data)
	case websocket.BinaryMessage:
		in, err = DecodeBinary(data)
	default:
		return
	}
	if err != nil {
		m.log.Warnw("dropping malformed agent message", "err", err, "bytes", len(data))
		return
	}
	if in.Kind == InboundPing {
		m.pong(in.EventID)
		return
	}
	if m.onMessage != nil {
		m.onMessage(in)
	}
}

func (m *connManager) onClosed(gen uint64, err error) {
	if m.ctx.Err() != nil || gen != m.gen {
		return
	}
	m.log.Warnw("agent connection lost", "err", err)
	m.dropConn()
	m.fail()
}

// fail schedules the next reconnect, or gives up once the budget is spent.
func (m *connManager) fail() {
	if m.reconnect != nil {
		return
	}
	if m.attempts >= m.opts.MaxAttempts {
		m.transition(Closed)
		m.log.Errorw("agent reconnect budget exhausted", "attempts", m.attempts)
		if m.onExhausted != nil {
			m.onExhausted()
		}
		return
	}
	delay := Backoff(m.attempts, m.opts.BackoffBase, m.opts.BackoffCap)
	m.attempts++
	m.transition(Reconnecting)
	m.log.Infow("agent reconnect scheduled", "delay_ms", delay.Milliseconds(), "attempt", m.attempts)
	m.reconnect = m.after(delay, func() {
		m.reconnect = nil
		m.connect()
	})
}

// send writes one text frame if the socket is open. Failures are logged and
// the frame dropped; the reader notices a dead socket.
func (m *connManager) send(payload []byte) bool {
	if m.state != Open || m.conn == nil {
		return false
	}
	_ = m.conn.SetWriteDeadline(time.Now().Add(m.opts.WriteTimeout))
	if err := m.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		m.log.Warnw("agent write failed", "err", &ConnectionError{URL: m.url, Operation: "write", Cause: err})
		return false
	}
	m.sent++
	return true
}

func (m *connManager) pong(eventID int64) {
	payload, err := EncodePong(eventID)
	if err != nil {
		return
	}
	m.send(payload)
}

func (m *connManager) stopTimers() {
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
	if m.hbCancel != nil {
		m.hbCancel()
		m.hbCancel = nil
	}
}

func (m *connManager) dropConn() {
	if m.hbCancel != nil {
		m.hbCancel()
		m.hbCancel = nil
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
}

// close sends a normal closure and releases the socket.
func (m *connManager) close() error {
	m.stopTimers()
	m.gen++
	defer m.transition(Closed)
	if m.conn == nil {
		return nil
	}
	conn := m.conn
	m.conn = nil
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session stopped")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return conn.Close()
}
