package sharing

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/danmuck/devicelink/internal/observability"
	"github.com/danmuck/devicelink/internal/protocol/handshake"
	"github.com/danmuck/devicelink/internal/transport"
	"github.com/rs/zerolog/log"
)

type step int

const (
	stepAwaitRequest step = iota
	stepAwaitAck
	stepAwaitContext
	stepDone
)

const nonceLen = 32

type session struct {
	c        *Coordinator
	role     Role
	ctx      context.Context
	cancel   context.CancelFunc
	provider AuthProvider
	endAuth  func()
	started  time.Time

	mu       sync.Mutex
	id       string
	state    State
	step     step
	conn     transport.Conn
	listener io.Closer
	request  handshake.Request
	msgID    uint64
	err      error
	ended    time.Time
}

func (s *session) info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := SessionInfo{
		Role:      s.role,
		State:     s.state,
		SessionID: s.id,
		StartedAt: s.started,
		EndedAt:   s.ended,
	}
	if s.conn != nil {
		info.Peer = s.conn.Peer().ID
	}
	if s.err != nil {
		info.Error = s.err.Error()
	}
	return info
}

// replace stops a session superseded by a new start in the same role.
func (s *session) replace() {
	if s == nil {
		return
	}
	s.finish(StateClosed, nil, false, "")
}

func (s *session) done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.terminal()
}

func (s *session) sessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *session) nextMessageID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgID++
	return s.msgID
}

// accept takes the first connection; later ones are turned away.
func (s *session) accept(conn transport.Conn) {
	s.mu.Lock()
	if s.state.terminal() || s.conn != nil {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conn = conn
	s.state = StateConnected
	listener := s.listener
	s.listener = nil
	s.mu.Unlock()

	if listener != nil {
		_ = listener.Close()
	}
	log.Info().Str("peer", conn.Peer().ID).Msg("sharing central accepted peer")
	conn.OnReceive(s.receive)
}

func (s *session) runPeripheral() {
	peer, conn, err := s.link()
	if err != nil {
		if s.ctx.Err() == nil {
			s.fail(fmt.Errorf("%w: connect %s: %v", ErrTransport, peer.ID, err), "")
		}
		return
	}

	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		_ = conn.Close()
		s.fail(fmt.Errorf("%w: nonce: %v", ErrProtocol, err), "")
		return
	}
	req := handshake.Request{
		SessionID:       s.id,
		DeviceName:      s.c.cfg.DeviceName,
		Nonce:           nonce,
		TimestampMS:     uint64(s.c.cfg.Now().UnixMilli()),
		ProtocolVersion: handshake.ProtocolVersion,
	}

	s.mu.Lock()
	if s.state.terminal() {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conn = conn
	s.request = req
	s.state = StateConnected
	s.mu.Unlock()

	conn.OnReceive(s.receive)
	s.mu.Lock()
	if !s.state.terminal() {
		s.state = StateHandshaking
	}
	s.mu.Unlock()
	msg, err := handshake.EncodeRequest(s.nextMessageID(), req)
	if err != nil {
		s.fail(fmt.Errorf("%w: encode request: %v", ErrProtocol, err), "")
		return
	}
	if err := conn.Send(msg); err != nil {
		s.fail(fmt.Errorf("%w: send request: %v", ErrTransport, err), "")
		return
	}
	log.Debug().Str("session_id", s.id).Str("peer", peer.ID).Msg("sharing peripheral sent request")
}

// link discovers a central and connects to it, retrying with backoff while
// no central can be reached. Any other connect failure is returned.
func (s *session) link() (transport.Peer, transport.Conn, error) {
	for attempt := 1; ; attempt++ {
		peer, err := s.c.transport.Discover(s.ctx)
		if err == nil {
			conn, cerr := s.c.transport.Connect(s.ctx, peer)
			if cerr == nil {
				return peer, conn, nil
			}
			if !errors.Is(cerr, transport.ErrNoPeer) {
				return peer, nil, cerr
			}
			err = cerr
		}
		if s.ctx.Err() != nil {
			return transport.Peer{}, nil, s.ctx.Err()
		}
		if errors.Is(err, transport.ErrNoPeer) {
			log.Debug().Err(err).Int("attempt", attempt).Msg("sharing peripheral no central yet")
		} else {
			log.Warn().Err(err).Int("attempt", attempt).Msg("sharing peripheral discover failed")
		}
		timer := time.NewTimer(s.c.backoff(attempt))
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return transport.Peer{}, nil, s.ctx.Err()
		case <-timer.C:
		}
	}
}

// receive runs on the transport's delivery goroutine, one message at a time.
func (s *session) receive(msg []byte, err error) {
	if s.done() {
		return
	}
	if errors.Is(err, transport.ErrMalformed) {
		s.fail(fmt.Errorf("%w: %v", ErrProtocol, err), "malformed message")
		return
	}
	if err != nil {
		s.fail(fmt.Errorf("%w: %v", ErrTransport, err), "")
		return
	}
	m, err := handshake.Decode(msg)
	if err != nil {
		s.fail(fmt.Errorf("%w: decode: %v", ErrProtocol, err), "malformed message")
		return
	}
	if m.Reject != nil {
		s.fail(fmt.Errorf("%w: peer error: %s", ErrProtocol, m.Reject.Reason), "")
		return
	}

	s.mu.Lock()
	current := s.step
	s.mu.Unlock()
	switch {
	case current == stepAwaitRequest && m.Request != nil:
		s.handleRequest(*m.Request)
	case current == stepAwaitAck && m.Ack != nil:
		s.handleAck(*m.Ack)
	case current == stepAwaitContext && m.Context != nil:
		s.handleContext(*m.Context)
	default:
		s.fail(fmt.Errorf("%w: unexpected %s", ErrProtocol, m.Name()), "unexpected message")
	}
}

func (s *session) handleRequest(req handshake.Request) {
	cfg := s.c.cfg
	if err := req.CheckFreshness(cfg.Now(), cfg.MaxRequestAge); err != nil {
		s.withID(req.SessionID)
		s.fail(fmt.Errorf("%w: %v", ErrProtocol, err), "stale request")
		return
	}

	s.mu.Lock()
	s.id = req.SessionID
	s.request = req
	s.state = StateHandshaking
	conn := s.conn
	s.mu.Unlock()

	log.Info().Str("session_id", req.SessionID).Str("device_name", req.DeviceName).Msg("sharing central received request")
	if d := s.c.Delegate(); d != nil {
		d.DidReceiveRequest(Request{
			SessionID:  req.SessionID,
			DeviceName: req.DeviceName,
			Peer:       conn.Peer(),
			SentAt:     time.UnixMilli(int64(req.TimestampMS)),
		})
	}
	if s.done() {
		return
	}

	auth, err := s.authContext()
	if err != nil {
		s.fail(err, "credentials unavailable")
		return
	}
	sealed, err := handshake.Seal(cfg.PairingCode, req, auth)
	if err != nil {
		s.fail(fmt.Errorf("%w: %v", ErrProtocol, err), "credentials unavailable")
		return
	}
	out, err := handshake.EncodeContext(s.nextMessageID(), handshake.Context{SessionID: req.SessionID, Sealed: sealed})
	if err != nil {
		s.fail(fmt.Errorf("%w: encode context: %v", ErrProtocol, err), "")
		return
	}
	s.mu.Lock()
	s.step = stepAwaitAck
	s.mu.Unlock()
	if err := conn.Send(out); err != nil {
		s.fail(fmt.Errorf("%w: send context: %v", ErrTransport, err), "")
	}
}

func (s *session) authContext() (handshake.AuthContext, error) {
	if s.provider != nil {
		return s.provider.AuthContext(s.ctx)
	}
	creds, err := s.c.registry.Credentials()
	if err != nil {
		return handshake.AuthContext{}, err
	}
	return credentialsContext(creds, s.c.cfg.Now()), nil
}

func (s *session) handleAck(ack handshake.Ack) {
	if ack.SessionID != s.sessionID() {
		s.fail(fmt.Errorf("%w: ack for session %q", ErrProtocol, ack.SessionID), "session mismatch")
		return
	}
	if ack.Status != handshake.AckStatusAccepted {
		s.fail(fmt.Errorf("%w: peer rejected context", ErrProtocol), "")
		return
	}
	s.complete()
}

func (s *session) handleContext(msg handshake.Context) {
	s.mu.Lock()
	req := s.request
	s.mu.Unlock()
	if msg.SessionID != req.SessionID {
		s.fail(fmt.Errorf("%w: context for session %q", ErrProtocol, msg.SessionID), "session mismatch")
		return
	}
	auth, err := handshake.Open(s.c.cfg.PairingCode, req, msg.Sealed)
	if err != nil {
		s.fail(fmt.Errorf("%w: %v", ErrProtocol, err), "cannot open context")
		return
	}
	if err := s.c.registry.ApplySharedCredentials(s.ctx, contextCredentials(auth)); err != nil {
		s.reply(handshake.AckStatusRejected)
		s.fail(err, "")
		return
	}
	if err := s.reply(handshake.AckStatusAccepted); err != nil {
		s.fail(fmt.Errorf("%w: send ack: %v", ErrTransport, err), "")
		return
	}
	s.complete()
}

func (s *session) reply(status string) error {
	s.mu.Lock()
	conn, id := s.conn, s.id
	s.mu.Unlock()
	out, err := handshake.EncodeAck(s.nextMessageID(), handshake.Ack{SessionID: id, Status: status})
	if err != nil {
		return err
	}
	return conn.Send(out)
}

func (s *session) withID(id string) {
	s.mu.Lock()
	if s.id == "" {
		s.id = id
	}
	s.mu.Unlock()
}

func (s *session) complete() {
	s.finish(StateCompleted, nil, true, "")
}

// fail ends the session; a non-empty reject is sent as session.error first.
func (s *session) fail(err error, reject string) {
	s.finish(StateFailed, err, true, reject)
}

// finish performs the terminal transition at most once and reports
// whether this call made it.
func (s *session) finish(state State, err error, notify bool, reject string) bool {
	s.mu.Lock()
	if s.state.terminal() {
		s.mu.Unlock()
		return false
	}
	s.state = state
	s.step = stepDone
	s.err = err
	s.ended = s.c.cfg.Now()
	conn, listener, id := s.conn, s.listener, s.id
	s.listener = nil
	s.mu.Unlock()

	if reject != "" && conn != nil && id != "" {
		if out, encErr := handshake.EncodeReject(s.nextMessageID(), handshake.Reject{SessionID: id, Reason: reject}); encErr == nil {
			_ = conn.Send(out)
		}
	}
	s.cancel()
	if listener != nil {
		_ = listener.Close()
	}
	if conn != nil {
		_ = conn.Close()
	}
	s.endAuth()

	evt := log.Info()
	if err != nil {
		evt = log.Warn().Err(err)
	}
	evt.Str("role", s.role.String()).
		Str("session_id", id).
		Str("state", state.String()).
		Msg("sharing session ended")

	if !notify {
		return true
	}
	observability.RecordSharingSession(s.role.String(), err == nil, s.ended.Sub(s.started))
	if d := s.c.Delegate(); d != nil {
		d.DidCompleteSharing(Outcome{Role: s.role, SessionID: id, Success: err == nil, Err: err})
	}
	return true
}
