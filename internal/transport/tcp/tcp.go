// Package tcp carries peer links over TCP. Discovery is static: the
// peripheral is configured with the central's address.
package tcp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/devicelink/internal/protocol/frame"
	"github.com/danmuck/devicelink/internal/transport"
	"github.com/rs/zerolog/log"
)

type Config struct {
	ListenAddr  string
	CentralAddr string
	DialTimeout time.Duration
	// HandshakeTimeout bounds the TLS handshake when TLS is enabled.
	HandshakeTimeout time.Duration
	Limits           frame.Limits
	SecurityMode     SecurityMode
	TLS              TLSConfig
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:       "127.0.0.1:7420",
		DialTimeout:      5 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		Limits:           frame.DefaultLimits(),
		SecurityMode:     SecurityModeDevelopment,
	}
}

type Transport struct {
	cfg Config
}

func New(cfg Config) *Transport {
	def := DefaultConfig()
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.Limits == (frame.Limits{}) {
		cfg.Limits = frame.DefaultLimits()
	}
	return &Transport{cfg: cfg}
}

// Listener is returned by Advertise; Addr reports the bound address.
type Listener struct {
	ln     net.Listener
	once   sync.Once
	cancel context.CancelFunc
}

func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

func (l *Listener) Close() error {
	var err error
	l.once.Do(func() {
		l.cancel()
		err = l.ln.Close()
	})
	return err
}

func (t *Transport) Advertise(ctx context.Context, accept func(transport.Conn)) (io.Closer, error) {
	addr := strings.TrimSpace(t.cfg.ListenAddr)
	if addr == "" {
		return nil, errors.New("tcp: listen address is required")
	}
	if err := t.cfg.ValidateCentral(); err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcp: listen %s: %w", addr, err)
	}
	if t.cfg.TLS.Enabled {
		tlsCfg, err := t.cfg.serverTLSConfig()
		if err != nil {
			_ = ln.Close()
			return nil, fmt.Errorf("tcp: tls: %w", err)
		}
		ln = tls.NewListener(ln, tlsCfg)
	}
	ctx, cancel := context.WithCancel(ctx)
	l := &Listener{ln: ln, cancel: cancel}
	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()
	go t.acceptLoop(ctx, ln, accept)
	log.Info().Str("addr", ln.Addr().String()).Bool("tls", t.cfg.TLS.Enabled).Msg("transport.tcp advertising")
	return l, nil
}

func (t *Transport) acceptLoop(ctx context.Context, ln net.Listener, accept func(transport.Conn)) {
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			log.Warn().Err(err).Msg("transport.tcp accept failed")
			continue
		}
		go t.serve(ctx, nc, accept)
	}
}

// serve completes the TLS handshake, if any, before the peer is handed on.
func (t *Transport) serve(ctx context.Context, nc net.Conn, accept func(transport.Conn)) {
	if tc, ok := nc.(*tls.Conn); ok {
		hsCtx, cancel := context.WithTimeout(ctx, t.cfg.HandshakeTimeout)
		err := tc.HandshakeContext(hsCtx)
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("remote", nc.RemoteAddr().String()).Msg("transport.tcp tls handshake failed")
			_ = nc.Close()
			return
		}
	}
	log.Debug().Str("remote", nc.RemoteAddr().String()).Msg("transport.tcp accepted")
	accept(newConn(nc, t.cfg.Limits))
}

func (t *Transport) Discover(ctx context.Context) (transport.Peer, error) {
	if err := ctx.Err(); err != nil {
		return transport.Peer{}, err
	}
	addr := strings.TrimSpace(t.cfg.CentralAddr)
	if addr == "" {
		return transport.Peer{}, transport.ErrNoPeer
	}
	return transport.Peer{ID: addr, Addr: addr}, nil
}

func (t *Transport) Connect(ctx context.Context, peer transport.Peer) (transport.Conn, error) {
	if err := t.cfg.ValidatePeripheral(); err != nil {
		return nil, err
	}
	d := net.Dialer{Timeout: t.cfg.DialTimeout}
	nc, err := d.DialContext(ctx, "tcp", peer.Addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", transport.ErrNoPeer, peer.Addr, err)
	}
	if !t.cfg.TLS.Enabled {
		return newConn(nc, t.cfg.Limits), nil
	}

	tlsCfg, err := t.cfg.clientTLSConfig(peer.Addr)
	if err != nil {
		_ = nc.Close()
		return nil, fmt.Errorf("tcp: tls: %w", err)
	}
	tc := tls.Client(nc, tlsCfg)
	hsCtx, cancel := context.WithTimeout(ctx, t.cfg.HandshakeTimeout)
	defer cancel()
	if err := tc.HandshakeContext(hsCtx); err != nil {
		_ = nc.Close()
		return nil, fmt.Errorf("%w: tls handshake %s: %v", transport.ErrLinkDropped, peer.Addr, err)
	}
	return newConn(tc, t.cfg.Limits), nil
}

type conn struct {
	nc     net.Conn
	peer   transport.Peer
	limits frame.Limits
	inbox  *transport.Inbox

	writeMu  sync.Mutex
	readOnce sync.Once
	mu       sync.Mutex
	closed   bool
}

func newConn(nc net.Conn, limits frame.Limits) *conn {
	addr := nc.RemoteAddr().String()
	return &conn{
		nc:     nc,
		peer:   transport.Peer{ID: addr, Addr: addr},
		limits: limits,
		inbox:  transport.NewInbox(),
	}
}

func (c *conn) Peer() transport.Peer { return c.peer }

func (c *conn) Send(msg []byte) error {
	if c.isClosed() {
		return transport.ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.nc.Write(msg); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrLinkDropped, err)
	}
	return nil
}

func (c *conn) OnReceive(fn func([]byte, error)) {
	c.inbox.SetHandler(fn)
	c.readOnce.Do(func() { go c.readLoop() })
}

// readLoop splits the stream on frame boundaries and hands each complete
// frame, re-encoded, to the inbox.
func (c *conn) readLoop() {
	for {
		f, err := frame.ReadFrame(c.nc, c.limits)
		if err != nil {
			if c.isClosed() {
				return
			}
			c.inbox.End(readError(err))
			return
		}
		b, err := frame.Marshal(f, c.limits)
		if err != nil {
			c.inbox.End(fmt.Errorf("%w: %v", transport.ErrMalformed, err))
			return
		}
		c.inbox.Push(b)
	}
}

// readError classifies a failed frame read: a clean end, bytes that are not
// a frame, or a broken socket.
func readError(err error) error {
	switch {
	case errors.Is(err, frame.ErrShortHeader), errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		return transport.ErrClosed
	case errors.Is(err, frame.ErrInvalidMagic),
		errors.Is(err, frame.ErrUnsupportedVersion),
		errors.Is(err, frame.ErrHeaderLenTooSmall),
		errors.Is(err, frame.ErrHeaderLenMismatch),
		errors.Is(err, frame.ErrPayloadTooLarge),
		errors.Is(err, frame.ErrAuthTooLarge):
		return fmt.Errorf("%w: %v", transport.ErrMalformed, err)
	default:
		return fmt.Errorf("%w: %v", transport.ErrLinkDropped, err)
	}
}

func (c *conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.inbox.Stop()
	return c.nc.Close()
}

func (c *conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
