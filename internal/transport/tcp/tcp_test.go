package tcp

import (
	"errors"
	"io"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/danmuck/devicelink/internal/protocol/frame"
	"github.com/danmuck/devicelink/internal/testutil/testlog"
	"github.com/danmuck/devicelink/internal/transport"
)

func mustFrame(t *testing.T, id uint64, payload string) []byte {
	t.Helper()
	b, err := frame.Marshal(frame.Frame{
		Header:  frame.Header{MessageID: id, MessageType: 1},
		Payload: []byte(payload),
	}, frame.DefaultLimits())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestTransportRoundTrip(t *testing.T) {
	testlog.Start(t)
	central := New(Config{ListenAddr: "127.0.0.1:0"})
	accepted := make(chan transport.Conn, 1)
	closer, err := central.Advertise(testContext(t), func(c transport.Conn) { accepted <- c })
	if err != nil {
		t.Fatalf("advertise: %v", err)
	}
	defer closer.Close()
	addr := closer.(*Listener).Addr().String()

	peripheral := New(Config{CentralAddr: addr})
	peer, err := peripheral.Discover(testContext(t))
	if err != nil || peer.Addr != addr {
		t.Fatalf("discover: %+v %v", peer, err)
	}
	pc, err := peripheral.Connect(testContext(t), peer)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer pc.Close()

	var cc transport.Conn
	select {
	case cc = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatalf("accept not called")
	}
	got := make(chan []byte, 4)
	errs := make(chan error, 1)
	cc.OnReceive(func(msg []byte, err error) {
		if err != nil {
			errs <- err
			return
		}
		got <- msg
	})

	first, second := mustFrame(t, 1, "request"), mustFrame(t, 2, "ack")
	if err := pc.Send(append(append([]byte{}, first...), second...)); err != nil {
		t.Fatalf("send: %v", err)
	}
	for i, want := range [][]byte{first, second} {
		select {
		case msg := <-got:
			if string(msg) != string(want) {
				t.Fatalf("frame %d mismatch", i)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("frame %d not delivered", i)
		}
	}

	_ = pc.Close()
	select {
	case err := <-errs:
		if !errors.Is(err, transport.ErrClosed) {
			t.Fatalf("expected ErrClosed after remote close, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("remote close not reported")
	}
}

func TestDiscoverWithoutCentral(t *testing.T) {
	testlog.Start(t)
	if _, err := New(Config{}).Discover(testContext(t)); !errors.Is(err, transport.ErrNoPeer) {
		t.Fatalf("expected ErrNoPeer, got %v", err)
	}
}

func TestGarbageEndsLinkAsMalformed(t *testing.T) {
	testlog.Start(t)
	central := New(Config{ListenAddr: "127.0.0.1:0"})
	accepted := make(chan transport.Conn, 1)
	closer, err := central.Advertise(testContext(t), func(c transport.Conn) { accepted <- c })
	if err != nil {
		t.Fatalf("advertise: %v", err)
	}
	defer closer.Close()

	pc, err := New(Config{}).Connect(testContext(t), transport.Peer{Addr: closer.(*Listener).Addr().String()})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer pc.Close()
	cc := <-accepted
	errs := make(chan error, 1)
	cc.OnReceive(func(_ []byte, err error) {
		if err != nil {
			errs <- err
		}
	})
	if err := pc.Send(make([]byte, frame.FixedHeaderLen)); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case err := <-errs:
		if !errors.Is(err, transport.ErrMalformed) {
			t.Fatalf("expected ErrMalformed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("garbage not reported")
	}
}

func TestReadErrorClassification(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		in   error
		want error
	}{
		{in: io.EOF, want: transport.ErrClosed},
		{in: frame.ErrShortHeader, want: transport.ErrClosed},
		{in: net.ErrClosed, want: transport.ErrClosed},
		{in: frame.ErrInvalidMagic, want: transport.ErrMalformed},
		{in: frame.ErrUnsupportedVersion, want: transport.ErrMalformed},
		{in: frame.ErrPayloadTooLarge, want: transport.ErrMalformed},
		{in: io.ErrUnexpectedEOF, want: transport.ErrLinkDropped},
		{in: syscall.ECONNRESET, want: transport.ErrLinkDropped},
	}
	for _, tc := range cases {
		if got := readError(tc.in); !errors.Is(got, tc.want) {
			t.Fatalf("readError(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
