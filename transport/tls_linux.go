//go:build linux

// File: transport/tls_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// TLS bridge. crypto/tls runs on a helper goroutine over the real socket
// and exchanges plaintext with the loop through a unix socketpair. The loop
// end is an ordinary non-blocking stream descriptor; the first byte it
// reads is the handshake status.

package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/momentics/srp-ioloop/api"
)

const handshakeTimeout = 30 * time.Second

type tlsBridge struct {
	local  net.Conn // goroutine end of the socketpair
	cancel context.CancelFunc
	done   chan struct{}

	mu   sync.Mutex
	conn net.Conn
	err  error
	shut bool
}

// establishFunc produces a handshaken TLS connection.
type establishFunc func(ctx context.Context, b *tlsBridge) (*tls.Conn, error)

// bridgePair returns the loop's non-blocking descriptor and the goroutine's
// net.Conn for a fresh socketpair.
func bridgePair() (int, net.Conn, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, nil, err
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return -1, nil, err
	}
	f := os.NewFile(uintptr(fds[1]), "tls-bridge")
	conn, err := net.FileConn(f)
	f.Close()
	if err != nil {
		unix.Close(fds[0])
		return -1, nil, err
	}
	return fds[0], conn, nil
}

func startBridge(establish establishFunc) (int, *tlsBridge, error) {
	loopFd, local, err := bridgePair()
	if err != nil {
		return -1, nil, api.Wrap(api.ErrCodeTLSSetup, "tls bridge socketpair", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	b := &tlsBridge{local: local, cancel: cancel, done: make(chan struct{})}
	go b.run(ctx, establish)
	return loopFd, b, nil
}

// newServerBridge takes ownership of an accepted descriptor.
func newServerBridge(nfd int, cfg *tls.Config) (int, *tlsBridge, error) {
	f := os.NewFile(uintptr(nfd), "tls-accepted")
	raw, err := net.FileConn(f)
	f.Close()
	if err != nil {
		return -1, nil, api.Wrap(api.ErrCodeTLSSetup, "wrap accepted socket", err)
	}
	loopFd, b, err := startBridge(func(ctx context.Context, b *tlsBridge) (*tls.Conn, error) {
		tc := tls.Server(raw, cfg)
		if !b.attach(tc) {
			raw.Close()
			return nil, context.Canceled
		}
		return tc, tc.HandshakeContext(ctx)
	})
	if err != nil {
		raw.Close()
	}
	return loopFd, b, err
}

// newClientBridge dials remote and runs the client handshake.
func newClientBridge(remote string, cfg *tls.Config) (int, *tlsBridge, error) {
	return startBridge(func(ctx context.Context, b *tlsBridge) (*tls.Conn, error) {
		var d net.Dialer
		raw, err := d.DialContext(ctx, "tcp", remote)
		if err != nil {
			return nil, err
		}
		tc := tls.Client(raw, cfg)
		if !b.attach(tc) {
			raw.Close()
			return nil, context.Canceled
		}
		return tc, tc.HandshakeContext(ctx)
	})
}

func (b *tlsBridge) attach(c net.Conn) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.shut {
		return false
	}
	b.conn = c
	return true
}

func (b *tlsBridge) run(ctx context.Context, establish establishFunc) {
	defer close(b.done)
	defer b.shutdown()

	tc, err := establish(ctx, b)
	b.cancel()
	if err != nil {
		b.mu.Lock()
		b.err = err
		b.mu.Unlock()
		_, _ = b.local.Write([]byte{handshakeFailed})
		return
	}
	if _, err := b.local.Write([]byte{handshakeOK}); err != nil {
		return
	}

	go func() {
		_, _ = io.Copy(tc, b.local)
		b.shutdown()
	}()
	_, _ = io.Copy(b.local, tc)
}

// shutdown closes both sides; it runs on bridge goroutines only because a
// TLS close may block while sending close_notify.
func (b *tlsBridge) shutdown() {
	b.mu.Lock()
	b.shut = true
	conn := b.conn
	b.conn = nil
	b.mu.Unlock()
	_ = b.local.Close()
	if conn != nil {
		_ = conn.Close()
	}
}

// Err returns the handshake failure, if any.
func (b *tlsBridge) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err == nil {
		return errors.New("tls bridge closed")
	}
	return b.err
}

// Close aborts a pending handshake and unblocks the plaintext pump. It
// never blocks the loop.
func (b *tlsBridge) Close() {
	b.cancel()
	b.mu.Lock()
	b.shut = true
	b.mu.Unlock()
	_ = b.local.Close()
}
