// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	proxyerr "github.com/kemalerbakirci/iot-dos-throttlebox/pkg/errors"
	"github.com/kemalerbakirci/iot-dos-throttlebox/pkg/parser/mqtt"
	"github.com/kemalerbakirci/iot-dos-throttlebox/pkg/session"
)

const (
	// peekWindow is how many opening bytes may be inspected for the
	// CONNECT client identifier.
	peekWindow = 1024

	// chunkSize is the per-read forwarding window in both directions.
	chunkSize = 4096
)

// forwarder pumps bytes between one client connection and the broker,
// consulting the rate limiter on every client-to-broker chunk. The
// rate-limit decision is per read chunk, not per MQTT packet: one
// chunk consumes one token however many control packets it carries.
type forwarder struct {
	server  *Server
	session string
	client  net.Conn
	reader  *bufio.Reader
	info    session.ClientInfo
}

func newForwarder(s *Server, sessionID string, client net.Conn) *forwarder {
	return &forwarder{
		server:  s,
		session: sessionID,
		client:  client,
		reader:  bufio.NewReaderSize(client, peekWindow),
	}
}

// run executes the session: peek the CONNECT, resolve identity, dial
// the broker, pump until either side closes. The disconnect counter
// advances only for sessions that reached the pump; connections
// abandoned during setup never opened a broker socket.
func (f *forwarder) run(ctx context.Context) error {
	remote := f.client.RemoteAddr().String()

	peeked, err := f.peek(ctx)
	if err != nil {
		return proxyerr.New("peek", f.session, remote, err)
	}

	// A parse miss is not an error: the client is simply anonymous.
	clientID, _ := mqtt.ExtractClientID(peeked)
	f.info = session.Resolve(f.client.RemoteAddr(), clientID)

	f.server.config.Logger.Info("client connected",
		slog.String("session", f.session),
		slog.String("ip", f.info.IP),
		slog.String("client_id", f.info.DisplayID()))

	broker, err := f.dialBroker()
	if err != nil {
		return proxyerr.New("dial", f.session, remote, err)
	}

	err = f.pump(ctx, broker)

	f.server.sink.IncrementCounter("client_disconnects")
	f.server.config.Logger.Debug("client disconnected",
		slog.String("session", f.session),
		slog.String("client_id", f.info.DisplayID()))

	if err != nil {
		return proxyerr.New("pump", f.session, remote, err)
	}
	return nil
}

// peek waits for the client's opening bytes without consuming them.
// Returns an error if the stream ends before enough bytes arrive to
// inspect; the connection is then abandoned with no broker dial.
func (f *forwarder) peek(ctx context.Context) ([]byte, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		_ = f.client.SetReadDeadline(time.Now().Add(wakeInterval))
		if _, err := f.reader.Peek(mqtt.MinConnectBytes); err == nil {
			break
		} else if isTimeout(err) {
			continue
		} else if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, proxyerr.ErrNoConnectData
		} else {
			return nil, err
		}
	}

	n := f.reader.Buffered()
	if n > peekWindow {
		n = peekWindow
	}
	return f.reader.Peek(n)
}

// dialBroker opens the upstream connection, through the circuit
// breaker when one is configured.
func (f *forwarder) dialBroker() (net.Conn, error) {
	var conn net.Conn
	dial := func() error {
		c, err := net.DialTimeout("tcp", f.server.config.TargetAddress, dialTimeout)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}

	var err error
	if cb := f.server.config.Breaker; cb != nil {
		err = cb.Call(dial)
	} else {
		err = dial()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", proxyerr.ErrBrokerUnavailable, err)
	}
	return conn, nil
}

// pump runs both forwarding directions until one terminates, then
// closes both sockets so the other direction unblocks promptly.
func (f *forwarder) pump(ctx context.Context, broker net.Conn) error {
	errCh := make(chan error, 2)
	go func() { errCh <- f.clientToBroker(ctx, broker) }()
	go func() { errCh <- f.brokerToClient(ctx, broker) }()

	first := <-errCh
	f.client.Close()
	broker.Close()
	<-errCh

	if first != nil && !isCleanClose(first) {
		return first
	}
	return nil
}

// clientToBroker forwards client traffic upstream, dropping chunks the
// rate limiter denies. Byte order of forwarded chunks is the order
// they were read; the limiter is consulted in that same order.
func (f *forwarder) clientToBroker(ctx context.Context, broker net.Conn) error {
	buf := make([]byte, chunkSize)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_ = f.client.SetReadDeadline(time.Now().Add(wakeInterval))
		n, err := f.reader.Read(buf)
		if n > 0 {
			if f.server.limiter.Allow(f.info.IP, f.info.ClientID) {
				f.server.sink.IncrementCounter("allowed_messages")
				wn, werr := broker.Write(buf[:n])
				if werr != nil {
					return werr
				}
				if wn < n {
					return proxyerr.ErrShortWrite
				}
			} else {
				f.server.sink.IncrementCounter("blocked_messages")
				f.server.config.Logger.Debug("rate limit exceeded, dropping chunk",
					slog.String("session", f.session),
					slog.String("client_id", f.info.DisplayID()),
					slog.Int("bytes", n))
			}
		}
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return err
		}
	}
}

// brokerToClient forwards broker traffic downstream unconditionally.
func (f *forwarder) brokerToClient(ctx context.Context, broker net.Conn) error {
	buf := make([]byte, chunkSize)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_ = broker.SetReadDeadline(time.Now().Add(wakeInterval))
		n, err := broker.Read(buf)
		if n > 0 {
			wn, werr := f.client.Write(buf[:n])
			if werr != nil {
				return werr
			}
			if wn < n {
				return proxyerr.ErrShortWrite
			}
		}
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return err
		}
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// isCleanClose reports whether err is an expected end-of-session
// condition rather than a fault worth surfacing.
func isCleanClose(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, context.Canceled)
}
