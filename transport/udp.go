// Package transport owns the UDP broadcast socket peers coordinate over.
//
// A UDP transport runs two goroutines: a receive loop that decodes datagrams
// onto an inbound queue, and a send loop that broadcasts queued messages one
// at a time. Callers only ever touch the queues.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/vimeo/spellingbee/internal/queue"
	"github.com/vimeo/spellingbee/internal/telemetry"
	"github.com/vimeo/spellingbee/wire"
)

// DefaultPort is the well-known coordination port.
const DefaultPort = 50000

// LimitedBroadcast is the default broadcast destination.
const LimitedBroadcast = "255.255.255.255"

// AutoBroadcast as a destination expands to the directed broadcast address
// of every local IPv4 interface.
const AutoBroadcast = "auto"

// maxDatagramSize is the largest UDP payload over IPv4.
const maxDatagramSize = 65507

// Envelope is a decoded inbound message along with the address it came from.
type Envelope struct {
	From    net.Addr
	Message wire.Message
}

// Config configures a UDP transport.
type Config struct {
	// Port to bind (and to broadcast to when a destination has no port).
	// Zero binds an ephemeral port.
	Port int
	// Broadcast destinations, as "host" or "host:port". Empty means
	// LimitedBroadcast. AutoBroadcast expands to per-interface addresses.
	Broadcast []string

	Logger  *zap.Logger
	Metrics *telemetry.Metrics
}

// UDP is a broadcast transport over a single UDP socket.
type UDP struct {
	conn     net.PacketConn
	dests    []*net.UDPAddr
	inbound  *queue.Unbounded[Envelope]
	outbound *queue.Unbounded[wire.Message]
	logger   *zap.Logger
	metrics  *telemetry.Metrics

	sendDone  chan struct{}
	recvDone  chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Listen binds the broadcast socket and starts both loops. A bind failure is
// returned as-is; it is the only fatal transport error.
func Listen(ctx context.Context, cfg Config) (*UDP, error) {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port %d", cfg.Port)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	lc := net.ListenConfig{Control: controlBroadcast}
	conn, listenErr := lc.ListenPacket(ctx, "udp4", ":"+strconv.Itoa(cfg.Port))
	if listenErr != nil {
		return nil, fmt.Errorf("failed to bind broadcast socket on port %d: %w", cfg.Port, listenErr)
	}
	boundPort := cfg.Port
	if ua, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		boundPort = ua.Port
	}

	dests, destErr := resolveDestinations(cfg.Broadcast, boundPort)
	if destErr != nil {
		conn.Close()
		return nil, destErr
	}

	u := &UDP{
		conn:     conn,
		dests:    dests,
		inbound:  queue.New[Envelope](),
		outbound: queue.New[wire.Message](),
		logger:   logger.With(zap.Stringer("local_addr", conn.LocalAddr())),
		metrics:  cfg.Metrics,
		sendDone: make(chan struct{}),
		recvDone: make(chan struct{}),
	}
	go u.sendLoop()
	go u.recvLoop()
	return u, nil
}

func resolveDestinations(raw []string, port int) ([]*net.UDPAddr, error) {
	if len(raw) == 0 {
		raw = []string{LimitedBroadcast}
	}
	hosts := make([]string, 0, len(raw))
	for _, d := range raw {
		d = strings.TrimSpace(d)
		if d == "" {
			continue
		}
		if d != AutoBroadcast {
			hosts = append(hosts, d)
			continue
		}
		ifaceAddrs, ifaceErr := InterfaceBroadcastAddrs()
		if ifaceErr != nil {
			return nil, ifaceErr
		}
		if len(ifaceAddrs) == 0 {
			ifaceAddrs = []string{LimitedBroadcast}
		}
		hosts = append(hosts, ifaceAddrs...)
	}

	seen := make(map[string]struct{}, len(hosts))
	out := make([]*net.UDPAddr, 0, len(hosts))
	for _, h := range hosts {
		hostPort := h
		if _, _, splitErr := net.SplitHostPort(h); splitErr != nil {
			hostPort = net.JoinHostPort(h, strconv.Itoa(port))
		}
		if _, dup := seen[hostPort]; dup {
			continue
		}
		seen[hostPort] = struct{}{}
		addr, resolveErr := net.ResolveUDPAddr("udp4", hostPort)
		if resolveErr != nil {
			return nil, fmt.Errorf("failed to resolve broadcast destination %q: %w", h, resolveErr)
		}
		out = append(out, addr)
	}
	if len(out) == 0 {
		return nil, errors.New("no broadcast destinations configured")
	}
	return out, nil
}

// LocalAddr returns the address the socket is bound to.
func (u *UDP) LocalAddr() net.Addr {
	return u.conn.LocalAddr()
}

// Destinations returns the resolved broadcast destinations.
func (u *UDP) Destinations() []string {
	out := make([]string, 0, len(u.dests))
	for _, d := range u.dests {
		out = append(out, d.String())
	}
	return out
}

// Send enqueues m for broadcast without waiting for the socket. It returns
// false once the transport is closed.
func (u *UDP) Send(m wire.Message) bool {
	return u.outbound.Push(m)
}

// Inbound returns the stream of decoded messages. The channel is closed once
// the transport is closed.
func (u *UDP) Inbound() <-chan Envelope {
	return u.inbound.Out()
}

// Close flushes queued outbound messages, closes the socket (which unblocks
// the receive loop) and waits for both loops to exit.
func (u *UDP) Close() error {
	u.closeOnce.Do(func() {
		u.outbound.Close()
		<-u.sendDone
		u.closeErr = u.conn.Close()
		<-u.recvDone
		u.inbound.Stop()
	})
	return u.closeErr
}

func (u *UDP) sendLoop() {
	defer close(u.sendDone)
	for m := range u.outbound.Out() {
		data, encErr := wire.Encode(m)
		if encErr != nil {
			u.logger.Warn("dropping unencodable message", zap.Error(encErr))
			continue
		}
		sent := false
		for _, dst := range u.dests {
			if _, writeErr := u.conn.WriteTo(data, dst); writeErr != nil {
				u.metrics.SendError()
				u.logger.Warn("failed to broadcast datagram",
					zap.Stringer("dest", dst), zap.String("kind", string(m.Kind())), zap.Error(writeErr))
				continue
			}
			sent = true
		}
		if sent {
			u.metrics.MessageSent(m.Kind())
		}
	}
}

func (u *UDP) recvLoop() {
	defer close(u.recvDone)
	buf := make([]byte, maxDatagramSize)
	for {
		n, from, readErr := u.conn.ReadFrom(buf)
		if readErr != nil {
			if errors.Is(readErr, net.ErrClosed) {
				return
			}
			u.logger.Warn("failed to read datagram", zap.Error(readErr))
			continue
		}
		m, decErr := wire.Decode(buf[:n])
		if decErr != nil {
			u.metrics.DecodeError()
			u.logger.Debug("dropping undecodable datagram",
				zap.Stringer("from", from), zap.Int("bytes", n), zap.Error(decErr))
			continue
		}
		u.metrics.MessageReceived(m.Kind())
		u.inbound.Push(Envelope{From: from, Message: m})
	}
}
