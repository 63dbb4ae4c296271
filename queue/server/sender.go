package server

import (
	"net"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// Sender delivers a notification datagram. Delivery is best effort.
type Sender interface {
	Send(addr string, port uint16, payload []byte) error
}

// UDPSender writes notifications from a single packet socket, paced by a
// token bucket. Send never waits: packets over the limit are dropped and
// the listener picks the job up on its next poll.
type UDPSender struct {
	conn    net.PacketConn
	limiter *rate.Limiter

	mu    sync.Mutex
	addrs map[string]*net.UDPAddr
}

// NewUDPSender listens on laddr ("" or ":0" picks an ephemeral port).
// perSecond <= 0 disables pacing.
func NewUDPSender(laddr string, perSecond float64, burst int) (*UDPSender, error) {
	if laddr == "" {
		laddr = ":0"
	}
	conn, err := net.ListenPacket("udp", laddr)
	if err != nil {
		return nil, errors.Wrapf(err, "listening for notifications on %s", laddr)
	}
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	if burst < 1 {
		burst = 1
	}
	return &UDPSender{
		conn:    conn,
		limiter: rate.NewLimiter(limit, burst),
		addrs:   make(map[string]*net.UDPAddr),
	}, nil
}

func (s *UDPSender) resolve(addr string, port uint16) (*net.UDPAddr, error) {
	key := net.JoinHostPort(addr, strconv.Itoa(int(port)))
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.addrs[key]; ok {
		return a, nil
	}
	a, err := net.ResolveUDPAddr("udp", key)
	if err != nil {
		return nil, err
	}
	s.addrs[key] = a
	return a, nil
}

func (s *UDPSender) Send(addr string, port uint16, payload []byte) error {
	to, err := s.resolve(addr, port)
	if err != nil {
		return errors.Wrapf(err, "resolving %s:%d", addr, port)
	}
	if !s.limiter.Allow() {
		return errors.Errorf("notification to %s dropped by rate limit", to)
	}
	if _, err := s.conn.WriteTo(payload, to); err != nil {
		return errors.Wrapf(err, "sending notification to %s", to)
	}
	return nil
}

func (s *UDPSender) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

func (s *UDPSender) Close() error {
	return s.conn.Close()
}
