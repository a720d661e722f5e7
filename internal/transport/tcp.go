package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wavenet-mesh/wavenet/internal/protocol"
)

// LoopbackIP is where LOCAL transports bind and dial.
const LoopbackIP = "127.0.0.1"

// Stream implements the LOCAL and IP transports over TCP.
// Framing: one connection carries exactly one envelope; the sender closes
// the connection and the receiver reads until EOF.
type Stream struct {
	typ  Type
	bind string // host:port; empty for send-only instances
	opts options

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// NewLocal creates a loopback transport on port. Port 0 picks a free port
// when Listen is called; Public reports the port actually bound.
func NewLocal(port int, opts ...Option) *Stream {
	return newStream(Local, net.JoinHostPort(LoopbackIP, strconv.Itoa(port)), opts)
}

// NewIP creates a transport bound to ip:port.
func NewIP(ip string, port int, opts ...Option) *Stream {
	return newStream(IP, net.JoinHostPort(ip, strconv.Itoa(port)), opts)
}

func newStream(t Type, bind string, opts []Option) *Stream {
	return &Stream{typ: t, bind: bind, opts: buildOptions(t, opts)}
}

func (s *Stream) Type() Type { return s.typ }

func (s *Stream) Listen(h Handler) error {
	if s.bind == "" {
		return ErrNoEndpoint
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return ErrListening
	}
	ln, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("transport: listen %s: %w", s.bind, err)
	}
	s.listener = ln
	s.wg.Add(1)
	go s.acceptLoop(ln, h)
	s.opts.log.Info("listening", zap.String("addr", ln.Addr().String()))
	return nil
}

func (s *Stream) Kill() error {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()
	if ln == nil {
		return nil
	}
	err := ln.Close()
	s.wg.Wait()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

func (s *Stream) Public() (string, error) {
	addr, err := s.localAddr()
	if err != nil {
		return "", err
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", err
	}
	if s.typ == Local {
		return portStr, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", err
	}
	return IPDescriptor(host, port), nil
}

func (s *Stream) Send(data []byte, dest string) error {
	addr, err := s.resolve(dest)
	if err != nil {
		return err
	}
	conn, err := net.DialTimeout("tcp", addr, s.opts.dialTimeout)
	if err != nil {
		return fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	defer conn.Close()
	conn.SetWriteDeadline(time.Now().Add(s.opts.ioTimeout)) //nolint:errcheck
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("transport: write %s: %w", addr, err)
	}
	return nil
}

func (s *Stream) localAddr() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String(), nil
	}
	if s.bind == "" {
		return "", ErrNoEndpoint
	}
	return s.bind, nil
}

func (s *Stream) resolve(dest string) (string, error) {
	if s.typ == Local {
		port, err := strconv.Atoi(dest)
		if err != nil || port <= 0 || port > 65535 {
			return "", fmt.Errorf("%w: %q", ErrBadDest, dest)
		}
		return net.JoinHostPort(LoopbackIP, dest), nil
	}
	ip, port, err := ParseIPDescriptor(dest)
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(ip, strconv.Itoa(port)), nil
}

func (s *Stream) acceptLoop(ln net.Listener, h Handler) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.opts.log.Warn("accept failed", zap.Error(err))
			}
			return
		}
		s.wg.Add(1)
		go s.readOne(conn, h)
	}
}

func (s *Stream) readOne(conn net.Conn, h Handler) {
	defer s.wg.Done()
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(s.opts.ioTimeout)) //nolint:errcheck
	data, err := io.ReadAll(io.LimitReader(conn, MaxEnvelopeSize+1))
	if err != nil {
		s.opts.log.Debug("read failed", zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))
		return
	}
	if len(data) > MaxEnvelopeSize {
		s.opts.log.Warn("oversized envelope dropped", zap.String("remote", conn.RemoteAddr().String()))
		return
	}
	h(protocol.Reconstruct(data))
}

type ipDescriptor struct {
	IP   *string `json:"ip"`
	Port *int    `json:"port"`
}

// IPDescriptor returns the JSON descriptor of an IP endpoint.
func IPDescriptor(ip string, port int) string {
	b, _ := json.Marshal(ipDescriptor{IP: &ip, Port: &port})
	return string(b)
}

// ParseIPDescriptor is the inverse of IPDescriptor.
func ParseIPDescriptor(dest string) (string, int, error) {
	var d ipDescriptor
	if err := json.Unmarshal([]byte(dest), &d); err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrBadDest, err)
	}
	if d.IP == nil {
		return "", 0, fmt.Errorf("%w: missing ip tag", ErrBadDest)
	}
	if d.Port == nil {
		return "", 0, fmt.Errorf("%w: missing port tag", ErrBadDest)
	}
	return *d.IP, *d.Port, nil
}
