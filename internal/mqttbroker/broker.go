package mqttbroker

import (
	"bufio"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// ErrNotAuthorized is returned for a CONNECT whose credentials do not match.
var ErrNotAuthorized = errors.New("not authorized")

type session struct {
	conn     net.Conn
	reader   *bufio.Reader
	writeMu  sync.Mutex
	clientID string
	closed   atomic.Bool

	subMu   sync.RWMutex
	filters map[string]struct{}
}

func newSession(conn net.Conn) *session {
	return &session{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		filters: make(map[string]struct{}),
	}
}

func (s *session) matches(topic string) bool {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	for filter := range s.filters {
		if MatchTopic(filter, topic) {
			return true
		}
	}
	return false
}

func (s *session) subscribe(filter string) {
	s.subMu.Lock()
	s.filters[filter] = struct{}{}
	s.subMu.Unlock()
}

func (s *session) unsubscribe(filter string) {
	s.subMu.Lock()
	delete(s.filters, filter)
	s.subMu.Unlock()
}

func (s *session) write(packet []byte) error {
	if s.closed.Load() {
		return net.ErrClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.conn.Write(packet)
	return err
}

// Broker is a small in-process MQTT 3.1.1 broker. Publishes are fanned out
// to matching subscribers at QoS 0; QoS 1 publishes are acknowledged.
type Broker struct {
	logger   *slog.Logger
	username string
	password string

	mu           sync.Mutex
	listener     net.Listener
	wg           sync.WaitGroup
	shuttingDown atomic.Bool

	sessionsMu sync.RWMutex
	sessions   map[*session]struct{}
}

type Option func(*Broker)

// WithCredentials requires every client to present this username and password.
func WithCredentials(username, password string) Option {
	return func(b *Broker) {
		b.username = username
		b.password = password
	}
}

func New(logger *slog.Logger, opts ...Option) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broker{logger: logger, sessions: make(map[*session]struct{})}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Start listens on bind. The returned channel receives a fatal accept error
// and is closed once the accept loop ends.
func (b *Broker) Start(bind string) (<-chan error, error) {
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return nil, fmt.Errorf("mqtt listen: %w", err)
	}

	b.mu.Lock()
	b.listener = ln
	b.mu.Unlock()

	errCh := make(chan error, 1)
	b.logger.Info("mqtt broker listening", "addr", ln.Addr().String(), "auth", b.username != "")

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(errCh)
		for {
			conn, err := ln.Accept()
			if err != nil {
				if b.shuttingDown.Load() {
					return
				}
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					b.logger.Warn("temporary accept error", "error", err)
					time.Sleep(50 * time.Millisecond)
					continue
				}
				errCh <- fmt.Errorf("mqtt accept: %w", err)
				return
			}

			s := newSession(conn)
			b.addSession(s)

			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				b.serve(s)
			}()
		}
	}()

	return errCh, nil
}

// Addr returns the listening address, or nil before Start.
func (b *Broker) Addr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

// Stop closes the listener and every client connection, then waits for
// their goroutines to finish.
func (b *Broker) Stop() error {
	if !b.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}

	b.mu.Lock()
	ln := b.listener
	b.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}

	b.sessionsMu.Lock()
	for s := range b.sessions {
		s.closed.Store(true)
		_ = s.conn.Close()
	}
	b.sessions = make(map[*session]struct{})
	b.sessionsMu.Unlock()

	b.wg.Wait()
	return nil
}

func (b *Broker) addSession(s *session) {
	b.sessionsMu.Lock()
	b.sessions[s] = struct{}{}
	b.sessionsMu.Unlock()
}

func (b *Broker) removeSession(s *session) {
	b.sessionsMu.Lock()
	delete(b.sessions, s)
	b.sessionsMu.Unlock()
}

func (b *Broker) serve(s *session) {
	defer func() {
		s.closed.Store(true)
		b.removeSession(s)
		_ = s.conn.Close()
	}()

	connected := false
	for {
		header, err := s.reader.ReadByte()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				b.logger.Debug("read header error", "client", s.clientID, "error", err)
			}
			return
		}

		remaining, err := readRemainingLength(s.reader)
		if err != nil {
			b.logger.Debug("read remaining length error", "client", s.clientID, "error", err)
			return
		}

		body := make([]byte, remaining)
		if _, err := io.ReadFull(s.reader, body); err != nil {
			b.logger.Debug("read packet body error", "client", s.clientID, "error", err)
			return
		}

		packetType := header >> 4
		if !connected && packetType != packetConnect {
			b.logger.Debug("packet before connect", "type", packetType)
			return
		}

		switch packetType {
		case packetConnect:
			if connected {
				b.logger.Debug("duplicate connect", "client", s.clientID)
				return
			}
			if err := b.handleConnect(s, body); err != nil {
				b.logger.Warn("mqtt client rejected", "remote", s.conn.RemoteAddr().String(), "error", err)
				return
			}
			connected = true
		case packetPublish:
			if err := b.handlePublish(s, header, body); err != nil {
				b.logger.Debug("handle publish error", "client", s.clientID, "error", err)
				return
			}
		case packetSubscribe:
			if err := b.handleSubscribe(s, body); err != nil {
				b.logger.Debug("handle subscribe error", "client", s.clientID, "error", err)
				return
			}
		case packetUnsubscribe:
			if err := b.handleUnsubscribe(s, body); err != nil {
				b.logger.Debug("handle unsubscribe error", "client", s.clientID, "error", err)
				return
			}
		case packetPingReq:
			if err := s.write(buildPacket(packetPingResp, 0, nil)); err != nil {
				b.logger.Debug("write pingresp error", "client", s.clientID, "error", err)
				return
			}
		case packetDisconnect:
			return
		default:
			b.logger.Debug("unsupported packet", "client", s.clientID, "type", packetType)
			return
		}
	}
}

func (b *Broker) handleConnect(s *session, body []byte) error {
	p, err := parseConnect(body)
	if err != nil {
		return err
	}

	if b.username != "" {
		if !p.hasUsername {
			_ = s.write(buildConnAck(connRefusedNotAllowed))
			return fmt.Errorf("%w: no credentials", ErrNotAuthorized)
		}
		userOK := subtle.ConstantTimeCompare([]byte(p.username), []byte(b.username)) == 1
		passOK := subtle.ConstantTimeCompare([]byte(p.password), []byte(b.password)) == 1
		if !userOK || !passOK {
			_ = s.write(buildConnAck(connRefusedBadAuth))
			return fmt.Errorf("%w: bad username or password for %q", ErrNotAuthorized, p.username)
		}
	}

	if p.clientID == "" {
		p.clientID = fmt.Sprintf("anon-%d", time.Now().UnixNano())
	}
	s.clientID = p.clientID

	if err := s.write(buildConnAck(connAccepted)); err != nil {
		return fmt.Errorf("write connack: %w", err)
	}
	b.logger.Debug("mqtt client connected", "client", s.clientID)
	return nil
}

func (b *Broker) handlePublish(s *session, header byte, body []byte) error {
	p, err := parsePublish(header, body)
	if err != nil {
		return err
	}
	if p.qos == 1 {
		if err := s.write(buildAck(packetPubAck, p.packetID)); err != nil {
			return fmt.Errorf("write puback: %w", err)
		}
	}
	b.forward(p.topic, p.payload)
	return nil
}

func (b *Broker) handleSubscribe(s *session, body []byte) error {
	rd := bytesReader(body)

	packetID, err := rd.readUint16()
	if err != nil {
		return fmt.Errorf("read packet id: %w", err)
	}

	var codes []byte
	for rd.remaining() > 0 {
		filter, err := rd.readString()
		if err != nil {
			return fmt.Errorf("read filter: %w", err)
		}
		if _, err := rd.readByte(); err != nil {
			return fmt.Errorf("read qos: %w", err)
		}
		if err := validateFilter(filter); err != nil {
			b.logger.Debug("subscription refused", "client", s.clientID, "error", err)
			codes = append(codes, 0x80)
			continue
		}
		s.subscribe(filter)
		// every subscription is granted at QoS 0
		codes = append(codes, 0x00)
	}
	if len(codes) == 0 {
		return fmt.Errorf("subscribe without filters")
	}

	return s.write(buildAck(packetSubAck, packetID, codes...))
}

func (b *Broker) handleUnsubscribe(s *session, body []byte) error {
	rd := bytesReader(body)

	packetID, err := rd.readUint16()
	if err != nil {
		return fmt.Errorf("read packet id: %w", err)
	}
	for rd.remaining() > 0 {
		filter, err := rd.readString()
		if err != nil {
			return fmt.Errorf("read filter: %w", err)
		}
		s.unsubscribe(filter)
	}

	return s.write(buildAck(packetUnsubAck, packetID))
}

func (b *Broker) forward(topic string, payload []byte) {
	packet, err := buildPublish(topic, payload)
	if err != nil {
		b.logger.Debug("build publish failed", "topic", topic, "error", err)
		return
	}

	b.sessionsMu.RLock()
	defer b.sessionsMu.RUnlock()

	for s := range b.sessions {
		if !s.matches(topic) {
			continue
		}
		if err := s.write(packet); err != nil {
			b.logger.Debug("forward publish failed", "remote", s.conn.RemoteAddr().String(), "error", err)
		}
	}
}
