// Package server accepts client connections, runs one session per
// connection from a bounded pool, and dispatches typed packets to
// per-type handlers. Authenticated sessions are registered in two
// directories: one to find the session itself, one holding the output
// channel other sessions push fan-out packets through.
package server

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"teamchat/models"
	"teamchat/protocol"
	"teamchat/store"
)

type Config struct {
	Port         int
	WriteTimeout time.Duration
	MaxSessions  int64
}

type handlerFunc func(*Session, *protocol.Packet)

type Server struct {
	store    *store.Store
	config   *Config
	validate *validator.Validate
	log      *zap.SugaredLogger

	handlers map[protocol.Type]handlerFunc
	slots    *semaphore.Weighted

	mu       sync.RWMutex
	sessions map[string]*Session
	outputs  map[string]chan<- *protocol.Packet
	listener net.Listener
}

// Session is the server-side state of one connection. user stays nil
// until a LOGIN request succeeds. All writes to the connection go
// through the out channel, drained by a single writer goroutine.
type Session struct {
	conn net.Conn
	user *models.User
	out  chan *protocol.Packet
	done chan struct{}
}

func New(st *store.Store, config *Config, log *zap.SugaredLogger) *Server {
	if config.WriteTimeout == 0 {
		config.WriteTimeout = 30 * time.Second
	}
	if config.MaxSessions == 0 {
		config.MaxSessions = 1024
	}

	s := &Server{
		store:    st,
		config:   config,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		log:      log,
		slots:    semaphore.NewWeighted(config.MaxSessions),
		sessions: make(map[string]*Session),
		outputs:  make(map[string]chan<- *protocol.Packet),
	}
	s.handlers = map[protocol.Type]handlerFunc{
		protocol.TypeLogin:    s.handleLogin,
		protocol.TypeMessages: s.handleMessages,
		protocol.TypeUsers:    s.handleUsers,
		protocol.TypeGroup:    s.handleGroup,
	}
	return s
}

// Start listens and serves until the listener is closed. Each accepted
// connection takes a slot from the session pool; the slot is returned
// when the session ends.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", ":"+strconv.Itoa(s.config.Port))
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.log.Infow("server started", "addr", listener.Addr().String())

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Warnw("accept failed", "error", err)
			continue
		}
		if err := s.slots.Acquire(context.Background(), 1); err != nil {
			conn.Close()
			return err
		}
		go func() {
			defer s.slots.Release(1)
			s.handleConnection(conn)
		}()
	}
}

// Addr returns the listen address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// handleConnection runs a session's read loop. Any read failure, end of
// stream or malformed packet tears the session down silently.
func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	remoteAddr := conn.RemoteAddr().String()
	s.log.Debugw("client connected", "remote", remoteAddr)

	sess := &Session{
		conn: conn,
		out:  make(chan *protocol.Packet, 32),
		done: make(chan struct{}),
	}
	go s.writeLoop(sess)
	defer close(sess.done)
	defer s.unregister(sess)

	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			break
		}
		pkt, err := protocol.Parse(line)
		if err != nil {
			s.log.Debugw("malformed packet", "remote", remoteAddr, "error", err)
			break
		}
		s.dispatch(sess, pkt)
	}

	if sess.user != nil {
		s.log.Infow("client disconnected", "username", sess.user.Username, "remote", remoteAddr)
	} else {
		s.log.Debugw("client disconnected", "remote", remoteAddr)
	}
}

// dispatch routes a packet to its type handler. A missing handler is a
// no-op, not an error.
func (s *Server) dispatch(sess *Session, pkt *protocol.Packet) {
	handler, ok := s.handlers[pkt.Type]
	if !ok {
		s.log.Debugw("ignoring packet with no handler", "type", pkt.Type, "status", pkt.Status)
		return
	}
	handler(sess, pkt)
}

// writeLoop is the only writer on the session's connection.
func (s *Server) writeLoop(sess *Session) {
	for {
		select {
		case pkt := <-sess.out:
			data, err := pkt.Encode()
			if err != nil {
				s.log.Errorw("failed to encode packet", "type", pkt.Type, "error", err)
				continue
			}
			sess.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
			if _, err := sess.conn.Write(data); err != nil {
				s.log.Debugw("write failed", "error", err)
				return
			}
		case <-sess.done:
			return
		}
	}
}

// enqueue hands a packet to the session's writer. A session that cannot
// keep up loses pushes rather than blocking the caller; the client will
// re-request its full set on next login.
func (s *Server) enqueue(sess *Session, pkt *protocol.Packet) {
	select {
	case sess.out <- pkt:
	default:
		s.log.Warnw("dropping packet for slow session", "type", pkt.Type)
	}
}

// register puts an authenticated session into both directories. A
// second login for the same username replaces the earlier entry.
func (s *Server) register(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	username := sess.user.Username
	s.sessions[username] = sess
	s.outputs[username] = sess.out
	s.log.Infow("registered client", "username", username, "active", len(s.sessions))
}

func (s *Server) unregister(sess *Session) {
	if sess.user == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	username := sess.user.Username
	if s.sessions[username] == sess {
		delete(s.sessions, username)
		delete(s.outputs, username)
	}
}

// output looks up a user's push channel; ok is false when the user has
// no live session.
func (s *Server) output(username string) (chan<- *protocol.Packet, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out, ok := s.outputs[username]
	return out, ok
}

// Stats returns a short status line for the control socket.
func (s *Server) Stats() string {
	s.mu.RLock()
	users := make([]string, 0, len(s.sessions))
	for username := range s.sessions {
		users = append(users, username)
	}
	s.mu.RUnlock()

	directs, groups := s.store.ConversationCount()
	line := "connections=" + strconv.Itoa(len(users)) +
		",directs=" + strconv.Itoa(directs) +
		",groups=" + strconv.Itoa(groups) +
		",users="
	for i, u := range users {
		if i > 0 {
			line += ";"
		}
		line += u
	}
	return line
}

// Shutdown closes the listener and every live session.
func (s *Server) Shutdown() {
	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.conn.Close()
	}
}
