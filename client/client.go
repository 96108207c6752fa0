// Package client implements the protocol client: it submits typed
// requests, reconciles pushed conversation snapshots into a local
// cache that never regresses to stale data, and raises change and
// alert events on channels an observer (such as a UI) can consume.
package client

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"teamchat/models"
	"teamchat/protocol"
)

var (
	ErrDisconnected = errors.New("disconnected from server")
	ErrNotLoggedIn  = errors.New("not logged in")
	ErrBusy         = errors.New("request already in progress")
)

// RemoteError is an ERROR packet surfaced to the caller. Origin is the
// status tag of the request that failed.
type RemoteError struct {
	Origin string
	Reason string
}

func (e RemoteError) Error() string {
	return strings.ToLower(e.Origin) + ": " + e.Reason
}

// Key identifies a conversation in the cache. Ids are only unique
// within a variant, so the variant is part of the key.
type Key struct {
	Variant models.Variant
	ID      int
}

type historyResult struct {
	msgs []models.Message
	err  error
}

type Client struct {
	log     *zap.SugaredLogger
	conn    net.Conn
	writeMu sync.Mutex

	handlers map[protocol.Type]func(*protocol.Packet)

	mu            sync.Mutex
	me            *models.User
	conversations map[Key]*models.Conversation
	order         []Key
	lastUpdated   *models.Conversation

	pendingMu   sync.Mutex
	loginWait   chan error
	createWait  chan error
	historyWait chan historyResult

	updates    chan struct{}
	alerts     chan models.Message
	remoteErrs chan RemoteError

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the server and starts the read loop.
func Dial(addr string, log *zap.SugaredLogger) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return nil, err
	}
	return New(conn, log), nil
}

// New wraps an established connection. Used by Dial and by tests that
// run the server over a pipe.
func New(conn net.Conn, log *zap.SugaredLogger) *Client {
	c := &Client{
		log:           log,
		conn:          conn,
		conversations: make(map[Key]*models.Conversation),
		updates:       make(chan struct{}, 1),
		alerts:        make(chan models.Message, 16),
		remoteErrs:    make(chan RemoteError, 16),
		done:          make(chan struct{}),
	}
	c.handlers = map[protocol.Type]func(*protocol.Packet){
		protocol.TypeUsers: c.handleUsers,
		protocol.TypeGroup: c.handleGroup,
		protocol.TypeError: c.handleError,
	}
	go c.readLoop()
	return c
}

// Close tears the connection down and fails any waiting request.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Updates delivers one (coalesced) signal per accepted cache change.
func (c *Client) Updates() <-chan struct{} {
	return c.updates
}

// Alerts delivers messages that arrived in a conversation from someone
// other than the logged-in user.
func (c *Client) Alerts() <-chan models.Message {
	return c.alerts
}

// RemoteErrors delivers ERROR packets that no waiting request claimed,
// such as rejected message sends.
func (c *Client) RemoteErrors() <-chan RemoteError {
	return c.remoteErrs
}

// Done is closed when the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) readLoop() {
	reader := bufio.NewReader(c.conn)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			break
		}
		pkt, err := protocol.Parse(line)
		if err != nil {
			c.log.Debugw("malformed packet from server", "error", err)
			continue
		}
		handler, ok := c.handlers[pkt.Type]
		if !ok {
			c.log.Debugw("ignoring packet with no handler", "type", pkt.Type, "status", pkt.Status)
			continue
		}
		handler(pkt)
	}

	c.closeOnce.Do(func() {
		close(c.done)
		c.failPending(ErrDisconnected)
	})
}

func (c *Client) send(t protocol.Type, status string, items ...any) error {
	pkt, err := protocol.New(t, status, items...)
	if err != nil {
		return err
	}
	data, err := pkt.Encode()
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	_, err = c.conn.Write(data)
	return err
}

// Login authenticates and waits for the server's response. On success
// the server follows up with the full conversation snapshot, which the
// cache applies as it arrives.
func (c *Client) Login(ctx context.Context, username, password string) error {
	wait := make(chan error, 1)
	c.pendingMu.Lock()
	if c.loginWait != nil {
		c.pendingMu.Unlock()
		return ErrBusy
	}
	c.loginWait = wait
	c.pendingMu.Unlock()
	defer c.clearLoginWait()

	creds := protocol.Credentials{Username: username, Password: password}
	if err := c.send(protocol.TypeLogin, protocol.StatusRequest, creds); err != nil {
		return err
	}

	select {
	case err := <-wait:
		return err
	case <-c.done:
		return ErrDisconnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Logout tells the server the session is finished. The server treats
// it leniently; the client keeps its cached state.
func (c *Client) Logout() error {
	return c.send(protocol.TypeLogout, protocol.StatusRequest)
}

// SendMessage submits one message to the given recipients. Delivery of
// the updated conversation arrives asynchronously as an ALL snapshot;
// rejections arrive on RemoteErrors.
func (c *Client) SendMessage(recipients []string, text string) error {
	c.mu.Lock()
	me := c.me
	c.mu.Unlock()
	if me == nil {
		return ErrNotLoggedIn
	}
	msg := models.Message{
		Timestamp:  time.Now().UTC(),
		Text:       text,
		Sender:     me.Username,
		Recipients: recipients,
	}
	return c.send(protocol.TypeMessages, protocol.StatusRequest, msg)
}

// CreateUser asks the server to add a user to the directory. Admin
// only; the server rejects everyone else.
func (c *Client) CreateUser(ctx context.Context, user models.User) error {
	wait := make(chan error, 1)
	c.pendingMu.Lock()
	if c.createWait != nil {
		c.pendingMu.Unlock()
		return ErrBusy
	}
	c.createWait = wait
	c.pendingMu.Unlock()
	defer c.clearCreateWait()

	if err := c.send(protocol.TypeUsers, protocol.StatusRequest, user); err != nil {
		return err
	}

	select {
	case err := <-wait:
		return err
	case <-c.done:
		return ErrDisconnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RequestHistory fetches every message sent by the target user. Admin
// only.
func (c *Client) RequestHistory(ctx context.Context, username string) ([]models.Message, error) {
	wait := make(chan historyResult, 1)
	c.pendingMu.Lock()
	if c.historyWait != nil {
		c.pendingMu.Unlock()
		return nil, ErrBusy
	}
	c.historyWait = wait
	c.pendingMu.Unlock()
	defer c.clearHistoryWait()

	if err := c.send(protocol.TypeGroup, protocol.StatusRequest, username); err != nil {
		return nil, err
	}

	select {
	case res := <-wait:
		return res.msgs, res.err
	case <-c.done:
		return nil, ErrDisconnected
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// User returns the authenticated identity, if any.
func (c *Client) User() (models.User, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.me == nil {
		return models.User{}, false
	}
	return *c.me, true
}

// Conversations returns deep copies of the cached set in snapshot
// order.
func (c *Client) Conversations() []*models.Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*models.Conversation, 0, len(c.order))
	for _, key := range c.order {
		if conv, ok := c.conversations[key]; ok {
			out = append(out, conv.Clone())
		}
	}
	return out
}

// Conversation returns one cached conversation by key.
func (c *Client) Conversation(key Key) (*models.Conversation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conv, ok := c.conversations[key]
	if !ok {
		return nil, false
	}
	return conv.Clone(), true
}

// LastUpdated returns the conversation the most recent accepted change
// touched.
func (c *Client) LastUpdated() *models.Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastUpdated == nil {
		return nil
	}
	return c.lastUpdated.Clone()
}

func (c *Client) handleUsers(pkt *protocol.Packet) {
	switch {
	case pkt.StatusIs(protocol.StatusSingle):
		user, err := pkt.DecodeUser()
		if err != nil {
			c.log.Debugw("bad USERS SINGLE payload", "error", err)
			return
		}
		c.mu.Lock()
		c.me = &user
		c.mu.Unlock()
		c.resolveLogin(nil)
	case pkt.StatusIs(protocol.StatusSuccess):
		if _, err := pkt.DecodeUser(); err != nil {
			c.log.Debugw("bad USERS SUCCESS payload", "error", err)
			return
		}
		c.resolveCreate(nil)
	}
}

func (c *Client) handleGroup(pkt *protocol.Packet) {
	switch {
	case pkt.StatusIs(protocol.StatusAll):
		convs, err := pkt.DecodeConversations()
		if err != nil {
			c.log.Debugw("bad GROUP ALL payload", "error", err)
			return
		}
		c.applySnapshot(convs)
	case pkt.StatusIs(protocol.StatusUpdate):
		convs, err := pkt.DecodeConversations()
		if err != nil || len(convs) == 0 {
			c.log.Debugw("bad GROUP UPDATE payload", "error", err)
			return
		}
		c.applyUpdate(convs[0])
	case pkt.StatusIs(protocol.StatusMessages):
		msgs, err := pkt.DecodeMessages()
		if err != nil && !errors.Is(err, protocol.ErrEmptyContent) {
			c.resolveHistory(historyResult{err: err})
			return
		}
		c.resolveHistory(historyResult{msgs: msgs})
	}
}

func (c *Client) handleError(pkt *protocol.Packet) {
	reason, err := pkt.DecodeText()
	if err != nil {
		reason = "unknown error"
	}
	remote := RemoteError{Origin: strings.ToUpper(pkt.Status), Reason: reason}

	switch remote.Origin {
	case "LOGIN":
		c.resolveLogin(remote)
	case "USERS":
		c.resolveCreate(remote)
	case "GROUP":
		c.resolveHistory(historyResult{err: remote})
	default:
		select {
		case c.remoteErrs <- remote:
		default:
			c.log.Warnw("dropping remote error", "origin", remote.Origin, "reason", remote.Reason)
		}
	}
}
