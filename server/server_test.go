package server

import (
	"bufio"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"teamchat/models"
	"teamchat/protocol"
	"teamchat/store"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "users.txt"), filepath.Join(dir, "messages.txt"), zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(st.Close)
	return New(st, &Config{WriteTimeout: 5 * time.Second}, zap.NewNop().Sugar())
}

// testClient talks to an in-process session over a pipe, one packet
// per line, the way a real client would over TCP.
type testClient struct {
	conn   net.Conn
	reader *bufio.Reader
}

func dialTestServer(t *testing.T, srv *Server) *testClient {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	go srv.handleConnection(serverConn)
	t.Cleanup(func() { clientConn.Close() })
	return &testClient{conn: clientConn, reader: bufio.NewReader(clientConn)}
}

func (tc *testClient) send(t *testing.T, typ protocol.Type, status string, items ...any) {
	t.Helper()
	pkt, err := protocol.New(typ, status, items...)
	if err != nil {
		t.Fatalf("failed to build packet: %v", err)
	}
	data, err := pkt.Encode()
	if err != nil {
		t.Fatalf("failed to encode packet: %v", err)
	}
	tc.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := tc.conn.Write(data); err != nil {
		t.Fatalf("failed to write packet: %v", err)
	}
}

func (tc *testClient) sendRaw(t *testing.T, line string) {
	t.Helper()
	tc.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := tc.conn.Write([]byte(line + "\n")); err != nil {
		t.Fatalf("failed to write line: %v", err)
	}
}

func (tc *testClient) read(t *testing.T) *protocol.Packet {
	t.Helper()
	tc.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := tc.reader.ReadBytes('\n')
	if err != nil {
		t.Fatalf("failed to read packet: %v", err)
	}
	pkt, err := protocol.Parse(line)
	if err != nil {
		t.Fatalf("failed to parse packet %q: %v", line, err)
	}
	return pkt
}

// login performs the full LOGIN exchange and returns the conversation
// set from the GROUP ALL packet that follows a successful login.
func (tc *testClient) login(t *testing.T, username, password string) []*models.Conversation {
	t.Helper()
	tc.send(t, protocol.TypeLogin, protocol.StatusRequest, protocol.Credentials{Username: username, Password: password})

	pkt := tc.read(t)
	if pkt.Type != protocol.TypeUsers || !pkt.StatusIs(protocol.StatusSingle) {
		t.Fatalf("expected USERS SINGLE, got %s %s", pkt.Type, pkt.Status)
	}
	user, err := pkt.DecodeUser()
	if err != nil {
		t.Fatalf("failed to decode user: %v", err)
	}
	if user.Username != username {
		t.Fatalf("logged in as %q, expected %q", user.Username, username)
	}

	pkt = tc.read(t)
	if pkt.Type != protocol.TypeGroup || !pkt.StatusIs(protocol.StatusAll) {
		t.Fatalf("expected GROUP ALL, got %s %s", pkt.Type, pkt.Status)
	}
	convs, err := pkt.DecodeConversations()
	if err != nil {
		t.Fatalf("failed to decode conversations: %v", err)
	}
	return convs
}

func (tc *testClient) readSnapshot(t *testing.T) []*models.Conversation {
	t.Helper()
	pkt := tc.read(t)
	if pkt.Type != protocol.TypeGroup || !pkt.StatusIs(protocol.StatusAll) {
		t.Fatalf("expected GROUP ALL, got %s %s", pkt.Type, pkt.Status)
	}
	convs, err := pkt.DecodeConversations()
	if err != nil {
		t.Fatalf("failed to decode conversations: %v", err)
	}
	return convs
}

func (tc *testClient) expectError(t *testing.T, origin string) string {
	t.Helper()
	pkt := tc.read(t)
	if pkt.Type != protocol.TypeError || !pkt.StatusIs(origin) {
		t.Fatalf("expected ERROR %s, got %s %s", origin, pkt.Type, pkt.Status)
	}
	reason, err := pkt.DecodeText()
	if err != nil {
		t.Fatalf("failed to decode error reason: %v", err)
	}
	return reason
}

func seedUser(t *testing.T, srv *Server, username, password string, admin bool) {
	t.Helper()
	if err := srv.store.CreateUser(models.User{Username: username, Password: password, Admin: admin}); err != nil {
		t.Fatalf("failed to seed user %s: %v", username, err)
	}
}

func TestLoginSuccess(t *testing.T) {
	srv := newTestServer(t)
	seedUser(t, srv, "alice", "pw", false)

	tc := dialTestServer(t, srv)
	convs := tc.login(t, "alice", "pw")
	if len(convs) != 0 {
		t.Errorf("fresh user should have an empty conversation set, got %d", len(convs))
	}
}

func TestLoginBadCredentialsKeepsConnectionOpen(t *testing.T) {
	srv := newTestServer(t)
	seedUser(t, srv, "alice", "pw", false)

	tc := dialTestServer(t, srv)
	tc.send(t, protocol.TypeLogin, protocol.StatusRequest, protocol.Credentials{Username: "alice", Password: "wrong"})
	reason := tc.expectError(t, "LOGIN")
	if reason == "" {
		t.Error("error reason should not be empty")
	}

	// Retry on the same connection.
	tc.login(t, "alice", "pw")
}

func TestLoginMissingCredentials(t *testing.T) {
	srv := newTestServer(t)

	tc := dialTestServer(t, srv)
	tc.send(t, protocol.TypeLogin, protocol.StatusRequest)
	tc.expectError(t, "LOGIN")

	tc2 := dialTestServer(t, srv)
	tc2.send(t, protocol.TypeLogin, protocol.StatusRequest, protocol.Credentials{Username: "alice"})
	tc2.expectError(t, "LOGIN")
}

func TestUnauthenticatedMessageRejected(t *testing.T) {
	srv := newTestServer(t)
	seedUser(t, srv, "bob", "pw", false)

	tc := dialTestServer(t, srv)
	msg := models.Message{Timestamp: time.Now().UTC(), Text: "hi", Sender: "alice", Recipients: []string{"bob"}}
	tc.send(t, protocol.TypeMessages, protocol.StatusRequest, msg)

	reason := tc.expectError(t, "MESSAGES")
	if !strings.Contains(reason, "not logged in") {
		t.Errorf("unexpected reason: %q", reason)
	}
}

func TestDirectMessageFlow(t *testing.T) {
	srv := newTestServer(t)
	seedUser(t, srv, "alice", "pw", false)
	seedUser(t, srv, "bob", "pw", false)

	alice := dialTestServer(t, srv)
	alice.login(t, "alice", "pw")
	bob := dialTestServer(t, srv)
	bob.login(t, "bob", "pw")

	now := time.Now().UTC().Truncate(time.Millisecond)
	alice.send(t, protocol.TypeMessages, protocol.StatusRequest,
		models.Message{Timestamp: now, Text: "hi", Sender: "alice", Recipients: []string{"bob"}})

	aliceView := alice.readSnapshot(t)
	bobView := bob.readSnapshot(t)
	if len(aliceView) != 1 || len(bobView) != 1 {
		t.Fatalf("both participants should see 1 conversation, got %d and %d", len(aliceView), len(bobView))
	}
	if aliceView[0].Variant != models.Direct {
		t.Errorf("expected a direct chat, got %s", aliceView[0].Variant)
	}
	if len(aliceView[0].Messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(aliceView[0].Messages))
	}
	firstID := aliceView[0].ID

	bob.send(t, protocol.TypeMessages, protocol.StatusRequest,
		models.Message{Timestamp: now.Add(time.Second), Text: "yo", Sender: "bob", Recipients: []string{"alice"}})

	bobView = bob.readSnapshot(t)
	aliceView = alice.readSnapshot(t)
	if len(aliceView) != 1 {
		t.Fatalf("the reply must reuse the same conversation, got %d", len(aliceView))
	}
	conv := aliceView[0]
	if conv.ID != firstID {
		t.Errorf("conversation id changed: %d -> %d", firstID, conv.ID)
	}
	if len(conv.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(conv.Messages))
	}
	if conv.Messages[0].Text != "hi" || conv.Messages[1].Text != "yo" {
		t.Errorf("messages out of order: %q, %q", conv.Messages[0].Text, conv.Messages[1].Text)
	}
}

func TestGroupMessageFansOutToAllParticipants(t *testing.T) {
	srv := newTestServer(t)
	seedUser(t, srv, "alice", "pw", false)
	seedUser(t, srv, "bob", "pw", false)
	seedUser(t, srv, "carol", "pw", false)

	alice := dialTestServer(t, srv)
	alice.login(t, "alice", "pw")
	bob := dialTestServer(t, srv)
	bob.login(t, "bob", "pw")
	// carol stays offline; fan-out must skip her silently.

	alice.send(t, protocol.TypeMessages, protocol.StatusRequest,
		models.Message{Timestamp: time.Now().UTC(), Text: "hello all", Sender: "alice", Recipients: []string{"bob", "carol"}})

	for _, tc := range []*testClient{alice, bob} {
		convs := tc.readSnapshot(t)
		if len(convs) != 1 || convs[0].Variant != models.Group {
			t.Fatalf("expected one group conversation, got %+v", convs)
		}
	}

	// carol sees the group on her next login.
	carol := dialTestServer(t, srv)
	convs := carol.login(t, "carol", "pw")
	if len(convs) != 1 || convs[0].Variant != models.Group || len(convs[0].Messages) != 1 {
		t.Fatalf("carol should catch up on login, got %+v", convs)
	}
}

func TestInvalidRecipientRejectedWithoutSideEffects(t *testing.T) {
	srv := newTestServer(t)
	seedUser(t, srv, "alice", "pw", false)

	alice := dialTestServer(t, srv)
	alice.login(t, "alice", "pw")

	alice.send(t, protocol.TypeMessages, protocol.StatusRequest,
		models.Message{Timestamp: time.Now().UTC(), Text: "hi", Sender: "alice", Recipients: []string{"ghost"}})

	reason := alice.expectError(t, "MESSAGES")
	if !strings.Contains(reason, "ghost") {
		t.Errorf("error should name the invalid recipient, got %q", reason)
	}

	// No conversation was created.
	fresh := dialTestServer(t, srv)
	if convs := fresh.login(t, "alice", "pw"); len(convs) != 0 {
		t.Errorf("rejected message must not create a conversation, got %d", len(convs))
	}
}

func TestEmptyMessagePayloadRejected(t *testing.T) {
	srv := newTestServer(t)
	seedUser(t, srv, "alice", "pw", false)

	alice := dialTestServer(t, srv)
	alice.login(t, "alice", "pw")
	alice.send(t, protocol.TypeMessages, protocol.StatusRequest)
	alice.expectError(t, "MESSAGES")
}

func TestCreateUserRequiresAdmin(t *testing.T) {
	srv := newTestServer(t)
	seedUser(t, srv, "alice", "pw", false)

	alice := dialTestServer(t, srv)
	alice.login(t, "alice", "pw")
	alice.send(t, protocol.TypeUsers, protocol.StatusRequest, models.User{Username: "newguy", Password: "abc123"})

	reason := alice.expectError(t, "USERS")
	if !strings.Contains(reason, "admin") {
		t.Errorf("unexpected reason: %q", reason)
	}
}

func TestAdminCreatesUserWhoCanLogIn(t *testing.T) {
	srv := newTestServer(t)
	seedUser(t, srv, "root", "toor", true)

	root := dialTestServer(t, srv)
	root.login(t, "root", "toor")
	root.send(t, protocol.TypeUsers, protocol.StatusRequest, models.User{Username: "newguy", Password: "abc123"})

	pkt := root.read(t)
	if pkt.Type != protocol.TypeUsers || !pkt.StatusIs(protocol.StatusSuccess) {
		t.Fatalf("expected USERS SUCCESS, got %s %s", pkt.Type, pkt.Status)
	}
	created, err := pkt.DecodeUser()
	if err != nil || created.Username != "newguy" {
		t.Fatalf("unexpected created user %+v (err=%v)", created, err)
	}

	newguy := dialTestServer(t, srv)
	if convs := newguy.login(t, "newguy", "abc123"); len(convs) != 0 {
		t.Errorf("new user should start with no conversations, got %d", len(convs))
	}
}

func TestCreateDuplicateUserRejected(t *testing.T) {
	srv := newTestServer(t)
	seedUser(t, srv, "root", "toor", true)
	seedUser(t, srv, "alice", "pw", false)

	root := dialTestServer(t, srv)
	root.login(t, "root", "toor")
	root.send(t, protocol.TypeUsers, protocol.StatusRequest, models.User{Username: "alice", Password: "other"})

	reason := root.expectError(t, "USERS")
	if !strings.Contains(reason, "exists") {
		t.Errorf("unexpected reason: %q", reason)
	}
}

func TestCreateUserValidation(t *testing.T) {
	srv := newTestServer(t)
	seedUser(t, srv, "root", "toor", true)

	root := dialTestServer(t, srv)
	root.login(t, "root", "toor")

	// A username with a pipe would corrupt the persisted directory.
	root.send(t, protocol.TypeUsers, protocol.StatusRequest, models.User{Username: "bad|name", Password: "pw"})
	root.expectError(t, "USERS")

	root.send(t, protocol.TypeUsers, protocol.StatusRequest, models.User{Username: "nopassword"})
	root.expectError(t, "USERS")
}

func TestAdminHistoryRequest(t *testing.T) {
	srv := newTestServer(t)
	seedUser(t, srv, "root", "toor", true)
	seedUser(t, srv, "alice", "pw", false)
	seedUser(t, srv, "bob", "pw", false)

	alice := dialTestServer(t, srv)
	alice.login(t, "alice", "pw")
	now := time.Now().UTC().Truncate(time.Millisecond)
	alice.send(t, protocol.TypeMessages, protocol.StatusRequest,
		models.Message{Timestamp: now, Text: "one", Sender: "alice", Recipients: []string{"bob"}})
	alice.readSnapshot(t)

	root := dialTestServer(t, srv)
	root.login(t, "root", "toor")
	root.send(t, protocol.TypeGroup, protocol.StatusRequest, "alice")

	pkt := root.read(t)
	if pkt.Type != protocol.TypeGroup || !pkt.StatusIs(protocol.StatusMessages) {
		t.Fatalf("expected GROUP MESSAGES, got %s %s", pkt.Type, pkt.Status)
	}
	msgs, err := pkt.DecodeMessages()
	if err != nil {
		t.Fatalf("failed to decode history: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Text != "one" {
		t.Errorf("unexpected history: %+v", msgs)
	}

	root.send(t, protocol.TypeGroup, protocol.StatusRequest, "nobody")
	root.expectError(t, "GROUP")
}

func TestHistoryRequestRequiresAdmin(t *testing.T) {
	srv := newTestServer(t)
	seedUser(t, srv, "alice", "pw", false)

	alice := dialTestServer(t, srv)
	alice.login(t, "alice", "pw")
	alice.send(t, protocol.TypeGroup, protocol.StatusRequest, "alice")
	alice.expectError(t, "GROUP")
}

func TestUnknownPacketTypeIgnored(t *testing.T) {
	srv := newTestServer(t)
	seedUser(t, srv, "alice", "pw", false)

	tc := dialTestServer(t, srv)
	tc.sendRaw(t, `{"type":"PING","status":"REQUEST"}`)
	tc.sendRaw(t, `{"type":"LOGOUT","status":"REQUEST"}`)

	// The session is still alive and usable.
	tc.login(t, "alice", "pw")
}

func TestMalformedPacketTerminatesSession(t *testing.T) {
	srv := newTestServer(t)

	tc := dialTestServer(t, srv)
	tc.sendRaw(t, "this is not a packet")

	tc.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := tc.reader.ReadBytes('\n'); err == nil {
		t.Error("server should close the connection on a malformed packet")
	}
}

func TestIdempotentReplayOverWire(t *testing.T) {
	srv := newTestServer(t)
	seedUser(t, srv, "alice", "pw", false)
	seedUser(t, srv, "bob", "pw", false)

	alice := dialTestServer(t, srv)
	alice.login(t, "alice", "pw")

	msg := models.Message{Timestamp: time.Now().UTC().Truncate(time.Millisecond), Text: "hi", Sender: "alice", Recipients: []string{"bob"}}
	alice.send(t, protocol.TypeMessages, protocol.StatusRequest, msg)
	alice.readSnapshot(t)
	alice.send(t, protocol.TypeMessages, protocol.StatusRequest, msg)
	convs := alice.readSnapshot(t)

	if len(convs) != 1 || len(convs[0].Messages) != 1 {
		t.Errorf("replayed message must be stored once, got %d conversations, %d messages",
			len(convs), len(convs[0].Messages))
	}
}
