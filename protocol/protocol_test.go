package protocol

import (
	"errors"
	"testing"
	"time"

	"teamchat/models"
)

func TestEncodeParseRoundTrip(t *testing.T) {
	msg := models.Message{
		Timestamp:  time.Now().UTC().Truncate(time.Millisecond),
		Text:       "hello | with \"pipes\" and\nnewlines",
		Sender:     "alice",
		Recipients: []string{"bob", "carol"},
	}
	pkt, err := New(TypeMessages, StatusRequest, msg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	data, err := pkt.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if data[len(data)-1] != '\n' {
		t.Error("encoded packet must be newline-terminated")
	}

	parsed, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if parsed.Type != TypeMessages || parsed.Status != StatusRequest {
		t.Errorf("got type=%s status=%s", parsed.Type, parsed.Status)
	}

	msgs, err := parsed.DecodeMessages()
	if err != nil {
		t.Fatalf("DecodeMessages failed: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	got := msgs[0]
	if got.Text != msg.Text || got.Sender != msg.Sender || !got.Timestamp.Equal(msg.Timestamp) {
		t.Errorf("message did not survive round trip: %+v", got)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	for _, line := range []string{"", "   ", "not json", `{"status":"REQUEST"}`} {
		if _, err := Parse([]byte(line)); !errors.Is(err, ErrInvalidPacket) {
			t.Errorf("Parse(%q) should fail with ErrInvalidPacket, got %v", line, err)
		}
	}
}

func TestStatusIsCaseInsensitive(t *testing.T) {
	pkt := &Packet{Type: TypeGroup, Status: "all"}
	if !pkt.StatusIs(StatusAll) {
		t.Error("status matching must be case-insensitive")
	}
	if pkt.StatusIs(StatusUpdate) {
		t.Error("different statuses must not match")
	}
}

func TestDecodeCredentials(t *testing.T) {
	pkt, err := New(TypeLogin, StatusRequest, Credentials{Username: "alice", Password: "secret"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	creds, err := pkt.DecodeCredentials()
	if err != nil {
		t.Fatalf("DecodeCredentials failed: %v", err)
	}
	if creds.Username != "alice" || creds.Password != "secret" {
		t.Errorf("got %+v", creds)
	}
}

func TestDecodeEmptyContent(t *testing.T) {
	pkt := &Packet{Type: TypeLogin, Status: StatusRequest}
	if _, err := pkt.DecodeCredentials(); !errors.Is(err, ErrEmptyContent) {
		t.Errorf("expected ErrEmptyContent, got %v", err)
	}
	if _, err := pkt.DecodeMessages(); !errors.Is(err, ErrEmptyContent) {
		t.Errorf("expected ErrEmptyContent, got %v", err)
	}
}

func TestDecodeConversationsEmptyIsValid(t *testing.T) {
	pkt := &Packet{Type: TypeGroup, Status: StatusAll}
	convs, err := pkt.DecodeConversations()
	if err != nil {
		t.Fatalf("empty conversation set should decode: %v", err)
	}
	if len(convs) != 0 {
		t.Errorf("expected empty set, got %d", len(convs))
	}
}

func TestDecodeConversationVariant(t *testing.T) {
	conv := &models.Conversation{
		Variant:      models.Direct,
		ID:           7,
		Participants: []string{"alice", "bob"},
		Messages: []models.Message{
			{Timestamp: time.Now().UTC(), Text: "hi", Sender: "alice", Recipients: []string{"bob"}},
		},
	}
	pkt, err := New(TypeGroup, StatusAll, conv)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	data, err := pkt.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	parsed, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	convs, err := parsed.DecodeConversations()
	if err != nil {
		t.Fatalf("DecodeConversations failed: %v", err)
	}
	if len(convs) != 1 || convs[0].Variant != models.Direct || convs[0].ID != 7 {
		t.Errorf("conversation identity lost: %+v", convs[0])
	}
}
