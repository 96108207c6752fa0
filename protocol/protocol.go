// Package protocol defines the wire envelope exchanged between server
// and clients: one JSON object per line, carrying a packet type, a
// status tag and an ordered list of payload items. Each (type, status)
// pair decodes its items into a concrete payload struct.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"teamchat/models"
)

type Type string

const (
	TypeLogin    Type = "LOGIN"
	TypeLogout   Type = "LOGOUT"
	TypeUsers    Type = "USERS"
	TypeMessages Type = "MESSAGES"
	TypeGroup    Type = "GROUP"
	TypeError    Type = "ERROR"
)

// Status tags. Matching is case-insensitive; ERROR packets reuse the
// originating request's status as their own tag.
const (
	StatusRequest  = "REQUEST"
	StatusSingle   = "SINGLE"
	StatusSuccess  = "SUCCESS"
	StatusAll      = "ALL"
	StatusUpdate   = "UPDATE"
	StatusMessages = "MESSAGES"
)

var (
	ErrInvalidPacket = errors.New("invalid packet format")
	ErrEmptyContent  = errors.New("empty packet content")
)

// Packet is the wire envelope. Content items stay raw until a handler
// that knows the (type, status) pair decodes them.
type Packet struct {
	Type    Type              `json:"type"`
	Status  string            `json:"status"`
	Content []json.RawMessage `json:"content,omitempty"`
}

// Credentials is the LOGIN REQUEST payload.
type Credentials struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// New builds a packet, marshaling each content item in order.
func New(t Type, status string, items ...any) (*Packet, error) {
	pkt := &Packet{Type: t, Status: status}
	for _, item := range items {
		raw, err := json.Marshal(item)
		if err != nil {
			return nil, fmt.Errorf("marshal %s packet content: %w", t, err)
		}
		pkt.Content = append(pkt.Content, raw)
	}
	return pkt, nil
}

// Parse decodes a single packet line.
func Parse(line []byte) (*Packet, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, ErrInvalidPacket
	}
	var pkt Packet
	if err := json.Unmarshal(line, &pkt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPacket, err)
	}
	if pkt.Type == "" {
		return nil, ErrInvalidPacket
	}
	return &pkt, nil
}

// Encode renders the packet as one newline-terminated line.
func (p *Packet) Encode() ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// StatusIs matches the status tag case-insensitively.
func (p *Packet) StatusIs(status string) bool {
	return strings.EqualFold(p.Status, status)
}

// DecodeCredentials reads the first content item as login credentials.
func (p *Packet) DecodeCredentials() (Credentials, error) {
	var creds Credentials
	err := p.decodeFirst(&creds)
	return creds, err
}

// DecodeUser reads the first content item as a user.
func (p *Packet) DecodeUser() (models.User, error) {
	var user models.User
	err := p.decodeFirst(&user)
	return user, err
}

// DecodeText reads the first content item as a plain string, used for
// GROUP REQUEST targets and ERROR reasons.
func (p *Packet) DecodeText() (string, error) {
	var text string
	err := p.decodeFirst(&text)
	return text, err
}

// DecodeMessages reads every content item as a message.
func (p *Packet) DecodeMessages() ([]models.Message, error) {
	if len(p.Content) == 0 {
		return nil, ErrEmptyContent
	}
	msgs := make([]models.Message, 0, len(p.Content))
	for _, raw := range p.Content {
		var msg models.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// DecodeConversations reads every content item as a conversation. An
// empty content list is a valid empty conversation set.
func (p *Packet) DecodeConversations() ([]*models.Conversation, error) {
	convs := make([]*models.Conversation, 0, len(p.Content))
	for _, raw := range p.Content {
		var conv models.Conversation
		if err := json.Unmarshal(raw, &conv); err != nil {
			return nil, fmt.Errorf("decode conversation: %w", err)
		}
		convs = append(convs, &conv)
	}
	return convs, nil
}

func (p *Packet) decodeFirst(dst any) error {
	if len(p.Content) == 0 {
		return ErrEmptyContent
	}
	if err := json.Unmarshal(p.Content[0], dst); err != nil {
		return fmt.Errorf("decode %s %s content: %w", p.Type, p.Status, err)
	}
	return nil
}
