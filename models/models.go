package models

import (
	"sort"
	"time"
)

// User is an entry in the server's user directory. Usernames are unique
// and act as the primary key everywhere else in the system.
type User struct {
	Username string `json:"username" validate:"required,excludesall=0x7C"`
	Password string `json:"password" validate:"required,excludesall=0x7C"`
	Admin    bool   `json:"admin"`
}

// Message is immutable once constructed. Recipients never include the
// sender.
type Message struct {
	Timestamp  time.Time `json:"timestamp"`
	Text       string    `json:"text"`
	Sender     string    `json:"sender"`
	Recipients []string  `json:"recipients"`
}

// Participants returns sender followed by recipients, in order and
// without deduplication.
func (m Message) Participants() []string {
	p := make([]string, 0, len(m.Recipients)+1)
	p = append(p, m.Sender)
	p = append(p, m.Recipients...)
	return p
}

// Same reports whether two messages are the same logical message.
// Identity is (sender, text, timestamp); recipients are not part of it.
func (m Message) Same(other Message) bool {
	return m.Sender == other.Sender &&
		m.Text == other.Text &&
		m.Timestamp.Equal(other.Timestamp)
}

// Variant distinguishes the two conversation kinds. Conversation ids
// are unique within a variant only, never across variants.
type Variant string

const (
	Direct Variant = "DM"
	Group  Variant = "GROUP"
)

// VariantFor picks the conversation kind for a participant list.
// Exactly two participants make a direct chat, anything else a group.
func VariantFor(participants []string) Variant {
	if len(participants) == 2 {
		return Direct
	}
	return Group
}

// Conversation is either a direct chat or a group, tagged by Variant.
// Participants keep the order the creating message gave them, messages
// stay sorted by timestamp.
type Conversation struct {
	Variant      Variant   `json:"variant"`
	ID           int       `json:"id"`
	Participants []string  `json:"participants"`
	Messages     []Message `json:"messages"`
}

// NewConversation builds a conversation seeded with its first message.
// The id comes from the caller's counter and is never changed after
// construction.
func NewConversation(variant Variant, id int, participants []string, seed Message) *Conversation {
	return &Conversation{
		Variant:      variant,
		ID:           id,
		Participants: append([]string(nil), participants...),
		Messages:     []Message{seed},
	}
}

// Contains reports whether username is a participant.
func (c *Conversation) Contains(username string) bool {
	for _, p := range c.Participants {
		if p == username {
			return true
		}
	}
	return false
}

// Matches compares the participant list against another one, ignoring
// order. Duplicate names count: ["a","a","b"] does not match ["a","b"].
func (c *Conversation) Matches(participants []string) bool {
	return ParticipantsMatch(c.Participants, participants)
}

// ParticipantsMatch compares two participant lists order-independently.
func ParticipantsMatch(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

// HasMessage reports whether an identical message is already stored.
func (c *Conversation) HasMessage(msg Message) bool {
	for _, m := range c.Messages {
		if m.Same(msg) {
			return true
		}
	}
	return false
}

// Append adds msg unless an identical one is already present, then
// restores timestamp order. Returns false for the duplicate case.
func (c *Conversation) Append(msg Message) bool {
	if c.HasMessage(msg) {
		return false
	}
	c.Messages = append(c.Messages, msg)
	c.SortMessages()
	return true
}

// SortMessages sorts by timestamp. The sort is stable, so messages with
// equal timestamps keep their insertion order.
func (c *Conversation) SortMessages() {
	sort.SliceStable(c.Messages, func(i, j int) bool {
		return c.Messages[i].Timestamp.Before(c.Messages[j].Timestamp)
	})
}

// Clone returns a deep copy safe to hand to another session.
func (c *Conversation) Clone() *Conversation {
	out := &Conversation{
		Variant:      c.Variant,
		ID:           c.ID,
		Participants: append([]string(nil), c.Participants...),
		Messages:     make([]Message, len(c.Messages)),
	}
	for i, m := range c.Messages {
		out.Messages[i] = m
		out.Messages[i].Recipients = append([]string(nil), m.Recipients...)
	}
	return out
}
