package store

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"teamchat/models"
)

// Durable format, one record per line:
//
//	users file:    username|password|isAdmin
//	messages file: MESSAGE|<DM|GROUP>|<id>|<timestamp>|<sender>|<text>|<recipient,recipient,...>
//
// Text, sender and recipient fields are escaped so embedded pipes,
// commas and newlines survive the round trip. Both files are rewritten
// in full on every save and may be absent on first run.

const (
	messagePrefix = "MESSAGE"
	timeLayout    = time.RFC3339Nano
)

func (s *Store) loadUsers() error {
	f, err := os.Open(s.usersPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open users file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := strings.Split(line, "|")
		if len(parts) != 3 {
			continue
		}
		username := strings.TrimSpace(parts[0])
		password := strings.TrimSpace(parts[1])
		admin, err := strconv.ParseBool(strings.TrimSpace(parts[2]))
		if err != nil || username == "" {
			continue
		}
		if _, ok := s.byName[username]; ok {
			continue
		}
		u := &models.User{Username: username, Password: password, Admin: admin}
		s.users = append(s.users, u)
		s.byName[username] = u
	}
	return scanner.Err()
}

func (s *Store) saveUsers() error {
	s.mu.Lock()
	var b strings.Builder
	for _, u := range s.users {
		b.WriteString(u.Username)
		b.WriteByte('|')
		b.WriteString(u.Password)
		b.WriteByte('|')
		b.WriteString(strconv.FormatBool(u.Admin))
		b.WriteByte('\n')
	}
	s.mu.Unlock()
	return os.WriteFile(s.usersPath, []byte(b.String()), 0644)
}

func (s *Store) saveMessages() error {
	s.mu.Lock()
	var b strings.Builder
	for _, conv := range s.directs {
		writeConversation(&b, conv)
	}
	for _, conv := range s.groups {
		writeConversation(&b, conv)
	}
	s.mu.Unlock()
	return os.WriteFile(s.messagesPath, []byte(b.String()), 0644)
}

func writeConversation(b *strings.Builder, conv *models.Conversation) {
	for _, msg := range conv.Messages {
		b.WriteString(messagePrefix)
		b.WriteByte('|')
		b.WriteString(string(conv.Variant))
		b.WriteByte('|')
		b.WriteString(strconv.Itoa(conv.ID))
		b.WriteByte('|')
		b.WriteString(msg.Timestamp.Format(timeLayout))
		b.WriteByte('|')
		b.WriteString(escapeField(msg.Sender))
		b.WriteByte('|')
		b.WriteString(escapeField(msg.Text))
		b.WriteByte('|')
		for i, r := range msg.Recipients {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(escapeField(r))
		}
		b.WriteByte('\n')
	}
}

// loadMessages re-reads the log and rebuilds conversations. Messages
// are grouped by (variant, on-disk id); the participant set becomes the
// union of every sender and recipient seen for that key, and fresh ids
// are assigned from the counters, so on-disk ids do not survive a
// reload.
func (s *Store) loadMessages() error {
	f, err := os.Open(s.messagesPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open messages file: %w", err)
	}
	defer f.Close()

	type group struct {
		variant      models.Variant
		messages     []models.Message
		participants []string
		seen         map[string]struct{}
	}
	byKey := make(map[string]*group)
	var keyOrder []string

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, messagePrefix+"|") {
			continue
		}
		parts := splitUnescaped(line, '|')
		if len(parts) < 7 {
			continue
		}
		variant := models.Variant(parts[1])
		if variant != models.Direct && variant != models.Group {
			continue
		}
		if _, err := strconv.Atoi(parts[2]); err != nil {
			continue
		}
		timestamp, err := time.Parse(timeLayout, parts[3])
		if err != nil {
			continue
		}
		sender := unescapeField(parts[4])
		text := unescapeField(parts[5])
		var recipients []string
		for _, r := range splitUnescaped(parts[6], ',') {
			r = strings.TrimSpace(r)
			if r != "" {
				recipients = append(recipients, unescapeField(r))
			}
		}

		key := parts[1] + "|" + parts[2]
		g, ok := byKey[key]
		if !ok {
			g = &group{variant: variant, seen: make(map[string]struct{})}
			byKey[key] = g
			keyOrder = append(keyOrder, key)
		}
		g.messages = append(g.messages, models.Message{
			Timestamp:  timestamp,
			Text:       text,
			Sender:     sender,
			Recipients: recipients,
		})
		for _, name := range append([]string{sender}, recipients...) {
			if _, dup := g.seen[name]; !dup {
				g.seen[name] = struct{}{}
				g.participants = append(g.participants, name)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	for _, key := range keyOrder {
		g := byKey[key]
		conv := &models.Conversation{
			Variant:      g.variant,
			Participants: g.participants,
			Messages:     g.messages,
		}
		conv.SortMessages()
		if g.variant == models.Direct {
			conv.ID = s.nextDirectID
			s.nextDirectID++
			s.directs = append(s.directs, conv)
		} else {
			conv.ID = s.nextGroupID
			s.nextGroupID++
			s.groups = append(s.groups, conv)
		}
	}
	return nil
}

// splitUnescaped splits on the delimiter, leaving escaped characters
// untouched.
func splitUnescaped(s string, delimiter rune) []string {
	var parts []string
	var current strings.Builder
	escape := false

	for _, r := range s {
		if escape {
			current.WriteRune(r)
			escape = false
			continue
		}
		if r == '\\' {
			escape = true
			current.WriteRune(r)
			continue
		}
		if r == delimiter {
			parts = append(parts, current.String())
			current.Reset()
			continue
		}
		current.WriteRune(r)
	}

	parts = append(parts, current.String())
	return parts
}

func escapeField(s string) string {
	var result strings.Builder
	for _, r := range s {
		switch r {
		case '|':
			result.WriteString("\\|")
		case ',':
			result.WriteString("\\,")
		case '\\':
			result.WriteString("\\\\")
		case '\n':
			result.WriteString("\\n")
		case '\r':
			result.WriteString("\\r")
		default:
			result.WriteRune(r)
		}
	}
	return result.String()
}

func unescapeField(s string) string {
	var result strings.Builder
	escape := false

	for i, r := range s {
		if escape {
			switch r {
			case '|':
				result.WriteRune('|')
			case ',':
				result.WriteRune(',')
			case '\\':
				result.WriteRune('\\')
			case 'n':
				result.WriteRune('\n')
			case 'r':
				result.WriteRune('\r')
			default:
				result.WriteRune('\\')
				result.WriteRune(r)
			}
			escape = false
			continue
		}
		if r == '\\' {
			if i < len(s)-1 {
				escape = true
				continue
			}
		}
		result.WriteRune(r)
	}

	if escape {
		result.WriteRune('\\')
	}
	return result.String()
}
