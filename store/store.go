// Package store owns the server's authoritative state: the user
// directory and every conversation. State lives in memory first and is
// written back to flat files by a single background saver, so protocol
// handlers never wait on disk.
package store

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"teamchat/models"
)

var (
	ErrUserExists  = errors.New("user already exists")
	ErrUnknownUser = errors.New("unknown user")
)

// SaveKind selects which files a scheduled save rewrites.
type SaveKind int

const (
	SaveUsers SaveKind = 1 << iota
	SaveMessages
)

// Store guards all shared collections with one mutex so every
// read-modify-write sequence (find-or-create, append-then-sort,
// directory updates) is atomic with respect to the others.
type Store struct {
	mu      sync.Mutex
	users   []*models.User
	byName  map[string]*models.User
	directs []*models.Conversation
	groups  []*models.Conversation

	// Per-variant counters; ids are unique within a variant only.
	nextDirectID int
	nextGroupID  int

	usersPath    string
	messagesPath string

	saves chan SaveKind
	done  chan struct{}
	wg    sync.WaitGroup

	log *zap.SugaredLogger
}

// Open loads both files (absent files mean an empty state) and starts
// the background saver.
func Open(usersPath, messagesPath string, log *zap.SugaredLogger) (*Store, error) {
	s := &Store{
		byName:       make(map[string]*models.User),
		usersPath:    usersPath,
		messagesPath: messagesPath,
		saves:        make(chan SaveKind, 64),
		done:         make(chan struct{}),
		log:          log,
	}

	if err := s.loadUsers(); err != nil {
		return nil, err
	}
	if err := s.loadMessages(); err != nil {
		return nil, err
	}

	s.wg.Add(1)
	go s.saveLoop()

	return s, nil
}

// Close stops the saver after one final flush of both files.
func (s *Store) Close() {
	close(s.done)
	s.wg.Wait()
	s.Flush()
}

// ScheduleSave queues an asynchronous rewrite. It never blocks: if the
// queue is full the request is dropped, which is safe because every
// save rewrites the full current state.
func (s *Store) ScheduleSave(kind SaveKind) {
	select {
	case s.saves <- kind:
	default:
	}
}

// Flush writes both files synchronously. Used at shutdown and in tests.
func (s *Store) Flush() {
	if err := s.saveUsers(); err != nil {
		s.log.Errorw("failed to save users", "path", s.usersPath, "error", err)
	}
	if err := s.saveMessages(); err != nil {
		s.log.Errorw("failed to save messages", "path", s.messagesPath, "error", err)
	}
}

// saveLoop is the single writer of both files. Requests arriving while
// a write is pending are coalesced into one rewrite.
func (s *Store) saveLoop() {
	defer s.wg.Done()
	for {
		var kind SaveKind
		select {
		case kind = <-s.saves:
		case <-s.done:
			return
		}
	drain:
		for {
			select {
			case more := <-s.saves:
				kind |= more
			default:
				break drain
			}
		}
		if kind&SaveUsers != 0 {
			if err := s.saveUsers(); err != nil {
				s.log.Errorw("failed to save users", "path", s.usersPath, "error", err)
			}
		}
		if kind&SaveMessages != 0 {
			if err := s.saveMessages(); err != nil {
				s.log.Errorw("failed to save messages", "path", s.messagesPath, "error", err)
			}
		}
	}
}

// Authenticate returns the user matching both username and password.
func (s *Store) Authenticate(username, password string) (models.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byName[username]
	if !ok || u.Password != password {
		return models.User{}, false
	}
	return *u, true
}

// FindUser looks a user up by name.
func (s *Store) FindUser(username string) (models.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byName[username]
	if !ok {
		return models.User{}, false
	}
	return *u, true
}

// CreateUser adds a user to the directory. Usernames are unique.
func (s *Store) CreateUser(user models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byName[user.Username]; ok {
		return ErrUserExists
	}
	u := user
	s.users = append(s.users, &u)
	s.byName[u.Username] = &u
	return nil
}

// Users returns a copy of the directory in load order.
func (s *Store) Users() []models.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.User, len(s.users))
	for i, u := range s.users {
		out[i] = *u
	}
	return out
}

// UnknownRecipients returns the names in the list that are not known
// users, preserving input order.
func (s *Store) UnknownRecipients(names []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var unknown []string
	for _, name := range names {
		if _, ok := s.byName[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	return unknown
}

// Apply resolves the message's participant set to a conversation,
// creating one when no existing participant set matches, and appends
// the message idempotently. A message identical to one already stored
// is not applied twice. Returns the conversation's participant list
// for fan-out and whether a new conversation was created.
func (s *Store) Apply(msg models.Message) ([]string, bool) {
	participants := msg.Participants()
	variant := models.VariantFor(participants)

	s.mu.Lock()
	defer s.mu.Unlock()

	list := &s.groups
	if variant == models.Direct {
		list = &s.directs
	}

	for _, conv := range *list {
		if conv.Matches(participants) {
			conv.Append(msg)
			return append([]string(nil), conv.Participants...), false
		}
	}

	var id int
	if variant == models.Direct {
		id = s.nextDirectID
		s.nextDirectID++
	} else {
		id = s.nextGroupID
		s.nextGroupID++
	}
	conv := models.NewConversation(variant, id, participants, msg)
	*list = append(*list, conv)
	return append([]string(nil), conv.Participants...), true
}

// ConversationsFor returns deep copies of every conversation the user
// belongs to, groups first, then direct chats.
func (s *Store) ConversationsFor(username string) []*models.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Conversation
	for _, conv := range s.groups {
		if conv.Contains(username) {
			out = append(out, conv.Clone())
		}
	}
	for _, conv := range s.directs {
		if conv.Contains(username) {
			out = append(out, conv.Clone())
		}
	}
	return out
}

// MessagesBySender collects every message the user sent across all
// conversations, sorted by timestamp.
func (s *Store) MessagesBySender(username string) []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Message
	for _, conv := range s.groups {
		for _, msg := range conv.Messages {
			if msg.Sender == username {
				out = append(out, msg)
			}
		}
	}
	for _, conv := range s.directs {
		for _, msg := range conv.Messages {
			if msg.Sender == username {
				out = append(out, msg)
			}
		}
	}
	holder := models.Conversation{Messages: out}
	holder.SortMessages()
	return holder.Messages
}

// ConversationCount reports how many conversations of each variant
// exist, for the control socket stats.
func (s *Store) ConversationCount() (directs, groups int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.directs), len(s.groups)
}
