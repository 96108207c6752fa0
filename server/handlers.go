package server

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"

	"teamchat/models"
	"teamchat/protocol"
	"teamchat/store"
)

// reply builds a packet and hands it to the session's writer.
func (s *Server) reply(sess *Session, t protocol.Type, status string, items ...any) {
	pkt, err := protocol.New(t, status, items...)
	if err != nil {
		s.log.Errorw("failed to build packet", "type", t, "status", status, "error", err)
		return
	}
	s.enqueue(sess, pkt)
}

// sendError reports a recoverable failure. The ERROR packet carries the
// originating request's status tag so the client can attribute it.
func (s *Server) sendError(sess *Session, origin, reason string) {
	s.reply(sess, protocol.TypeError, origin, reason)
}

func conversationItems(convs []*models.Conversation) []any {
	items := make([]any, len(convs))
	for i, c := range convs {
		items[i] = c
	}
	return items
}

func (s *Server) handleLogin(sess *Session, pkt *protocol.Packet) {
	if !pkt.StatusIs(protocol.StatusRequest) {
		return
	}

	creds, err := pkt.DecodeCredentials()
	if err != nil {
		s.sendError(sess, "LOGIN", "missing credentials")
		return
	}
	if err := s.validate.Struct(creds); err != nil {
		s.sendError(sess, "LOGIN", "missing credentials")
		return
	}

	user, ok := s.store.Authenticate(creds.Username, creds.Password)
	if !ok {
		// Connection stays open so the client can retry.
		s.sendError(sess, "LOGIN", "invalid username or password")
		return
	}

	sess.user = &user
	s.register(sess)
	s.log.Infow("login successful", "username", user.Username)

	s.reply(sess, protocol.TypeUsers, protocol.StatusSingle, user)

	// Always send the conversation set, even empty, so the client knows
	// login is complete.
	convs := s.store.ConversationsFor(user.Username)
	s.reply(sess, protocol.TypeGroup, protocol.StatusAll, conversationItems(convs)...)
}

func (s *Server) handleMessages(sess *Session, pkt *protocol.Packet) {
	if !pkt.StatusIs(protocol.StatusRequest) {
		return
	}
	if sess.user == nil {
		s.sendError(sess, "MESSAGES", "not logged in")
		return
	}

	msgs, err := pkt.DecodeMessages()
	if err != nil {
		s.sendError(sess, "MESSAGES", "no message content")
		return
	}

	for _, msg := range msgs {
		// All recipients must exist; otherwise the message is not
		// applied at all and the offenders are named to the sender.
		if unknown := s.store.UnknownRecipients(msg.Recipients); len(unknown) > 0 {
			s.sendError(sess, "MESSAGES", "invalid recipients: "+strings.Join(unknown, ", "))
			continue
		}

		participants, created := s.store.Apply(msg)
		if created {
			s.log.Debugw("conversation created", "participants", participants)
		}
		s.store.ScheduleSave(store.SaveMessages)
		s.fanOut(sess, participants)
	}
}

// fanOut pushes each participant's complete current conversation set as
// one ALL snapshot: the sender through its own session, everyone else
// through their registered output channel. Offline participants are
// skipped; they re-request the full set on next login.
func (s *Server) fanOut(origin *Session, participants []string) {
	seen := make(map[string]struct{}, len(participants))
	for _, name := range participants {
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}

		convs := s.store.ConversationsFor(name)
		pkt, err := protocol.New(protocol.TypeGroup, protocol.StatusAll, conversationItems(convs)...)
		if err != nil {
			s.log.Errorw("failed to build snapshot packet", "username", name, "error", err)
			continue
		}

		if origin.user != nil && name == origin.user.Username {
			s.enqueue(origin, pkt)
			continue
		}
		out, ok := s.output(name)
		if !ok {
			continue
		}
		select {
		case out <- pkt:
		default:
			s.log.Warnw("dropping snapshot for slow session", "username", name)
		}
	}
}

func (s *Server) handleUsers(sess *Session, pkt *protocol.Packet) {
	if !pkt.StatusIs(protocol.StatusRequest) {
		return
	}
	if sess.user == nil {
		s.sendError(sess, "USERS", "not logged in")
		return
	}
	if !sess.user.Admin {
		s.sendError(sess, "USERS", "admin privileges required")
		return
	}

	user, err := pkt.DecodeUser()
	if err != nil {
		s.sendError(sess, "USERS", "no user data provided")
		return
	}
	if err := s.validate.Struct(user); err != nil {
		s.sendError(sess, "USERS", "invalid user: "+validationReason(err))
		return
	}

	if err := s.store.CreateUser(user); err != nil {
		if errors.Is(err, store.ErrUserExists) {
			s.sendError(sess, "USERS", "username already exists")
			return
		}
		s.sendError(sess, "USERS", "internal error")
		return
	}
	s.store.ScheduleSave(store.SaveUsers)
	s.log.Infow("user created", "username", user.Username, "admin", user.Admin, "by", sess.user.Username)

	s.reply(sess, protocol.TypeUsers, protocol.StatusSuccess, user)
}

func (s *Server) handleGroup(sess *Session, pkt *protocol.Packet) {
	if !pkt.StatusIs(protocol.StatusRequest) {
		return
	}
	if sess.user == nil {
		s.sendError(sess, "GROUP", "not logged in")
		return
	}
	if !sess.user.Admin {
		s.sendError(sess, "GROUP", "admin privileges required")
		return
	}

	target, err := pkt.DecodeText()
	if err != nil || target == "" {
		s.sendError(sess, "GROUP", "no username provided")
		return
	}
	if _, ok := s.store.FindUser(target); !ok {
		s.sendError(sess, "GROUP", "user not found")
		return
	}

	msgs := s.store.MessagesBySender(target)
	items := make([]any, len(msgs))
	for i, m := range msgs {
		items[i] = m
	}
	s.reply(sess, protocol.TypeGroup, protocol.StatusMessages, items...)
}

func validationReason(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, e := range verrs {
		parts = append(parts, e.Field()+" "+e.Tag())
	}
	return strings.Join(parts, ", ")
}
