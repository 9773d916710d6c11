package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/aeolun/chatroom/pkg/accounts"
	"github.com/aeolun/chatroom/pkg/database"
	"github.com/aeolun/chatroom/pkg/protocol"
)

// errSessionLeft ends the session loop after a "leave" status update
var errSessionLeft = errors.New("client left")

// handlerTimeout bounds the credential store calls made for one message
const handlerTimeout = 10 * time.Second

// handleMessage dispatches a decoded message according to the session state
func (s *Server) handleMessage(sess *Session, msg protocol.Message) error {
	switch m := msg.(type) {
	case *protocol.LoginRequest:
		return s.handleLogin(sess, m)
	case *protocol.RegisterRequest:
		return s.handleRegister(sess, m)
	case *protocol.Logout:
		return s.handleStatusUpdate(sess, protocol.ActionLogout)
	case *protocol.UserStatusUpdate:
		return s.handleStatusUpdate(sess, m.Action)
	case *protocol.BroadcastMessage:
		return s.handleBroadcast(sess, m)
	case *protocol.PrivateMessage:
		return s.handlePrivate(sess, m)
	case *protocol.UserListRequest:
		return s.handleUserList(sess)
	case *protocol.Heartbeat:
		return sess.Send(protocol.NewHeartbeat())
	default:
		// Responses, user lists and errors only flow server → client
		log.Printf("Session %d: ignoring client-sent %s", sess.ID, msg.Type())
		return nil
	}
}

// policyViolation logs a message that is not allowed in the current state.
// Nothing is sent back and the state does not change.
func policyViolation(sess *Session, msg protocol.MessageType) error {
	log.Printf("Session %d: %s not allowed while %s, ignored", sess.ID, msg, sess.State())
	return nil
}

func (s *Server) handleLogin(sess *Session, req *protocol.LoginRequest) error {
	if sess.State() != StatePending {
		return policyViolation(sess, req.Type())
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	account, err := s.store.Authenticate(ctx, req.Account, req.Password)
	if err != nil {
		var status protocol.Status
		var text string
		switch {
		case errors.Is(err, accounts.ErrAccountNotFound):
			status, text = protocol.StatusUserNotFound, "account not found"
		case errors.Is(err, accounts.ErrInvalidCredentials):
			status, text = protocol.StatusUnauthorized, "invalid credentials"
		default:
			errorLog.Printf("Session %d: login for %s failed: %v", sess.ID, req.Account, err)
			status, text = protocol.StatusError, "login failed"
		}
		s.metrics.RecordLogin(status.String())
		log.Printf("Session %d: login for account %s rejected (%s)", sess.ID, req.Account, status)
		return sess.Send(protocol.NewLoginResponse(status, req.Account, "", text))
	}

	s.promote(sess, account)
	s.metrics.RecordLogin(protocol.StatusSuccess.String())
	log.Printf("Session %d: account %s (%s) logged in", sess.ID, account.Account, account.Username)

	return sess.Send(protocol.NewLoginResponse(protocol.StatusSuccess, account.Account, account.Username, "login successful"))
}

func (s *Server) handleRegister(sess *Session, req *protocol.RegisterRequest) error {
	if sess.State() != StatePending {
		return policyViolation(sess, req.Type())
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	id, err := s.store.RegisterUser(ctx, req.Username, req.Password)
	if err != nil {
		status, text := protocol.StatusError, "registration failed"
		switch {
		case errors.Is(err, accounts.ErrInvalidUsername), errors.Is(err, accounts.ErrPasswordTooShort):
			status, text = protocol.StatusInvalidFormat, err.Error()
		default:
			errorLog.Printf("Session %d: registration failed: %v", sess.ID, err)
		}
		s.metrics.RecordRegistration(status.String())
		return sess.Send(protocol.NewRegisterResponse(status, "", text))
	}

	account, err := s.store.GetAccount(ctx, id)
	if err != nil {
		// The record is durable; fall back to what we just registered
		errorLog.Printf("Session %d: failed to reload account %s: %v", sess.ID, id, err)
		account = &database.Account{Account: id, Username: req.Username}
	}

	s.promote(sess, account)
	s.metrics.RecordRegistration(protocol.StatusSuccess.String())
	log.Printf("Session %d: registered account %s (%s)", sess.ID, id, req.Username)

	return sess.Send(protocol.NewRegisterResponse(protocol.StatusSuccess, id, "registered, your account is: "+id))
}

// promote moves a pending session to Authenticated, kicking any older
// session of the same account
func (s *Server) promote(sess *Session, account *database.Account) {
	sess.setAuthenticated(account.Account, account.Username)
	s.sessions.Authenticate(sess)
	s.store.MarkOnline(account, sess.ID)
}

func (s *Server) handleStatusUpdate(sess *Session, action string) error {
	switch action {
	case protocol.ActionLeave:
		return errSessionLeft

	case protocol.ActionLogout:
		if sess.State() != StateAuthenticated {
			return policyViolation(sess, protocol.TypeUserStatusUpdate)
		}
		account := sess.Account()
		if released := s.sessions.Demote(sess); released != "" {
			s.store.MarkOffline(released, sess.ID)
		}
		sess.setPending()
		log.Printf("Session %d: account %s logged out", sess.ID, account)
		return nil

	default:
		return fmt.Errorf("unknown status action %q", action)
	}
}

func (s *Server) handleBroadcast(sess *Session, msg *protocol.BroadcastMessage) error {
	if sess.State() != StateAuthenticated {
		return policyViolation(sess, msg.Type())
	}

	account := sess.Account()
	content := formatBroadcast(time.Now(), s.displayName(sess), sess.RemoteAddr, msg.Content)
	out := protocol.NewBroadcastMessage(account, content)

	delivered := s.sessions.Broadcast(out, sess)
	debugLog.Printf("Session %d: broadcast from %s delivered to %d sessions", sess.ID, account, delivered)
	return nil
}

func (s *Server) handlePrivate(sess *Session, msg *protocol.PrivateMessage) error {
	if sess.State() != StateAuthenticated {
		return policyViolation(sess, msg.Type())
	}

	account := sess.Account()
	content := formatWhisper(time.Now(), s.displayName(sess), account, msg.Content)
	out := protocol.NewPrivateMessage(account, msg.Receiver, content)

	if !s.sessions.Unicast(out) {
		log.Printf("Session %d: private message to %s dropped, receiver offline", sess.ID, msg.Receiver)
	}
	return nil
}

func (s *Server) handleUserList(sess *Session) error {
	if sess.State() != StateAuthenticated {
		return policyViolation(sess, protocol.TypeUserListRequest)
	}
	return sess.Send(protocol.NewUserListResponse(s.sessions.OnlineAccounts()))
}

// displayName resolves the registered username for a session's account
func (s *Server) displayName(sess *Session) string {
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	if a, err := s.store.GetAccount(ctx, sess.Account()); err == nil {
		return a.Username
	}
	return sess.Username()
}

// formatBroadcast renders "[HH:MM] username(remoteAddr): content"
func formatBroadcast(at time.Time, username, remoteAddr, content string) string {
	return fmt.Sprintf("[%s] %s(%s): %s", at.Format("15:04"), username, remoteAddr, content)
}

// formatWhisper renders "[HH:MM] username(account) whispers: content"
func formatWhisper(at time.Time, username, account, content string) string {
	return fmt.Sprintf("[%s] %s(%s) whispers: %s", at.Format("15:04"), username, account, content)
}
