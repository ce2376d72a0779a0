package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/NicolasHaas/linechat/pkg/model"
	"github.com/NicolasHaas/linechat/pkg/protocol"
)

var (
	errInterrupted = errors.New("server: session interrupted")
	errStorage     = errors.New("server: storage failure")
)

// Session runs the line protocol for one client connection: greeting, login or
// registration, then the chat loop.
//
// Reads happen on the session goroutine. Writes go through a bounded outbound
// queue drained by a dedicated writer goroutine, so broadcasts from other
// sessions never block on this client's socket.
type Session struct {
	id     string
	conn   net.Conn
	srv    *Server
	log    *slog.Logger
	reader *protocol.LineReader

	user        atomic.Pointer[model.User]
	interrupted atomic.Bool
	joined      bool // join announced; only touched by the session goroutine

	out        chan string
	stop       chan struct{} // closed once the session stops producing output
	writerDone chan struct{} // closed when writeLoop exits
}

func (srv *Server) newSession(conn net.Conn) *Session {
	id := uuid.NewString()
	return &Session{
		id:         id,
		conn:       conn,
		srv:        srv,
		log:        srv.log.With("session", id, "remote", conn.RemoteAddr().String()),
		reader:     protocol.NewLineReader(conn, srv.cfg.MaxLineLength),
		out:        make(chan string, max(srv.cfg.OutboundQueue, 1)),
		stop:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

// ID returns the session's connection ID.
func (s *Session) ID() string { return s.id }

// User returns the authenticated user, or nil before login or registration
// succeeds.
func (s *Session) User() *model.User { return s.user.Load() }

func (s *Session) logger() *slog.Logger {
	if u := s.User(); u != nil {
		return s.log.With("user", u.Username)
	}
	return s.log
}

// serve runs the session to completion and always releases it.
func (s *Session) serve(ctx context.Context) {
	go s.writeLoop()
	defer s.terminate()

	user, err := s.handshake(ctx)
	if err != nil {
		s.logEnd(err)
		return
	}

	s.send(fmt.Sprintf(lineLoggedInAs, user.Username))
	s.send(lineChatHint)
	s.send(lineQuitHint)
	s.send(lineMyMsgsHint)
	s.joined = true
	s.broadcast(fmt.Sprintf(lineJoined, user.Username))
	s.logger().Info("client authenticated")

	s.logEnd(s.chat(ctx))
}

// handshake asks whether the client has an account and runs the matching
// branch until it yields an authenticated user.
func (s *Session) handshake(ctx context.Context) (*model.User, error) {
	s.send(lineGreeting)
	for {
		line, err := s.readLine()
		if err != nil {
			return nil, err
		}
		switch protocol.ParseAnswer(line) {
		case protocol.AnswerYes:
			return s.login(ctx)
		case protocol.AnswerNo:
			return s.register(ctx)
		}
		s.send(lineAnswerYesNo)
	}
}

func (s *Session) readCredentials(prompt string) (username, password string, err error) {
	s.send(prompt)
	if username, err = s.readLine(); err != nil {
		return "", "", err
	}
	s.send(lineEnterPassword)
	if password, err = s.readLine(); err != nil {
		return "", "", err
	}
	return strings.TrimSpace(username), password, nil
}

// login retries until the credentials match. Unknown users and wrong passwords
// get the same reply.
func (s *Session) login(ctx context.Context) (*model.User, error) {
	for {
		username, password, err := s.readCredentials(lineEnterUsername)
		if err != nil {
			return nil, err
		}

		user, err := s.srv.creds.Authenticate(ctx, username, password)
		if err != nil {
			return nil, s.storageFailure("authenticate", err)
		}
		if user == nil {
			s.srv.metrics.FailedAuths.Add(1)
			s.log.Info("login failed", "username", username)
			s.send(lineLoginFailed)
			continue
		}
		if !s.srv.registry.Bind(s, user, s.srv.cfg.SingleSession) {
			s.srv.metrics.RejectedLogins.Add(1)
			s.log.Info("login rejected: user already connected", "username", user.Username)
			s.send(lineAlreadyLoggedIn)
			continue
		}

		s.srv.metrics.SuccessfulAuths.Add(1)
		s.send(fmt.Sprintf(lineWelcomeBack, user.Username))
		if err := s.offerHistory(ctx, username, password); err != nil {
			return nil, err
		}
		return user, nil
	}
}

// offerHistory asks once whether to replay saved messages. Anything but a yes
// skips the replay.
func (s *Session) offerHistory(ctx context.Context, username, password string) error {
	s.send(lineHistoryOffer)
	line, err := s.readLine()
	if err != nil {
		return err
	}
	if protocol.ParseAnswer(line) != protocol.AnswerYes {
		s.send(lineHistorySkipped)
		return nil
	}

	loaded, err := s.srv.creds.LoadWithHistory(ctx, username, password)
	if err != nil {
		return s.storageFailure("load history", err)
	}
	var messages []model.Message
	if loaded != nil {
		messages = loaded.Messages
	}
	s.sendHistory(lineHistoryHeader, messages)
	return nil
}

// register retries until an account is created. Invalid input and taken
// usernames loop back to the username prompt.
func (s *Session) register(ctx context.Context) (*model.User, error) {
	for {
		s.send(lineRegisterUsername)
		username, err := s.readLine()
		if err != nil {
			return nil, err
		}
		username = strings.TrimSpace(username)
		if err := model.ValidateUsername(username); err != nil {
			s.send(fmt.Sprintf(lineInvalidUsername, err))
			continue
		}

		s.send(lineEnterPassword)
		password, err := s.readLine()
		if err != nil {
			return nil, err
		}
		if err := model.ValidatePassword(password); err != nil {
			if errors.Is(err, model.ErrPasswordEmpty) {
				s.send(linePasswordEmpty)
			} else {
				s.send(fmt.Sprintf(lineInvalidPassword, err))
			}
			continue
		}

		user, err := s.srv.creds.Register(ctx, username, password)
		if err != nil {
			return nil, s.storageFailure("register", err)
		}
		if user == nil {
			s.send(lineUsernameTaken)
			continue
		}
		s.srv.metrics.Registrations.Add(1)
		s.log.Info("account created", "username", user.Username, "user_id", user.ID)

		if !s.srv.registry.Bind(s, user, s.srv.cfg.SingleSession) {
			s.srv.metrics.RejectedLogins.Add(1)
			s.send(lineAlreadyLoggedIn)
			continue
		}
		s.send(fmt.Sprintf(lineAccountCreated, user.Username))
		return user, nil
	}
}

// chat relays lines until /quit, end of stream or a failure.
func (s *Session) chat(ctx context.Context) error {
	user := s.User()
	for {
		line, err := s.readLine()
		if err != nil {
			return err
		}

		switch protocol.ParseCommand(line) {
		case protocol.CommandQuit:
			s.send(lineGoodbye)
			return nil
		case protocol.CommandMyMessages:
			messages, err := s.srv.messages.MessagesByUser(ctx, user.ID)
			if err != nil {
				return s.storageFailure("list messages", err)
			}
			s.sendHistory(lineMyMessagesHeader, messages)
			continue
		}

		text := protocol.Sanitize(line)
		if protocol.IsBlank(text) {
			continue
		}
		if _, err := s.srv.messages.SaveMessage(ctx, user.ID, text, s.srv.now()); err != nil {
			return s.storageFailure("save message", err)
		}
		s.srv.metrics.ChatMessagesSent.Add(1)
		s.logger().Debug("chat message", "text", text)
		s.broadcast(fmt.Sprintf(lineChat, user.Username, text))
	}
}

func (s *Session) sendHistory(header string, messages []model.Message) {
	if len(messages) == 0 {
		s.send(lineNoMessages)
		return
	}
	s.send(header)
	for _, m := range messages {
		s.send(m.HistoryLine())
	}
}

func (s *Session) storageFailure(op string, err error) error {
	s.srv.metrics.StorageErrors.Add(1)
	s.logger().Error("storage failure", "op", op, "err", err)
	s.send(lineInternalError)
	return fmt.Errorf("%w: %s", errStorage, op)
}

func (s *Session) broadcast(line string) {
	delivered, dropped := s.srv.registry.Broadcast(line, s)
	s.srv.metrics.BroadcastLines.Add(int64(delivered))
	if dropped > 0 {
		s.srv.metrics.BroadcastsDropped.Add(int64(dropped))
		s.logger().Warn("broadcast dropped for slow recipients", "dropped", dropped)
	}
}

// readLine reads one client line, honoring the idle timeout. Once the session
// is interrupted every call fails with errInterrupted.
func (s *Session) readLine() (string, error) {
	if idle := s.srv.cfg.IdleTimeout; idle > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(idle))
	}
	// Checked after arming the deadline so a concurrent interrupt's
	// deadline is never overwritten unnoticed.
	if s.interrupted.Load() {
		return "", errInterrupted
	}
	line, err := s.reader.ReadLine()
	if err != nil && s.interrupted.Load() {
		return "", errInterrupted
	}
	return line, err
}

// interrupt makes the pending and all future reads fail. Safe to call from
// any goroutine.
func (s *Session) interrupt() {
	s.interrupted.Store(true)
	_ = s.conn.SetReadDeadline(time.Now())
}

// notifyShutdown queues the shutdown notice and ends the session.
func (s *Session) notifyShutdown() {
	s.deliver(lineShuttingDown)
	s.interrupt()
}

// send queues a line for this client, waiting for room in the queue. It only
// gives up when the writer has exited.
func (s *Session) send(line string) {
	select {
	case s.out <- line:
	case <-s.writerDone:
	}
}

// deliver queues a line from another session without blocking. It reports
// false when the queue is full or the session is closing.
func (s *Session) deliver(line string) bool {
	select {
	case <-s.stop:
		return false
	case <-s.writerDone:
		return false
	default:
	}
	select {
	case s.out <- line:
		return true
	default:
		return false
	}
}

// writeLoop is the single consumer of s.out. After stop is closed it flushes
// what is already queued and exits.
func (s *Session) writeLoop() {
	defer close(s.writerDone)
	for {
		select {
		case line := <-s.out:
			if !s.write(line) {
				return
			}
		case <-s.stop:
			for {
				select {
				case line := <-s.out:
					if !s.write(line) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (s *Session) write(line string) bool {
	if t := s.srv.cfg.WriteTimeout; t > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(t))
	}
	if err := protocol.WriteLine(s.conn, line); err != nil {
		s.logger().Debug("write failed, closing session", "err", err)
		s.interrupt()
		return false
	}
	return true
}

// terminate removes the session from the registry, announces the departure,
// flushes pending output and closes the connection. It runs exactly once, as
// the deferred tail of serve.
func (s *Session) terminate() {
	s.srv.registry.Remove(s)
	if u := s.User(); u != nil && s.joined {
		s.broadcast(fmt.Sprintf(lineLeft, u.Username))
	}

	close(s.stop)
	select {
	case <-s.writerDone:
	case <-time.After(s.srv.drainTimeout()):
	}
	_ = s.conn.Close()
	<-s.writerDone

	s.srv.metrics.ActiveConnections.Add(-1)
	s.srv.metrics.TotalDisconnects.Add(1)
}

func (s *Session) logEnd(err error) {
	log := s.logger()
	var netErr net.Error
	switch {
	case err == nil:
		log.Info("client quit")
	case errors.Is(err, io.EOF):
		log.Info("client disconnected")
	case errors.Is(err, errInterrupted):
		log.Info("session closed by server")
	case errors.Is(err, errStorage):
		// already logged with detail
	case errors.Is(err, protocol.ErrLineTooLong):
		log.Warn("client sent an over-long line, closing")
	case errors.As(err, &netErr) && netErr.Timeout():
		log.Info("client idle timeout")
	default:
		log.Info("client connection error", "err", err)
	}
}
