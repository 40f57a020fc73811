package ingest

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"syscall"
	"time"

	"fabric/internal/pack"
)

const maxAcceptDelay = time.Second

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()

	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.stopping.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else {
				delay = min(delay*2, maxAcceptDelay)
			}
			s.emit(0, pack.LevelError, "", fmt.Sprintf("accept failed, retry in %s: %v", delay, err))
			time.Sleep(delay)
			continue
		}
		delay = 0

		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *Server) serve(conn net.Conn) {
	defer s.wg.Done()

	id := ConnID(s.nextID.Add(1))
	peer := peerAddr(conn)
	s.registry.Add(id, peer, conn, s.now())
	s.metrics.ConnOpened()
	s.emit(id, pack.LevelInfo, "", fmt.Sprintf("connection %d accepted from %s", id, peer))

	// Stop may have snapshotted the registry before Add.
	if s.stopping.Load() {
		_ = conn.Close()
	}

	reason := s.readLoop(id, conn)
	_ = conn.Close()

	sess, _ := s.registry.Get(id)
	s.emit(id, pack.LevelWarn, sess.Account, disconnectDescription(sess, reason))
	s.registry.Remove(id)
	s.metrics.ConnClosed()
}

// readLoop returns nil when the peer or the server closed the connection,
// or the error that ended it.
func (s *Server) readLoop(id ConnID, conn net.Conn) error {
	fr := pack.NewFrameReader(conn, s.maxPayload)
	for {
		if s.cfg.IdleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}
		payload, err := fr.Next()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || s.stopping.Load() {
				return nil
			}
			return err
		}

		msg, err := pack.Decode(payload)
		if err != nil {
			s.metrics.Malformed()
			sess, _ := s.registry.Get(id)
			s.emit(id, pack.LevelWarn, sess.Account, fmt.Sprintf("connection %d sent undecodable payload of %d bytes: %v", id, len(payload), err))
			continue
		}
		s.handle(id, msg)
	}
}

func (s *Server) handle(id ConnID, msg pack.Message) {
	s.metrics.MessageReceived(msg.Type())
	s.publish(id, msg)

	login, ok := msg.(pack.Login)
	if !ok {
		return
	}
	account := login.Account.String()
	if s.auth != nil {
		if err := s.auth(login); err != nil {
			s.metrics.Login(false)
			s.emit(id, pack.LevelWarn, account, fmt.Sprintf("connection %d login rejected for account %s: %v", id, account, err))
			return
		}
	}
	sess, ok := s.registry.Identify(id, login, s.now())
	if !ok {
		return
	}
	s.metrics.Login(true)
	s.emit(id, pack.LevelInfo, sess.Account, fmt.Sprintf(
		"connection %d logged in: account=%s client_type=%s correlation_id=%s",
		id, sess.Account, sess.ClientType, sess.CorrelationID,
	))
}

func (s *Server) sendFailed(id ConnID, size int, err error) {
	s.metrics.SendFailed()
	var errno syscall.Errno
	code := 0
	switch {
	case errors.As(err, &errno):
		code = int(errno)
	case errors.Is(err, os.ErrDeadlineExceeded):
		code = int(syscall.ETIMEDOUT)
	}
	sess, _ := s.registry.Get(id)
	s.emit(id, pack.LevelError, sess.Account, fmt.Sprintf(
		"send %d bytes to connection %d failed: errno=%d error=%v", size, id, code, err,
	))
}

func disconnectDescription(sess Session, reason error) string {
	var b strings.Builder
	fmt.Fprintf(&b, "connection %d from %s closed", sess.ID, sess.Peer)
	if sess.Identified() {
		fmt.Fprintf(&b, ": account=%s client_type=%s", sess.Account, sess.ClientType)
	} else {
		b.WriteString(": not logged in")
	}
	if reason != nil {
		fmt.Fprintf(&b, ": %v", reason)
	}
	return b.String()
}

func peerAddr(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil && addr.String() != "" {
		return addr.String()
	}
	if addr := conn.LocalAddr(); addr != nil && addr.String() != "" {
		return addr.Network() + ":" + addr.String()
	}
	return "unknown"
}
