// Package smtpd is the SMTP ingress endpoint. Every accepted connection
// gets its own session; sessions are independent and only share state
// through the store.
package smtpd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"github.com/themadorg/amane/internal/metrics"
)

// Endpoint wraps the go-smtp server around a Handler.
type Endpoint struct {
	srv *smtp.Server
	log *zap.Logger
}

func NewEndpoint(h *Handler, listenAddress string, listenPort int) *Endpoint {
	be := &backend{handler: h}
	srv := smtp.NewServer(be)
	srv.Addr = fmt.Sprintf("%s:%d", listenAddress, listenPort)
	srv.Domain = h.Domain
	srv.ReadTimeout = 10 * time.Second
	srv.WriteTimeout = 10 * time.Second
	srv.MaxMessageBytes = 50 * 1024 * 1024
	srv.MaxRecipients = 50
	srv.AllowInsecureAuth = true
	return &Endpoint{srv: srv, log: h.Log}
}

func (e *Endpoint) ListenAndServe() error {
	e.log.Info("listening", zap.String("addr", e.srv.Addr))
	return e.srv.ListenAndServe()
}

func (e *Endpoint) Close() error {
	return e.srv.Close()
}

type backend struct {
	handler *Handler
}

func (b *backend) NewSession(_ *smtp.Conn) (smtp.Session, error) {
	return &session{handler: b.handler}, nil
}

// session accumulates one mail transaction. The envelope is recorded but the
// author identity is later reconstructed from the message's From header.
type session struct {
	handler *Handler
	from    string
	rcpts   []string
}

func (s *session) Reset() {
	s.from = ""
	s.rcpts = nil
}

func (s *session) Mail(from string, _ *smtp.MailOptions) error {
	s.from = from
	return nil
}

func (s *session) Rcpt(to string, _ *smtp.RcptOptions) error {
	s.rcpts = append(s.rcpts, to)
	return nil
}

func (s *session) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	metrics.MessagesProcessed.Inc()
	if rep := s.handler.Process(context.Background(), s.from, s.rcpts, data); rep != nil {
		return rep
	}
	return nil
}

func (s *session) Logout() error {
	return nil
}
