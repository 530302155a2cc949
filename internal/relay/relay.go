// Package relay hands finished messages to the upstream MTA over plain SMTP
// and owns the outbound formatting rules: header rewriting, the [ml_name]
// subject prefix, and RFC 2047 encoding in the tenant's charset.
//
// Sending is synchronous and not retried. Store mutations that preceded a
// failed send are kept; the failure is only logged by the caller.
package relay

import (
	"context"
	"fmt"
	"io"

	"github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"github.com/themadorg/amane/internal/metrics"
)

// ErrorSuffix is appended to a list's local-part to form the bounce address
// used as the envelope sender of every outbound message.
const ErrorSuffix = "-error"

// BounceAddress returns <mlName>-error@<domain>.
func BounceAddress(mlName, domain string) string {
	return mlName + ErrorSuffix + "@" + domain
}

// Message is anything that can serialize itself as an RFC 5322 message.
// *message.Entity satisfies it.
type Message interface {
	WriteTo(w io.Writer) error
}

// Relay delivers one message to a recipient set.
type Relay interface {
	Send(ctx context.Context, from string, rcpts []string, msg Message) error
}

// SMTP is the production Relay speaking to a fixed upstream host. One
// connection per send; no authentication, no TLS negotiation.
type SMTP struct {
	Host string
	Port int
	Log  *zap.Logger
}

var _ Relay = (*SMTP)(nil)

func (s *SMTP) Send(ctx context.Context, from string, rcpts []string, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(rcpts) == 0 {
		return fmt.Errorf("relay: no recipients")
	}

	addr := fmt.Sprintf("%s:%d", s.Host, s.Port)
	c, err := smtp.Dial(addr)
	if err != nil {
		metrics.RelayErrors.Inc()
		return fmt.Errorf("relay: dial %s: %w", addr, err)
	}
	defer c.Close()

	if err := s.transact(c, from, rcpts, msg); err != nil {
		metrics.RelayErrors.Inc()
		return err
	}
	metrics.PostsRelayed.Inc()
	s.Log.Info("relayed message",
		zap.String("envelope_from", from),
		zap.Int("recipients", len(rcpts)))
	return c.Quit()
}

func (s *SMTP) transact(c *smtp.Client, from string, rcpts []string, msg Message) error {
	if err := c.Mail(from, nil); err != nil {
		return fmt.Errorf("relay: MAIL FROM: %w", err)
	}
	for _, rcpt := range rcpts {
		if err := c.Rcpt(rcpt, nil); err != nil {
			return fmt.Errorf("relay: RCPT TO %s: %w", rcpt, err)
		}
	}
	wc, err := c.Data()
	if err != nil {
		return fmt.Errorf("relay: DATA: %w", err)
	}
	if err := msg.WriteTo(wc); err != nil {
		wc.Close()
		return fmt.Errorf("relay: write message: %w", err)
	}
	return wc.Close()
}
