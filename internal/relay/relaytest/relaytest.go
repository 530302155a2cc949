// Package relaytest provides a capturing Relay for tests.
package relaytest

import (
	"bytes"
	"context"
	"sync"

	"github.com/themadorg/amane/internal/relay"
)

// Sent is one captured transaction.
type Sent struct {
	From  string
	Rcpts []string
	Data  []byte
}

// Capture records every Send instead of speaking SMTP. Err, when set, is
// returned from Send after recording.
type Capture struct {
	mu   sync.Mutex
	sent []Sent

	Err error
}

var _ relay.Relay = (*Capture)(nil)

func (c *Capture) Send(_ context.Context, from string, rcpts []string, msg relay.Message) error {
	var buf bytes.Buffer
	if err := msg.WriteTo(&buf); err != nil {
		return err
	}
	c.mu.Lock()
	c.sent = append(c.sent, Sent{From: from, Rcpts: append([]string(nil), rcpts...), Data: buf.Bytes()})
	c.mu.Unlock()
	return c.Err
}

// Sent returns the captured transactions in order.
func (c *Capture) Sent() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Sent(nil), c.sent...)
}
