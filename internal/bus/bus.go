// Package bus mirrors journal publishes onto NATS subjects so external
// observers can tail sessions without touching the kernel. The mirror
// is fire-and-forget: it never sits on the durability path.
package bus

import (
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/vinayprograms/aios/internal/event"
	"github.com/vinayprograms/aios/internal/logging"
)

// Bridge publishes every journal record to
// <prefix>.<session-id>.<branch-id>.
type Bridge struct {
	conn   *nats.Conn
	prefix string
	log    *logging.Logger
}

// Connect dials NATS and returns a bridge ready to register as a
// journal mirror.
func Connect(url, subjectPrefix string) (*Bridge, error) {
	conn, err := nats.Connect(url,
		nats.Name("aios-event-mirror"),
		nats.RetryOnFailedConnect(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect event bus: %w", err)
	}
	if subjectPrefix == "" {
		subjectPrefix = "aios.events"
	}
	return &Bridge{
		conn:   conn,
		prefix: subjectPrefix,
		log:    logging.Default.WithComponent("bus"),
	}, nil
}

// Publish implements journal.Mirror. Failures are logged and dropped;
// the journal remains authoritative.
func (b *Bridge) Publish(rec *event.Record) {
	line, err := event.EncodeLine(rec)
	if err != nil {
		return
	}
	subject := fmt.Sprintf("%s.%s.%s", b.prefix, rec.SessionID, rec.BranchID)
	if err := b.conn.Publish(subject, line); err != nil {
		b.log.Warn("event mirror publish failed", map[string]interface{}{
			"subject": subject,
			"error":   err.Error(),
		})
	}
}

// Close drains and closes the connection.
func (b *Bridge) Close() {
	b.conn.Drain()
}
