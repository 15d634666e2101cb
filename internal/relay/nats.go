// Package relay forwards timer frames to other services.
package relay

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/shaunagostinho/k1timer/internal/track"
)

// DefaultSubject is the subject prefix frames are published under.
const DefaultSubject = "k1timer.results"

var log = logrus.WithField("component", "relay")

type publisher interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// NATS publishes frames as JSON on "<subject>.<frame type>".
type NATS struct {
	conn    publisher
	subject string
}

// DialNATS connects to the server at url. The connection reconnects on its
// own; publishes while disconnected are buffered by the client.
func DialNATS(url, subject string) (*NATS, error) {
	nc, err := nats.Connect(url,
		nats.Name("k1timer"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warnf("disconnected from %s: %v", url, err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Infof("reconnected to %s", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("relay: connect %s: %w", url, err)
	}
	log.Infof("publishing frames to %s under %s.*", url, subjectOrDefault(subject))
	return newNATS(nc, subject), nil
}

func newNATS(conn publisher, subject string) *NATS {
	return &NATS{conn: conn, subject: subjectOrDefault(subject)}
}

func subjectOrDefault(s string) string {
	if s == "" {
		return DefaultSubject
	}
	return s
}

// Subject returns the subject a frame of the given type is published on.
func (n *NATS) Subject(frameType string) string {
	return n.subject + "." + frameType
}

// Publish implements track.Sink.
func (n *NATS) Publish(fr track.Frame) error {
	data, err := json.Marshal(fr)
	if err != nil {
		return fmt.Errorf("relay: encode frame: %w", err)
	}
	if err := n.conn.Publish(n.Subject(fr.Type), data); err != nil {
		return fmt.Errorf("relay: publish %s: %w", n.Subject(fr.Type), err)
	}
	return nil
}

// Close flushes pending publishes and closes the connection.
func (n *NATS) Close() error {
	return n.conn.Drain()
}
