package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"rfidtrack/tracking"
)

const topicRoot = "rfidtrack"

// Publisher is the subset of Client the notifier needs.
type Publisher interface {
	Publish(topic string, payload []byte)
}

// StatusTopic is where node events for clientID are published.
func StatusTopic(clientID, event string) string {
	return fmt.Sprintf("%s/status/node/%s/%s", topicRoot, clientID, event)
}

// ControlTopic carries operator commands addressed to clientID.
func ControlTopic(clientID string) string {
	return fmt.Sprintf("%s/control/node/%s/command", topicRoot, clientID)
}

// Notifier broadcasts store changes. It implements tracking.Observer.
type Notifier struct {
	pub      Publisher
	clientID string
	now      func() time.Time
	logger   zerolog.Logger
}

func NewNotifier(pub Publisher, clientID string) *Notifier {
	return &Notifier{
		pub:      pub,
		clientID: clientID,
		now:      time.Now,
		logger:   log.With().Str("component", "mqtt").Logger(),
	}
}

func (n *Notifier) RecordAdded(r tracking.Record) {
	n.publish("record", r)
}

func (n *Notifier) StatusChanged(s tracking.Status) {
	n.publish("status", s)
}

func (n *Notifier) RecordsCleared(backup string) {
	n.publish("cleared", struct {
		Backup string `json:"backup"`
	}{backup})
}

// Ping publishes a liveness message every interval until ctx is done.
func (n *Notifier) Ping(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n.publish("ping", struct {
				At string `json:"at"`
			}{n.now().UTC().Format(time.RFC3339)})
		}
	}
}

func (n *Notifier) publish(event string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		n.logger.Error().Err(err).Str("event", event).Msg("encode notification")
		return
	}
	n.pub.Publish(StatusTopic(n.clientID, event), payload)
}
