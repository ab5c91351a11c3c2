package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	pubnub "github.com/pubnub/go"
)

// Notifier delivers best-effort messages to a participant's channel.
type Notifier interface {
	Publish(ctx context.Context, channel string, message map[string]any) error
}

type PubNubNotifier struct {
	pubnub *pubnub.PubNub
}

func NewPubNubNotifier(pn *pubnub.PubNub) *PubNubNotifier {
	return &PubNubNotifier{pubnub: pn}
}

func (n *PubNubNotifier) Publish(_ context.Context, channel string, message map[string]any) error {
	_, _, err := n.pubnub.Publish().
		Channel(channel).
		Message(message).
		Execute()
	return err
}

// NopNotifier drops every message. Used when PubNub is not configured.
type NopNotifier struct{}

func (NopNotifier) Publish(context.Context, string, map[string]any) error { return nil }

func participantChannel(externalID int64) string {
	return fmt.Sprintf("user-%d", externalID)
}

func (s *QueueService) notify(ctx context.Context, externalID int64, message map[string]any) {
	message["message_id"] = uuid.NewString()
	message["sent_at"] = s.now().Unix()

	if err := s.notifier.Publish(ctx, participantChannel(externalID), message); err != nil {
		slog.Warn("Failed to publish notification",
			"externalID", externalID,
			"type", message["type"],
			"error", err,
		)
	}
}

func (s *QueueService) notifyCalled(ctx context.Context, queueID int64, called CalledParticipant) {
	s.notify(ctx, called.ExternalID, map[string]any{
		"type":     "queue_called",
		"queue_id": queueID,
		"entry_id": called.EntryID,
		"message":  "It's your turn! Please come to the stand.",
	})
}

// shouldNotifyPosition throttles position updates: everyone near the front
// hears about every move, people further back only occasionally.
func shouldNotifyPosition(position int) bool {
	switch {
	case position <= 5:
		return true
	case position <= 20:
		return position%2 == 0
	case position <= 100:
		return position%10 == 0
	}
	return position%50 == 0
}

func positionMessage(position int, etaMinutes float64) string {
	switch {
	case position == 1:
		return "You're next!"
	case position <= 5:
		return fmt.Sprintf("Almost there! You're #%d, about %s min", position, formatMinutes(etaMinutes))
	}
	return fmt.Sprintf("You are #%d in line, about %s min", position, formatMinutes(etaMinutes))
}

// notifyPositions tells the participants still waiting where they stand after
// the line moved.
func (s *QueueService) notifyPositions(ctx context.Context, queueID int64, perPersonMinutes float64) {
	ids, _, err := s.coord.Waiting(ctx, queueID)
	if err != nil {
		slog.Warn("Skipping position notifications", "queueID", queueID, "error", err)
		return
	}

	var notify []int64
	for i, id := range ids {
		if shouldNotifyPosition(i + 1) {
			notify = append(notify, id)
		}
	}
	if len(notify) == 0 {
		return
	}

	participants, err := s.ledger.GetParticipants(ctx, notify)
	if err != nil {
		slog.Warn("Skipping position notifications", "queueID", queueID, "error", err)
		return
	}

	start := time.Now()
	for i, id := range ids {
		position := i + 1
		p, ok := participants[id]
		if !ok || !shouldNotifyPosition(position) {
			continue
		}
		eta := roundMinutes(perPersonMinutes * float64(position))
		s.notify(ctx, p.ExternalID, map[string]any{
			"type":        "queue_position",
			"queue_id":    queueID,
			"position":    position,
			"eta_minutes": eta,
			"message":     positionMessage(position, eta),
		})
	}
	slog.Debug("Position notifications sent", "queueID", queueID, "count", len(participants), "took", time.Since(start))
}
