package notification

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/stanstork/fitsync/internal/models"
)

// Notifier pushes a stored sync notification (completed, completed with
// gaps, failed) to a channel outside the in-app feed. Implementations decide
// which severities they forward. A delivery error is logged and never
// fails the job that raised the event.
type Notifier interface {
	Notify(ctx context.Context, notification models.Notification) error
}

// alertRecipients trims the configured operator addresses and drops blanks
// and case-insensitive duplicates, keeping the first spelling.
func alertRecipients(configured []string) []string {
	seen := make(map[string]struct{}, len(configured))
	var recipients []string
	for _, addr := range configured {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		key := strings.ToLower(addr)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		recipients = append(recipients, addr)
	}
	return recipients
}

func channelName(n Notifier) string {
	if named, ok := n.(fmt.Stringer); ok {
		return named.String()
	}
	return fmt.Sprintf("%T", n)
}

func logDeliveryFailure(logger zerolog.Logger, err error, n Notifier, notif models.Notification) {
	logger.Warn().
		Err(err).
		Str("channel", channelName(n)).
		Str("notification_id", notif.ID).
		Str("owner_id", notif.OwnerID).
		Str("event", string(notif.EventType)).
		Str("severity", string(notif.Severity)).
		Msg("sync notification saved but not delivered")
}
