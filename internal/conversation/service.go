// Package conversation links emails from the same correspondent into
// conversation groups and builds the prior-context block used when drafting
// replies.
package conversation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"

	"github.com/inboxpilot/inboxpilot/internal/models"
	"github.com/inboxpilot/inboxpilot/internal/store"
)

// defaultContextLimit caps how many prior emails feed the drafting context.
const defaultContextLimit = 10

// maxContextBody truncates each prior email body inside the context block.
const maxContextBody = 500

type Service struct {
	emails    store.EmailStore
	followUps store.FollowUpStore
	logger    *slog.Logger
}

func NewService(emails store.EmailStore, followUps store.FollowUpStore, logger *slog.Logger) *Service {
	return &Service{
		emails:    emails,
		followUps: followUps,
		logger:    logger.With("component", "conversation"),
	}
}

// GroupID derives the stable conversation key for a user/sender pair. The
// sender address is trimmed and lowercased first, so display-name and case
// variations land in the same group.
func GroupID(userID int64, sender string) string {
	sender = strings.ToLower(strings.TrimSpace(sender))
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d\n%s", userID, sender)))
	return hex.EncodeToString(sum[:])
}

// AggregateContext returns a structured block of the most recent prior
// emails exchanged with the sender, newest first, excluding excludeID. An
// empty string means there is no history.
func (s *Service) AggregateContext(ctx context.Context, userID int64, sender string, excludeID int64, limit int) (string, error) {
	if limit <= 0 {
		limit = defaultContextLimit
	}

	emails, err := s.emails.ListEmailsByGroup(ctx, userID, GroupID(userID, sender), excludeID, limit)
	if err != nil {
		return "", fmt.Errorf("list conversation emails: %w", err)
	}
	if len(emails) == 0 {
		return "", nil
	}

	var b strings.Builder
	b.WriteString("Previous conversation with this sender (newest first):\n")
	for _, email := range emails {
		role := "They wrote"
		if email.Direction == models.DirectionOutbound {
			role = "You replied"
		}
		body := email.Body
		if len(body) > maxContextBody {
			body = body[:maxContextBody] + "..."
		}
		fmt.Fprintf(&b, "\n[%s, %s]\nSubject: %s\n%s\n",
			role, email.ReceivedAt.Format("2006-01-02 15:04"), email.Subject, body)
	}
	return b.String(), nil
}

// CancelPendingFollowUps cancels every pending follow-up in the sender's
// conversation group and returns how many were cancelled. It is idempotent:
// repeated calls affect nothing once the group has no pending follow-ups.
func (s *Service) CancelPendingFollowUps(ctx context.Context, userID int64, sender, reason string) (int64, error) {
	groupID := GroupID(userID, sender)
	n, err := s.followUps.CancelPendingByGroup(ctx, groupID, reason)
	if err != nil {
		return 0, fmt.Errorf("cancel pending follow-ups: %w", err)
	}
	if n > 0 {
		s.logger.Info("cancelled pending follow-ups",
			"user_id", userID, "group_id", groupID, "count", n, "reason", reason)
	}
	return n, nil
}
