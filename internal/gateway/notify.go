package gateway

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"

	"github.com/alfredjeanlab/switchboard/internal/directory"
	"github.com/alfredjeanlab/switchboard/internal/model"
	"github.com/alfredjeanlab/switchboard/internal/presence"
)

// Notifier derives notifications from a freshly published message. It runs
// after the message is persisted and published; its failure never undoes
// either.
type Notifier interface {
	// MessageCreated is called with the new message and, for a reply, the
	// message it replies to (nil otherwise).
	MessageCreated(ctx context.Context, m *Message, parent *Message) error
}

// Notification kinds.
const (
	NotificationMention = "mention"
	NotificationReply   = "reply"
)

// Notification is the notification.new payload.
type Notification struct {
	Kind       string `json:"kind"`
	MessageID  string `json:"message_id"`
	ResourceID string `json:"resource_id"`
	ActorID    string `json:"actor_id"`
}

var mentionRE = regexp.MustCompile(`<@([A-Za-z0-9_-]+)>`)

// Mentions returns the distinct user ids mentioned as <@id> in content, in
// order of first appearance.
func Mentions(content string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range mentionRE.FindAllStringSubmatch(content, -1) {
		if id := m[1]; !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// MentionNotifier publishes notification.new to user:<id> for each user
// mentioned in a message and to the author of the message being replied to.
// Only members of the message's resource are notified. Nobody is notified
// about their own message, and nobody twice.
type MentionNotifier struct {
	pub presence.Publisher
	dir directory.Directory
}

func NewMentionNotifier(pub presence.Publisher, dir directory.Directory) *MentionNotifier {
	return &MentionNotifier{pub: pub, dir: dir}
}

// canSee reports whether userID belongs to resourceID.
func (n *MentionNotifier) canSee(ctx context.Context, userID, resourceID string) (bool, error) {
	m, err := n.dir.Membership(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("membership %s: %w", userID, err)
	}
	_, found := slices.BinarySearch(m.Resources(), resourceID)
	return found, nil
}

func (n *MentionNotifier) MessageCreated(ctx context.Context, m *Message, parent *Message) error {
	notified := map[string]bool{m.AuthorID: true}
	var errs []error
	send := func(userID, kind string) {
		if notified[userID] {
			return
		}
		notified[userID] = true
		ok, err := n.canSee(ctx, userID, m.ResourceID)
		if err != nil {
			errs = append(errs, err)
			return
		}
		if !ok {
			return
		}
		_, err = n.pub.Publish(ctx, model.PublishRequest{
			Type:       model.TypeNotificationNew,
			ActorID:    m.AuthorID,
			ResourceID: model.UserResource(userID),
			Payload: Notification{
				Kind:       kind,
				MessageID:  m.ID,
				ResourceID: m.ResourceID,
				ActorID:    m.AuthorID,
			},
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("notify %s: %w", userID, err))
		}
	}
	if parent != nil {
		send(parent.AuthorID, NotificationReply)
	}
	for _, id := range Mentions(m.Content) {
		send(id, NotificationMention)
	}
	return errors.Join(errs...)
}
