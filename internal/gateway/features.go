package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/alfredjeanlab/switchboard/internal/idempotency"
	"github.com/alfredjeanlab/switchboard/internal/idgen"
	"github.com/alfredjeanlab/switchboard/internal/model"
	"github.com/alfredjeanlab/switchboard/internal/presence"
)

// Feature handlers. Each one validates its payload and checks the caller
// may act on the target resource before anything is stored or published.
// The caller's permission to act on a resource is its subscription to it,
// which the directory derived from membership at connect time.

// MaxContentLength bounds message and DM content, in characters.
const MaxContentLength = 4000

const releaseTimeout = 5 * time.Second

var presenceOffline = presence.Update{Status: presence.StatusOffline}

type SendMessage struct {
	ChannelID      string `json:"channel_id"`
	Content        string `json:"content"`
	ReplyTo        string `json:"reply_to,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type EditMessage struct {
	MessageID string `json:"message_id"`
	Content   string `json:"content"`
}

type DeleteMessage struct {
	MessageID string `json:"message_id"`
}

// MessageDeleted is the message.delete payload.
type MessageDeleted struct {
	ID         string `json:"id"`
	ResourceID string `json:"resource_id"`
}

type TypingRequest struct {
	ResourceID string `json:"resource_id"`
}

type SendDM struct {
	DMID           string `json:"dm_id"`
	Content        string `json:"content"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type AckDM struct {
	DMID      string `json:"dm_id"`
	MessageID string `json:"message_id"`
}

// DMRead is the dm.read payload.
type DMRead struct {
	UserID    string `json:"user_id"`
	DMID      string `json:"dm_id"`
	MessageID string `json:"message_id"`
}

// VoiceState is a user's voice connection within a server; it is also the
// voice.state_update payload. An empty ChannelID means the user left voice.
// Media itself is carried by an external SFU.
type VoiceState struct {
	UserID    string `json:"user_id"`
	ServerID  string `json:"server_id"`
	ChannelID string `json:"channel_id,omitempty"`
	SelfMute  bool   `json:"self_mute"`
	SelfDeaf  bool   `json:"self_deaf"`
}

type VoiceUpdate struct {
	SelfMute *bool `json:"self_mute,omitempty"`
	SelfDeaf *bool `json:"self_deaf,omitempty"`
}

func checkContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return badRequest("content is required")
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return badRequest("content exceeds %d characters", MaxContentLength)
	}
	return nil
}

// duplicate records the client's idempotency key, reporting whether it was
// already seen. A registry failure lets the submission through.
func (m *Manager) duplicate(ctx context.Context, userID, key string) bool {
	if key == "" {
		return false
	}
	seen, err := m.idem.Seen(ctx, idempotency.Key(userID, key))
	if err != nil {
		slog.Warn("gateway: idempotency check failed", "user_id", userID, "error", err)
		return false
	}
	return seen
}

// release forgets an idempotency key whose submission failed, so the
// client's retry is processed instead of acked as a duplicate.
func (m *Manager) release(userID, key string) {
	if key == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := m.idem.Forget(ctx, idempotency.Key(userID, key)); err != nil {
		slog.Warn("gateway: releasing idempotency key failed", "user_id", userID, "error", err)
	}
}

// createMessage runs persist, publish, then notify for a new message. The
// caller has already validated and authorized it. When persist or publish
// fails nothing is left behind: the stored message is removed and the key is
// released for the retry.
func (m *Manager) createMessage(ctx context.Context, c *conn, typ, resourceID, content, replyTo, key string) (err error) {
	if m.duplicate(ctx, c.userID, key) {
		c.sendFrame(OpMessageAck, MessageAck{IdempotencyKey: key, Duplicate: true})
		return nil
	}
	defer func() {
		if err != nil {
			m.release(c.userID, key)
		}
	}()

	var parent *Message
	if replyTo != "" {
		p, err := m.messages.Get(ctx, replyTo)
		if errors.Is(err, ErrMessageNotFound) || (err == nil && p.ResourceID != resourceID) {
			return badRequest("reply_to not found")
		}
		if err != nil {
			return err
		}
		parent = p
	}

	id, err := idgen.Message()
	if err != nil {
		return err
	}
	msg := &Message{
		ID:         id,
		ResourceID: resourceID,
		AuthorID:   c.userID,
		Content:    content,
		ReplyTo:    replyTo,
		CreatedAt:  m.cfg.Now().UTC(),
	}
	if err := m.messages.Create(ctx, msg); err != nil {
		return err
	}

	env, err := m.bus.Publish(ctx, model.PublishRequest{
		Type:       typ,
		ActorID:    c.userID,
		ResourceID: resourceID,
		Payload:    msg,
	})
	if err != nil {
		if derr := m.messages.Delete(context.WithoutCancel(ctx), msg.ID); derr != nil {
			slog.Warn("gateway: removing unpublished message failed", "message_id", msg.ID, "error", derr)
		}
		return err
	}

	if err := m.notifier.MessageCreated(ctx, msg, parent); err != nil {
		slog.Warn("gateway: deriving notifications failed", "message_id", msg.ID, "error", err)
	}

	c.sendFrame(OpMessageAck, MessageAck{IdempotencyKey: key, EnvelopeID: env.ID, MessageID: msg.ID})
	return nil
}

func (m *Manager) handleMessageSend(ctx context.Context, c *conn, d json.RawMessage) error {
	var req SendMessage
	if err := decode(d, &req); err != nil {
		return err
	}
	resourceID := model.ChannelResource(req.ChannelID)
	if req.ChannelID == "" || !model.ValidResource(resourceID) {
		return badRequest("invalid channel_id")
	}
	if err := checkContent(req.Content); err != nil {
		return err
	}
	if !c.subscribed(resourceID) {
		return errForbidden
	}
	return m.createMessage(ctx, c, model.TypeMessageNew, resourceID, req.Content, req.ReplyTo, req.IdempotencyKey)
}

// ownMessage loads id and checks c wrote it and may still see its resource.
func (m *Manager) ownMessage(ctx context.Context, c *conn, id string) (*Message, error) {
	if id == "" {
		return nil, badRequest("message_id is required")
	}
	msg, err := m.messages.Get(ctx, id)
	if errors.Is(err, ErrMessageNotFound) {
		return nil, badRequest("message not found")
	}
	if err != nil {
		return nil, err
	}
	if msg.AuthorID != c.userID || !c.subscribed(msg.ResourceID) {
		return nil, errForbidden
	}
	return msg, nil
}

func (m *Manager) handleMessageEdit(ctx context.Context, c *conn, d json.RawMessage) error {
	var req EditMessage
	if err := decode(d, &req); err != nil {
		return err
	}
	if err := checkContent(req.Content); err != nil {
		return err
	}
	msg, err := m.ownMessage(ctx, c, req.MessageID)
	if err != nil {
		return err
	}
	now := m.cfg.Now().UTC()
	msg.Content = req.Content
	msg.EditedAt = &now
	if err := m.messages.Update(ctx, msg); err != nil {
		return err
	}
	env, err := m.bus.Publish(ctx, model.PublishRequest{
		Type:       model.TypeMessageEdit,
		ActorID:    c.userID,
		ResourceID: msg.ResourceID,
		Payload:    msg,
	})
	if err != nil {
		return err
	}
	c.sendFrame(OpMessageAck, MessageAck{EnvelopeID: env.ID, MessageID: msg.ID})
	return nil
}

func (m *Manager) handleMessageDelete(ctx context.Context, c *conn, d json.RawMessage) error {
	var req DeleteMessage
	if err := decode(d, &req); err != nil {
		return err
	}
	msg, err := m.ownMessage(ctx, c, req.MessageID)
	if err != nil {
		return err
	}
	if err := m.messages.Delete(ctx, msg.ID); err != nil {
		return err
	}
	env, err := m.bus.Publish(ctx, model.PublishRequest{
		Type:       model.TypeMessageDelete,
		ActorID:    c.userID,
		ResourceID: msg.ResourceID,
		Payload:    MessageDeleted{ID: msg.ID, ResourceID: msg.ResourceID},
	})
	if err != nil {
		return err
	}
	c.sendFrame(OpMessageAck, MessageAck{EnvelopeID: env.ID, MessageID: msg.ID})
	return nil
}

// typingTarget validates a typing request. Typing is shown in channels and
// DMs only.
func typingTarget(c *conn, d json.RawMessage) (string, error) {
	var req TypingRequest
	if err := decode(d, &req); err != nil {
		return "", err
	}
	kind, _, err := model.ParseResource(req.ResourceID)
	if err != nil {
		return "", badRequest("invalid resource_id")
	}
	if kind != model.ResourceChannel && kind != model.ResourceDM {
		return "", badRequest("typing is only shown in channels and DMs")
	}
	if !c.subscribed(req.ResourceID) {
		return "", errForbidden
	}
	return req.ResourceID, nil
}

func (m *Manager) handleTypingStart(ctx context.Context, c *conn, d json.RawMessage) error {
	r, err := typingTarget(c, d)
	if err != nil {
		return err
	}
	return m.typing.Start(ctx, c.userID, r)
}

func (m *Manager) handleTypingStop(ctx context.Context, c *conn, d json.RawMessage) error {
	r, err := typingTarget(c, d)
	if err != nil {
		return err
	}
	return m.typing.Stop(ctx, c.userID, r)
}

func (m *Manager) handlePresenceUpdate(_ context.Context, c *conn, d json.RawMessage) error {
	var u presence.Update
	if err := decode(d, &u); err != nil {
		return err
	}
	if !presence.ValidClientStatus(u.Status) {
		return badRequest("invalid status %q", u.Status)
	}
	if utf8.RuneCountInString(u.CustomStatus) > 128 {
		return badRequest("custom_status exceeds 128 characters")
	}
	m.presence.Notify(c.userID, u, false)
	return nil
}

// publishVoice announces vs on server:<serverID>. Voice state is advisory;
// a failed publish is logged and dropped.
func (m *Manager) publishVoice(ctx context.Context, userID, serverID string, vs VoiceState) {
	vs.UserID = userID
	vs.ServerID = serverID
	_, err := m.bus.Publish(ctx, model.PublishRequest{
		Type:       model.TypeVoiceStateUpdate,
		ActorID:    userID,
		ResourceID: model.ServerResource(serverID),
		Payload:    vs,
	})
	if err != nil {
		slog.Warn("gateway: voice state publish failed", "user_id", userID, "server_id", serverID, "error", err)
	}
}

func (m *Manager) handleVoiceJoin(ctx context.Context, c *conn, d json.RawMessage) error {
	var req VoiceState
	if err := decode(d, &req); err != nil {
		return err
	}
	if req.ServerID == "" || req.ChannelID == "" ||
		!model.ValidResource(model.ServerResource(req.ServerID)) ||
		!model.ValidResource(model.ChannelResource(req.ChannelID)) {
		return badRequest("server_id and channel_id are required")
	}
	if !c.subscribed(model.ServerResource(req.ServerID)) || !c.subscribed(model.ChannelResource(req.ChannelID)) {
		return errForbidden
	}

	c.mu.Lock()
	prev := c.voice
	next := req
	next.UserID = c.userID
	c.voice = &next
	c.mu.Unlock()

	// Moving to another server leaves the old one.
	if prev != nil && prev.ServerID != next.ServerID {
		m.publishVoice(ctx, c.userID, prev.ServerID, VoiceState{})
	}
	m.publishVoice(ctx, c.userID, next.ServerID, next)
	return nil
}

func (m *Manager) handleVoiceLeave(ctx context.Context, c *conn, _ json.RawMessage) error {
	c.mu.Lock()
	prev := c.voice
	c.voice = nil
	c.mu.Unlock()
	if prev == nil {
		return badRequest("not in a voice channel")
	}
	m.publishVoice(ctx, c.userID, prev.ServerID, VoiceState{})
	return nil
}

func (m *Manager) handleVoiceUpdate(ctx context.Context, c *conn, d json.RawMessage) error {
	var req VoiceUpdate
	if err := decode(d, &req); err != nil {
		return err
	}
	c.mu.Lock()
	if c.voice == nil {
		c.mu.Unlock()
		return badRequest("not in a voice channel")
	}
	if req.SelfMute != nil {
		c.voice.SelfMute = *req.SelfMute
	}
	if req.SelfDeaf != nil {
		c.voice.SelfDeaf = *req.SelfDeaf
	}
	vs := *c.voice
	c.mu.Unlock()
	m.publishVoice(ctx, c.userID, vs.ServerID, vs)
	return nil
}

func (m *Manager) handleDMSend(ctx context.Context, c *conn, d json.RawMessage) error {
	var req SendDM
	if err := decode(d, &req); err != nil {
		return err
	}
	resourceID := model.DMResource(req.DMID)
	if req.DMID == "" || !model.ValidResource(resourceID) {
		return badRequest("invalid dm_id")
	}
	if err := checkContent(req.Content); err != nil {
		return err
	}
	if !c.subscribed(resourceID) {
		return errForbidden
	}
	return m.createMessage(ctx, c, model.TypeDMNew, resourceID, req.Content, "", req.IdempotencyKey)
}

func (m *Manager) handleDMAck(ctx context.Context, c *conn, d json.RawMessage) error {
	var req AckDM
	if err := decode(d, &req); err != nil {
		return err
	}
	resourceID := model.DMResource(req.DMID)
	if req.DMID == "" || req.MessageID == "" || !model.ValidResource(resourceID) {
		return badRequest("dm_id and message_id are required")
	}
	if !c.subscribed(resourceID) {
		return errForbidden
	}
	_, err := m.bus.Publish(ctx, model.PublishRequest{
		Type:       model.TypeDMRead,
		ActorID:    c.userID,
		ResourceID: resourceID,
		Payload:    DMRead{UserID: c.userID, DMID: req.DMID, MessageID: req.MessageID},
	})
	return err
}
