package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alfredjeanlab/switchboard/internal/directory"
	"github.com/alfredjeanlab/switchboard/internal/model"
	"github.com/alfredjeanlab/switchboard/internal/sequence"
)

// readAckAndEvent reads two frames, a message:ack and an event, in either
// order.
func (c *testClient) readAckAndEvent() (MessageAck, *model.Envelope) {
	c.t.Helper()
	var ack MessageAck
	var env *model.Envelope
	for range 2 {
		f := c.read()
		switch f.Op {
		case OpMessageAck:
			json.Unmarshal(f.D, &ack)
		case OpEvent:
			env = &model.Envelope{}
			json.Unmarshal(f.D, env)
		default:
			c.t.Fatalf("unexpected frame %s", f.Op)
		}
	}
	if env == nil || ack.MessageID == "" {
		c.t.Fatalf("ack = %+v, event = %v", ack, env)
	}
	return ack, env
}

func (c *testClient) expectError(op Op, message string) {
	c.t.Helper()
	var p ErrorPayload
	c.expect(OpError, &p)
	if p.Op != op || p.Message != message {
		c.t.Errorf("error = %+v, want %s %q", p, op, message)
	}
}

func (e *testEnv) current(resourceID string) int64 {
	e.t.Helper()
	seq, err := e.bus.CurrentSequence(context.Background(), resourceID)
	if err != nil {
		e.t.Fatal(err)
	}
	return seq
}

func TestMessageSend_PersistPublishAck(t *testing.T) {
	e := newTestEnv(t, envOptions{})
	e.dir.Set(directory.Membership{UserID: "u1", Channels: []string{"c1"}})
	c, _, _ := e.connect("u1")

	c.send(OpMessageSend, SendMessage{ChannelID: "c1", Content: "hello", IdempotencyKey: "k1"})
	ack, env := c.readAckAndEvent()

	if ack.IdempotencyKey != "k1" || ack.Duplicate || ack.EnvelopeID != env.ID {
		t.Errorf("ack = %+v, envelope id %s", ack, env.ID)
	}
	if env.Type != model.TypeMessageNew || env.ResourceID != "channel:c1" || env.ActorID != "u1" || env.Sequence != 1 {
		t.Errorf("envelope = %+v", env)
	}
	var msg Message
	if err := json.Unmarshal(env.Payload, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.ID != ack.MessageID || msg.Content != "hello" || msg.AuthorID != "u1" {
		t.Errorf("payload = %+v", msg)
	}
	if _, err := e.messages.Get(context.Background(), msg.ID); err != nil {
		t.Errorf("message not persisted: %v", err)
	}
}

func TestMessageSend_DuplicateKeyDropped(t *testing.T) {
	e := newTestEnv(t, envOptions{})
	e.dir.Set(directory.Membership{UserID: "u1", Channels: []string{"c1"}})
	c, _, _ := e.connect("u1")

	c.send(OpMessageSend, SendMessage{ChannelID: "c1", Content: "hello", IdempotencyKey: "k1"})
	c.readAckAndEvent()

	c.send(OpMessageSend, SendMessage{ChannelID: "c1", Content: "hello", IdempotencyKey: "k1"})
	var ack MessageAck
	c.expect(OpMessageAck, &ack)
	if !ack.Duplicate || ack.IdempotencyKey != "k1" {
		t.Errorf("ack = %+v, want duplicate", ack)
	}
	if seq := e.current("channel:c1"); seq != 1 {
		t.Errorf("sequence = %d, want exactly one message", seq)
	}

	// Same key from another user is independent.
	e.dir.Set(directory.Membership{UserID: "u2", Channels: []string{"c1"}})
	c2, _, _ := e.connect("u2")
	c2.send(OpMessageSend, SendMessage{ChannelID: "c1", Content: "hi", IdempotencyKey: "k1"})
	ack, _ = c2.readAckAndEvent()
	if ack.Duplicate {
		t.Error("u2's key collided with u1's")
	}
}

// failingSeq fails the next armed Next calls, then behaves like Memory.
type failingSeq struct {
	*sequence.Memory
	fail atomic.Int32
}

func (s *failingSeq) Next(ctx context.Context, resourceID string) (int64, error) {
	if s.fail.Add(-1) >= 0 {
		return 0, errors.New("redis timeout")
	}
	return s.Memory.Next(ctx, resourceID)
}

func TestMessageSend_RetryAfterPublishFailure(t *testing.T) {
	seq := &failingSeq{Memory: sequence.NewMemory()}
	e := newTestEnv(t, envOptions{seq: seq})
	e.dir.Set(directory.Membership{UserID: "u1", Channels: []string{"c1"}})
	c, _, _ := e.connect("u1")

	seq.fail.Store(1)
	c.send(OpMessageSend, SendMessage{ChannelID: "c1", Content: "hello", IdempotencyKey: "k1"})
	c.expectError(OpMessageSend, "internal error")
	if seq := e.current("channel:c1"); seq != 0 {
		t.Fatalf("sequence = %d after failed send", seq)
	}

	c.send(OpMessageSend, SendMessage{ChannelID: "c1", Content: "hello", IdempotencyKey: "k1"})
	ack, env := c.readAckAndEvent()
	if ack.Duplicate || ack.IdempotencyKey != "k1" {
		t.Fatalf("retry ack = %+v, want a fresh message", ack)
	}
	if env.Sequence != 1 {
		t.Errorf("retry sequence = %d, want 1", env.Sequence)
	}

	e.messages.mu.RLock()
	stored := len(e.messages.msgs)
	e.messages.mu.RUnlock()
	if stored != 1 {
		t.Errorf("%d messages stored, want exactly 1", stored)
	}

	// The key now guards the message that was created.
	c.send(OpMessageSend, SendMessage{ChannelID: "c1", Content: "hello", IdempotencyKey: "k1"})
	var dup MessageAck
	c.expect(OpMessageAck, &dup)
	if !dup.Duplicate {
		t.Errorf("third send ack = %+v, want duplicate", dup)
	}
	if seq := e.current("channel:c1"); seq != 1 {
		t.Errorf("sequence = %d, want exactly one message", seq)
	}
}

func TestMessageSend_Rejections(t *testing.T) {
	e := newTestEnv(t, envOptions{})
	e.dir.Set(directory.Membership{UserID: "u1", Channels: []string{"c1"}})
	c, _, _ := e.connect("u1")

	tests := []struct {
		name string
		d    any
		want string
	}{
		{"not a member", SendMessage{ChannelID: "c2", Content: "x"}, "forbidden"},
		{"missing channel", SendMessage{Content: "x"}, "invalid channel_id"},
		{"blank content", SendMessage{ChannelID: "c1", Content: "  "}, "content is required"},
		{"too long", SendMessage{ChannelID: "c1", Content: strings.Repeat("a", MaxContentLength+1)}, "content exceeds 4000 characters"},
		{"malformed", "nope", "malformed payload"},
		{"missing payload", nil, "missing payload"},
		{"unknown reply", SendMessage{ChannelID: "c1", Content: "x", ReplyTo: "msg-none"}, "reply_to not found"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c.send(OpMessageSend, tc.d)
			c.expectError(OpMessageSend, tc.want)
		})
	}
	if seq := e.current("channel:c1"); seq != 0 {
		t.Errorf("sequence = %d after rejected sends", seq)
	}
	if seq := e.current("channel:c2"); seq != 0 {
		t.Errorf("channel:c2 sequence = %d", seq)
	}
}

func TestMessageEditDelete(t *testing.T) {
	e := newTestEnv(t, envOptions{})
	e.dir.Set(directory.Membership{UserID: "u1", Channels: []string{"c1"}})
	e.dir.Set(directory.Membership{UserID: "u2", Channels: []string{"c1"}})
	c, _, _ := e.connect("u1")

	c.send(OpMessageSend, SendMessage{ChannelID: "c1", Content: "first"})
	ack, _ := c.readAckAndEvent()

	c.send(OpMessageEdit, EditMessage{MessageID: ack.MessageID, Content: "second"})
	_, env := c.readAckAndEvent()
	var edited Message
	json.Unmarshal(env.Payload, &edited)
	if env.Type != model.TypeMessageEdit || edited.Content != "second" || edited.EditedAt == nil {
		t.Errorf("edit envelope = %s %+v", env.Type, edited)
	}

	other, _, _ := e.connect("u2")
	other.send(OpMessageEdit, EditMessage{MessageID: ack.MessageID, Content: "hijack"})
	other.expectError(OpMessageEdit, "forbidden")
	other.send(OpMessageDelete, DeleteMessage{MessageID: ack.MessageID})
	other.expectError(OpMessageDelete, "forbidden")

	c.send(OpMessageDelete, DeleteMessage{MessageID: ack.MessageID})
	_, env = c.readAckAndEvent()
	var deleted MessageDeleted
	json.Unmarshal(env.Payload, &deleted)
	if env.Type != model.TypeMessageDelete || deleted.ID != ack.MessageID {
		t.Errorf("delete envelope = %s %+v", env.Type, deleted)
	}

	c.send(OpMessageDelete, DeleteMessage{MessageID: ack.MessageID})
	c.expectError(OpMessageDelete, "message not found")
}

func TestMessageSend_NotifiesMentionsAndReplies(t *testing.T) {
	e := newTestEnv(t, envOptions{})
	e.dir.Set(directory.Membership{UserID: "u1", Channels: []string{"c1"}})
	e.dir.Set(directory.Membership{UserID: "u2", Channels: []string{"c1"}})
	c1, _, _ := e.connect("u1")
	c2, _, _ := e.connect("u2")

	c2.send(OpMessageSend, SendMessage{ChannelID: "c1", Content: "question"})
	parent, _ := c2.readAckAndEvent()
	c1.waitEvent(model.TypeMessageNew)

	c1.send(OpMessageSend, SendMessage{ChannelID: "c1", Content: "answer <@u2>", ReplyTo: parent.MessageID})
	env := c2.waitEvent(model.TypeNotificationNew)
	if env.ResourceID != "user:u2" {
		t.Errorf("notification resource = %s", env.ResourceID)
	}
	var n Notification
	json.Unmarshal(env.Payload, &n)
	if n.Kind != NotificationReply || n.ActorID != "u1" || n.ResourceID != "channel:c1" {
		t.Errorf("notification = %+v", n)
	}
	if seq := e.current("user:u2"); seq != 1 {
		t.Errorf("u2 got %d notifications, want 1", seq)
	}
}

func TestTyping_FanoutOnly(t *testing.T) {
	e := newTestEnv(t, envOptions{})
	e.dir.Set(directory.Membership{UserID: "u1", Channels: []string{"c1"}})
	e.dir.Set(directory.Membership{UserID: "u2", Channels: []string{"c1"}})
	c1, _, _ := e.connect("u1")
	c2, _, _ := e.connect("u2")

	c1.send(OpTypingStart, TypingRequest{ResourceID: "channel:c1"})
	env := c2.waitEvent(model.TypeTypingStart)
	if !env.Ephemeral || env.Sequence != 0 || env.ActorID != "u1" {
		t.Errorf("typing envelope = %+v", env)
	}
	c1.send(OpTypingStop, TypingRequest{ResourceID: "channel:c1"})
	c2.waitEvent(model.TypeTypingStop)

	if seq := e.current("channel:c1"); seq != 0 {
		t.Errorf("typing consumed sequence %d", seq)
	}

	c1.send(OpTypingStart, TypingRequest{ResourceID: "server:s1"})
	c1.waitError(OpTypingStart, "typing is only shown in channels and DMs")
	c1.send(OpTypingStart, TypingRequest{ResourceID: "channel:c9"})
	c1.waitError(OpTypingStart, "forbidden")
}

// waitError skips frames until an error frame arrives.
func (c *testClient) waitError(op Op, message string) {
	c.t.Helper()
	for {
		f := c.read()
		if f.Op != OpError {
			continue
		}
		var p ErrorPayload
		json.Unmarshal(f.D, &p)
		if p.Op != op || p.Message != message {
			c.t.Errorf("error = %+v, want %s %q", p, op, message)
		}
		return
	}
}

func TestPresenceUpdate_Validation(t *testing.T) {
	e := newTestEnv(t, envOptions{})
	c, _, _ := e.connect("u1")

	c.send(OpPresenceUpdate, map[string]string{"status": "offline"})
	c.expectError(OpPresenceUpdate, `invalid status "offline"`)
	c.send(OpPresenceUpdate, map[string]string{"status": "idle", "custom_status": strings.Repeat("x", 200)})
	c.expectError(OpPresenceUpdate, "custom_status exceeds 128 characters")

	c.send(OpPresenceUpdate, map[string]string{"status": "dnd"})
	c.send(OpHeartbeat, nil)
	c.expect(OpHeartbeatAck, nil)
}

func TestVoice_JoinUpdateLeave(t *testing.T) {
	e := newTestEnv(t, envOptions{})
	e.dir.Set(directory.Membership{UserID: "u1", Servers: []string{"s1"}, Channels: []string{"v1"}})

	states := make(chan VoiceState, 8)
	cancel, err := e.bus.Subscribe("server:s1", func(env *model.Envelope) {
		if env.Type != model.TypeVoiceStateUpdate {
			return
		}
		var vs VoiceState
		json.Unmarshal(env.Payload, &vs)
		states <- vs
	})
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	next := func() VoiceState {
		t.Helper()
		select {
		case vs := <-states:
			return vs
		case <-time.After(readTimeout):
			t.Fatal("no voice state")
			return VoiceState{}
		}
	}

	c, _, _ := e.connect("u1")
	c.send(OpVoiceUpdate, VoiceUpdate{})
	c.waitError(OpVoiceUpdate, "not in a voice channel")

	c.send(OpVoiceJoin, VoiceState{ServerID: "s1", ChannelID: "v1"})
	if vs := next(); vs.UserID != "u1" || vs.ChannelID != "v1" || vs.SelfMute {
		t.Errorf("join = %+v", vs)
	}

	mute := true
	c.send(OpVoiceUpdate, VoiceUpdate{SelfMute: &mute})
	if vs := next(); !vs.SelfMute || vs.ChannelID != "v1" {
		t.Errorf("update = %+v", vs)
	}

	c.send(OpVoiceJoin, VoiceState{ServerID: "s1", ChannelID: "v2"})
	c.waitError(OpVoiceJoin, "forbidden")

	// Disconnecting leaves voice.
	c.ws.Close()
	if vs := next(); vs.ChannelID != "" || vs.ServerID != "s1" {
		t.Errorf("leave on close = %+v", vs)
	}
}

func TestDM_SendAndAck(t *testing.T) {
	e := newTestEnv(t, envOptions{})
	e.dir.Set(directory.Membership{UserID: "u1", DMs: []string{"42"}})
	e.dir.Set(directory.Membership{UserID: "u2", DMs: []string{"42"}})
	e.dir.Set(directory.Membership{UserID: "u3"})
	c1, _, _ := e.connect("u1")
	c2, _, _ := e.connect("u2")

	c1.send(OpDMSend, SendDM{DMID: "42", Content: "psst", IdempotencyKey: "k"})
	ack, env := c1.readAckAndEvent()
	if env.Type != model.TypeDMNew || env.ResourceID != "dm:42" {
		t.Errorf("dm envelope = %+v", env)
	}
	got := c2.waitEvent(model.TypeDMNew)
	if got.ID != env.ID {
		t.Errorf("u2 got %s, want %s", got.ID, env.ID)
	}

	c1.send(OpDMSend, SendDM{DMID: "42", Content: "psst", IdempotencyKey: "k"})
	var dup MessageAck
	c1.expect(OpMessageAck, &dup)
	if !dup.Duplicate {
		t.Error("retried dm:send not deduplicated")
	}

	c2.send(OpDMAck, AckDM{DMID: "42", MessageID: ack.MessageID})
	read := c1.waitEvent(model.TypeDMRead)
	var p DMRead
	json.Unmarshal(read.Payload, &p)
	if p.UserID != "u2" || p.MessageID != ack.MessageID {
		t.Errorf("dm.read = %+v", p)
	}

	outsider, _, _ := e.connect("u3")
	outsider.send(OpDMSend, SendDM{DMID: "42", Content: "hi"})
	outsider.expectError(OpDMSend, "forbidden")
	outsider.send(OpDMAck, AckDM{DMID: "42", MessageID: ack.MessageID})
	outsider.expectError(OpDMAck, "forbidden")

	if seq := e.current("dm:42"); seq != 2 {
		t.Errorf("dm:42 sequence = %d, want 2", seq)
	}
}
