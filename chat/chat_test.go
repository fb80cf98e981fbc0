package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ggoodman/im-dispatch/fanout"
	"github.com/ggoodman/im-dispatch/fanout/memory"
	"github.com/ggoodman/im-dispatch/message"
)

func TestGroupMessage_ParseAndResolve(t *testing.T) {
	req := GroupMessageRequest{SenderID: "alice", GroupID: "g1", Content: "hi", Timestamp: 99}
	body, err := message.Marshal(req)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var mt GroupMessage
	got, err := mt.Parse(body)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got != req {
		t.Fatalf("expected %+v, got %+v", req, got)
	}
	if mt.ReceiverID(got) != "g1" {
		t.Fatalf("group messages must be ordered by group id, got %q", mt.ReceiverID(got))
	}
	errResp := mt.ErrorResponse(got)
	if mt.ResponseUserID(errResp) != "alice" {
		t.Fatalf("responses must go to the sender, got %q", mt.ResponseUserID(errResp))
	}
	if errResp.GroupID != "g1" || errResp.Timestamp != 99 || errResp.Status != message.StatusError {
		t.Fatalf("unexpected error response %+v", errResp)
	}
}

func TestGroupMessage_ParseRejectsMissingIDs(t *testing.T) {
	var mt GroupMessage
	for name, req := range map[string]GroupMessageRequest{
		"missing sender": {GroupID: "g"},
		"missing group":  {SenderID: "alice"},
	} {
		t.Run(name, func(t *testing.T) {
			body, _ := message.Marshal(req)
			if _, err := mt.Parse(body); !errors.Is(err, errMissingField) {
				t.Fatalf("expected errMissingField, got %v", err)
			}
		})
	}
	if _, err := mt.Parse([]byte{0xc1}); err == nil {
		t.Fatal("expected error for undecodable body")
	}
}

func TestPublishGroupMessage_PublishesToGroupTopic(t *testing.T) {
	pub := memory.New()
	defer pub.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub, err := pub.Subscribe(ctx, fanout.GroupTopic("g1"))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	req := GroupMessageRequest{SenderID: "alice", GroupID: "g1", Content: "hello", Timestamp: 5}
	resp, err := PublishGroupMessage(pub)(ctx, req)
	if err != nil {
		t.Fatalf("logic: %v", err)
	}
	if resp.Status != message.StatusOK || resp.SenderID != "alice" {
		t.Fatalf("unexpected ack %+v", resp)
	}

	select {
	case m := <-sub:
		var got GroupMessageRequest
		if err := message.Unmarshal(m.Data, &got); err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		if got != req {
			t.Fatalf("expected %+v on the topic, got %+v", req, got)
		}
	case <-ctx.Done():
		t.Fatal("no message published")
	}
}

type fakeForwarder struct {
	userID string
	env    message.Envelope
	err    error
}

func (f *fakeForwarder) Forward(ctx context.Context, userID string, env message.Envelope) error {
	f.userID = userID
	f.env = env
	return f.err
}

func TestDirectMessage_OrdersBySenderAndRepliesToSender(t *testing.T) {
	var mt DirectMessage
	req := DirectMessageRequest{SenderID: "alice", ReceiverID: "bob", Timestamp: 3}
	if mt.ReceiverID(req) != "alice" {
		t.Fatalf("direct messages are ordered per sender, got %q", mt.ReceiverID(req))
	}
	errResp := mt.ErrorResponse(req)
	if mt.ResponseUserID(errResp) != "alice" || errResp.ReceiverID != "bob" || errResp.Status != message.StatusError {
		t.Fatalf("unexpected error response %+v", errResp)
	}
}

func TestPushDirectMessage_ForwardsToReceiver(t *testing.T) {
	fwd := &fakeForwarder{}
	req := DirectMessageRequest{SenderID: "alice", ReceiverID: "bob", Content: "yo", Timestamp: 11}

	resp, err := PushDirectMessage(fwd)(context.Background(), req)
	if err != nil {
		t.Fatalf("logic: %v", err)
	}
	if resp.Status != message.StatusOK {
		t.Fatalf("expected StatusOK, got %d", resp.Status)
	}
	if fwd.userID != "bob" || fwd.env.Type != message.TypeC2CMessagePush {
		t.Fatalf("expected push to bob, got %q %s", fwd.userID, fwd.env.Type)
	}
	var push DirectMessagePush
	if err := message.Unmarshal(fwd.env.Body, &push); err != nil {
		t.Fatalf("Unmarshal push: %v", err)
	}
	if push.Content != "yo" || push.SenderID != "alice" {
		t.Fatalf("unexpected push %+v", push)
	}
}

func TestPushDirectMessage_ReceiverUnreachable(t *testing.T) {
	boom := errors.New("unroutable")
	fwd := &fakeForwarder{err: boom}
	_, err := PushDirectMessage(fwd)(context.Background(), DirectMessageRequest{SenderID: "a", ReceiverID: "b"})
	if !errors.Is(err, boom) {
		t.Fatalf("expected forward error to propagate, got %v", err)
	}
}
