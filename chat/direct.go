package chat

import (
	"context"
	"fmt"

	dispatch "github.com/ggoodman/im-dispatch"
	"github.com/ggoodman/im-dispatch/message"
)

// DirectMessageRequest is a one-to-one message.
type DirectMessageRequest struct {
	SenderID   string `msgpack:"sender_id"`
	ReceiverID string `msgpack:"receiver_id"`
	Content    string `msgpack:"content"`
	Timestamp  int64  `msgpack:"timestamp"`
}

// DirectMessageResponse acknowledges a DirectMessageRequest to its sender.
type DirectMessageResponse struct {
	SenderID   string         `msgpack:"sender_id"`
	ReceiverID string         `msgpack:"receiver_id"`
	Timestamp  int64          `msgpack:"timestamp"`
	Status     message.Status `msgpack:"status"`
}

// DirectMessagePush is delivered to the receiver of a direct message.
type DirectMessagePush struct {
	SenderID   string `msgpack:"sender_id"`
	ReceiverID string `msgpack:"receiver_id"`
	Content    string `msgpack:"content"`
	Timestamp  int64  `msgpack:"timestamp"`
}

// DirectMessage implements dispatch.MessageType for direct messages. Ordering
// is per sender so a user's outgoing conversation stays in order; the
// acknowledgement goes back to the sender.
type DirectMessage struct{}

var _ dispatch.MessageType[DirectMessageRequest, DirectMessageResponse] = DirectMessage{}

func (DirectMessage) Type() message.Type { return message.TypeC2CMessage }

func (DirectMessage) Parse(body []byte) (DirectMessageRequest, error) {
	var req DirectMessageRequest
	if err := message.Unmarshal(body, &req); err != nil {
		return DirectMessageRequest{}, err
	}
	if req.SenderID == "" {
		return DirectMessageRequest{}, fmt.Errorf("%w: sender_id", errMissingField)
	}
	if req.ReceiverID == "" {
		return DirectMessageRequest{}, fmt.Errorf("%w: receiver_id", errMissingField)
	}
	return req, nil
}

func (DirectMessage) ReceiverID(req DirectMessageRequest) string { return req.SenderID }

func (DirectMessage) ResponseUserID(resp DirectMessageResponse) string { return resp.SenderID }

func (DirectMessage) ErrorResponse(req DirectMessageRequest) DirectMessageResponse {
	return DirectMessageResponse{
		SenderID:   req.SenderID,
		ReceiverID: req.ReceiverID,
		Timestamp:  req.Timestamp,
		Status:     message.StatusError,
	}
}

func (DirectMessage) EncodeResponse(resp DirectMessageResponse) (message.Envelope, error) {
	return message.NewEnvelope(message.TypeC2CMessageResponse, resp)
}

// PushDirectMessage returns logic that forwards the message to the receiver's
// acceptor and acknowledges the sender. Failing to reach the receiver is
// reported to the sender as an error status.
func PushDirectMessage(fwd dispatch.Forwarder) dispatch.Logic[DirectMessageRequest, DirectMessageResponse] {
	return func(ctx context.Context, req DirectMessageRequest) (DirectMessageResponse, error) {
		env, err := message.NewEnvelope(message.TypeC2CMessagePush, DirectMessagePush{
			SenderID:   req.SenderID,
			ReceiverID: req.ReceiverID,
			Content:    req.Content,
			Timestamp:  req.Timestamp,
		})
		if err != nil {
			return DirectMessageResponse{}, err
		}
		if err := fwd.Forward(ctx, req.ReceiverID, env); err != nil {
			return DirectMessageResponse{}, fmt.Errorf("push to %s: %w", req.ReceiverID, err)
		}
		return DirectMessageResponse{
			SenderID:   req.SenderID,
			ReceiverID: req.ReceiverID,
			Timestamp:  req.Timestamp,
			Status:     message.StatusOK,
		}, nil
	}
}
