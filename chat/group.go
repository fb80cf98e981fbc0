// Package chat defines the chat message types served by the dispatch tier:
// group messages (C2G) and direct messages (C2C).
package chat

import (
	"context"
	"errors"
	"fmt"

	dispatch "github.com/ggoodman/im-dispatch"
	"github.com/ggoodman/im-dispatch/fanout"
	"github.com/ggoodman/im-dispatch/message"
)

var errMissingField = errors.New("missing required field")

// GroupMessageRequest is a message sent by a user to a group.
type GroupMessageRequest struct {
	SenderID  string `msgpack:"sender_id"`
	GroupID   string `msgpack:"group_id"`
	Content   string `msgpack:"content"`
	Timestamp int64  `msgpack:"timestamp"`
}

// GroupMessageResponse acknowledges a GroupMessageRequest to its sender.
type GroupMessageResponse struct {
	SenderID  string         `msgpack:"sender_id"`
	GroupID   string         `msgpack:"group_id"`
	Timestamp int64          `msgpack:"timestamp"`
	Status    message.Status `msgpack:"status"`
}

// GroupMessage implements dispatch.MessageType for group messages. All
// messages to one group share an ordering lane; acknowledgements go to the
// sender.
type GroupMessage struct{}

var _ dispatch.MessageType[GroupMessageRequest, GroupMessageResponse] = GroupMessage{}

func (GroupMessage) Type() message.Type { return message.TypeC2GMessage }

func (GroupMessage) Parse(body []byte) (GroupMessageRequest, error) {
	var req GroupMessageRequest
	if err := message.Unmarshal(body, &req); err != nil {
		return GroupMessageRequest{}, err
	}
	if req.SenderID == "" {
		return GroupMessageRequest{}, fmt.Errorf("%w: sender_id", errMissingField)
	}
	if req.GroupID == "" {
		return GroupMessageRequest{}, fmt.Errorf("%w: group_id", errMissingField)
	}
	return req, nil
}

func (GroupMessage) ReceiverID(req GroupMessageRequest) string { return req.GroupID }

func (GroupMessage) ResponseUserID(resp GroupMessageResponse) string { return resp.SenderID }

func (GroupMessage) ErrorResponse(req GroupMessageRequest) GroupMessageResponse {
	return GroupMessageResponse{
		SenderID:  req.SenderID,
		GroupID:   req.GroupID,
		Timestamp: req.Timestamp,
		Status:    message.StatusError,
	}
}

func (GroupMessage) EncodeResponse(resp GroupMessageResponse) (message.Envelope, error) {
	return message.NewEnvelope(message.TypeC2GMessageResponse, resp)
}

// PublishGroupMessage returns logic that hands the message to the group's
// fan-out topic and acknowledges the sender. A publish failure is returned so
// the sender receives an error status.
func PublishGroupMessage(pub fanout.Publisher) dispatch.Logic[GroupMessageRequest, GroupMessageResponse] {
	return func(ctx context.Context, req GroupMessageRequest) (GroupMessageResponse, error) {
		data, err := message.Marshal(req)
		if err != nil {
			return GroupMessageResponse{}, fmt.Errorf("marshal group message: %w", err)
		}
		if err := pub.Publish(ctx, fanout.GroupTopic(req.GroupID), data); err != nil {
			return GroupMessageResponse{}, err
		}
		return GroupMessageResponse{
			SenderID:  req.SenderID,
			GroupID:   req.GroupID,
			Timestamp: req.Timestamp,
			Status:    message.StatusOK,
		}, nil
	}
}
