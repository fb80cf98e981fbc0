// Package message defines the envelope exchanged between acceptor nodes and the
// dispatch tier, together with the frame and payload codecs used on the wire.
package message

import (
	"strconv"
)

// Type identifies the kind of payload carried by an Envelope.
type Type uint16

const (
	// TypeAcceptorHello is the first frame an acceptor sends after connecting.
	TypeAcceptorHello Type = 1
	// TypeHeartbeat keeps an acceptor registration alive.
	TypeHeartbeat Type = 2

	TypeC2CMessage         Type = 100
	TypeC2CMessageResponse Type = 101
	TypeC2CMessagePush     Type = 102

	TypeC2GMessage         Type = 200
	TypeC2GMessageResponse Type = 201
)

var typeNames = map[Type]string{
	TypeAcceptorHello:      "acceptor_hello",
	TypeHeartbeat:          "heartbeat",
	TypeC2CMessage:         "c2c_message",
	TypeC2CMessageResponse: "c2c_message_response",
	TypeC2CMessagePush:     "c2c_message_push",
	TypeC2GMessage:         "c2g_message",
	TypeC2GMessageResponse: "c2g_message_response",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "unknown(" + strconv.Itoa(int(t)) + ")"
}

// Status is the outcome code carried by response payloads.
type Status int32

const (
	StatusOK    Status = 1000
	StatusError Status = 1001
)

// Envelope is the typed binary unit produced by the transport layer. Body is
// opaque to everything except the handler selected by Type.
type Envelope struct {
	Type Type   `msgpack:"t"`
	Body []byte `msgpack:"b"`
}

// AcceptorHello is the body of a TypeAcceptorHello frame.
type AcceptorHello struct {
	InstanceID string `msgpack:"instance_id"`
	Token      string `msgpack:"token,omitempty"`
}
