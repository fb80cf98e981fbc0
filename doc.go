// Package dispatch implements the message-handling pipeline of the IM
// dispatch tier.
//
// Acceptor nodes hand inbound envelopes to a Router, which selects the
// Handler registered for the envelope's request type. Every Handler follows
// the same lifecycle:
//
//	parse          -> body decoded into a typed request (failure: logged, dropped)
//	resolve        -> routing key chosen for ordering (e.g. group id)
//	schedule       -> business logic submitted to an ordered lane under that key
//	execute        -> logic runs; any failure becomes a typed error response
//	deliver        -> response forwarded to the response user's acceptor
//
// The routing key used for ordering and the user a response is delivered to
// are resolved independently. Group messages, for example, are serialized per
// group while their acknowledgements go back to the sender.
//
// Per-type behaviour is supplied through the MessageType interface; see the
// chat package for the concrete group and direct message types.
package dispatch
