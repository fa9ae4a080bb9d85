package failover

import "sync/atomic"

// CommandKind classifies a Command for the purposes of §4.4's send path
// and §4.8's server-directed control handling.
type CommandKind int

const (
	// KindGeneric is any ordinary protocol command with no special
	// handling in the failover core.
	KindGeneric CommandKind = iota
	// KindResponse carries InReplyTo/OK/ErrorMsg/Payload and completes a
	// request waiting in the Request Map.
	KindResponse
	// KindShutdown is dropped silently when sent while disconnected
	// (§4.4 step 2): the peer is already unreachable.
	KindShutdown
	// KindAck is a message-acknowledge command eligible for the
	// stale-on-reconnect short-circuit (§4.4 step 3).
	KindAck
	// KindRemoveConsumer / KindRemoveProducer / KindRemoveDestination
	// are also eligible for the stale-on-reconnect short-circuit.
	KindRemoveConsumer
	KindRemoveProducer
	KindRemoveDestination
	// KindConnectionControl carries server-directed reconnect/update
	// instructions, handled per §4.8.
	KindConnectionControl
)

// staleOnReconnect reports whether a command addresses broker state
// that will not exist on a newly selected connection, and so can be
// short-circuited while disconnected instead of queued for replay.
func (k CommandKind) staleOnReconnect() bool {
	switch k {
	case KindAck, KindRemoveConsumer, KindRemoveProducer, KindRemoveDestination:
		return true
	default:
		return false
	}
}

var correlationSeq atomic.Uint64

// NextCorrelationID generates a process-unique correlation id for a new
// outbound command.
func NextCorrelationID() uint64 { return correlationSeq.Add(1) }

// Command is the unit of exchange between the failover core and an
// underlying transport. Its Payload is opaque bytes to the core; a
// transport encodes the whole Command with its Codec. The core inspects
// Kind, CorrelationID, and ResponseRequired, plus InReplyTo on
// responses and the connection-control fields below.
type Command struct {
	CorrelationID    uint64
	Kind             CommandKind
	ResponseRequired bool
	Payload          []byte

	// Populated only when Kind == KindResponse.
	InReplyTo uint64
	OK        bool
	ErrorMsg  string

	// Populated only when Kind == KindConnectionControl.
	ReconnectTo      *Endpoint
	ConnectedBrokers []Endpoint
	Rebalance        bool
}

// NewResponse builds a success response command completing correlationID.
func NewResponse(correlationID uint64, payload []byte) *Command {
	return &Command{Kind: KindResponse, InReplyTo: correlationID, OK: true, Payload: payload}
}

// NewErrorResponse builds a failure response command completing
// correlationID.
func NewErrorResponse(correlationID uint64, errMsg string) *Command {
	return &Command{Kind: KindResponse, InReplyTo: correlationID, OK: false, ErrorMsg: errMsg}
}
