package ev

// PubSubKind identifies what a KeepAlive cache reply represents.
type PubSubKind uint8

const (
	PubSubSubscribeAck PubSubKind = iota
	PubSubUnsubscribeAck
	PubSubMessage
	PubSubPong
)

// PubSubCommand is the payload a Subscription attaches to its kept-alive
// Request. A cache Device's Execute switches on Command to decide which
// wire call to issue.
type PubSubCommand struct {
	Command string // SUBSCRIBE, UNSUBSCRIBE, PSUBSCRIBE, PUNSUBSCRIBE, PING
	Names   []string
}

// PubSubReply is the payload a cache Device attaches to each DataObject it
// publishes for a KeepAlive request — an ack, a message, or a pong.
type PubSubReply struct {
	Kind    PubSubKind
	Channel string
	Pattern string // non-empty for a pattern subscribe/psubscribe/pmessage
	Payload []byte
}
