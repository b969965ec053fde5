package wire

// Category tags an event or aggregate schema. Sequence numbers and
// materialized aggregates are scoped per (room, category).
type Category string

const (
	// CategoryTokenChange tags token change events (create/update/delete).
	CategoryTokenChange Category = "TokenChangeEvent"
	// CategoryTokenSet tags the materialized token-set aggregate.
	CategoryTokenSet Category = "TokenSet"
)

// FirstSequence is the prevSequenceNumber of the first event in a stream,
// and the watermark of a client that has seen no events yet. Real sequence
// numbers start at 1.
const FirstSequence int64 = 0

// Message types carried over the websocket channel.
const (
	MsgChatMessage     = "ChatMessage"
	MsgJoinRoom        = "JoinRoom"
	MsgCreateRoom      = "CreateRoom"
	MsgInitState       = "InitState"
	MsgESEvent         = "ESEvent"
	MsgEventAggRequest = "EventAggRequest"
	MsgWorldState      = "WorldState"
)

// ClientSentEvent is the envelope a client sends to mutate shared state.
// MessageID must be unique per client session; the server echoes it back so
// the sender can match the authoritative broadcast against its optimistic
// local apply.
type ClientSentEvent struct {
	MessageID string   `json:"messageId"`
	Category  Category `json:"category"`
	Version   int      `json:"version"`
	Payload   []byte   `json:"payload"`
}

// ServerSentEvent is the authoritative broadcast for one persisted event.
// PrevSequenceNumber is the sequence immediately preceding this one in the
// same (room, category) stream, or FirstSequence for the first event ever.
// Source names the user the event was accepted from, so receivers can run
// the same authorization-checked fold the server ran.
type ServerSentEvent struct {
	SequenceNumber     int64    `json:"sequenceNumber"`
	PrevSequenceNumber int64    `json:"prevSequenceNumber"`
	ClientMessageID    string   `json:"clientMessageId"`
	Source             string   `json:"source"`
	Category           Category `json:"category"`
	Version            int      `json:"version"`
	Payload            []byte   `json:"payload"`
}

// ServerSentAgg is a snapshot of a materialized aggregate, used to bootstrap
// or resync a client.
type ServerSentAgg struct {
	Watermark int64    `json:"watermark"`
	Category  Category `json:"category"`
	Version   int      `json:"version"`
	Payload   []byte   `json:"payload"`
}

// AggResponse is the reply to an EventAggRequest for a single category.
// Status=false means the room or category was not recognized. Status=true
// with a nil Data means the category is known but has no events yet.
type AggResponse struct {
	Status bool           `json:"status"`
	Data   *ServerSentAgg `json:"data"`
}
