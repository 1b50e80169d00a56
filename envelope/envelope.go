// Package envelope defines the wire format shared by every redisbus
// component. An Envelope is the unit pushed onto Redis lists and
// published on the broadcast channel; field names are single letters to
// keep the JSON encoding compact on a hot path.
package envelope

import "encoding/json"

// StreamTerminator is the value of Stream that marks the last element of
// a streamed reply. A nil Stream means the envelope is a single-shot
// reply or a plain request; a non-negative Stream is the k-th element of
// a stream.
const StreamTerminator = -1

// Envelope is the JSON object exchanged between clients and workers.
//
// Command is present on requests and empty on replies. Correlation is
// present on every envelope except pure broadcast publishes, which still
// carry it so replies can route back to the issuing client.
type Envelope struct {
	Command     string          `json:"x,omitempty"`
	OriginID    string          `json:"i,omitempty"`
	Correlation string          `json:"c"`
	Data        json.RawMessage `json:"d,omitempty"`
	Stream      *int            `json:"z,omitempty"`
}

// New builds a request/reply envelope, marshaling data into the Data
// field. A nil data value encodes as a JSON null.
func New(command, originID, correlation string, data any) (*Envelope, error) {
	raw, err := marshalData(data)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Command:     command,
		OriginID:    originID,
		Correlation: correlation,
		Data:        raw,
	}, nil
}

// NewStreamElement builds the idx-th element of a streamed reply.
func NewStreamElement(originID, correlation string, idx int, data any) (*Envelope, error) {
	raw, err := marshalData(data)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		OriginID:    originID,
		Correlation: correlation,
		Data:        raw,
		Stream:      &idx,
	}, nil
}

// NewStreamTerminator builds the terminal envelope of a streamed reply.
func NewStreamTerminator(originID, correlation string) *Envelope {
	term := StreamTerminator
	return &Envelope{
		OriginID:    originID,
		Correlation: correlation,
		Data:        json.RawMessage("null"),
		Stream:      &term,
	}
}

func marshalData(data any) (json.RawMessage, error) {
	if data == nil {
		return json.RawMessage("null"), nil
	}
	if raw, ok := data.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Decode parses a JSON-encoded envelope. Unknown fields are ignored by
// encoding/json's default behavior, matching the wire-format contract
// that unknown fields must be ignored.
func Decode(raw []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Encode serializes the envelope back to JSON.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// IsSingleShot reports whether this is a non-streamed reply.
func (e *Envelope) IsSingleShot() bool {
	return e.Stream == nil
}

// IsStreamElement reports whether this is a non-terminal element of a
// streamed reply.
func (e *Envelope) IsStreamElement() bool {
	return e.Stream != nil && *e.Stream >= 0
}

// IsStreamTerminator reports whether this envelope ends a stream.
func (e *Envelope) IsStreamTerminator() bool {
	return e.Stream != nil && *e.Stream == StreamTerminator
}

// DataAs unmarshals the Data payload into v.
func (e *Envelope) DataAs(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}
