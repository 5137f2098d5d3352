package content

import "fmt"

// Envelope is the plaintext of one relayed chat message. It is sealed with
// the chat's shared secret before it leaves the device.
type Envelope struct {
	MessageID string `cbor:"1,keyasint"`
	Type      Type   `cbor:"2,keyasint"`
	Data      []byte `cbor:"3,keyasint"`
	ReplyID   string `cbor:"4,keyasint,omitempty"`
	Timestamp int64  `cbor:"5,keyasint"`
	ExpiresOn int64  `cbor:"6,keyasint,omitempty"`
	SenderID  string `cbor:"7,keyasint,omitempty"`
}

// MarshalEnvelope serializes e deterministically.
func MarshalEnvelope(e *Envelope) ([]byte, error) {
	if e.MessageID == "" {
		return nil, fmt.Errorf("content: envelope without message id")
	}
	return encMode.Marshal(e)
}

// UnmarshalEnvelope parses an envelope produced by MarshalEnvelope.
func UnmarshalEnvelope(b []byte) (*Envelope, error) {
	var e Envelope
	if err := decMode.Unmarshal(b, &e); err != nil {
		return nil, fmt.Errorf("content: decode envelope: %w", err)
	}
	if e.MessageID == "" || e.Type == "" {
		return nil, fmt.Errorf("content: envelope missing id or type")
	}
	return &e, nil
}

// Open decodes the envelope's payload.
func (e *Envelope) Open() (Content, error) {
	return Decode(e.Type, e.Data)
}
