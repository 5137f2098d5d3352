// Package content defines the message payloads exchanged inside a chat.
// Each payload is a concrete type implementing Content; the stored and
// transmitted form is CBOR keyed by the content's Type.
package content

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Type discriminates message payloads. Values are persisted in the
// content_type column and must not change.
type Type string

const (
	TypeText                Type = "text"
	TypeImage               Type = "image"
	TypeFile                Type = "file"
	TypeName                Type = "name"
	TypeDisappearingTimeout Type = "disappearing_timeout"
	TypeInitialInfo         Type = "initial_info"
	TypeContactBundle       Type = "contact_bundle"
	TypeContactPortPause    Type = "contact_port_pause"
	TypeContactPortResume   Type = "contact_port_resume"
	TypeReaction            Type = "reaction"
	TypeReceipt             Type = "receipt"
	TypeDeletion            Type = "deletion"
	TypeDisconnect          Type = "disconnect"
	TypeProfilePicture      Type = "profile_picture"
)

// Content is implemented by every payload type.
type Content interface {
	Type() Type
}

// Text is a plain text message.
type Text struct {
	Text string `cbor:"text"`
}

// Media references an encrypted blob stored on the relay.
type Media struct {
	MediaID  string `cbor:"media_id"`
	Key      []byte `cbor:"key"`
	MIME     string `cbor:"mime"`
	FileName string `cbor:"file_name,omitempty"`
	Size     int64  `cbor:"size"`
	Caption  string `cbor:"caption,omitempty"`
}

// Image is an image attachment.
type Image struct {
	Media
}

// File is any other attachment.
type File struct {
	Media
}

// Name announces the sender's display name.
type Name struct {
	Name string `cbor:"name"`
}

// DisappearingTimeout announces a new disappearing-message timeout in
// seconds. Zero turns it off.
type DisappearingTimeout struct {
	Seconds int64 `cbor:"seconds"`
}

// InitialInfo completes the handshake. Readers send their name, generators
// their disappearing timeout. Both send their contact bundle and, when the
// display-picture permission allows it, a profile picture.
type InitialInfo struct {
	Name                string `cbor:"name,omitempty"`
	ContactBundle       string `cbor:"contact_bundle,omitempty"`
	DisappearingSeconds *int64 `cbor:"disappearing_seconds,omitempty"`
	ProfilePicture      *Media `cbor:"profile_picture,omitempty"`
}

// ContactBundle carries a contact port URL. Shared is set when the bundle
// belongs to a third party rather than the sender.
type ContactBundle struct {
	URL    string `cbor:"url"`
	Name   string `cbor:"name,omitempty"`
	Shared bool   `cbor:"shared,omitempty"`
}

// ContactPortPause tells the peer our contact port for this chat is paused.
type ContactPortPause struct{}

// ContactPortResume reverses ContactPortPause.
type ContactPortResume struct{}

// Reaction sets the sender's emoji on a message. An empty emoji clears it.
type Reaction struct {
	MessageID string `cbor:"message_id"`
	Emoji     string `cbor:"emoji"`
}

// Receipt advances the status of messages we sent.
type Receipt struct {
	MessageIDs []string `cbor:"message_ids"`
	Status     int      `cbor:"status"`
}

// Deletion removes one of the sender's messages.
type Deletion struct {
	MessageID string `cbor:"message_id"`
}

// Disconnect ends the chat.
type Disconnect struct{}

// ProfilePicture announces a new profile picture.
type ProfilePicture struct {
	Media
}

func (Text) Type() Type                { return TypeText }
func (Image) Type() Type               { return TypeImage }
func (File) Type() Type                { return TypeFile }
func (Name) Type() Type                { return TypeName }
func (DisappearingTimeout) Type() Type { return TypeDisappearingTimeout }
func (InitialInfo) Type() Type         { return TypeInitialInfo }
func (ContactBundle) Type() Type       { return TypeContactBundle }
func (ContactPortPause) Type() Type    { return TypeContactPortPause }
func (ContactPortResume) Type() Type   { return TypeContactPortResume }
func (Reaction) Type() Type            { return TypeReaction }
func (Receipt) Type() Type             { return TypeReceipt }
func (Deletion) Type() Type            { return TypeDeletion }
func (Disconnect) Type() Type          { return TypeDisconnect }
func (ProfilePicture) Type() Type      { return TypeProfilePicture }

var registry = map[Type]reflect.Type{
	TypeText:                reflect.TypeOf(Text{}),
	TypeImage:               reflect.TypeOf(Image{}),
	TypeFile:                reflect.TypeOf(File{}),
	TypeName:                reflect.TypeOf(Name{}),
	TypeDisappearingTimeout: reflect.TypeOf(DisappearingTimeout{}),
	TypeInitialInfo:         reflect.TypeOf(InitialInfo{}),
	TypeContactBundle:       reflect.TypeOf(ContactBundle{}),
	TypeContactPortPause:    reflect.TypeOf(ContactPortPause{}),
	TypeContactPortResume:   reflect.TypeOf(ContactPortResume{}),
	TypeReaction:            reflect.TypeOf(Reaction{}),
	TypeReceipt:             reflect.TypeOf(Receipt{}),
	TypeDeletion:            reflect.TypeOf(Deletion{}),
	TypeDisconnect:          reflect.TypeOf(Disconnect{}),
	TypeProfilePicture:      reflect.TypeOf(ProfilePicture{}),
}

// Known reports whether t is a registered content type.
func Known(t Type) bool {
	_, ok := registry[t]
	return ok
}

// Silent types are control messages that are stored but not listed in a
// chat's message view.
func Silent(t Type) bool {
	switch t {
	case TypeInitialInfo, TypeContactPortPause, TypeContactPortResume,
		TypeReaction, TypeReceipt, TypeDeletion:
		return true
	}
	return false
}

// Ephemeral types are dropped from the journal once the relay acknowledges
// them; nothing reads them back.
func Ephemeral(t Type) bool {
	switch t {
	case TypeReaction, TypeReceipt, TypeDeletion, TypeContactPortPause, TypeContactPortResume:
		return true
	}
	return false
}

// Encode serializes c's payload.
func Encode(c Content) ([]byte, error) {
	if c == nil {
		return nil, fmt.Errorf("content: nil payload")
	}
	return encMode.Marshal(c)
}

// Decode parses data as the payload for type t.
func Decode(t Type, data []byte) (Content, error) {
	rt, ok := registry[t]
	if !ok {
		return nil, fmt.Errorf("content: unknown type %q", t)
	}
	ptr := reflect.New(rt)
	if len(data) > 0 {
		if err := decMode.Unmarshal(data, ptr.Interface()); err != nil {
			return nil, fmt.Errorf("content: decode %s: %w", t, err)
		}
	}
	return ptr.Elem().Interface().(Content), nil
}

// MediaOf returns the media reference carried by c, if any.
func MediaOf(c Content) *Media {
	switch v := c.(type) {
	case Image:
		return &v.Media
	case File:
		return &v.Media
	case ProfilePicture:
		return &v.Media
	case InitialInfo:
		return v.ProfilePicture
	}
	return nil
}

// MediaID extracts the media id from a stored payload without the caller
// knowing its concrete type. Unknown or media-less payloads yield "".
func MediaID(t Type, data []byte) string {
	c, err := Decode(t, data)
	if err != nil {
		return ""
	}
	if m := MediaOf(c); m != nil {
		return m.MediaID
	}
	return ""
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("content: CBOR encoder: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("content: CBOR decoder: " + err.Error())
	}
}
