package api

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/matheus3301/port/internal/content"
	"github.com/matheus3301/port/internal/ports"
	"github.com/matheus3301/port/internal/store"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// args reads request fields. Missing fields read as zero values.
type args map[string]*structpb.Value

func argsOf(req *structpb.Struct) args {
	return args(req.GetFields())
}

func (a args) str(key string) string {
	return a[key].GetStringValue()
}

func (a args) required(key string) (string, error) {
	v := a.str(key)
	if v == "" {
		return "", invalidArgument("%s is required", key)
	}
	return v, nil
}

func (a args) number(key string) int64 {
	return int64(a[key].GetNumberValue())
}

func (a args) boolean(key string) bool {
	return a[key].GetBoolValue()
}

func (a args) has(key string) bool {
	_, ok := a[key]
	return ok
}

func (a args) duration(key string) (time.Duration, error) {
	v := a.str(key)
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, invalidArgument("%s: %v", key, err)
	}
	return d, nil
}

// toStruct renders v through its JSON form.
func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(b, out); err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	return out, nil
}

type portView struct {
	BundleID        string `json:"bundle_id"`
	Kind            string `json:"kind"`
	Target          string `json:"target"`
	Label           string `json:"label,omitempty"`
	ConnectionLimit int    `json:"connection_limit"`
	UsesConsumed    int    `json:"uses_consumed"`
	CreatedAt       int64  `json:"created_at"`
	ExpiryTimestamp int64  `json:"expiry_timestamp,omitempty"`
	Paused          bool   `json:"paused"`
	FolderID        string `json:"folder_id,omitempty"`
	URL             string `json:"url"`
}

func portToView(p *store.Port) portView {
	return portView{
		BundleID:        p.BundleID,
		Kind:            string(p.Kind),
		Target:          string(p.Target),
		Label:           p.Label,
		ConnectionLimit: p.ConnectionLimit,
		UsesConsumed:    p.UsesConsumed,
		CreatedAt:       p.CreatedAt,
		ExpiryTimestamp: p.ExpiryTimestamp,
		Paused:          p.Paused,
		FolderID:        p.FolderID,
		URL:             p.URL,
	}
}

type connectionView struct {
	ChatID          string `json:"chat_id"`
	Type            string `json:"type"`
	PairHash        string `json:"pair_hash"`
	Name            string `json:"name"`
	FolderID        string `json:"folder_id"`
	InfoSent        bool   `json:"info_sent"`
	InfoReceived    bool   `json:"info_received"`
	Authenticated   bool   `json:"authenticated"`
	Disconnected    bool   `json:"disconnected"`
	LatestMessageID string `json:"latest_message_id,omitempty"`
	UnreadCount     int    `json:"unread_count"`
	Timestamp       int64  `json:"timestamp"`
}

func connectionToView(c *store.Connection) connectionView {
	return connectionView{
		ChatID:          c.ChatID,
		Type:            string(c.Type),
		PairHash:        c.PairHash,
		Name:            c.Name,
		FolderID:        c.FolderID,
		InfoSent:        c.InfoSent,
		InfoReceived:    c.InfoReceived,
		Authenticated:   c.Authenticated,
		Disconnected:    c.Disconnected,
		LatestMessageID: c.LatestMessageID,
		UnreadCount:     c.UnreadCount,
		Timestamp:       c.Timestamp,
	}
}

func connectionsToView(cs []store.Connection) []connectionView {
	out := make([]connectionView, 0, len(cs))
	for i := range cs {
		out = append(out, connectionToView(&cs[i]))
	}
	return out
}

type verdictView struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

func verdictToView(ce *ports.ConnectionError) *verdictView {
	if ce == nil {
		return nil
	}
	v := &verdictView{Code: string(ce.Code)}
	if ce.Err != nil {
		v.Message = ce.Err.Error()
	}
	return v
}

type messageView struct {
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id"`
	Type      string `json:"type"`
	Outgoing  bool   `json:"outgoing"`
	SenderID  string `json:"sender_id,omitempty"`
	ReplyID   string `json:"reply_id,omitempty"`
	Timestamp int64  `json:"timestamp"`
	Status    string `json:"status"`
	ExpiresOn int64  `json:"expires_on,omitempty"`
	Text      string `json:"text,omitempty"`
	MediaID   string `json:"media_id,omitempty"`
	FileName  string `json:"file_name,omitempty"`
	MIME      string `json:"mime,omitempty"`
	Size      int64  `json:"size,omitempty"`
}

func messageToView(m *store.Message) messageView {
	v := messageView{
		ChatID:    m.ChatID,
		MessageID: m.MessageID,
		Type:      m.ContentType,
		Outgoing:  m.Sender,
		SenderID:  m.SenderID,
		ReplyID:   m.ReplyID,
		Timestamp: m.Timestamp,
		Status:    m.Status.String(),
		ExpiresOn: m.ExpiresOn,
		MediaID:   m.MediaID,
	}
	c, err := content.Decode(content.Type(m.ContentType), m.Data)
	if err != nil {
		return v
	}
	switch c := c.(type) {
	case content.Text:
		v.Text = c.Text
	case content.Name:
		v.Text = c.Name
	case content.ContactBundle:
		v.Text = c.URL
	case content.DisappearingTimeout:
		v.Text = (time.Duration(c.Seconds) * time.Second).String()
	}
	if md := content.MediaOf(c); md != nil {
		v.Text = md.Caption
		v.FileName = md.FileName
		v.MIME = md.MIME
		v.Size = md.Size
	}
	return v
}

type permissionsView struct {
	ID                   string `json:"id"`
	Notifications        bool   `json:"notifications"`
	AutoDownload         bool   `json:"auto_download"`
	ContactSharing       bool   `json:"contact_sharing"`
	DisplayPicture       bool   `json:"display_picture"`
	ReadReceipts         bool   `json:"read_receipts"`
	Focus                bool   `json:"focus"`
	Favourite            bool   `json:"favourite"`
	Calling              bool   `json:"calling"`
	DisappearingMessages int64  `json:"disappearing_messages"`
}

func permissionsToView(p *store.Permissions) permissionsView {
	return permissionsView{
		ID:                   p.ID,
		Notifications:        p.Notifications,
		AutoDownload:         p.AutoDownload,
		ContactSharing:       p.ContactSharing,
		DisplayPicture:       p.DisplayPicture,
		ReadReceipts:         p.ReadReceipts,
		Focus:                p.Focus,
		Favourite:            p.Favourite,
		Calling:              p.Calling,
		DisappearingMessages: p.DisappearingMessages,
	}
}

// applyPermissions overwrites the toggles present in a. Absent keys keep
// their current value.
func applyPermissions(p *store.Permissions, a args) {
	set := func(key string, dst *bool) {
		if a.has(key) {
			*dst = a.boolean(key)
		}
	}
	set("notifications", &p.Notifications)
	set("auto_download", &p.AutoDownload)
	set("contact_sharing", &p.ContactSharing)
	set("display_picture", &p.DisplayPicture)
	set("read_receipts", &p.ReadReceipts)
	set("focus", &p.Focus)
	set("favourite", &p.Favourite)
	set("calling", &p.Calling)
	if a.has("disappearing_messages") {
		p.DisappearingMessages = a.number("disappearing_messages")
	}
}

type folderView struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	PermissionsID string `json:"permissions_id"`
	CreatedAt     int64  `json:"created_at"`
}

func folderToView(f *store.Folder) folderView {
	return folderView{ID: f.ID, Name: f.Name, PermissionsID: f.PermissionsID, CreatedAt: f.CreatedAt}
}

type presetView struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	IsDefault   bool            `json:"is_default"`
	Permissions permissionsView `json:"permissions"`
	CreatedAt   int64           `json:"created_at"`
}

func presetToView(p *store.PermissionPreset, perms *store.Permissions) presetView {
	return presetView{
		ID:          p.ID,
		Name:        p.Name,
		IsDefault:   p.IsDefault,
		Permissions: permissionsToView(perms),
		CreatedAt:   p.CreatedAt,
	}
}

type memberView struct {
	MemberID string `json:"member_id"`
	Name     string `json:"name,omitempty"`
	IsAdmin  bool   `json:"is_admin"`
	JoinedAt int64  `json:"joined_at"`
}

func membersToView(ms []store.GroupMember) []memberView {
	views := make([]memberView, 0, len(ms))
	for _, m := range ms {
		views = append(views, memberView{MemberID: m.MemberID, Name: m.Name, IsAdmin: m.IsAdmin, JoinedAt: m.JoinedAt})
	}
	return views
}
