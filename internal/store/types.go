package store

// MessageStatus is the delivery state of a message. Values are persisted
// and StatusJournaled is baked into partial indexes.
type MessageStatus int

const (
	StatusJournaled MessageStatus = 0
	StatusSent      MessageStatus = 1
	StatusDelivered MessageStatus = 2
	StatusRead      MessageStatus = 3
)

// The journaled partial indexes are built from StatusJournaled; this fails
// to compile if the sentinel ever moves off zero.
var _ = [1]struct{}{}[StatusJournaled]

func (s MessageStatus) String() string {
	switch s {
	case StatusJournaled:
		return "journaled"
	case StatusSent:
		return "sent"
	case StatusDelivered:
		return "delivered"
	case StatusRead:
		return "read"
	}
	return "unknown"
}

// ConnectionType is direct or group.
type ConnectionType string

const (
	Direct ConnectionType = "direct"
	Group  ConnectionType = "group"
)

// DefaultFolderID is seeded by the first migration and cannot be deleted.
const DefaultFolderID = "default"

// Permissions are per-connection toggles. Folders hold a template row that
// is copied onto connections.
type Permissions struct {
	ID             string
	Notifications  bool
	AutoDownload   bool
	ContactSharing bool
	DisplayPicture bool
	ReadReceipts   bool
	Focus          bool
	Favourite      bool
	Calling        bool
	// DisappearingMessages is the timeout in seconds; zero disables it.
	DisappearingMessages int64
}

// DefaultPermissions mirrors the column defaults.
func DefaultPermissions() Permissions {
	return Permissions{
		Notifications:  true,
		AutoDownload:   true,
		ContactSharing: true,
		DisplayPicture: true,
		ReadReceipts:   true,
		Calling:        true,
	}
}

// Folder groups connections.
type Folder struct {
	ID            string
	Name          string
	PermissionsID string
	CreatedAt     int64
}

// CryptoIdentity is the key material owned by one connection or port.
type CryptoIdentity struct {
	ID                string
	PrivateKey        []byte
	PublicKey         []byte
	SharedSecret      []byte
	PeerPublicKeyHash string
}

// Connection is a chat with one peer or one group.
type Connection struct {
	ChatID          string
	Type            ConnectionType
	PairHash        string
	Name            string
	FolderID        string
	PermissionsID   string
	CryptoID        string
	BundleID        string
	InfoSent        bool
	InfoReceived    bool
	Authenticated   bool
	Disconnected    bool
	LatestMessageID string
	UnreadCount     int
	Timestamp       int64
}

// Message is one row of messages or group_messages.
type Message struct {
	ChatID      string
	MessageID   string
	ContentType string
	Data        []byte
	ReplyID     string
	Sender      bool
	SenderID    string
	Timestamp   int64
	Status      MessageStatus
	// ExpiresOn is unix milliseconds; zero means the message never expires.
	ExpiresOn int64
	MediaID   string
}

// PortKind matches bundle.Kind.
type PortKind string

const (
	KindPort      PortKind = "port"
	KindSuperPort PortKind = "superport"
	KindContact   PortKind = "contact"
)

// Port is an invitation we generated.
type Port struct {
	BundleID string
	Kind     PortKind
	Target   ConnectionType
	Label    string
	// ConnectionLimit of zero means unlimited.
	ConnectionLimit int
	UsesConsumed    int
	CreatedAt       int64
	ExpiryTimestamp int64
	Paused          bool
	PermissionsID   string
	FolderID        string
	CryptoID        string
	Rad             string
	URL             string
}

// Exhausted reports whether every allowed use has been consumed.
func (p *Port) Exhausted() bool {
	return p.ConnectionLimit > 0 && p.UsesConsumed >= p.ConnectionLimit
}

// Expired reports whether the port's expiry has elapsed at nowMs.
func (p *Port) Expired(nowMs int64) bool {
	return p.ExpiryTimestamp > 0 && nowMs >= p.ExpiryTimestamp
}

// ReadPort is a bundle we read but could not consume yet.
type ReadPort struct {
	BundleID        string
	URL             string
	FolderID        string
	Attempts        int
	LastError       string
	ExpiryTimestamp int64
	CreatedAt       int64
}

// ContactPortOwner says whose contact port a row describes.
type ContactPortOwner string

const (
	OwnerMine ContactPortOwner = "mine"
	OwnerPeer ContactPortOwner = "peer"
)

// ContactPort is a contact invitation tied to an existing relationship.
type ContactPort struct {
	PairHash  string
	Owner     ContactPortOwner
	BundleID  string
	URL       string
	Paused    bool
	UpdatedAt int64
}

// PermissionPreset is a named permissions template offered when creating
// ports and folders. Exactly one preset is the default.
type PermissionPreset struct {
	ID            string
	Name          string
	IsDefault     bool
	PermissionsID string
	CreatedAt     int64
}

// GroupMember is one participant seen in a group chat.
type GroupMember struct {
	ChatID   string
	MemberID string
	Name     string
	IsAdmin  bool
	Deleted  bool
	JoinedAt int64
}

// Reaction is one sender's emoji on a message.
type Reaction struct {
	ChatID    string
	MessageID string
	SenderID  string
	Emoji     string
	Timestamp int64
}

// Unprocessed is an inbound relay item awaiting processing.
type Unprocessed struct {
	ID         int64
	ServerID   string
	Kind       string
	ChatID     string
	BundleID   string
	SenderID   string
	Payload    []byte
	Attempts   int
	LastError  string
	ReceivedAt int64
	// NextAttemptAt is unix milliseconds; the item is skipped until then.
	NextAttemptAt int64
}

// BundleMapEntry links a consumed bundle to the chat it produced.
type BundleMapEntry struct {
	BundleID  string
	ChatID    string
	SingleUse bool
	CreatedAt int64
}

// Profile is this device's identity.
type Profile struct {
	ClientID       string
	Name           string
	SigningPublic  []byte
	SigningPrivate []byte
	// PictureMedia is the CBOR content.Media of the profile picture, if set.
	PictureMedia []byte
}
