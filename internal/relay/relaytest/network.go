// Package relaytest is an in-memory relay for tests. A Network holds the
// shared server state; Client returns the view of one device.
package relaytest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/matheus3301/port/internal/relay"
)

// ErrOffline is returned by every call of a client marked offline. It is a
// transport failure, not a relay verdict.
var ErrOffline = errors.New("relaytest: network unreachable")

type port struct {
	owner  string
	reg    relay.PortRegistration
	uses   int
	chatID string
}

type chat struct {
	members []string
	group   bool
}

type inboxItem struct {
	seq  int
	item relay.Inbound
}

// Network is the shared relay state.
type Network struct {
	mu      sync.Mutex
	seq     int
	ports   map[string]*port
	chats   map[string]*chat
	inboxes map[string][]inboxItem
	media   map[string][]byte
	offline map[string]bool
	// SendHook, when set, runs before every Send and may fail it.
	SendHook func(env relay.Envelope) error
	Now      func() time.Time
}

// New returns an empty network.
func New() *Network {
	return &Network{
		ports:   make(map[string]*port),
		chats:   make(map[string]*chat),
		inboxes: make(map[string][]inboxItem),
		media:   make(map[string][]byte),
		offline: make(map[string]bool),
		Now:     time.Now,
	}
}

// Client returns the API as seen by clientID.
func (n *Network) Client(clientID string) *Client {
	return &Client{net: n, id: clientID}
}

// SetOffline makes every call of clientID fail with ErrOffline.
func (n *Network) SetOffline(clientID string, offline bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offline[clientID] = offline
}

// Uses returns how many chats bundleID has opened.
func (n *Network) Uses(bundleID string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	if p, ok := n.ports[bundleID]; ok {
		return p.uses
	}
	return 0
}

func (n *Network) deliver(to string, item relay.Inbound) {
	n.seq++
	item.ServerID = strconv.Itoa(n.seq)
	if item.Timestamp == 0 {
		item.Timestamp = n.Now().UnixMilli()
	}
	n.inboxes[to] = append(n.inboxes[to], inboxItem{seq: n.seq, item: item})
}

func rejection(status int, code string) error {
	return &relay.StatusError{HTTPStatus: status, Code: code, Message: code}
}

// Client is one device's view of the Network.
type Client struct {
	net *Network
	id  string
}

var _ relay.API = (*Client)(nil)

// ID returns the client id.
func (c *Client) ID() string { return c.id }

func (c *Client) enter() error {
	c.net.mu.Lock()
	if c.net.offline[c.id] {
		c.net.mu.Unlock()
		return ErrOffline
	}
	return nil
}

func (c *Client) RegisterClient(ctx context.Context, signingPublic []byte) error {
	if err := c.enter(); err != nil {
		return err
	}
	defer c.net.mu.Unlock()
	return nil
}

func (c *Client) RegisterPort(ctx context.Context, reg relay.PortRegistration) error {
	if err := c.enter(); err != nil {
		return err
	}
	defer c.net.mu.Unlock()
	c.net.ports[reg.BundleID] = &port{owner: c.id, reg: reg}
	return nil
}

func (c *Client) SetPortPaused(ctx context.Context, bundleID string, paused bool) error {
	if err := c.enter(); err != nil {
		return err
	}
	defer c.net.mu.Unlock()
	p, ok := c.net.ports[bundleID]
	if !ok || p.owner != c.id {
		return rejection(http.StatusNotFound, relay.CodeNotFound)
	}
	p.reg.Paused = paused
	return nil
}

// NewChat checks the bundle's limits and opens the chat in one critical
// section, so concurrent readers can never exceed the limit.
func (c *Client) NewChat(ctx context.Context, req relay.NewChatRequest) (*relay.NewChatResponse, error) {
	if err := c.enter(); err != nil {
		return nil, err
	}
	defer c.net.mu.Unlock()

	p, ok := c.net.ports[req.BundleID]
	switch {
	case !ok:
		return nil, rejection(http.StatusNotFound, relay.CodeInvalidPort)
	case p.reg.Paused:
		return nil, rejection(http.StatusConflict, relay.CodePausedPort)
	case p.reg.Limit > 0 && p.uses >= p.reg.Limit:
		return nil, rejection(http.StatusGone, relay.CodeExhaustedPort)
	case p.reg.ExpiresAt > 0 && c.net.Now().UnixMilli() >= p.reg.ExpiresAt:
		return nil, rejection(http.StatusGone, relay.CodeExpiredPort)
	}
	p.uses++

	group := p.reg.Target == "group"
	chatID := p.chatID
	if chatID == "" || !group {
		c.net.seq++
		chatID = fmt.Sprintf("chat-%d", c.net.seq)
	}
	ch, ok := c.net.chats[chatID]
	if !ok {
		ch = &chat{members: []string{p.owner}, group: group}
		c.net.chats[chatID] = ch
		if group {
			p.chatID = chatID
		}
	}
	ch.members = append(ch.members, c.id)

	pairHash := relay.PairHash(p.owner, c.id)
	if group {
		pairHash = relay.GroupPairHash(chatID, c.id)
	}

	c.net.deliver(p.owner, relay.Inbound{
		Kind:     relay.KindNewChat,
		ChatID:   chatID,
		BundleID: req.BundleID,
		SenderID: c.id,
		Payload:  append([]byte(nil), req.Intro...),
	})
	return &relay.NewChatResponse{ChatID: chatID, PairHash: pairHash}, nil
}

// Send fans the envelope out to every other member of the chat.
func (c *Client) Send(ctx context.Context, env relay.Envelope) (*relay.SendReceipt, error) {
	if err := c.enter(); err != nil {
		return nil, err
	}
	defer c.net.mu.Unlock()
	if hook := c.net.SendHook; hook != nil {
		if err := hook(env); err != nil {
			return nil, err
		}
	}
	ch, ok := c.net.chats[env.ChatID]
	if !ok {
		return nil, rejection(http.StatusNotFound, relay.CodeNotFound)
	}
	now := c.net.Now().UnixMilli()
	for _, m := range ch.members {
		if m == c.id {
			continue
		}
		c.net.deliver(m, relay.Inbound{
			Kind:      relay.KindMessage,
			ChatID:    env.ChatID,
			SenderID:  c.id,
			Payload:   append([]byte(nil), env.Payload...),
			Timestamp: now,
		})
	}
	return &relay.SendReceipt{Timestamp: now}, nil
}

// Pull returns inbox items after cursor. Items are never removed, so a
// client that loses its cursor sees them again.
func (c *Client) Pull(ctx context.Context, cursor string, limit int) (*relay.Batch, error) {
	if err := c.enter(); err != nil {
		return nil, err
	}
	defer c.net.mu.Unlock()
	after := 0
	if cursor != "" {
		v, err := strconv.Atoi(cursor)
		if err != nil {
			return nil, rejection(http.StatusBadRequest, "bad_cursor")
		}
		after = v
	}
	batch := &relay.Batch{Cursor: cursor}
	for _, it := range c.net.inboxes[c.id] {
		if it.seq <= after {
			continue
		}
		if limit > 0 && len(batch.Items) >= limit {
			break
		}
		batch.Items = append(batch.Items, it.item)
		batch.Cursor = strconv.Itoa(it.seq)
	}
	return batch, nil
}

func (c *Client) UploadMedia(ctx context.Context, mediaID string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.enter(); err != nil {
		return err
	}
	defer c.net.mu.Unlock()
	c.net.media[mediaID] = data
	return nil
}

func (c *Client) DownloadMedia(ctx context.Context, mediaID string, w io.Writer) error {
	if err := c.enter(); err != nil {
		return err
	}
	data, ok := c.net.media[mediaID]
	c.net.mu.Unlock()
	if !ok {
		return rejection(http.StatusNotFound, relay.CodeNotFound)
	}
	_, err := io.Copy(w, bytes.NewReader(data))
	return err
}

func (c *Client) DeleteAccount(ctx context.Context) error {
	if err := c.enter(); err != nil {
		return err
	}
	defer c.net.mu.Unlock()
	delete(c.net.inboxes, c.id)
	for id, p := range c.net.ports {
		if p.owner == c.id {
			delete(c.net.ports, id)
		}
	}
	return nil
}
