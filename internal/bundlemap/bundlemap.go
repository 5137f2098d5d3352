// Package bundlemap maps consumed bundle ids to the chat they produced.
// Every read-modify-write goes through one process-wide lock so two
// near-simultaneous consumptions of the same bundle resolve to one chat.
package bundlemap

import (
	"sync"
	"time"

	"github.com/matheus3301/port/internal/store"
)

// Map is the lock-protected bundle map over the store's bundle_map table.
type Map struct {
	db *store.DB
	mu sync.Mutex
}

// New returns a Map backed by db.
func New(db *store.DB) *Map {
	return &Map{db: db}
}

// View is handed to Update callbacks. Its methods do not take the lock;
// they are for code already inside the synchronized section.
type View struct {
	db *store.DB
}

// Get returns the entry for bundleID, or nil.
func (v *View) Get(bundleID string) (*store.BundleMapEntry, error) {
	return v.db.BundleMapGet(bundleID)
}

// Put links bundleID to chatID.
func (v *View) Put(bundleID, chatID string, singleUse bool) error {
	return v.db.BundleMapPut(&store.BundleMapEntry{
		BundleID:  bundleID,
		ChatID:    chatID,
		SingleUse: singleUse,
		CreatedAt: time.Now().UnixMilli(),
	})
}

// Take returns the entry and removes it when it is single-use.
func (v *View) Take(bundleID string) (*store.BundleMapEntry, error) {
	e, err := v.db.BundleMapGet(bundleID)
	if err != nil || e == nil {
		return e, err
	}
	if e.SingleUse {
		if err := v.db.BundleMapDelete(bundleID); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Remove deletes the entry for bundleID.
func (v *View) Remove(bundleID string) error {
	return v.db.BundleMapDelete(bundleID)
}

// Update runs fn with the lock held.
func (m *Map) Update(fn func(v *View) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(&View{db: m.db})
}

// Get returns the entry for bundleID, or nil.
func (m *Map) Get(bundleID string) (*store.BundleMapEntry, error) {
	var e *store.BundleMapEntry
	err := m.Update(func(v *View) error {
		var err error
		e, err = v.Get(bundleID)
		return err
	})
	return e, err
}

// Put links bundleID to chatID.
func (m *Map) Put(bundleID, chatID string, singleUse bool) error {
	return m.Update(func(v *View) error { return v.Put(bundleID, chatID, singleUse) })
}

// Take returns the entry and removes it when it is single-use.
func (m *Map) Take(bundleID string) (*store.BundleMapEntry, error) {
	var e *store.BundleMapEntry
	err := m.Update(func(v *View) error {
		var err error
		e, err = v.Take(bundleID)
		return err
	})
	return e, err
}

// Remove deletes the entry for bundleID.
func (m *Map) Remove(bundleID string) error {
	return m.Update(func(v *View) error { return v.Remove(bundleID) })
}
