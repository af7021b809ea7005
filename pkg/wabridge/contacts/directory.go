// Package contacts maintains the contact directory: every conversation id
// the session has seen, with the names used to resolve "send to Alice".
//
// The directory is filled by a bulk sync from the driver once the session
// is ready, and lazily by inbound messages from unknown senders. It is
// persisted to a JSON cache file after every mutation and reloaded at
// startup.
package contacts

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jholhewres/wabridge/pkg/wabridge/driver"
)

// Contact is a directory entry.
type Contact struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
	PushName    string `json:"push_name,omitempty"`
	IsGroup     bool   `json:"is_group"`
}

// Label returns the best human-readable name for the contact.
func (c Contact) Label() string {
	if c.DisplayName != "" {
		return c.DisplayName
	}
	if c.PushName != "" {
		return c.PushName
	}
	return driver.User(c.ID)
}

// Source is the part of the driver the directory syncs from.
type Source interface {
	Contacts(ctx context.Context) ([]driver.Contact, error)
	Chats(ctx context.Context) ([]driver.Chat, error)
}

// Directory is the in-memory contact directory. It is safe for concurrent
// use.
type Directory struct {
	logger *slog.Logger
	store  *FileStore

	mu    sync.RWMutex
	order []string
	byID  map[string]*Contact
	epoch uint64

	syncs   singleflight.Group
	writeMu sync.Mutex
}

// New creates a directory. A nil store disables persistence.
func New(store *FileStore, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{
		logger: logger.With("component", "contacts"),
		store:  store,
		byID:   make(map[string]*Contact),
	}
}

// Load fills the directory from the cache file. Entries are inserted in id
// order since the file carries no insertion order.
func (d *Directory) Load() error {
	if d.store == nil {
		return nil
	}
	entries, err := d.store.Load()
	if err != nil {
		return err
	}

	ids := make([]string, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	d.mu.Lock()
	for _, id := range ids {
		if !driver.IsValidContactID(id) {
			continue
		}
		e := entries[id]
		d.upsertLocked(id, e.DisplayName, e.PushName)
	}
	n := len(d.order)
	d.mu.Unlock()

	d.logger.Info("contacts: loaded cache", "path", d.store.Path(), "count", n)
	return nil
}

// Len returns the number of known contacts.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.order)
}

// Synced reports whether the directory holds anything. An empty directory
// is treated as never synced.
func (d *Directory) Synced() bool { return d.Len() > 0 }

// Get returns the contact with the given id.
func (d *Directory) Get(id string) (Contact, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.byID[id]
	if !ok {
		return Contact{}, false
	}
	return *c, true
}

// List returns up to limit contacts in insertion order. limit <= 0 returns
// all of them.
func (d *Directory) List(limit int) []Contact {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n := len(d.order)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Contact, 0, n)
	for _, id := range d.order[:n] {
		out = append(out, *d.byID[id])
	}
	return out
}

// FindByName returns the first contact, in insertion order, whose display
// or push name contains query (case-insensitive). Several matches are not
// disambiguated.
func (d *Directory) FindByName(query string) (Contact, bool) {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return Contact{}, false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, id := range d.order {
		c := d.byID[id]
		if strings.Contains(strings.ToLower(c.DisplayName), q) ||
			strings.Contains(strings.ToLower(c.PushName), q) {
			return *c, true
		}
	}
	return Contact{}, false
}

// Learn records a sender seen for the first time. Known ids are left
// untouched. Returns true if a record was created.
func (d *Directory) Learn(id, observedName string) bool {
	if !driver.IsValidContactID(id) {
		return false
	}
	d.mu.Lock()
	if _, ok := d.byID[id]; ok {
		d.mu.Unlock()
		return false
	}
	d.upsertLocked(id, "", observedName)
	epoch := d.epoch
	d.mu.Unlock()

	d.logger.Debug("contacts: learned contact", "id", id, "name", observedName)
	d.persist(epoch)
	return true
}

// bulkSyncTimeout bounds one driver sync.
const bulkSyncTimeout = 2 * time.Minute

// BulkSync upserts every valid contact the driver reports.
// When the contact list yields no valid entry the active chat list is used
// instead. Concurrent calls share one sync. Returns the directory size.
func (d *Directory) BulkSync(ctx context.Context, src Source) (int, error) {
	// The shared sync is detached from the caller that started it so a
	// cancelled caller does not fail the ones that joined.
	ch := d.syncs.DoChan("bulk", func() (any, error) {
		syncCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bulkSyncTimeout)
		defer cancel()
		return d.bulkSync(syncCtx, src)
	})

	select {
	case <-ctx.Done():
		return d.Len(), ctx.Err()
	case res := <-ch:
		if res.Shared {
			d.logger.Debug("contacts: joined in-flight sync")
		}
		if res.Err != nil {
			return d.Len(), res.Err
		}
		return res.Val.(int), nil
	}
}

func (d *Directory) bulkSync(ctx context.Context, src Source) (int, error) {
	d.mu.RLock()
	epoch := d.epoch
	d.mu.RUnlock()

	list, err := src.Contacts(ctx)
	if err != nil {
		d.logger.Warn("contacts: fetching contact list failed", "error", err)
	}

	added := 0
	d.mu.Lock()
	if d.epoch != epoch {
		d.mu.Unlock()
		d.logger.Debug("contacts: discarding sync from before reset")
		return d.Len(), nil
	}
	for _, c := range list {
		if !driver.IsValidContactID(c.ID) || driver.IsBroadcastID(c.ID) {
			continue
		}
		d.upsertLocked(c.ID, c.DisplayName, c.PushName)
		added++
	}
	d.mu.Unlock()

	source := "contacts"
	if added == 0 {
		source = "chats"
		chats, chatErr := src.Chats(ctx)
		if chatErr != nil {
			d.logger.Warn("contacts: fetching chat list failed", "error", chatErr)
			if err == nil {
				err = chatErr
			}
		}
		d.mu.Lock()
		if d.epoch != epoch {
			d.mu.Unlock()
			return d.Len(), nil
		}
		for _, ch := range chats {
			if ch.Name == "" || !driver.IsValidContactID(ch.ID) || driver.IsBroadcastID(ch.ID) {
				continue
			}
			d.upsertLocked(ch.ID, ch.Name, "")
			added++
		}
		d.mu.Unlock()
	}

	if added == 0 && err != nil {
		return d.Len(), fmt.Errorf("contact sync: %w", err)
	}

	n := d.Len()
	d.logger.Info("contacts: sync complete", "source", source, "synced", added, "total", n)
	d.persist(epoch)
	return n, nil
}

// EnsureSynced runs a bulk sync when the directory is empty.
func (d *Directory) EnsureSynced(ctx context.Context, src Source) {
	if d.Synced() || src == nil {
		return
	}
	if _, err := d.BulkSync(ctx, src); err != nil {
		d.logger.Warn("contacts: opportunistic sync failed", "error", err)
	}
}

// Reset drops every contact and deletes the cache file.
func (d *Directory) Reset() error {
	d.mu.Lock()
	d.order = nil
	d.byID = make(map[string]*Contact)
	d.epoch++
	d.mu.Unlock()

	if d.store == nil {
		return nil
	}
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	return d.store.Remove()
}

// upsertLocked inserts or refreshes a record. Empty names never overwrite
// known ones.
func (d *Directory) upsertLocked(id, displayName, pushName string) {
	c, ok := d.byID[id]
	if !ok {
		c = &Contact{ID: id, IsGroup: driver.IsGroupID(id)}
		d.byID[id] = c
		d.order = append(d.order, id)
	}
	if displayName != "" {
		c.DisplayName = displayName
	}
	if pushName != "" {
		c.PushName = pushName
	}
}

// persist writes the cache unless a Reset happened since epoch.
func (d *Directory) persist(epoch uint64) {
	if d.store == nil {
		return
	}
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	d.mu.RLock()
	if d.epoch != epoch {
		d.mu.RUnlock()
		return
	}
	entries := make(map[string]storedContact, len(d.byID))
	for id, c := range d.byID {
		entries[id] = storedContact{DisplayName: c.DisplayName, PushName: c.PushName}
	}
	d.mu.RUnlock()

	if err := d.store.Save(entries); err != nil {
		d.logger.Warn("contacts: persisting cache failed", "error", err)
	}
}
