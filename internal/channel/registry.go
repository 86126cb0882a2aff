package channel

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var errSessionExists = errors.New("session already registered")

// Registry is the in-memory table of active sessions, keyed by session id
// and by credential. It enforces at most one active session per credential.
// It must be created via NewRegistry and is owned by a Manager.
type Registry struct {
	mu           sync.RWMutex
	byID         map[string]*connectionEntry
	byCredential map[string]string
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:         map[string]*connectionEntry{},
		byCredential: map[string]string{},
	}
}

// add inserts entry. When the credential is held by another session it
// returns that session's entry and ErrDuplicateCredential; when the id is
// already registered it returns the existing entry and errSessionExists.
func (r *Registry) add(entry *connectionEntry) (*connectionEntry, error) {
	if entry == nil {
		return nil, fmt.Errorf("entry is nil")
	}
	id := entry.session.ID
	credential := credentialKey(entry.session.Credential)
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byID[id]; ok {
		return existing, errSessionExists
	}
	if holderID, ok := r.byCredential[credential]; ok && holderID != id {
		return r.byID[holderID], fmt.Errorf("%w: held by session %s", ErrDuplicateCredential, holderID)
	}
	r.byID[id] = entry
	r.byCredential[credential] = id
	return nil, nil
}

// remove deletes the session and releases its credential.
func (r *Registry) remove(id string) *connectionEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(id)
}

// removeEntry deletes id only while it still maps to entry.
func (r *Registry) removeEntry(id string, entry *connectionEntry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.byID[id]; !ok || current != entry {
		return false
	}
	r.removeLocked(id)
	return true
}

func (r *Registry) removeLocked(id string) *connectionEntry {
	entry, ok := r.byID[id]
	if !ok {
		return nil
	}
	delete(r.byID, id)
	credential := credentialKey(entry.session.Credential)
	if holder, ok := r.byCredential[credential]; ok && holder == id {
		delete(r.byCredential, credential)
	}
	return entry
}

func (r *Registry) get(id string) (*connectionEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.byID[id]
	return entry, ok
}

// Lookup returns a copy of the registered session.
func (r *Registry) Lookup(id string) (Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.byID[strings.TrimSpace(id)]
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return entry.session.Clone(), nil
}

// Holder returns the id of the session that holds credential.
func (r *Registry) Holder(credential string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byCredential[credentialKey(credential)]
	return id, ok
}

// IDs returns registered session ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) entries() []*connectionEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := make([]*connectionEntry, 0, len(r.byID))
	for _, entry := range r.byID {
		items = append(items, entry)
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].session.ID < items[j].session.ID
	})
	return items
}

// setChatEntities replaces the session's mapping in place.
func (r *Registry) setChatEntities(id string, mapping map[string]string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.byID[id]
	if !ok {
		return false
	}
	entry.session.ChatEntities = cloneStringMap(mapping)
	return true
}

// replaceSession swaps the stored config of a running session whose
// credential and mode are unchanged.
func (r *Registry) replaceSession(session Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.byID[session.ID]
	if !ok {
		return false
	}
	entry.session = session.Clone()
	return true
}

func credentialKey(credential string) string {
	return strings.TrimSpace(credential)
}
