// Package conversation holds the client-side view of a realtime session: the
// ordered item list (the canonical transcript) and the protocol event log.
package conversation

import "sync"

// Role identifies the originator of a conversation item.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ItemStatus tracks whether an item is still accumulating content.
type ItemStatus string

const (
	StatusInProgress ItemStatus = "in_progress"
	StatusCompleted  ItemStatus = "completed"
)

// Item is one turn-level unit of the transcript. Content accumulates while
// in progress and freezes on completion.
type Item struct {
	ID     string
	Role   Role
	Status ItemStatus
	Text   string
	audio  []byte
}

// Audio returns a copy of the accumulated PCM.
func (it *Item) Audio() []byte {
	out := make([]byte, len(it.audio))
	copy(out, it.audio)
	return out
}

// AudioLen returns the accumulated PCM byte count.
func (it *Item) AudioLen() int {
	return len(it.audio)
}

// Patch is one incremental update applied to an item. Text and audio append;
// role is set on first sight; Complete freezes the item.
type Patch struct {
	Role     Role
	Text     string
	Audio    []byte
	Complete bool
}

// Store is the mutable ordered item list. Items are ordered by creation and
// never reordered; deletion is explicit.
type Store struct {
	mu    sync.Mutex
	order []string
	byID  map[string]*Item
}

// NewStore creates an empty transcript store.
func NewStore() *Store {
	return &Store{byID: make(map[string]*Item)}
}

// Upsert creates the item on first reference and merges the patch in arrival
// order. Patches against a completed item's content are ignored; the content
// is immutable once completed. Unknown ids never error.
func (s *Store) Upsert(id string, patch Patch) *Item {
	if id == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.byID[id]
	if !ok {
		it = &Item{ID: id, Status: StatusInProgress}
		s.byID[id] = it
		s.order = append(s.order, id)
	}
	if it.Role == "" && patch.Role != "" {
		it.Role = patch.Role
	}
	if it.Status != StatusCompleted {
		if patch.Text != "" {
			it.Text += patch.Text
		}
		if len(patch.Audio) > 0 {
			it.audio = append(it.audio, patch.Audio...)
		}
	}
	if patch.Complete {
		it.Status = StatusCompleted
	}
	return s.snapshotLocked(it)
}

// Delete removes an item locally. Deleting an unknown id is a no-op.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[id]; !ok {
		return false
	}
	delete(s.byID, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

// Get returns a snapshot of one item.
func (s *Store) Get(id string) (Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.byID[id]
	if !ok {
		return Item{}, false
	}
	return *s.snapshotLocked(it), true
}

// Items returns the transcript in creation order.
func (s *Store) Items() []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Item, 0, len(s.order))
	for _, id := range s.order {
		if it, ok := s.byID[id]; ok {
			out = append(out, *s.snapshotLocked(it))
		}
	}
	return out
}

// Len reports the number of items.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

func (s *Store) snapshotLocked(it *Item) *Item {
	cp := *it
	cp.audio = make([]byte, len(it.audio))
	copy(cp.audio, it.audio)
	return &cp
}
