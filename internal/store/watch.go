package store

import "github.com/tasklytic/tasklytic/internal/schema"

// ChangeEvent announces that an entity changed in the store.
type ChangeEvent struct {
	Key schema.Key
	// Remote is set for writes that came from the server.
	Remote bool
}

// Watch registers an observer of store changes. Events are dropped rather
// than blocking writers when the observer falls behind by more than buffer
// events; observers should re-read the store rather than rely on seeing
// every event. The returned func unregisters the observer.
func (s *Store) Watch(buffer int) (<-chan ChangeEvent, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan ChangeEvent, buffer)

	s.watchMu.Lock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = ch
	s.watchMu.Unlock()

	return ch, func() {
		s.watchMu.Lock()
		defer s.watchMu.Unlock()
		if c, ok := s.watchers[id]; ok {
			delete(s.watchers, id)
			close(c)
		}
	}
}

func (s *Store) emit(k schema.Key, remote bool) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	for _, ch := range s.watchers {
		select {
		case ch <- ChangeEvent{Key: k, Remote: remote}:
		default:
		}
	}
}
