package imagefetch

import "sync"

// FailedSet is a thread-safe set of URLs whose last download failed permanently.
// It lives only as long as the process.
type FailedSet struct {
	mu   sync.Mutex
	urls map[string]struct{}
}

// NewFailedSet creates an empty set.
func NewFailedSet() *FailedSet {
	return &FailedSet{urls: make(map[string]struct{})}
}

// Add marks u as failed.
func (s *FailedSet) Add(u string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.urls[u] = struct{}{}
}

// Remove forgets u, allowing it to be downloaded again.
func (s *FailedSet) Remove(u string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.urls, u)
}

// Contains reports whether u is marked as failed.
func (s *FailedSet) Contains(u string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.urls[u]
	return ok
}

// Len returns the number of failed URLs.
func (s *FailedSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.urls)
}
