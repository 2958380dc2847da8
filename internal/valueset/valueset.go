// Package valueset provides value-set membership lookups for path-expression
// memberOf calls. The engine only needs a yes/no answer per (code, value set
// URL) pair.
package valueset

import (
	"errors"
	"sync"
)

// ErrUnavailable is returned when the membership backing for a value set is
// not loaded. Callers treat membership as false and record a diagnostic.
var ErrUnavailable = errors.New("value set unavailable")

// Service answers membership questions.
type Service interface {
	// Contains reports whether code belongs to the value set at url.
	Contains(url, code string) (bool, error)
}

// InMemoryService holds expanded value sets keyed by canonical URL.
type InMemoryService struct {
	mu   sync.RWMutex
	sets map[string]map[string]struct{}
}

func NewInMemoryService() *InMemoryService {
	return &InMemoryService{sets: make(map[string]map[string]struct{})}
}

// Load replaces the expansion for url with the given codes.
func (s *InMemoryService) Load(url string, codes []string) {
	set := make(map[string]struct{}, len(codes))
	for _, c := range codes {
		set[c] = struct{}{}
	}
	s.mu.Lock()
	s.sets[url] = set
	s.mu.Unlock()
}

func (s *InMemoryService) Contains(url, code string) (bool, error) {
	s.mu.RLock()
	set, ok := s.sets[url]
	s.mu.RUnlock()
	if !ok {
		return false, ErrUnavailable
	}
	_, member := set[code]
	return member, nil
}
