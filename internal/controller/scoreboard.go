package controller

import "sort"

// Scoreboard records which build request claimed each cache key currently
// being built. Every controller in a process shares one Scoreboard through
// its Registry; it is only touched from the loop goroutine.
type Scoreboard struct {
	claims map[string]string
}

// NewScoreboard returns an empty scoreboard.
func NewScoreboard() *Scoreboard {
	return &Scoreboard{claims: make(map[string]string)}
}

// Claim records requestID as the builder of cacheKey. It reports false if
// another request already holds the key.
func (s *Scoreboard) Claim(cacheKey, requestID string) bool {
	if owner, ok := s.claims[cacheKey]; ok {
		return owner == requestID
	}
	s.claims[cacheKey] = requestID
	return true
}

// Claimer returns the request holding cacheKey.
func (s *Scoreboard) Claimer(cacheKey string) (string, bool) {
	owner, ok := s.claims[cacheKey]
	return owner, ok
}

// Release drops requestID's claim on cacheKey. Claims held by other requests
// are left alone.
func (s *Scoreboard) Release(cacheKey, requestID string) bool {
	if owner, ok := s.claims[cacheKey]; ok && owner == requestID {
		delete(s.claims, cacheKey)
		return true
	}
	return false
}

// ReleaseAll drops every claim held by requestID and returns the released
// keys, sorted.
func (s *Scoreboard) ReleaseAll(requestID string) []string {
	var keys []string
	for key, owner := range s.claims {
		if owner == requestID {
			keys = append(keys, key)
			delete(s.claims, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of claimed keys.
func (s *Scoreboard) Len() int {
	return len(s.claims)
}
