package inbox

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrMailNotFound = errors.New("mail not found")

// Store exposes per-identity mail; the session header only reads UnreadCount.
type Store interface {
	Deliver(userID, subject, body string) Mail
	List(userID string) []Mail
	UnreadCount(userID string) int
	MarkRead(userID, mailID string) error
}

// MemoryStore implements Store with in-memory slices keyed by identity.
type MemoryStore struct {
	mu    sync.RWMutex
	mails map[string][]Mail
	now   func() time.Time
}

// NewMemoryStore returns an empty inbox store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		mails: make(map[string][]Mail),
		now:   time.Now,
	}
}

// Deliver appends a new unread mail for the user.
func (s *MemoryStore) Deliver(userID, subject, body string) Mail {
	mail := Mail{
		ID:        uuid.NewString(),
		Subject:   subject,
		Body:      body,
		Timestamp: s.now().UTC(),
	}

	s.mu.Lock()
	s.mails[userID] = append(s.mails[userID], mail)
	s.mu.Unlock()
	return mail
}

// List returns the user's mail, newest first.
func (s *MemoryStore) List(userID string) []Mail {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := s.mails[userID]
	out := make([]Mail, 0, len(stored))
	for i := len(stored) - 1; i >= 0; i-- {
		out = append(out, stored[i])
	}
	return out
}

// UnreadCount returns how many of the user's mails are unread.
func (s *MemoryStore) UnreadCount(userID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, m := range s.mails[userID] {
		if !m.Read {
			count++
		}
	}
	return count
}

// MarkRead flags a mail as read.
func (s *MemoryStore) MarkRead(userID, mailID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.mails[userID] {
		if s.mails[userID][i].ID == mailID {
			s.mails[userID][i].Read = true
			return nil
		}
	}
	return ErrMailNotFound
}
