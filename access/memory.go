package access

import (
	"context"
	"sync"
)

// MemoryDirectory keeps users and chat membership in process. It backs tests
// and gateways started without a database.
type MemoryDirectory struct {
	mu           sync.RWMutex
	users        map[string]int64
	participants map[int64]map[int64]struct{}
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		users:        make(map[string]int64),
		participants: make(map[int64]map[int64]struct{}),
	}
}

func (d *MemoryDirectory) AddUser(username string, id int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[username] = id
}

func (d *MemoryDirectory) AddParticipant(chatID, userID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	members := d.participants[chatID]
	if members == nil {
		members = make(map[int64]struct{})
		d.participants[chatID] = members
	}
	members[userID] = struct{}{}
}

func (d *MemoryDirectory) RemoveParticipant(chatID, userID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.participants[chatID], userID)
}

func (d *MemoryDirectory) LookupUser(_ context.Context, username string) (int64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.users[username]
	if !ok {
		return 0, ErrUserNotFound
	}
	return id, nil
}

func (d *MemoryDirectory) IsParticipant(_ context.Context, chatID, userID int64) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.participants[chatID][userID]
	return ok, nil
}
