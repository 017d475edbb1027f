package memory

import (
	"context"
	"sync"

	"github.com/adwski/moshi-moshi/backend/presence"
)

type MemStore struct {
	mx *sync.Mutex
	db map[string]presence.Profile
}

func NewMemStore(profiles ...presence.Profile) *MemStore {
	ms := &MemStore{
		mx: &sync.Mutex{},
		db: make(map[string]presence.Profile),
	}
	for _, p := range profiles {
		ms.db[p.UserID] = p
	}
	return ms
}

// Put creates or replaces a profile.
func (ms *MemStore) Put(profile presence.Profile) {
	ms.mx.Lock()
	defer ms.mx.Unlock()
	ms.db[profile.UserID] = profile
}

func (ms *MemStore) GetProfile(_ context.Context, userID string) (*presence.Profile, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	profile, ok := ms.db[userID]
	if !ok {
		return nil, presence.ErrProfileNotFound
	}
	return &profile, nil
}

func (ms *MemStore) SetStatus(_ context.Context, userID string, status presence.Status) error {
	return ms.update(userID, func(p *presence.Profile) {
		p.Status = status
	})
}

func (ms *MemStore) SetRoomMessage(_ context.Context, userID string, text string) error {
	return ms.update(userID, func(p *presence.Profile) {
		p.RoomMessage = text
	})
}

func (ms *MemStore) update(userID string, fn func(*presence.Profile)) error {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	profile, ok := ms.db[userID]
	if !ok {
		return presence.ErrProfileNotFound
	}
	fn(&profile)
	ms.db[userID] = profile
	return nil
}
