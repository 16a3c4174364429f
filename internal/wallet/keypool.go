package wallet

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Klingon-tech/klingnet-mix/internal/storage"
)

// DefaultKeyPoolSize is the number of keys a backup is considered to cover
// beyond the last issued one.
const DefaultKeyPoolSize = 1000

var keyPoolKey = []byte("keypool")

type keyPoolState struct {
	Next          uint32   `json:"next"`
	Returned      []uint32 `json:"returned"`
	BackupHorizon uint32   `json:"backup_horizon"`
}

// KeyPool hands out HD key indices. Returned indices are reused before new
// ones; kept indices are never handed out again.
type KeyPool struct {
	mu       sync.Mutex
	db       storage.DB
	size     uint32
	state    keyPoolState
	reserved map[uint32]struct{}
}

// OpenKeyPool loads the pool from db, initialising it on first use.
func OpenKeyPool(db storage.DB, size uint32) (*KeyPool, error) {
	if size == 0 {
		size = DefaultKeyPoolSize
	}
	p := &KeyPool{db: db, size: size, reserved: make(map[uint32]struct{})}

	data, err := db.Get(keyPoolKey)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		// A fresh keystore file is the first backup.
		p.state = keyPoolState{BackupHorizon: size}
		if err := p.save(); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("load key pool: %w", err)
	default:
		if err := json.Unmarshal(data, &p.state); err != nil {
			return nil, fmt.Errorf("decode key pool: %w", err)
		}
	}
	return p, nil
}

func (p *KeyPool) save() error {
	data, err := json.Marshal(&p.state)
	if err != nil {
		return fmt.Errorf("encode key pool: %w", err)
	}
	if err := p.db.Put(keyPoolKey, data); err != nil {
		return fmt.Errorf("save key pool: %w", err)
	}
	return nil
}

// Reserve takes an index out of the pool.
func (p *KeyPool) Reserve() (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var idx uint32
	if n := len(p.state.Returned); n > 0 {
		idx = p.state.Returned[0]
		p.state.Returned = p.state.Returned[1:]
	} else {
		if p.state.Next == ^uint32(0) {
			return 0, ErrKeyPoolExhausted
		}
		idx = p.state.Next
		p.state.Next++
	}
	if err := p.save(); err != nil {
		return 0, err
	}
	p.reserved[idx] = struct{}{}
	return idx, nil
}

// Keep marks a reserved index as permanently used.
func (p *KeyPool) Keep(idx uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.reserved[idx]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownReservation, idx)
	}
	delete(p.reserved, idx)
	return nil
}

// Return puts a reserved index back into the pool.
func (p *KeyPool) Return(idx uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.reserved[idx]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownReservation, idx)
	}
	delete(p.reserved, idx)
	p.state.Returned = append(p.state.Returned, idx)
	sort.Slice(p.state.Returned, func(i, j int) bool { return p.state.Returned[i] < p.state.Returned[j] })
	return p.save()
}

// Issued returns the number of indices ever handed out.
func (p *KeyPool) Issued() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state.Next
}

// Reserved returns the number of unresolved reservations.
func (p *KeyPool) Reserved() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.reserved)
}

// KeysLeftSinceBackup counts the unused keys covered by the last backup.
func (p *KeyPool) KeysLeftSinceBackup() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	left := 0
	if p.state.BackupHorizon > p.state.Next {
		left = int(p.state.BackupHorizon - p.state.Next)
	}
	for _, idx := range p.state.Returned {
		if idx < p.state.BackupHorizon {
			left++
		}
	}
	return left
}

// MarkBackup records that a backup now covers the next pool-size keys.
func (p *KeyPool) MarkBackup() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state.BackupHorizon = p.state.Next + p.size
	return p.save()
}
