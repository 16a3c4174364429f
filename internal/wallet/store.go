package wallet

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/Klingon-tech/klingnet-mix/internal/storage"
	"github.com/Klingon-tech/klingnet-mix/pkg/types"
)

var (
	prefixUTXO   = []byte("u/")
	prefixRounds = []byte("r/")
	prefixSpent  = []byte("s/")
)

const outpointKeySize = types.HashSize + 4

// Store persists the wallet's outputs, the mixing rounds recorded for
// outpoints and the outpoints spent by not yet confirmed transactions.
type Store struct {
	db storage.DB
}

// NewStore creates a store backed by db.
func NewStore(db storage.DB) *Store {
	return &Store{db: db}
}

// outpointKey builds prefix + txid(32) + index(4).
func outpointKey(prefix []byte, op types.Outpoint) []byte {
	key := make([]byte, len(prefix)+outpointKeySize)
	copy(key, prefix)
	copy(key[len(prefix):], op.TxID[:])
	binary.BigEndian.PutUint32(key[len(prefix)+types.HashSize:], op.Index)
	return key
}

func decodeOutpointKey(prefix, key []byte) (types.Outpoint, error) {
	if len(key) != len(prefix)+outpointKeySize {
		return types.Outpoint{}, fmt.Errorf("bad outpoint key length %d", len(key))
	}
	var op types.Outpoint
	copy(op.TxID[:], key[len(prefix):])
	op.Index = binary.BigEndian.Uint32(key[len(prefix)+types.HashSize:])
	return op, nil
}

// Get returns the output stored for op.
func (s *Store) Get(op types.Outpoint) (UTXO, error) {
	data, err := s.db.Get(outpointKey(prefixUTXO, op))
	if err != nil {
		return UTXO{}, fmt.Errorf("utxo get: %w", err)
	}
	var u UTXO
	if err := json.Unmarshal(data, &u); err != nil {
		return UTXO{}, fmt.Errorf("utxo unmarshal: %w", err)
	}
	return u, nil
}

// Has reports whether op is stored.
func (s *Store) Has(op types.Outpoint) (bool, error) {
	return s.db.Has(outpointKey(prefixUTXO, op))
}

// Put stores u.
func (s *Store) Put(u UTXO) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("utxo marshal: %w", err)
	}
	if err := s.db.Put(outpointKey(prefixUTXO, u.Outpoint), data); err != nil {
		return fmt.Errorf("utxo put: %w", err)
	}
	return nil
}

// Delete removes op. Deleting a missing output is not an error.
func (s *Store) Delete(op types.Outpoint) error {
	if err := s.db.Delete(outpointKey(prefixUTXO, op)); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("utxo delete: %w", err)
	}
	return nil
}

// ForEach calls fn for every stored output in key order.
func (s *Store) ForEach(fn func(UTXO) error) error {
	return s.db.ForEach(prefixUTXO, func(_, value []byte) error {
		var u UTXO
		if err := json.Unmarshal(value, &u); err != nil {
			return fmt.Errorf("utxo unmarshal: %w", err)
		}
		return fn(u)
	})
}

// SetRounds records how many mixing rounds op has been through. The
// output itself may not be stored yet.
func (s *Store) SetRounds(op types.Outpoint, rounds int) error {
	if rounds < 0 {
		return fmt.Errorf("negative rounds %d", rounds)
	}
	return s.db.Put(outpointKey(prefixRounds, op), []byte(strconv.Itoa(rounds)))
}

// Rounds returns the recorded round count of op, 0 when none.
func (s *Store) Rounds(op types.Outpoint) (int, error) {
	data, err := s.db.Get(outpointKey(prefixRounds, op))
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("rounds get: %w", err)
	}
	n, err := strconv.Atoi(string(data))
	if err != nil {
		return 0, fmt.Errorf("rounds decode: %w", err)
	}
	return n, nil
}

// MarkSpent records that op is spent by a transaction not yet confirmed.
func (s *Store) MarkSpent(op types.Outpoint, at time.Time) error {
	return s.db.Put(outpointKey(prefixSpent, op), binary.BigEndian.AppendUint64(nil, uint64(at.Unix())))
}

// IsSpent reports whether op is marked spent.
func (s *Store) IsSpent(op types.Outpoint) (bool, error) {
	return s.db.Has(outpointKey(prefixSpent, op))
}

// ClearSpent removes the spent marker of op.
func (s *Store) ClearSpent(op types.Outpoint) error {
	if err := s.db.Delete(outpointKey(prefixSpent, op)); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return nil
}

// ForEachSpent calls fn for every spent marker.
func (s *Store) ForEachSpent(fn func(op types.Outpoint, at time.Time) error) error {
	return s.db.ForEach(prefixSpent, func(key, value []byte) error {
		op, err := decodeOutpointKey(prefixSpent, key)
		if err != nil {
			return err
		}
		if len(value) != 8 {
			return fmt.Errorf("bad spent marker for %s", op)
		}
		return fn(op, time.Unix(int64(binary.BigEndian.Uint64(value)), 0))
	})
}
