package p2p

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/Klingon-tech/klingnet-mix/internal/storage"
)

const (
	mixerKeyPrefix  = "mixer/"
	staleThreshold  = 24 * time.Hour
	maxKnownMixers  = 200
	persistInterval = 5 * time.Minute
)

// MixerRecord is a mixing-service peer seen advertising a queue.
type MixerRecord struct {
	ID       string   `json:"id"`        // base58 peer ID
	Addrs    []string `json:"addrs"`     // multiaddr strings
	LastSeen int64    `json:"last_seen"` // unix timestamp
}

// MixerStore persists MixerRecords under the "mixer/" prefix.
type MixerStore struct {
	db  storage.DB
	now func() time.Time
}

// NewMixerStore creates a MixerStore backed by db.
func NewMixerStore(db storage.DB) *MixerStore {
	return &MixerStore{db: db, now: time.Now}
}

func mixerKey(id string) []byte {
	return []byte(mixerKeyPrefix + id)
}

// Save stores or refreshes a record. New mixers beyond maxKnownMixers are
// dropped.
func (s *MixerStore) Save(rec MixerRecord) error {
	exists, err := s.db.Has(mixerKey(rec.ID))
	if err != nil {
		return fmt.Errorf("check mixer exists: %w", err)
	}
	if !exists {
		n, err := s.Count()
		if err != nil {
			return err
		}
		if n >= maxKnownMixers {
			return nil
		}
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal mixer record: %w", err)
	}
	return s.db.Put(mixerKey(rec.ID), data)
}

// LoadAll returns every record, most recently seen first.
func (s *MixerStore) LoadAll() ([]MixerRecord, error) {
	var records []MixerRecord
	err := s.db.ForEach([]byte(mixerKeyPrefix), func(_, value []byte) error {
		var rec MixerRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return nil // Skip corrupt records.
		}
		records = append(records, rec)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate mixer records: %w", err)
	}
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].LastSeen != records[j].LastSeen {
			return records[i].LastSeen > records[j].LastSeen
		}
		return records[i].ID < records[j].ID
	})
	return records, nil
}

// PruneStale removes records not seen within threshold, and corrupt ones.
func (s *MixerStore) PruneStale(threshold time.Duration) (int, error) {
	cutoff := s.now().Add(-threshold).Unix()
	var stale [][]byte
	err := s.db.ForEach([]byte(mixerKeyPrefix), func(key, value []byte) error {
		var rec MixerRecord
		if err := json.Unmarshal(value, &rec); err != nil || rec.LastSeen < cutoff {
			stale = append(stale, append([]byte(nil), key...))
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("iterate for prune: %w", err)
	}
	for _, k := range stale {
		if err := s.db.Delete(k); err != nil {
			return 0, fmt.Errorf("delete stale mixer: %w", err)
		}
	}
	return len(stale), nil
}

// Count returns the number of stored records.
func (s *MixerStore) Count() (int, error) {
	n := 0
	err := s.db.ForEach([]byte(mixerKeyPrefix), func(_, _ []byte) error {
		n++
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count mixers: %w", err)
	}
	return n, nil
}
