package p2p

import (
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/rs/zerolog"

	klog "github.com/Klingon-tech/klingnet-mix/internal/log"
)

const (
	BanThreshold = 100
	BanDuration  = 24 * time.Hour
)

// Penalties for mixing protocol offenses.
const (
	PenaltyMalformedMessage = 25  // Undecodable envelope or payload.
	PenaltyOversizedMessage = 50  // Envelope above MaxMessageSize.
	PenaltyForgedQueue      = 100 // Queue advertisement for another peer.
)

type disconnecter interface {
	DisconnectPeer(id peer.ID) error
}

// BanManager scores misbehaving peers and bans them at BanThreshold.
type BanManager struct {
	mu     sync.Mutex
	scores map[peer.ID]int
	bans   map[peer.ID]*BanRecord
	store  *BanStore    // nil disables persistence
	node   disconnecter // nil disables disconnect on ban
	now    func() time.Time
	log    zerolog.Logger
}

// NewBanManager creates a BanManager. store and node may be nil.
func NewBanManager(store *BanStore, node disconnecter) *BanManager {
	return &BanManager{
		scores: make(map[peer.ID]int),
		bans:   make(map[peer.ID]*BanRecord),
		store:  store,
		node:   node,
		now:    time.Now,
		log:    klog.WithComponent("banmgr"),
	}
}

// LoadBans restores persisted, unexpired bans.
func (bm *BanManager) LoadBans() {
	if bm.store == nil {
		return
	}
	now := bm.now()
	if _, err := bm.store.PruneExpired(now); err != nil {
		bm.log.Warn().Err(err).Msg("Prune expired bans")
	}

	bm.mu.Lock()
	defer bm.mu.Unlock()
	bm.store.ForEach(func(rec *BanRecord) error {
		id, err := peer.Decode(rec.ID)
		if err == nil && !rec.expiredAt(now) {
			bm.bans[id] = rec
		}
		return nil
	})
}

// RecordOffense adds penalty to the peer's score, banning and
// disconnecting it once the score reaches BanThreshold.
func (bm *BanManager) RecordOffense(id peer.ID, penalty int, reason string) {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	now := bm.now()
	if rec, ok := bm.bans[id]; ok && !rec.expiredAt(now) {
		return
	}
	bm.scores[id] += penalty
	if bm.scores[id] < BanThreshold {
		bm.log.Debug().Str("peer", shortID(id)).Str("reason", reason).Int("score", bm.scores[id]).Msg("Peer offense")
		return
	}

	rec := &BanRecord{
		ID:        id.String(),
		Reason:    reason,
		Score:     bm.scores[id],
		BannedAt:  now.Unix(),
		ExpiresAt: now.Add(BanDuration).Unix(),
	}
	bm.bans[id] = rec
	delete(bm.scores, id)
	if bm.store != nil {
		if err := bm.store.Put(rec); err != nil {
			bm.log.Warn().Err(err).Msg("Persist ban")
		}
	}
	bm.log.Warn().
		Str("peer", shortID(id)).
		Str("reason", reason).
		Int("score", rec.Score).
		Msg("Peer banned")

	if bm.node != nil {
		go bm.node.DisconnectPeer(id)
	}
}

// IsBanned reports whether id is banned. Lapsed bans are dropped.
func (bm *BanManager) IsBanned(id peer.ID) bool {
	bm.mu.Lock()
	rec, ok := bm.bans[id]
	expired := ok && rec.expiredAt(bm.now())
	if expired {
		delete(bm.bans, id)
	}
	bm.mu.Unlock()

	if expired && bm.store != nil {
		bm.store.Delete(id)
	}
	return ok && !expired
}

// Score returns the current offense score of id.
func (bm *BanManager) Score(id peer.ID) int {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	return bm.scores[id]
}

// Unban lifts a ban and clears the score.
func (bm *BanManager) Unban(id peer.ID) {
	bm.mu.Lock()
	delete(bm.bans, id)
	delete(bm.scores, id)
	bm.mu.Unlock()
	if bm.store != nil {
		bm.store.Delete(id)
	}
}

// BanList returns the active bans.
func (bm *BanManager) BanList() []BanRecord {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	now := bm.now()
	var list []BanRecord
	for _, rec := range bm.bans {
		if !rec.expiredAt(now) {
			list = append(list, *rec)
		}
	}
	return list
}

func shortID(id peer.ID) string {
	s := id.String()
	if len(s) > 16 {
		return s[:16]
	}
	return s
}
