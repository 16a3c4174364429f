package mixing

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-mix/internal/wallet"
	"github.com/Klingon-tech/klingnet-mix/pkg/types"
)

type heldKey struct {
	src KeySource
	res wallet.Reservation
}

// KeyReservationPool tracks output scripts reserved for one round or one
// planning transaction. Every reservation is resolved exactly once, by
// KeepAll or ReturnAll.
type KeyReservationPool struct {
	mu   sync.Mutex
	keys []heldKey
	log  zerolog.Logger
}

// NewKeyReservationPool returns an empty pool.
func NewKeyReservationPool(log zerolog.Logger) *KeyReservationPool {
	return &KeyReservationPool{log: log}
}

// Reserve draws a fresh script from src and records the reservation.
func (p *KeyReservationPool) Reserve(src KeySource) (types.Script, error) {
	res, err := src.ReserveScript()
	if err != nil {
		return types.Script{}, err
	}
	p.mu.Lock()
	p.keys = append(p.keys, heldKey{src: src, res: res})
	p.mu.Unlock()
	return res.Script, nil
}

// Len returns the number of unresolved reservations.
func (p *KeyReservationPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.keys)
}

// KeepAll marks every reservation as issued and empties the pool.
func (p *KeyReservationPool) KeepAll() {
	for _, k := range p.take() {
		if err := k.src.KeepScript(k.res); err != nil {
			p.log.Warn().Err(err).Uint32("index", k.res.Index).Msg("Failed to keep reserved key")
		}
	}
}

// ReturnAll releases every reservation back to the key pool and empties
// the pool.
func (p *KeyReservationPool) ReturnAll() {
	for _, k := range p.take() {
		if err := k.src.ReturnScript(k.res); err != nil {
			p.log.Warn().Err(err).Uint32("index", k.res.Index).Msg("Failed to return reserved key")
		}
	}
}

func (p *KeyReservationPool) take() []heldKey {
	p.mu.Lock()
	keys := p.keys
	p.keys = nil
	p.mu.Unlock()
	return keys
}
