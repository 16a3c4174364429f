package mixing

import (
	"fmt"
	"sort"
)

// Status is a snapshot of the client for operators.
type Status struct {
	Enabled              bool      `json:"enabled"`
	State                PoolState `json:"-"`
	StateName            string    `json:"state"`
	SessionID            uint32    `json:"session_id"`
	Denomination         uint64    `json:"denomination"`
	EntriesCount         int       `json:"entries_count"`
	LastEntryAccepted    bool      `json:"last_entry_accepted"`
	LastMessage          string    `json:"last_message"`
	AutoDenomResult      string    `json:"auto_denom_result"`
	MixingPeer           PeerID    `json:"mixing_peer,omitempty"`
	UsedPeers            int       `json:"used_peers"`
	SkippedDenominations []uint64  `json:"skipped_denominations"`
	LockedOutpoints      int       `json:"locked_outpoints"`
	BlockHeight          uint64    `json:"block_height"`
	LastSuccessBlock     uint64    `json:"last_success_block"`
	KnownQueues          int       `json:"known_queues"`
}

// GetStatus returns the current client status.
func (c *Client) GetStatus() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Status{
		Enabled:           c.enabled,
		State:             c.state,
		StateName:         c.state.String(),
		SessionID:         c.sessionID,
		Denomination:      c.sessionDenom,
		EntriesCount:      c.entriesCount,
		LastEntryAccepted: c.lastEntryAccepted,
		LastMessage:       c.lastMessage,
		AutoDenomResult:   c.autoDenomResult,
		UsedPeers:         len(c.usedPeers),
		LockedOutpoints:   len(c.locked),
		BlockHeight:       c.blockHeight,
		LastSuccessBlock:  c.lastSuccessBlock,
		KnownQueues:       len(c.queues),
	}
	if c.mixingPeer != nil {
		s.MixingPeer = c.mixingPeer.ID
	}
	for d := range c.skipped {
		s.SkippedDenominations = append(s.SkippedDenominations, d)
	}
	sort.Slice(s.SkippedDenominations, func(i, j int) bool {
		return s.SkippedDenominations[i] < s.SkippedDenominations[j]
	})
	return s
}

// MixingPeer returns the peer running the current round, if any.
func (c *Client) MixingPeer() (PeerInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mixingPeer == nil {
		return PeerInfo{}, false
	}
	return *c.mixingPeer, true
}

// IsMixingPeer reports whether id runs the current round.
func (c *Client) IsMixingPeer(id PeerID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isMixingPeer(id)
}

// String renders a one-line description of the status.
func (s Status) String() string {
	switch s.State {
	case StateIdle:
		if !s.Enabled {
			return "Mixing is disabled."
		}
		return "Mixing is idle."
	case StateQueue:
		return "Submitted to mixing peer, waiting in queue."
	case StateAcceptingEntries:
		if s.EntriesCount == 0 {
			return "Submitted to mixing peer, waiting for more entries."
		}
		if s.LastEntryAccepted {
			return fmt.Sprintf("Entry accepted, %d entries in round.", s.EntriesCount)
		}
		return fmt.Sprintf("Submitted entry, %d entries in round.", s.EntriesCount)
	case StateSigning:
		return "Found enough users, signing."
	case StateError:
		return "Mixing request incomplete: " + s.LastMessage + " Will retry..."
	case StateSuccess:
		return "Mixing request complete: " + s.LastMessage
	}
	return "Unknown state."
}
