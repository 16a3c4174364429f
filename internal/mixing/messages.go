package mixing

import (
	"time"

	"github.com/Klingon-tech/klingnet-mix/pkg/tx"
	"github.com/Klingon-tech/klingnet-mix/pkg/types"
)

// QueueTimeout is how long a queue advertisement, and a round waiting in
// QUEUE or ACCEPTING_ENTRIES, stays valid without progress.
const QueueTimeout = 30 * time.Second

// MessageKind identifies a mixing protocol message on the wire.
type MessageKind string

const (
	KindQueue        MessageKind = "dsq"
	KindAccept       MessageKind = "dsa"
	KindStatusUpdate MessageKind = "dssu"
	KindEntry        MessageKind = "dsi"
	KindFinalTx      MessageKind = "dsf"
	KindSignatures   MessageKind = "dss"
	KindComplete     MessageKind = "dsc"
)

// Message is implemented by every mixing protocol message.
type Message interface {
	Kind() MessageKind
}

// QueueAnnounce advertises a round a mixing peer is collecting participants
// for. Ready is set once the peer has enough participants and expects
// entries.
type QueueAnnounce struct {
	Denom uint64 `json:"denom"`
	Peer  PeerID `json:"peer"`
	Time  int64  `json:"time"`
	Ready bool   `json:"ready"`
}

func (*QueueAnnounce) Kind() MessageKind { return KindQueue }

// IsExpired reports whether the advertisement is older than QueueTimeout.
func (q *QueueAnnounce) IsExpired(now time.Time) bool {
	return now.Sub(time.Unix(q.Time, 0)) > QueueTimeout
}

// Equal reports whether two advertisements describe the same queue.
func (q *QueueAnnounce) Equal(other *QueueAnnounce) bool {
	return q.Denom == other.Denom && q.Peer == other.Peer &&
		q.Time == other.Time && q.Ready == other.Ready
}

// Accept asks a mixing peer to open or join a round for Denom. The
// collateral transaction is only broadcast by the peer if this wallet
// misbehaves.
type Accept struct {
	Denom      uint64          `json:"denom"`
	Collateral *tx.Transaction `json:"collateral"`
}

func (*Accept) Kind() MessageKind { return KindAccept }

// StatusUpdate reports the peer's view of the round.
type StatusUpdate struct {
	SessionID    uint32           `json:"session_id"`
	State        PoolState        `json:"state"`
	EntriesCount int              `json:"entries_count"`
	Status       PoolStatusUpdate `json:"status"`
	MessageID    PoolMessage      `json:"message_id"`
}

func (*StatusUpdate) Kind() MessageKind { return KindStatusUpdate }

// Entry is this wallet's contribution to a round.
type Entry struct {
	SessionID  uint32           `json:"session_id"`
	Inputs     []types.Outpoint `json:"inputs"`
	Outputs    []tx.Output      `json:"outputs"`
	Collateral *tx.Transaction  `json:"collateral"`
}

func (*Entry) Kind() MessageKind { return KindEntry }

// FinalTx carries the assembled joint transaction for co-signing.
type FinalTx struct {
	SessionID uint32          `json:"session_id"`
	Tx        *tx.Transaction `json:"tx"`
}

func (*FinalTx) Kind() MessageKind { return KindFinalTx }

// SignedInput is one signed input of the joint transaction.
type SignedInput struct {
	Index int      `json:"index"`
	Input tx.Input `json:"input"`
}

// Signatures returns this wallet's signatures for the joint transaction.
type Signatures struct {
	SessionID uint32        `json:"session_id"`
	Inputs    []SignedInput `json:"inputs"`
}

func (*Signatures) Kind() MessageKind { return KindSignatures }

// Complete ends a round. MessageID is MsgSuccess when the joint
// transaction was broadcast.
type Complete struct {
	SessionID uint32      `json:"session_id"`
	MessageID PoolMessage `json:"message_id"`
}

func (*Complete) Kind() MessageKind { return KindComplete }

// NewMessage returns an empty message of the given kind, for decoding.
func NewMessage(kind MessageKind) (Message, bool) {
	switch kind {
	case KindQueue:
		return &QueueAnnounce{}, true
	case KindAccept:
		return &Accept{}, true
	case KindStatusUpdate:
		return &StatusUpdate{}, true
	case KindEntry:
		return &Entry{}, true
	case KindFinalTx:
		return &FinalTx{}, true
	case KindSignatures:
		return &Signatures{}, true
	case KindComplete:
		return &Complete{}, true
	}
	return nil, false
}
