package mixing

import "fmt"

// PoolState is the stage of the active mixing round.
type PoolState uint8

const (
	StateIdle PoolState = iota
	StateQueue
	StateAcceptingEntries
	StateSigning
	StateError
	StateSuccess
)

// String returns the wire label of the state.
func (s PoolState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateQueue:
		return "QUEUE"
	case StateAcceptingEntries:
		return "ACCEPTING_ENTRIES"
	case StateSigning:
		return "SIGNING"
	case StateError:
		return "ERROR"
	case StateSuccess:
		return "SUCCESS"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(s))
	}
}

// IsValid reports whether s is a known state.
func (s PoolState) IsValid() bool {
	return s <= StateSuccess
}

// isActive reports whether a round is in flight in state s.
func (s PoolState) isActive() bool {
	return s == StateQueue || s == StateAcceptingEntries || s == StateSigning
}

// canTransition reports whether the state machine allows from -> to.
func canTransition(from, to PoolState) bool {
	if to == StateError {
		return true
	}
	switch from {
	case StateIdle:
		return to == StateIdle || to == StateQueue
	case StateQueue:
		return to == StateAcceptingEntries
	case StateAcceptingEntries:
		return to == StateAcceptingEntries || to == StateSigning
	case StateSigning:
		return to == StateSuccess
	case StateError, StateSuccess:
		return to == StateIdle
	}
	return false
}

// PoolStatusUpdate is the accept/reject flag of a status update.
type PoolStatusUpdate uint8

const (
	StatusRejected PoolStatusUpdate = iota
	StatusAccepted
)

func (s PoolStatusUpdate) String() string {
	if s == StatusAccepted {
		return "accepted"
	}
	return "rejected"
}

// PoolMessage is the reason code a mixing peer attaches to updates.
type PoolMessage uint8

const (
	ErrAlreadyHave PoolMessage = iota
	ErrDenom
	ErrEntriesFull
	ErrExistingTx
	ErrFees
	ErrInvalidCollateral
	ErrInvalidInput
	ErrInvalidScript
	ErrInvalidTx
	ErrMaximum
	ErrPeerList
	ErrMode
	ErrQueueFull
	ErrRecent
	ErrSession
	ErrMissingTx
	ErrVersion
	MsgNoErr
	MsgSuccess
	MsgEntriesAdded

	// Local reasons, never sent by a peer.
	msgTimeout
	msgConnectFailed
	msgProtocol
	msgVerifyFailed
	msgSendFailed
	msgAborted
)

var poolMessageText = map[PoolMessage]string{
	ErrAlreadyHave:       "Already have that input.",
	ErrDenom:             "No matching denominations found for mixing.",
	ErrEntriesFull:       "Entries are full.",
	ErrExistingTx:        "Not compatible with existing transactions.",
	ErrFees:              "Transaction fees are too high.",
	ErrInvalidCollateral: "Collateral not valid.",
	ErrInvalidInput:      "Input is not valid.",
	ErrInvalidScript:     "Invalid script detected.",
	ErrInvalidTx:         "Transaction not valid.",
	ErrMaximum:           "Entry exceeds maximum size.",
	ErrPeerList:          "Not in the mixing peer list.",
	ErrMode:              "Incompatible mode.",
	ErrQueueFull:         "Mixing queue is full.",
	ErrRecent:            "Last queue was created too recently.",
	ErrSession:           "Session not complete!",
	ErrMissingTx:         "Missing input transaction information.",
	ErrVersion:           "Incompatible version.",
	MsgNoErr:             "No errors detected.",
	MsgSuccess:           "Transaction created successfully.",
	MsgEntriesAdded:      "Your entries added successfully.",
	msgTimeout:           "Session timed out.",
	msgConnectFailed:     "Failed to connect to mixing peer.",
	msgProtocol:          "Too many protocol errors from mixing peer.",
	msgVerifyFailed:      "Final transaction does not match our entry.",
	msgSendFailed:        "Failed to send message to mixing peer.",
	msgAborted:           "Mixing round aborted.",
}

// String returns a human readable description of the code.
func (m PoolMessage) String() string {
	if s, ok := poolMessageText[m]; ok {
		return s
	}
	return fmt.Sprintf("Unknown response (%d).", uint8(m))
}

// isDenominationSpecific reports whether a rejection with this code means
// the denomination itself should be skipped for a while.
func (m PoolMessage) isDenominationSpecific() bool {
	return m == ErrDenom || m == ErrQueueFull
}
