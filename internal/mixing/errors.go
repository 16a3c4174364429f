package mixing

import "errors"

var (
	// ErrRequestInFlight is returned when a pending accept request is
	// still outstanding and not yet expired.
	ErrRequestInFlight = errors.New("request already in flight")

	// ErrNoCompatiblePeer is returned when no candidate peer can host a round.
	ErrNoCompatiblePeer = errors.New("no compatible mixing peer found")

	// ErrNothingToDenominate is returned when no tally item is large
	// enough to produce a denominated output.
	ErrNothingToDenominate = errors.New("nothing to denominate")

	// ErrNoCollateralInputs is returned when no output can be split into
	// a collateral.
	ErrNoCollateralInputs = errors.New("no inputs usable for collateral")

	// ErrInvalidTransition is returned for a state change the round state
	// machine does not allow.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrFinalTxMismatch is returned when the joint transaction does not
	// contain this wallet's entry unmodified.
	ErrFinalTxMismatch = errors.New("final transaction does not match entry")
)
