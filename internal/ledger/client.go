package ledger

import (
	"context"
	"errors"
	"math/big"
)

// ErrNoFundingAccount is returned when a chain has no funding secret
// configured and therefore cannot answer balance queries or submit transfers.
var ErrNoFundingAccount = errors.New("no funding account configured")

// Stage is a point in the life of a submitted extrinsic.
type Stage int

const (
	StageSigning Stage = iota
	StageBroadcast
	StageQueued
	StageInBlock
	StageFinalized
)

func (s Stage) String() string {
	switch s {
	case StageSigning:
		return "signing"
	case StageBroadcast:
		return "broadcast"
	case StageQueued:
		return "queued"
	case StageInBlock:
		return "inBlock"
	case StageFinalized:
		return "finalized"
	default:
		return "unknown"
	}
}

// Dispatch classifies the runtime's verdict on an included extrinsic, read
// from the system events of the including block.
type Dispatch int

const (
	// DispatchUnknown means inclusion was observed but the events could not
	// be classified yet.
	DispatchUnknown Dispatch = iota
	DispatchSucceeded
	DispatchFailed
)

// StatusEvent is one update from the submission watch stream. A non-nil Err
// is terminal: the stream ends after it.
type StatusEvent struct {
	Stage    Stage
	Block    string
	Dispatch Dispatch
	Err      error
}

// Submission is a broadcast extrinsic and its status stream. Updates is
// closed once a terminal event has been delivered.
type Submission struct {
	Hash    string
	Updates <-chan StatusEvent
}

// Client abstracts the target chain's RPC surface.
type Client interface {
	// SS58Prefix reports the chain's address-format parameter.
	SS58Prefix(ctx context.Context) (uint16, error)
	// FundingBalance returns the free balance of the funding account, or
	// ErrNoFundingAccount when no secret is configured for the chain.
	FundingBalance(ctx context.Context) (*big.Int, error)
	// SubmitTransfer signs and broadcasts a transfer of amount to the
	// 32-byte destination public key and starts watching its status.
	SubmitTransfer(ctx context.Context, dest []byte, amount *big.Int) (*Submission, error)
	Ping(ctx context.Context) error
	Close()
}
