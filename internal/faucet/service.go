package faucet

import (
	"context"
	"errors"
	"math/big"
	"time"

	"faucetd/internal/address"
	"faucetd/internal/ledger"
	"faucetd/internal/throttle"

	"go.uber.org/zap"
)

// poolMissingMessage is the fixed external message when a chain has no
// funding secret configured.
const poolMissingMessage = "Failed to get faucet pool"

// ChainParams are the per-chain distribution settings.
type ChainParams struct {
	CooldownHours  int
	TransferAmount *big.Int
}

// ClientPool hands out the ledger client for a chain.
type ClientPool interface {
	Get(ctx context.Context, chain string) (ledger.Client, error)
}

// ClaimRequest is one inbound call. Precheck requests validate eligibility
// without submitting anything.
type ClaimRequest struct {
	Chain      string
	RawAddress string
	Precheck   bool
}

// Service runs the claim pipeline: canonicalize, throttle check, solvency
// check, reserve, submit, track, and conditionally record. Every path
// terminates in exactly one Outcome; no error escapes unmapped.
type Service struct {
	chains        map[string]ChainParams
	pool          ClientPool
	guard         *throttle.Guard
	submitTimeout time.Duration
	log           *zap.Logger
}

func NewService(chains map[string]ChainParams, pool ClientPool, guard *throttle.Guard, submitTimeout time.Duration, log *zap.Logger) *Service {
	return &Service{
		chains:        chains,
		pool:          pool,
		guard:         guard,
		submitTimeout: submitTimeout,
		log:           log,
	}
}

// Handle resolves one request to its outcome.
func (s *Service) Handle(ctx context.Context, req ClaimRequest) Outcome {
	log := s.log.With(zap.String("chain", req.Chain))

	params, ok := s.chains[req.Chain]
	if !ok {
		return FailedParams{Reason: "Unknown chain"}
	}

	client, err := s.pool.Get(ctx, req.Chain)
	if err != nil {
		log.Error("ledger client unavailable", zap.Error(err))
		return FailedOther{}
	}

	prefix, err := client.SS58Prefix(ctx)
	if err != nil {
		log.Error("could not fetch address prefix", zap.Error(err))
		return FailedOther{}
	}

	canonical, err := address.Canonicalize(req.RawAddress, prefix)
	if err != nil {
		return FailedParams{Reason: "Invalid address"}
	}
	log = log.With(zap.String("address", canonical))

	key := throttle.Key(req.Chain, canonical)
	status, err := s.guard.Check(ctx, key, params.CooldownHours)
	if err != nil {
		log.Error("throttle check failed", zap.Error(err))
		return FailedOther{}
	}
	if !status.Eligible {
		return FailedThrottle{LastClaimMs: status.LastClaimMs, CooldownHours: status.CooldownHours}
	}

	balance, err := client.FundingBalance(ctx)
	if err != nil {
		if errors.Is(err, ledger.ErrNoFundingAccount) {
			log.Error("no funding secret configured for chain")
			return FailedOther{Message: poolMissingMessage}
		}
		log.Error("funding balance query failed", zap.Error(err))
		return FailedOther{}
	}

	// Strictly greater: the funding account needs headroom for its own fee.
	if balance.Cmp(params.TransferAmount) <= 0 {
		log.Warn("funding account underfunded",
			zap.String("balance", balance.String()),
			zap.String("transferAmount", params.TransferAmount.String()))
		return FailedInsufficient{}
	}

	if req.Precheck {
		return SuccessPrecheck{}
	}

	return s.claim(ctx, log, client, key, canonical, params)
}

func (s *Service) claim(ctx context.Context, log *zap.Logger, client ledger.Client, key, canonical string, params ChainParams) Outcome {
	reserved, reservedAt, err := s.guard.Reserve(ctx, key)
	if err != nil {
		log.Error("throttle reserve failed", zap.Error(err))
		return FailedOther{}
	}
	if !reserved {
		// Another claim for the same key is in flight; report it as
		// throttled with the reservation time as the reference point.
		return FailedThrottle{LastClaimMs: reservedAt, CooldownHours: params.CooldownHours}
	}

	dest, _, err := address.Decode(canonical)
	if err != nil {
		s.release(ctx, log, key)
		log.Error("could not decode canonical address", zap.Error(err))
		return FailedOther{}
	}

	// Once broadcast, the transfer must be tracked to a verdict even if the
	// HTTP caller goes away, so the watch context detaches from the request
	// and carries its own bound.
	watchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.submitTimeout+10*time.Second)
	defer cancel()

	sub, err := client.SubmitTransfer(watchCtx, dest, params.TransferAmount)
	if err != nil {
		s.release(ctx, log, key)
		if errors.Is(err, ledger.ErrNoFundingAccount) {
			return FailedOther{Message: poolMissingMessage}
		}
		log.Error("submission failed before broadcast", zap.Error(err))
		return FailedOther{}
	}
	log = log.With(zap.String("txHash", sub.Hash))

	result := track(watchCtx, sub.Updates, s.submitTimeout, log)
	finishCtx := context.WithoutCancel(ctx)

	switch result.State {
	case StateFinalized:
		recordedAt, err := s.guard.Record(finishCtx, key)
		if err != nil {
			// Funds were sent; failing the response now would only invite a
			// duplicate claim attempt.
			log.Error("could not record claim after finalization", zap.Error(err))
			recordedAt = time.Now().UnixMilli()
		}
		log.Info("transfer finalized")
		return SuccessTransfer{TxHash: sub.Hash, LastClaimMs: recordedAt, CooldownHours: params.CooldownHours}

	case StateExtrinsicFailed:
		s.release(finishCtx, log, key)
		log.Warn("transfer rejected by the runtime")
		return FailedExtrinsic{TxHash: sub.Hash}

	case StateErrored:
		s.release(finishCtx, log, key)
		log.Error("transfer errored after broadcast", zap.Error(result.Err))
		return FailedExtrinsic{TxHash: sub.Hash}

	default: // StateTimedOut, StateIndeterminate
		// The broadcast transfer may still land; once sent it cannot be
		// retracted. Keep the reservation so a second claim cannot pay the
		// same address again, and let it lapse at the reserve TTL.
		log.Error("transfer did not reach a verdict", zap.Error(result.Err))
		return FailedOther{}
	}
}

func (s *Service) release(ctx context.Context, log *zap.Logger, key string) {
	if err := s.guard.Release(ctx, key); err != nil {
		log.Warn("could not release throttle reservation", zap.Error(err))
	}
}
