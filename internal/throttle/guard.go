package throttle

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
)

const (
	millisPerHour = int64(time.Hour / time.Millisecond)

	// reserveSuffix marks the in-flight reservation sibling of a claim key.
	reserveSuffix = ":reserved"
)

// Key builds the throttle record key for a chain and canonical address.
func Key(chain, canonicalAddr string) string {
	return chain + ":" + canonicalAddr
}

// Status is the result of a throttle check.
type Status struct {
	Eligible      bool
	LastClaimMs   int64
	CooldownHours int
}

// Guard decides claim eligibility from raw timestamps held in a Store and
// closes the check-then-submit race with a set-if-absent reservation written
// before submission.
type Guard struct {
	store      Store
	reserveTTL time.Duration
	now        func() time.Time
	log        *zap.Logger
}

// NewGuard wraps a store. reserveTTL bounds how long an in-flight reservation
// blocks other claims for the same key; it should exceed the submit timeout
// so a reservation outlives the claim it protects.
func NewGuard(store Store, reserveTTL time.Duration, log *zap.Logger) *Guard {
	return &Guard{
		store:      store,
		reserveTTL: reserveTTL,
		now:        time.Now,
		log:        log,
	}
}

// Check reads the last-claim timestamp for the key. The claim is throttled
// while now - last <= cooldownHours, evaluated here rather than via store
// expiry so the caller can render the exact remaining time.
func (g *Guard) Check(ctx context.Context, key string, cooldownHours int) (Status, error) {
	value, ok, err := g.store.Get(ctx, key)
	if err != nil {
		return Status{}, fmt.Errorf("throttle read: %w", err)
	}
	if !ok {
		return Status{Eligible: true}, nil
	}

	last, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		// A corrupt record should not brick the address forever.
		g.log.Warn("discarding unparseable throttle record",
			zap.String("key", key), zap.String("value", value))
		return Status{Eligible: true}, nil
	}

	nowMs := g.now().UnixMilli()
	if nowMs-last <= int64(cooldownHours)*millisPerHour {
		return Status{Eligible: false, LastClaimMs: last, CooldownHours: cooldownHours}, nil
	}
	return Status{Eligible: true}, nil
}

// Reserve claims the submission slot for the key. It fails when another
// claim for the same key is already in flight, returning that reservation's
// timestamp. Reservations older than reserveTTL are treated as abandoned and
// taken over.
func (g *Guard) Reserve(ctx context.Context, key string) (bool, int64, error) {
	rkey := key + reserveSuffix
	nowMs := g.now().UnixMilli()
	value := strconv.FormatInt(nowMs, 10)

	ok, err := g.store.SetIfAbsent(ctx, rkey, value)
	if err != nil {
		return false, 0, fmt.Errorf("throttle reserve: %w", err)
	}
	if ok {
		return true, nowMs, nil
	}

	existing, found, err := g.store.Get(ctx, rkey)
	if err != nil {
		return false, 0, fmt.Errorf("throttle reserve: %w", err)
	}
	if found {
		reservedAt, parseErr := strconv.ParseInt(existing, 10, 64)
		if parseErr == nil && nowMs-reservedAt <= g.reserveTTL.Milliseconds() {
			return false, reservedAt, nil
		}
	}

	// Stale or unreadable reservation: clear it and race for the slot with
	// set-if-absent so only one takeover wins.
	if err := g.store.Delete(ctx, rkey); err != nil {
		return false, 0, fmt.Errorf("throttle reserve: %w", err)
	}
	ok, err = g.store.SetIfAbsent(ctx, rkey, value)
	if err != nil {
		return false, 0, fmt.Errorf("throttle reserve: %w", err)
	}
	if ok {
		return true, nowMs, nil
	}

	// Another claimant took the slot between the delete and the set.
	existing, found, err = g.store.Get(ctx, rkey)
	if err != nil {
		return false, 0, fmt.Errorf("throttle reserve: %w", err)
	}
	reservedAt := nowMs
	if found {
		if parsed, parseErr := strconv.ParseInt(existing, 10, 64); parseErr == nil {
			reservedAt = parsed
		}
	}
	return false, reservedAt, nil
}

// Record writes the claim timestamp and clears the reservation. Called only
// after a finalized successful transfer. Returns the recorded epoch-ms.
func (g *Guard) Record(ctx context.Context, key string) (int64, error) {
	nowMs := g.now().UnixMilli()
	if err := g.store.Set(ctx, key, strconv.FormatInt(nowMs, 10)); err != nil {
		return 0, fmt.Errorf("throttle record: %w", err)
	}
	if err := g.store.Delete(ctx, key+reserveSuffix); err != nil {
		g.log.Warn("failed to clear reservation after record",
			zap.String("key", key), zap.Error(err))
	}
	return nowMs, nil
}

// Release drops the reservation without recording a claim. Used when the
// submission failed for certain, so the caller may retry immediately.
// Indeterminate endings keep the reservation until it goes stale.
func (g *Guard) Release(ctx context.Context, key string) error {
	if err := g.store.Delete(ctx, key+reserveSuffix); err != nil {
		return fmt.Errorf("throttle release: %w", err)
	}
	return nil
}
