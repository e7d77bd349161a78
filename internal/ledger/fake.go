package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"sync"
)

// FakeClient replays a scripted status stream; used in tests and local runs
// without a chain.
type FakeClient struct {
	Prefix     uint16
	Balance    *big.Int // nil means no funding account configured
	BalanceErr error
	SubmitErr  error
	Script     []StatusEvent
	PingErr    error

	mu          sync.Mutex
	submitCalls int
	lastDest    []byte
	lastAmount  *big.Int
}

func (f *FakeClient) SS58Prefix(context.Context) (uint16, error) {
	return f.Prefix, nil
}

func (f *FakeClient) FundingBalance(context.Context) (*big.Int, error) {
	if f.BalanceErr != nil {
		return nil, f.BalanceErr
	}
	if f.Balance == nil {
		return nil, ErrNoFundingAccount
	}
	return new(big.Int).Set(f.Balance), nil
}

func (f *FakeClient) SubmitTransfer(_ context.Context, dest []byte, amount *big.Int) (*Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Balance == nil {
		return nil, ErrNoFundingAccount
	}
	if f.SubmitErr != nil {
		return nil, f.SubmitErr
	}

	f.submitCalls++
	f.lastDest = append([]byte(nil), dest...)
	f.lastAmount = new(big.Int).Set(amount)

	updates := make(chan StatusEvent, len(f.Script)+2)
	updates <- StatusEvent{Stage: StageSigning}
	for _, ev := range f.Script {
		updates <- ev
	}
	close(updates)

	return &Submission{
		Hash:    fakeHash(fmt.Sprintf("%x:%s:%d", dest, amount, f.submitCalls)),
		Updates: updates,
	}, nil
}

func (f *FakeClient) SubmitCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submitCalls
}

func (f *FakeClient) LastTransfer() ([]byte, *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastDest, f.lastAmount
}

func (f *FakeClient) Ping(context.Context) error {
	return f.PingErr
}

func (f *FakeClient) Close() {}

func fakeHash(input string) string {
	sum := sha256.Sum256([]byte(input))
	return "0x" + hex.EncodeToString(sum[:])
}
