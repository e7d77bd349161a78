package faucet

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"faucetd/internal/address"
	"faucetd/internal/ledger"
	"faucetd/internal/throttle"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const alicePubHex = "0xd43593c715fdd31c61141abd04a99fd6822c8558854ccde39a5684e7a56da27d"

var successScript = []ledger.StatusEvent{
	{Stage: ledger.StageQueued},
	{Stage: ledger.StageBroadcast},
	{Stage: ledger.StageInBlock, Block: "0xaa", Dispatch: ledger.DispatchSucceeded},
}

type fakePool struct {
	clients map[string]ledger.Client
}

func (p *fakePool) Get(_ context.Context, chain string) (ledger.Client, error) {
	client, ok := p.clients[chain]
	if !ok {
		return nil, fmt.Errorf("no client for chain %s", chain)
	}
	return client, nil
}

type fixture struct {
	svc    *Service
	client *ledger.FakeClient
	store  *throttle.MemoryStore
	guard  *throttle.Guard
}

func newFixture(t *testing.T, client *ledger.FakeClient) *fixture {
	t.Helper()
	log := zaptest.NewLogger(t)
	store := throttle.NewMemoryStore()
	guard := throttle.NewGuard(store, time.Minute, log)
	chains := map[string]ChainParams{
		"westend": {CooldownHours: 12, TransferAmount: big.NewInt(100)},
	}
	pool := &fakePool{clients: map[string]ledger.Client{"westend": client}}
	return &fixture{
		svc:    NewService(chains, pool, guard, time.Second, log),
		client: client,
		store:  store,
		guard:  guard,
	}
}

func claim(chain, addr string) ClaimRequest {
	return ClaimRequest{Chain: chain, RawAddress: addr}
}

func precheck(chain, addr string) ClaimRequest {
	return ClaimRequest{Chain: chain, RawAddress: addr, Precheck: true}
}

func TestUnknownChain(t *testing.T) {
	f := newFixture(t, &ledger.FakeClient{Prefix: 42, Balance: big.NewInt(1000), Script: successScript})

	out := f.svc.Handle(context.Background(), claim("nowhere", alicePubHex))
	assert.Equal(t, CodeFailedParams, out.Envelope().Code)
}

func TestInvalidAddress(t *testing.T) {
	f := newFixture(t, &ledger.FakeClient{Prefix: 42, Balance: big.NewInt(1000), Script: successScript})

	out := f.svc.Handle(context.Background(), claim("westend", "not-an-address"))
	assert.Equal(t, CodeFailedParams, out.Envelope().Code)
	assert.Equal(t, 0, f.client.SubmitCalls())
}

func TestMissingFundingSecret(t *testing.T) {
	f := newFixture(t, &ledger.FakeClient{Prefix: 42}) // no balance: no funding account

	out := f.svc.Handle(context.Background(), claim("westend", alicePubHex))
	env := out.Envelope()
	assert.Equal(t, CodeFailedOther, env.Code)
	assert.Equal(t, "Failed to get faucet pool", env.Message)
}

func TestSolvencyGating(t *testing.T) {
	f := newFixture(t, &ledger.FakeClient{Prefix: 42, Balance: big.NewInt(50), Script: successScript})

	out := f.svc.Handle(context.Background(), claim("westend", alicePubHex))
	assert.Equal(t, CodeFailedInsufficient, out.Envelope().Code)
	assert.Equal(t, 0, f.client.SubmitCalls())
}

func TestSolvencyRequiresStrictlyMore(t *testing.T) {
	// Balance exactly equal to the transfer amount leaves nothing for fees.
	f := newFixture(t, &ledger.FakeClient{Prefix: 42, Balance: big.NewInt(100), Script: successScript})

	out := f.svc.Handle(context.Background(), claim("westend", alicePubHex))
	assert.Equal(t, CodeFailedInsufficient, out.Envelope().Code)
	assert.Equal(t, 0, f.client.SubmitCalls())
}

func TestPrecheckPurity(t *testing.T) {
	f := newFixture(t, &ledger.FakeClient{Prefix: 42, Balance: big.NewInt(1000), Script: successScript})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		out := f.svc.Handle(ctx, precheck("westend", alicePubHex))
		assert.Equal(t, CodeSuccessPrecheck, out.Envelope().Code)
	}
	assert.Equal(t, 0, f.client.SubmitCalls())

	canonical, err := address.Canonicalize(alicePubHex, 42)
	require.NoError(t, err)
	_, found, err := f.store.Get(ctx, throttle.Key("westend", canonical))
	require.NoError(t, err)
	assert.False(t, found, "precheck must not write throttle state")
}

func TestSuccessfulClaimRecordsCooldown(t *testing.T) {
	f := newFixture(t, &ledger.FakeClient{Prefix: 42, Balance: big.NewInt(1000), Script: successScript})
	ctx := context.Background()

	out := f.svc.Handle(ctx, claim("westend", alicePubHex))
	success, ok := out.(SuccessTransfer)
	require.True(t, ok, "expected SuccessTransfer, got %#v", out)
	assert.NotEmpty(t, success.TxHash)
	assert.Equal(t, 12, success.CooldownHours)
	assert.Equal(t, 1, f.client.SubmitCalls())

	dest, amount := f.client.LastTransfer()
	assert.Len(t, dest, address.PubKeyLen)
	assert.Equal(t, "100", amount.String())

	// Second claim inside the window is throttled with the recorded time.
	out = f.svc.Handle(ctx, claim("westend", alicePubHex))
	throttled, ok := out.(FailedThrottle)
	require.True(t, ok, "expected FailedThrottle, got %#v", out)
	assert.Equal(t, success.LastClaimMs, throttled.LastClaimMs)
	assert.Equal(t, 12, throttled.CooldownHours)
	assert.Equal(t, 1, f.client.SubmitCalls())
}

func TestClaimAcceptsCanonicalAddressInput(t *testing.T) {
	f := newFixture(t, &ledger.FakeClient{Prefix: 42, Balance: big.NewInt(1000), Script: successScript})
	canonical, err := address.Canonicalize(alicePubHex, 42)
	require.NoError(t, err)

	out := f.svc.Handle(context.Background(), claim("westend", canonical))
	assert.Equal(t, CodeSuccessTransfer, out.Envelope().Code)
}

func TestExtrinsicFailureLeavesThrottleUntouched(t *testing.T) {
	failing := &ledger.FakeClient{Prefix: 42, Balance: big.NewInt(1000), Script: []ledger.StatusEvent{
		{Stage: ledger.StageInBlock, Block: "0xaa", Dispatch: ledger.DispatchFailed},
	}}
	f := newFixture(t, failing)
	ctx := context.Background()

	out := f.svc.Handle(ctx, claim("westend", alicePubHex))
	rejected, ok := out.(FailedExtrinsic)
	require.True(t, ok, "expected FailedExtrinsic, got %#v", out)
	assert.NotEmpty(t, rejected.TxHash)

	// No cooldown was recorded; the caller may retry immediately.
	failing.Script = successScript
	out = f.svc.Handle(ctx, claim("westend", alicePubHex))
	assert.Equal(t, CodeSuccessTransfer, out.Envelope().Code)
}

func TestTransportErrorAfterBroadcast(t *testing.T) {
	f := newFixture(t, &ledger.FakeClient{Prefix: 42, Balance: big.NewInt(1000), Script: []ledger.StatusEvent{
		{Stage: ledger.StageBroadcast},
		{Err: fmt.Errorf("node unreachable")},
	}})

	out := f.svc.Handle(context.Background(), claim("westend", alicePubHex))
	rejected, ok := out.(FailedExtrinsic)
	require.True(t, ok, "expected FailedExtrinsic, got %#v", out)
	assert.NotEmpty(t, rejected.TxHash)
}

// stalledLedger keeps the status stream open without ever resolving, to
// exercise the timeout and in-flight paths.
type stalledLedger struct {
	ledger.FakeClient
	updates chan ledger.StatusEvent

	mu      sync.Mutex
	submits int
}

func (s *stalledLedger) SubmitTransfer(context.Context, []byte, *big.Int) (*ledger.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submits++
	return &ledger.Submission{Hash: "0xpending", Updates: s.updates}, nil
}

func (s *stalledLedger) submitCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submits
}

func TestTimeoutHoldsReservation(t *testing.T) {
	stalled := &stalledLedger{
		FakeClient: ledger.FakeClient{Prefix: 42, Balance: big.NewInt(1000)},
		updates:    make(chan ledger.StatusEvent),
	}
	defer close(stalled.updates)

	log := zaptest.NewLogger(t)
	store := throttle.NewMemoryStore()
	guard := throttle.NewGuard(store, time.Minute, log)
	chains := map[string]ChainParams{"westend": {CooldownHours: 12, TransferAmount: big.NewInt(100)}}
	pool := &fakePool{clients: map[string]ledger.Client{"westend": stalled}}
	svc := NewService(chains, pool, guard, 30*time.Millisecond, log)
	ctx := context.Background()

	out := svc.Handle(ctx, claim("westend", alicePubHex))
	assert.Equal(t, CodeFailedOther, out.Envelope().Code)

	// The broadcast transfer may still land. The reservation stays held
	// until the reserve TTL, so a retry cannot pay the address twice, and no
	// claim record was written.
	out = svc.Handle(ctx, claim("westend", alicePubHex))
	assert.Equal(t, CodeFailedThrottle, out.Envelope().Code)
	assert.Equal(t, 1, stalled.submitCount())

	canonical, err := address.Canonicalize(alicePubHex, 42)
	require.NoError(t, err)
	key := throttle.Key("westend", canonical)
	_, found, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestFinalizedWithoutVerdictHoldsReservation(t *testing.T) {
	// Finalized but the block's events were unreadable: the transfer may
	// have succeeded, so no ledger failure is reported and no retry opens.
	client := &ledger.FakeClient{Prefix: 42, Balance: big.NewInt(1000), Script: []ledger.StatusEvent{
		{Stage: ledger.StageInBlock, Block: "0xaa", Dispatch: ledger.DispatchUnknown},
		{Stage: ledger.StageFinalized, Block: "0xaa", Dispatch: ledger.DispatchUnknown},
	}}
	f := newFixture(t, client)
	ctx := context.Background()

	out := f.svc.Handle(ctx, claim("westend", alicePubHex))
	assert.Equal(t, CodeFailedOther, out.Envelope().Code)

	out = f.svc.Handle(ctx, claim("westend", alicePubHex))
	assert.Equal(t, CodeFailedThrottle, out.Envelope().Code)
	assert.Equal(t, 1, f.client.SubmitCalls())
}

func TestConcurrentClaimIsRejectedWhileInFlight(t *testing.T) {
	stalled := &stalledLedger{
		FakeClient: ledger.FakeClient{Prefix: 42, Balance: big.NewInt(1000)},
		updates:    make(chan ledger.StatusEvent, 1),
	}

	log := zaptest.NewLogger(t)
	store := throttle.NewMemoryStore()
	guard := throttle.NewGuard(store, time.Minute, log)
	chains := map[string]ChainParams{"westend": {CooldownHours: 12, TransferAmount: big.NewInt(100)}}
	pool := &fakePool{clients: map[string]ledger.Client{"westend": stalled}}
	svc := NewService(chains, pool, guard, time.Second, log)
	ctx := context.Background()

	first := make(chan Outcome, 1)
	go func() {
		first <- svc.Handle(ctx, claim("westend", alicePubHex))
	}()

	// Wait for the first claim to take the reservation.
	canonical, err := address.Canonicalize(alicePubHex, 42)
	require.NoError(t, err)
	key := throttle.Key("westend", canonical)
	require.Eventually(t, func() bool {
		_, found, _ := store.Get(ctx, key+":reserved")
		return found
	}, time.Second, 5*time.Millisecond)

	out := svc.Handle(ctx, claim("westend", alicePubHex))
	assert.Equal(t, CodeFailedThrottle, out.Envelope().Code)

	// Let the first claim finish.
	stalled.updates <- ledger.StatusEvent{Stage: ledger.StageInBlock, Block: "0xaa", Dispatch: ledger.DispatchSucceeded}
	close(stalled.updates)
	assert.Equal(t, CodeSuccessTransfer, (<-first).Envelope().Code)
}

func TestEnvelopeShapes(t *testing.T) {
	assert.Equal(t,
		Envelope{Code: CodeSuccessTransfer, Message: "Transfer finalized", Data: transferData{TxHash: "0xab", LastClaimMs: 7, CooldownHours: 12}},
		SuccessTransfer{TxHash: "0xab", LastClaimMs: 7, CooldownHours: 12}.Envelope())

	assert.Nil(t, SuccessPrecheck{}.Envelope().Data)
	assert.Nil(t, FailedParams{}.Envelope().Data)
	assert.Nil(t, FailedInsufficient{}.Envelope().Data)
	assert.Nil(t, FailedOther{}.Envelope().Data)

	assert.Equal(t, extrinsicData{TxHash: "0xab"}, FailedExtrinsic{TxHash: "0xab"}.Envelope().Data)
	assert.Nil(t, FailedExtrinsic{}.Envelope().Data, "hash-less extrinsic failure carries null data")
}
