package ledger

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	gsrpc "github.com/centrifuge/go-substrate-rpc-api/v4"
	"github.com/centrifuge/go-substrate-rpc-api/v4/rpc/author"
	"github.com/centrifuge/go-substrate-rpc-api/v4/signature"
	"github.com/centrifuge/go-substrate-rpc-api/v4/types"
	"github.com/centrifuge/go-substrate-rpc-api/v4/types/codec"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"
)

const transferCall = "Balances.transfer_keep_alive"

// SubstrateClient talks to a Substrate-based chain over its RPC endpoint.
// One client per chain, held for the process lifetime.
type SubstrateClient struct {
	api         *gsrpc.SubstrateAPI
	meta        *types.Metadata
	genesisHash types.Hash
	ss58Prefix  uint16
	keyring     *signature.KeyringPair
	log         *zap.Logger

	// Serializes signing and submission so concurrent claims from the same
	// funding account do not reuse a nonce.
	submitMu sync.Mutex
}

// Dial connects to the chain, loads metadata and the genesis hash, and
// derives the funding keyring when a secret is supplied. An empty secret
// yields a client that can canonicalize addresses but not fund them.
func Dial(ctx context.Context, endpoint, fundingSecret string, log *zap.Logger) (*SubstrateClient, error) {
	api, err := gsrpc.NewSubstrateAPI(endpoint)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	meta, err := api.RPC.State.GetMetadataLatest()
	if err != nil {
		return nil, fmt.Errorf("fetch metadata: %w", err)
	}

	genesisHash, err := api.RPC.Chain.GetBlockHash(0)
	if err != nil {
		return nil, fmt.Errorf("fetch genesis hash: %w", err)
	}

	prefix, err := fetchSS58Prefix(api)
	if err != nil {
		return nil, fmt.Errorf("fetch chain properties: %w", err)
	}

	c := &SubstrateClient{
		api:         api,
		meta:        meta,
		genesisHash: genesisHash,
		ss58Prefix:  prefix,
		log:         log.With(zap.String("endpoint", endpoint)),
	}

	if fundingSecret != "" {
		keyring, err := signature.KeyringPairFromSecret(fundingSecret, prefix)
		if err != nil {
			return nil, fmt.Errorf("derive funding keyring: %w", err)
		}
		c.keyring = &keyring
	}

	return c, nil
}

func fetchSS58Prefix(api *gsrpc.SubstrateAPI) (uint16, error) {
	var props struct {
		SS58Format *uint16 `json:"ss58Format"`
	}
	if err := api.Client.Call(&props, "system_properties"); err != nil {
		return 0, err
	}
	if props.SS58Format == nil {
		// Chains without an explicit format use the generic registry value.
		return 42, nil
	}
	return *props.SS58Format, nil
}

func (c *SubstrateClient) SS58Prefix(context.Context) (uint16, error) {
	return c.ss58Prefix, nil
}

func (c *SubstrateClient) FundingBalance(ctx context.Context) (*big.Int, error) {
	if c.keyring == nil {
		return nil, ErrNoFundingAccount
	}

	info, ok, err := c.accountInfo(c.keyring.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("query funding balance: %w", err)
	}
	if !ok {
		return new(big.Int), nil
	}
	return new(big.Int).Set(info.Data.Free.Int), nil
}

func (c *SubstrateClient) accountInfo(pub []byte) (types.AccountInfo, bool, error) {
	key, err := types.CreateStorageKey(c.meta, "System", "Account", pub)
	if err != nil {
		return types.AccountInfo{}, false, err
	}
	var info types.AccountInfo
	ok, err := c.api.RPC.State.GetStorageLatest(key, &info)
	if err != nil {
		return types.AccountInfo{}, false, err
	}
	return info, ok, nil
}

// SubmitTransfer signs and broadcasts a transfer extrinsic, then feeds the
// watch stream into the returned Submission. The stream resolves the
// dispatch verdict by inspecting system events of the including block.
func (c *SubstrateClient) SubmitTransfer(ctx context.Context, dest []byte, amount *big.Int) (*Submission, error) {
	if c.keyring == nil {
		return nil, ErrNoFundingAccount
	}

	c.submitMu.Lock()
	defer c.submitMu.Unlock()

	target, err := types.NewMultiAddressFromAccountID(dest)
	if err != nil {
		return nil, fmt.Errorf("build destination: %w", err)
	}

	call, err := types.NewCall(c.meta, transferCall, target, types.NewUCompact(amount))
	if err != nil {
		return nil, fmt.Errorf("build call: %w", err)
	}
	ext := types.NewExtrinsic(call)

	rv, err := c.api.RPC.State.GetRuntimeVersionLatest()
	if err != nil {
		return nil, fmt.Errorf("fetch runtime version: %w", err)
	}

	var nonce uint64
	if err := c.api.Client.Call(&nonce, "system_accountNextIndex", c.keyring.Address); err != nil {
		return nil, fmt.Errorf("fetch account nonce: %w", err)
	}

	opts := types.SignatureOptions{
		BlockHash:          c.genesisHash,
		Era:                types.ExtrinsicEra{IsImmortalEra: true},
		GenesisHash:        c.genesisHash,
		Nonce:              types.NewUCompactFromUInt(nonce),
		SpecVersion:        rv.SpecVersion,
		TransactionVersion: rv.TransactionVersion,
		Tip:                types.NewUCompactFromUInt(0),
	}
	updates := make(chan StatusEvent, 8)
	updates <- StatusEvent{Stage: StageSigning}

	if err := ext.Sign(*c.keyring, opts); err != nil {
		return nil, fmt.Errorf("sign extrinsic: %w", err)
	}

	encoded, err := codec.Encode(ext)
	if err != nil {
		return nil, fmt.Errorf("encode extrinsic: %w", err)
	}
	extHash := blake2b.Sum256(encoded)

	sub, err := c.api.RPC.Author.SubmitAndWatchExtrinsic(ext)
	if err != nil {
		return nil, fmt.Errorf("submit extrinsic: %w", err)
	}

	go c.watch(ctx, sub, extHash, updates)

	return &Submission{
		Hash:    hexutil.Encode(extHash[:]),
		Updates: updates,
	}, nil
}

func (c *SubstrateClient) watch(ctx context.Context, sub *author.ExtrinsicStatusSubscription, extHash [32]byte, updates chan<- StatusEvent) {
	defer sub.Unsubscribe()
	defer close(updates)

	for {
		select {
		case <-ctx.Done():
			c.emit(ctx, updates, StatusEvent{Err: ctx.Err()})
			return
		case err := <-sub.Err():
			c.emit(ctx, updates, StatusEvent{Err: fmt.Errorf("status subscription: %w", err)})
			return
		case status := <-sub.Chan():
			switch {
			case status.IsReady:
				if !c.emit(ctx, updates, StatusEvent{Stage: StageQueued}) {
					return
				}
			case status.IsBroadcast:
				if !c.emit(ctx, updates, StatusEvent{Stage: StageBroadcast}) {
					return
				}
			case status.IsInBlock:
				ev := StatusEvent{
					Stage:    StageInBlock,
					Block:    status.AsInBlock.Hex(),
					Dispatch: c.dispatchVerdict(status.AsInBlock, extHash),
				}
				if !c.emit(ctx, updates, ev) {
					return
				}
			case status.IsFinalized:
				c.emit(ctx, updates, StatusEvent{
					Stage:    StageFinalized,
					Block:    status.AsFinalized.Hex(),
					Dispatch: c.dispatchVerdict(status.AsFinalized, extHash),
				})
				return
			case status.IsDropped:
				c.emit(ctx, updates, StatusEvent{Err: fmt.Errorf("extrinsic dropped from the pool")})
				return
			case status.IsInvalid:
				c.emit(ctx, updates, StatusEvent{Err: fmt.Errorf("extrinsic reported invalid")})
				return
			case status.IsUsurped:
				c.emit(ctx, updates, StatusEvent{Err: fmt.Errorf("extrinsic usurped by %s", status.AsUsurped.Hex())})
				return
			}
		}
	}
}

func (c *SubstrateClient) emit(ctx context.Context, updates chan<- StatusEvent, ev StatusEvent) bool {
	select {
	case updates <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// dispatchVerdict reads the system events of the given block and classifies
// the dispatch outcome of our extrinsic. Unknown is returned when the events
// cannot be decoded, which leaves the decision to a later status update or
// the caller's timeout.
func (c *SubstrateClient) dispatchVerdict(blockHash types.Hash, extHash [32]byte) Dispatch {
	index, err := c.extrinsicIndex(blockHash, extHash)
	if err != nil {
		c.log.Warn("could not locate extrinsic in block",
			zap.String("block", blockHash.Hex()), zap.Error(err))
		return DispatchUnknown
	}

	key, err := types.CreateStorageKey(c.meta, "System", "Events")
	if err != nil {
		c.log.Warn("could not build events storage key", zap.Error(err))
		return DispatchUnknown
	}

	var raw types.EventRecordsRaw
	ok, err := c.api.RPC.State.GetStorage(key, &raw, blockHash)
	if err != nil || !ok {
		c.log.Warn("could not fetch system events",
			zap.String("block", blockHash.Hex()), zap.Error(err))
		return DispatchUnknown
	}

	var events types.EventRecords
	if err := raw.DecodeEventRecords(c.meta, &events); err != nil {
		c.log.Warn("could not decode system events",
			zap.String("block", blockHash.Hex()), zap.Error(err))
		return DispatchUnknown
	}

	for _, ev := range events.System_ExtrinsicFailed {
		if ev.Phase.IsApplyExtrinsic && uint32(ev.Phase.AsApplyExtrinsic) == index {
			return DispatchFailed
		}
	}
	for _, ev := range events.System_ExtrinsicSuccess {
		if ev.Phase.IsApplyExtrinsic && uint32(ev.Phase.AsApplyExtrinsic) == index {
			return DispatchSucceeded
		}
	}
	return DispatchUnknown
}

func (c *SubstrateClient) extrinsicIndex(blockHash types.Hash, extHash [32]byte) (uint32, error) {
	block, err := c.api.RPC.Chain.GetBlock(blockHash)
	if err != nil {
		return 0, err
	}
	for i, ext := range block.Block.Extrinsics {
		encoded, err := codec.Encode(ext)
		if err != nil {
			continue
		}
		if blake2b.Sum256(encoded) == extHash {
			return uint32(i), nil
		}
	}
	return 0, fmt.Errorf("extrinsic not found in block %s", blockHash.Hex())
}

func (c *SubstrateClient) Ping(context.Context) error {
	_, err := c.api.RPC.Chain.GetBlockHashLatest()
	return err
}

func (c *SubstrateClient) Close() {
	if closer, ok := c.api.Client.(interface{ Close() }); ok {
		closer.Close()
	}
}
