// Package settlement defines the contract the matching core consumes from
// the external settlement layer (spec.md §6: submitExchangeTransaction,
// balanceOf, totalSupply, assetInfo) and a concrete HTTP implementation.
package settlement

import (
	"context"
	"errors"

	gocommon "github.com/ethereum/go-ethereum/common"

	"duskex/internal/common"
)

var ErrRejected = errors.New("settlement layer rejected the transaction")

// AssetInfo is the subset of on-chain issue metadata the matcher cares
// about: whether the asset exists and how many decimals it carries.
type AssetInfo struct {
	Name     string
	Decimals uint8
}

// StateReader is the read-only view of settlement state the validator and
// the dispatcher consume. Its write discipline lives entirely outside this
// subsystem (spec.md §5).
type StateReader interface {
	BalanceOf(ctx context.Context, addr gocommon.Address, asset common.Asset) (int64, error)
	TotalSupply(ctx context.Context, asset common.Asset) (int64, error)
	AssetInfo(ctx context.Context, asset common.Asset) (*AssetInfo, error)
}

// Submitter broadcasts a signed exchange transaction and reports whether it
// was accepted into the pending pool, per spec.md §6's
// `submitExchangeTransaction(tx) → bool`. The open question of which
// reasons cause broadcast failure (spec.md §9) is left to the
// implementation; the controller only sees the boolean.
type Submitter interface {
	Submit(ctx context.Context, tx common.ExchangeTransaction) (bool, error)
}

// Client is the full settlement-layer contract consumed by the matching
// core.
type Client interface {
	StateReader
	Submitter
}
