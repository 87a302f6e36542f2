package dispatcher_test

import (
	"context"
	"testing"
	"time"

	gocommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"duskex/internal/common"
	"duskex/internal/dispatcher"
	"duskex/internal/settlement"
)

type fakeSettlement struct {
	supply map[common.Asset]int64
}

func (f *fakeSettlement) BalanceOf(context.Context, gocommon.Address, common.Asset) (int64, error) {
	return 0, nil
}
func (f *fakeSettlement) TotalSupply(_ context.Context, a common.Asset) (int64, error) {
	return f.supply[a], nil
}
func (f *fakeSettlement) AssetInfo(context.Context, common.Asset) (*settlement.AssetInfo, error) {
	return &settlement.AssetInfo{Decimals: 8}, nil
}
func (f *fakeSettlement) Submit(context.Context, common.ExchangeTransaction) (bool, error) {
	return true, nil
}

type noopHistory struct{}

func (noopHistory) OpenVolume(gocommon.Address, common.Asset) int64 { return 0 }
func (noopHistory) ApplyEvent(common.Event)                         {}
func (noopHistory) RecoverFromOrderBook([]common.LimitOrder)        {}

var (
	assetA = common.AssetFromBytes([]byte("A"))
	assetB = common.AssetFromBytes([]byte("B"))
	native = common.NativeAsset()
)

func newDispatcher(t *testing.T, priceAssets []common.Asset, predefined ...common.AssetPair) *dispatcher.Dispatcher {
	t.Helper()
	state := &fakeSettlement{supply: map[common.Asset]int64{assetA: 1000, assetB: 1000}}
	matcherKey, err := crypto.GenerateKey()
	require.NoError(t, err)

	return dispatcher.New(dispatcher.Config{
		PriceAssets:      priceAssets,
		PredefinedPairs:  predefined,
		Settlement:       state,
		History:          noopHistory{},
		FS:               afero.NewMemMapFs(),
		DataDir:          "/data",
		SnapshotInterval: time.Hour,
		MatcherKey:       matcherKey,
	})
}

func TestValidatePair_RejectsSameAsset(t *testing.T) {
	d := newDispatcher(t, nil)
	pair := common.AssetPair{AmountAsset: assetA, PriceAsset: assetA}
	err := d.ValidatePair(context.Background(), pair)
	require.ErrorIs(t, err, dispatcher.ErrSamePairAsset)
}

func TestValidatePair_RejectsUnknownAsset(t *testing.T) {
	d := newDispatcher(t, nil)
	unknown := common.AssetFromBytes([]byte("Z"))
	pair := common.AssetPair{AmountAsset: unknown, PriceAsset: native}
	err := d.ValidatePair(context.Background(), pair)
	require.ErrorIs(t, err, dispatcher.ErrUnknownAsset)
}

func TestCheckOrientation_KnownPairAccepted(t *testing.T) {
	// (native, A) fails the lexicographic rule; only being known accepts it.
	pair := common.AssetPair{AmountAsset: native, PriceAsset: assetA}
	d := newDispatcher(t, nil, pair)
	require.NoError(t, d.ValidatePair(context.Background(), pair))
}

func TestCheckOrientation_ReversedKnownPairRejected(t *testing.T) {
	// (A, native) passes the lexicographic rule; only its known reverse
	// rejects it.
	known := common.AssetPair{AmountAsset: native, PriceAsset: assetA}
	d := newDispatcher(t, nil, known)
	require.NoError(t, d.ValidatePair(context.Background(), known))

	err := d.CheckOrientation(known.Reverse())
	require.ErrorIs(t, err, dispatcher.ErrReversedPair)
}

func TestCheckOrientation_PriceAssetsListDecides(t *testing.T) {
	d := newDispatcher(t, []common.Asset{native})
	good := common.AssetPair{AmountAsset: assetA, PriceAsset: native}
	require.NoError(t, d.CheckOrientation(good))

	bad := common.AssetPair{AmountAsset: native, PriceAsset: assetA}
	err := d.CheckOrientation(bad)
	require.ErrorIs(t, err, dispatcher.ErrReversedPair)
}

func TestCheckOrientation_FallsBackToLexicographicOrder(t *testing.T) {
	d := newDispatcher(t, nil)
	var orientedOK common.AssetPair
	if assetA.Less(assetB) {
		orientedOK = common.AssetPair{AmountAsset: assetB, PriceAsset: assetA}
	} else {
		orientedOK = common.AssetPair{AmountAsset: assetA, PriceAsset: assetB}
	}
	require.NoError(t, d.CheckOrientation(orientedOK))
	require.ErrorIs(t, d.CheckOrientation(orientedOK.Reverse()), dispatcher.ErrReversedPair)
}

func TestCheckOrientation_NativeSortsFirstAsPriceAsset(t *testing.T) {
	d := newDispatcher(t, nil)
	pair := common.AssetPair{AmountAsset: assetA, PriceAsset: native}
	require.NoError(t, d.CheckOrientation(pair))
}

func TestRoute_CreatesControllerLazilyAndRecordsMarket(t *testing.T) {
	d := newDispatcher(t, nil)
	pair := common.AssetPair{AmountAsset: assetA, PriceAsset: native}

	c, err := d.Route(context.Background(), pair)
	require.NoError(t, err)
	require.NotNil(t, c)
	t.Cleanup(func() { c.Stop() })

	c2, err := d.Route(context.Background(), pair)
	require.NoError(t, err)
	require.Same(t, c, c2)

	markets, _ := d.Markets()
	require.Len(t, markets, 1)
	require.Equal(t, pair.Key(), markets[0].Pair.Key())
}

func TestRoute_RejectsBadOrientation(t *testing.T) {
	d := newDispatcher(t, nil)
	pair := common.AssetPair{AmountAsset: assetA, PriceAsset: native}
	c, err := d.Route(context.Background(), pair)
	require.NoError(t, err)
	t.Cleanup(func() { c.Stop() })

	_, err = d.Route(context.Background(), pair.Reverse())
	require.ErrorIs(t, err, dispatcher.ErrReversedPair)
}

func TestNew_ReplaysOrderBookCreatedLogAndRespawnsControllers(t *testing.T) {
	state := &fakeSettlement{supply: map[common.Asset]int64{assetA: 1000, assetB: 1000}}
	matcherKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	fs := afero.NewMemMapFs()

	cfg := dispatcher.Config{
		Settlement:       state,
		History:          noopHistory{},
		FS:               fs,
		DataDir:          "/data",
		SnapshotInterval: time.Hour,
		MatcherKey:       matcherKey,
	}

	d1 := dispatcher.New(cfg)
	pair := common.AssetPair{AmountAsset: assetA, PriceAsset: native}
	c1, err := d1.Route(context.Background(), pair)
	require.NoError(t, err)
	t.Cleanup(func() { c1.Stop() })

	markets1, _ := d1.Markets()
	require.Len(t, markets1, 1)

	// A fresh Dispatcher built against the same log must reconstitute the
	// pair and spawn its controller without any caller ever calling Route.
	d2 := dispatcher.New(cfg)
	markets2, _ := d2.Markets()
	require.Len(t, markets2, 1)
	require.Equal(t, pair.Key(), markets2[0].Pair.Key())

	require.NoError(t, d2.CheckOrientation(pair))
	require.Error(t, d2.CheckOrientation(pair.Reverse()))

	c2, err := d2.Route(context.Background(), pair)
	require.NoError(t, err)
	t.Cleanup(func() { c2.Stop() })
}
