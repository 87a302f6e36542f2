package controller_test

import (
	"context"
	"testing"
	"time"

	gocommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"duskex/internal/common"
	"duskex/internal/controller"
	"duskex/internal/settlement"
	"duskex/internal/validator"
)

type fakeState struct {
	balances map[common.Asset]int64
}

func (f *fakeState) BalanceOf(_ context.Context, _ gocommon.Address, asset common.Asset) (int64, error) {
	return f.balances[asset], nil
}
func (f *fakeState) TotalSupply(context.Context, common.Asset) (int64, error) { return 1_000_000, nil }
func (f *fakeState) AssetInfo(context.Context, common.Asset) (*settlement.AssetInfo, error) {
	return &settlement.AssetInfo{Decimals: 8}, nil
}

type fakeSettlement struct {
	*fakeState
	accept bool
}

func (f *fakeSettlement) Submit(context.Context, common.ExchangeTransaction) (bool, error) {
	return f.accept, nil
}

type fakeHistory struct {
	applied []common.Event
	open    map[gocommon.Address]map[common.Asset]int64
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{open: make(map[gocommon.Address]map[common.Asset]int64)}
}

func (h *fakeHistory) OpenVolume(gocommon.Address, common.Asset) int64 { return 0 }
func (h *fakeHistory) ApplyEvent(ev common.Event)                     { h.applied = append(h.applied, ev) }
func (h *fakeHistory) RecoverFromOrderBook([]common.LimitOrder)       {}

func signedOrder(t *testing.T, side common.Side, price, amount int64, pair common.AssetPair) common.Order {
	t.Helper()
	priv, err := crypto.GenerateKey()
	require.NoError(t, err)
	now := time.Now().UTC()
	o := common.Order{
		Pair:       pair,
		Side:       side,
		Price:      price,
		Amount:     amount,
		Timestamp:  now,
		Expiration: now.Add(time.Hour),
	}
	signed, err := common.Sign(o, priv)
	require.NoError(t, err)
	return signed
}

func newController(t *testing.T, accept bool) (*controller.Controller, *fakeHistory) {
	t.Helper()
	pair := common.AssetPair{AmountAsset: common.AssetFromBytes([]byte("A")), PriceAsset: common.NativeAsset()}
	state := &fakeState{balances: map[common.Asset]int64{common.NativeAsset(): 1_000_000, common.AssetFromBytes([]byte("A")): 1_000_000}}
	v := validator.New(state, time.Minute, 24*time.Hour, nil)
	hist := newFakeHistory()
	matcherKey, err := crypto.GenerateKey()
	require.NoError(t, err)

	cfg := controller.Config{
		Pair:              pair,
		Validator:         v,
		History:           hist,
		Settlement:        &fakeSettlement{fakeState: state, accept: accept},
		FS:                afero.NewMemMapFs(),
		JournalPath:       "/data/pairs/a-native/journal.log",
		SnapshotDir:       "/data/pairs/a-native/snapshots",
		SnapshotInterval:  time.Hour,
		ValidationTimeout: time.Second,
		MatcherSigningKey: matcherKey,
	}
	c, err := controller.New(cfg)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { c.Stop() })
	return c, hist
}

func TestController_SubmitRestingOrder(t *testing.T) {
	c, hist := newController(t, true)
	pair := common.AssetPair{AmountAsset: common.AssetFromBytes([]byte("A")), PriceAsset: common.NativeAsset()}
	order := signedOrder(t, common.Buy, 10, 100, pair)

	res, err := c.Submit(context.Background(), order)
	require.NoError(t, err)
	require.NoError(t, res.Err)

	bids, asks, err := c.Depth(context.Background(), 10)
	require.NoError(t, err)
	require.Empty(t, asks)
	require.Len(t, bids, 1)
	require.Equal(t, int64(100), bids[0].TotalAmount)
	require.NotEmpty(t, hist.applied)
}

func TestController_MatchAndSettleAccepted(t *testing.T) {
	c, hist := newController(t, true)
	pair := common.AssetPair{AmountAsset: common.AssetFromBytes([]byte("A")), PriceAsset: common.NativeAsset()}

	sell := signedOrder(t, common.Sell, 10, 100, pair)
	_, err := c.Submit(context.Background(), sell)
	require.NoError(t, err)

	buy := signedOrder(t, common.Buy, 10, 100, pair)
	_, err = c.Submit(context.Background(), buy)
	require.NoError(t, err)

	bids, asks, err := c.Depth(context.Background(), 10)
	require.NoError(t, err)
	require.Empty(t, bids)
	require.Empty(t, asks)

	var sawExecuted bool
	for _, ev := range hist.applied {
		if _, ok := ev.(common.OrderExecuted); ok {
			sawExecuted = true
		}
	}
	require.True(t, sawExecuted)
}

func TestController_SettlementRejectionCancelsCounter(t *testing.T) {
	c, _ := newController(t, false)
	pair := common.AssetPair{AmountAsset: common.AssetFromBytes([]byte("A")), PriceAsset: common.NativeAsset()}

	sell := signedOrder(t, common.Sell, 10, 100, pair)
	_, err := c.Submit(context.Background(), sell)
	require.NoError(t, err)

	buy := signedOrder(t, common.Buy, 10, 100, pair)
	_, err = c.Submit(context.Background(), buy)
	require.NoError(t, err)

	bids, asks, err := c.Depth(context.Background(), 10)
	require.NoError(t, err)
	require.Empty(t, asks)
	require.Len(t, bids, 1)
	require.Equal(t, int64(100), bids[0].TotalAmount)
}

func TestController_CancelUnknownOrder(t *testing.T) {
	c, _ := newController(t, true)
	res, err := c.Cancel(context.Background(), common.OrderID{9, 9, 9}, []byte("bogus"))
	require.NoError(t, err)
	require.Error(t, res.Err)
}

func TestController_CancelResting(t *testing.T) {
	c, _ := newController(t, true)
	pair := common.AssetPair{AmountAsset: common.AssetFromBytes([]byte("A")), PriceAsset: common.NativeAsset()}
	order := signedOrder(t, common.Buy, 10, 100, pair)

	_, err := c.Submit(context.Background(), order)
	require.NoError(t, err)

	res, err := c.Cancel(context.Background(), order.ID, order.Signature)
	require.NoError(t, err)
	require.NoError(t, res.Err)

	bids, _, err := c.Depth(context.Background(), 10)
	require.NoError(t, err)
	require.Empty(t, bids)
}
