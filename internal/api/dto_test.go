package api_test

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"duskex/internal/api"
	"duskex/internal/book"
	"duskex/internal/common"
	"duskex/internal/dispatcher"
	"duskex/internal/history"
	"duskex/internal/settlement"
)

func TestNewOrderBookResponse_ConvertsLevels(t *testing.T) {
	pair := common.AssetPair{AmountAsset: common.AssetFromBytes([]byte("A")), PriceAsset: common.NativeAsset()}
	resp := api.NewOrderBookResponse(pair, []book.DepthLevel{{Price: 10, TotalAmount: 100}}, nil)
	require.Equal(t, pair, resp.Pair)
	require.Len(t, resp.Bids, 1)
	require.Empty(t, resp.Asks)
}

func TestClampDepth(t *testing.T) {
	require.Equal(t, api.MaxDepth, api.ClampDepth(0))
	require.Equal(t, api.MaxDepth, api.ClampDepth(1000))
	require.Equal(t, 10, api.ClampDepth(10))
}

func TestNewOrderHistoryResponse_SortsByTimestamp(t *testing.T) {
	older := time.Now().Add(-time.Hour)
	newer := time.Now()
	entries := []history.Entry{
		{Order: common.Order{ID: common.OrderID{1}, Timestamp: newer}, Info: common.OrderInfo{Amount: 100}},
		{Order: common.Order{ID: common.OrderID{2}, Timestamp: older}, Info: common.OrderInfo{Amount: 100}},
	}
	out := api.NewOrderHistoryResponse(entries)
	require.Len(t, out, 2)
	require.True(t, out[0].Timestamp.Before(out[1].Timestamp) || out[0].Timestamp.Equal(out[1].Timestamp))
}

func TestNewTradableBalanceResponse_ScalesByDecimals(t *testing.T) {
	resp := api.NewTradableBalanceResponse(100000000, 50000000, &settlement.AssetInfo{Decimals: 8}, &settlement.AssetInfo{Decimals: 8})
	require.Equal(t, "1", resp.AmountAsset.String())
	require.Equal(t, "0.5", resp.PriceAsset.String())
}

func TestNewMarketsResponse_EncodesPublicKey(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	resp := api.NewMarketsResponse([]dispatcher.Market{{AmountAssetName: "A", PriceAssetName: "WAVES"}}, key.PublicKey)
	require.Len(t, resp.Markets, 1)
	require.NotEmpty(t, resp.MatcherPubKey)
}
