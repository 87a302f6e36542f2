package store_test

import (
	"path/filepath"
	"testing"
	"time"

	gocommon "github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"duskex/internal/common"
	"duskex/internal/history/store"
)

func TestStore_SaveAndLoadRoundTrip(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "history.db")
	st, err := store.Open(dsn)
	require.NoError(t, err)

	amountAsset := common.AssetFromBytes([]byte("ROUND"))
	order := common.Order{
		ID:         common.OrderID{1, 2, 3, 4},
		Sender:     gocommon.HexToAddress("0xabc0000000000000000000000000000000abc0"),
		Pair:       common.AssetPair{AmountAsset: amountAsset, PriceAsset: common.NativeAsset()},
		Side:       common.Buy,
		Price:      10,
		Amount:     100,
		Timestamp:  time.Now().UTC().Truncate(time.Second),
		Expiration: time.Now().UTC().Add(time.Hour).Truncate(time.Second),
		MatcherFee: 1,
	}
	require.NoError(t, st.SaveOrder(order))
	require.NoError(t, st.SaveOrderInfo(order.ID, common.OrderInfo{Amount: 100, Filled: 40}))

	portfolio := common.NewPortfolio().Combine(common.Portfolio{amountAsset: 100, common.NativeAsset(): 1})
	require.NoError(t, st.SavePortfolio(order.Sender, portfolio))

	orders, infos, portfolios, err := st.LoadAll()
	require.NoError(t, err)

	got, ok := orders[order.ID]
	require.True(t, ok)
	require.Equal(t, order.Amount, got.Amount)
	require.Equal(t, order.Pair.AmountAsset.String(), got.Pair.AmountAsset.String())
	require.Equal(t, order.Sender, got.Sender)

	info, ok := infos[order.ID]
	require.True(t, ok)
	require.Equal(t, int64(40), info.Filled)

	pf, ok := portfolios[order.Sender]
	require.True(t, ok)
	require.Equal(t, int64(100), pf.Get(amountAsset))
	require.Equal(t, int64(1), pf.Get(common.NativeAsset()))
}
