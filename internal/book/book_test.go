package book_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duskex/internal/book"
	"duskex/internal/common"
)

func mkOrder(side common.Side, price, amount int64) common.LimitOrder {
	o := common.Order{Side: side, Price: price, Amount: amount}
	o.ID = common.OrderID{byte(price), byte(price >> 8), byte(amount), byte(side), byte(amount >> 8)}
	return common.NewLimitOrder(o)
}

func TestAdd_RestsAtPriceLevel(t *testing.T) {
	b := book.New()
	lo := mkOrder(common.Buy, 99, 100)
	ev := b.MatchOrder(lo)
	added, ok := ev.(common.OrderAdded)
	require.True(t, ok)
	b.UpdateState(added)

	bids, asks := b.Depth(50)
	assert.Empty(t, asks)
	require.Len(t, bids, 1)
	assert.Equal(t, int64(99), bids[0].Price)
	assert.Equal(t, int64(100), bids[0].TotalAmount)
}

func TestMatchOrder_FullMatch(t *testing.T) {
	b := book.New()
	sell := mkOrder(common.Sell, 10, 100)
	b.UpdateState(common.OrderAdded{Order: sell})

	buy := mkOrder(common.Buy, 10, 100)
	ev := b.MatchOrder(buy)
	exec, ok := ev.(common.OrderExecuted)
	require.True(t, ok)
	assert.Equal(t, int64(100), exec.TradedAmount)
	assert.Equal(t, int64(10), exec.Price)

	b.UpdateState(exec)
	bids, asks := b.Depth(50)
	assert.Empty(t, bids)
	assert.Empty(t, asks)
	assert.False(t, b.Contains(sell.ID()))
}

func TestMatchOrder_NonCrossingRests(t *testing.T) {
	b := book.New()
	buy := mkOrder(common.Buy, 10, 100)
	b.UpdateState(common.OrderAdded{Order: buy})

	sell := mkOrder(common.Sell, 11, 100)
	ev := b.MatchOrder(sell)
	_, ok := ev.(common.OrderAdded)
	require.True(t, ok)
	b.UpdateState(ev)

	bid, _ := b.BestBid()
	ask, _ := b.BestAsk()
	assert.Equal(t, int64(10), bid)
	assert.Equal(t, int64(11), ask)
}

func TestMatchOrder_PartialThenCompletion(t *testing.T) {
	b := book.New()
	sell := mkOrder(common.Sell, 10, 100)
	b.UpdateState(common.OrderAdded{Order: sell})

	buy1 := mkOrder(common.Buy, 10, 40)
	ev1 := b.MatchOrder(buy1)
	exec1 := ev1.(common.OrderExecuted)
	assert.Equal(t, int64(40), exec1.TradedAmount)
	b.UpdateState(exec1)

	ask, _ := b.BestAsk()
	assert.Equal(t, int64(10), ask)
	_, asks := b.Depth(50)
	assert.Equal(t, int64(60), asks[0].TotalAmount)

	buy2 := mkOrder(common.Buy, 10, 60)
	ev2 := b.MatchOrder(buy2)
	exec2 := ev2.(common.OrderExecuted)
	assert.Equal(t, int64(60), exec2.TradedAmount)
	b.UpdateState(exec2)

	_, asks = b.Depth(50)
	assert.Empty(t, asks)
}

func TestCancel_RemovesResidentOrder(t *testing.T) {
	b := book.New()
	buy := mkOrder(common.Buy, 10, 100)
	b.UpdateState(common.OrderAdded{Order: buy})

	ev, ok := b.Cancel(buy.ID())
	require.True(t, ok)
	assert.Equal(t, buy.ID(), ev.Order.ID())
	assert.False(t, b.Contains(buy.ID()))

	_, ok = b.Cancel(buy.ID())
	assert.False(t, ok)
}

func TestCancel_DropsEmptyLevel(t *testing.T) {
	b := book.New()
	buy := mkOrder(common.Buy, 10, 100)
	b.UpdateState(common.OrderAdded{Order: buy})

	b.Cancel(buy.ID())
	bids, _ := b.Depth(50)
	assert.Empty(t, bids)
}

func TestSettlementRejection_CounterCancelledSubmittedRests(t *testing.T) {
	b := book.New()
	sell := mkOrder(common.Sell, 10, 100)
	b.UpdateState(common.OrderAdded{Order: sell})

	buy := mkOrder(common.Buy, 10, 100)
	ev := b.MatchOrder(buy)
	exec := ev.(common.OrderExecuted)

	// Settlement rejects: cancel the counter instead of applying the trade.
	b.UpdateState(common.OrderCanceled{Order: exec.Counter})
	assert.False(t, b.Contains(sell.ID()))

	// The submitted order re-enters the matcher with its full remaining
	// amount (refunded, no trade occurred) and finds an empty book.
	ev2 := b.MatchOrder(buy)
	added, ok := ev2.(common.OrderAdded)
	require.True(t, ok)
	assert.Equal(t, int64(100), added.Order.RemainingAmount)
}

func TestPriceTimePriority_FIFOWithinLevel(t *testing.T) {
	b := book.New()
	first := mkOrder(common.Sell, 10, 50)
	second := mkOrder(common.Sell, 10, 50)
	second.Order.ID = common.OrderID{9, 9, 9}
	b.UpdateState(common.OrderAdded{Order: first})
	b.UpdateState(common.OrderAdded{Order: second})

	buy := mkOrder(common.Buy, 10, 50)
	ev := b.MatchOrder(buy)
	exec := ev.(common.OrderExecuted)
	assert.Equal(t, first.ID(), exec.Counter.ID())
}
