package history_test

import (
	"context"
	"testing"
	"time"

	gocommon "github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"duskex/internal/common"
	"duskex/internal/history"
)

type memStore struct {
	orders   map[common.OrderID]common.Order
	infos    map[common.OrderID]common.OrderInfo
	folios   map[gocommon.Address]common.Portfolio
}

func newMemStore() *memStore {
	return &memStore{
		orders: make(map[common.OrderID]common.Order),
		infos:  make(map[common.OrderID]common.OrderInfo),
		folios: make(map[gocommon.Address]common.Portfolio),
	}
}

func (m *memStore) SaveOrder(o common.Order) error { m.orders[o.ID] = o; return nil }
func (m *memStore) SaveOrderInfo(id common.OrderID, info common.OrderInfo) error {
	m.infos[id] = info
	return nil
}
func (m *memStore) SavePortfolio(addr gocommon.Address, p common.Portfolio) error {
	m.folios[addr] = p
	return nil
}
func (m *memStore) LoadAll() (map[common.OrderID]common.Order, map[common.OrderID]common.OrderInfo, map[gocommon.Address]common.Portfolio, error) {
	return m.orders, m.infos, m.folios, nil
}

func newOrder(id byte, sender gocommon.Address, side common.Side, price, amount, fee int64) common.Order {
	return common.Order{
		ID:         common.OrderID{id},
		Sender:     sender,
		Pair:       common.AssetPair{AmountAsset: common.AssetFromBytes([]byte("A")), PriceAsset: common.NativeAsset()},
		Side:       side,
		Price:      price,
		Amount:     amount,
		MatcherFee: fee,
	}
}

func TestService_ApplyOrderAddedReservesPortfolio(t *testing.T) {
	svc := history.New(newMemStore(), time.Hour, 100)
	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop()

	addr := gocommon.HexToAddress("0x1")
	order := newOrder(1, addr, common.Buy, 10, 50, 2)
	svc.ApplyEvent(common.OrderAdded{Order: common.NewLimitOrder(order)})

	status, ok := svc.OrderStatus(order.ID)
	require.True(t, ok)
	require.Equal(t, common.StatusAccepted, status)
	require.Equal(t, int64(502), svc.OpenVolume(addr, common.NativeAsset()))
}

func TestService_ApplyOrderExecutedMarksFilled(t *testing.T) {
	svc := history.New(newMemStore(), time.Hour, 100)
	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop()

	buyer := gocommon.HexToAddress("0x1")
	seller := gocommon.HexToAddress("0x2")
	buy := common.NewLimitOrder(newOrder(1, buyer, common.Buy, 10, 50, 0))
	sell := common.NewLimitOrder(newOrder(2, seller, common.Sell, 10, 50, 0))

	svc.ApplyEvent(common.OrderAdded{Order: sell})
	svc.ApplyEvent(common.OrderExecuted{Submitted: buy, Counter: sell, TradedAmount: 50, Price: 10})

	status, ok := svc.OrderStatus(buy.ID())
	require.True(t, ok)
	require.Equal(t, common.StatusFilled, status)
}

func TestService_CancelReleasesRemainder(t *testing.T) {
	svc := history.New(newMemStore(), time.Hour, 100)
	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop()

	addr := gocommon.HexToAddress("0x1")
	order := newOrder(1, addr, common.Buy, 10, 50, 0)
	lo := common.NewLimitOrder(order)
	svc.ApplyEvent(common.OrderAdded{Order: lo})
	require.Equal(t, int64(500), svc.OpenVolume(addr, common.NativeAsset()))

	svc.ApplyEvent(common.OrderCanceled{Order: lo})
	require.Equal(t, int64(0), svc.OpenVolume(addr, common.NativeAsset()))

	status, ok := svc.OrderStatus(order.ID)
	require.True(t, ok)
	require.Equal(t, common.StatusCancelled, status)
}

func TestService_SweepReleasesDoesNotDeadlockTicker(t *testing.T) {
	svc := history.New(newMemStore(), 10*time.Millisecond, 100)
	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop()

	buyer := gocommon.HexToAddress("0x1")
	seller := gocommon.HexToAddress("0x2")
	buy := common.NewLimitOrder(newOrder(1, buyer, common.Buy, 10, 50, 0))
	sell := common.NewLimitOrder(newOrder(2, seller, common.Sell, 10, 50, 0))
	svc.ApplyEvent(common.OrderAdded{Order: sell})
	svc.ApplyEvent(common.OrderExecuted{Submitted: buy, Counter: sell, TradedAmount: 50, Price: 10})

	amountAsset := common.AssetFromBytes([]byte("A"))
	require.Eventually(t, func() bool {
		return svc.OpenVolume(seller, amountAsset) == 0
	}, 3*time.Second, 50*time.Millisecond, "release never swept, loop goroutine likely deadlocked on its own command channel")

	status, ok := svc.OrderStatus(buy.ID())
	require.True(t, ok)
	require.Equal(t, common.StatusFilled, status)
}

func TestService_DeleteOrderRemovesTerminalOrderFromProjection(t *testing.T) {
	svc := history.New(newMemStore(), time.Hour, 100)
	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop()

	addr := gocommon.HexToAddress("0x1")
	order := newOrder(1, addr, common.Buy, 10, 50, 0)
	lo := common.NewLimitOrder(order)
	svc.ApplyEvent(common.OrderAdded{Order: lo})
	svc.ApplyEvent(common.OrderCanceled{Order: lo})

	require.True(t, svc.DeleteOrder(order.ID))

	_, ok := svc.OrderStatus(order.ID)
	require.False(t, ok)
	require.Empty(t, svc.OrderHistoryDetailed(addr, nil))
}

func TestService_DeleteOrderRejectsNonTerminal(t *testing.T) {
	svc := history.New(newMemStore(), time.Hour, 100)
	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop()

	addr := gocommon.HexToAddress("0x1")
	order := newOrder(1, addr, common.Buy, 10, 50, 0)
	svc.ApplyEvent(common.OrderAdded{Order: common.NewLimitOrder(order)})

	require.False(t, svc.DeleteOrder(order.ID))
	_, ok := svc.OrderStatus(order.ID)
	require.True(t, ok)
}

func TestService_RecoverFromOrderBook(t *testing.T) {
	svc := history.New(newMemStore(), time.Hour, 100)
	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop()

	addr := gocommon.HexToAddress("0x1")
	order := newOrder(1, addr, common.Buy, 10, 100, 0)
	lo := common.NewLimitOrder(order).Partial(40)
	svc.RecoverFromOrderBook([]common.LimitOrder{lo})

	status, ok := svc.OrderStatus(order.ID)
	require.True(t, ok)
	require.Equal(t, common.StatusPartiallyFilled, status)
}
