package feed_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"duskex/internal/common"
	"duskex/internal/feed"
)

func TestHub_PublishReachesSubscriber(t *testing.T) {
	hub := feed.NewHub()
	hub.Start()
	t.Cleanup(func() { hub.Stop() })

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeHTTP))
	t.Cleanup(srv.Close)

	pair := common.AssetPair{AmountAsset: common.AssetFromBytes([]byte("A")), PriceAsset: common.NativeAsset()}
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?pair=" + pair.Key()

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	// give the hub loop a moment to register the connection
	time.Sleep(50 * time.Millisecond)

	order := common.NewLimitOrder(common.Order{ID: common.OrderID{1}, Side: common.Buy, Price: 10, Amount: 100})
	hub.Publish(pair, common.OrderAdded{Order: order})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var env struct {
		Pair string          `json:"pair"`
		Kind string          `json:"kind"`
		Body json.RawMessage `json:"body"`
	}
	require.NoError(t, json.Unmarshal(data, &env))
	require.Equal(t, pair.Key(), env.Pair)
	require.Equal(t, "OrderAdded", env.Kind)
}

func TestHub_UnsubscribedPairIsFiltered(t *testing.T) {
	hub := feed.NewHub()
	hub.Start()
	t.Cleanup(func() { hub.Stop() })

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeHTTP))
	t.Cleanup(srv.Close)

	pair := common.AssetPair{AmountAsset: common.AssetFromBytes([]byte("A")), PriceAsset: common.NativeAsset()}
	other := common.AssetPair{AmountAsset: common.AssetFromBytes([]byte("B")), PriceAsset: common.NativeAsset()}
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?pair=" + pair.Key()

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	time.Sleep(50 * time.Millisecond)

	order := common.NewLimitOrder(common.Order{ID: common.OrderID{2}, Side: common.Sell, Price: 10, Amount: 100})
	hub.Publish(other, common.OrderAdded{Order: order})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
}
