package main

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	gocommon "github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"

	"duskex/internal/api"
	"duskex/internal/common"
	"duskex/internal/dispatcher"
	"duskex/internal/history"
	"duskex/internal/settlement"
	"duskex/internal/transport/workerpool"
)

const requestWorkers = 16

// httpServer adapts the HTTP transport to the dispatcher and history
// service, translating wire JSON to and from internal/api's DTOs.
// Inbound submit/cancel requests are fanned out through a bounded worker
// pool before reaching the owning controller's mailbox (spec.md §5's
// "different actors may execute in parallel on a worker pool").
type httpServer struct {
	t          tomb.Tomb
	dispatcher *dispatcher.Dispatcher
	history    *history.Service
	settlement settlement.Client
	matcherPub ecdsa.PublicKey
	hub        feedHub
	pool       *workerpool.Pool
}

// feedHub is the narrow slice of *feed.Hub the server needs, kept as an
// interface so it can be swapped in tests.
type feedHub interface {
	ServeHTTP(w http.ResponseWriter, r *http.Request)
}

func newHTTPServer(d *dispatcher.Dispatcher, h *history.Service, s settlement.Client, pub ecdsa.PublicKey, hub feedHub) *httpServer {
	return &httpServer{dispatcher: d, history: h, settlement: s, matcherPub: pub, hub: hub, pool: workerpool.New(requestWorkers)}
}

type writeTask struct {
	do func()
}

func (srv *httpServer) ListenAndServe(ctx context.Context, bindAddr string, port int) error {
	srv.t.Go(func() error { srv.pool.Run(&srv.t, srv.runTask); return nil })

	mux := http.NewServeMux()
	mux.HandleFunc("/orders/submit", srv.handleSubmit)
	mux.HandleFunc("/orders/cancel", srv.handleCancel)
	mux.HandleFunc("/orderbook", srv.handleOrderBook)
	mux.HandleFunc("/orders/status", srv.handleOrderStatus)
	mux.HandleFunc("/orders/history", srv.handleOrderHistory)
	mux.HandleFunc("/balance", srv.handleTradableBalance)
	mux.HandleFunc("/orders/delete", srv.handleDeleteOrder)
	mux.HandleFunc("/markets", srv.handleMarkets)
	mux.Handle("/feed", http.HandlerFunc(srv.hub.ServeHTTP))

	server := &http.Server{Addr: fmt.Sprintf("%s:%d", bindAddr, port), Handler: mux}
	go func() {
		<-ctx.Done()
		srv.t.Kill(nil)
		_ = server.Close()
	}()
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (srv *httpServer) runTask(_ *tomb.Tomb, task any) error {
	wt, ok := task.(writeTask)
	if !ok {
		return nil
	}
	wt.do()
	return nil
}

func (srv *httpServer) submit(fn func()) {
	done := make(chan struct{})
	srv.pool.Submit(&srv.t, writeTask{do: func() { fn(); close(done) }})
	<-done
}

func (srv *httpServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req api.SubmitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req.Order); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var resp any
	var status int
	srv.submit(func() {
		ctrl, err := srv.dispatcher.Route(r.Context(), req.Order.Pair)
		if err != nil {
			status, resp = http.StatusBadRequest, api.OrderRejectedResponse{Message: err.Error()}
			return
		}
		result, err := ctrl.Submit(r.Context(), req.Order)
		if err != nil {
			status, resp = http.StatusInternalServerError, api.OrderRejectedResponse{Message: err.Error()}
			return
		}
		if result.Err != nil {
			status, resp = http.StatusBadRequest, api.OrderRejectedResponse{Message: result.Err.Error()}
			return
		}
		status, resp = http.StatusOK, api.OrderAcceptedResponse{Order: result.Order}
	})
	writeJSON(w, status, resp)
}

func (srv *httpServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Pair      common.AssetPair `json:"pair"`
		OrderID   common.OrderID   `json:"orderId"`
		Signature []byte           `json:"signature"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var resp any
	var status int
	srv.submit(func() {
		ctrl, err := srv.dispatcher.Route(r.Context(), req.Pair)
		if err != nil {
			status, resp = http.StatusBadRequest, api.OrderCancelRejectedResponse{Message: err.Error()}
			return
		}
		result, err := ctrl.Cancel(r.Context(), req.OrderID, req.Signature)
		if err != nil {
			status, resp = http.StatusInternalServerError, api.OrderCancelRejectedResponse{Message: err.Error()}
			return
		}
		if result.Err != nil {
			status, resp = http.StatusBadRequest, api.OrderCancelRejectedResponse{Message: result.Err.Error()}
			return
		}
		status, resp = http.StatusOK, api.OrderCanceledResponse{OrderID: result.OrderID}
	})
	writeJSON(w, status, resp)
}

func (srv *httpServer) handleOrderBook(w http.ResponseWriter, r *http.Request) {
	pair, err := pairFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	depth := api.ClampDepth(atoiDefault(r.URL.Query().Get("depth"), api.MaxDepth))

	ctrl, err := srv.dispatcher.Route(r.Context(), pair)
	if err != nil {
		writeJSON(w, http.StatusOK, api.OrderBookResponse{Pair: pair})
		return
	}
	bids, asks, err := ctrl.Depth(r.Context(), depth)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, api.NewOrderBookResponse(pair, bids, asks))
}

func (srv *httpServer) handleOrderStatus(w http.ResponseWriter, r *http.Request) {
	id, err := orderIDFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	info, ok := srv.history.OrderInfoFor(id)
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("order not found"))
		return
	}
	writeJSON(w, http.StatusOK, api.OrderStatusResponse{Status: info.Status(), Filled: info.Filled})
}

func (srv *httpServer) handleOrderHistory(w http.ResponseWriter, r *http.Request) {
	addr, err := addressFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var pairFilter *common.AssetPair
	if raw := r.URL.Query().Get("pair"); raw != "" {
		p, err := pairFromQuery(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		pairFilter = &p
	}
	entries := srv.history.OrderHistoryDetailed(addr, pairFilter)
	writeJSON(w, http.StatusOK, api.NewOrderHistoryResponse(entries))
}

func (srv *httpServer) handleTradableBalance(w http.ResponseWriter, r *http.Request) {
	pair, err := pairFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	addr, err := addressFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	amountBal, err := srv.settlement.BalanceOf(r.Context(), addr, pair.AmountAsset)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	priceBal, err := srv.settlement.BalanceOf(r.Context(), addr, pair.PriceAsset)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	amountTradable := srv.history.TradableBalance(addr, pair.AmountAsset, amountBal)
	priceTradable := srv.history.TradableBalance(addr, pair.PriceAsset, priceBal)

	amountInfo, _ := srv.settlement.AssetInfo(r.Context(), pair.AmountAsset)
	priceInfo, _ := srv.settlement.AssetInfo(r.Context(), pair.PriceAsset)

	writeJSON(w, http.StatusOK, api.NewTradableBalanceResponse(amountTradable, priceTradable, amountInfo, priceInfo))
}

func (srv *httpServer) handleDeleteOrder(w http.ResponseWriter, r *http.Request) {
	id, err := orderIDFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !srv.history.DeleteOrder(id) {
		writeError(w, http.StatusBadRequest, api.ErrOrderNotDeletable)
		return
	}
	writeJSON(w, http.StatusOK, api.OrderDeletedResponse{OrderID: id})
}

func (srv *httpServer) handleMarkets(w http.ResponseWriter, r *http.Request) {
	markets, pub := srv.dispatcher.Markets()
	writeJSON(w, http.StatusOK, api.NewMarketsResponse(markets, pub))
}

func pairFromQuery(r *http.Request) (common.AssetPair, error) {
	amount, err := common.AssetFromHex(r.URL.Query().Get("amountAsset"))
	if err != nil {
		return common.AssetPair{}, err
	}
	price, err := common.AssetFromHex(r.URL.Query().Get("priceAsset"))
	if err != nil {
		return common.AssetPair{}, err
	}
	return common.AssetPair{AmountAsset: amount, PriceAsset: price}, nil
}

func orderIDFromQuery(r *http.Request) (common.OrderID, error) {
	raw := r.URL.Query().Get("orderId")
	b, err := hex.DecodeString(raw)
	if err != nil || len(b) != 32 {
		return common.OrderID{}, fmt.Errorf("invalid orderId %q", raw)
	}
	var id common.OrderID
	copy(id[:], b)
	return id, nil
}

func addressFromQuery(r *http.Request) (gocommon.Address, error) {
	raw := r.URL.Query().Get("address")
	if !gocommon.IsHexAddress(raw) {
		return gocommon.Address{}, fmt.Errorf("invalid address %q", raw)
	}
	return gocommon.HexToAddress(raw), nil
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("encode response")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"message": err.Error()})
}
