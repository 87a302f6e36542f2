// Package store persists the OrderHistoryService's projection with gorm,
// following the dual sqlite/postgres driver selection in
// web3guy0-polybot's internal/database/database.go: a postgres:// DSN
// opens a Postgres connection, anything else is treated as a sqlite file
// path.
package store

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"time"

	gocommon "github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"duskex/internal/common"
)

// OrderRow is the durable row for a single order's immutable fields.
type OrderRow struct {
	ID              string `gorm:"primaryKey"`
	Sender          string `gorm:"index"`
	SenderPublicKey string
	AmountAsset     string
	PriceAsset      string
	Side            int
	Price           int64
	Amount          int64
	Timestamp       time.Time
	Expiration      time.Time
	MatcherFee      int64
	Signature       string
	CreatedAt       time.Time
}

// OrderInfoRow is the durable row for the mutable OrderInfo projection.
type OrderInfoRow struct {
	OrderID   string `gorm:"primaryKey"`
	Amount    int64
	Filled    int64
	Canceled  bool
	UpdatedAt time.Time
}

// PortfolioRow is one address/asset entry of the open-portfolio ledger.
// Portfolio itself is a map, stored as one row per asset in the map,
// zero-valued entries included.
type PortfolioRow struct {
	Address   string `gorm:"primaryKey"`
	Asset     string `gorm:"primaryKey"`
	Amount    int64
	UpdatedAt time.Time
}

// Store is a gorm-backed implementation of history.Store.
type Store struct {
	db *gorm.DB
}

// Open connects to dsn (a postgres:// URL or a sqlite file path) and
// migrates the schema.
func Open(dsn string) (*Store, error) {
	var db *gorm.DB
	var err error

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
		if err != nil {
			return nil, err
		}
		log.Info().Msg("history store connected (postgres)")
	} else {
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
		}
		db, err = gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", dsn).Msg("history store opened (sqlite)")
	}

	if err := db.AutoMigrate(&OrderRow{}, &OrderInfoRow{}, &PortfolioRow{}); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func assetString(a common.Asset) string { return a.String() }

func assetFromString(s string) common.Asset {
	if s == "WAVES" {
		return common.NativeAsset()
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return common.NativeAsset()
	}
	return common.AssetFromBytes(b)
}

func orderIDFromString(s string) common.OrderID {
	var id common.OrderID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id
	}
	copy(id[:], b)
	return id
}

func (s *Store) SaveOrder(order common.Order) error {
	row := OrderRow{
		ID:              order.ID.String(),
		Sender:          order.Sender.Hex(),
		SenderPublicKey: string(order.SenderPublicKey),
		AmountAsset:     assetString(order.Pair.AmountAsset),
		PriceAsset:      assetString(order.Pair.PriceAsset),
		Side:            int(order.Side),
		Price:           order.Price,
		Amount:          order.Amount,
		Timestamp:       order.Timestamp,
		Expiration:      order.Expiration,
		MatcherFee:      order.MatcherFee,
		Signature:       string(order.Signature),
		CreatedAt:       time.Now(),
	}
	return s.db.Save(&row).Error
}

func (s *Store) SaveOrderInfo(id common.OrderID, info common.OrderInfo) error {
	row := OrderInfoRow{
		OrderID:   id.String(),
		Amount:    info.Amount,
		Filled:    info.Filled,
		Canceled:  info.Canceled,
		UpdatedAt: time.Now(),
	}
	return s.db.Save(&row).Error
}

func (s *Store) SavePortfolio(addr gocommon.Address, p common.Portfolio) error {
	for asset, amount := range p {
		row := PortfolioRow{
			Address:   addr.Hex(),
			Asset:     assetString(asset),
			Amount:    amount,
			UpdatedAt: time.Now(),
		}
		if err := s.db.Save(&row).Error; err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) LoadAll() (map[common.OrderID]common.Order, map[common.OrderID]common.OrderInfo, map[gocommon.Address]common.Portfolio, error) {
	orders := make(map[common.OrderID]common.Order)
	infos := make(map[common.OrderID]common.OrderInfo)
	portfolios := make(map[gocommon.Address]common.Portfolio)

	var orderRows []OrderRow
	if err := s.db.Find(&orderRows).Error; err != nil {
		return nil, nil, nil, err
	}
	for _, row := range orderRows {
		id := orderIDFromString(row.ID)
		orders[id] = common.Order{
			ID:              id,
			Sender:          gocommon.HexToAddress(row.Sender),
			SenderPublicKey: []byte(row.SenderPublicKey),
			Pair:            common.AssetPair{AmountAsset: assetFromString(row.AmountAsset), PriceAsset: assetFromString(row.PriceAsset)},
			Side:            common.Side(row.Side),
			Price:           row.Price,
			Amount:          row.Amount,
			Timestamp:       row.Timestamp,
			Expiration:      row.Expiration,
			MatcherFee:      row.MatcherFee,
			Signature:       []byte(row.Signature),
		}
	}

	var infoRows []OrderInfoRow
	if err := s.db.Find(&infoRows).Error; err != nil {
		return nil, nil, nil, err
	}
	for _, row := range infoRows {
		id := orderIDFromString(row.OrderID)
		infos[id] = common.OrderInfo{Amount: row.Amount, Filled: row.Filled, Canceled: row.Canceled}
	}

	var pfRows []PortfolioRow
	if err := s.db.Find(&pfRows).Error; err != nil {
		return nil, nil, nil, err
	}
	for _, row := range pfRows {
		addr := gocommon.HexToAddress(row.Address)
		if portfolios[addr] == nil {
			portfolios[addr] = common.NewPortfolio()
		}
		portfolios[addr][assetFromString(row.Asset)] = row.Amount
	}

	return orders, infos, portfolios, nil
}
