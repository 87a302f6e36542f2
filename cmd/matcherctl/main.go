// Command matcherctl is an operator/test client for matcherd, generalizing
// the teacher's raw TCP client (cmd/client/client.go) into a resty-backed
// REST client with cobra commands for submit, cancel, book, history,
// balance and markets. Order status and order deletion have no command.
package main

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	gocommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"

	"duskex/internal/common"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var serverURL string
	var signingKeyHex string

	root := &cobra.Command{
		Use:   "matcherctl",
		Short: "operator client for the duskex matching engine",
	}
	root.PersistentFlags().StringVar(&serverURL, "server", "http://127.0.0.1:6886", "matcherd base URL")
	root.PersistentFlags().StringVar(&signingKeyHex, "key", "", "hex-encoded secp256k1 private key signing orders")

	client := func() *resty.Client { return resty.New().SetBaseURL(serverURL).SetTimeout(10 * time.Second) }
	key := func() (*ecdsa.PrivateKey, error) {
		if signingKeyHex == "" {
			return nil, fmt.Errorf("--key is required")
		}
		return crypto.HexToECDSA(signingKeyHex)
	}

	root.AddCommand(newSubmitCmd(client, key))
	root.AddCommand(newCancelCmd(client, key))
	root.AddCommand(newBookCmd(client))
	root.AddCommand(newHistoryCmd(client))
	root.AddCommand(newBalanceCmd(client))
	root.AddCommand(newMarketsCmd(client))
	return root
}

func newSubmitCmd(client func() *resty.Client, key func() (*ecdsa.PrivateKey, error)) *cobra.Command {
	var amountAsset, priceAsset, side string
	var price, amount, fee int64
	var expiresIn time.Duration

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "sign and submit a limit order",
		RunE: func(cmd *cobra.Command, args []string) error {
			priv, err := key()
			if err != nil {
				return err
			}
			amountA, err := common.AssetFromHex(amountAsset)
			if err != nil {
				return err
			}
			priceA, err := common.AssetFromHex(priceAsset)
			if err != nil {
				return err
			}
			orderSide := common.Buy
			if side == "sell" {
				orderSide = common.Sell
			}
			now := time.Now().UTC()
			order := common.Order{
				Pair:       common.AssetPair{AmountAsset: amountA, PriceAsset: priceA},
				Side:       orderSide,
				Price:      price,
				Amount:     amount,
				MatcherFee: fee,
				Timestamp:  now,
				Expiration: now.Add(expiresIn),
			}
			signed, err := common.Sign(order, priv)
			if err != nil {
				return fmt.Errorf("sign order: %w", err)
			}
			resp, err := client().R().SetBody(signed).Post("/orders/submit")
			if err != nil {
				return err
			}
			fmt.Println(resp.String())
			return nil
		},
	}
	cmd.Flags().StringVar(&amountAsset, "amount-asset", "WAVES", "amount asset (WAVES or hex id)")
	cmd.Flags().StringVar(&priceAsset, "price-asset", "WAVES", "price asset (WAVES or hex id)")
	cmd.Flags().StringVar(&side, "side", "buy", "buy or sell")
	cmd.Flags().Int64Var(&price, "price", 0, "price, in price-asset base units")
	cmd.Flags().Int64Var(&amount, "amount", 0, "amount, in amount-asset base units")
	cmd.Flags().Int64Var(&fee, "fee", 0, "matcher fee, in native-asset base units")
	cmd.Flags().DurationVar(&expiresIn, "expires-in", time.Hour, "time until expiration")
	return cmd
}

func newCancelCmd(client func() *resty.Client, key func() (*ecdsa.PrivateKey, error)) *cobra.Command {
	var amountAsset, priceAsset, orderIDHex string

	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "sign and submit a cancellation",
		RunE: func(cmd *cobra.Command, args []string) error {
			priv, err := key()
			if err != nil {
				return err
			}
			amountA, err := common.AssetFromHex(amountAsset)
			if err != nil {
				return err
			}
			priceA, err := common.AssetFromHex(priceAsset)
			if err != nil {
				return err
			}
			idBytes, err := hex.DecodeString(orderIDHex)
			if err != nil || len(idBytes) != 32 {
				return fmt.Errorf("invalid order id %q", orderIDHex)
			}
			var id common.OrderID
			copy(id[:], idBytes)

			sig, err := crypto.Sign(id[:], priv)
			if err != nil {
				return fmt.Errorf("sign cancellation: %w", err)
			}
			body := map[string]any{
				"pair":      common.AssetPair{AmountAsset: amountA, PriceAsset: priceA},
				"orderId":   id,
				"signature": sig,
			}
			resp, err := client().R().SetBody(body).Post("/orders/cancel")
			if err != nil {
				return err
			}
			fmt.Println(resp.String())
			return nil
		},
	}
	cmd.Flags().StringVar(&amountAsset, "amount-asset", "WAVES", "amount asset (WAVES or hex id)")
	cmd.Flags().StringVar(&priceAsset, "price-asset", "WAVES", "price asset (WAVES or hex id)")
	cmd.Flags().StringVar(&orderIDHex, "order-id", "", "hex-encoded order id")
	return cmd
}

func newBookCmd(client func() *resty.Client) *cobra.Command {
	var amountAsset, priceAsset string
	var depth int
	cmd := &cobra.Command{
		Use:   "book",
		Short: "show an order book's depth",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client().R().
				SetQueryParams(map[string]string{
					"amountAsset": amountAsset,
					"priceAsset":  priceAsset,
					"depth":       fmt.Sprint(depth),
				}).Get("/orderbook")
			if err != nil {
				return err
			}
			fmt.Println(resp.String())
			return nil
		},
	}
	cmd.Flags().StringVar(&amountAsset, "amount-asset", "WAVES", "amount asset (WAVES or hex id)")
	cmd.Flags().StringVar(&priceAsset, "price-asset", "WAVES", "price asset (WAVES or hex id)")
	cmd.Flags().IntVar(&depth, "depth", 50, "max levels per side")
	return cmd
}

func newHistoryCmd(client func() *resty.Client) *cobra.Command {
	var address string
	cmd := &cobra.Command{
		Use:   "history",
		Short: "show an address's order history",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !gocommon.IsHexAddress(address) {
				return fmt.Errorf("invalid address %q", address)
			}
			resp, err := client().R().SetQueryParam("address", address).Get("/orders/history")
			if err != nil {
				return err
			}
			fmt.Println(resp.String())
			return nil
		},
	}
	cmd.Flags().StringVar(&address, "address", "", "account address")
	return cmd
}

func newBalanceCmd(client func() *resty.Client) *cobra.Command {
	var amountAsset, priceAsset, address string
	cmd := &cobra.Command{
		Use:   "balance",
		Short: "show an address's tradable balance for a pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !gocommon.IsHexAddress(address) {
				return fmt.Errorf("invalid address %q", address)
			}
			resp, err := client().R().
				SetQueryParams(map[string]string{
					"amountAsset": amountAsset,
					"priceAsset":  priceAsset,
					"address":     address,
				}).Get("/balance")
			if err != nil {
				return err
			}
			fmt.Println(resp.String())
			return nil
		},
	}
	cmd.Flags().StringVar(&amountAsset, "amount-asset", "WAVES", "amount asset (WAVES or hex id)")
	cmd.Flags().StringVar(&priceAsset, "price-asset", "WAVES", "price asset (WAVES or hex id)")
	cmd.Flags().StringVar(&address, "address", "", "account address")
	return cmd
}

func newMarketsCmd(client func() *resty.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "markets",
		Short: "list open markets and the matcher's public key",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client().R().Get("/markets")
			if err != nil {
				return err
			}
			fmt.Println(resp.String())
			return nil
		},
	}
}
