package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/nutlock/nutlock/wallet"
	"github.com/nutlock/nutlock/wallet/relay"
)

var nlw *wallet.Wallet

func walletConfig() wallet.Config {
	path := setWalletPath()
	config := wallet.Config{WalletPath: path, CurrentMintURL: "http://127.0.0.1:3338"}

	envPath := filepath.Join(path, ".env")
	if _, err := os.Stat(envPath); err != nil {
		wd, err := os.Getwd()
		if err != nil {
			envPath = ""
		} else {
			envPath = filepath.Join(wd, ".env")
		}
	}

	if len(envPath) > 0 {
		if err := godotenv.Load(envPath); err == nil {
			if mintURL := os.Getenv("MINT_URL"); len(mintURL) > 0 {
				config.CurrentMintURL = mintURL
			}
		}
	}

	logger, err := zap.NewProduction()
	if err == nil {
		config.Logger = logger
	}

	return config
}

func setWalletPath() string {
	homedir, err := os.UserHomeDir()
	if err != nil {
		log.Fatal(err)
	}

	path := filepath.Join(homedir, ".nutlock", "wallet")
	err = os.MkdirAll(path, 0700)
	if err != nil {
		log.Fatal(err)
	}
	return path
}

func setupWallet(ctx *cli.Context) error {
	config := walletConfig()

	var err error
	nlw, err = wallet.LoadWallet(ctx.Context, config)
	if err != nil {
		printErr(err)
	}

	// a relay url in the environment turns on encrypted proof backup
	if relayURL := os.Getenv("RELAY_URL"); len(relayURL) > 0 {
		client := relay.NewClient(relayURL, config.Logger)
		if err := client.Connect(ctx.Context); err != nil {
			printErr(err)
		}
		transport, err := relay.NewTransport(client, nlw.Seed(), config.Logger)
		if err != nil {
			printErr(err)
		}
		nlw.SetBackup(transport)
		// retry proofs that earlier degraded to local fallback records
		if err := nlw.Backup().FlushFallbacks(ctx.Context); err != nil {
			fmt.Printf("warning: backup fallback retry failed: %v\n", err)
		}
	}

	if err := nlw.ResolvePendingSwaps(ctx.Context); err != nil {
		printErr(err)
	}
	// sweep escrows whose locktime passed while the wallet was offline
	if refunded, err := nlw.RefundExpired(ctx.Context); err == nil && refunded > 0 {
		fmt.Printf("%v expired escrows refunded\n", refunded)
	}
	return nil
}

func main() {
	app := &cli.App{
		Name:  "nutlock",
		Usage: "ecash wallet with hash/time-locked escrow",
		Commands: []*cli.Command{
			balanceCmd,
			mintCmd,
			payCmd,
			lockCmd,
			claimCmd,
			refundCmd,
			locksCmd,
			restoreCmd,
			mnemonicCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

var balanceCmd = &cli.Command{
	Name:   "balance",
	Before: setupWallet,
	Action: getBalance,
}

func getBalance(ctx *cli.Context) error {
	fmt.Printf("%v sats\n", nlw.Balance())
	return nil
}

const quoteFlag = "quote"

var mintCmd = &cli.Command{
	Name:  "mint",
	Usage: "request a deposit quote, or redeem a paid one with --quote",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  quoteFlag,
			Usage: "redeem ecash for a paid quote",
		},
	},
	Before: setupWallet,
	Action: mintAction,
}

func mintAction(ctx *cli.Context) error {
	if ctx.IsSet(quoteFlag) {
		if err := redeemQuote(ctx.Context, ctx.String(quoteFlag)); err != nil {
			printErr(err)
		}
		return nil
	}

	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("specify an amount to mint"))
	}
	amount, err := strconv.ParseUint(args.First(), 10, 64)
	if err != nil {
		printErr(errors.New("invalid amount"))
	}

	quote, err := nlw.RequestMint(ctx.Context, amount)
	if err != nil {
		printErr(err)
	}

	fmt.Printf("invoice: %v\n\n", quote.Request)
	fmt.Printf("after paying the invoice, redeem with: nutlock mint --quote %v\n", quote.Quote)
	return nil
}

func redeemQuote(ctx context.Context, quoteId string) error {
	if !nlw.CheckQuotePaid(ctx, quoteId) {
		return errors.New("quote has not been paid")
	}

	quote, err := nlw.MintQuoteAmount(ctx, quoteId)
	if err != nil {
		return err
	}
	proofs, err := nlw.MintTokens(ctx, quoteId, quote)
	if err != nil {
		return err
	}
	fmt.Printf("%v sats minted\n", proofs.Amount())
	return nil
}

var payCmd = &cli.Command{
	Name:   "pay",
	Usage:  "pay an invoice by melting ecash",
	Before: setupWallet,
	Action: pay,
}

func pay(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("specify an invoice to pay"))
	}

	meltRes, err := nlw.Melt(ctx.Context, args.First())
	if err != nil {
		printErr(err)
	}
	fmt.Printf("payment state: %v\n", meltRes.State)
	return nil
}

const (
	toFlag       = "to"
	hashFlag     = "hash"
	locktimeFlag = "locktime"
)

var lockCmd = &cli.Command{
	Name:  "lock",
	Usage: "lock funds claimable by a counterparty with a preimage",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     toFlag,
			Usage:    "counterparty public key (compressed hex)",
			Required: true,
		},
		&cli.StringFlag{
			Name:     hashFlag,
			Usage:    "payment hash the preimage must match",
			Required: true,
		},
		&cli.Int64Flag{
			Name:  locktimeFlag,
			Usage: "seconds until the lock becomes refundable",
			Value: 86400,
		},
	},
	Before: setupWallet,
	Action: lockFunds,
}

func lockFunds(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("specify an amount to lock"))
	}
	amount, err := strconv.ParseUint(args.First(), 10, 64)
	if err != nil {
		printErr(errors.New("invalid amount"))
	}

	locktime := time.Now().Unix() + ctx.Int64(locktimeFlag)
	lock, err := nlw.Lock(ctx.Context, amount, ctx.String(toFlag), ctx.String(hashFlag), locktime)
	if err != nil {
		printErr(err)
	}

	fmt.Printf("escrow id: %v\n", lock.Id)
	fmt.Printf("token for the counterparty:\n%v\n", lock.Token)
	return nil
}

const preimageFlag = "preimage"

var claimCmd = &cli.Command{
	Name:  "claim",
	Usage: "claim a locked token by revealing the preimage",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     preimageFlag,
			Usage:    "preimage of the payment hash (hex)",
			Required: true,
		},
	},
	Before: setupWallet,
	Action: claim,
}

func claim(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("locked token not provided"))
	}

	amount, err := nlw.Claim(ctx.Context, args.First(), ctx.String(preimageFlag))
	if err != nil {
		printErr(err)
	}
	fmt.Printf("%v sats claimed\n", amount)
	return nil
}

var refundCmd = &cli.Command{
	Name:   "refund",
	Usage:  "refund an expired escrow, or all of them with no argument",
	Before: setupWallet,
	Action: refund,
}

func refund(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		refunded, err := nlw.RefundExpired(ctx.Context)
		if err != nil {
			printErr(err)
		}
		fmt.Printf("%v escrows refunded\n", refunded)
		return nil
	}

	if err := nlw.Refund(ctx.Context, args.First()); err != nil {
		printErr(err)
	}
	fmt.Println("escrow refunded")
	return nil
}

var locksCmd = &cli.Command{
	Name:   "locks",
	Usage:  "list escrow locks",
	Before: setupWallet,
	Action: listLocks,
}

func listLocks(ctx *cli.Context) error {
	for _, lock := range nlw.EscrowLocks() {
		fmt.Printf("%v  %v  %v sats  locktime %v\n",
			lock.Id, lock.Status, lock.Amount, time.Unix(lock.Locktime, 0).Format(time.RFC3339))
	}
	return nil
}

const mintURLFlag = "mint"

var restoreCmd = &cli.Command{
	Name:  "restore",
	Usage: "rebuild the wallet from its mnemonic",
	Flags: []cli.Flag{
		&cli.StringSliceFlag{
			Name:     mintURLFlag,
			Usage:    "mint to restore proofs from, repeatable",
			Required: true,
		},
	},
	Action: restoreWallet,
}

func restoreWallet(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("mnemonic not provided"))
	}

	logger, _ := zap.NewProduction()
	proofs, err := wallet.Restore(ctx.Context, setWalletPath(), args.First(), ctx.StringSlice(mintURLFlag), logger)
	if err != nil {
		printErr(err)
	}
	fmt.Printf("restored %v sats\n", proofs.Amount())
	return nil
}

var mnemonicCmd = &cli.Command{
	Name:   "mnemonic",
	Usage:  "print the wallet mnemonic",
	Before: setupWallet,
	Action: showMnemonic,
}

func showMnemonic(ctx *cli.Context) error {
	fmt.Println(nlw.Mnemonic())
	return nil
}

func printErr(msg error) {
	fmt.Println(msg.Error())
	os.Exit(1)
}
