package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/lingreerjr-eng/polybot-ws/internal/bot"
	"github.com/lingreerjr-eng/polybot-ws/internal/clob"
	"github.com/lingreerjr-eng/polybot-ws/internal/dotenv"
	"github.com/lingreerjr-eng/polybot-ws/internal/polygonutil"
)

// collateral prints the funder's USDC balance and exchange allowances against
// the cost of one pair, using the same configuration as pairbot.
func main() {
	log.SetFlags(0)

	if err := dotenv.Load(); err != nil {
		log.Printf("[warn] %v", err)
	}

	cfg, err := bot.ParseConfig(flag.CommandLine, os.Args[1:], os.Getenv)
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}
	if strings.TrimSpace(cfg.PrivateKeyHex) == "" {
		log.Fatalf("[fatal] private key required (set PRIVATE_KEY in .env)")
	}
	pk, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(cfg.PrivateKeyHex), "0x"))
	if err != nil {
		log.Fatalf("[fatal] invalid private key: %v", err)
	}
	funder := cfg.Funder
	if (funder == common.Address{}) {
		funder = crypto.PubkeyToAddress(pk.PublicKey)
	}

	client, err := clob.NewClient(cfg.ClobHost, pk, funder, cfg.SignatureType, clob.WithServerTime(cfg.UseServerTime))
	if err != nil {
		log.Fatalf("[fatal] clob client: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if strings.TrimSpace(cfg.RPCURL) == "" {
		if cfg.APIKey != "" && cfg.APISecret != "" && cfg.APIPassphrase != "" {
			client.SetApiCreds(clob.ApiKeyCreds{Key: cfg.APIKey, Secret: cfg.APISecret, Passphrase: cfg.APIPassphrase})
		} else if _, err := client.EnsureApiCreds(ctx, cfg.APINonce); err != nil {
			log.Fatalf("[fatal] failed to create/derive api key: %v", err)
		}
	}

	funds, warnings, err := polygonutil.Check(ctx, polygonutil.CheckRequest{
		RPCURL:   cfg.RPCURL,
		ChainID:  client.ChainID(),
		Owner:    funder,
		Required: cfg.PairCost(),
		Venue:    client,
	})
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}

	fmt.Printf("funder: %s\n", funder.Hex())
	fmt.Printf("source: %s\n", funds.Source)
	fmt.Printf("usdc_balance: %s\n", funds.Balance.StringFixed(6))
	spenders := make([]string, 0, len(funds.Allowances))
	for sp := range funds.Allowances {
		spenders = append(spenders, sp)
	}
	sort.Strings(spenders)
	for _, sp := range spenders {
		fmt.Printf("allowance[%s]: %s\n", sp, funds.Allowances[sp].StringFixed(2))
	}
	fmt.Printf("pair_cost: %s (size=%s cap=%s)\n", cfg.PairCost().StringFixed(2), cfg.PairSize, cfg.HedgeSumMax)
	for _, w := range warnings {
		fmt.Printf("warning: %s\n", w)
	}
}
