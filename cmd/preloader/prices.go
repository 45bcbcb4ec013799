package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"market_preloader/internal/domain/entity"

	"github.com/google/subcommands"
	"go.uber.org/zap"
)

type pricesCmd struct {
	configFlag
	symbols string
	timeout time.Duration
}

func (*pricesCmd) Name() string     { return "prices" }
func (*pricesCmd) Synopsis() string { return "fetch current prices once and print them" }
func (*pricesCmd) Usage() string {
	return `prices [-config <path>] [-symbols BTC,ETH]

  Queries the configured price sources once. Without -symbols the cache
  symbol list from the configuration is used.
`
}

func (p *pricesCmd) SetFlags(f *flag.FlagSet) {
	p.register(f)
	f.StringVar(&p.symbols, "symbols", "", "comma separated symbols to fetch")
	f.DurationVar(&p.timeout, "timeout", 30*time.Second, "overall timeout")
}

func (p *pricesCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	cfg, log, err := p.bootstrap()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	defer log.Sync()

	symbols := cfg.Cache.Symbols
	if p.symbols != "" {
		symbols = entity.NormalizeSymbols(strings.Split(p.symbols, ","))
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	prices, err := buildPriceSource(cfg, log).FetchPrices(ctx, symbols)
	if err != nil {
		log.Error("Failed to fetch prices", zap.String("kind", entity.ErrorKind(err)), zap.Error(err))
		return subcommands.ExitFailure
	}

	keys := make([]string, 0, len(prices))
	for symbol := range prices {
		keys = append(keys, symbol)
	}
	sort.Strings(keys)
	for _, symbol := range keys {
		fmt.Printf("%-8s %g\n", symbol, prices[symbol])
	}
	if missing := prices.Missing(symbols); len(missing) > 0 {
		fmt.Printf("missing: %s\n", strings.Join(missing, ", "))
	}
	return subcommands.ExitSuccess
}
