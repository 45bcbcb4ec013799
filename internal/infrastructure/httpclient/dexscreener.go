package httpclient

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"market_preloader/internal/domain/entity"
	"market_preloader/internal/pkg/utils"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// DEXScreenerSourceName identifies the DEX Screener adapter in logs and metrics.
const DEXScreenerSourceName = "dexscreener"

const (
	defaultDEXScreenerBaseURL = "https://api.dexscreener.com"
	// DEXScreenerMaxTokensPerRequest is the upstream limit of addresses per /tokens/v1 call.
	DEXScreenerMaxTokensPerRequest = 30
)

var stablecoinSymbols = map[string]struct{}{
	"USDC": {},
	"USDT": {},
	"DAI":  {},
}

// DEXTokenRef identifies the on-chain token a symbol is priced through.
type DEXTokenRef struct {
	ChainID string
	Address string
}

// DEXScreenerConfig configures a DEXScreenerSource.
type DEXScreenerConfig struct {
	BaseURL             string
	Tokens              map[string]DEXTokenRef
	MaxTokensPerRequest int
	Timeout             time.Duration
}

// DEXScreenerSource prices tokens from DEX pairs, preferring stablecoin-quoted pairs
// and then the most liquid one.
type DEXScreenerSource struct {
	client          *fasthttp.Client
	cfg             DEXScreenerConfig
	referenceSymbol string
	logger          *zap.Logger
}

// NewDEXScreenerSource creates a DEX Screener adapter.
func NewDEXScreenerSource(cfg DEXScreenerConfig, referenceSymbol string, logger *zap.Logger) *DEXScreenerSource {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultDEXScreenerBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.MaxTokensPerRequest <= 0 || cfg.MaxTokensPerRequest > DEXScreenerMaxTokensPerRequest {
		cfg.MaxTokensPerRequest = DEXScreenerMaxTokensPerRequest
	}
	tokens := make(map[string]DEXTokenRef, len(cfg.Tokens))
	for symbol, ref := range cfg.Tokens {
		tokens[entity.NormalizeSymbol(symbol)] = ref
	}
	cfg.Tokens = tokens
	return &DEXScreenerSource{
		client:          &fasthttp.Client{},
		cfg:             cfg,
		referenceSymbol: entity.NormalizeSymbol(referenceSymbol),
		logger:          logger.Named("DEXScreenerSource"),
	}
}

func (s *DEXScreenerSource) Name() string { return DEXScreenerSourceName }

// FetchPrices groups the configured tokens per chain and queries them in batches.
func (s *DEXScreenerSource) FetchPrices(ctx context.Context, symbols []string) (entity.PriceMap, error) {
	result := entity.NewPriceMap(s.referenceSymbol)

	// chain -> lowercased address -> symbols
	byChain := make(map[string]map[string][]string)
	for _, symbol := range entity.NormalizeSymbols(symbols) {
		if symbol == s.referenceSymbol {
			continue
		}
		ref, ok := s.cfg.Tokens[symbol]
		if !ok || ref.ChainID == "" || ref.Address == "" {
			continue
		}
		addr := strings.ToLower(ref.Address)
		if byChain[ref.ChainID] == nil {
			byChain[ref.ChainID] = make(map[string][]string)
		}
		byChain[ref.ChainID][addr] = append(byChain[ref.ChainID][addr], symbol)
	}

	chains := make([]string, 0, len(byChain))
	for chain := range byChain {
		chains = append(chains, chain)
	}
	sort.Strings(chains)

	for _, chain := range chains {
		addresses := make([]string, 0, len(byChain[chain]))
		for addr := range byChain[chain] {
			addresses = append(addresses, addr)
		}
		sort.Strings(addresses)

		for _, batch := range utils.BatchStrings(addresses, s.cfg.MaxTokensPerRequest) {
			pairs, err := s.getTokenPairs(ctx, chain, batch)
			if err != nil {
				return nil, err
			}
			for _, addr := range batch {
				priceStr := s.selectBestPriceFromPairs(pairs, addr)
				if priceStr == "" {
					s.logger.Debug("No pairs returned for token", zap.String("chainId", chain), zap.String("address", addr))
					continue
				}
				price, err := parsePrice(priceStr)
				if err != nil {
					return nil, entity.NewSourceError(DEXScreenerSourceName, entity.ErrMalformedResponse,
						fmt.Errorf("token %s on %s: %w", addr, chain, err))
				}
				for _, symbol := range byChain[chain][addr] {
					result[symbol] = price
				}
			}
		}
	}
	return result, nil
}

// getTokenPairs accepts both the bare array and the wrapped {"pairs": [...]} response shapes.
func (s *DEXScreenerSource) getTokenPairs(ctx context.Context, chainID string, addresses []string) ([]PairData, error) {
	requestURL := fmt.Sprintf("%s/tokens/v1/%s/%s", s.cfg.BaseURL, chainID, strings.Join(addresses, ","))
	s.logger.Debug("Requesting token pairs from DEX Screener", zap.String("url", requestURL))

	body, err := getJSON(ctx, s.client, DEXScreenerSourceName, requestURL, nil, s.cfg.Timeout)
	if err != nil {
		return nil, err
	}

	var wrapped dexTokenPairs
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Pairs != nil {
		return wrapped.Pairs, nil
	}

	var pairs []PairData
	if err := json.Unmarshal(body, &pairs); err != nil {
		s.logger.Error("Failed to unmarshal DEX Screener response",
			zap.String("url", requestURL),
			zap.String("responseBody", truncate(body, 256)),
			zap.Error(err))
		return nil, entity.NewSourceError(DEXScreenerSourceName, entity.ErrMalformedResponse,
			fmt.Errorf("decode %s: %w", requestURL, err))
	}
	return pairs, nil
}

// selectBestPriceFromPairs picks the USD price of baseTokenAddress from the most
// liquid stablecoin-quoted pair, falling back to the most liquid pair overall.
func (s *DEXScreenerSource) selectBestPriceFromPairs(pairs []PairData, baseTokenAddress string) string {
	var bestOverall, bestStable *PairData

	for i := range pairs {
		pair := &pairs[i]
		if !strings.EqualFold(pair.BaseToken.Address, baseTokenAddress) {
			continue
		}
		if pair.PriceUsd == "" || pair.PriceUsd == "0" {
			continue
		}
		if _, ok := stablecoinSymbols[strings.ToUpper(pair.QuoteToken.Symbol)]; ok {
			if bestStable == nil || pair.liquidityUSD() > bestStable.liquidityUSD() {
				bestStable = pair
			}
		}
		if bestOverall == nil || pair.liquidityUSD() > bestOverall.liquidityUSD() {
			bestOverall = pair
		}
	}

	switch {
	case bestStable != nil:
		s.logger.Debug("Selected price from stablecoin pair",
			zap.String("baseTokenAddress", baseTokenAddress),
			zap.String("pairAddress", bestStable.PairAddress),
			zap.Float64("liquidityUsd", bestStable.liquidityUSD()))
		return bestStable.PriceUsd
	case bestOverall != nil:
		s.logger.Debug("Selected price from highest liquidity pair",
			zap.String("baseTokenAddress", baseTokenAddress),
			zap.String("pairAddress", bestOverall.PairAddress),
			zap.String("quoteToken", bestOverall.QuoteToken.Symbol))
		return bestOverall.PriceUsd
	default:
		return ""
	}
}
