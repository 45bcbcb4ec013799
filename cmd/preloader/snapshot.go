package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"market_preloader/internal/app/port"
	"market_preloader/internal/app/service"

	"github.com/google/subcommands"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

type snapshotCmd struct {
	configFlag
	user    string
	timeout time.Duration
}

func (*snapshotCmd) Name() string     { return "snapshot" }
func (*snapshotCmd) Synopsis() string { return "preload one user and print the portfolio snapshot" }
func (*snapshotCmd) Usage() string {
	return `snapshot -user <id> [-config <path>]

  Runs a single preload for the user and prints the snapshot as JSON.
`
}

func (s *snapshotCmd) SetFlags(f *flag.FlagSet) {
	s.register(f)
	f.StringVar(&s.user, "user", "", "user id to preload")
	f.DurationVar(&s.timeout, "timeout", 30*time.Second, "overall timeout")
}

func (s *snapshotCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if s.user == "" {
		fmt.Fprintln(os.Stderr, "-user is required")
		f.Usage()
		return subcommands.ExitUsageError
	}
	cfg, log, err := s.bootstrap()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	defer log.Sync()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	comp, err := buildComponents(ctx, cfg, log)
	if err != nil {
		log.Error("Failed to build components", zap.Error(err))
		return subcommands.ExitFailure
	}
	defer comp.Close()

	cache := service.NewPreloadCache(comp.prices, comp.users, cacheConfig(cfg), log)
	if outcome := cache.Preload(ctx, s.user); outcome != port.OutcomeApplied {
		log.Error("Preload did not produce a snapshot", zap.String("outcome", string(outcome)), zap.Error(cache.LastError()))
		return subcommands.ExitFailure
	}
	snap, _ := cache.Snapshot()

	enc := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		log.Error("Failed to encode snapshot", zap.Error(err))
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
