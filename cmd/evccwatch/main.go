package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"
	"golang.org/x/sync/errgroup"

	"github.com/raterudder/evccwatch/pkg/common"
	"github.com/raterudder/evccwatch/pkg/evcc"
	"github.com/raterudder/evccwatch/pkg/log"
	"github.com/raterudder/evccwatch/pkg/poller"
	"github.com/raterudder/evccwatch/pkg/server"
)

func main() {
	// init packages
	client := evcc.Configured()
	p := poller.Configured(client)
	srv := server.Configured(p)
	p.Subscribe(srv.Broadcast)

	// parse flags
	lflag.Configure()

	// lflag automatically sets llog's level, but we need to set the slog level
	level, err := log.LevelFromLLog(llog.GetLevel())
	if err != nil {
		panic(err)
	}
	log.SetDefaultLogLevel(level)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx = log.With(ctx, logger)
	ctx = log.WithAttrs(ctx, slog.String("evcc", client.Addr()))

	log.Ctx(ctx).InfoContext(ctx, "starting evccwatch", slog.String("version", common.Version()), slog.String("level", level.String()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.Run(gctx)
	})
	g.Go(func() error {
		return srv.Run(gctx)
	})
	if err := g.Wait(); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "evccwatch failed", slog.Any("error", err))
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "evccwatch exited cleanly")
}
