package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/asaskevich/EventBus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/talkincode/wabridge/config"
	"github.com/talkincode/wabridge/internal/app"
	"github.com/talkincode/wabridge/internal/bridge"
	"github.com/talkincode/wabridge/internal/hub"
	"github.com/talkincode/wabridge/internal/webhook"
	"github.com/talkincode/wabridge/internal/webserver"
)

var (
	cfile    = flag.String("c", "wabridge.yml", "config file")
	initdb   = flag.Bool("initdb", false, "drop and recreate database tables, then exit")
	showVer  = flag.Bool("v", false, "print version and exit")
	buildVer = "dev"
)

func main() {
	flag.Parse()
	if *showVer {
		fmt.Println("wabridge", buildVer)
		return
	}

	cfg := config.LoadConfig(*cfile)
	application := app.NewApplication(cfg)
	application.Init(cfg)
	defer application.Release()

	if *initdb {
		application.InitDb()
		zap.S().Info("database initialized")
		return
	}

	bus := EventBus.New()
	transport := bridge.NewMeowTransport(cfg.SessionsDir())
	manager := bridge.NewManager(cfg, transport, bus, application.DB())

	fanout := hub.New()
	if err := fanout.Attach(bus); err != nil {
		zap.S().Fatalf("attach hub: %s", err)
	}
	forwarder := webhook.NewForwarder(cfg.Bridge)
	if err := forwarder.Attach(bus); err != nil {
		zap.S().Fatalf("attach webhook forwarder: %s", err)
	}

	if _, err := application.Scheduler().AddFunc("@every 30s", manager.FlushStatuses); err != nil {
		zap.S().Errorf("schedule status flush: %s", err)
	}

	server := webserver.New(cfg, manager, fanout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		<-ctx.Done()
		server.Shutdown()
		return nil
	})

	if err := g.Wait(); err != nil {
		zap.S().Errorf("wabridge exited: %s", err)
	}
}
