package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/breakdev/edgecert/core"
	"github.com/breakdev/edgecert/database"
	"github.com/breakdev/edgecert/log"
)

var syncer_mode = flag.Bool("syncer", false, "Run as certificate syncer instead of certificate manager")
var debug_log = flag.Bool("debug", false, "Enable debug output")
var version_flag = flag.Bool("v", false, "Show version")

const VERSION = "1.2.0"

func main() {
	flag.Parse()

	if *version_flag == true {
		log.Info("version: %s", VERSION)
		return
	}

	log.DebugEnable(*debug_log)
	if *debug_log {
		log.Info("debug output enabled")
	}

	core.LoadSecretFiles()

	cfg, err := core.NewConfig()
	if err != nil {
		log.Fatal("config: %v", err)
		return
	}

	db, err := database.NewDatabase(cfg.GetValkeyHost(), cfg.GetValkeyPort(), cfg.GetValkeyPassword(), cfg.GetValkeyTimeout())
	if err != nil {
		log.Fatal("database: %v", err)
		return
	}

	// nothing works without the store; block here until it answers
	for {
		if err := db.Ping(); err == nil {
			break
		} else {
			log.Error("waiting for store at %s:%d... (%v)", cfg.GetValkeyHost(), cfg.GetValkeyPort(), err)
			time.Sleep(2 * time.Second)
		}
	}
	log.Info("connected to store at %s:%d", cfg.GetValkeyHost(), cfg.GetValkeyPort())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if addr := cfg.GetHealthListen(); addr != "" {
		hs, err := core.NewHealthServer(addr)
		if err != nil {
			log.Fatal("health: %v", err)
			return
		}
		hs.Start()
		log.Info("health endpoint listening on %s", addr)
	}

	if *syncer_mode {
		syncer, err := core.NewSyncer(cfg, db)
		if err != nil {
			log.Fatal("syncer: %v", err)
			return
		}
		if err := syncer.Run(ctx); err != nil {
			log.Fatal("syncer: %v", err)
		}
		return
	}

	acme, err := core.NewAcme(cfg)
	if err != nil {
		log.Fatal("acme: %v", err)
		return
	}

	notifier, err := core.NewNotifier(cfg.GetWebhookUrl())
	if err != nil {
		log.Fatal("notify: %v", err)
		return
	}

	discovery := core.NewDiscovery(cfg, db)

	m := core.NewManager(cfg, db, acme, discovery, notifier)
	if err := m.Run(ctx); err != nil {
		log.Fatal("manager: %v", err)
	}
}
