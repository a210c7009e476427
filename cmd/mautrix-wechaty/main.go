// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command mautrix-wechaty is a Matrix-WeChat puppeting bridge. It runs as a
// Matrix application service and talks to WeChat through a wechaty gateway,
// giving every WeChat contact a puppet user in Matrix.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	flag "maunium.net/go/mauflag"
	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-wechaty/pkg/connector"
	"github.com/aiku/mautrix-wechaty/pkg/identitystore"
	"github.com/aiku/mautrix-wechaty/pkg/wechatgw"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const (
	name        = "mautrix-wechaty"
	description = "A Matrix-WeChat puppeting bridge"
	version     = "0.1.0"
)

var configPath = flag.MakeFull("c", "config", "The path to your config file.", "config.yaml").String()
var registrationPath = flag.MakeFull("r", "registration", "The path to the appservice registration file. Overrides appservice.registration.", "").String()
var noSave = flag.MakeFull("n", "no-update", "Don't save updated config to disk.", "false").Bool()
var printVersion = flag.MakeFull("v", "version", "View bridge version and quit.", "false").Bool()
var wantHelp, _ = flag.MakeHelpFlag()

func main() {
	flag.SetHelpTitles(
		fmt.Sprintf("%s - %s", name, description),
		fmt.Sprintf("%s [-hnv] [-c <path>] [-r <path>]", name),
	)
	err := flag.Parse()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		flag.PrintHelp()
		os.Exit(1)
	} else if *wantHelp {
		flag.PrintHelp()
		os.Exit(0)
	} else if *printVersion {
		fmt.Printf("%s %s (%s, commit %s, built %s)\n", name, version, Tag, Commit, BuildTime)
		os.Exit(0)
	}

	cfg, err := connector.LoadConfig(*configPath, !*noSave)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to load config:", err)
		os.Exit(10)
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to initialize logger:", err)
		os.Exit(11)
	}
	if err := run(cfg, *log); err != nil {
		log.Fatal().Err(err).Msg("Bridge exited with error")
	}
}

func run(cfg *connector.Config, log zerolog.Logger) error {
	log.Info().
		Str("version", version).
		Str("tag", Tag).
		Str("commit", Commit).
		Str("build_time", BuildTime).
		Msg("Initializing bridge")

	regPath := cfg.AppService.Registration
	if *registrationPath != "" {
		regPath = *registrationPath
	}
	reg, err := appservice.LoadRegistration(regPath)
	if err != nil {
		return fmt.Errorf("failed to load registration: %w", err)
	}
	as, err := appservice.CreateFull(appservice.CreateOpts{
		Registration:     reg,
		HomeserverDomain: cfg.Homeserver.Domain,
		HomeserverURL:    cfg.Homeserver.Address,
		HostConfig: appservice.HostConfig{
			Hostname: cfg.AppService.Hostname,
			Port:     cfg.AppService.Port,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create appservice: %w", err)
	}
	as.Log = log.With().Str("component", "appservice").Logger()

	matrix, err := connector.NewAppserviceMatrix(as)
	if err != nil {
		return err
	}
	store, err := openStore(cfg.Database, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close identity store")
		}
	}()

	wc := &connector.WechatyConnector{Config: *cfg, Log: log}
	if err := wc.Init(matrix, store); err != nil {
		return fmt.Errorf("failed to initialize bridge: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = log.WithContext(ctx)

	go as.Start()
	defer as.Stop()
	go wc.RunMatrixEvents(ctx, as.Events)

	err = wc.Start(ctx, func(owner id.UserID) connector.WechatClient {
		return wechatgw.NewClient(cfg.Gateway.URL, cfg.Gateway.Token, owner, log)
	})
	if err != nil {
		return err
	}
	defer wc.Stop()

	log.Info().Msg("Bridge started")
	<-ctx.Done()
	log.Info().Msg("Shutting down")
	return nil
}

func openStore(cfg connector.DatabaseConfig, log zerolog.Logger) (*identitystore.Store, error) {
	var backend identitystore.Backend
	switch cfg.Type {
	case "memory":
		log.Warn().Msg("Using in-memory identity store, mappings are lost on restart")
		backend = identitystore.NewMemoryBackend()
	case "sqlite":
		sqlite, err := identitystore.OpenSQLite(cfg.URI)
		if err != nil {
			return nil, fmt.Errorf("failed to open identity store: %w", err)
		}
		backend = sqlite
	default:
		return nil, fmt.Errorf("unsupported database type %q", cfg.Type)
	}
	return identitystore.New(backend, log), nil
}
