// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// timeline-tail follows a Matrix room from the terminal: it syncs the
// room into the local timeline cache and prints events as they arrive,
// like tail -f for a room. Useful for watching rooms from scripts and
// for exercising the cache against a real homeserver.
//
// Credentials come from a YAML config file (--config) or flags; flags
// win. With --database the chunk graph persists across runs, so a
// restart resumes from cached history instead of an initial sync.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/timeline"
	"github.com/bureau-foundation/timeline/lib/ref"
	"github.com/bureau-foundation/timeline/lib/sqlitepool"
	"github.com/bureau-foundation/timeline/messaging"
	"github.com/bureau-foundation/timeline/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// config is the YAML config file shape. Every field has a flag
// counterpart; flags override.
type config struct {
	Homeserver  string `yaml:"homeserver"`
	UserID      string `yaml:"user_id"`
	AccessToken string `yaml:"access_token"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	Room        string `yaml:"room"`
	Database    string `yaml:"database"`
}

func run() error {
	var configPath string
	var cfg config
	var initialCount int
	var verbose bool

	flagSet := pflag.NewFlagSet("timeline-tail", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to YAML config file")
	flagSet.StringVar(&cfg.Homeserver, "homeserver", "", "homeserver URL, e.g. https://matrix.example.org")
	flagSet.StringVar(&cfg.UserID, "user", "", "fully-qualified user ID (with --token)")
	flagSet.StringVar(&cfg.AccessToken, "token", "", "access token (skips password login)")
	flagSet.StringVar(&cfg.Username, "username", "", "localpart for password login")
	flagSet.StringVar(&cfg.Password, "password", "", "password for password login")
	flagSet.StringVar(&cfg.Room, "room", "", "room ID to follow")
	flagSet.StringVar(&cfg.Database, "database", "", "SQLite cache path (empty keeps the cache in memory)")
	flagSet.IntVar(&initialCount, "initial", 20, "events of history to print on startup")
	flagSet.BoolVar(&verbose, "verbose", false, "debug logging")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}

	if configPath != "" {
		fileCfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		merge(&cfg, fileCfg, flagSet)
	}
	if cfg.Homeserver == "" {
		return fmt.Errorf("--homeserver is required")
	}
	if cfg.Room == "" {
		return fmt.Errorf("--room is required")
	}
	roomID, err := ref.ParseRoomID(cfg.Room)
	if err != nil {
		return fmt.Errorf("invalid room ID %q: %w", cfg.Room, err)
	}

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := messaging.NewClient(messaging.ClientConfig{HomeserverURL: cfg.Homeserver})
	if err != nil {
		return err
	}
	session, err := openSession(ctx, client, &cfg)
	if err != nil {
		return err
	}
	defer session.Close()

	var pool *sqlitepool.Pool
	if cfg.Database != "" {
		pool, err = sqlitepool.Open(sqlitepool.Config{Path: cfg.Database, Logger: logger})
		if err != nil {
			return fmt.Errorf("opening cache database: %w", err)
		}
		defer pool.Close()
	}

	// The poll refresher needs the Timeline, which needs the store:
	// break the cycle with an atomic pointer filled in below.
	var pollTimeline atomic.Pointer[timeline.Timeline]
	cache, err := store.Open(store.Config{
		Logger:     logger,
		Pool:       pool,
		SelfUserID: session.UserID(),
		PollRefresher: func(room ref.RoomID, poll ref.EventID) {
			tl := pollTimeline.Load()
			if tl == nil || room != roomID {
				return
			}
			refreshCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()
			if err := tl.RefreshRelations(refreshCtx, poll); err != nil {
				logger.Warn("poll backfill failed", "poll", poll, "error", err)
			}
		},
	})
	if err != nil {
		return err
	}

	tl, err := timeline.New(timeline.Config{
		RoomID:       roomID,
		Store:        cache,
		Session:      session,
		Logger:       logger,
		InitialCount: initialCount,
	})
	if err != nil {
		return err
	}
	defer tl.Dispose()
	pollTimeline.Store(tl)

	syncer, err := timeline.NewSyncer(timeline.SyncerConfig{
		Session: session,
		Store:   cache,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	syncDone := make(chan error, 1)
	go func() { syncDone <- syncer.Run(ctx) }()

	printLoop(ctx, tl)

	if err := <-syncDone; err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// printLoop prints events the window has not shown yet, oldest first.
// The updates channel coalesces, so each snapshot is diffed against
// the set of already-printed event IDs.
func printLoop(ctx context.Context, tl *timeline.Timeline) {
	printed := make(map[ref.EventID]bool)
	for {
		select {
		case <-ctx.Done():
			return
		case snapshot, ok := <-tl.Updates():
			if !ok {
				return
			}
			for _, e := range snapshot.Events {
				if printed[e.EventID] {
					continue
				}
				printed[e.EventID] = true
				printEvent(e)
			}
		}
	}
}

func printEvent(e timeline.Event) {
	ts := time.UnixMilli(e.OriginServerTS).Format("15:04:05")
	name := e.Sender.DisplayName
	if e.Sender.Ambiguous {
		name = fmt.Sprintf("%s (%s)", name, e.Sender.UserID)
	}
	body := e.Body
	switch {
	case e.Redacted:
		body = "[redacted]"
	case e.IsLocalEcho():
		body += " (sending)"
	case e.Edited:
		body += " (edited)"
	}
	if body == "" {
		body = fmt.Sprintf("[%s]", e.Type)
	}
	fmt.Printf("%s  %-24s %s\n", ts, name, body)
}

func openSession(ctx context.Context, client *messaging.Client, cfg *config) (*messaging.DirectSession, error) {
	if cfg.AccessToken != "" {
		if cfg.UserID == "" {
			return nil, fmt.Errorf("--user is required with --token")
		}
		userID, err := ref.ParseUserID(cfg.UserID)
		if err != nil {
			return nil, fmt.Errorf("invalid user ID %q: %w", cfg.UserID, err)
		}
		return client.SessionFromToken(userID, cfg.AccessToken), nil
	}
	if cfg.Username == "" || cfg.Password == "" {
		return nil, fmt.Errorf("either --token or --username/--password is required")
	}
	return client.Login(ctx, cfg.Username, cfg.Password)
}

func loadConfig(path string) (*config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	var cfg config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return &cfg, nil
}

// merge fills cfg fields the user did not set on the command line from
// the config file.
func merge(cfg *config, file *config, flagSet *pflag.FlagSet) {
	if !flagSet.Changed("homeserver") && file.Homeserver != "" {
		cfg.Homeserver = file.Homeserver
	}
	if !flagSet.Changed("user") && file.UserID != "" {
		cfg.UserID = file.UserID
	}
	if !flagSet.Changed("token") && file.AccessToken != "" {
		cfg.AccessToken = file.AccessToken
	}
	if !flagSet.Changed("username") && file.Username != "" {
		cfg.Username = file.Username
	}
	if !flagSet.Changed("password") && file.Password != "" {
		cfg.Password = file.Password
	}
	if !flagSet.Changed("room") && file.Room != "" {
		cfg.Room = file.Room
	}
	if !flagSet.Changed("database") && file.Database != "" {
		cfg.Database = file.Database
	}
}
