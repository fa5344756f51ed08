package main

import (
	"fmt"
	"os"

	"github.com/silentrelay/e2ee-core/internal/authgate"
	"github.com/silentrelay/e2ee-core/internal/config"
	"github.com/silentrelay/e2ee-core/internal/directory"
	"github.com/silentrelay/e2ee-core/internal/peerbundle"
	"github.com/silentrelay/e2ee-core/internal/reconciler"
	"github.com/silentrelay/e2ee-core/internal/session"
	"github.com/silentrelay/e2ee-core/internal/store"
)

// deps bundles every wired component a subcommand needs. Built fresh per
// invocation; the CLI is a short-lived process, unlike the long-running
// client this core is embedded in.
type deps struct {
	cfg        *config.Config
	store      *store.Store
	dir        *directory.Client
	reconciler *reconciler.Reconciler
	fetcher    *peerbundle.Fetcher
	sessions   *session.Manager
	gate       *authgate.Gate
}

func wire() (*deps, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	st, err := store.Open(cfg.StorePath, cfg.StoreMasterKey)
	if err != nil {
		return nil, fmt.Errorf("open secret store: %w", err)
	}

	dir := directory.New(cfg.DirectoryBaseURL, directory.NewStaticTokenSource(cfg.AuthToken), cfg.DirectoryTimeout)

	rec := reconciler.New(st, dir, cfg)
	fetcher := peerbundle.New(dir, cfg.LocalPeerID, cfg.FailClosedOnBadSignature)
	sessions := session.New(st, fetcher)
	gate := authgate.New(rec, sessions)

	return &deps{
		cfg:        cfg,
		store:      st,
		dir:        dir,
		reconciler: rec,
		fetcher:    fetcher,
		sessions:   sessions,
		gate:       gate,
	}, nil
}

func (d *deps) Close() {
	if err := d.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to close secret store: %v\n", err)
	}
}
