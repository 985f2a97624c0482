package app

import (
	"context"
	"fmt"

	"courtbot/internal/booking"
	"courtbot/internal/config"
	"courtbot/internal/portal"
	"courtbot/internal/storage"
	logx "courtbot/pkg/logx"
)

// OpenStore loads cfgPath and opens its storage without building the rest of
// the daemon. Migrations run as part of the open.
func OpenStore(ctx context.Context, cfgPath string, log logx.Logger) (*storage.Store, *config.Config, error) {
	cfg, err := config.NewManager(cfgPath).Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	sc, err := mapSchedule(cfg)
	if err != nil {
		return nil, nil, err
	}
	stCfg, err := mapStorage(cfg)
	if err != nil {
		return nil, nil, err
	}
	st, err := storage.Open(ctx, stCfg, storage.Options{Calendar: sc.calendar}, log)
	if err != nil {
		return nil, nil, fmt.Errorf("open storage: %w", err)
	}
	return st, cfg, nil
}

// OpenPortal builds a client for acct from cfg's portal section and venue
// overrides. The client is not logged in yet.
func OpenPortal(cfg *config.Config, acct booking.Account, log logx.Logger) (*portal.Client, error) {
	pcfg, venues, err := mapPortal(cfg)
	if err != nil {
		return nil, err
	}
	return newPortalClient(pcfg, venues, acct, log)
}
