package gateway

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/nmxmxh/ultrachat-gateway/internal/presence"
	"github.com/nmxmxh/ultrachat-gateway/internal/registry"
)

// Refresher keeps the presence and socket-set TTLs of locally connected users
// from lapsing while their connections stay open.
type Refresher struct {
	reg     *registry.Registry
	store   *presence.Store
	cron    *cron.Cron
	timeout time.Duration
	log     *zap.Logger
}

// NewRefresher schedules a refresh of every user in reg on spec, a cron
// expression such as "@every 60s".
func NewRefresher(reg *registry.Registry, store *presence.Store, spec string, timeout time.Duration, log *zap.Logger) (*Refresher, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	r := &Refresher{
		reg:     reg,
		store:   store,
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		timeout: timeout,
		log:     log.With(zap.String("module", "presence_refresher")),
	}
	if _, err := r.cron.AddFunc(spec, r.Refresh); err != nil {
		return nil, err
	}
	return r, nil
}

// Start runs the schedule in the background.
func (r *Refresher) Start() {
	r.cron.Start()
}

// Stop halts the schedule and waits for a running refresh to finish.
func (r *Refresher) Stop() {
	<-r.cron.Stop().Done()
}

// Refresh extends the TTLs of every locally connected user once.
func (r *Refresher) Refresh() {
	users := r.reg.Users()
	if len(users) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.store.RefreshPresence(ctx, users...); err != nil {
		r.log.Warn("Presence refresh failed", zap.Int("users", len(users)), zap.Error(err))
		return
	}
	r.log.Debug("Presence refreshed", zap.Int("users", len(users)))
}
