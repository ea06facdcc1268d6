// Package scheduler maintains the per-circuit waiting queues: it admits
// READY participants, grants the baton to exactly one contributor per
// circuit, enforces contribution timeouts, and applies the time-triggered
// ceremony transitions.
package scheduler

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/event"
	"github.com/sirupsen/logrus"

	"github.com/zkmpc/coordinator/async"
	"github.com/zkmpc/coordinator/config/params"
	"github.com/zkmpc/coordinator/coordinator/blob"
	"github.com/zkmpc/coordinator/coordinator/db/iface"
)

var log = logrus.WithField("prefix", "scheduler")

// Config options for the scheduler service.
type Config struct {
	DB        iface.Database
	BlobStore blob.Store
	StateFeed *event.Feed
}

// Service runs the waiting-queue scheduler.
type Service struct {
	ctx        context.Context
	cancel     context.CancelFunc
	cfg        *Config
	now        func() time.Time
	failStatus error
}

// New creates a scheduler service.
func New(ctx context.Context, cfg *Config) *Service {
	ctx, cancel := context.WithCancel(ctx)
	return &Service{
		ctx:    ctx,
		cancel: cancel,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Start launches the periodic timeout and ceremony-state sweep.
func (s *Service) Start() {
	interval := params.Get().TimeoutScanInterval()
	log.WithField("interval", interval).Info("Starting timeout sweep")
	async.RunEvery(s.ctx, interval, func() {
		if err := s.Sweep(s.ctx); err != nil {
			log.WithError(err).Error("Timeout sweep failed")
		}
	})
}

// Stop terminates the sweep loop.
func (s *Service) Stop() error {
	defer s.cancel()
	log.Info("Stopping service")
	return nil
}

// Status reports a persistent sweep failure, if any.
func (s *Service) Status() error {
	return s.failStatus
}

// Sweep applies time-triggered ceremony transitions and fires contribution
// timeouts for every circuit whose current contributor ran out of time.
func (s *Service) Sweep(ctx context.Context) error {
	ceremonies, err := s.cfg.DB.Ceremonies(ctx)
	if err != nil {
		return err
	}
	now := s.now()
	for _, ceremony := range ceremonies {
		if err := s.tickCeremony(ctx, ceremony.ID, now); err != nil {
			log.WithError(err).WithField("ceremony", ceremony.ID).Error("Could not apply ceremony transition")
		}
		circuits, err := s.cfg.DB.Circuits(ctx, ceremony.ID)
		if err != nil {
			return err
		}
		for _, circuit := range circuits {
			if circuit.WaitingQueue.CurrentContributor == "" {
				continue
			}
			if err := s.enforceTimeout(ctx, ceremony.ID, circuit.ID, now); err != nil {
				log.WithError(err).WithFields(logrus.Fields{
					"ceremony": ceremony.ID,
					"circuit":  circuit.ID,
				}).Error("Could not enforce timeout")
			}
		}
	}
	return nil
}
