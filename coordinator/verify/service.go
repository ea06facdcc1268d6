// Package verify runs the contribution verification pipeline: it fetches
// the circuit artifacts, dispatches the cryptographic check in-process or
// to a dedicated VM, archives the transcript, and commits the verdict, the
// circuit counters, and the participant transition in one batch.
package verify

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/event"
	"github.com/sirupsen/logrus"

	"github.com/zkmpc/coordinator/config/params"
	"github.com/zkmpc/coordinator/coordinator/blob"
	"github.com/zkmpc/coordinator/coordinator/compute"
	"github.com/zkmpc/coordinator/coordinator/db/iface"
	"github.com/zkmpc/coordinator/coordinator/feed"
	"github.com/zkmpc/coordinator/coordinator/scheduler"
	"github.com/zkmpc/coordinator/coordinator/zkey"
)

var log = logrus.WithField("prefix", "verify")

// Config options for the verifier service.
type Config struct {
	DB        iface.Database
	BlobStore blob.Store
	Engine    zkey.Engine
	Compute   compute.Provider
	Scheduler *scheduler.Service
	StateFeed *event.Feed
	// WorkDir is the scratch root for downloaded artifacts and transcripts.
	WorkDir string
}

// Service consumes verification requests from the state feed and drives the
// pipeline. It also serves direct Verify calls from the RPC layer.
type Service struct {
	ctx        context.Context
	cancel     context.CancelFunc
	cfg        *Config
	sem        chan struct{}
	events     chan *feed.Event
	sub        event.Subscription
	now        func() time.Time
	failStatus error
}

// New creates a verifier service with a bounded worker pool.
func New(ctx context.Context, cfg *Config) *Service {
	ctx, cancel := context.WithCancel(ctx)
	return &Service{
		ctx:    ctx,
		cancel: cancel,
		cfg:    cfg,
		sem:    make(chan struct{}, params.Get().VerifyWorkers),
		events: make(chan *feed.Event, 16),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Start subscribes to verification requests and serves them until stopped.
func (s *Service) Start() {
	if s.cfg.StateFeed == nil {
		log.Warn("No state feed configured, serving direct calls only")
		return
	}
	s.sub = s.cfg.StateFeed.Subscribe(s.events)
	go s.run()
}

func (s *Service) run() {
	for {
		select {
		case ev := <-s.events:
			if ev.Type != feed.VerificationRequested {
				continue
			}
			data, ok := ev.Data.(*feed.VerificationRequestedData)
			if !ok {
				continue
			}
			go func() {
				if _, err := s.Verify(s.ctx, data.CeremonyID, data.CircuitID, data.ParticipantID); err != nil {
					log.WithError(err).WithFields(logrus.Fields{
						"ceremony":    data.CeremonyID,
						"circuit":     data.CircuitID,
						"participant": data.ParticipantID,
					}).Error("Verification failed")
				}
			}()
		case err := <-s.sub.Err():
			s.failStatus = err
			return
		case <-s.ctx.Done():
			return
		}
	}
}

// Stop terminates the request loop.
func (s *Service) Stop() error {
	defer s.cancel()
	if s.sub != nil {
		s.sub.Unsubscribe()
	}
	log.Info("Stopping service")
	return nil
}

// Status reports a feed subscription failure, if any.
func (s *Service) Status() error {
	return s.failStatus
}
