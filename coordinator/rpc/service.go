// Package rpc exposes the coordinator's HTTP JSON surface. Identity is
// carried on the X-Participant-Id header; routes delegate to the scheduler,
// upload coordinator, verifier, finalizer, and setup services and translate
// coded errors onto HTTP statuses.
package rpc

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/zkmpc/coordinator/coordinator/blob"
	"github.com/zkmpc/coordinator/coordinator/db/iface"
	"github.com/zkmpc/coordinator/coordinator/finalize"
	"github.com/zkmpc/coordinator/coordinator/scheduler"
	"github.com/zkmpc/coordinator/coordinator/setup"
	"github.com/zkmpc/coordinator/coordinator/upload"
	"github.com/zkmpc/coordinator/coordinator/verify"
)

var log = logrus.WithField("prefix", "rpc")

// identityHeader carries the caller's authenticated identity. Authentication
// itself happens upstream; an empty header is an unauthenticated call.
const identityHeader = "X-Participant-Id"

// Config options for the RPC service.
type Config struct {
	Host      string
	Port      string
	DB        iface.Database
	BlobStore blob.Store
	Scheduler *scheduler.Service
	Upload    *upload.Coordinator
	Verifier  *verify.Service
	Finalizer *finalize.Finalizer
	Setup     *setup.Service
}

// Service serves the coordinator RPC surface.
type Service struct {
	ctx        context.Context
	cancel     context.CancelFunc
	cfg        *Config
	server     *http.Server
	failStatus error
}

// New creates an RPC service.
func New(ctx context.Context, cfg *Config) *Service {
	ctx, cancel := context.WithCancel(ctx)
	s := &Service{ctx: ctx, cancel: cancel, cfg: cfg}
	router := mux.NewRouter()
	s.registerRoutes(router)
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Service) registerRoutes(r *mux.Router) {
	v1 := r.PathPrefix("/v1").Subrouter()

	v1.HandleFunc("/ceremonies", s.setupCeremony).Methods(http.MethodPost)
	v1.HandleFunc("/ceremonies", s.listCeremonies).Methods(http.MethodGet)
	v1.HandleFunc("/ceremonies/{ceremonyId}", s.getCeremony).Methods(http.MethodGet)

	v1.HandleFunc("/ceremonies/{ceremonyId}/participants", s.checkParticipant).Methods(http.MethodPost)
	v1.HandleFunc("/ceremonies/{ceremonyId}/participants/progress", s.progressToNextCircuit).Methods(http.MethodPost)
	v1.HandleFunc("/ceremonies/{ceremonyId}/participants/step", s.progressToNextStep).Methods(http.MethodPost)
	v1.HandleFunc("/ceremonies/{ceremonyId}/participants/contribution", s.storeTimeAndHash).Methods(http.MethodPost)
	v1.HandleFunc("/ceremonies/{ceremonyId}/participants/resume", s.resumeAfterTimeout).Methods(http.MethodPost)

	v1.HandleFunc("/ceremonies/{ceremonyId}/uploads", s.openMultipartUpload).Methods(http.MethodPost)
	v1.HandleFunc("/ceremonies/{ceremonyId}/uploads/{uploadId}", s.storeUploadID).Methods(http.MethodPut)
	v1.HandleFunc("/ceremonies/{ceremonyId}/uploads/{uploadId}/urls", s.signPartURLs).Methods(http.MethodPost)
	v1.HandleFunc("/ceremonies/{ceremonyId}/uploads/{uploadId}/chunks", s.storeChunk).Methods(http.MethodPost)
	v1.HandleFunc("/ceremonies/{ceremonyId}/uploads/{uploadId}/complete", s.completeMultipartUpload).Methods(http.MethodPost)

	v1.HandleFunc("/ceremonies/{ceremonyId}/circuits/{circuitId}/verify", s.verifyContribution).Methods(http.MethodPost)

	v1.HandleFunc("/ceremonies/{ceremonyId}/finalize/prepare", s.prepareFinalization).Methods(http.MethodPost)
	v1.HandleFunc("/ceremonies/{ceremonyId}/circuits/{circuitId}/finalize", s.finalizeCircuit).Methods(http.MethodPost)
	v1.HandleFunc("/ceremonies/{ceremonyId}/finalize", s.finalizeCeremony).Methods(http.MethodPost)

	v1.HandleFunc("/storage/buckets", s.createBucket).Methods(http.MethodPost)
	v1.HandleFunc("/storage/presign", s.signGetObjectURL).Methods(http.MethodPost)
	v1.HandleFunc("/storage/exists", s.checkObjectExists).Methods(http.MethodPost)
}

// Start begins serving requests.
func (s *Service) Start() {
	log.WithField("address", s.server.Addr).Info("RPC server listening")
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.failStatus = err
			log.WithError(err).Error("RPC server failed")
		}
	}()
}

// Stop shuts the server down, draining in-flight requests.
func (s *Service) Stop() error {
	defer s.cancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	log.Info("Stopping service")
	return s.server.Shutdown(shutdownCtx)
}

// Status reports a listener failure, if any.
func (s *Service) Status() error {
	return s.failStatus
}
