// Package node defines the coordinator process: it assembles the database,
// the blob store, the cryptographic engine, and every runtime service, and
// owns their lifecycle from startup to graceful shutdown.
package node

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/ethereum/go-ethereum/event"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/zkmpc/coordinator/cmd/coordinator/flags"
	"github.com/zkmpc/coordinator/config/params"
	"github.com/zkmpc/coordinator/coordinator/blob"
	"github.com/zkmpc/coordinator/coordinator/blob/filesystem"
	"github.com/zkmpc/coordinator/coordinator/compute"
	"github.com/zkmpc/coordinator/coordinator/compute/localexec"
	"github.com/zkmpc/coordinator/coordinator/db/iface"
	"github.com/zkmpc/coordinator/coordinator/db/kv"
	"github.com/zkmpc/coordinator/coordinator/finalize"
	"github.com/zkmpc/coordinator/coordinator/rpc"
	"github.com/zkmpc/coordinator/coordinator/scheduler"
	"github.com/zkmpc/coordinator/coordinator/setup"
	"github.com/zkmpc/coordinator/coordinator/upload"
	"github.com/zkmpc/coordinator/coordinator/verify"
	"github.com/zkmpc/coordinator/coordinator/zkey"
	"github.com/zkmpc/coordinator/coordinator/zkey/snarkjs"
	"github.com/zkmpc/coordinator/monitoring/backup"
	"github.com/zkmpc/coordinator/monitoring/prometheus"
	"github.com/zkmpc/coordinator/runtime"
	"github.com/zkmpc/coordinator/runtime/version"
)

var log = logrus.WithField("prefix", "node")

// CoordinatorNode defines a struct that handles the services running a
// ceremony coordinator. It handles the lifecycle of the entire system and
// registers services to a service registry.
type CoordinatorNode struct {
	cliCtx    *cli.Context
	ctx       context.Context
	cancel    context.CancelFunc
	services  *runtime.ServiceRegistry
	lock      sync.Mutex
	stop      chan struct{}
	db        iface.Database
	blobStore blob.Store
	engine    zkey.Engine
	compute   compute.Provider
	stateFeed *event.Feed
}

// New creates a new node instance, sets up configuration options, and
// registers every required service to the node.
func New(cliCtx *cli.Context) (*CoordinatorNode, error) {
	if cliCtx.IsSet(flags.ConfigFileFlag.Name) {
		if err := params.LoadConfigFile(cliCtx.String(flags.ConfigFileFlag.Name)); err != nil {
			return nil, err
		}
	}
	ctx, cancel := context.WithCancel(cliCtx.Context)
	node := &CoordinatorNode{
		cliCtx:    cliCtx,
		ctx:       ctx,
		cancel:    cancel,
		services:  runtime.NewServiceRegistry(),
		stop:      make(chan struct{}),
		stateFeed: new(event.Feed),
	}

	if err := node.startDB(cliCtx); err != nil {
		return nil, err
	}
	if err := node.startBlobStore(cliCtx); err != nil {
		return nil, err
	}
	node.engine = snarkjs.NewEngine()
	node.compute = localexec.NewProvider()

	schedulerSvc, err := node.registerSchedulerService()
	if err != nil {
		return nil, err
	}
	verifierSvc, err := node.registerVerifierService(cliCtx, schedulerSvc)
	if err != nil {
		return nil, err
	}
	if err := node.registerRPCService(cliCtx, schedulerSvc, verifierSvc); err != nil {
		return nil, err
	}
	if err := node.registerPrometheusService(cliCtx); err != nil {
		return nil, err
	}
	return node, nil
}

// StateFeed implements statefeed.Notifier.
func (c *CoordinatorNode) StateFeed() *event.Feed {
	return c.stateFeed
}

// Start the CoordinatorNode and kicks off every registered service.
func (c *CoordinatorNode) Start() {
	c.lock.Lock()

	log.WithFields(logrus.Fields{
		"version": version.GetVersion(),
	}).Info("Starting coordinator node")

	c.services.StartAll()

	stop := c.stop
	c.lock.Unlock()

	go func() {
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigc)
		<-sigc
		log.Info("Got interrupt, shutting down...")
		go c.Close()
		for i := 10; i > 0; i-- {
			<-sigc
			if i > 1 {
				log.WithField("times", i-1).Info("Already shutting down, interrupt more to panic")
			}
		}
		panic("Panic closing the coordinator node")
	}()

	// Wait for stop channel to be closed.
	<-stop
}

// Close handles graceful shutdown of the system.
func (c *CoordinatorNode) Close() {
	c.lock.Lock()
	defer c.lock.Unlock()

	log.Info("Stopping coordinator node")
	c.services.StopAll()
	if err := c.db.Close(); err != nil {
		log.WithError(err).Error("Failed to close database")
	}
	c.cancel()
	close(c.stop)
}

func (c *CoordinatorNode) startDB(cliCtx *cli.Context) error {
	baseDir := cliCtx.String(flags.DataDirFlag.Name)
	dbPath := filepath.Join(baseDir, kv.CoordinatorDbDirName)
	log.WithField("database-path", dbPath).Info("Checking DB")

	d, err := kv.NewKVStore(c.ctx, dbPath)
	if err != nil {
		return err
	}
	if cliCtx.Bool(flags.ClearDB.Name) {
		log.Warning("Removing database")
		if err := d.Close(); err != nil {
			return errors.Wrap(err, "could not close db prior to clearing")
		}
		if err := d.ClearDB(); err != nil {
			return errors.Wrap(err, "could not clear database")
		}
		d, err = kv.NewKVStore(c.ctx, dbPath)
		if err != nil {
			return errors.Wrap(err, "could not create new database")
		}
	}
	c.db = d
	return nil
}

func (c *CoordinatorNode) startBlobStore(cliCtx *cli.Context) error {
	store, err := filesystem.NewStore(cliCtx.String(flags.BlobRootFlag.Name), nil)
	if err != nil {
		return errors.Wrap(err, "could not open blob store")
	}
	c.blobStore = store
	return nil
}

func (c *CoordinatorNode) registerSchedulerService() (*scheduler.Service, error) {
	svc := scheduler.New(c.ctx, &scheduler.Config{
		DB:        c.db,
		BlobStore: c.blobStore,
		StateFeed: c.stateFeed,
	})
	return svc, c.services.RegisterService(svc)
}

func (c *CoordinatorNode) registerVerifierService(cliCtx *cli.Context, schedulerSvc *scheduler.Service) (*verify.Service, error) {
	svc := verify.New(c.ctx, &verify.Config{
		DB:        c.db,
		BlobStore: c.blobStore,
		Engine:    c.engine,
		Compute:   c.compute,
		Scheduler: schedulerSvc,
		StateFeed: c.stateFeed,
		WorkDir:   cliCtx.String(flags.WorkDirFlag.Name),
	})
	return svc, c.services.RegisterService(svc)
}

func (c *CoordinatorNode) registerRPCService(cliCtx *cli.Context, schedulerSvc *scheduler.Service, verifierSvc *verify.Service) error {
	uploadCoordinator := upload.New(&upload.Config{
		DB:        c.db,
		BlobStore: c.blobStore,
		StateFeed: c.stateFeed,
	})
	finalizer := finalize.New(&finalize.Config{
		DB:        c.db,
		BlobStore: c.blobStore,
		Engine:    c.engine,
		Compute:   c.compute,
		StateFeed: c.stateFeed,
		WorkDir:   cliCtx.String(flags.WorkDirFlag.Name),
	})
	setupSvc := setup.New(&setup.Config{
		DB:        c.db,
		BlobStore: c.blobStore,
		Compute:   c.compute,
	})
	svc := rpc.New(c.ctx, &rpc.Config{
		Host:      cliCtx.String(flags.RPCHost.Name),
		Port:      fmt.Sprintf("%d", cliCtx.Int(flags.RPCPort.Name)),
		DB:        c.db,
		BlobStore: c.blobStore,
		Scheduler: schedulerSvc,
		Upload:    uploadCoordinator,
		Verifier:  verifierSvc,
		Finalizer: finalizer,
		Setup:     setupSvc,
	})
	return c.services.RegisterService(svc)
}

func (c *CoordinatorNode) registerPrometheusService(cliCtx *cli.Context) error {
	var additionalHandlers []prometheus.Handler
	if cliCtx.IsSet(flags.EnableBackupWebhookFlag.Name) {
		additionalHandlers = append(
			additionalHandlers,
			prometheus.Handler{
				Path:    "/db/backup",
				Handler: backup.Handler(c.db, cliCtx.String(flags.BackupWebhookOutputDir.Name)),
			},
		)
	}
	service := prometheus.NewService(
		fmt.Sprintf("%s:%d", cliCtx.String(flags.MonitoringHostFlag.Name), cliCtx.Int(flags.MonitoringPortFlag.Name)),
		c.services,
		additionalHandlers...,
	)
	hook := prometheus.NewLogrusCollector()
	logrus.AddHook(hook)
	return c.services.RegisterService(service)
}
