package cli

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openforge/nettingd/internal/batch"
	"github.com/openforge/nettingd/internal/config"
	"github.com/openforge/nettingd/internal/di"
	grpcsrv "github.com/openforge/nettingd/internal/grpc"
	"github.com/openforge/nettingd/internal/indexer"
	"github.com/openforge/nettingd/internal/queue"
	"github.com/openforge/nettingd/internal/resilience"
	"github.com/openforge/nettingd/internal/rpc"
	"github.com/openforge/nettingd/internal/session"
	pebbledb "github.com/openforge/nettingd/internal/storage/database/pebble"
	"github.com/openforge/nettingd/internal/storage/relationaldb"
)

const shutdownGrace = 15 * time.Second

// serverCmd starts the daemon: queue intake, batch forming, settlement,
// indexing and the API surfaces, all under one lifecycle.
var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the netting settlement daemon",
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)

	// Running with no subcommand starts the server.
	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return runServer(cmd, args)
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return err
	}

	container := di.New()
	provider := di.NewProvider(container, cfg)
	if err := provider.RegisterAll(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open the relational store before anything touches it.
	relational := container.MustGet(di.ServiceRelational).(relationaldb.RepositoryManager)
	if err := relational.Open(ctx); err != nil {
		return fmt.Errorf("open relational store: %w", err)
	}
	defer relational.Close(context.Background())

	kvManager := container.MustGet(di.ServiceKVManager).(*pebbledb.Manager)
	defer kvManager.Close()

	batchMgr := container.MustGet(di.ServiceBatchMgr).(*batch.Manager)
	if err := batchMgr.Recover(ctx); err != nil {
		return fmt.Errorf("crash recovery: %w", err)
	}

	q := container.MustGet(di.ServiceQueue).(*queue.Queue)
	gate := container.MustGet(di.ServiceSessionGate).(*session.Gate)
	partition := container.MustGet(di.ServicePartition).(*resilience.PartitionGuard)
	ix := container.MustGet(di.ServiceIndexer).(*indexer.Indexer)
	rpcServer := container.MustGet(di.ServiceRPCServer).(*rpc.Server)

	httpServer := &http.Server{
		Addr:    cfg.Server.Address,
		Handler: rpcServer.Handler(),
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error { return batchMgr.Run(groupCtx) })
	group.Go(func() error { return partition.Run(groupCtx) })
	group.Go(func() error { return ix.Run(groupCtx) })
	group.Go(func() error { return runSweepers(groupCtx, cfg, q, gate) })

	group.Go(func() error {
		if !quiet {
			log.Printf("nettingd %s listening on http://%s", Version, cfg.Server.Address)
		}
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if cfg.Grpc.Enabled {
		opsServer := container.MustGet(di.ServiceGRPCServer).(*grpcsrv.Server)
		if err := opsServer.StartAsync(); err != nil {
			return fmt.Errorf("start grpc server: %w", err)
		}
		if !quiet {
			log.Printf("ops grpc listening on %s", opsServer.Address())
		}
		group.Go(func() error {
			<-groupCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			return opsServer.Shutdown(shutdownCtx)
		})
	}

	err = group.Wait()
	if errors.Is(err, context.Canceled) {
		log.Printf("nettingd stopped")
		return nil
	}
	return err
}

// runSweepers runs the retention sweeps: expired session policies plus the
// queue's nonce and processed-id TTLs.
func runSweepers(ctx context.Context, cfg *config.Config, q *queue.Queue, gate *session.Gate) error {
	ticker := time.NewTicker(cfg.Storage.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n, err := q.SweepTTL(ctx); err != nil {
				log.Printf("queue ttl sweep failed: %v", err)
			} else if n > 0 {
				log.Printf("queue ttl sweep removed %d keys", n)
			}

			if n, err := gate.SweepExpired(ctx); err != nil {
				log.Printf("policy sweep failed: %v", err)
			} else if n > 0 {
				log.Printf("policy sweep removed %d expired policies", n)
			}
		}
	}
}
