package di

import (
	"context"
	"fmt"

	"github.com/openforge/nettingd/internal/batch"
	"github.com/openforge/nettingd/internal/config"
	"github.com/openforge/nettingd/internal/da"
	grpcsrv "github.com/openforge/nettingd/internal/grpc"
	"github.com/openforge/nettingd/internal/indexer"
	"github.com/openforge/nettingd/internal/ledger"
	"github.com/openforge/nettingd/internal/netting"
	"github.com/openforge/nettingd/internal/queue"
	"github.com/openforge/nettingd/internal/resilience"
	"github.com/openforge/nettingd/internal/rpc"
	"github.com/openforge/nettingd/internal/session"
	"github.com/openforge/nettingd/internal/settle"
	pebbledb "github.com/openforge/nettingd/internal/storage/database/pebble"
	"github.com/openforge/nettingd/internal/storage/relationaldb"
	"github.com/openforge/nettingd/internal/storage/relationaldb/sqlstore"
)

// Provider configures and registers services in the container.
type Provider struct {
	container *Container
	config    *config.Config
}

// NewProvider creates a new service provider.
func NewProvider(container *Container, cfg *config.Config) *Provider {
	return &Provider{
		container: container,
		config:    cfg,
	}
}

// RegisterAll registers all services.
func (p *Provider) RegisterAll() error {
	p.container.Register(ServiceConfig, p.config)

	p.registerStorageBuilders()
	p.registerLedgerBuilders()
	p.registerPipelineBuilders()
	p.registerServerBuilders()
	return nil
}

func (p *Provider) registerStorageBuilders() {
	p.container.RegisterBuilder(ServiceKVManager, func(c *Container) (interface{}, error) {
		return pebbledb.NewManager(p.config.Storage.Path), nil
	})

	p.container.RegisterBuilder(ServiceRelational, func(c *Container) (interface{}, error) {
		return sqlstore.NewRepositoryManager(&p.config.Relational)
	})

	p.container.RegisterBuilder(ServiceSessionGate, func(c *Container) (interface{}, error) {
		manager := c.MustGet(ServiceKVManager).(*pebbledb.Manager)
		db, err := manager.OpenDB("sessions")
		if err != nil {
			return nil, err
		}

		opts := []session.Option{}
		if p.config.Signature.VerifyDisabled {
			opts = append(opts, session.WithSignatureVerificationDisabled())
		}
		return session.NewGate(db, opts...), nil
	})

	p.container.RegisterBuilder(ServiceQueue, func(c *Container) (interface{}, error) {
		manager := c.MustGet(ServiceKVManager).(*pebbledb.Manager)
		db, err := manager.OpenDB("queue")
		if err != nil {
			return nil, err
		}
		gate := c.MustGet(ServiceSessionGate).(*session.Gate)
		return queue.New(db, gate, queue.WithRequeueSkipped(p.config.Batch.RequeueSkipped)), nil
	})
}

func (p *Provider) registerLedgerBuilders() {
	p.container.RegisterBuilder(ServiceAuthority, func(c *Container) (interface{}, error) {
		seed := p.config.Ledger.AuthoritySeed
		if seed == "" {
			// Development convenience: a fixed throwaway key so standalone
			// runs work out of the box.
			seed = "0000000000000000000000000000000000000000000000000000000000000001"
		}
		return ledger.NewAuthority(seed)
	})

	p.container.RegisterBuilder(ServiceLedger, func(c *Container) (interface{}, error) {
		if p.config.Ledger.Mode == "fake" {
			authority := c.MustGet(ServiceAuthority).(*ledger.Authority)
			return ledger.NewFake(authority.PublicKey()), nil
		}
		return ledger.NewRPCClient(p.config.Ledger.HTTPURL, p.config.Ledger.WSURL), nil
	})

	p.container.RegisterBuilder(ServiceDAStore, func(c *Container) (interface{}, error) {
		return da.NewStore(da.Mode(p.config.DA.Mode), p.config.DA.BaseURL), nil
	})
}

func (p *Provider) registerPipelineBuilders() {
	p.container.RegisterBuilder(ServiceBrick, func(c *Container) (interface{}, error) {
		return resilience.NewBrickMonitor(resilience.BrickConfig{
			MaxConsecutive: p.config.Resilience.BrickMaxConsecutive,
			MaxInWindow:    p.config.Resilience.BrickMaxInWindow,
			Window:         p.config.Resilience.BrickWindow,
			Cooldown:       p.config.Resilience.BrickCooldown,
		}), nil
	})

	p.container.RegisterBuilder(ServicePartition, func(c *Container) (interface{}, error) {
		client := c.MustGet(ServiceLedger).(ledger.Client)
		return resilience.NewPartitionGuard(client,
			p.config.Resilience.PartitionStallAfter,
			p.config.Resilience.PartitionPollInterval), nil
	})

	p.container.RegisterBuilder(ServiceCommitter, func(c *Container) (interface{}, error) {
		manager := c.MustGet(ServiceRelational).(relationaldb.RepositoryManager)
		return settle.NewCommitter(
			settle.Config{
				MaxAttempts:         p.config.Resilience.CommitMaxAttempts,
				InitialBackoff:      p.config.Resilience.CommitInitialBackoff,
				MaxBackoff:          p.config.Resilience.CommitMaxBackoff,
				ConfirmationTimeout: p.config.Ledger.ConfirmationTimeout,
			},
			manager.Batches(),
			c.MustGet(ServiceLedger).(ledger.Client),
			c.MustGet(ServiceAuthority).(*ledger.Authority),
			c.MustGet(ServiceDAStore).(*da.Store),
			c.MustGet(ServiceBrick).(*resilience.BrickMonitor),
			c.MustGet(ServicePartition).(*resilience.PartitionGuard),
		), nil
	})

	p.container.RegisterBuilder(ServiceBatchMgr, func(c *Container) (interface{}, error) {
		manager := c.MustGet(ServiceRelational).(relationaldb.RepositoryManager)

		policy := netting.SkipIntent
		if p.config.Batch.OverflowPolicy == "abort_batch" {
			policy = netting.AbortBatch
		}

		return batch.NewManager(
			batch.Config{
				Window:         p.config.Batch.Window,
				MinIntents:     p.config.Batch.MinIntents,
				MaxIntents:     p.config.Batch.MaxIntents,
				Tick:           p.config.Batch.Tick,
				OverflowPolicy: policy,
			},
			c.MustGet(ServiceQueue).(*queue.Queue),
			manager.Batches(),
			c.MustGet(ServiceCommitter).(*settle.Committer),
		), nil
	})

	p.container.RegisterBuilder(ServiceReadModel, func(c *Container) (interface{}, error) {
		manager := c.MustGet(ServiceRelational).(relationaldb.RepositoryManager)
		return indexer.NewReadModel(manager.Shadow(), p.config.Indexer.CacheSize)
	})

	p.container.RegisterBuilder(ServiceIndexer, func(c *Container) (interface{}, error) {
		manager := c.MustGet(ServiceRelational).(relationaldb.RepositoryManager)
		ix := indexer.New(
			c.MustGet(ServiceLedger).(ledger.Client),
			manager.Batches(),
			manager.Shadow(),
		)

		reads := c.MustGet(ServiceReadModel).(*indexer.ReadModel)
		publisher := c.MustGet(ServicePublisher).(*rpc.Publisher)
		batches := manager.Batches()

		ix.OnApplied(func(event *ledger.Event, rec *relationaldb.BatchRecord) {
			ctx := context.Background()
			items, _ := batches.SettledItems(ctx, rec.BatchID)
			deltas, _ := batches.CashDeltas(ctx, rec.BatchID)
			reads.Invalidate(items, deltas)
			publisher.PublishSettlement(event, rec)
		})
		return ix, nil
	})
}

func (p *Provider) registerServerBuilders() {
	p.container.RegisterBuilder(ServicePublisher, func(c *Container) (interface{}, error) {
		return rpc.NewPublisher(), nil
	})

	p.container.RegisterBuilder(ServiceRPCServer, func(c *Container) (interface{}, error) {
		manager := c.MustGet(ServiceRelational).(relationaldb.RepositoryManager)
		return rpc.NewServer(
			c.MustGet(ServiceQueue).(*queue.Queue),
			c.MustGet(ServiceSessionGate).(*session.Gate),
			c.MustGet(ServiceReadModel).(*indexer.ReadModel),
			manager.Batches(),
			c.MustGet(ServiceBrick).(*resilience.BrickMonitor),
			c.MustGet(ServicePartition).(*resilience.PartitionGuard),
			c.MustGet(ServicePublisher).(*rpc.Publisher),
			p.config.Server.RequestTimeout,
		), nil
	})

	p.container.RegisterBuilder(ServiceGRPCServer, func(c *Container) (interface{}, error) {
		if !p.config.Grpc.Enabled {
			return nil, fmt.Errorf("grpc server is disabled")
		}
		cfg := grpcsrv.DefaultServerConfig()
		cfg.Address = p.config.Grpc.Address
		return grpcsrv.NewServer(cfg, &pipeline{container: c})
	})
}

// pipeline adapts the container to the gRPC handlers' read interface.
type pipeline struct {
	container *Container
}

func (p *pipeline) Queue() *queue.Queue {
	return p.container.MustGet(ServiceQueue).(*queue.Queue)
}

func (p *pipeline) Batches() relationaldb.BatchRepository {
	return p.container.MustGet(ServiceRelational).(relationaldb.RepositoryManager).Batches()
}

func (p *pipeline) Brick() *resilience.BrickMonitor {
	return p.container.MustGet(ServiceBrick).(*resilience.BrickMonitor)
}

func (p *pipeline) Partition() *resilience.PartitionGuard {
	return p.container.MustGet(ServicePartition).(*resilience.PartitionGuard)
}
