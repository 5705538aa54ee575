// Package rootsup is the root supervisor: it boots the process-wide
// singletons every TestExecutionFSM shares, builds the
// FSMFactory closure the QueueCoordinator uses to spawn one FSM per
// test, and keeps the coordinator itself running under a bounded
// restart policy. cmd/harnessd's only job after this package returns is
// to wire the resulting Gateway into an HTTP server.
package rootsup

import (
	"context"
	"fmt"

	"github.com/cucumber/godog"
	"go.uber.org/zap"

	"github.com/CrisisTextLine/kafka-harness/internal/config"
	"github.com/CrisisTextLine/kafka-harness/internal/fsm"
	"github.com/CrisisTextLine/kafka-harness/internal/gateway"
	"github.com/CrisisTextLine/kafka-harness/internal/kafkastream"
	"github.com/CrisisTextLine/kafka-harness/internal/model"
	"github.com/CrisisTextLine/kafka-harness/internal/queue"
	"github.com/CrisisTextLine/kafka-harness/internal/registry"
	"github.com/CrisisTextLine/kafka-harness/internal/scenario"
	"github.com/CrisisTextLine/kafka-harness/internal/serde"
	"github.com/CrisisTextLine/kafka-harness/internal/storageworker"
	"github.com/CrisisTextLine/kafka-harness/internal/vaultworker"
)

// System bundles every long-lived singleton the root supervisor owns,
// plus the assembled Gateway cmd/harnessd drives its HTTP server from.
type System struct {
	Gateway      *gateway.Gateway
	Coordinator  *queue.Coordinator
	SerdeFactory *serde.Factory
	Registry     *registry.Registry

	cancel context.CancelFunc
}

// GlueProviders lets an operator register feature-glue packages by the
// name a manifest's gluePackages list uses. An empty registry is valid:
// a suite with no named package still runs godog's built-in steps.
type GlueProviders map[string]func(*godog.ScenarioContext)

func (g GlueProviders) forTest(packages []string) scenario.GlueProvider {
	return func(token string) func(*godog.ScenarioContext) {
		return func(sc *godog.ScenarioContext) {
			for _, name := range packages {
				if register, ok := g[name]; ok {
					register(sc)
				}
			}
		}
	}
}

// Boot constructs the full actor tree — Schema Registry serde factory,
// storage/vault singletons, the scenario runner, the Event Registry, an
// FSMFactory closure, and the QueueCoordinator wrapped behind a
// RequestGateway — and returns it ready to serve. The returned System's
// Shutdown must be called to release Kafka/HTTP clients cleanly.
func Boot(ctx context.Context, cfg *config.Config, logger *zap.Logger, glue GlueProviders) (*System, error) {
	rootCtx, cancel := context.WithCancel(ctx)

	serdeFactory, err := serde.NewFactory(cfg.SchemaRegistryURL)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("rootsup: build serde factory: %w", err)
	}

	storageProvider, err := storageworker.NewProvider(rootCtx, cfg.StorageProvider)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("rootsup: build storage provider: %w", err)
	}

	vaultInvoker := vaultworker.NewHTTPInvoker(cfg.VaultTimeout)
	scenarioRunner := scenario.NewRunner(cfg.ScenarioWorkers)
	eventRegistry := registry.New()

	consumerBatch := kafkastream.BatchConfig{
		CommitEvery:   cfg.ConsumerBatch.CommitEvery,
		CommitPeriod:  cfg.ConsumerBatch.CommitPeriod,
		QueueCapacity: cfg.ConsumerBatch.QueueCapacity,
	}

	var coordinator *queue.Coordinator

	// factory builds one FSM per admitted test. It is called exclusively
	// from the QueueCoordinator's own goroutine (onInitializeTestRequest),
	// so no locking is needed around the coordinator capture below.
	//
	// FSMs are spawned directly rather than through actorsys.Supervise:
	// Supervise restarts a child whenever its awaitTermination call
	// returns, but an FSM's normal lifecycle already ends in a clean
	// Ref.Stop() once the QueueCoordinator reaps it (invariant I2) — that
	// exit is success, not a crash, and Supervise has no way to tell the
	// two apart. The FSM's own handler panic-recovery (fsm.handle) already
	// converts goroutine-local faults into a TrnException message instead
	// of letting the actor's goroutine die, which is the fault class
	// Supervise would otherwise exist to catch.
	factory := func(ctx context.Context, testID model.TestID) fsm.Ref {
		deps := fsm.Deps{
			Notifier:              coordinator.NewNotifier(testID),
			Registry:              eventRegistry,
			StorageProvider:       storageProvider,
			VaultInvoker:          vaultInvoker,
			VaultFunctionURL:      cfg.VaultFunctionURL,
			VaultBodyTemplate:     defaultVaultBodyTemplate,
			VaultMapping:          defaultVaultMapping,
			VaultConstants:        map[string]interface{}{},
			SerdeFactory:          serdeFactory,
			ScenarioRunner:        scenarioRunner,
			ResolveGlueProvider:   glue.forTest,
			FeatureGlob:           "",
			KafkaBootstrapServers: cfg.KafkaBootstrapServers,
			ConsumerGroupPrefix:   "harness",
			ConsumerBatch:         consumerBatch,
			ProducerQueueCapacity: consumerBatch.QueueCapacity,
			Timeouts:              cfg.FSM,
		}
		return fsm.Spawn(ctx, testID, deps)
	}

	coordinator = queue.Start(rootCtx, factory, cfg.CoordinatorRestart)

	// actorsys.Supervise itself is not wrapped around the coordinator:
	// its restart model respawns a fresh actor whenever awaitTermination
	// returns, but the coordinator's mailbox loop exits on rootCtx
	// cancellation or an explicit Stop() for exactly the same reason a
	// crash would make it exit, and a respawned coordinator starts with
	// an empty entries map anyway — there is no in-flight state to hand
	// off to it. cfg.CoordinatorRestart is instead read directly by the
	// coordinator's own handler: a recovered handler panic counts against
	// the policy's restart budget, and once the budget is exhausted
	// within its window the coordinator stops itself for good. See
	// DESIGN.md.
	logger.Debug("queue coordinator started", zap.Int("max-restarts", cfg.CoordinatorRestart.MaxRestarts))

	gw := gateway.New(coordinator, cfg.GatewayBreaker, cfg.AskTimeout)

	return &System{
		Gateway:      gw,
		Coordinator:  coordinator,
		SerdeFactory: serdeFactory,
		Registry:     eventRegistry,
		cancel:       cancel,
	}, nil
}

// Shutdown tears the system down in dependency order: stop the
// coordinator's own mailbox, cancel the root context (stopping every
// FSM's background work), then release the shared serde factory's HTTP
// client pool.
func (s *System) Shutdown() {
	s.Coordinator.Stop()
	s.cancel()
	s.SerdeFactory.Shutdown()
}

// defaultVaultBodyTemplate is the fallback used when no manifest
// supplies its own template; it asks the cloud function for directives
// scoped to the bucket the Storage worker already materialized.
const defaultVaultBodyTemplate = `{"bucket": "{{ .System.bucket }}"}`

var defaultVaultMapping = vaultworker.Mapping{
	ElementsPath:         ".directives[]",
	TopicPath:            ".topic",
	RolePath:             ".role",
	SecurityProtocolPath: ".securityProtocol",
	JAASConfigPath:       ".jaasConfig",
}
