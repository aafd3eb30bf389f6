package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/core/broker/client"
	pb "go.gazette.dev/core/broker/protocol"
	mbp "go.gazette.dev/core/mainboilerplate"
	server "go.gazette.dev/core/server"
	"go.gazette.dev/core/task"

	"github.com/arcnet-dev/protocol/go/docstore"
	arcLabels "github.com/arcnet-dev/protocol/go/labels"
	"github.com/arcnet-dev/protocol/go/regional"
	"github.com/arcnet-dev/protocol/go/reserve"
	"github.com/arcnet-dev/protocol/go/scheduler"
	"github.com/arcnet-dev/protocol/go/schema"
	"github.com/arcnet-dev/protocol/go/transport"
)

const iniFilename = "arcnet.ini"

// config is the top-level configuration of the regional control plane.
type config struct {
	Regional struct {
		Zone                string        `long:"zone" env:"ZONE" default:"local" description:"Availability zone within which this process is running"`
		Port                uint16        `long:"port" env:"PORT" default:"8090" description:"Service port for HTTP requests (metrics, debug)"`
		StateDir            string        `long:"state-dir" env:"STATE_DIR" description:"Document store directory. Empty runs memory-only"`
		TelemetryPartitions int           `long:"telemetry-partitions" env:"TELEMETRY_PARTITIONS" default:"8" description:"Partitions of the node telemetry topic"`
		RequestPartitions   int           `long:"request-partitions" env:"REQUEST_PARTITIONS" default:"8" description:"Partitions of the inference request, retry, and rejected topics"`
		ReservationTTL      time.Duration `long:"reservation-ttl" env:"RESERVATION_TTL" default:"30s" description:"Lifetime of a node reservation"`
		SweepInterval       time.Duration `long:"sweep-interval" env:"SWEEP_INTERVAL" default:"10s" description:"Period of the expired reservation sweeper"`
		AggregateInterval   time.Duration `long:"aggregate-interval" env:"AGGREGATE_INTERVAL" default:"10s" description:"Period of regional summary publication"`
	} `group:"Regional" namespace:"regional" env-namespace:"REGIONAL"`

	Scheduler struct {
		WeightGeozone     float64 `long:"weight-geozone" env:"WEIGHT_GEOZONE" default:"10" description:"Score weight of a geozone match"`
		WeightEnergy      float64 `long:"weight-energy" env:"WEIGHT_ENERGY" default:"2" description:"Score weight of the candidate's energy source rank"`
		WeightUtilization float64 `long:"weight-utilization" env:"WEIGHT_UTILIZATION" default:"3" description:"Score weight of the candidate's idle GPU fraction"`
		WeightBattery     float64 `long:"weight-battery" env:"WEIGHT_BATTERY" default:"1" description:"Score weight of the candidate's battery level"`
		MinBattery        float64 `long:"min-battery" env:"MIN_BATTERY" default:"0.2" description:"Exclude candidates charged below this level"`
		RetryBudget       int     `long:"retry-budget" env:"RETRY_BUDGET" default:"3" description:"Scheduling retries granted to requests without a retries-remaining header"`
	} `group:"Scheduler" namespace:"scheduler" env-namespace:"SCHEDULER"`

	Broker      mbp.ClientConfig      `group:"Broker" namespace:"broker" env-namespace:"BROKER"`
	Log         mbp.LogConfig         `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
}

var Config = new(config)

type cmdServe struct{}

func (cmdServe) Execute(_ []string) error {
	defer mbp.InitDiagnosticsAndRecover(Config.Diagnostics)()
	mbp.InitLog(Config.Log)

	log.WithFields(log.Fields{
		"config":    Config,
		"version":   mbp.Version,
		"buildDate": mbp.BuildDate,
	}).Info("arcnet-regional configuration")

	pb.RegisterGRPCDispatcher(Config.Regional.Zone)

	if Config.Broker.Cache.Size <= 0 {
		log.Warn("--broker.cache.size is disabled; consider setting > 0")
	}

	var srv, err = server.New("", Config.Regional.Port)
	if err != nil {
		return fmt.Errorf("building server: %w", err)
	}

	var ctx = context.Background()
	var rjc = Config.Broker.MustRoutedJournalClient(ctx)
	var ajc = client.NewAppendService(ctx, rjc)
	var reg = schema.NewRegistry()

	var topics = []transport.Topic{
		{Name: arcLabels.NodeTelemetry, Partitions: Config.Regional.TelemetryPartitions},
		{Name: arcLabels.InferenceRequests, Partitions: Config.Regional.RequestPartitions},
		{Name: arcLabels.InferenceRetries, Partitions: Config.Regional.RequestPartitions},
		{Name: arcLabels.InferenceRejected, Partitions: Config.Regional.RequestPartitions},
		{Name: arcLabels.RegionalSummaries, Partitions: 1},
	}
	for _, topic := range topics {
		if err = transport.ApplyTopic(ctx, rjc, topic); err != nil {
			return fmt.Errorf("applying topic %s: %w", topic.Name, err)
		}
	}
	var producer = transport.NewProducer(reg, rjc, ajc, topics...)

	store, err := docstore.Open(docstore.Options{Dir: Config.Regional.StateDir})
	if err != nil {
		return fmt.Errorf("opening document store: %w", err)
	}
	defer store.Close()

	var manager = reserve.NewManager(store, reserve.Options{TTL: Config.Regional.ReservationTTL})

	var policy = scheduler.DefaultPolicy()
	policy.WeightGeozone = Config.Scheduler.WeightGeozone
	policy.WeightEnergy = Config.Scheduler.WeightEnergy
	policy.WeightUtilization = Config.Scheduler.WeightUtilization
	policy.WeightBattery = Config.Scheduler.WeightBattery
	policy.MinBattery = Config.Scheduler.MinBattery
	policy.RetryBudget = Config.Scheduler.RetryBudget

	sched, err := scheduler.NewScheduler(policy, store, manager, producer, nil)
	if err != nil {
		return fmt.Errorf("building scheduler: %w", err)
	}

	var tasks = task.NewGroup(ctx)
	var ingestor = &regional.Ingestor{Store: store}

	// Telemetry folds and their offsets commit in one store transaction,
	// so the Ingestor is also this consumer's checkpoint store.
	err = (&transport.Consumer{
		Group:       arcLabels.GroupRegionalIngest,
		Topic:       arcLabels.NodeTelemetry,
		Client:      rjc,
		Registry:    reg,
		Checkpoints: ingestor,
		Producer:    producer,
		App:         ingestor,
	}).QueueTasks(tasks)
	if err != nil {
		return fmt.Errorf("queuing telemetry consumer: %w", err)
	}

	err = (&transport.Consumer{
		Group:       arcLabels.GroupScheduler,
		Topic:       arcLabels.InferenceRequests,
		Client:      rjc,
		Registry:    reg,
		Checkpoints: transport.NewJournalCheckpoints(rjc, ajc),
		Producer:    producer,
		App:         sched,
	}).QueueTasks(tasks)
	if err != nil {
		return fmt.Errorf("queuing scheduler consumer: %w", err)
	}

	manager.QueueSweeper(tasks, Config.Regional.SweepInterval)

	(&regional.Aggregator{
		Store:    store,
		Producer: producer,
		Interval: Config.Regional.AggregateInterval,
	}).QueueTasks(tasks)

	srv.QueueTasks(tasks)

	log.WithFields(log.Fields{
		"zone":     Config.Regional.Zone,
		"port":     Config.Regional.Port,
		"stateDir": Config.Regional.StateDir,
	}).Info("starting arcnet-regional")

	// Install signal handler & start tasks.
	var signalCh = make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)

	tasks.Queue("watch signalCh", func() error {
		select {
		case sig := <-signalCh:
			log.WithField("signal", sig).Info("caught signal")

			tasks.Cancel()
			srv.BoundedGracefulStop()
			return nil

		case <-tasks.Context().Done():
			return nil
		}
	})
	tasks.GoRun()

	// Block until all tasks complete.
	if err = tasks.Wait(); err != nil {
		return fmt.Errorf("task failed: %w", err)
	}

	log.Info("goodbye")
	return nil
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	_, _ = parser.AddCommand("serve", "Serve as the regional control plane", `
Serve the regional control plane with the provided configuration, until
signaled to exit (via SIGTERM): telemetry ingestion into the regional
document store, inference scheduling, reservation sweeping, and geozone
summary publication.
`, &cmdServe{})

	mbp.AddPrintConfigCmd(parser, iniFilename)
	mbp.MustParseConfig(parser, iniFilename)
}
