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

	"github.com/arcnet-dev/protocol/go/bridge"
	arcLabels "github.com/arcnet-dev/protocol/go/labels"
	"github.com/arcnet-dev/protocol/go/schema"
	"github.com/arcnet-dev/protocol/go/transfer"
	"github.com/arcnet-dev/protocol/go/transport"
)

const iniFilename = "arcnet.ini"

// config is the top-level configuration of the HPC bridge.
type config struct {
	Bridge struct {
		Zone                 string        `long:"zone" env:"ZONE" default:"local" description:"Availability zone within which this process is running"`
		Port                 uint16        `long:"port" env:"PORT" default:"8091" description:"Service port for HTTP requests (metrics, debug)"`
		SubmissionPartitions int           `long:"submission-partitions" env:"SUBMISSION_PARTITIONS" default:"4" description:"Partitions of the job submission and federated training topics"`
		ExtendedTriggers     bool          `long:"extended-triggers" env:"EXTENDED_TRIGGERS" description:"Enable the extended HPC classification triggers (GPU memory, checkpoint size, bandwidth)"`
		PollInterval         time.Duration `long:"poll-interval" env:"POLL_INTERVAL" default:"15s" description:"Pacing between polls of an in-flight transfer"`
		MaxTransferAge       time.Duration `long:"max-transfer-age" env:"MAX_TRANSFER_AGE" default:"1h" description:"Transfers older than this are canceled and failed"`
	} `group:"Bridge" namespace:"bridge" env-namespace:"BRIDGE"`

	Transfer struct {
		BaseURL      string        `long:"base-url" env:"BASE_URL" required:"true" description:"Base URL of the HPC dataset transfer service"`
		TokenURL     string        `long:"token-url" env:"TOKEN_URL" description:"OAuth2 client-credentials token endpoint. Empty disables authentication"`
		ClientID     string        `long:"client-id" env:"CLIENT_ID" description:"OAuth2 client ID"`
		ClientSecret string        `long:"client-secret" env:"CLIENT_SECRET" description:"OAuth2 client secret"`
		Scopes       []string      `long:"scope" env:"SCOPES" env-delim:"," description:"OAuth2 scopes to request"`
		Timeout      time.Duration `long:"timeout" env:"TIMEOUT" default:"30s" description:"Timeout of each transfer service request"`
	} `group:"Transfer" namespace:"transfer" env-namespace:"TRANSFER"`

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
		"version":   mbp.Version,
		"buildDate": mbp.BuildDate,
	}).Info("arcnet-bridge configuration")

	pb.RegisterGRPCDispatcher(Config.Bridge.Zone)

	var srv, err = server.New("", Config.Bridge.Port)
	if err != nil {
		return fmt.Errorf("building server: %w", err)
	}

	var ctx = context.Background()
	xfer, err := transfer.NewClient(ctx, transfer.Config{
		BaseURL:      Config.Transfer.BaseURL,
		TokenURL:     Config.Transfer.TokenURL,
		ClientID:     Config.Transfer.ClientID,
		ClientSecret: Config.Transfer.ClientSecret,
		Scopes:       Config.Transfer.Scopes,
		Timeout:      Config.Transfer.Timeout,
	})
	if err != nil {
		return fmt.Errorf("building transfer client: %w", err)
	}

	var rjc = Config.Broker.MustRoutedJournalClient(ctx)
	var ajc = client.NewAppendService(ctx, rjc)
	var reg = schema.NewRegistry()

	var topics = []transport.Topic{
		{Name: arcLabels.TrainingSubmit, Partitions: Config.Bridge.SubmissionPartitions},
		{Name: arcLabels.TrainingFederated, Partitions: Config.Bridge.SubmissionPartitions},
		{Name: arcLabels.BridgePending, Partitions: 1},
		{Name: arcLabels.BridgeFailed, Partitions: 1},
		{Name: arcLabels.OrnlIngress, Partitions: 1},
	}
	for _, topic := range topics {
		if err = transport.ApplyTopic(ctx, rjc, topic); err != nil {
			return fmt.Errorf("applying topic %s: %w", topic.Name, err)
		}
	}
	var producer = transport.NewProducer(reg, rjc, ajc, topics...)

	var tasks = task.NewGroup(ctx)

	err = (&transport.Consumer{
		Group:       arcLabels.GroupBridgeSubmission,
		Topic:       arcLabels.TrainingSubmit,
		Client:      rjc,
		Registry:    reg,
		Checkpoints: transport.NewJournalCheckpoints(rjc, ajc),
		Producer:    producer,
		App: &bridge.Submission{
			Classifier: bridge.Classifier{Extended: Config.Bridge.ExtendedTriggers},
			Transfer:   xfer,
			Producer:   producer,
		},
	}).QueueTasks(tasks)
	if err != nil {
		return fmt.Errorf("queuing submission consumer: %w", err)
	}

	err = (&transport.Consumer{
		Group:       arcLabels.GroupBridgePending,
		Topic:       arcLabels.BridgePending,
		Client:      rjc,
		Registry:    reg,
		Checkpoints: transport.NewJournalCheckpoints(rjc, ajc),
		Producer:    producer,
		App: &bridge.Pending{
			Transfer:       xfer,
			Producer:       producer,
			PollInterval:   Config.Bridge.PollInterval,
			MaxTransferAge: Config.Bridge.MaxTransferAge,
		},
	}).QueueTasks(tasks)
	if err != nil {
		return fmt.Errorf("queuing pending consumer: %w", err)
	}

	srv.QueueTasks(tasks)

	log.WithFields(log.Fields{
		"zone":     Config.Bridge.Zone,
		"port":     Config.Bridge.Port,
		"transfer": Config.Transfer.BaseURL,
		"extended": Config.Bridge.ExtendedTriggers,
	}).Info("starting arcnet-bridge")

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

	_, _ = parser.AddCommand("serve", "Serve as the HPC bridge", `
Serve the HPC bridge with the provided configuration, until signaled to
exit (via SIGTERM): classify submitted training jobs, route federated
jobs to the mesh scheduler, and carry HPC jobs through dataset transfer
to facility hand-off.
`, &cmdServe{})

	mbp.AddPrintConfigCmd(parser, iniFilename)
	mbp.MustParseConfig(parser, iniFilename)
}
