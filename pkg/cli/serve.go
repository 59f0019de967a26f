package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/getmockd/unshubd/pkg/alert"
	"github.com/getmockd/unshubd/pkg/broadcast"
	"github.com/getmockd/unshubd/pkg/config"
	"github.com/getmockd/unshubd/pkg/handler"
	"github.com/getmockd/unshubd/pkg/logging"
	"github.com/getmockd/unshubd/pkg/metrics"
	"github.com/getmockd/unshubd/pkg/mqttsup"
	"github.com/getmockd/unshubd/pkg/persist"
	"github.com/getmockd/unshubd/pkg/sandbox"
	"github.com/getmockd/unshubd/pkg/sparkplug"
	"github.com/getmockd/unshubd/pkg/store"
	"github.com/getmockd/unshubd/pkg/tracing"
	"github.com/getmockd/unshubd/pkg/transform"
)

// shutdownTimeout bounds the best-effort graceful shutdown sequence; when
// it elapses the process is force-exited with a non-zero status.
const shutdownTimeout = 5 * time.Second

// serveFlagVals is the package-level instance bound to cobra flags.
var serveFlagVals serveFlags

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the hub: broker supervisor, persistence, transforms, and alerting",
	Long: `Start the unshubd hub in the foreground: connect every configured MQTT
broker, decode and canonicalize inbound messages, persist them, run
topic transformation rules, and evaluate alert rules — until interrupted.`,
	Example: `  # Start with a config file
  unshubd serve --config hub.yaml

  # Start with a Prometheus /metrics listener on a custom address
  unshubd serve --config hub.yaml --metrics-addr :9100`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServeWithFlags(&serveFlagVals)
	},
}

func initServeCmd() {
	rootCmd.AddCommand(serveCmd)

	f := &serveFlagVals
	serveCmd.Flags().StringVarP(&f.configPath, "config", "c", "", "path to the hub configuration file (YAML or JSON, required)")
	serveCmd.Flags().StringVar(&f.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	serveCmd.Flags().StringVar(&f.logFormat, "log-format", "text", "log format (text, json)")
	serveCmd.Flags().StringVar(&f.lokiEndpoint, "loki-endpoint", "", "Loki push endpoint for log aggregation (logs still go to stderr)")
	serveCmd.Flags().StringVar(&f.otlpEndpoint, "otlp-endpoint", "", "OTLP HTTP endpoint for distributed tracing of sandboxed rule/condition evaluation")
	serveCmd.Flags().Float64Var(&f.traceSampler, "trace-sampler", 1.0, "trace sampling ratio (0.0-1.0)")
	serveCmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", ":9090", "listen address for the Prometheus /metrics endpoint")

	if err := serveCmd.MarkFlagRequired("config"); err != nil {
		panic(err)
	}
}

func init() {
	initServeCmd()
}

// serveFlags holds the parsed command-line flags for the serve command.
type serveFlags struct {
	configPath   string
	logLevel     string
	logFormat    string
	lokiEndpoint string
	otlpEndpoint string
	traceSampler float64
	metricsAddr  string
}

// serveContext holds every live component so runMainLoop can shut them all
// down in order.
type serveContext struct {
	flags *serveFlags
	log   *slog.Logger

	cfg *config.HubConfig

	store      *store.Store
	bus        *broadcast.Bus
	supervisor *mqttsup.Supervisor
	queue      *persist.Queue
	transform  *transform.Engine
	alert      *alert.Engine
	tracer     *tracing.Tracer

	metricsServer *http.Server

	maintenanceCancel context.CancelFunc
	cancel            context.CancelFunc
}

func runServeWithFlags(flags *serveFlags) error {
	cfg, err := validateAndLoadConfig(flags)
	if err != nil {
		return err
	}

	log := buildLogger(flags)

	sctx := &serveContext{flags: flags, log: log, cfg: cfg}

	if err := sctx.initStore(); err != nil {
		return err
	}
	sctx.initTracing()
	sctx.buildComponents()
	sctx.wireComponents()

	if err := sctx.loadRules(); err != nil {
		return err
	}

	if err := sctx.start(); err != nil {
		return err
	}

	return runMainLoop(sctx)
}

func validateAndLoadConfig(flags *serveFlags) (*config.HubConfig, error) {
	cfg, err := config.LoadFromFile(flags.configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// buildLogger builds the ambient structured logger. When --loki-endpoint
// is set, logs fan out to both stderr and Loki via
// logging.NewMultiHandler, rather than replacing one sink with the other.
func buildLogger(flags *serveFlags) *slog.Logger {
	cfg := logging.Config{
		Level:  logging.ParseLevel(flags.logLevel),
		Format: logging.ParseFormat(flags.logFormat),
	}
	base := logging.New(cfg)

	if flags.lokiEndpoint == "" {
		return base
	}

	loki := logging.NewLokiHandler(flags.lokiEndpoint, logging.WithLokiLabels(map[string]string{
		"service": "unshubd",
	}))
	return slog.New(logging.NewMultiHandler(base.Handler(), loki))
}

func (s *serveContext) initStore() error {
	st, err := store.Open(s.cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	st.SetLogger(s.log)
	s.store = st
	return nil
}

func (s *serveContext) initTracing() {
	if s.flags.otlpEndpoint == "" {
		return
	}
	exporter := tracing.NewOTLPExporter(s.flags.otlpEndpoint)
	s.tracer = tracing.NewTracer("unshubd",
		tracing.WithExporter(exporter),
		tracing.WithSampler(tracing.NewRatioSampler(s.flags.traceSampler)),
	)
}

// buildComponents constructs modules G, A, C, D and E (F is opened by
// initStore, B is built in wireComponents) without yet cross-wiring their
// dependencies.
func (s *serveContext) buildComponents() {
	s.bus = broadcast.New()
	s.bus.SetLogger(s.log)

	s.supervisor = mqttsup.New(s.cfg.Brokers)
	s.supervisor.SetLogger(s.log)

	s.queue = persist.New(s.store, s.cfg.Sizing.BatchSize, time.Duration(s.cfg.Sizing.BatchIntervalMS)*time.Millisecond, s.cfg.Sizing.MaxQueueEvents)
	s.queue.SetLogger(s.log)

	transformRunner := sandbox.NewRunner()
	if s.tracer != nil {
		transformRunner.SetTracer(s.tracer)
	}
	s.transform = transform.New(transformRunner)
	s.transform.SetLogger(s.log)

	alertRunner := sandbox.NewRunner()
	if s.tracer != nil {
		alertRunner.SetTracer(s.tracer)
	}
	s.alert = alert.New(alertRunner)
	s.alert.SetLogger(s.log)
	s.alert.SetWebhookTimeout(time.Duration(s.cfg.Alerts.WebhookTimeoutMS) * time.Millisecond)
}

// statusBusAdapter narrows *broadcast.Bus down to mqttsup.StatusBus,
// translating a broker status transition into a broadcast envelope
// (spec.md 4.1: "Emitted on every transition" / 4.7 fan-out).
type statusBusAdapter struct{ bus *broadcast.Bus }

func (a statusBusAdapter) PublishStatus(evt mqttsup.StatusEvent) {
	a.bus.Publish(broadcast.TypeBrokerStatus, evt)
	if metrics.ActiveConnections != nil {
		for _, s := range []mqttsup.Status{
			mqttsup.StatusConnecting, mqttsup.StatusConnected, mqttsup.StatusOffline,
			mqttsup.StatusDisconnected, mqttsup.StatusError, mqttsup.StatusShuttingDown,
		} {
			val := 0.0
			if s == evt.Status {
				val = 1.0
			}
			if vec, err := metrics.ActiveConnections.WithLabels(evt.BrokerID, string(s)); err == nil {
				vec.Set(val)
			}
		}
	}
}

// publisherAdapter narrows *mqttsup.Supervisor down to
// pkg/transform.Publisher.
type publisherAdapter struct{ sup *mqttsup.Supervisor }

func (a publisherAdapter) Publish(brokerID, topic string, payload []byte, qos byte, retain bool) mqttsup.PublishResult {
	return a.sup.Publish(brokerID, topic, payload, qos, retain)
}

// wireComponents cross-connects every already-built component, and wires
// the Sparkplug codec into the two seams (pkg/handler.SparkplugDecoder,
// pkg/transform.SparkplugEncoder) that were built against interfaces
// before the codec package existed.
func (s *serveContext) wireComponents() {
	s.supervisor.SetStatusBus(statusBusAdapter{bus: s.bus})

	s.transform.SetStore(s.store)
	s.transform.SetBus(s.bus)
	s.transform.SetPublisher(publisherAdapter{sup: s.supervisor})

	s.alert.SetStore(s.store)
	s.alert.SetBus(s.bus)

	if s.cfg.Sparkplug.Enabled {
		s.transform.SetSparkplugEncoder(sparkplug.NewEncoder())
	}

	h := handler.New(s.cfg.Sparkplug.Enabled)
	h.SetLogger(s.log)
	h.SetBus(s.bus)
	h.SetPersistQueue(s.queue)
	h.SetTransformEngine(s.transform)
	h.SetAlertEngine(s.alert)
	if s.cfg.Sparkplug.Enabled {
		h.SetSparkplugDecoder(sparkplug.NewDecoder())
	}

	s.queue.SetTransformEngine(s.transform)

	s.supervisor.SetHandler(func(brokerID, topic string, payload []byte) {
		h.Handle(context.Background(), brokerID, topic, payload)
	})
}

// loadRules loads the Transformation Engine's versioned rule document
// (spec.md 4.4/cfg.RulesFile) and the Alert Engine's rule set from the
// store (spec.md 3: "Alert Rule", persisted in the events database).
func (s *serveContext) loadRules() error {
	if s.cfg.RulesFile != "" {
		rs, err := loadRuleSet(s.cfg.RulesFile)
		if err != nil {
			return fmt.Errorf("loading rules file: %w", err)
		}
		s.transform.SaveMappings(rs)
	}

	rules, err := s.store.ListAlertRules(context.Background())
	if err != nil {
		return fmt.Errorf("loading alert rules: %w", err)
	}
	s.alert.SetRules(convertAlertRules(rules))
	return nil
}

func loadRuleSet(path string) (*transform.RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rs transform.RuleSet
	if err := json.Unmarshal(data, &rs); err != nil {
		return nil, err
	}
	return &rs, nil
}

func convertAlertRules(rules []store.AlertRule) []alert.Rule {
	out := make([]alert.Rule, 0, len(rules))
	for _, r := range rules {
		out = append(out, alert.Rule{
			ID:             r.ID,
			Name:           r.Name,
			TopicPattern:   r.TopicPattern,
			ConditionCode:  r.Condition,
			Severity:       alert.Severity(r.Severity),
			WorkflowPrompt: r.WorkflowPrompt,
			Notifications:  alert.Notifications{Webhook: r.WebhookURL},
			Enabled:        r.Enabled,
		})
	}
	return out
}

// start launches every background loop and listener: the persistence
// queue's drain loop, the store's checkpoint/prune loop, the broker
// supervisor's connections, and the metrics HTTP server.
func (s *serveContext) start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	maintCtx, maintCancel := context.WithCancel(context.Background())
	s.maintenanceCancel = maintCancel
	go s.store.StartMaintenance(maintCtx, s.cfg.Sizing.MaxStoreSizeMB, s.cfg.Sizing.PruneChunkSize)

	go s.queue.Run(ctx)

	if err := s.supervisor.Start(ctx); err != nil {
		s.log.Warn("one or more brokers failed initial connect; supervisor will keep retrying", "error", err)
	}

	metrics.Init()
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.DefaultRegistry().Handler())
	s.metricsServer = &http.Server{Addr: s.flags.metricsAddr, Handler: mux}
	go func() {
		if err := s.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("metrics server stopped unexpectedly", "error", err)
		}
	}()

	s.log.Info("unshubd started", "brokers", len(s.cfg.Brokers), "metrics_addr", s.flags.metricsAddr)
	return nil
}

func runMainLoop(sctx *serveContext) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	sctx.log.Info("shutting down")

	forceExit := time.AfterFunc(shutdownTimeout, func() {
		sctx.log.Error("graceful shutdown timed out, forcing exit")
		os.Exit(1)
	})
	defer forceExit.Stop()

	sctx.cancel()
	sctx.maintenanceCancel()
	sctx.queue.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := sctx.supervisor.Stop(shutdownCtx); err != nil {
		sctx.log.Warn("broker supervisor shutdown error", "error", err)
	}

	if err := sctx.metricsServer.Shutdown(shutdownCtx); err != nil {
		sctx.log.Warn("metrics server shutdown error", "error", err)
	}

	if sctx.tracer != nil {
		if err := sctx.tracer.Shutdown(shutdownCtx); err != nil {
			sctx.log.Warn("tracer shutdown error", "error", err)
		}
	}

	sctx.bus.Close()

	if err := sctx.store.Close(); err != nil {
		sctx.log.Warn("store close error", "error", err)
	}

	sctx.log.Info("unshubd stopped")
	return nil
}
