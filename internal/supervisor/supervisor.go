// Package supervisor owns the process lifecycle: from an already loaded
// configuration, construct every pipeline component, run the tick loop, and perform a
// graceful, signal-driven shutdown. Grounded on the teacher's
// envoy_main.go (signal goroutine, ordered-shutdown, startup logging),
// generalized from a single-exporter main into a construct-everything
// supervisor per spec.md §9's "pass components in explicitly, no
// ambient singletons" design note.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Studio729/hoymiles-bridge/internal/bridgelog"
	"github.com/Studio729/hoymiles-bridge/internal/buildinfo"
	"github.com/Studio729/hoymiles-bridge/internal/clock"
	"github.com/Studio729/hoymiles-bridge/internal/config"
	"github.com/Studio729/hoymiles-bridge/internal/coordinator"
	"github.com/Studio729/hoymiles-bridge/internal/discovery"
	"github.com/Studio729/hoymiles-bridge/internal/dtuclient"
	"github.com/Studio729/hoymiles-bridge/internal/dumpsink"
	"github.com/Studio729/hoymiles-bridge/internal/health"
	"github.com/Studio729/hoymiles-bridge/internal/healthserver"
	"github.com/Studio729/hoymiles-bridge/internal/model"
	"github.com/Studio729/hoymiles-bridge/internal/mqttpublish"
	"github.com/Studio729/hoymiles-bridge/internal/persistence"
	"github.com/Studio729/hoymiles-bridge/internal/pollerjob"
	"github.com/Studio729/hoymiles-bridge/internal/productioncache"
	"github.com/Studio729/hoymiles-bridge/internal/recovery"
)

// Exit codes per spec.md §6 "Process".
const (
	ExitOK           = 0
	ExitInvalidConfig = 1
	ExitMqttConnect   = 2
)

// Supervisor owns every long-lived component and the tick loop.
type Supervisor struct {
	cfg   *config.AppConfig
	log   *bridgelog.Logger
	store *persistence.Store

	publisher   *mqttpublish.Publisher
	metrics     *health.Metrics
	cache       *productioncache.Cache
	coordinator *coordinator.Coordinator
	healthSrv   *healthserver.Server

	stop chan struct{}
}

// clientFactory abstracts DTU client construction so tests can inject
// dtuclient.Fake instances instead of the real (out-of-scope) modbus
// transport.
type clientFactory func(model.DtuConfig) dtuclient.Client

func defaultClientFactory(dtu model.DtuConfig) dtuclient.Client {
	return dtuclient.NewModbusClient(dtu)
}

// New constructs a fully wired Supervisor from a loaded, validated
// config. dryRun MQTT-connect failures never abort startup (spec.md §7);
// non-dry-run MQTT-connect failures are fatal, surfaced via the returned
// error so main can exit(2).
func New(cfg *config.AppConfig) (*Supervisor, error) {
	return newWithClientFactory(cfg, defaultClientFactory)
}

func newWithClientFactory(cfg *config.AppConfig, newClient clientFactory) (*Supervisor, error) {
	log, err := bridgelog.New(bridgelog.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		File:        cfg.Logging.File,
		Console:     cfg.Logging.Console,
		MaxBytes:    cfg.Logging.MaxBytes,
		BackupCount: cfg.Logging.BackupCount,
	})
	if err != nil {
		return nil, fmt.Errorf("supervisor: building logger: %w", err)
	}

	store := persistence.Open(cfg.Persistence.DatabasePath, cfg.Persistence.Enabled, log)

	metrics := health.NewMetrics()
	cache := productioncache.New(store, log)

	var publisher *mqttpublish.Publisher
	if !cfg.DryRun {
		publisher, err = mqttpublish.New(mqttpublish.Config{
			Broker:         cfg.Mqtt.Broker,
			Port:           cfg.Mqtt.Port,
			ClientIDPrefix: cfg.Mqtt.ClientID,
			Username:       cfg.Mqtt.User,
			Password:       cfg.Mqtt.Password,
			TLS:            cfg.Mqtt.TLS,
			InsecureTLS:    cfg.Mqtt.TLSInsecure,
			TLSCACertPath:  cfg.Mqtt.TLSCACert,
			Keepalive:      cfg.Mqtt.Keepalive,
			QoS:            cfg.Mqtt.QoS,
			MaxQueueSize:   1000,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("mqtt connect: %w", err)
		}
		publisher.SetErrorHook(metrics.RecordMqttError)
	} else {
		log.Info("supervisor: dry_run enabled, MQTT publisher not started")
	}

	recoverer := recovery.NewRecoverer(recovery.Config{
		ExponentialBackoff:      cfg.Recovery.ExponentialBackoff,
		CommRetries:             cfg.Modbus.Retries,
		MaxBackoffSeconds:       cfg.Recovery.MaxBackoff,
		CircuitBreakerThreshold: cfg.Recovery.CircuitBreakerThreshold,
		CircuitBreakerTimeoutS:  cfg.Recovery.CircuitBreakerTimeout,
	})

	var dump *dumpsink.Sink
	if cfg.DumpData {
		dump = dumpsink.New(cfg.DumpDataPath, 10*1024*1024, 5, log)
	}

	jobs := make([]*pollerjob.Job, 0, len(cfg.Dtus))
	for _, d := range cfg.Dtus {
		dtuCfg := model.DtuConfig{Name: d.Name, Host: d.Host, Port: d.Port, UnitID: d.UnitID}
		builder := discovery.NewBuilder(
			cfg.Mqtt.TopicPrefix,
			d.Name,
			cfg.EntityFilter.MiEntities,
			cfg.EntityFilter.PortEntities,
			cfg.EntityFilter.ExcludeInverters,
			cfg.Timing.ExpireAfter,
			cfg.EntityFilter.ValueMultipliers,
			cfg.EntityFilter.EntityFriendlyNames,
		)
		var pub pollerjob.Publisher
		if publisher != nil {
			pub = mqttRecordingPublisher{publisher, metrics}
		} else {
			pub = noopPublisher{}
		}
		job := pollerjob.New(dtuCfg, newClient(dtuCfg), recoverer, cache, builder, pub, metrics, dump, log)
		jobs = append(jobs, job)
	}

	coord := coordinator.New(jobs, cache, clock.Real{}, cfg.Timing.ResetHour, cfg.Timing.Timezone, log)

	var healthSrv *healthserver.Server
	if cfg.Health.Enabled {
		addr := fmt.Sprintf("%s:%d", cfg.Health.Host, cfg.Health.Port)
		healthSrv = healthserver.New(addr, metrics, statsProvider{store}, cfg.Health.DtuOfflineThreshold, cfg.Health.MetricsEnabled, log)
	}

	return &Supervisor{
		cfg:         cfg,
		log:         log,
		store:       store,
		publisher:   publisher,
		metrics:     metrics,
		cache:       cache,
		coordinator: coord,
		healthSrv:   healthSrv,
		stop:        make(chan struct{}),
	}, nil
}

// statsProvider adapts *persistence.Store to healthserver.StatsProvider.
type statsProvider struct{ store *persistence.Store }

func (s statsProvider) GetStatistics() interface{} { return s.store.GetStatistics() }

// noopPublisher discards messages when dry_run suppresses the real
// MQTT publisher.
type noopPublisher struct{}

func (noopPublisher) PublishAll(msgs []model.MqttMessage) {}

// mqttRecordingPublisher bumps the health registry's MQTT counters
// alongside every publish, since mqttpublish.Publisher itself has no
// dependency on internal/health.
type mqttRecordingPublisher struct {
	pub     *mqttpublish.Publisher
	metrics *health.Metrics
}

func (m mqttRecordingPublisher) PublishAll(msgs []model.MqttMessage) {
	for _, msg := range msgs {
		m.pub.Publish(msg)
		m.metrics.RecordMqttPublish(messageType(msg))
	}
}

func messageType(msg model.MqttMessage) string {
	if msg.Retain {
		return "config"
	}
	return "state"
}

// Run starts the tick loop and blocks until a stop signal arrives (via
// Stop, or SIGINT/SIGTERM caught by WaitForSignal) or ctx is cancelled.
// It returns the process exit
// code to use.
func (s *Supervisor) Run(ctx context.Context) int {
	s.log.Info("hoymiles-bridge %s starting", buildinfo.String())
	for _, d := range s.cfg.Dtus {
		s.log.Info("supervisor: polling DTU %q at %s:%d (unit %d) every %ds", d.Name, d.Host, d.Port, d.UnitID, s.cfg.Timing.QueryPeriod)
	}

	if s.healthSrv != nil {
		go func() {
			if err := s.healthSrv.ListenAndServe(); err != nil {
				s.log.Error("supervisor: health server: %v", err)
			}
		}()
	}

	ticker := time.NewTicker(time.Duration(s.cfg.Timing.QueryPeriod) * time.Second)
	defer ticker.Stop()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.coordinator.ExecuteAll(runCtx)

	for {
		select {
		case <-ticker.C:
			s.coordinator.ExecuteAll(runCtx)
		case <-s.stop:
			s.log.Info("supervisor: stop requested, shutting down")
			return s.shutdown()
		case <-ctx.Done():
			s.log.Info("supervisor: context cancelled, shutting down")
			return s.shutdown()
		}
	}
}

// Stop requests a graceful shutdown; safe to call multiple times or
// concurrently with Run.
func (s *Supervisor) Stop() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
}

// WaitForSignal blocks until SIGINT or SIGTERM arrives, then calls Stop.
// Run independently of Run in its own goroutine from main.
func (s *Supervisor) WaitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	s.log.Info("supervisor: received signal %v", sig)
	s.Stop()
}

func (s *Supervisor) shutdown() int {
	if s.healthSrv != nil {
		if err := s.healthSrv.Shutdown(5 * time.Second); err != nil {
			s.log.Warning("supervisor: health server shutdown: %v", err)
		}
	}
	if s.publisher != nil {
		if !s.publisher.Flush(5 * time.Second) {
			s.log.Warning("supervisor: MQTT queue did not drain within 5s, stopping anyway")
		}
		s.publisher.Close()
	}
	if s.store.Enabled() {
		if s.cfg.Persistence.BackupOnShutdown {
			if path, err := s.store.Backup(""); err != nil {
				s.log.Warning("supervisor: backup on shutdown failed: %v", err)
			} else {
				s.log.Info("supervisor: backup written to %s", path)
			}
		}
		s.store.Vacuum()
		s.store.Close()
	}
	s.log.Info("supervisor: shutdown complete")
	return ExitOK
}
