package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/capability"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/journal"
	"github.com/loqalabs/loqa-voice/internal/modelstore"
	"github.com/loqalabs/loqa-voice/internal/natsserver"
	"github.com/loqalabs/loqa-voice/internal/pipeline"
	"github.com/loqalabs/loqa-voice/internal/stt"
	"github.com/loqalabs/loqa-voice/internal/tts"
)

// Runtime owns the daemon lifecycle: telemetry, bus, journal, engines,
// the voice service and the health endpoints.
type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error

	busClient *bus.Client
	service   *pipeline.Service
	registry  *capability.Registry

	ready atomic.Bool
	wg    sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start wires every component and blocks until ctx is cancelled, then
// shuts down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("start embedded bus: %w", err)
	}
	defer embedded.Shutdown()

	busCfg := r.cfg.Bus
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}
	busClient, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("connect to bus: %w", err)
	}
	defer busClient.Close()
	r.busClient = busClient

	jnl, err := journal.Open(ctx, r.cfg.Journal, r.logger)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer jnl.Close()

	models := modelstore.New(r.cfg.Models, r.logger)

	backends, err := stt.NewBackends(r.cfg.Recognition, models, r.logger)
	if err != nil {
		return fmt.Errorf("build recognition backends: %w", err)
	}
	defer stt.CloseBackends(backends)
	orch := stt.NewOrchestrator(backends, stt.Timeouts(r.cfg.Recognition), r.logger)

	sanitizer := stt.NewSanitizer()
	if dir := r.cfg.Pipeline.LexiconDir; dir != "" {
		if err := sanitizer.LoadDir(dir); err != nil {
			return fmt.Errorf("load lexicons: %w", err)
		}
	}

	engine, err := tts.NewEngine(r.cfg.Synthesis)
	if err != nil {
		return fmt.Errorf("build synthesis engine: %w", err)
	}
	synth := tts.NewSynthesizer(r.cfg.Synthesis, engine, r.logger)

	pipe := pipeline.New(r.cfg.Pipeline,
		audio.NewDecoder(r.cfg.Pipeline, r.logger),
		audio.NewNormalizer(r.logger),
		orch, sanitizer, r.logger)

	service := pipeline.NewService(ctx, r.cfg.Pipeline, r.cfg.Synthesis, busClient, pipe, synth, jnl, r.logger)
	if err := service.Start(); err != nil {
		return fmt.Errorf("start voice service: %w", err)
	}
	defer service.Close()
	r.service = service

	nodeCfg := r.cfg.Node
	nodeCfg.Capabilities = append(voiceCapabilities(r.cfg), nodeCfg.Capabilities...)
	registry, err := capability.NewRegistry(ctx, nodeCfg, busClient, r.logger)
	if err != nil {
		return fmt.Errorf("start capability registry: %w", err)
	}
	defer registry.Close()
	r.registry = registry

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	if metricsHandler != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				r.logger.Error("metrics server failed", slog.String("error", err.Error()))
			}
		}()
	}

	r.ready.Store(true)
	r.logger.Info("voice runtime started",
		slog.String("addr", addr),
		slog.Bool("transcription", r.cfg.Pipeline.Enabled),
		slog.Bool("synthesis", r.cfg.Synthesis.Enabled))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("voice runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if r.metricsServer != nil {
		if err := r.metricsServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.componentsHealthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) componentsHealthy() bool {
	if r.busClient != nil && !r.busClient.Healthy() {
		return false
	}
	if r.service != nil && !r.service.Healthy() {
		return false
	}
	if r.registry != nil && !r.registry.Healthy() {
		return false
	}
	return true
}

// voiceCapabilities derives the advertised capabilities from what the
// config actually enables.
func voiceCapabilities(cfg config.Config) []config.NodeCapability {
	var caps []config.NodeCapability
	if cfg.Pipeline.Enabled {
		tier := "offline"
		if cfg.Recognition.Cloud.Enabled {
			tier = "cloud"
		}
		caps = append(caps, config.NodeCapability{
			Name: "voice.transcribe",
			Tier: tier,
			Attributes: map[string]string{
				"language": cfg.Pipeline.DefaultLanguage,
				"cloud":    strconv.FormatBool(cfg.Recognition.Cloud.Enabled),
				"stream":   strconv.FormatBool(cfg.Recognition.Stream.Enabled),
				"batch":    strconv.FormatBool(cfg.Recognition.Batch.Enabled),
			},
		})
	}
	if cfg.Synthesis.Enabled {
		attrs := map[string]string{"mode": cfg.Synthesis.Mode}
		if cfg.Synthesis.Voice != "" {
			attrs["voice"] = cfg.Synthesis.Voice
		}
		caps = append(caps, config.NodeCapability{
			Name:       "voice.synthesize",
			Tier:       cfg.Synthesis.Mode,
			Attributes: attrs,
		})
	}
	return caps
}
