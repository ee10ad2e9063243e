// Package api provides HTTP handlers and the main server logic for CalWeave.
//
// It exposes endpoints for inspecting jobs and their stage records, resuming
// test-mode paused jobs, receiving flow form submissions, and the Twilio
// inbound webhook. Run wires every module together: store, durable queue,
// messaging channel, pipeline, clarification engine, and watchdog.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/CalWeave/CalWeave/internal/calendar"
	"github.com/CalWeave/CalWeave/internal/clarify"
	"github.com/CalWeave/CalWeave/internal/genai"
	"github.com/CalWeave/CalWeave/internal/messaging"
	"github.com/CalWeave/CalWeave/internal/pipeline"
	"github.com/CalWeave/CalWeave/internal/queue"
	"github.com/CalWeave/CalWeave/internal/scheduler"
	"github.com/CalWeave/CalWeave/internal/store"
	"github.com/CalWeave/CalWeave/internal/transcribe"
	"github.com/CalWeave/CalWeave/internal/twiliowhatsapp"
	"github.com/CalWeave/CalWeave/internal/whatsapp"
)

// Default server configuration.
const (
	DefaultAddr         = ":8080"
	DefaultWatchdogCron = "* * * * *"
	// DefaultShutdownTimeout bounds graceful HTTP shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// ChannelWhatsApp selects the Whatsmeow-backed channel.
	ChannelWhatsApp = "whatsapp"
	// ChannelTwilio selects the Twilio-backed channel.
	ChannelTwilio = "twilio"
)

// Opts holds configuration options for the API server.
type Opts struct {
	Addr               string
	Channel            string
	MediaDir           string
	BridgeBaseURL      string
	BridgeToken        string
	TranscribeProvider string
	ExpiryWindow       time.Duration
	WatchdogCron       string
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the HTTP listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithChannel selects the messaging channel ("whatsapp" or "twilio").
func WithChannel(channel string) Option {
	return func(o *Opts) { o.Channel = channel }
}

// WithMediaDir sets where downloaded voice notes are staged.
func WithMediaDir(dir string) Option {
	return func(o *Opts) { o.MediaDir = dir }
}

// WithCalendarBridge sets the calendar bridge endpoint and bearer token.
func WithCalendarBridge(baseURL, token string) Option {
	return func(o *Opts) {
		o.BridgeBaseURL = baseURL
		o.BridgeToken = token
	}
}

// WithTranscribeProvider selects the transcription backend.
func WithTranscribeProvider(provider string) Option {
	return func(o *Opts) { o.TranscribeProvider = provider }
}

// WithExpiryWindow sets how long clarifications wait before expiring.
func WithExpiryWindow(d time.Duration) Option {
	return func(o *Opts) { o.ExpiryWindow = d }
}

// WithWatchdogCron sets the sweep schedule for reminders and expiry.
func WithWatchdogCron(expr string) Option {
	return func(o *Opts) { o.WatchdogCron = expr }
}

// Server bundles the HTTP surface with the modules its handlers reach into.
type Server struct {
	addr       string
	st         store.Store
	msgService messaging.Service
	clarifier  *clarify.Engine
	pl         *pipeline.Pipeline
	twilio     *messaging.TwilioService
}

// NewServer creates a Server from its collaborators. twilio may be nil when
// the WhatsApp channel is active.
func NewServer(addr string, st store.Store, msgService messaging.Service, clarifier *clarify.Engine, pl *pipeline.Pipeline, twilio *messaging.TwilioService) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	return &Server{
		addr:       addr,
		st:         st,
		msgService: msgService,
		clarifier:  clarifier,
		pl:         pl,
		twilio:     twilio,
	}
}

// Routes builds the HTTP mux for the server.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/jobs/", s.jobsHandler)
	mux.HandleFunc("/messages", s.messagesHandler)
	mux.HandleFunc("/flow/submissions", s.flowSubmissionHandler)
	mux.HandleFunc("/flow/dispatch", s.flowDispatchHandler)
	if s.twilio != nil {
		mux.HandleFunc("/webhook/twilio", s.twilio.TwilioWebhookHandler)
	}
	return mux
}

// backingStore is the full persistence surface Run wires together: domain
// records, the durable task queue, and inbound dedup.
type backingStore interface {
	store.Store
	store.TaskRepo
	store.DedupRepo
}

// openStore builds the configured backend: Postgres or SQLite when a DSN is
// given, in-memory otherwise.
func openStore(storeOpts []store.Option) (backingStore, error) {
	var cfg store.Opts
	for _, opt := range storeOpts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		slog.Warn("api.openStore: no DSN configured, using in-memory store")
		return store.NewInMemoryStore(), nil
	}
	if store.DetectDSNType(cfg.DSN) == "postgres" {
		return store.NewPostgresStore(storeOpts...)
	}
	return store.NewSQLiteStore(storeOpts...)
}

// buildMessagingService constructs the selected channel service.
func buildMessagingService(channel string, waOpts []whatsapp.Option) (messaging.Service, *messaging.TwilioService, pipeline.MediaDownloader, error) {
	if channel == ChannelTwilio {
		twilioClient, err := twiliowhatsapp.NewClient()
		if err != nil {
			return nil, nil, nil, fmt.Errorf("twilio client setup failed: %w", err)
		}
		svc := messaging.NewTwilioService(twilioClient)
		// Twilio carries no voice notes in this deployment; downloads will
		// not be requested because intake only sees text.
		return svc, svc, nil, nil
	}

	waClient, err := whatsapp.NewClient(waOpts...)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("whatsapp client setup failed: %w", err)
	}
	return messaging.NewWhatsAppService(waClient), nil, waClient, nil
}

// Run wires all modules together and serves until interrupted.
func Run(waOpts []whatsapp.Option, storeOpts []store.Option, genaiOpts []genai.Option, apiOpts []Option) error {
	var cfg Opts
	for _, opt := range apiOpts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.WatchdogCron == "" {
		cfg.WatchdogCron = DefaultWatchdogCron
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(storeOpts)
	if err != nil {
		return fmt.Errorf("store setup failed: %w", err)
	}
	defer st.Close()

	var genaiCfg genai.Opts
	for _, opt := range genaiOpts {
		opt(&genaiCfg)
	}
	gaClient, err := genai.NewClient(genaiOpts...)
	if err != nil {
		return fmt.Errorf("genai client setup failed: %w", err)
	}

	transcriber, err := transcribe.New(cfg.TranscribeProvider, genaiCfg.APIKey)
	if err != nil {
		return fmt.Errorf("transcriber setup failed: %w", err)
	}

	var calOpts []calendar.Option
	if cfg.BridgeBaseURL != "" {
		calOpts = append(calOpts, calendar.WithBaseURL(cfg.BridgeBaseURL))
	}
	if cfg.BridgeToken != "" {
		calOpts = append(calOpts, calendar.WithToken(cfg.BridgeToken))
	}
	calService, err := calendar.NewBridgeClient(calOpts...)
	if err != nil {
		return fmt.Errorf("calendar bridge setup failed: %w", err)
	}

	msgService, twilioService, downloader, err := buildMessagingService(cfg.Channel, waOpts)
	if err != nil {
		return err
	}

	runner := queue.NewRunner(st, 0)

	var clarifyOpts []clarify.Option
	if cfg.ExpiryWindow > 0 {
		clarifyOpts = append(clarifyOpts, clarify.WithExpiryWindow(cfg.ExpiryWindow))
	}
	engine := clarify.NewEngine(st, runner, msgService, clarifyOpts...)

	var pipeOpts []pipeline.Option
	if cfg.MediaDir != "" {
		pipeOpts = append(pipeOpts, pipeline.WithMediaDir(cfg.MediaDir))
	}
	pl := pipeline.NewPipeline(st, runner, downloader, transcriber, gaClient, calService, engine, msgService, pipeOpts...)
	pl.Register(runner)

	if err := runner.RecoverStaleTasks(); err != nil {
		slog.Error("api.Run: stale task recovery failed", "error", err)
	}
	go runner.Run(ctx)

	if err := msgService.Start(ctx); err != nil {
		return fmt.Errorf("messaging service start failed: %w", err)
	}
	defer msgService.Stop()

	respHandler := messaging.NewResponseHandler(msgService, st, engine, pl)
	respHandler.Start(ctx)

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if err := sched.AddJob(cfg.WatchdogCron, func() {
		engine.Sweep(context.Background())
	}); err != nil {
		return fmt.Errorf("watchdog schedule failed: %w", err)
	}

	server := NewServer(cfg.Addr, st, msgService, engine, pl, twilioService)
	httpSrv := &http.Server{Addr: server.addr, Handler: server.Routes()}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("api.Run: HTTP server listening", "addr", server.addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	slog.Info("api.Run: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown failed: %w", err)
	}
	return nil
}
