// Command LeadPipe advances WhatsApp leads through timed message sequences,
// tags inactive leads and delivers generated song lyrics.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/genai"
	"github.com/BTreeMap/LeadPipe/internal/lockfile"
	"github.com/BTreeMap/LeadPipe/internal/lyrics"
	"github.com/BTreeMap/LeadPipe/internal/messaging"
	"github.com/BTreeMap/LeadPipe/internal/sequence"
	"github.com/BTreeMap/LeadPipe/internal/store"
	"github.com/BTreeMap/LeadPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/LeadPipe/internal/whatsapp"
)

func main() {
	initializeLogger(os.Getenv("LOG_LEVEL"))
	config := loadEnvironmentConfig()
	if err := newRootCmd(&config).Execute(); err != nil {
		os.Exit(1)
	}
}

// app bundles the components a command runs against.
type app struct {
	cfg        Config
	store      store.Store
	service    messaging.Service
	dispatcher messaging.Dispatcher
	session    *whatsapp.Session
	lock       *lockfile.Lock
	closers    []func()
}

// openStore opens the application database selected by the DSN.
func openStore(cfg Config) (store.Store, error) {
	opts := buildStoreOptions(cfg)
	if store.DetectDSNType(cfg.AppDBDSN) == "postgres" {
		st, err := store.NewPostgresStore(opts...)
		if err != nil {
			return nil, err
		}
		return st, nil
	}
	st, err := store.NewSQLiteStore(opts...)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// newApp opens the store and, when withTransport is set, locks the state
// directory and connects the configured messaging transport.
func newApp(ctx context.Context, cfg Config, purpose string, withTransport bool) (*app, error) {
	a := &app{cfg: cfg}
	if withTransport {
		lock, err := lockfile.AcquireLock(cfg.StateDir, purpose)
		if err != nil {
			return nil, err
		}
		a.lock = lock
	}

	st, err := openStore(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.store = st

	if !withTransport {
		return a, nil
	}
	if err := a.startTransport(ctx, purpose == "serve"); err != nil {
		a.Close()
		return nil, err
	}
	a.dispatcher = a.service
	if cfg.SendRate > 0 {
		slog.Debug("Send rate limit enabled", "per_second", cfg.SendRate, "burst", cfg.SendBurst)
		a.dispatcher = messaging.NewThrottle(a.service, cfg.SendRate, cfg.SendBurst)
	}
	return a, nil
}

func (a *app) startTransport(ctx context.Context, serveWebhook bool) error {
	switch a.cfg.Transport {
	case TransportTwilio:
		client, err := twiliowhatsapp.NewClient(buildTwilioOptions(a.cfg)...)
		if err != nil {
			return err
		}
		svc := messaging.NewTwilioService(client)
		a.service = svc
		a.closers = append(a.closers, func() { svc.Stop() })
		if serveWebhook && a.cfg.TwilioWebhookAddr != "" {
			a.serveTwilioWebhook(svc)
		}
	default:
		session, err := whatsapp.NewSession(ctx, buildWhatsAppOptions(a.cfg)...)
		if err != nil {
			return err
		}
		fetcher := messaging.NewHTTPFetcher()
		fetcher.MediaDir = a.cfg.MediaDir
		svc := messaging.NewWhatsAppService(session.Client(), fetcher)
		session.OnMessage(svc.HandleInbound)
		a.session = session
		a.service = svc
		a.closers = append(a.closers, func() {
			session.Close()
			svc.Stop()
		})
		if err := session.Start(ctx); err != nil {
			return err
		}
	}
	return a.service.Start(ctx)
}

func (a *app) serveTwilioWebhook(svc *messaging.TwilioService) {
	mux := http.NewServeMux()
	mux.HandleFunc("/twilio/webhook", svc.WebhookHandler)
	srv := &http.Server{Addr: a.cfg.TwilioWebhookAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		slog.Info("Twilio webhook listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Twilio webhook server failed", "error", err)
		}
	}()
	a.closers = append(a.closers, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
}

func (a *app) sequenceScheduler() (*sequence.Scheduler, error) {
	opts, err := buildSequenceOptions(a.cfg, a.store)
	if err != nil {
		return nil, err
	}
	return sequence.NewScheduler(a.store, a.dispatcher, opts...), nil
}

// lyricWorkflow builds the lyric workflow. Generation is disabled without an OpenAI key.
func (a *app) lyricWorkflow() (*lyrics.Workflow, error) {
	opts, err := buildLyricOptions(a.cfg)
	if err != nil {
		return nil, err
	}
	var gen lyrics.Generator
	if client, err := genai.NewClient(buildGenAIOptions(a.cfg)...); err == nil {
		gen = client
	} else {
		slog.Warn("Lyric generation disabled", "reason", err)
	}
	return lyrics.NewWorkflow(a.store, gen, a.dispatcher, opts...), nil
}

// Close tears components down in reverse order of creation.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			slog.Warn("Failed to close store", "error", err)
		}
	}
	if a.lock != nil {
		a.lock.Release()
	}
}
