// Package app wires the engine together: the local store, the counter
// ledger, the IMAP and SMTP remote, the mutation queue, inbound sync and
// the HTTP API.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/vdavid/vmail/engine/internal/api"
	"github.com/vdavid/vmail/engine/internal/auth"
	"github.com/vdavid/vmail/engine/internal/config"
	"github.com/vdavid/vmail/engine/internal/connectivity"
	"github.com/vdavid/vmail/engine/internal/crypto"
	"github.com/vdavid/vmail/engine/internal/db"
	"github.com/vdavid/vmail/engine/internal/imap"
	"github.com/vdavid/vmail/engine/internal/ledger"
	"github.com/vdavid/vmail/engine/internal/queue"
	"github.com/vdavid/vmail/engine/internal/smtp"
	"github.com/vdavid/vmail/engine/internal/tasks"
	ws "github.com/vdavid/vmail/engine/internal/websocket"
)

const (
	maxWebSocketClients = 10
	eventBuffer         = 256
	shutdownTimeout     = 10 * time.Second
)

// App is a fully wired engine.
type App struct {
	cfg      *config.Config
	db       *pgxpool.Pool
	imapPool *imap.Pool
	prober   *connectivity.Prober
	queue    *queue.Queue
	syncer   *imap.Syncer
	listener *imap.Listener
	hub      *ws.Hub
	handler  http.Handler
}

// New connects to the database, migrates it and builds every component.
// Nothing runs until Run.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	pool, err := db.NewConnection(ctx, cfg)
	if err != nil {
		return nil, err
	}
	app, err := build(ctx, cfg, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return app, nil
}

func build(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) (*App, error) {
	if err := db.Migrate(ctx, pool); err != nil {
		return nil, err
	}

	encryptor, err := crypto.NewEncryptor(cfg.EncryptionKeyBase64)
	if err != nil {
		return nil, fmt.Errorf("failed to create encryptor: %w", err)
	}

	a := &App{cfg: cfg, db: pool, hub: ws.NewHub(maxWebSocketClients)}

	// A clamped counter has drifted; the next sync pass ends in a recount.
	counters := ledger.New(pool, ledger.WithClampHook(func(ledger.Clamp) {
		if a.syncer != nil {
			a.syncer.Trigger()
		}
	}))

	a.imapPool = imap.NewPool(imap.Credentials{
		Server:   cfg.IMAPServer,
		Username: cfg.IMAPUsername,
		Password: cfg.IMAPPassword,
		UseTLS:   cfg.IMAPUseTLS,
	}, cfg.IMAPMaxWorkers)

	var sender imap.Sender
	if cfg.SMTPServer != "" {
		sender = smtp.NewSender(smtp.Config{
			Server:   cfg.SMTPServer,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			Security: smtp.Security(cfg.SMTPSecurity),
		})
	} else {
		log.Warnf("App: VMAIL_SMTP_SERVER is not set, sending is disabled")
	}

	remoteClient, err := imap.NewClient(a.imapPool, cfg.Folders, sender)
	if err != nil {
		a.imapPool.Close()
		return nil, err
	}

	factory := tasks.NewFactory(&tasks.Deps{
		DB:        pool,
		Ledger:    counters,
		Remote:    remoteClient,
		Crypto:    crypto.NewKeyEngine(crypto.DefaultArgon2Params),
		Encryptor: encryptor,
	})

	a.prober = connectivity.NewProber(cfg.IMAPServer, cfg.ConnectivityProbeInterval)
	a.queue = queue.New(db.NewTaskStore(pool), factory, a.prober, queue.Options{
		Workers:     cfg.QueueWorkers,
		RetryLimit:  cfg.QueueRetryLimit,
		BackoffBase: cfg.QueueBackoffBase,
		BackoffMax:  cfg.QueueBackoffMax,
		RunTimeout:  cfg.QueueRunTimeout,
	})

	a.syncer, err = imap.NewSyncer(a.imapPool, cfg.Folders, pool, counters, a.queue.Busy)
	if err != nil {
		a.imapPool.Close()
		return nil, err
	}
	a.listener = imap.NewListener(a.imapPool, cfg.Folders.Inbox, a.syncer.Trigger)

	a.prober.OnChange(func(connected bool) {
		if connected {
			a.queue.Wake()
			a.syncer.Trigger()
		}
	})

	// Folder preparation needs the server; when it is down the first remote
	// phase reports the problem instead.
	if err := remoteClient.Prepare(ctx); err != nil {
		log.Warnf("App: failed to prepare IMAP folders: %v", err)
	}

	authenticator := auth.New(cfg.APIToken)
	a.handler = NewRouter(
		authenticator,
		api.NewActionsHandler(a.queue, factory),
		api.NewCountersHandler(counters),
		api.NewWebSocketHandler(authenticator, a.hub),
	)

	return a, nil
}

// Handler returns the HTTP API.
func (a *App) Handler() http.Handler {
	return a.handler
}

// Run starts the queue, inbound sync and the HTTP server on addr, and
// blocks until ctx is done or a component fails.
func (a *App) Run(ctx context.Context, addr string) error {
	g, ctx := errgroup.WithContext(ctx)

	events, unsubscribe := a.queue.Subscribe(eventBuffer)
	defer unsubscribe()

	if err := a.queue.Start(ctx); err != nil {
		return fmt.Errorf("failed to start queue: %w", err)
	}

	g.Go(func() error {
		a.prober.Run(ctx)
		return nil
	})
	g.Go(func() error {
		a.hub.Forward(ctx, events)
		return nil
	})
	g.Go(func() error {
		return a.syncer.Run(ctx, a.cfg.SyncInterval)
	})
	g.Go(func() error {
		a.listener.Run(ctx)
		return nil
	})
	g.Go(func() error {
		a.queue.Wait()
		return nil
	})

	server := &http.Server{
		Addr:              addr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		log.Printf("V-Mail engine listening on %s (environment: %s)", addr, a.cfg.Environment)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		a.hub.Close()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Close releases the IMAP connections and the database pool.
func (a *App) Close() {
	a.imapPool.Close()
	db.CloseConnection(a.db)
}
