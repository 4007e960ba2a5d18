package daemon

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/inboxd/internal/alert"
	"github.com/matheus3301/inboxd/internal/api"
	"github.com/matheus3301/inboxd/internal/backend"
	"github.com/matheus3301/inboxd/internal/bus"
	"github.com/matheus3301/inboxd/internal/commands"
	"github.com/matheus3301/inboxd/internal/config"
	"github.com/matheus3301/inboxd/internal/credential"
	"github.com/matheus3301/inboxd/internal/dispatch"
	"github.com/matheus3301/inboxd/internal/lock"
	"github.com/matheus3301/inboxd/internal/logging"
	"github.com/matheus3301/inboxd/internal/metrics"
	"github.com/matheus3301/inboxd/internal/outbox"
	"github.com/matheus3301/inboxd/internal/poll"
	"github.com/matheus3301/inboxd/internal/profile"
	"github.com/matheus3301/inboxd/internal/realtime"
	"github.com/matheus3301/inboxd/internal/rooms"
	"github.com/matheus3301/inboxd/internal/status"
	"github.com/matheus3301/inboxd/internal/store"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
	SocketPath  string // optional override for testing; empty = use default
	Config      *config.Config
}

func (p Params) config() *config.Config {
	if p.Config == nil {
		return config.Default()
	}
	return p.Config
}

func (p Params) credentialPath() string {
	if path := p.config().CredentialPath; path != "" {
		return path
	}
	return profile.TokenPath(p.ProfileName)
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideMetrics,
			provideLock,
			provideStore,
			provideCredentialSource,
			provideBackend,
			provideManager,
			provideChime,
			provideDispatcher,
			provideTracker,
			provideScheduler,
			provideInbox,
			provideSender,
			provideRunner,
			provideWatcher,
			provideService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName, p.config().LogLevel)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideMetrics() *metrics.Metrics {
	return metrics.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(profile.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) (*store.DB, error) {
	db, err := store.Open(store.WithBus(b), store.WithMetrics(m))
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("cache initialized", zap.Uint("version", result.Version))
	return db, nil
}

func provideCredentialSource(p Params) credential.FileSource {
	return credential.FileSource{Path: p.credentialPath()}
}

func provideBackend(p Params, src credential.FileSource) *backend.Client {
	return backend.New(p.config().APIBase, backend.WithToken(src.Token))
}

func provideManager(p Params, machine *status.Machine, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *realtime.Manager {
	cfg := p.config()
	channel := cfg.ChannelURL()
	dialer := realtime.FallbackDialer{
		realtime.WSDialer{ChannelURL: channel},
		realtime.LongPollDialer{ChannelURL: channel},
	}
	return realtime.NewManager(dialer, machine,
		realtime.WithLogger(logger.Named("realtime")),
		realtime.WithBus(b),
		realtime.WithMetrics(m),
		realtime.WithReconnectPolicy(realtime.ReconnectPolicy{
			Attempts:     cfg.Reconnect.Attempts,
			InitialDelay: cfg.Reconnect.InitialDelay.Duration,
			MaxDelay:     cfg.Reconnect.MaxDelay.Duration,
		}),
	)
}

func provideChime(p Params) alert.Chime {
	if !p.config().Alerts {
		return alert.Nop{}
	}
	return alert.NewLazy(alert.Default)
}

func provideDispatcher(db *store.DB, b *bus.Bus, chime alert.Chime, m *metrics.Metrics, logger *zap.Logger) *dispatch.Dispatcher {
	return dispatch.New(db,
		dispatch.WithBus(b),
		dispatch.WithChime(chime),
		dispatch.WithMetrics(m),
		dispatch.WithLogger(logger.Named("dispatch")),
	)
}

func provideTracker(mgr *realtime.Manager, logger *zap.Logger) *rooms.Tracker {
	return rooms.NewTracker(mgr, logger.Named("rooms"))
}

func provideScheduler(p Params, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *poll.Scheduler {
	return poll.NewScheduler(
		poll.WithBus(b),
		poll.WithMetrics(m),
		poll.WithLogger(logger.Named("poll")),
		poll.WithRefocusGap(p.config().Poll.RefocusGap.Duration),
	)
}

func provideInbox(p Params, sched *poll.Scheduler, client *backend.Client, db *store.DB) *poll.Inbox {
	pc := p.config().Poll
	return poll.NewInbox(sched, client, db, poll.Intervals{
		Messages:      pc.Messages.Duration,
		Conversations: pc.Conversations.Duration,
		Stats:         pc.Stats.Duration,
		Notifications: pc.Notifications.Duration,
		UnreadCount:   pc.UnreadCount.Duration,
		CallLog:       pc.CallLog.Duration,
		ActiveCalls:   pc.ActiveCalls.Duration,
	})
}

func provideSender(p Params, db *store.DB, client *backend.Client, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *outbox.Sender {
	s := outbox.NewSender(db, client, b, m, logger.Named("outbox"))
	s.SetTimeout(p.config().Outbox.Timeout.Duration)
	return s
}

func provideRunner(client *backend.Client, db *store.DB, logger *zap.Logger) *commands.Runner {
	return commands.NewRunner(client, db, logger.Named("commands"))
}

func provideWatcher(p Params, src credential.FileSource, mgr *realtime.Manager, b *bus.Bus, logger *zap.Logger) *credential.Watcher {
	return credential.NewWatcher(src, mgr,
		credential.WithWatchPath(p.credentialPath()),
		credential.WithBus(b),
		credential.WithLogger(logger.Named("credential")),
	)
}

func provideService(
	p Params,
	machine *status.Machine,
	db *store.DB,
	b *bus.Bus,
	sender *outbox.Sender,
	runner *commands.Runner,
	tracker *rooms.Tracker,
	inbox *poll.Inbox,
	sched *poll.Scheduler,
	mgr *realtime.Manager,
	logger *zap.Logger,
) *api.Service {
	return api.NewService(p.ProfileName, api.Deps{
		Machine: machine,
		Cache:   db,
		Bus:     b,
		Sender:  sender,
		Runner:  runner,
		Rooms:   tracker,
		Poller:  inbox,
		Focus:   sched,
		Channel: mgr,
		Logger:  logger.Named("api"),
	})
}

type lifecycleDeps struct {
	fx.In

	Params     Params
	Server     *Server
	Lock       *lock.Lock
	DB         *store.DB
	Manager    *realtime.Manager
	Dispatcher *dispatch.Dispatcher
	Tracker    *rooms.Tracker
	Scheduler  *poll.Scheduler
	Inbox      *poll.Inbox
	Sender     *outbox.Sender
	Watcher    *credential.Watcher
	Metrics    *metrics.Metrics
	Bus        *bus.Bus
	Logger     *zap.Logger
}

// purgeOnIdentityChange empties the cache when the credential goes away or
// switches to another subject, so one agent never sees another's inbox.
func purgeOnIdentityChange(ctx context.Context, b *bus.Bus, db *store.DB, logger *zap.Logger) {
	ch, unsub := b.Subscribe(bus.KindCredentialSeen, 16)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-ch:
			change, ok := evt.Payload.(credential.Change)
			if !ok || !change.IdentityChanged() {
				continue
			}
			if _, err := db.Reset(); err != nil {
				logger.Error("failed to purge cache", zap.Error(err))
				continue
			}
			logger.Info("cache purged", zap.String("previous_subject", change.PreviousSubject), zap.String("subject", change.Subject))
		}
	}
}

func registerLifecycle(lc fx.Lifecycle, d lifecycleDeps) {
	var (
		cancel     context.CancelFunc
		watcherErr = make(chan error, 1)
		metricsSrv *http.Server
	)
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())

			// Frames are applied to the cache; rooms are re-joined on
			// every new connection before frames are read.
			d.Manager.SetHandler(d.Dispatcher.Handle)
			d.Manager.OnConnected(d.Tracker.Rejoin)

			// Start gRPC server in background.
			go func() {
				if err := d.Server.Start(); err != nil {
					d.Logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			if addr := d.Params.config().MetricsAddr; addr != "" {
				ln, err := net.Listen("tcp", addr)
				if err != nil {
					cancel()
					return err
				}
				mux := http.NewServeMux()
				mux.Handle("/metrics", d.Metrics.Handler())
				metricsSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
				go func() {
					if err := metricsSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
						d.Logger.Error("metrics server error", zap.Error(err))
					}
				}()
				d.Logger.Info("metrics listening", zap.String("addr", ln.Addr().String()))
			}

			d.Scheduler.Start(ctx)
			d.Sender.Start(ctx)
			go purgeOnIdentityChange(ctx, d.Bus, d.DB, d.Logger)

			// The watcher connects the push channel once a credential shows up.
			go func() { watcherErr <- d.Watcher.Run(ctx) }()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			select {
			case err := <-watcherErr:
				if err != nil {
					d.Logger.Warn("credential watcher stopped", zap.Error(err))
				}
			case <-ctx.Done():
			}
			d.Sender.Stop()
			d.Scheduler.Stop()
			d.Manager.Close()
			d.Server.Stop(ctx)
			if metricsSrv != nil {
				_ = metricsSrv.Shutdown(ctx)
			}
			if err := d.DB.Close(); err != nil {
				d.Logger.Warn("error closing cache", zap.Error(err))
			}
			if err := d.Lock.Release(); err != nil {
				d.Logger.Warn("error releasing lock", zap.Error(err))
			}
			d.Logger.Info("daemon stopped")
			_ = d.Logger.Sync()
			return nil
		},
	})
}
