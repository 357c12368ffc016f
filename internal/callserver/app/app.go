// Package app wires the SIP stack, media pool, session engine and HTTP API
// into a running call server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/sebas/callserver/internal/callserver/api"
	"github.com/sebas/callserver/internal/callserver/config"
	"github.com/sebas/callserver/internal/callserver/dialer"
	"github.com/sebas/callserver/internal/callserver/dialog"
	"github.com/sebas/callserver/internal/callserver/drain"
	"github.com/sebas/callserver/internal/callserver/events"
	"github.com/sebas/callserver/internal/callserver/mediaclient"
	"github.com/sebas/callserver/internal/callserver/metrics"
	"github.com/sebas/callserver/internal/callserver/session"
	"github.com/sebas/callserver/internal/callserver/statusstore"
	"github.com/sebas/callserver/internal/callserver/task"
	"github.com/sebas/callserver/internal/callserver/verbs"
	"github.com/sebas/callserver/internal/callserver/webhook"
)

const shutdownTimeout = 10 * time.Second

// CallServer is the running process: SIP signaling in front of the session
// engine, with the HTTP API beside it.
type CallServer struct {
	cfg    *config.Config
	logger *slog.Logger

	ua      *sipgo.UserAgent
	srv     *sipgo.Server
	client  *sipgo.Client
	dialogs *dialog.Manager

	media     *mediaclient.Pool
	tracker   *session.Tracker
	history   statusstore.Store
	publisher events.Publisher
	drain     *drain.Coordinator
	inbound   *inboundRouter
	apiServer *api.Server
}

// NewServer builds every component from cfg. Components whose
// configuration is empty fall back to in-process implementations.
func NewServer(ctx context.Context, cfg *config.Config) (*CallServer, error) {
	logger := slog.Default()
	c := &CallServer{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			c.Close()
		}
	}()

	var err error
	c.ua, err = sipgo.NewUA(sipgo.WithUserAgent("callserver"))
	if err != nil {
		return nil, fmt.Errorf("failed to create user agent: %w", err)
	}
	c.srv, err = sipgo.NewServer(c.ua)
	if err != nil {
		return nil, fmt.Errorf("failed to create server: %w", err)
	}
	c.client, err = sipgo.NewClient(c.ua)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	contact := sip.Uri{
		Scheme: "sip",
		User:   "callserver",
		Host:   cfg.AdvertiseAddr,
		Port:   cfg.Port,
	}
	c.dialogs = dialog.NewManager(dialog.Config{
		Client: c.client,
		DialogUA: &sipgo.DialogUA{
			Client:     c.client,
			ContactHDR: sip.ContactHeader{Address: contact},
		},
		Contact: contact,
	})

	logger.Info("[App] Connecting to media pool", "nodes", cfg.MediaNodes)
	poolCfg := mediaclient.DefaultPoolConfig()
	poolCfg.NodeAddresses = cfg.MediaNodes
	poolCfg.KeepaliveInterval = cfg.GRPCKeepaliveInterval
	poolCfg.KeepaliveTimeout = cfg.GRPCKeepaliveTimeout
	c.media, err = mediaclient.NewPool(poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create media pool: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New("callserver", reg)

	if cfg.DatabaseURL != "" {
		pg, err := statusstore.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open status store: %w", err)
		}
		c.history = pg
		logger.Info("[App] Status history in PostgreSQL")
	} else {
		c.history = statusstore.NewMemory(cfg.StatusTTL)
	}

	bus := events.NewLocalBus()
	publishers := []events.Publisher{bus}
	if cfg.NATSURL != "" {
		natsCfg := events.DefaultNATSConfig()
		natsCfg.URL = cfg.NATSURL
		if cfg.NATSStream != "" {
			natsCfg.StreamName = cfg.NATSStream
		}
		np, err := events.NewNATSPublisher(ctx, natsCfg, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		publishers = append(publishers, np)
	}
	c.publisher = events.NewMultiPublisher(publishers...)

	hooks := timedHooks{client: webhook.NewClient(cfg.WebhookTimeout, logger), metrics: m}
	registry := task.NewRegistry()

	c.tracker = session.NewTracker(logger)
	c.tracker.OnChange(m.SetActiveSessions)

	sessCfg := session.Config{
		Logger:  logger,
		Tracker: c.tracker,
		Media:   c.media,
		Parser:  registry,
		Fetcher: hooks,
		Sinks: session.Sinks{
			Notifier:   hooks,
			StatusHook: webhook.Hook{URL: cfg.StatusHook},
			Store:      c.history,
			Publisher:  events.NewStatusPublisher(events.NewBuilder(cfg.InstanceID), c.publisher),
			Metrics:    m,
			Origin:     cfg.InstanceID,
		},
		MovedGrace: cfg.MovedGrace,
	}

	var auth *dialog.Credentials
	if cfg.SIPAuthUser != "" {
		auth = &dialog.Credentials{Username: cfg.SIPAuthUser, Password: cfg.SIPAuthPassword}
	}
	dialCfg := dialer.Config{
		Logger:   logger,
		Inviter:  dialer.ManagerInviter(c.dialogs),
		Media:    c.media,
		Session:  sessCfg,
		Registry: dialer.NewRegistry(),
		Trunk:    cfg.OutboundTrunk,
		Domain:   cfg.SIPDomain,
		Auth:     auth,
		Metrics:  m,
	}

	var messenger verbs.Messenger
	if cfg.MessagingHook != "" {
		messenger = hookMessenger{hook: webhook.Hook{URL: cfg.MessagingHook}, client: hooks}
	}
	verbs.Register(registry, verbs.Deps{
		Logger:    logger,
		Fetcher:   hooks,
		Parser:    registry,
		Dialer:    dialCfg,
		Messenger: messenger,
	})
	logger.Info("[App] Verbs registered", "verbs", registry.Verbs())

	c.drain = drain.NewCoordinator(drainSessions{tracker: c.tracker}, logger)
	c.drain.OnChange(m.SetDraining)

	c.inbound = &inboundRouter{
		logger:         logger,
		session:        sessCfg,
		fetcher:        hooks,
		parser:         registry,
		appHook:        webhook.Hook{URL: cfg.AppHook},
		accountSid:     cfg.AccountSid,
		applicationSid: cfg.ApplicationID,
	}

	c.apiServer = api.NewServer(api.Options{
		Addr:     cfg.APIAddr,
		Logger:   logger,
		Sessions: c.tracker,
		Originator: &Originator{
			Logger:         logger,
			Session:        sessCfg,
			Dialer:         dialCfg,
			Parser:         registry,
			Fetcher:        hooks,
			AccountSid:     cfg.AccountSid,
			ApplicationSid: cfg.ApplicationID,
			DialTimeout:    cfg.DialTimeout,
		},
		Drain:        c.drain,
		History:      c.history,
		Events:       bus,
		Metrics:      metrics.Handler(reg),
		DrainTimeout: cfg.DrainTimeout,
		DrainTarget:  cfg.DrainTarget,
	})

	c.srv.OnRequest(sip.INVITE, c.handleINVITE)
	c.srv.OnRequest(sip.ACK, c.dialogs.HandleACK)
	c.srv.OnRequest(sip.BYE, c.dialogs.HandleBYE)
	c.srv.OnRequest(sip.CANCEL, c.dialogs.HandleCANCEL)
	c.srv.OnRequest(sip.REFER, c.dialogs.HandleREFER)
	c.srv.OnRequest(sip.NOTIFY, c.dialogs.HandleNOTIFY)
	c.srv.OnRequest(sip.OPTIONS, c.handleOPTIONS)

	logger.Info("[App] SIP handlers registered", "methods", "INVITE, ACK, BYE, CANCEL, REFER, NOTIFY, OPTIONS")
	logger.Info("[App] Configuration",
		"port", cfg.Port,
		"bind", cfg.BindAddr,
		"advertise", cfg.AdvertiseAddr,
		"instance_id", cfg.InstanceID,
	)
	ok = true
	return c, nil
}

// Start serves the HTTP API and SIP until ctx ends.
func (c *CallServer) Start(ctx context.Context) error {
	if err := c.apiServer.Start(); err != nil {
		return fmt.Errorf("start API server: %w", err)
	}

	listenAddr := fmt.Sprintf("%s:%d", c.cfg.BindAddr, c.cfg.Port)
	c.logger.Info("[App] Starting SIP server", "listen_addr", listenAddr)
	if err := c.srv.ListenAndServe(ctx, "udp", listenAddr); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("listen on %s: %w", listenAddr, err)
	}
	return nil
}

// Drain starts a drain with the configured defaults and waits for it to
// finish or ctx to end.
func (c *CallServer) Drain(ctx context.Context, mode drain.Mode) error {
	req := drain.Request{Mode: mode, Timeout: c.cfg.DrainTimeout}
	if mode == drain.ModeAggressive {
		req.Target = c.cfg.DrainTarget
	}
	if _, err := c.drain.Start(ctx, req); err != nil && !errors.Is(err, drain.ErrAlreadyDraining) {
		return err
	}
	return c.drain.Wait(ctx)
}

func (c *CallServer) handleINVITE(req *sip.Request, tx sip.ServerTransaction) {
	if c.dialogs.IsInDialog(req) {
		c.dialogs.HandleReINVITE(req, tx)
		return
	}
	if c.drain.Draining() {
		c.logger.Info("[App] Rejecting INVITE while draining", "call_id", req.CallID())
		c.respond(req, tx, 503, "Service Unavailable")
		return
	}

	leg, err := c.dialogs.NewInboundLeg(req, tx)
	if err != nil {
		c.logger.Warn("[App] Cannot accept INVITE", "error", err)
		return
	}
	go c.inbound.run(leg)
}

func (c *CallServer) handleOPTIONS(req *sip.Request, tx sip.ServerTransaction) {
	if c.drain.Draining() {
		c.respond(req, tx, 503, "Service Unavailable")
		return
	}
	c.respond(req, tx, 200, "OK")
}

func (c *CallServer) respond(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	res := sip.NewResponseFromRequest(req, sip.StatusCode(code), reason, nil)
	if err := tx.Respond(res); err != nil {
		c.logger.Error("[App] Error sending response", "status", code, "error", err)
	}
}

// Close hangs up what is still live and releases every component.
func (c *CallServer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if c.apiServer != nil {
		if err := c.apiServer.Stop(ctx); err != nil {
			c.logger.Warn("[App] API shutdown", "error", err)
		}
	}
	if c.tracker != nil {
		for _, s := range c.tracker.List() {
			s.Kill(ctx)
		}
	}
	if c.dialogs != nil {
		c.dialogs.HangupAll(ctx)
		c.dialogs.Close()
	}
	if c.media != nil {
		if err := c.media.Close(); err != nil {
			c.logger.Warn("[App] Media pool close", "error", err)
		}
	}
	if c.publisher != nil {
		if err := c.publisher.Flush(ctx); err != nil {
			c.logger.Warn("[App] Event flush", "error", err)
		}
		_ = c.publisher.Close()
	}
	if c.history != nil {
		c.history.Close()
	}
	if c.ua != nil {
		return c.ua.Close()
	}
	return nil
}
