// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/feedbridge/adaptor"
	"github.com/hashicorp/feedbridge/adaptor/execadaptor"
	"github.com/hashicorp/feedbridge/feed"
	"github.com/hashicorp/feedbridge/helper/shutdown"
	"github.com/hashicorp/feedbridge/helper/tlsutil"
	"github.com/hashicorp/feedbridge/helper/watchdog"
	"github.com/hashicorp/feedbridge/journal"
	"github.com/hashicorp/feedbridge/pusher"
	"github.com/hashicorp/feedbridge/server"
	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	goversion "github.com/hashicorp/go-version"
	"oss.indeed.com/go/libtime"
)

// maxConnsPerClient bounds concurrent document server connections per
// client address.
const maxConnsPerClient = 100

// Agent is a long running daemon bridging one document repository to one
// search appliance. It owns every moving part: the adaptor the documents
// come from, the feed pipeline delivering identifiers, the pushers and
// their schedules, the document server the appliance crawls, and the
// journal recording all of it.
type Agent struct {
	config     *Config
	logger     hclog.Logger
	httpLogger hclog.Logger
	logOutput  io.Writer

	// InmemSink is the in-memory metrics sink, kept so the ops endpoints
	// can display it.
	InmemSink *metrics.InmemSink

	journal *journal.Journal
	adaptor adaptor.Adaptor

	transport *feed.Transport
	groups    *feed.GroupPusher
	sender    *feed.Sender
	async     *feed.AsyncSender

	full        *pusher.FullPusher
	incremental *pusher.IncrementalPusher
	schedule    *pusher.Schedule
	cron        *pusher.CronRunner

	dog       *watchdog.Watchdog
	waiter    *shutdown.Waiter
	docServer *server.HTTPServer

	// rootCtx bounds every push the agent starts; rootCancel interrupts
	// them all at shutdown.
	rootCtx    context.Context
	rootCancel context.CancelFunc

	shutdown     bool
	shutdownCh   chan struct{}
	shutdownLock sync.Mutex
}

// NewAgent assembles an agent from config and starts its background work:
// the async sender, the poll and cron schedules, the document server, and
// the startup full push when configured. The caller owns inmem and keeps
// it registered as the global metrics sink.
func NewAgent(config *Config, logger hclog.Logger, logOutput io.Writer, inmem *metrics.InmemSink) (*Agent, error) {
	a := &Agent{
		config:     config,
		logger:     logger.Named("agent"),
		httpLogger: logger.Named("http"),
		logOutput:  logOutput,
		InmemSink:  inmem,
		journal:    journal.NewJournal(libtime.SystemClock()),
		shutdownCh: make(chan struct{}),
	}
	a.rootCtx, a.rootCancel = context.WithCancel(context.Background())

	if config.normalizedAddrs == nil {
		if err := config.normalizeAddrs(); err != nil {
			return nil, err
		}
	}

	if err := a.setupAdaptor(); err != nil {
		return nil, err
	}
	if err := a.setupFeeds(); err != nil {
		return nil, err
	}
	if err := a.setupPushers(); err != nil {
		return nil, err
	}
	if err := a.setupServer(); err != nil {
		return nil, err
	}

	// The adaptor may register extra handlers during Init, so this runs
	// after the document server exists but before the appliance is told
	// about any document.
	if init, ok := a.adaptor.(adaptor.Initializer); ok {
		if err := init.Init(a.rootCtx, &frameworkContext{agent: a}); err != nil {
			a.docServer.Shutdown()
			return nil, fmt.Errorf("adaptor initialization failed: %w", err)
		}
	}

	a.async.Start()
	if a.incremental != nil {
		a.incremental.Start()
	}
	if a.cron != nil {
		a.cron.Start()
	}

	statsPeriod := config.Telemetry.collectionInterval
	if statsPeriod <= 0 {
		statsPeriod = time.Second
	}
	go a.journal.EmitStats(statsPeriod, a.shutdownCh)

	if config.Adaptor.PushDocIdsOnStartup == nil || *config.Adaptor.PushDocIdsOnStartup {
		a.logger.Info("pushing doc ids on startup")
		go a.runFullPush()
	}

	return a, nil
}

// setupAdaptor picks the adaptor the agent bridges. Configured lister and
// retriever commands select the exec adaptor; dev mode falls back to the
// built-in one so the agent runs with no configuration at all.
func (a *Agent) setupAdaptor() error {
	conf := a.config.Adaptor

	switch {
	case conf.Lister != "":
		ad, err := execadaptor.New(a.logger, execadaptor.Config{
			Lister:     conf.Lister,
			Retriever:  conf.Retriever,
			Authorizer: conf.Authorizer,
		})
		if err != nil {
			return fmt.Errorf("failed to create exec adaptor: %w", err)
		}
		a.adaptor = ad
	case a.config.DevMode:
		a.adaptor = newDevAdaptor(a.logger)
	default:
		return errors.New("no adaptor configured: set adaptor lister and retriever commands")
	}
	return nil
}

// setupFeeds builds the push pipeline: encoder, transport, group pusher,
// blocking sender, and the async sender layered on top.
func (a *Agent) setupFeeds() error {
	conf := a.config

	host, err := conf.advertisedHostname()
	if err != nil {
		return err
	}
	scheme := "http"
	if conf.Server.Secure {
		scheme = "https"
	}
	base, err := url.Parse(scheme + "://" + net.JoinHostPort(host, strconv.Itoa(conf.Server.Port)) + conf.Server.DocIdPath)
	if err != nil {
		return fmt.Errorf("invalid document URL base: %w", err)
	}

	encoder, err := feed.NewEncoder(conf.Feed.Name, base)
	if err != nil {
		return err
	}

	var archiver feed.Archiver
	if conf.Feed.ArchiveDir != "" {
		archiver, err = feed.NewFileArchiver(a.logger, conf.Feed.ArchiveDir)
		if err != nil {
			return err
		}
	}

	var gsaTLS *tls.Config
	if conf.Gsa.Secure {
		gsaTLS, err = a.tlsConfig().OutgoingTLSConfig()
		if err != nil {
			return fmt.Errorf("failed to configure appliance TLS: %w", err)
		}
	}
	a.transport, err = feed.NewTransport(a.logger, feed.TransportConfig{
		Host:           conf.Gsa.Hostname,
		Secure:         conf.Gsa.Secure,
		TLSConfig:      gsaTLS,
		Timeout:        conf.Gsa.Timeout,
		UseCompression: true,
	})
	if err != nil {
		return err
	}

	gsaVersion, err := goversion.NewVersion(conf.Gsa.Version)
	if err != nil {
		return fmt.Errorf("invalid appliance version %q: %w", conf.Gsa.Version, err)
	}
	a.groups, err = feed.NewGroupPusher(a.logger, encoder, a.transport, a.journal, archiver, feed.GroupPusherConfig{
		Source:       conf.Feed.Name,
		GsaVersion:   gsaVersion,
		MaxBatchSize: conf.Feed.MaxUrls,
	})
	if err != nil {
		return err
	}

	a.sender = feed.NewSender(a.logger, encoder, a.transport, a.journal, archiver, a.groups, feed.SenderConfig{
		MaxBatchSize:      conf.Feed.MaxUrls,
		MarkAllDocsPublic: conf.Adaptor.MarkAllDocsAsPublic,
	})
	a.async = feed.NewAsyncSender(a.logger, a.sender, feed.AsyncSenderConfig{
		QueueCapacity: conf.Feed.QueueCapacity,
		MaxBatchSize:  conf.Feed.MaxUrls,
		MaxLatency:    conf.Feed.MaxLatency,
	})
	return nil
}

// setupPushers wires the full pusher plus, when the adaptor and config
// allow, the incremental poller and the cron schedule for full listings.
func (a *Agent) setupPushers() error {
	conf := a.config.Adaptor

	a.full = pusher.NewFullPusher(a.logger, a.adaptor, a.sender, a.journal, nil)

	if poller, ok := a.adaptor.(adaptor.PollingAdaptor); ok && conf.IncrementalPollPeriod > 0 {
		a.incremental = pusher.NewIncrementalPusher(a.logger, poller, a.sender, a.journal, conf.IncrementalPollPeriod, nil)
	}

	if conf.FullListingSchedule != "" {
		schedule, err := pusher.NewSchedule(conf.FullListingSchedule)
		if err != nil {
			return fmt.Errorf("invalid full listing schedule: %w", err)
		}
		a.schedule = schedule
		a.cron = pusher.NewCronRunner(a.logger, schedule, libtime.SystemClock(), a.runFullPush)
	}
	return nil
}

// UpdateSchedule replaces the full listing cron pattern at runtime; the
// running cron picks it up on its next wakeup. An empty pattern is ignored,
// and turning the schedule on or off entirely requires a restart.
func (a *Agent) UpdateSchedule(pattern string) error {
	if a.schedule == nil || pattern == "" {
		return nil
	}
	return a.schedule.Update(pattern)
}

// setupServer builds the document server the appliance crawls: trust
// decider, watchdog, shutdown waiter, transform pipeline, and the handler
// mounted at the configured doc id path.
func (a *Agent) setupServer() error {
	conf := a.config

	hosts := []string{conf.Gsa.Hostname}
	if conf.Gsa.AdminHostname != "" {
		hosts = append(hosts, conf.Gsa.AdminHostname)
	}
	hosts = append(hosts, conf.Server.FullAccessHosts...)
	trust := server.NewTrustDecider(a.httpLogger, conf.Server.Secure, hosts)

	a.dog = watchdog.New(conf.Server.RequestTimeout)
	a.waiter = shutdown.NewWaiter()

	transforms := server.NewPipeline(a.httpLogger, server.PipelineConfig{
		MaxDocumentBytes: conf.Transform.MaxDocumentBytes,
		Required:         conf.Transform.Required,
	})

	useCompression := conf.Server.UseCompression != nil && *conf.Server.UseCompression
	handler, err := server.NewDocHandler(a.httpLogger, server.DocHandlerConfig{
		PathPrefix:        conf.Server.DocIdPath,
		Adaptor:           a.adaptor,
		Trust:             trust,
		Sessions:          server.NewSessionStore(),
		Journal:           a.journal,
		Watchdog:          a.dog,
		Waiter:            a.waiter,
		Transforms:        transforms,
		MaxWorkers:        int64(conf.Server.MaxWorkers),
		MarkAllDocsPublic: conf.Adaptor.MarkAllDocsAsPublic,
		UseCompression:    useCompression,
	})
	if err != nil {
		return err
	}

	var tlsConf *tlsutil.Config
	if conf.Server.Secure {
		tlsConf = a.tlsConfig()
	}
	a.docServer, err = server.NewHTTPServer(a.httpLogger, server.Config{
		Addr:              conf.normalizedAddrs.Doc,
		TLS:               tlsConf,
		MaxConnsPerClient: maxConnsPerClient,
	})
	if err != nil {
		return err
	}
	a.docServer.RegisterHandler(handler.Pattern(), handler)
	return nil
}

// tlsConfig translates the agent's TLS block for helper/tlsutil. The same
// certificate material covers the document listener and outgoing appliance
// connections.
func (a *Agent) tlsConfig() *tlsutil.Config {
	t := a.config.Server.TLS
	if t == nil {
		return &tlsutil.Config{}
	}
	return &tlsutil.Config{
		CAFile:         t.CAFile,
		CertFile:       t.CertFile,
		KeyFile:        t.KeyFile,
		VerifyIncoming: t.VerifyIncoming,
	}
}

// runFullPush runs one full push on the agent's root context. A push
// already in progress is an expected overlap between the schedule, the
// startup push, and operator triggers; it is skipped quietly.
func (a *Agent) runFullPush() {
	err := a.full.Run(a.rootCtx)
	switch {
	case err == nil:
	case errors.Is(err, journal.ErrPushInProgress):
		a.logger.Debug("full push already running, skipping")
	case a.rootCtx.Err() != nil:
		a.logger.Warn("full push interrupted by shutdown")
	default:
		a.logger.Error("full push failed", "error", err)
	}
}

// Stats returns a snapshot of the agent's journal.
func (a *Agent) Stats() *journal.Stats {
	return a.journal.Snapshot()
}

// IsShutdown reports whether Shutdown has run.
func (a *Agent) IsShutdown() bool {
	a.shutdownLock.Lock()
	defer a.shutdownLock.Unlock()
	return a.shutdown
}

// Shutdown is used to terminate the agent. Running pushes are interrupted,
// queued async items are flushed, and in-flight document requests get the
// configured drain window before the server is torn down.
func (a *Agent) Shutdown() error {
	a.shutdownLock.Lock()
	defer a.shutdownLock.Unlock()

	if a.shutdown {
		return nil
	}

	a.logger.Info("requesting shutdown")
	a.rootCancel()
	if a.cron != nil {
		a.cron.Stop()
	}
	if a.incremental != nil {
		a.incremental.Stop()
	}
	if a.async != nil {
		a.async.Stop()
	}
	if a.waiter != nil {
		if !a.waiter.Shutdown(a.config.Server.DrainTimeout) {
			a.logger.Warn("document requests still in flight after drain timeout")
		}
	}
	a.docServer.Shutdown()

	a.shutdown = true
	close(a.shutdownCh)
	a.logger.Info("shutdown complete")
	return nil
}

// frameworkContext is the adaptor.Context handed to the adaptor during
// Init.
type frameworkContext struct {
	agent *Agent
}

func (f *frameworkContext) DocIdPusher() adaptor.DocIdPusher {
	return f.agent.sender
}

func (f *frameworkContext) AsyncPusher() adaptor.AsyncPusher {
	return f.agent.async
}

func (f *frameworkContext) RegisterHandler(pattern string, handler http.Handler) {
	f.agent.docServer.RegisterHandler(pattern, handler)
}

func (f *frameworkContext) ConfigValue(key string) string {
	return f.agent.config.Adaptor.Config[key]
}
