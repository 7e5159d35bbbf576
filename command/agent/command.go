// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/cli"
	flaghelper "github.com/hashicorp/feedbridge/helper/flags"
	"github.com/hashicorp/feedbridge/version"
	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	"github.com/posener/complete"
)

// gracefulTimeout controls how long we wait before forcefully terminating
const gracefulTimeout = 30 * time.Second

// Command is a Command implementation that runs a feedbridge agent.
// The command will not end unless a shutdown message is sent on the
// ShutdownCh. If two messages are sent on the ShutdownCh it will forcibly
// exit.
type Command struct {
	Version    *version.VersionInfo
	Ui         cli.Ui
	ShutdownCh <-chan struct{}

	args       []string
	agent      *Agent
	httpServer *HTTPServer
	logger     hclog.InterceptLogger
	logOutput  io.Writer
}

func (c *Command) readConfig() *Config {
	// Make a new, empty config for flag overrides.
	cmdConfig := &Config{
		Adaptor: &AdaptorConfig{},
	}

	flags := flag.NewFlagSet("agent", flag.ContinueOnError)
	flags.Usage = func() { c.Ui.Error(c.Help()) }

	// General options
	var configPath []string
	var devMode bool
	flags.Var((*flaghelper.StringFlag)(&configPath), "config", "config")
	flags.BoolVar(&devMode, "dev", false, "")
	flags.StringVar(&cmdConfig.BindAddr, "bind", "", "")
	flags.StringVar(&cmdConfig.LogLevel, "log-level", "", "")
	flags.BoolVar(&cmdConfig.LogJson, "log-json", false, "")

	// Adaptor options
	flags.StringVar(&cmdConfig.Adaptor.Lister, "lister", "", "")
	flags.StringVar(&cmdConfig.Adaptor.Retriever, "retriever", "", "")
	flags.StringVar(&cmdConfig.Adaptor.Authorizer, "authorizer", "", "")

	if err := flags.Parse(c.args); err != nil {
		return nil
	}

	// Load the configuration
	var config *Config
	if devMode {
		config = DevConfig()
	} else {
		config = DefaultConfig()
	}

	for _, path := range configPath {
		current, err := LoadConfig(path)
		if err != nil {
			c.Ui.Error(fmt.Sprintf(
				"Error loading configuration from %s: %s", path, err))
			return nil
		}

		// The user asked us to load some config here but we didn't find any,
		// so we'll complain but continue.
		if current == nil || reflect.DeepEqual(current, &Config{}) {
			c.Ui.Warn(fmt.Sprintf("No configuration loaded from %s", path))
		}

		if config == nil {
			config = current
		} else {
			config = config.Merge(current)
		}
	}

	// Merge any CLI options over config file options
	config = config.Merge(cmdConfig)

	// Set the version info
	config.Version = c.Version

	// Normalize binds, ports, addresses
	if err := config.normalizeAddrs(); err != nil {
		c.Ui.Error(err.Error())
		return nil
	}

	if !c.isValidConfig(config) {
		return nil
	}

	return config
}

func (c *Command) isValidConfig(config *Config) bool {
	if err := config.Validate(); err != nil {
		c.Ui.Error(fmt.Sprintf("Invalid configuration: %s", err))
		return false
	}

	if !config.DevMode && config.Adaptor.Lister == "" {
		c.Ui.Error("Must specify adaptor lister and retriever commands (or use -dev mode)")
		return false
	}

	return true
}

// setupLoggers is used to set up logging and returns the root logger and
// the writer agent subsystems should log through.
func (c *Command) setupLoggers(config *Config) (hclog.InterceptLogger, io.Writer, bool) {
	logLevel := strings.ToUpper(config.LogLevel)
	if hclog.LevelFromString(logLevel) == hclog.NoLevel {
		c.Ui.Error(fmt.Sprintf(
			"Invalid log level: %s. Valid log levels are: TRACE, DEBUG, INFO, WARN, ERROR",
			config.LogLevel))
		return nil, nil, false
	}

	logOutput := io.Writer(&cli.UiWriter{Ui: c.Ui})
	logger := hclog.NewInterceptLogger(&hclog.LoggerOptions{
		Level:      hclog.LevelFromString(logLevel),
		Output:     logOutput,
		JSONFormat: config.LogJson,
	})

	return logger, logOutput, true
}

// setupTelemetry is used to set up the telemetry sub-systems.
func (c *Command) setupTelemetry(config *Config) (*metrics.InmemSink, error) {
	/* Setup telemetry
	Aggregate on 10 second intervals for 1 minute. Expose the
	metrics over stderr when there is a SIGUSR1 received.
	*/
	inm := metrics.NewInmemSink(10*time.Second, time.Minute)
	metrics.DefaultInmemSignal(inm)

	var telConfig *Telemetry
	if config.Telemetry == nil {
		telConfig = &Telemetry{}
	} else {
		telConfig = config.Telemetry
	}

	metricsConf := metrics.DefaultConfig("feedbridge")
	metricsConf.EnableHostname = !telConfig.DisableHostname

	// Configure the statsite sink
	var fanout metrics.FanoutSink
	if telConfig.StatsiteAddr != "" {
		sink, err := metrics.NewStatsiteSink(telConfig.StatsiteAddr)
		if err != nil {
			return inm, err
		}
		fanout = append(fanout, sink)
	}

	// Configure the statsd sink
	if telConfig.StatsdAddr != "" {
		sink, err := metrics.NewStatsdSink(telConfig.StatsdAddr)
		if err != nil {
			return inm, err
		}
		fanout = append(fanout, sink)
	}

	// Initialize the global sink
	if len(fanout) > 0 {
		fanout = append(fanout, inm)
		metrics.NewGlobal(metricsConf, fanout)
	} else {
		metricsConf.EnableHostname = false
		metrics.NewGlobal(metricsConf, inm)
	}

	return inm, nil
}

// setupAgent is used to start the agent and the ops HTTP server.
func (c *Command) setupAgent(config *Config, logger hclog.InterceptLogger, logOutput io.Writer, inmem *metrics.InmemSink) error {
	c.Ui.Output("Starting feedbridge agent...")
	agent, err := NewAgent(config, logger, logOutput, inmem)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error starting agent: %s", err))
		return err
	}
	c.agent = agent

	// Set up the ops HTTP server when a dashboard port is configured. A
	// zero port disables the ops surface without touching document serving.
	if config.Server.DashboardPort > 0 {
		httpServer, err := NewHTTPServer(agent, config)
		if err != nil {
			agent.Shutdown()
			c.Ui.Error(fmt.Sprintf("Error starting http server: %s", err))
			return err
		}
		c.httpServer = httpServer
	}

	return nil
}

func (c *Command) Run(args []string) int {
	c.Ui = &cli.PrefixedUi{
		OutputPrefix: "==> ",
		InfoPrefix:   "    ",
		ErrorPrefix:  "==> ",
		Ui:           c.Ui,
	}

	// Parse our configs
	c.args = args
	config := c.readConfig()
	if config == nil {
		return 1
	}

	// Set up the log outputs
	logger, logOutput, ok := c.setupLoggers(config)
	if !ok {
		return 1
	}
	c.logger = logger
	c.logOutput = logOutput

	// Log config files
	if len(config.Files) > 0 {
		c.Ui.Output(fmt.Sprintf("Loaded configuration from %s",
			strings.Join(config.Files, ", ")))
	} else {
		c.Ui.Output("No configuration files loaded")
	}

	// Initialize the telemetry
	inmem, err := c.setupTelemetry(config)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error initializing telemetry: %s", err))
		return 1
	}

	// Create the agent
	if err := c.setupAgent(config, logger, logOutput, inmem); err != nil {
		return 1
	}

	defer func() {
		c.agent.Shutdown()
		if c.httpServer != nil {
			c.httpServer.Shutdown()
		}
	}()

	// Compile agent information for output later
	info := make(map[string]string)
	info["version"] = config.Version.VersionNumber()
	info["log level"] = config.LogLevel
	info["dev mode"] = strconv.FormatBool(config.DevMode)
	info["appliance"] = config.Gsa.Hostname
	info["feed source"] = config.Feed.Name
	info["bind addrs"] = c.getBindAddrSynopsis(config)

	// Sort the keys for output
	infoKeys := make([]string, 0, len(info))
	for key := range info {
		infoKeys = append(infoKeys, key)
	}
	sort.Strings(infoKeys)

	// Agent configuration output
	padding := 18
	c.Ui.Output("Feedbridge agent configuration:\n")
	for _, k := range infoKeys {
		c.Ui.Info(fmt.Sprintf(
			"%s%s: %s",
			strings.Repeat(" ", padding-len(k)),
			k,
			info[k]))
	}
	c.Ui.Output("")

	// Output the header that the agent has started
	c.Ui.Output("Feedbridge agent started! Log data will stream in below:\n")

	// Wait for exit
	return c.handleSignals()
}

// handleSignals blocks until we get an exit-causing signal
func (c *Command) handleSignals() int {
	signalCh := make(chan os.Signal, 4)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGPIPE)

	// Wait for a signal
WAIT:
	var sig os.Signal
	select {
	case s := <-signalCh:
		sig = s
	case <-c.ShutdownCh:
		sig = os.Interrupt
	}

	// Skip any SIGPIPE signal and don't try to log it
	if sig == syscall.SIGPIPE {
		goto WAIT
	}

	c.Ui.Output(fmt.Sprintf("Caught signal: %v", sig))

	// Check if this is a SIGHUP
	if sig == syscall.SIGHUP {
		c.handleReload()
		goto WAIT
	}

	// Check if we should do a graceful leave
	graceful := false
	if sig == os.Interrupt || sig == syscall.SIGTERM {
		graceful = true
	}

	// Bail fast if not doing a graceful leave
	if !graceful {
		return 1
	}

	// Attempt a graceful leave
	gracefulCh := make(chan struct{})
	c.Ui.Output("Gracefully shutting down agent...")
	go func() {
		if err := c.agent.Shutdown(); err != nil {
			c.Ui.Error(fmt.Sprintf("Error: %s", err))
			return
		}
		close(gracefulCh)
	}()

	// Wait for leave or another signal
	select {
	case <-signalCh:
		return 1
	case <-time.After(gracefulTimeout):
		return 1
	case <-gracefulCh:
		return 0
	}
}

// handleReload is invoked when we should reload our configs, e.g. SIGHUP.
// Only the log level and the full listing schedule are picked up at
// runtime; everything else requires a restart.
func (c *Command) handleReload() {
	c.Ui.Output("Reloading configuration...")
	newConf := c.readConfig()
	if newConf == nil {
		c.Ui.Error("Failed to reload configs")
		return
	}

	// Change the log level
	minLevel := hclog.LevelFromString(strings.ToUpper(newConf.LogLevel))
	if minLevel != hclog.NoLevel {
		c.logger.SetLevel(minLevel)
	} else {
		c.Ui.Error(fmt.Sprintf(
			"Invalid log level: %s. Valid log levels are: TRACE, DEBUG, INFO, WARN, ERROR",
			newConf.LogLevel))
	}

	if err := c.agent.UpdateSchedule(newConf.Adaptor.FullListingSchedule); err != nil {
		c.agent.logger.Error("failed to update full listing schedule", "error", err)
	}
}

// getBindAddrSynopsis returns a string that describes the addresses the
// agent is bound to.
func (c *Command) getBindAddrSynopsis(config *Config) string {
	if config == nil || config.normalizedAddrs == nil {
		return ""
	}

	b := new(strings.Builder)
	fmt.Fprintf(b, "Doc: %s", config.normalizedAddrs.Doc)
	if config.Server.DashboardPort > 0 {
		fmt.Fprintf(b, "; Ops: %s", config.normalizedAddrs.Dashboard)
	}

	return b.String()
}

func (c *Command) AutocompleteFlags() complete.Flags {
	configFilePredictor := complete.PredictOr(
		complete.PredictFiles("*.hcl"),
		complete.PredictFiles("*.json"),
		complete.PredictDirs("*"))

	return complete.Flags{
		"-config":     configFilePredictor,
		"-dev":        complete.PredictNothing,
		"-bind":       complete.PredictAnything,
		"-log-level":  complete.PredictAnything,
		"-log-json":   complete.PredictNothing,
		"-lister":     complete.PredictAnything,
		"-retriever":  complete.PredictAnything,
		"-authorizer": complete.PredictAnything,
	}
}

func (c *Command) AutocompleteArgs() complete.Predictor {
	return complete.PredictNothing
}

func (c *Command) Synopsis() string {
	return "Runs a feedbridge agent"
}

func (c *Command) Help() string {
	helpText := `
Usage: feedbridge agent [options]

  Starts the feedbridge agent and runs until an interrupt is received.
  The agent bridges one document repository to one search appliance: it
  pushes document identifiers on the configured schedules and serves
  document content back to the appliance's crawler.

  The agent's configuration primarily comes from the config files used,
  but a subset of the options may also be passed directly as CLI
  arguments, listed below.

General Options:

  -bind=<addr>
    The address the agent binds for both the document server and the ops
    endpoints. go-sockaddr templates such as "{{ GetPrivateIP }}" are
    accepted. Overrides the bind_addr configuration. Defaults to 0.0.0.0.

  -config=<path>
    The path to either a single config file or a directory of config
    files to use for configuring the agent. This option may be
    specified multiple times. If multiple config files are used, the
    values from each will be merged together. During merging, values
    from files found later in the list are merged over values from
    previously parsed files.

  -dev
    Start the agent in development mode. This runs a built-in adaptor
    with a small fixed document set, binds to loopback addresses, and
    assumes the appliance lives on the loopback as well. Useful for
    exploring the feed pipeline without a repository.

  -log-level=<level>
    Specify the verbosity level of the agent's logs. Valid values
    include DEBUG, INFO, and WARN, in decreasing order of verbosity.
    The default is INFO.

  -log-json
    Output logs in a JSON format. The default is false.

Adaptor Options:

  -lister=<command>
    Command to execute to list the repository's document ids. Overrides
    the adaptor lister configuration.

  -retriever=<command>
    Command to execute to retrieve one document's content. Overrides the
    adaptor retriever configuration.

  -authorizer=<command>
    Optional command to execute to authorize user access to documents.
    Overrides the adaptor authorizer configuration.
`
	return strings.TrimSpace(helpText)
}
