// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/feedbridge/feed"
	"github.com/hashicorp/feedbridge/helper/pointer"
	"github.com/hashicorp/feedbridge/pusher"
	"github.com/hashicorp/feedbridge/version"
	"github.com/hashicorp/go-hclog"
	multierror "github.com/hashicorp/go-multierror"
	"github.com/hashicorp/go-sockaddr/template"
	goversion "github.com/hashicorp/go-version"
)

// Config is the configuration for the feedbridge agent.
type Config struct {
	// LogLevel is the level of the logs to put out
	LogLevel string `hcl:"log_level"`

	// LogJson enables log output in a JSON format
	LogJson bool `hcl:"log_json"`

	// BindAddr is the address the document server and the dashboard bind
	// to. Resolved through go-sockaddr templates, so values like
	// "{{ GetPrivateIP }}" work.
	BindAddr string `hcl:"bind_addr"`

	// Server configures the document serving side.
	Server *ServerConfig `hcl:"server"`

	// Gsa locates the search appliance feeds are pushed to.
	Gsa *GsaConfig `hcl:"gsa"`

	// Feed tunes batching and delivery of feed files.
	Feed *FeedConfig `hcl:"feed"`

	// Adaptor configures listing schedules and the adaptor itself.
	Adaptor *AdaptorConfig `hcl:"adaptor"`

	// Transform configures the document transform pipeline.
	Transform *TransformConfig `hcl:"transform"`

	// Telemetry is used to configure sending telemetry
	Telemetry *Telemetry `hcl:"telemetry"`

	// DevMode is set by the -dev CLI flag.
	DevMode bool `hcl:"-"`

	// Version information is set at compilation time
	Version *version.VersionInfo `hcl:"-"`

	// Files is the list of config files that have been loaded, in order.
	Files []string `hcl:"-"`

	// normalizedAddrs is set by normalizeAddrs()
	normalizedAddrs *normalizedAddrs

	// ExtraKeysHCL is used by hcl to surface unexpected keys
	ExtraKeysHCL []string `hcl:",unusedKeys" json:"-"`
}

// normalizedAddrs holds the resolved host:port pairs the agent binds.
type normalizedAddrs struct {
	Doc       string
	Dashboard string
}

// ServerConfig configures the document server.
type ServerConfig struct {
	// Port the document server binds.
	Port int `hcl:"port"`

	// DashboardPort is where the ops endpoints bind.
	DashboardPort int `hcl:"dashboard_port"`

	// Secure serves documents over TLS and tightens what leaves the
	// server: secure documents are only handed to the appliance or to
	// authorized users.
	Secure bool `hcl:"secure"`

	// Hostname is the host advertised in feed record URLs. Defaults to
	// os.Hostname.
	Hostname string `hcl:"hostname"`

	// DocIdPath is the URL path documents are served under. Must begin and
	// end with a slash.
	DocIdPath string `hcl:"doc_id_path"`

	// FullAccessHosts lists addresses trusted like the appliance itself.
	FullAccessHosts []string `hcl:"full_access_hosts"`

	// UseCompression gzips document bodies for clients that accept it.
	UseCompression *bool `hcl:"use_compression"`

	// MaxWorkers bounds concurrently served document requests.
	MaxWorkers int `hcl:"max_workers"`

	// RequestTimeout bounds how long a single document request may take
	// before its adaptor call is interrupted.
	RequestTimeout    time.Duration `hcl:"-"`
	RequestTimeoutHCL string        `hcl:"request_timeout" json:"-"`

	// DrainTimeout bounds how long shutdown waits for in-flight document
	// requests.
	DrainTimeout    time.Duration `hcl:"-"`
	DrainTimeoutHCL string        `hcl:"drain_timeout" json:"-"`

	// TLS carries the certificate material used when Secure is set.
	TLS *TLSConfig `hcl:"tls"`

	// ExtraKeysHCL is used by hcl to surface unexpected keys
	ExtraKeysHCL []string `hcl:",unusedKeys" json:"-"`
}

// TLSConfig holds certificate material for the document server.
type TLSConfig struct {
	// CertFile and KeyFile are the server certificate and its private key.
	CertFile string `hcl:"cert_file"`
	KeyFile  string `hcl:"key_file"`

	// CAFile verifies client certificates when VerifyIncoming is set.
	CAFile string `hcl:"ca_file"`

	// VerifyIncoming requires clients to present a certificate signed by
	// CAFile.
	VerifyIncoming bool `hcl:"verify_incoming"`

	// ExtraKeysHCL is used by hcl to surface unexpected keys
	ExtraKeysHCL []string `hcl:",unusedKeys" json:"-"`
}

// GsaConfig locates the search appliance.
type GsaConfig struct {
	// Hostname is the appliance feeds are uploaded to.
	Hostname string `hcl:"hostname"`

	// AdminHostname overrides Hostname for administrative traffic, for
	// deployments that front crawling and administration differently.
	// Defaults to Hostname.
	AdminHostname string `hcl:"admin_hostname"`

	// Version is the appliance software version. It gates which group feed
	// operations are attempted.
	Version string `hcl:"version"`

	// Secure uploads feeds over TLS.
	Secure bool `hcl:"secure"`

	// Timeout bounds one feed upload end to end.
	Timeout    time.Duration `hcl:"-"`
	TimeoutHCL string        `hcl:"timeout" json:"-"`

	// ExtraKeysHCL is used by hcl to surface unexpected keys
	ExtraKeysHCL []string `hcl:",unusedKeys" json:"-"`
}

// FeedConfig tunes feed delivery.
type FeedConfig struct {
	// Name is the datasource feeds are filed under on the appliance.
	Name string `hcl:"name"`

	// MaxUrls caps the records per feed file.
	MaxUrls int `hcl:"max_urls"`

	// QueueCapacity bounds the async push backlog.
	QueueCapacity int `hcl:"queue_capacity"`

	// MaxLatency caps how long a queued item waits before its batch is
	// pushed.
	MaxLatency    time.Duration `hcl:"-"`
	MaxLatencyHCL string        `hcl:"max_latency" json:"-"`

	// ArchiveDir, when set, keeps a copy of every feed file written.
	ArchiveDir string `hcl:"archive_dir"`

	// ExtraKeysHCL is used by hcl to surface unexpected keys
	ExtraKeysHCL []string `hcl:",unusedKeys" json:"-"`
}

// AdaptorConfig configures listing schedules and the adaptor commands.
type AdaptorConfig struct {
	// PushDocIdsOnStartup runs a full listing as soon as the agent starts.
	PushDocIdsOnStartup *bool `hcl:"push_doc_ids_on_startup"`

	// FullListingSchedule is a cron pattern selecting when full listings
	// run. Empty disables scheduled full listings.
	FullListingSchedule string `hcl:"full_listing_schedule"`

	// IncrementalPollPeriod is how often the adaptor is polled for
	// modified documents. Zero disables polling.
	IncrementalPollPeriod    time.Duration `hcl:"-"`
	IncrementalPollPeriodHCL string        `hcl:"incremental_poll_period" json:"-"`

	// MarkAllDocsAsPublic serves every document without authorization and
	// strips ACLs from feeds.
	MarkAllDocsAsPublic bool `hcl:"mark_all_docs_as_public"`

	// Config carries opaque adaptor-specific key/values, surfaced through
	// the framework context during Init.
	Config map[string]string `hcl:"config"`

	// Lister, Retriever, and Authorizer are the commands the exec adaptor
	// shells out to. Lister and Retriever are required to enable it;
	// Authorizer is optional.
	Lister     string `hcl:"lister"`
	Retriever  string `hcl:"retriever"`
	Authorizer string `hcl:"authorizer"`

	// ExtraKeysHCL is used by hcl to surface unexpected keys
	ExtraKeysHCL []string `hcl:",unusedKeys" json:"-"`
}

// TransformConfig configures the document transform pipeline.
type TransformConfig struct {
	// MaxDocumentBytes bounds how much of a document is buffered for
	// transformation.
	MaxDocumentBytes int64 `hcl:"max_document_bytes"`

	// Required fails document serving instead of bypassing the pipeline
	// when a document exceeds MaxDocumentBytes.
	Required bool `hcl:"required"`

	// ExtraKeysHCL is used by hcl to surface unexpected keys
	ExtraKeysHCL []string `hcl:",unusedKeys" json:"-"`
}

// Telemetry is used to configure sending telemetry
type Telemetry struct {
	StatsiteAddr       string        `hcl:"statsite_address"`
	StatsdAddr         string        `hcl:"statsd_address"`
	DisableHostname    bool          `hcl:"disable_hostname"`
	CollectionInterval string        `hcl:"collection_interval"`
	collectionInterval time.Duration `hcl:"-"`

	// ExtraKeysHCL is used by hcl to surface unexpected keys
	ExtraKeysHCL []string `hcl:",unusedKeys" json:"-"`
}

// DevConfig is a Config that is used for dev mode of the agent: everything
// binds to localhost, logging is verbose, and the appliance is assumed to
// live on the loopback so the agent starts without a config file.
func DevConfig() *Config {
	conf := DefaultConfig()
	conf.BindAddr = "127.0.0.1"
	conf.LogLevel = "DEBUG"
	conf.DevMode = true
	conf.Gsa.Hostname = "127.0.0.1"
	conf.Server.Hostname = "127.0.0.1"
	return conf
}

// DefaultConfig is the baseline configuration for feedbridge.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "INFO",
		BindAddr: "0.0.0.0",
		Server: &ServerConfig{
			Port:           5678,
			DashboardPort:  5679,
			DocIdPath:      "/doc/",
			UseCompression: pointer.Of(true),
			MaxWorkers:     16,
			RequestTimeout: 3 * time.Minute,
			DrainTimeout:   10 * time.Second,
			TLS:            &TLSConfig{},
		},
		Gsa: &GsaConfig{
			Version: "7.6.0",
			Timeout: 2 * time.Minute,
		},
		Feed: &FeedConfig{
			Name:          "default_source",
			MaxUrls:       5000,
			QueueCapacity: 10000,
			MaxLatency:    5 * time.Second,
		},
		Adaptor: &AdaptorConfig{
			PushDocIdsOnStartup:   pointer.Of(true),
			FullListingSchedule:   "0 3 * * *",
			IncrementalPollPeriod: 15 * time.Minute,
			Config:                map[string]string{},
		},
		Transform: &TransformConfig{
			MaxDocumentBytes: 1 << 20,
		},
		Telemetry: &Telemetry{
			CollectionInterval: "1s",
			collectionInterval: 1 * time.Second,
		},
		Version: version.GetVersion(),
	}
}

// Merge merges two configurations, with values in b taking precedence.
func (c *Config) Merge(b *Config) *Config {
	result := *c

	if b.LogLevel != "" {
		result.LogLevel = b.LogLevel
	}
	if b.LogJson {
		result.LogJson = true
	}
	if b.BindAddr != "" {
		result.BindAddr = b.BindAddr
	}
	if b.DevMode {
		result.DevMode = true
	}
	if b.Version != nil {
		result.Version = b.Version
	}

	// Keep track of which config files were merged in
	result.Files = append(result.Files, b.Files...)

	if result.Server == nil && b.Server != nil {
		server := *b.Server
		result.Server = &server
	} else if b.Server != nil {
		result.Server = result.Server.Merge(b.Server)
	}

	if result.Gsa == nil && b.Gsa != nil {
		gsa := *b.Gsa
		result.Gsa = &gsa
	} else if b.Gsa != nil {
		result.Gsa = result.Gsa.Merge(b.Gsa)
	}

	if result.Feed == nil && b.Feed != nil {
		feedConf := *b.Feed
		result.Feed = &feedConf
	} else if b.Feed != nil {
		result.Feed = result.Feed.Merge(b.Feed)
	}

	if result.Adaptor == nil && b.Adaptor != nil {
		adaptorConf := *b.Adaptor
		result.Adaptor = &adaptorConf
	} else if b.Adaptor != nil {
		result.Adaptor = result.Adaptor.Merge(b.Adaptor)
	}

	if result.Transform == nil && b.Transform != nil {
		transform := *b.Transform
		result.Transform = &transform
	} else if b.Transform != nil {
		result.Transform = result.Transform.Merge(b.Transform)
	}

	if result.Telemetry == nil && b.Telemetry != nil {
		telemetry := *b.Telemetry
		result.Telemetry = &telemetry
	} else if b.Telemetry != nil {
		result.Telemetry = result.Telemetry.Merge(b.Telemetry)
	}

	return &result
}

// Merge is used to merge two server configs together
func (s *ServerConfig) Merge(b *ServerConfig) *ServerConfig {
	result := *s

	if b.Port != 0 {
		result.Port = b.Port
	}
	if b.DashboardPort != 0 {
		result.DashboardPort = b.DashboardPort
	}
	if b.Secure {
		result.Secure = true
	}
	if b.Hostname != "" {
		result.Hostname = b.Hostname
	}
	if b.DocIdPath != "" {
		result.DocIdPath = b.DocIdPath
	}
	if len(b.FullAccessHosts) != 0 {
		result.FullAccessHosts = append([]string(nil), b.FullAccessHosts...)
	}
	if b.UseCompression != nil {
		result.UseCompression = pointer.Copy(b.UseCompression)
	}
	if b.MaxWorkers != 0 {
		result.MaxWorkers = b.MaxWorkers
	}
	if b.RequestTimeout != 0 {
		result.RequestTimeout = b.RequestTimeout
	}
	if b.RequestTimeoutHCL != "" {
		result.RequestTimeoutHCL = b.RequestTimeoutHCL
	}
	if b.DrainTimeout != 0 {
		result.DrainTimeout = b.DrainTimeout
	}
	if b.DrainTimeoutHCL != "" {
		result.DrainTimeoutHCL = b.DrainTimeoutHCL
	}

	if result.TLS == nil && b.TLS != nil {
		tlsConf := *b.TLS
		result.TLS = &tlsConf
	} else if b.TLS != nil {
		result.TLS = result.TLS.Merge(b.TLS)
	}

	return &result
}

// Merge is used to merge two TLS configs together
func (t *TLSConfig) Merge(b *TLSConfig) *TLSConfig {
	result := *t

	if b.CertFile != "" {
		result.CertFile = b.CertFile
	}
	if b.KeyFile != "" {
		result.KeyFile = b.KeyFile
	}
	if b.CAFile != "" {
		result.CAFile = b.CAFile
	}
	if b.VerifyIncoming {
		result.VerifyIncoming = true
	}

	return &result
}

// Merge is used to merge two appliance configs together
func (g *GsaConfig) Merge(b *GsaConfig) *GsaConfig {
	result := *g

	if b.Hostname != "" {
		result.Hostname = b.Hostname
	}
	if b.AdminHostname != "" {
		result.AdminHostname = b.AdminHostname
	}
	if b.Version != "" {
		result.Version = b.Version
	}
	if b.Secure {
		result.Secure = true
	}
	if b.Timeout != 0 {
		result.Timeout = b.Timeout
	}
	if b.TimeoutHCL != "" {
		result.TimeoutHCL = b.TimeoutHCL
	}

	return &result
}

// Merge is used to merge two feed configs together
func (f *FeedConfig) Merge(b *FeedConfig) *FeedConfig {
	result := *f

	if b.Name != "" {
		result.Name = b.Name
	}
	if b.MaxUrls != 0 {
		result.MaxUrls = b.MaxUrls
	}
	if b.QueueCapacity != 0 {
		result.QueueCapacity = b.QueueCapacity
	}
	if b.MaxLatency != 0 {
		result.MaxLatency = b.MaxLatency
	}
	if b.MaxLatencyHCL != "" {
		result.MaxLatencyHCL = b.MaxLatencyHCL
	}
	if b.ArchiveDir != "" {
		result.ArchiveDir = b.ArchiveDir
	}

	return &result
}

// Merge is used to merge two adaptor configs together
func (a *AdaptorConfig) Merge(b *AdaptorConfig) *AdaptorConfig {
	result := *a

	if b.PushDocIdsOnStartup != nil {
		result.PushDocIdsOnStartup = pointer.Copy(b.PushDocIdsOnStartup)
	}
	if b.FullListingSchedule != "" {
		result.FullListingSchedule = b.FullListingSchedule
	}
	if b.IncrementalPollPeriod != 0 {
		result.IncrementalPollPeriod = b.IncrementalPollPeriod
	}
	if b.IncrementalPollPeriodHCL != "" {
		result.IncrementalPollPeriodHCL = b.IncrementalPollPeriodHCL
	}
	if b.MarkAllDocsAsPublic {
		result.MarkAllDocsAsPublic = true
	}
	if len(b.Config) != 0 {
		merged := make(map[string]string, len(a.Config)+len(b.Config))
		for k, v := range a.Config {
			merged[k] = v
		}
		for k, v := range b.Config {
			merged[k] = v
		}
		result.Config = merged
	}
	if b.Lister != "" {
		result.Lister = b.Lister
	}
	if b.Retriever != "" {
		result.Retriever = b.Retriever
	}
	if b.Authorizer != "" {
		result.Authorizer = b.Authorizer
	}

	return &result
}

// Merge is used to merge two transform configs together
func (t *TransformConfig) Merge(b *TransformConfig) *TransformConfig {
	result := *t

	if b.MaxDocumentBytes != 0 {
		result.MaxDocumentBytes = b.MaxDocumentBytes
	}
	if b.Required {
		result.Required = true
	}

	return &result
}

// Merge is used to merge two telemetry configs together
func (t *Telemetry) Merge(b *Telemetry) *Telemetry {
	result := *t

	if b.StatsiteAddr != "" {
		result.StatsiteAddr = b.StatsiteAddr
	}
	if b.StatsdAddr != "" {
		result.StatsdAddr = b.StatsdAddr
	}
	if b.DisableHostname {
		result.DisableHostname = true
	}
	if b.CollectionInterval != "" {
		result.CollectionInterval = b.CollectionInterval
	}
	if b.collectionInterval != 0 {
		result.collectionInterval = b.collectionInterval
	}

	return &result
}

// normalizeAddrs resolves the bind address template and computes the
// host:port pairs the agent listens on.
func (c *Config) normalizeAddrs() error {
	if c.BindAddr != "" {
		ipStr, err := parseSingleIPTemplate(c.BindAddr)
		if err != nil {
			return fmt.Errorf("bind address resolution failed: %v", err)
		}
		c.BindAddr = ipStr
	}

	c.normalizedAddrs = &normalizedAddrs{
		Doc:       net.JoinHostPort(c.BindAddr, strconv.Itoa(c.Server.Port)),
		Dashboard: net.JoinHostPort(c.BindAddr, strconv.Itoa(c.Server.DashboardPort)),
	}
	return nil
}

// parseSingleIPTemplate is used as a helper function to parse out a single
// IP address from a config parameter.
func parseSingleIPTemplate(ipTmpl string) (string, error) {
	out, err := template.Parse(ipTmpl)
	if err != nil {
		return "", fmt.Errorf("unable to parse address template %q: %v", ipTmpl, err)
	}

	ips := strings.Split(out, " ")
	switch len(ips) {
	case 0:
		return "", errors.New("no addresses found, please configure one")
	case 1:
		return ips[0], nil
	default:
		return "", fmt.Errorf("multiple addresses found (%q), please configure one", out)
	}
}

// advertisedHostname is the host written into feed record URLs. Falls back
// to os.Hostname when unconfigured.
func (c *Config) advertisedHostname() (string, error) {
	if c.Server.Hostname != "" {
		return c.Server.Hostname, nil
	}
	host, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("failed to determine hostname: %v", err)
	}
	return host, nil
}

// Validate reports every problem with the configuration rather than just
// the first one.
func (c *Config) Validate() error {
	var mErr multierror.Error

	if hclog.LevelFromString(c.LogLevel) == hclog.NoLevel {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("invalid log level %q", c.LogLevel))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("invalid server port %d", c.Server.Port))
	}
	if c.Server.DashboardPort < 0 || c.Server.DashboardPort > 65535 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("invalid dashboard port %d", c.Server.DashboardPort))
	}
	if !strings.HasPrefix(c.Server.DocIdPath, "/") || !strings.HasSuffix(c.Server.DocIdPath, "/") {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("doc_id_path %q must begin and end with a slash", c.Server.DocIdPath))
	}
	if c.Server.MaxWorkers <= 0 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("max_workers must be positive, got %d", c.Server.MaxWorkers))
	}
	if c.Server.Secure && (c.Server.TLS == nil || c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "") {
		mErr.Errors = append(mErr.Errors, errors.New("secure mode requires tls cert_file and key_file"))
	}

	if c.Gsa.Hostname == "" {
		mErr.Errors = append(mErr.Errors, errors.New("gsa hostname is required"))
	}
	if _, err := goversion.NewVersion(c.Gsa.Version); err != nil {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("invalid gsa version %q: %v", c.Gsa.Version, err))
	}

	if !feed.ValidSourceName(c.Feed.Name) {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("invalid feed name %q", c.Feed.Name))
	}
	if c.Feed.MaxUrls <= 0 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("feed max_urls must be positive, got %d", c.Feed.MaxUrls))
	}
	if c.Feed.QueueCapacity <= 0 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("feed queue_capacity must be positive, got %d", c.Feed.QueueCapacity))
	}

	if c.Adaptor.FullListingSchedule != "" {
		if _, err := pusher.NewSchedule(c.Adaptor.FullListingSchedule); err != nil {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("invalid full_listing_schedule: %v", err))
		}
	}
	if c.Adaptor.IncrementalPollPeriod < 0 {
		mErr.Errors = append(mErr.Errors, errors.New("incremental_poll_period cannot be negative"))
	}
	if (c.Adaptor.Lister == "") != (c.Adaptor.Retriever == "") {
		mErr.Errors = append(mErr.Errors, errors.New("adaptor lister and retriever must be configured together"))
	}
	if c.Adaptor.Authorizer != "" && c.Adaptor.Lister == "" {
		mErr.Errors = append(mErr.Errors, errors.New("adaptor authorizer requires lister and retriever"))
	}

	if c.Transform.MaxDocumentBytes < 0 {
		mErr.Errors = append(mErr.Errors, errors.New("transform max_document_bytes cannot be negative"))
	}

	return mErr.ErrorOrNil()
}

// LoadConfig loads the configuration at the given path, regardless of
// whether it is a file or directory.
func LoadConfig(path string) (*Config, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	if fi.IsDir() {
		return LoadConfigDir(path)
	}

	cleaned := filepath.Clean(path)
	config, err := ParseConfigFile(cleaned)
	if err != nil {
		return nil, fmt.Errorf("error loading %s: %s", cleaned, err)
	}

	config.Files = append(config.Files, cleaned)
	return config, nil
}

// LoadConfigDir loads all the configurations in the given directory in
// alphabetical order.
func LoadConfigDir(dir string) (*Config, error) {
	f, err := os.Open(dir)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("configuration path must be a directory: %s", dir)
	}

	var files []string
	err = nil
	for err != io.EOF {
		var fis []os.FileInfo
		fis, err = f.Readdir(128)
		if err != nil && err != io.EOF {
			return nil, err
		}

		for _, fi := range fis {
			// Ignore directories
			if fi.IsDir() {
				continue
			}

			// Only care about files that are valid to load.
			name := fi.Name()
			skip := true
			if strings.HasSuffix(name, ".hcl") {
				skip = false
			} else if strings.HasSuffix(name, ".json") {
				skip = false
			}
			if skip || isTemporaryFile(name) {
				continue
			}

			path := filepath.Join(dir, name)
			files = append(files, path)
		}
	}

	// Fast-path if we have no files
	if len(files) == 0 {
		return &Config{}, nil
	}

	sort.Strings(files)

	var result *Config
	for _, f := range files {
		config, err := ParseConfigFile(f)
		if err != nil {
			return nil, fmt.Errorf("error loading %s: %s", f, err)
		}
		config.Files = append(config.Files, f)

		if result == nil {
			result = config
		} else {
			result = result.Merge(config)
		}
	}

	return result, nil
}

// isTemporaryFile returns true or false depending on whether the
// provided file name is a temporary file for the following editors:
// emacs or vim.
func isTemporaryFile(name string) bool {
	return strings.HasSuffix(name, "~") || // vim
		strings.HasPrefix(name, ".#") || // emacs
		(strings.HasPrefix(name, "#") && strings.HasSuffix(name, "#")) // emacs
}
