// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/feedbridge/helper"
	"github.com/hashicorp/hcl"
)

// ParseConfigFile returns an agent.Config parsed from a file.
func ParseConfigFile(path string) (*Config, error) {
	// slurp
	var buf bytes.Buffer
	path, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if _, err := io.Copy(&buf, f); err != nil {
		return nil, err
	}

	// parse
	c := &Config{
		Server: &ServerConfig{
			TLS: &TLSConfig{},
		},
		Gsa:       &GsaConfig{},
		Feed:      &FeedConfig{},
		Adaptor:   &AdaptorConfig{},
		Transform: &TransformConfig{},
		Telemetry: &Telemetry{},
	}

	err = hcl.Decode(c, buf.String())
	if err != nil {
		return nil, fmt.Errorf("failed to decode HCL file %s: %w", path, err)
	}

	// convert strings to time.Durations
	tds := []durationConversionMap{
		{"server.request_timeout", &c.Server.RequestTimeout, &c.Server.RequestTimeoutHCL},
		{"server.drain_timeout", &c.Server.DrainTimeout, &c.Server.DrainTimeoutHCL},
		{"gsa.timeout", &c.Gsa.Timeout, &c.Gsa.TimeoutHCL},
		{"feed.max_latency", &c.Feed.MaxLatency, &c.Feed.MaxLatencyHCL},
		{"adaptor.incremental_poll_period", &c.Adaptor.IncrementalPollPeriod, &c.Adaptor.IncrementalPollPeriodHCL},
		{"telemetry.collection_interval", &c.Telemetry.collectionInterval, &c.Telemetry.CollectionInterval},
	}

	err = convertDurations(tds)
	if err != nil {
		return nil, err
	}

	// report unexpected keys
	err = extraKeys(c)
	if err != nil {
		return nil, err
	}

	return c, nil
}

// durationConversionMap holds args for one duration conversion
type durationConversionMap struct {
	targetFieldPath string
	targetField     *time.Duration
	sourceField     *string
}

// convertDurations parses the duration strings specified in the config
// files into time.Durations
func convertDurations(xs []durationConversionMap) error {
	for _, x := range xs {
		if x.sourceField == nil || *x.sourceField == "" {
			continue
		}

		d, err := time.ParseDuration(*x.sourceField)
		if err != nil {
			return fmt.Errorf("%s can't parse time duration %s", x.targetFieldPath, *x.sourceField)
		}

		*x.targetField = d
	}

	return nil
}

func extraKeys(c *Config) error {
	// hcl leaves behind extra keys when parsing objects. These keys
	// are kept on the top level, taken from slices or the keys of
	// structs contained in slices. Clean up before looking for
	// extra keys.
	for _, k := range []string{"server", "gsa", "feed", "adaptor", "transform", "telemetry"} {
		helper.RemoveEqualFold(&c.ExtraKeysHCL, k)
	}

	// the adaptor config object's keys surface on the adaptor block
	for range c.Adaptor.Config {
		helper.RemoveEqualFold(&c.Adaptor.ExtraKeysHCL, "config")
	}

	helper.RemoveEqualFold(&c.Server.ExtraKeysHCL, "tls")

	return helper.UnusedKeys(c)
}
