// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package server

import (
	"fmt"

	"github.com/hashicorp/go-hclog"
)

// DefaultMaxTransformBytes bounds how much of a document is buffered for
// the transform pipeline when the configuration does not say.
const DefaultMaxTransformBytes = 1 << 20 // 1 MiB

// Transform is one stage of the document serving pipeline. Stages rewrite
// document bytes before they reach the requester.
type Transform interface {
	// Name identifies the stage in logs.
	Name() string

	// Apply returns the replacement for content. contentType is the MIME
	// type the adaptor declared; stages that do not understand it should
	// return content unchanged.
	Apply(contentType string, content []byte) ([]byte, error)
}

// PipelineConfig tunes the transform pipeline.
type PipelineConfig struct {
	// MaxDocumentBytes bounds how much of a document is buffered for
	// transformation. Larger documents bypass the pipeline unless Required
	// is set. Zero means DefaultMaxTransformBytes.
	MaxDocumentBytes int64

	// Required fails document serving instead of bypassing the pipeline
	// when a document exceeds MaxDocumentBytes.
	Required bool
}

// Pipeline is an ordered chain of transforms. The first-configured stage
// sees the document first; later stages see the previous stage's output.
type Pipeline struct {
	log      hclog.Logger
	stages   []Transform
	maxBytes int64
	required bool
}

// NewPipeline assembles a pipeline out of stages in the order given.
func NewPipeline(logger hclog.Logger, config PipelineConfig, stages ...Transform) *Pipeline {
	maxBytes := config.MaxDocumentBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxTransformBytes
	}
	return &Pipeline{
		log:      logger.Named("transform"),
		stages:   stages,
		maxBytes: maxBytes,
		required: config.Required,
	}
}

// Active reports whether serving must route document bytes through the
// pipeline at all.
func (p *Pipeline) Active() bool {
	return p != nil && len(p.stages) > 0
}

// MaxBytes is the buffering bound for documents entering the pipeline.
func (p *Pipeline) MaxBytes() int64 {
	return p.maxBytes
}

// Required reports whether oversized documents must fail instead of
// bypassing the pipeline.
func (p *Pipeline) Required() bool {
	return p.required
}

// Run feeds content through every stage in configuration order and returns
// the final output. A stage error abandons the remaining stages.
func (p *Pipeline) Run(contentType string, content []byte) ([]byte, error) {
	out := content
	for _, stage := range p.stages {
		next, err := stage.Apply(contentType, out)
		if err != nil {
			return nil, fmt.Errorf("transform %q failed: %w", stage.Name(), err)
		}
		out = next
	}
	return out, nil
}
