// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"encoding/json"
	"net/http"
)

// agentSelf is the response to the self endpoint: the build version plus
// the full merged configuration the agent is running with.
type agentSelf struct {
	Version string  `json:"version"`
	Config  *Config `json:"config"`
}

func (s *HTTPServer) AgentSelfRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(405, ErrInvalidMethod)
	}

	return agentSelf{
		Version: s.agent.config.Version.VersionNumber(),
		Config:  s.agent.config,
	}, nil
}

type healthResponse struct {
	Ok      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

func (s *HTTPServer) HealthRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(405, ErrInvalidMethod)
	}

	if s.agent.IsShutdown() {
		health := healthResponse{Ok: false, Message: "shutting down"}
		body, err := json.Marshal(&health)
		if err != nil {
			return nil, err
		}
		return nil, CodedError(http.StatusServiceUnavailable, string(body))
	}
	return healthResponse{Ok: true}, nil
}
