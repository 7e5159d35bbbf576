// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"net/http"
)

// JournalRequest returns a snapshot of the agent's push and serve
// statistics.
func (s *HTTPServer) JournalRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(405, ErrInvalidMethod)
	}
	return s.agent.Stats(), nil
}
