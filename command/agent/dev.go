// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"context"
	"io"
	"sort"
	"time"

	"github.com/hashicorp/feedbridge/adaptor"
	"github.com/hashicorp/go-hclog"
)

// devAdaptor backs -dev mode so the agent runs without any external
// commands. It serves a small fixed set of documents out of memory; the
// incremental poll never reports changes.
type devAdaptor struct {
	log   hclog.Logger
	since time.Time
	docs  map[adaptor.DocId]string
}

func newDevAdaptor(logger hclog.Logger) *devAdaptor {
	return &devAdaptor{
		log:   logger.Named("dev_adaptor"),
		since: time.Now().UTC().Truncate(time.Second),
		docs: map[adaptor.DocId]string{
			"welcome":       "Welcome to feedbridge dev mode.\n",
			"docs/feeds":    "Document identifiers are pushed to the appliance in metadata-and-url feeds.\n",
			"docs/serving":  "The appliance crawls each identifier back through this document server.\n",
			"docs/shutdown": "Interrupt the agent to watch requests drain before the listener closes.\n",
		},
	}
}

func (d *devAdaptor) GetDocIds(ctx context.Context, pusher adaptor.DocIdPusher) error {
	records := make([]*adaptor.Record, 0, len(d.docs))
	for id := range d.docs {
		records = append(records, &adaptor.Record{
			DocId:        id,
			LastModified: d.since,
		})
	}
	sort.Slice(records, func(i, j int) bool { return records[i].DocId < records[j].DocId })

	d.log.Debug("pushing dev documents", "count", len(records))
	_, err := pusher.PushRecords(ctx, records)
	return err
}

// GetModifiedDocIds reports no changes; the dev document set is fixed for
// the life of the process.
func (d *devAdaptor) GetModifiedDocIds(ctx context.Context, pusher adaptor.DocIdPusher) error {
	return nil
}

func (d *devAdaptor) GetDocContent(ctx context.Context, req adaptor.Request, resp adaptor.Response) error {
	content, ok := d.docs[req.DocId()]
	if !ok {
		return resp.RespondNotFound()
	}

	if !req.HasChangedSinceLastAccess(d.since) {
		if req.CanRespondWithNoContent() {
			return resp.RespondNoContent()
		}
		return resp.RespondNotModified()
	}

	if err := resp.SetContentType("text/plain; charset=utf-8"); err != nil {
		return err
	}
	if err := resp.SetLastModified(d.since); err != nil {
		return err
	}
	w, err := resp.OutputStream()
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, content)
	return err
}
