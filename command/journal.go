// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	humanize "github.com/dustin/go-humanize"
	"github.com/hashicorp/feedbridge/journal"
	cleanhttp "github.com/hashicorp/go-cleanhttp"
	"github.com/posener/complete"
)

// JournalCommand queries a running agent's ops endpoints and renders the
// journal counters.
type JournalCommand struct {
	Meta

	jsonOutput bool
}

func (c *JournalCommand) Help() string {
	helpText := `
Usage: feedbridge journal [options]

  Displays push and serving counters from a running agent's journal. The
  agent's ops endpoints must be reachable at the given address.

  The journal resets when the agent restarts; the Started line shows when
  counting began.

General Options:

  ` + generalOptionsUsage() + `

Journal Options:

  -json
    Output the raw journal in JSON format.
`
	return strings.TrimSpace(helpText)
}

func (c *JournalCommand) Synopsis() string {
	return "Displays the journal of a running agent"
}

func (c *JournalCommand) AutocompleteFlags() complete.Flags {
	return mergeAutocompleteFlags(c.Meta.AutocompleteFlags(FlagSetClient),
		complete.Flags{
			"-json": complete.PredictNothing,
		})
}

func (c *JournalCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictNothing
}

func (c *JournalCommand) Name() string { return "journal" }

func (c *JournalCommand) Run(args []string) int {
	flags := c.Meta.FlagSet(c.Name(), FlagSetClient)
	flags.Usage = func() { c.Ui.Output(c.Help()) }
	flags.BoolVar(&c.jsonOutput, "json", false, "")

	if err := flags.Parse(args); err != nil {
		return 1
	}

	// Check that we got no arguments
	if l := len(flags.Args()); l != 0 {
		c.Ui.Error("This command takes no arguments")
		c.Ui.Error(commandErrorText(c))
		return 1
	}

	stats, body, err := c.queryJournal()
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error querying journal: %s", err))
		return 1
	}

	if c.jsonOutput {
		c.Ui.Output(strings.TrimSpace(string(body)))
		return 0
	}

	c.Ui.Output(c.formatStats(stats))
	return 0
}

func (c *JournalCommand) queryJournal() (*journal.Stats, []byte, error) {
	client := cleanhttp.DefaultClient()
	client.Timeout = 10 * time.Second

	url := strings.TrimSuffix(c.Address(), "/") + "/v1/journal?pretty"
	resp, err := client.Get(url)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("unexpected response code %d: %s",
			resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var stats journal.Stats
	if err := json.Unmarshal(body, &stats); err != nil {
		return nil, nil, fmt.Errorf("failed to decode journal: %v", err)
	}
	return &stats, body, nil
}

func (c *JournalCommand) formatStats(stats *journal.Stats) string {
	var out strings.Builder

	basics := []string{
		fmt.Sprintf("Started|%s", formatTime(stats.WhenStarted)),
		fmt.Sprintf("Uptime|%s", formatTimeDifference(stats.WhenStarted, time.Now(), time.Second)),
		fmt.Sprintf("Pushed Items|%d", stats.PushedItems),
		fmt.Sprintf("Unique Doc Ids Pushed|%d", stats.UniquePushedDocIds),
		fmt.Sprintf("Appliance Content Requests|%d", stats.GsaContentRequests),
		fmt.Sprintf("Other Content Requests|%d", stats.NonGsaContentRequests),
		fmt.Sprintf("Unique Doc Ids Requested|%d", stats.UniqueRequestedDocIds),
		fmt.Sprintf("Group Pushes|%d", stats.GroupPushes),
		fmt.Sprintf("Group Push Failures|%d", stats.GroupPushFailures),
		fmt.Sprintf("Groups Pushed|%d", stats.GroupsPushed),
	}
	out.WriteString(formatKV(basics))

	out.WriteString("\n\n")
	out.WriteString(c.Colorize().Color("[bold]Full Push[reset]\n"))
	out.WriteString(formatPushStats(&stats.FullPush))

	out.WriteString("\n\n")
	out.WriteString(c.Colorize().Color("[bold]Incremental Push[reset]\n"))
	out.WriteString(formatPushStats(&stats.IncrementalPush))

	for i := range stats.Windows {
		window := &stats.Windows[i]
		span := time.Duration(len(window.Slots)) * window.Period
		out.WriteString("\n\n")
		out.WriteString(c.Colorize().Color(fmt.Sprintf("[bold]Serving Activity (last %s)[reset]\n", span)))
		out.WriteString(formatWindow(window))
	}

	return out.String()
}

func formatPushStats(ps *journal.PushStats) string {
	running := "false"
	if ps.Running {
		running = fmt.Sprintf("true (since %s)", formatTime(ps.CurrentStart))
	}

	rows := []string{
		fmt.Sprintf("Running|%s", running),
		fmt.Sprintf("Started|%d", ps.Started),
		fmt.Sprintf("Successes|%d", ps.Successes),
		fmt.Sprintf("Interruptions|%d", ps.Interruptions),
		fmt.Sprintf("Failures|%d", ps.Failures),
		fmt.Sprintf("Last Success Start|%s", formatTime(ps.LastSuccessStart)),
		fmt.Sprintf("Last Success End|%s", formatTime(ps.LastSuccessEnd)),
	}
	return formatKV(rows)
}

func formatWindow(w *journal.WindowSnapshot) string {
	var requests, gsa, failures, contentBytes int64
	var total, max time.Duration
	for _, s := range w.Slots {
		requests += s.Requests
		gsa += s.GsaRequests
		failures += s.Failures
		total += s.TotalDuration
		contentBytes += s.Bytes
		if s.MaxDuration > max {
			max = s.MaxDuration
		}
	}

	avg := time.Duration(0)
	if requests > 0 {
		avg = total / time.Duration(requests)
	}

	rows := []string{
		"Requests|From Appliance|Failures|Avg Duration|Max Duration|Content Bytes",
		fmt.Sprintf("%d|%d|%d|%s|%s|%s",
			requests, gsa, failures, avg, max, humanize.IBytes(uint64(contentBytes))),
	}
	return formatList(rows)
}
