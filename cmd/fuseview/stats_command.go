package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/fuseview/fuseview/internal/analytics"
	"github.com/fuseview/fuseview/internal/observability"
	"github.com/fuseview/fuseview/internal/tree"
)

func runStats(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("stats", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	traceID := flagSet.String("trace", "", "Trace id to summarize")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if strings.TrimSpace(*traceID) == "" || flagSet.NArg() != 1 {
		fmt.Fprintln(errOut, "usage: fuseview stats [--config path] --trace ID <connection-id-or-name>")
		return 2
	}

	app, cleanup, code := newApp(*configPath, errOut)
	if code != 0 {
		return code
	}
	defer cleanup()

	ctx := context.Background()
	conn, err := resolveConnection(ctx, app.store, flagSet.Arg(0))
	if err != nil {
		fmt.Fprintf(errOut, "%v\n", err)
		return 1
	}
	if err := app.registry.Connect(ctx, conn.ID); err != nil {
		fmt.Fprintf(errOut, "failed to connect: %v\n", observability.ScrubCredentials(err.Error()))
		return 1
	}

	observations, err := app.cache.Observations(ctx, conn.ID, strings.TrimSpace(*traceID))
	if err != nil {
		fmt.Fprintf(errOut, "failed to load trace: %v\n", observability.ScrubCredentials(err.Error()))
		return 1
	}

	summary := analytics.Summarize(observations)
	writeSummary(out, *traceID, summary)
	if client, ok := app.registry.Client(conn.ID); ok {
		fmt.Fprintf(out, "\nView: %s\n", client.TraceURL(strings.TrimSpace(*traceID)))
	}
	return 0
}

func writeSummary(out io.Writer, traceID string, summary analytics.Summary) {
	fmt.Fprintf(out, "Trace %s\n\n", traceID)

	writer := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(writer, "Observations\t%d (%d generations, %d spans, %d events)\n",
		summary.Observations, summary.Generations, summary.Spans, summary.Events)
	fmt.Fprintf(writer, "Errors\t%d\n", summary.ErrorCount)
	fmt.Fprintf(writer, "Tokens\t%d (%d in, %d out)\n", summary.TotalTokens, summary.InputTokens, summary.OutputTokens)
	fmt.Fprintf(writer, "Cost\t$%.4f\n", summary.TotalCostUSD)
	fmt.Fprintf(writer, "Latency\t%s total, %s mean\n",
		tree.FormatDuration(summary.TotalLatency), tree.FormatDuration(summary.MeanLatency))
	writer.Flush()

	if len(summary.PerModel) == 0 {
		return
	}
	fmt.Fprintln(out)
	writer = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(writer, "MODEL\tCALLS\tTOKENS\tCOST\tMEAN LATENCY\tERRORS")
	for _, model := range summary.PerModel {
		fmt.Fprintf(writer, "%s\t%d\t%d\t$%.4f\t%s\t%d\n",
			model.Model, model.Observations, model.TotalTokens, model.TotalCostUSD,
			tree.FormatDuration(model.MeanLatency), model.ErrorCount)
	}
	writer.Flush()
}
