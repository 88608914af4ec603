package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/fuseview/fuseview/internal/tree"
)

func runTree(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("tree", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	search := flagSet.String("search", "", "Filter traces by name")
	older := flagSet.Int("older", 0, "Load N additional windows of older traces")
	maxDepth := flagSet.Int("max-depth", 3, "Maximum expansion depth below each connection")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() > 1 {
		fmt.Fprintln(errOut, "usage: fuseview tree [--config path] [--search NAME] [--older N] [--max-depth N] [connection-id-or-name]")
		return 2
	}
	if *older < 0 {
		fmt.Fprintln(errOut, "--older must be zero or positive")
		return 2
	}
	if *maxDepth < 1 {
		fmt.Fprintln(errOut, "--max-depth must be at least 1")
		return 2
	}

	app, cleanup, code := newApp(*configPath, errOut)
	if code != 0 {
		return code
	}
	defer cleanup()

	ctx := context.Background()
	if query := strings.TrimSpace(*search); query != "" {
		app.cache.SetSearchQuery(query)
	}

	roots, err := app.tree.Roots(ctx)
	if err != nil {
		fmt.Fprintf(errOut, "failed to list connections: %v\n", err)
		return 1
	}
	if flagSet.NArg() == 1 {
		conn, err := resolveConnection(ctx, app.store, flagSet.Arg(0))
		if err != nil {
			fmt.Fprintf(errOut, "%v\n", err)
			return 1
		}
		filtered := roots[:0]
		for _, root := range roots {
			if root.ConnectionID == conn.ID {
				filtered = append(filtered, root)
			}
		}
		roots = filtered
	}
	if len(roots) == 0 {
		fmt.Fprintln(out, "no connections saved; add one with: fuseview connections add")
		return 0
	}

	for _, root := range roots {
		printNode(out, root, 0)
		children := app.tree.Children(ctx, root)
		for step := 0; step < *older; step++ {
			more, err := app.tree.LoadOlder(ctx, root.ConnectionID)
			if err != nil {
				fmt.Fprintf(errOut, "failed to load older traces for %s: %v\n", root.Label, err)
				break
			}
			children = more
		}
		printChildren(ctx, app, out, children, 1, *maxDepth)
	}
	return 0
}

func printChildren(ctx context.Context, app *app, out io.Writer, nodes []tree.Node, depth, maxDepth int) {
	for _, node := range nodes {
		printNode(out, node, depth)
		if depth >= maxDepth || !node.HasChildren {
			continue
		}
		printChildren(ctx, app, out, app.tree.Children(ctx, node), depth+1, maxDepth)
	}
}

func printNode(out io.Writer, node tree.Node, depth int) {
	indent := strings.Repeat("  ", depth)
	if node.Description != "" {
		fmt.Fprintf(out, "%s%s  [%s]\n", indent, node.Label, node.Description)
		return
	}
	fmt.Fprintf(out, "%s%s\n", indent, node.Label)
}
