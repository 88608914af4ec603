package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/fuseview/fuseview/internal/connstore"
)

func runConnections(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		printConnectionsUsage(errOut)
		return 2
	}

	switch args[0] {
	case "list":
		return runConnectionsList(args[1:], out, errOut)
	case "add":
		return runConnectionsAdd(args[1:], out, errOut)
	case "remove":
		return runConnectionsRemove(args[1:], out, errOut)
	default:
		printConnectionsUsage(errOut)
		return 2
	}
}

func runConnectionsList(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("connections list", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "connections list does not accept positional arguments")
		return 2
	}

	app, cleanup, code := newApp(*configPath, errOut)
	if code != 0 {
		return code
	}
	defer cleanup()

	ctx := context.Background()
	connections, err := app.store.Connections(ctx)
	if err != nil {
		fmt.Fprintf(errOut, "failed to list connections: %v\n", err)
		return 1
	}
	if len(connections) == 0 {
		fmt.Fprintln(out, "no connections saved")
		return 0
	}

	writer := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tNAME\tURL\tSECRET")
	for _, conn := range connections {
		secretState := "saved"
		if _, err := app.store.SecretKey(ctx, conn.ID); errors.Is(err, connstore.ErrNotFound) {
			secretState = "missing"
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\n", conn.ID, conn.Name, conn.URL, secretState)
	}
	if err := writer.Flush(); err != nil {
		fmt.Fprintf(errOut, "failed to write connections: %v\n", err)
		return 1
	}
	return 0
}

func runConnectionsAdd(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("connections add", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	name := flagSet.String("name", "", "Display name for the connection")
	url := flagSet.String("url", "", "Base URL of the Langfuse backend")
	publicKey := flagSet.String("public-key", "", "Langfuse public key (pk-lf-...)")
	secretKey := flagSet.String("secret-key", "", "Langfuse secret key (sk-lf-...)")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "connections add does not accept positional arguments")
		return 2
	}

	app, cleanup, code := newApp(*configPath, errOut)
	if code != 0 {
		return code
	}
	defer cleanup()

	added, err := app.registry.AddConnection(context.Background(), connstore.Connection{
		Name:      *name,
		URL:       *url,
		PublicKey: *publicKey,
	}, *secretKey)
	if err != nil {
		if errors.Is(err, connstore.ErrConflict) {
			fmt.Fprintf(errOut, "a connection with that name already exists\n")
		} else {
			fmt.Fprintf(errOut, "failed to add connection: %v\n", err)
		}
		return 1
	}

	fmt.Fprintf(out, "added connection %s (%s)\n", added.Name, added.ID)
	return 0
}

func runConnectionsRemove(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("connections remove", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 1 {
		fmt.Fprintln(errOut, "usage: fuseview connections remove [--config path] <connection-id-or-name>")
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
	if err := app.registry.RemoveConnection(ctx, conn.ID); err != nil {
		fmt.Fprintf(errOut, "failed to remove connection: %v\n", err)
		return 1
	}

	fmt.Fprintf(out, "removed connection %s\n", conn.Name)
	return 0
}

func printConnectionsUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  fuseview connections list [--config path/to/fuseview.yaml]")
	fmt.Fprintln(out, "  fuseview connections add [--config path/to/fuseview.yaml] --name NAME --url URL --public-key KEY --secret-key KEY")
	fmt.Fprintln(out, "  fuseview connections remove [--config path/to/fuseview.yaml] <connection-id-or-name>")
}
