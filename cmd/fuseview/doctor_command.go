package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fuseview/fuseview/internal/config"
	"github.com/fuseview/fuseview/internal/connstore"
	"github.com/fuseview/fuseview/internal/langfuse"
	"github.com/fuseview/fuseview/internal/observability"
)

const defaultDoctorFormat = "text"

const doctorCheckTimeout = 5 * time.Second

const (
	doctorStatusPass = "pass"
	doctorStatusWarn = "warn"
	doctorStatusFail = "fail"
	doctorStatusSkip = "skip"
)

type doctorDocument struct {
	GeneratedAt   time.Time     `json:"generated_at"`
	ConfigPath    string        `json:"config_path"`
	OverallStatus string        `json:"overall_status"`
	Checks        []doctorCheck `json:"checks"`
}

type doctorCheck struct {
	Name    string   `json:"name"`
	Status  string   `json:"status"`
	Summary string   `json:"summary"`
	Details []string `json:"details,omitempty"`
}

func runDoctor(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("doctor", flag.ContinueOnError)
	flagSet.SetOutput(errOut)

	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	format := flagSet.String("format", defaultDoctorFormat, "Output format: text or json")

	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "doctor does not accept positional arguments")
		return 2
	}

	normalizedFormat := strings.ToLower(strings.TrimSpace(*format))
	if normalizedFormat == "" {
		normalizedFormat = defaultDoctorFormat
	}
	if normalizedFormat != "text" && normalizedFormat != "json" {
		fmt.Fprintf(errOut, "invalid doctor format %q: expected text or json\n", *format)
		return 2
	}

	document := buildDoctorDocument(strings.TrimSpace(*configPath))
	if err := writeDoctor(out, normalizedFormat, document); err != nil {
		fmt.Fprintf(errOut, "failed to write doctor output: %v\n", err)
		return 1
	}
	if document.OverallStatus == doctorStatusFail {
		return 1
	}
	return 0
}

func buildDoctorDocument(configPath string) doctorDocument {
	doc := doctorDocument{
		GeneratedAt: time.Now().UTC(),
		ConfigPath:  configPath,
		Checks:      make([]doctorCheck, 0, 4),
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		doc.Checks = append(doc.Checks,
			doctorCheck{
				Name:    "config",
				Status:  doctorStatusFail,
				Summary: "failed to load config",
				Details: []string{err.Error()},
			},
			doctorSkippedCheck("storage", "skipped: config failed to load"),
			doctorSkippedCheck("connections", "skipped: config failed to load"),
			doctorSkippedCheck("backends", "skipped: config failed to load"),
		)
		doc.OverallStatus = doctorOverallStatus(doc.Checks)
		return doc
	}

	if err := config.Validate(cfg); err != nil {
		doc.Checks = append(doc.Checks,
			doctorCheck{
				Name:    "config",
				Status:  doctorStatusFail,
				Summary: "config is invalid",
				Details: []string{err.Error()},
			},
			doctorSkippedCheck("storage", "skipped: config validation failed"),
			doctorSkippedCheck("connections", "skipped: config validation failed"),
			doctorSkippedCheck("backends", "skipped: config validation failed"),
		)
		doc.OverallStatus = doctorOverallStatus(doc.Checks)
		return doc
	}

	doc.Checks = append(doc.Checks, doctorCheck{
		Name:    "config",
		Status:  doctorStatusPass,
		Summary: "loaded and validated configuration",
		Details: []string{fmt.Sprintf("config path: %s", nonEmpty(configPath, "(default lookup)"))},
	})

	storageCheck, connections, secrets := runDoctorStorageCheck(cfg)
	doc.Checks = append(doc.Checks, storageCheck)
	if storageCheck.Status == doctorStatusFail {
		doc.Checks = append(doc.Checks,
			doctorSkippedCheck("connections", "skipped: storage check failed"),
			doctorSkippedCheck("backends", "skipped: storage check failed"),
		)
		doc.OverallStatus = doctorOverallStatus(doc.Checks)
		return doc
	}

	doc.Checks = append(doc.Checks, runDoctorConnectionsCheck(connections, secrets))
	doc.Checks = append(doc.Checks, runDoctorBackendsCheck(cfg, connections, secrets))
	doc.OverallStatus = doctorOverallStatus(doc.Checks)
	return doc
}

func doctorSkippedCheck(name, summary string) doctorCheck {
	return doctorCheck{
		Name:    name,
		Status:  doctorStatusSkip,
		Summary: summary,
	}
}

// runDoctorStorageCheck opens the connection store, lists saved
// connections, and resolves which of them have a stored secret. The
// listing doubles as the connectivity probe.
func runDoctorStorageCheck(cfg config.Config) (doctorCheck, []connstore.Connection, map[string]string) {
	check := doctorCheck{Name: "storage"}
	store, err := openConnectionStore(cfg)
	if err != nil {
		check.Status = doctorStatusFail
		check.Summary = "failed to initialize connection storage"
		check.Details = []string{err.Error()}
		return check, nil, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), doctorCheckTimeout)
	defer cancel()
	connections, err := store.Connections(ctx)
	if err != nil {
		check.Status = doctorStatusFail
		check.Summary = "connection storage connectivity check failed"
		check.Details = []string{err.Error()}
		if closeErr := store.Close(); closeErr != nil {
			check.Details = append(check.Details, fmt.Sprintf("close connection store: %v", closeErr))
		}
		return check, nil, nil
	}

	secrets := make(map[string]string, len(connections))
	for _, conn := range connections {
		secret, err := store.SecretKey(ctx, conn.ID)
		if err != nil {
			if !errors.Is(err, connstore.ErrNotFound) {
				check.Details = append(check.Details, fmt.Sprintf("secret lookup for %s: %v", conn.Name, err))
			}
			continue
		}
		secrets[conn.ID] = secret
	}

	check.Status = doctorStatusPass
	driver := strings.TrimSpace(cfg.Storage.Driver)
	switch driver {
	case "sqlite":
		path := strings.TrimSpace(cfg.Storage.Path)
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
		check.Summary = "connected to sqlite connection storage"
		check.Details = append(check.Details, fmt.Sprintf("path: %s", path))
	case "postgres":
		check.Summary = "connected to postgres connection storage"
	default:
		check.Summary = "connected to connection storage"
	}
	if closeErr := store.Close(); closeErr != nil {
		check.Status = doctorStatusWarn
		check.Summary = "connection storage connectivity succeeded with close warning"
		check.Details = append(check.Details, fmt.Sprintf("close connection store: %v", closeErr))
	}
	return check, connections, secrets
}

func runDoctorConnectionsCheck(connections []connstore.Connection, secrets map[string]string) doctorCheck {
	check := doctorCheck{Name: "connections"}

	if len(connections) == 0 {
		check.Status = doctorStatusWarn
		check.Summary = "no connections saved"
		check.Details = []string{"add one with: fuseview connections add"}
		return check
	}

	var missing []string
	for _, conn := range connections {
		if _, ok := secrets[conn.ID]; !ok {
			missing = append(missing, conn.Name)
		}
	}
	if len(missing) > 0 {
		check.Status = doctorStatusWarn
		check.Summary = fmt.Sprintf("%d of %d connections are missing a secret key", len(missing), len(connections))
		for _, name := range missing {
			check.Details = append(check.Details, fmt.Sprintf("missing secret: %s", name))
		}
		return check
	}

	check.Status = doctorStatusPass
	check.Summary = fmt.Sprintf("%d connections saved with credentials", len(connections))
	return check
}

// runDoctorBackendsCheck probes each credentialed backend's health
// endpoint. Connections without a secret are reported but never probed.
func runDoctorBackendsCheck(cfg config.Config, connections []connstore.Connection, secrets map[string]string) doctorCheck {
	check := doctorCheck{Name: "backends"}

	if len(connections) == 0 {
		return doctorSkippedCheck("backends", "skipped: no connections saved")
	}

	ctx, cancel := context.WithTimeout(context.Background(), doctorCheckTimeout)
	defer cancel()

	reachable := 0
	probed := 0
	for _, conn := range connections {
		secret, ok := secrets[conn.ID]
		if !ok {
			check.Details = append(check.Details, fmt.Sprintf("%s: not probed, secret key missing", conn.Name))
			continue
		}
		probed++
		client := langfuse.New(conn.URL, conn.PublicKey, secret,
			langfuse.WithTimeout(doctorCheckTimeout),
			langfuse.WithRetryPolicy(langfuse.RetryPolicy{MaxRetries: 0, BaseDelay: langfuse.DefaultRetryBaseDelay}),
		)
		if client.HealthCheck(ctx) {
			reachable++
			check.Details = append(check.Details, fmt.Sprintf("%s: reachable (%s)", conn.Name, conn.URL))
			continue
		}
		check.Details = append(check.Details, observability.ScrubCredentials(
			fmt.Sprintf("%s: unreachable (%s)", conn.Name, conn.URL)))
	}

	switch {
	case probed == 0:
		check.Status = doctorStatusWarn
		check.Summary = "no connection has a secret key to probe with"
	case reachable == probed:
		check.Status = doctorStatusPass
		check.Summary = fmt.Sprintf("all %d credentialed backends are reachable", probed)
	case reachable == 0:
		check.Status = doctorStatusFail
		check.Summary = "no credentialed backend is reachable"
	default:
		check.Status = doctorStatusWarn
		check.Summary = fmt.Sprintf("%d of %d credentialed backends are reachable", reachable, probed)
	}
	return check
}

func doctorOverallStatus(checks []doctorCheck) string {
	hasWarn := false
	for _, check := range checks {
		switch check.Status {
		case doctorStatusFail:
			return doctorStatusFail
		case doctorStatusWarn:
			hasWarn = true
		}
	}
	if hasWarn {
		return doctorStatusWarn
	}
	return doctorStatusPass
}

func writeDoctor(out io.Writer, format string, doc doctorDocument) error {
	switch format {
	case "json":
		return writeDoctorJSON(out, doc)
	default:
		return writeDoctorText(out, doc)
	}
}

func writeDoctorJSON(out io.Writer, doc doctorDocument) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(doc)
}

func writeDoctorText(out io.Writer, doc doctorDocument) error {
	fmt.Fprintln(out, "Fuseview Doctor")

	meta := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(meta, "Generated at\t%s\n", doc.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(meta, "Config path\t%s\n", nonEmpty(doc.ConfigPath, defaultConfigPath))
	fmt.Fprintf(meta, "Overall status\t%s\n", strings.ToUpper(doc.OverallStatus))
	if err := meta.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(out, "\nChecks")
	for _, check := range doc.Checks {
		fmt.Fprintf(out, "- [%s] %s: %s\n", strings.ToUpper(check.Status), check.Name, check.Summary)
		for _, detail := range check.Details {
			fmt.Fprintf(out, "  %s\n", detail)
		}
	}
	return nil
}
