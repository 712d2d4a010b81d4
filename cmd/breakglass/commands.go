package main

import (
	"bufio"
	"context"
	goerrors "errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/witlox/breakglass/internal/api"
	"github.com/witlox/breakglass/internal/audit"
	"github.com/witlox/breakglass/internal/broker"
	"github.com/witlox/breakglass/internal/collector"
	"github.com/witlox/breakglass/pkg/errors"
	"github.com/witlox/breakglass/pkg/metrics"
	"github.com/witlox/breakglass/pkg/models"
)

// ============================================================================
// run
// ============================================================================

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Collect key shares and issue an emergency credential",
	Long: `Run opens an incident, prompts for unseal key shares until the threshold
is reached, generates a root credential, issues a scoped emergency
credential and keeps running until its deadline to revoke it. An interrupt
revokes immediately.`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	runCmd.Flags().String("operator", os.Getenv("USER"), "Operator identity")
	runCmd.Flags().String("reason", "", "Reason for emergency access")
	runCmd.Flags().Duration("ttl", 0, "Credential lifetime (default from config)")
	runCmd.Flags().Bool("detach", false, "Return after issuance and leave revocation to a watch daemon")
}

func runRun(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	operator, _ := cmd.Flags().GetString("operator")
	reason, _ := cmd.Flags().GetString("reason")
	ttl, _ := cmd.Flags().GetDuration("ttl")
	detach, _ := cmd.Flags().GetBool("detach")

	var err error
	if operator, err = prompt(os.Stdin, out, "Operator", operator); err != nil {
		return err
	}
	if reason, err = prompt(os.Stdin, out, "Reason", reason); err != nil {
		return err
	}

	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if compat, err := a.vault.CheckVersionCompatibility(ctx); err != nil {
		return fmt.Errorf("vault is unreachable: %w", err)
	} else if !compat.Compatible {
		return fmt.Errorf("%s: %w", compat.Message, errors.ErrInvalidInput)
	}

	threshold, err := a.threshold(ctx)
	if err != nil {
		return err
	}

	outcome, err := a.broker.Run(ctx, broker.Request{
		Operator: operator,
		Reason:   reason,
		TTL:      ttl,
		Source:   collector.NewTerminalSource(os.Stdin, out, threshold),
		Detach:   detach,
	})
	if err != nil {
		return err
	}

	printCredential(out, outcome.Credential)
	if detach {
		return nil
	}
	_, err = a.broker.Wait(ctx, outcome.Incident.ID)
	return err
}

// prompt asks for value on a terminal when it was not given as a flag.
func prompt(in *os.File, out io.Writer, label, value string) (string, error) {
	if value != "" {
		return value, nil
	}
	if !term.IsTerminal(int(in.Fd())) {
		return "", errors.NewValidationError(strings.ToLower(label), "is required when stdin is not a terminal")
	}
	_, _ = fmt.Fprintf(out, "%s: ", label)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !goerrors.Is(err, io.EOF) {
		return "", err
	}
	value = strings.TrimSpace(line)
	if value == "" {
		return "", errors.NewValidationError(strings.ToLower(label), "must not be empty")
	}
	return value, nil
}

// printCredential shows the emergency token exactly once. It is never
// logged.
func printCredential(w io.Writer, cred *models.EmergencyCredential) {
	_, _ = fmt.Fprintf(w, "\nEmergency credential (shown once):\n\n  %s\n\n", cred.Value())
	_, _ = fmt.Fprintf(w, "accessor:   %s\npolicy:     %s\nexpires at: %s\n\n",
		cred.Accessor, cred.PolicyName, cred.ExpiresAt().UTC().Format(time.RFC3339))
}

// ============================================================================
// revoke
// ============================================================================

var revokeCmd = &cobra.Command{
	Use:   "revoke <incident-id|accessor>",
	Short: "Revoke an emergency credential now",
	Args:  cobra.ExactArgs(1),
	RunE:  runRevoke,
}

func runRevoke(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	var (
		inc *models.Incident
		err error
	)
	if c := remoteClient(cmd); c != nil {
		inc, err = c.Revoke(ctx, args[0])
	} else {
		a, oerr := openApp(cmd)
		if oerr != nil {
			return oerr
		}
		defer a.Close()
		inc, err = a.broker.Revoke(ctx, args[0])
	}
	if err != nil {
		return err
	}
	if jsonOutput(cmd) {
		return printJSON(cmd.OutOrStdout(), inc)
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "incident %s is %s\n", inc.ID, inc.Status)
	return nil
}

// ============================================================================
// status
// ============================================================================

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "List incidents",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringSlice("status", nil, "Filter by status (initiated, active, revoked, failed)")
}

func runStatus(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	raw, _ := cmd.Flags().GetStringSlice("status")
	statuses, err := parseStatuses(raw)
	if err != nil {
		return err
	}

	var incidents []*models.Incident
	if c := remoteClient(cmd); c != nil {
		incidents, err = c.ListIncidents(ctx, statuses...)
	} else {
		a, oerr := openApp(cmd)
		if oerr != nil {
			return oerr
		}
		defer a.Close()
		incidents, err = a.broker.Status(ctx, statuses...)
	}
	if err != nil {
		return err
	}

	if jsonOutput(cmd) {
		return printJSON(cmd.OutOrStdout(), incidents)
	}
	return printIncidents(cmd.OutOrStdout(), incidents, time.Now())
}

func parseStatuses(raw []string) ([]models.IncidentStatus, error) {
	statuses := make([]models.IncidentStatus, 0, len(raw))
	for _, s := range raw {
		status := models.IncidentStatus(strings.ToLower(strings.TrimSpace(s)))
		if !status.Valid() {
			return nil, errors.NewValidationError("status", fmt.Sprintf("unknown status %q", s))
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

func printIncidents(w io.Writer, incidents []*models.Incident, now time.Time) error {
	if len(incidents) == 0 {
		_, err := fmt.Fprintln(w, "no incidents")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "INCIDENT\tSTATUS\tOPERATOR\tAGE\tDEADLINE\tROTATION")
	for _, inc := range incidents {
		deadline := "-"
		if d, ok := inc.Deadline(); ok {
			deadline = d.UTC().Format(time.RFC3339)
		}
		rotation := "-"
		if inc.RotationPending {
			rotation = "pending"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			inc.ID, inc.Status, inc.Operator, now.Sub(inc.InitiatedAt).Round(time.Second), deadline, rotation)
	}
	return tw.Flush()
}

// ============================================================================
// rotate
// ============================================================================

var rotateCmd = &cobra.Command{
	Use:   "rotate <incident-id|accessor>",
	Short: "Re-run secret rotation for a revoked incident",
	Args:  cobra.ExactArgs(1),
	RunE:  runRotate,
}

func runRotate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	var (
		result *models.RotationResult
		err    error
	)
	if c := remoteClient(cmd); c != nil {
		result, err = c.Rotate(ctx, args[0])
	} else {
		a, oerr := openApp(cmd)
		if oerr != nil {
			return oerr
		}
		defer a.Close()
		result, err = a.broker.Rotate(ctx, args[0])
	}

	var unavailable *errors.RotationUnavailableError
	if err != nil && !goerrors.As(err, &unavailable) {
		return err
	}
	if jsonOutput(cmd) {
		return printJSON(cmd.OutOrStdout(), result)
	}
	w := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(w, "incident %s: rotation %s\n", result.IncidentID, result.Status)
	for _, p := range result.Paths {
		_, _ = fmt.Fprintf(w, "  %s\n", p)
	}
	if unavailable != nil {
		_, _ = fmt.Fprintln(w, "rotation service unavailable: rotate the paths above manually")
	}
	return nil
}

// ============================================================================
// audit
// ============================================================================

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query, export or verify the audit log",
	Args:  cobra.NoArgs,
	RunE:  runAudit,
}

func init() {
	auditCmd.Flags().Bool("verify", false, "Verify the audit hash chain")
	auditCmd.Flags().String("export", "", "Export format (json, csv)")
	auditCmd.Flags().String("incident", "", "Filter by incident ID")
	auditCmd.Flags().Duration("since", 0, "Only events newer than this")
	auditCmd.Flags().Int("limit", 100, "Maximum number of events")
}

func runAudit(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	w := cmd.OutOrStdout()
	verify, _ := cmd.Flags().GetBool("verify")

	if verify {
		if c := remoteClient(cmd); c != nil {
			result, err := c.VerifyAudit(ctx)
			if err != nil {
				return err
			}
			return reportVerify(cmd, result.Valid, result.Events, result.BrokenAt, result.Reason, result)
		}
	}

	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if verify {
		result, err := a.audit.VerifyIntegrity(ctx)
		if err != nil {
			return err
		}
		return reportVerify(cmd, result.Valid, result.Events, result.BrokenAt, result.Reason, result)
	}

	query := audit.QueryParams{}
	query.IncidentID, _ = cmd.Flags().GetString("incident")
	query.Limit, _ = cmd.Flags().GetInt("limit")
	if since, _ := cmd.Flags().GetDuration("since"); since > 0 {
		query.Since = time.Now().Add(-since)
	}

	format, _ := cmd.Flags().GetString("export")
	if format == "" && jsonOutput(cmd) {
		format = string(audit.ExportFormatJSON)
	}
	if format != "" {
		f := audit.ExportFormat(format)
		if f != audit.ExportFormatJSON && f != audit.ExportFormatCSV {
			return errors.NewValidationError("export", fmt.Sprintf("unsupported format %q", format))
		}
		data, err := a.audit.Export(ctx, audit.ExportRequest{Query: query, Format: f})
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	}

	events, err := a.audit.Query(ctx, query)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TIME\tKIND\tSEVERITY\tINCIDENT\tOPERATOR")
	for _, e := range events {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.UTC().Format(time.RFC3339), e.Kind, e.Severity, e.IncidentID, e.Operator)
	}
	return tw.Flush()
}

func reportVerify(cmd *cobra.Command, valid bool, events int, brokenAt, reason string, raw any) error {
	if jsonOutput(cmd) {
		if err := printJSON(cmd.OutOrStdout(), raw); err != nil {
			return err
		}
	} else if valid {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "audit chain intact (%d events)\n", events)
	}
	if !valid {
		return fmt.Errorf("audit chain broken at event %s: %s", brokenAt, reason)
	}
	return nil
}

// ============================================================================
// watch
// ============================================================================

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run the revocation daemon and its HTTP API",
	Long: `Watch re-arms revocation timers for every active incident from its
persisted deadline, revokes overdue incidents, and serves the incident and
audit API until interrupted.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().String("addr", "", "Listen address (default from config)")
}

func runWatch(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	cfg := a.cfg
	addr, _ := cmd.Flags().GetString("addr")
	if addr == "" {
		addr = cfg.Server.Addr()
	}

	routerCfg := api.DefaultRouterConfig()
	routerCfg.Logger = a.logger
	routerCfg.Version = version
	routerCfg.MiddlewareConfig.APIToken = cfg.Server.APIToken
	routerCfg.Metrics = metrics.NewServiceMetrics(a.promReg, version)
	routerCfg.Gatherer = a.promReg
	routerCfg.Tracing = cfg.Telemetry.Enabled

	router := api.NewRouter(routerCfg, &api.Services{
		Incidents: a.broker,
		Audit:     a.audit,
		Health:    a.health,
	})
	server, err := api.NewServer(router, &api.ServerConfig{
		Addr:            addr,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     cfg.Server.IdleTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		Logger:          a.logger,
		TLSCertFile:     cfg.Server.TLSCertFile,
		TLSKeyFile:      cfg.Server.TLSKeyFile,
	})
	if err != nil {
		return err
	}

	a.logger.InfoContext(cmd.Context(), "starting breakglass watch daemon", "version", version, "addr", addr)
	g, ctx := errgroup.WithContext(cmd.Context())
	g.Go(func() error { return server.Run(ctx) })
	g.Go(func() error { return a.scheduler.Run(ctx) })
	if err := g.Wait(); err != nil && !goerrors.Is(err, context.Canceled) {
		return err
	}
	a.logger.Info("breakglass watch daemon stopped")
	return nil
}
