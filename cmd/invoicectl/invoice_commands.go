package main

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/invoice-intake-pipeline/internal/api_gateway/handler"
	"github.com/invoice-intake-pipeline/internal/cli"
	"github.com/invoice-intake-pipeline/internal/domain/invoice"
	"github.com/invoice-intake-pipeline/internal/pipeline"
	"github.com/invoice-intake-pipeline/internal/tracking"
	"github.com/spf13/cobra"
)

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	var opts cli.SubmitOptions
	var metadata []string

	cmd := &cobra.Command{
		Use:   "submit <file>",
		Short: "Upload an invoice document for processing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			meta, err := parseMetadata(metadata)
			if err != nil {
				return err
			}
			opts.Metadata = meta

			result, err := ctx.client().Submit(cmd.Context(), args[0], opts)
			if err != nil {
				return err
			}

			if ctx.jsonOutput() {
				if result.Receipt != nil {
					return writeJSON(cmd, result.Receipt)
				}
				return writeJSON(cmd, result.Invoice)
			}

			out := cmd.OutOrStdout()
			if result.Receipt != nil {
				fmt.Fprintf(out, "Queued %s\n", args[0])
				fmt.Fprintln(out, renderDetails([][2]string{
					{"Correlation ID", result.Receipt.CorrelationID},
					{"Archive key", result.Receipt.ArchiveKey},
					{"Status", result.Receipt.Status},
					{"Submitted", formatTime(result.Receipt.SubmittedAt)},
				}))
				fmt.Fprintf(out, "Track it with: invoicectl status --run %s\n", result.Receipt.CorrelationID)
				return nil
			}

			if result.Invoice.IsDuplicate {
				fmt.Fprintf(out, "Duplicate of %s\n", result.Invoice.DuplicateOf)
			}
			fmt.Fprintln(out, renderInvoice(result.Invoice))
			return nil
		},
	}

	cmd.Flags().BoolVar(&opts.Async, "async", false, "Queue the document and return immediately")
	cmd.Flags().BoolVar(&opts.ForceReprocess, "force", false, "Store the invoice even when it is a duplicate")
	cmd.Flags().BoolVar(&opts.SkipDuplicateCheck, "skip-duplicate-check", false, "Do not run duplicate detection")
	cmd.Flags().BoolVar(&opts.SkipValidation, "skip-validation", false, "Do not validate extracted fields")
	cmd.Flags().StringVar(&opts.UserID, "user", "", "User recorded in the audit trail")
	cmd.Flags().StringVar(&opts.CorrelationID, "correlation-id", "", "Correlation ID to use for this run")
	cmd.Flags().StringArrayVar(&metadata, "meta", nil, "Custom metadata as key=value (repeatable)")
	return cmd
}

func newShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <invoice-id>",
		Short: "Show a stored invoice",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inv, err := ctx.client().GetInvoice(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, inv)
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderInvoice(inv))
			return nil
		},
	}
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var run bool

	cmd := &cobra.Command{
		Use:   "status <invoice-id | correlation-id>",
		Short: "Show the processing status of an invoice or an upload run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := ctx.client()
			var (
				status *tracking.Status
				err    error
			)
			if run {
				status, err = client.GetRunStatus(cmd.Context(), args[0])
			} else {
				status, err = client.GetStatus(cmd.Context(), args[0])
			}
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, status)
			}

			invoiceID := ""
			if status.InvoiceID != nil {
				invoiceID = status.InvoiceID.String()
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderDetails([][2]string{
				{"Correlation ID", status.CorrelationID},
				{"Invoice ID", invoiceID},
				{"Status", status.Status},
				{"Progress", fmt.Sprintf("%d%%", status.Progress)},
				{"Step", status.CurrentStep},
				{"Started", formatTime(status.StartedAt)},
				{"Updated", formatTime(status.UpdatedAt)},
				{"Error", status.Error},
			}))
			return nil
		},
	}

	cmd.Flags().BoolVar(&run, "run", false, "Treat the argument as an upload correlation ID")
	return cmd
}

func newReprocessCommand(ctx *commandContext) *cobra.Command {
	var opts cli.SubmitOptions

	cmd := &cobra.Command{
		Use:   "reprocess <invoice-id>",
		Short: "Run the pipeline again on a stored invoice",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inv, err := ctx.client().Reprocess(cmd.Context(), args[0], opts)
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, inv)
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderInvoice(inv))
			return nil
		},
	}

	cmd.Flags().BoolVar(&opts.ForceReprocess, "force", false, "Keep the result even when it is a duplicate")
	cmd.Flags().BoolVar(&opts.SkipDuplicateCheck, "skip-duplicate-check", false, "Do not run duplicate detection")
	cmd.Flags().BoolVar(&opts.SkipValidation, "skip-validation", false, "Do not validate extracted fields")
	cmd.Flags().StringVar(&opts.UserID, "user", "", "User recorded in the audit trail")
	return cmd
}

func newCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <invoice-id>",
		Short: "Cancel an in-flight invoice",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ctx.client().Cancel(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cancelled %s\n", args[0])
			return nil
		},
	}
}

func newAuditCommand(ctx *commandContext) *cobra.Command {
	var page, perPage int

	cmd := &cobra.Command{
		Use:   "audit <invoice-id>",
		Short: "List the audit trail of an invoice",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			trail, err := ctx.client().GetAuditTrail(cmd.Context(), args[0], page, perPage)
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, trail.Entries)
			}

			out := cmd.OutOrStdout()
			if len(trail.Entries) == 0 {
				fmt.Fprintln(out, "No audit entries")
				return nil
			}
			rows := make([][]string, 0, len(trail.Entries))
			for _, e := range trail.Entries {
				rows = append(rows, []string{e.CreatedAt, e.Action, e.Step, e.UserID, auditSummary(e)})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"Time", "Action", "Step", "User", "Details"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft},
			))
			if trail.Meta.TotalPages > 1 {
				fmt.Fprintf(out, "Page %d of %d (%d entries)\n", trail.Meta.Page, trail.Meta.TotalPages, trail.Meta.TotalItems)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&page, "page", 1, "Page number")
	cmd.Flags().IntVar(&perPage, "per-page", 20, "Entries per page")
	return cmd
}

func newStatsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show processing statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := ctx.client().GetStatistics(cmd.Context())
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, stats)
			}

			statuses := make([]string, 0, len(stats.ByStatus))
			for status := range stats.ByStatus {
				statuses = append(statuses, string(status))
			}
			sort.Strings(statuses)

			rows := make([][]string, 0, len(statuses)+6)
			for _, status := range statuses {
				rows = append(rows, []string{status, strconv.FormatInt(stats.ByStatus[invoice.Status(status)], 10)})
			}
			rows = append(rows,
				[]string{"Total", strconv.FormatInt(stats.Total, 10)},
				[]string{"Active runs", strconv.Itoa(stats.ActiveRuns)},
				[]string{"Succeeded", strconv.FormatInt(stats.Succeeded, 10)},
				[]string{"Failed", strconv.FormatInt(stats.Failed, 10)},
				[]string{"Duplicates", strconv.FormatInt(stats.Duplicates, 10)},
				[]string{"Average duration", stats.AverageDuration.Round(time.Millisecond).String()},
			)
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Metric", "Value"}, rows, []columnAlignment{alignLeft, alignRight}))
			return nil
		},
	}
}

func newHealthCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check the gateway and its dependencies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			health, err := ctx.client().Health(cmd.Context())
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				if err := writeJSON(cmd, health); err != nil {
					return err
				}
			} else {
				names := make([]string, 0, len(health.Dependencies))
				for name := range health.Dependencies {
					names = append(names, name)
				}
				sort.Strings(names)

				rows := make([][]string, 0, len(names))
				for _, name := range names {
					state := "up"
					if !health.Dependencies[name] {
						state = "down"
					}
					rows = append(rows, []string{name, state})
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Status: %s (%d active)\n", health.Status, health.ActiveCount)
				fmt.Fprintln(out, renderTable([]string{"Dependency", "State"}, rows, []columnAlignment{alignLeft, alignLeft}))
			}
			if health.Status != pipeline.HealthHealthy {
				return errors.New("gateway is " + health.Status)
			}
			return nil
		},
	}
}

func renderInvoice(inv *handler.InvoiceResponse) string {
	return renderDetails([][2]string{
		{"ID", inv.ID},
		{"Invoice number", inv.InvoiceNumber},
		{"Bill to", inv.BillTo},
		{"Due date", inv.DueDate},
		{"Total", strconv.FormatFloat(inv.TotalAmount, 'f', 2, 64)},
		{"Status", inv.Status},
		{"Duplicate of", inv.DuplicateOf},
		{"Failure", inv.Metadata.FailureReason},
		{"Attempts", strconv.Itoa(inv.ProcessingAttempts)},
		{"File", inv.Metadata.FileName},
		{"Engine", inv.Metadata.ExtractionEngine},
		{"Confidence", formatConfidence(inv.Metadata.ExtractionConfidence)},
		{"Created", inv.CreatedAt},
		{"Updated", inv.UpdatedAt},
	})
}

func auditSummary(e handler.AuditEntryResponse) string {
	if e.Error != "" {
		return e.Error
	}
	keys := make([]string, 0, len(e.Details))
	for k := range e.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+e.Details[k])
	}
	return strings.Join(parts, " ")
}

func parseMetadata(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	meta := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid metadata %q: expected key=value", pair)
		}
		meta[key] = value
	}
	return meta, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Local().Format(time.DateTime)
}

func formatConfidence(c float64) string {
	if c == 0 {
		return ""
	}
	return strconv.FormatFloat(c, 'f', 2, 64)
}
