package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"southwinds.dev/slotvault/audit"
)

var (
	auditJsonOutput   bool
	auditSince        string
	auditUntil        string
	auditAction       string
	auditSlot         uint32
	auditTransaction  string
	auditFailuresOnly bool
	auditLimit        int
	auditOffset       int
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query the audit trail",
	Long: `Query the engine audit trail with filters.

Examples:
  # All events for the tenant
  slotvault audit query

  # Failed operations on slot 5 in the last day
  slotvault audit query --slot 5 --failures-only --since "$(date -d '24 hours ago' -Iseconds)"

  # Everything one transaction touched
  slotvault audit query --transaction 0b8f...`,
}

var auditQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query audit events with filters",
	RunE:  runAuditQuery,
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditQueryCmd)

	auditQueryCmd.Flags().BoolVar(&auditJsonOutput, "json", false, "output events as JSON")
	auditQueryCmd.Flags().StringVar(&auditSince, "since", "", "only events at or after this RFC3339 time")
	auditQueryCmd.Flags().StringVar(&auditUntil, "until", "", "only events before this RFC3339 time")
	auditQueryCmd.Flags().StringVar(&auditAction, "action", "", "filter by action name")
	auditQueryCmd.Flags().Uint32Var(&auditSlot, "slot", 0, "filter by slot number")
	auditQueryCmd.Flags().StringVar(&auditTransaction, "transaction", "", "filter by transaction id")
	auditQueryCmd.Flags().BoolVar(&auditFailuresOnly, "failures-only", false, "only failed operations")
	auditQueryCmd.Flags().IntVar(&auditLimit, "limit", 50, "maximum number of events")
	auditQueryCmd.Flags().IntVar(&auditOffset, "offset", 0, "events to skip")
}

func runAuditQuery(cmd *cobra.Command, args []string) error {
	options := audit.QueryOptions{
		TenantID:      tenantID,
		Action:        auditAction,
		TransactionID: auditTransaction,
		Limit:         auditLimit,
		Offset:        auditOffset,
	}
	if auditSince != "" {
		since, err := time.Parse(time.RFC3339, auditSince)
		if err != nil {
			return fmt.Errorf("invalid --since value: %w", err)
		}
		options.Since = &since
	}
	if auditUntil != "" {
		until, err := time.Parse(time.RFC3339, auditUntil)
		if err != nil {
			return fmt.Errorf("invalid --until value: %w", err)
		}
		options.Until = &until
	}
	if cmd.Flags().Changed("slot") {
		options.SlotNumber = &auditSlot
	}
	if auditFailuresOnly {
		success := false
		options.Success = &success
	}

	result, err := engine.AuditLogger().Query(options)
	if err != nil {
		return fmt.Errorf("audit query failed: %w", err)
	}

	if auditJsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tACTION\tOK\tSLOT\tACTOR\tERROR")
	for _, event := range result.Events {
		slot := ""
		if event.SlotNumber != nil {
			slot = fmt.Sprintf("%d", *event.SlotNumber)
		}
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\t%s\n",
			event.Timestamp.Format(time.RFC3339), event.Action, event.Success, slot, event.ActorID, event.Error)
	}
	if err = w.Flush(); err != nil {
		return err
	}
	fmt.Printf("\n%d of %d events (filtered %d)\n", len(result.Events), result.TotalCount, result.Filtered)
	return nil
}
