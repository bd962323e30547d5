package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"

	"github.com/cuemby/topofabric/pkg/api"
	"github.com/cuemby/topofabric/pkg/client"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Validate the fabric against the topology store",
	Long: `Run a reconciliation pass on a node and print its findings.

Without --repair the pass only reports. With --repair, missing and
mismatched fabric objects are rewritten, orphaned objects deleted and
mapping rows corrected. --last prints the report of the node's most
recent pass without running a new one.`,
	RunE: runReconcile,
}

func init() {
	reconcileCmd.Flags().Bool("repair", false, "Repair the discrepancies found")
	reconcileCmd.Flags().Bool("last", false, "Show the last report instead of running a pass")
	addrFlag(reconcileCmd)
}

func runReconcile(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	repair, _ := cmd.Flags().GetBool("repair")
	last, _ := cmd.Flags().GetBool("last")

	c, err := client.NewClient(addr)
	if err != nil {
		return err
	}

	var report *api.ReportView
	if last {
		report, err = c.LastReport(cmd.Context())
	} else {
		report, err = c.Reconcile(cmd.Context(), repair)
	}
	if err != nil {
		return err
	}

	printReport(os.Stdout, report)
	if unrepaired(report) > 0 {
		return fmt.Errorf("%d discrepancies left unrepaired", unrepaired(report))
	}
	return nil
}

func unrepaired(r *api.ReportView) int {
	n := 0
	for _, d := range r.Discrepancies {
		if !d.Repaired {
			n++
		}
	}
	return n
}

func printReport(w io.Writer, r *api.ReportView) {
	fmt.Fprintf(w, "Report %s (repair=%t, %s)\n", r.ID, r.Repair, r.FinishedAt.Sub(r.StartedAt))
	if r.Clean {
		fmt.Fprintln(w, "✓ Fabric and mappings match the topology store")
		return
	}

	kinds := make([]string, 0, len(r.Counts))
	for k := range r.Counts {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		fmt.Fprintf(w, "  %-18s %d\n", k, r.Counts[k])
	}
	fmt.Fprintln(w)

	rows := make([][]string, 0, len(r.Discrepancies))
	for _, d := range r.Discrepancies {
		rows = append(rows, []string{d.Kind, d.Subject, strconv.FormatBool(d.Repaired), d.Detail})
	}
	table := newTable(w)
	table.SetHeader([]string{"KIND", "SUBJECT", "REPAIRED", "DETAIL"})
	table.AppendBulk(rows)
	table.Render()
}

// newTable returns a borderless, left aligned table
func newTable(w io.Writer) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetBorder(false)
	table.SetHeaderLine(false)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	return table
}
