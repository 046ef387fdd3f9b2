package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/hamzaKhattat/smdr-collector/internal/alerts"
	"github.com/hamzaKhattat/smdr-collector/internal/models"
)

const dateLayout = "2006-01-02"

type recordFlags struct {
	date      string
	extension string
	account   string
	callType  string
	status    string
	limit     int
	offset    int
}

func (f *recordFlags) register(cmd *cobra.Command, limit int) {
	cmd.Flags().StringVar(&f.date, "date", "", "Call date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&f.extension, "extension", "", "Calling, called or third party (digits search by prefix)")
	cmd.Flags().StringVar(&f.account, "account", "", "Account code")
	cmd.Flags().StringVar(&f.callType, "type", "", "Call type (internal, external)")
	cmd.Flags().StringVar(&f.status, "status", "", "Completion status code")
	cmd.Flags().IntVar(&f.limit, "limit", limit, "Maximum rows")
	cmd.Flags().IntVar(&f.offset, "offset", 0, "Rows to skip")
}

func (f *recordFlags) filters() models.RecordFilters {
	return models.RecordFilters{
		Date:             f.date,
		Extension:        f.extension,
		AccountCode:      f.account,
		CallType:         models.CallType(f.callType),
		CompletionStatus: f.status,
		Limit:            f.limit,
		Offset:           f.offset,
	}
}

func (a *app) recordsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "records",
		Short: "Query stored call records",
	}

	var f recordFlags
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List call records, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := context.Background()
			filters := f.filters()
			records, err := store.GetRecords(ctx, filters)
			if err != nil {
				return err
			}
			total, err := store.CountRecords(ctx, filters)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(records) == 0 {
				fmt.Fprintln(out, "No records found")
				return nil
			}
			printRecords(out, records)
			fmt.Fprintf(out, "\nShowing %d of %d records\n", len(records), total)
			return nil
		},
	}
	f.register(listCmd, 50)

	cmd.AddCommand(listCmd)
	return cmd
}

func printRecords(w io.Writer, records []models.Record) {
	table := newTable(w, "ID", "Date", "Start", "Duration", "From", "To", "Trunk", "Digits", "Account", "Status", "Type")
	for _, r := range records {
		status := dash(r.CompletionStatus)
		if r.IntegrityError != "" {
			status = color.RedString("INTEGRITY")
		}
		id := "-"
		if r.ID > 0 {
			id = strconv.FormatInt(r.ID, 10)
		}
		table.Append([]string{
			id,
			r.Date,
			r.StartTime,
			r.Duration,
			dash(r.CallingParty),
			dash(r.CalledParty),
			dash(r.TrunkNumber),
			dash(r.DigitsDialed),
			dash(r.AccountCode),
			status,
			string(r.CallType),
		})
	}
	table.Render()
}

func (a *app) alertsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "Query raised alerts",
	}

	var (
		alertType string
		limit     int
	)
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List alerts, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			list, err := store.GetAlerts(context.Background(), alertType, limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(list) == 0 {
				fmt.Fprintln(out, "No alerts found")
				return nil
			}
			table := newTable(out, "Time", "Type", "Message", "From", "To", "Duration")
			for _, ev := range list {
				table.Append([]string{
					ev.CreatedAt.Local().Format("2006-01-02 15:04:05"),
					alertColor(ev.Type),
					ev.Message,
					dash(ev.Record.CallingParty),
					dash(ev.Record.CalledParty),
					dash(ev.Record.Duration),
				})
			}
			table.Render()
			return nil
		},
	}
	listCmd.Flags().StringVar(&alertType, "type", "", "Alert type ("+alerts.TypeLongCall+", "+alerts.TypeWatchNumber+
		", "+alerts.TypeRepeatedBusy+", "+alerts.TypeTagCall+", "+alerts.TypeTollDenied+")")
	listCmd.Flags().IntVar(&limit, "limit", 50, "Maximum rows")

	cmd.AddCommand(listCmd)
	return cmd
}

func alertColor(t string) string {
	switch t {
	case alerts.TypeRepeatedBusy, alerts.TypeTollDenied:
		return color.RedString(t)
	case alerts.TypeLongCall, alerts.TypeWatchNumber:
		return color.YellowString(t)
	default:
		return color.CyanString(t)
	}
}

func (a *app) errorsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "errors",
		Short: "Query lines that failed to parse",
	}

	var limit int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List parse errors, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			list, err := store.GetParseErrors(context.Background(), limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(list) == 0 {
				fmt.Fprintln(out, "No parse errors found")
				return nil
			}
			table := newTable(out, "ID", "Time", "Reason", "Line")
			for _, pe := range list {
				table.Append([]string{
					strconv.FormatInt(pe.ID, 10),
					pe.CreatedAt.Local().Format("2006-01-02 15:04:05"),
					pe.Reason,
					truncate(pe.Line, 60),
				})
			}
			table.Render()
			return nil
		},
	}
	listCmd.Flags().IntVar(&limit, "limit", 50, "Maximum rows")

	cmd.AddCommand(listCmd)
	return cmd
}

func (a *app) eventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Query the connection event log",
	}

	var limit int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List connection events, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			list, err := store.GetConnectionEvents(context.Background(), limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(list) == 0 {
				fmt.Fprintln(out, "No connection events found")
				return nil
			}
			table := newTable(out, "Time", "Level", "Message")
			for _, ev := range list {
				level := string(ev.Level)
				switch ev.Level {
				case models.LevelError:
					level = color.RedString(level)
				case models.LevelWarn:
					level = color.YellowString(level)
				}
				table.Append([]string{
					ev.CreatedAt.Local().Format("2006-01-02 15:04:05"),
					level,
					ev.Message,
				})
			}
			table.Render()
			return nil
		},
	}
	listCmd.Flags().IntVar(&limit, "limit", 50, "Maximum rows")

	cmd.AddCommand(listCmd)
	return cmd
}

func (a *app) statsCmd() *cobra.Command {
	var (
		date   string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show dashboard metrics for one day",
		RunE: func(cmd *cobra.Command, args []string) error {
			if date == "" {
				date = time.Now().Format(dateLayout)
			}
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			m, err := store.DashboardMetrics(context.Background(), date)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, m)
			}
			printDashboard(out, m)
			return nil
		},
	}

	cmd.Flags().StringVar(&date, "date", "", "Call date (YYYY-MM-DD, default today)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")
	return cmd
}

func printDashboard(w io.Writer, m *models.DashboardMetrics) {
	fmt.Fprintf(w, "\n%s\n", color.CyanString("=== SMDR Dashboard: %s ===", m.Date))

	table := newTable(w, "Metric", "Value")
	table.Append([]string{"Total Calls", strconv.Itoa(m.TotalCalls)})
	table.Append([]string{"Internal", strconv.Itoa(m.InternalCalls)})
	table.Append([]string{"External", strconv.Itoa(m.ExternalCalls)})
	table.Append([]string{"Total Talk Time", formatSeconds(m.TotalSeconds)})
	table.Append([]string{"Average Duration", formatSeconds(m.AverageSeconds)})
	table.Append([]string{"Longest Call", formatSeconds(m.LongestSeconds)})
	table.Append([]string{"Parse Errors", strconv.Itoa(m.ParseErrors)})
	table.Append([]string{"Alerts", strconv.Itoa(m.Alerts)})
	table.Render()

	if m.TotalCalls == 0 {
		return
	}

	fmt.Fprintln(w, "\nCalls per hour:")
	hours := newTable(w, "Hour", "Calls")
	for h, n := range m.CallsPerHour {
		if n > 0 {
			hours.Append([]string{fmt.Sprintf("%02d:00", h), strconv.Itoa(n)})
		}
	}
	hours.Render()

	printCounts(w, "Top extensions:", "Extension", m.TopExtensions)
	printCounts(w, "Completion status:", "Status", m.CompletionCounts)
}

func printCounts(w io.Writer, title, key string, entries []models.CountEntry) {
	if len(entries) == 0 {
		return
	}
	fmt.Fprintf(w, "\n%s\n", title)
	table := newTable(w, key, "Calls")
	for _, e := range entries {
		table.Append([]string{dash(e.Key), strconv.Itoa(e.Count)})
	}
	table.Render()
}

func (a *app) analyticsCmd() *cobra.Command {
	var (
		start  string
		end    string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "analytics",
		Short: "Summarise traffic over a date range",
		RunE: func(cmd *cobra.Command, args []string) error {
			now := time.Now()
			if end == "" {
				end = now.Format(dateLayout)
			}
			if start == "" {
				start = now.AddDate(0, 0, -6).Format(dateLayout)
			}
			if start > end {
				return fmt.Errorf("start date %s is after end date %s", start, end)
			}

			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			snap, err := store.AnalyticsSnapshot(context.Background(), start, end)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, snap)
			}
			fmt.Fprintf(out, "\n%s\n", color.CyanString("=== SMDR Analytics: %s to %s ===", snap.StartDate, snap.EndDate))
			fmt.Fprintf(out, "Total calls: %d\n", snap.TotalCalls)
			fmt.Fprintf(out, "Total talk time: %s\n", formatSeconds(snap.TotalSeconds))
			printCounts(out, "Calls per day:", "Date", snap.CallsPerDay)
			printCounts(out, "Top callers:", "Caller", snap.TopCallers)
			printCounts(out, "Top destinations:", "Destination", snap.TopDestinations)
			printCounts(out, "Account codes:", "Account", snap.AccountCodeUsage)
			printCounts(out, "Trunks:", "Trunk", snap.TrunkUsage)
			return nil
		},
	}

	cmd.Flags().StringVar(&start, "start", "", "First call date (YYYY-MM-DD, default six days ago)")
	cmd.Flags().StringVar(&end, "end", "", "Last call date (YYYY-MM-DD, default today)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")
	return cmd
}

func formatSeconds(total int) string {
	return (time.Duration(total) * time.Second).String()
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
