package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func (a *app) exportCmd() *cobra.Command {
	var (
		f      recordFlags
		output string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export call records as CSV",
		Long: `Writes matching records, decrypted, as CSV. When --output names a
directory a timestamped file is created inside it; "-" writes to stdout.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			if output == "-" {
				_, err := store.ExportCSV(context.Background(), cmd.OutOrStdout(), f.filters())
				return err
			}

			path := exportPath(output, time.Now())
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return fmt.Errorf("failed to create export directory: %w", err)
			}
			file, err := os.Create(path)
			if err != nil {
				return fmt.Errorf("failed to create export file: %w", err)
			}
			n, err := store.ExportCSV(context.Background(), file, f.filters())
			if cerr := file.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), color.GreenString("✓ Exported %d records to %s", n, path))
			return nil
		},
	}

	f.register(cmd, 0)
	cmd.Flags().StringVarP(&output, "output", "o", ".", "Output file, directory or - for stdout")
	return cmd
}

// exportPath resolves an --output value. Directories get a timestamped name.
func exportPath(output string, now time.Time) string {
	if output == "" {
		output = "."
	}
	if info, err := os.Stat(output); (err == nil && info.IsDir()) || strings.HasSuffix(output, string(os.PathSeparator)) {
		return filepath.Join(output, "smdr-export-"+now.Format("20060102-150405")+".csv")
	}
	return output
}

func (a *app) purgeCmd() *cobra.Command {
	var (
		days int
		yes  bool
	)

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete stored data older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			if days == 0 {
				days = a.cfg.Storage.RetentionDays
			}
			if days <= 0 {
				return fmt.Errorf("retention must be at least one day, got %d", days)
			}

			out := cmd.OutOrStdout()
			if !yes && !confirm(cmd.InOrStdin(), out, fmt.Sprintf("Delete all data older than %d days?", days)) {
				fmt.Fprintln(out, "Purge cancelled")
				return nil
			}

			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			res, err := store.PurgeOlderThan(context.Background(), days)
			if err != nil {
				return err
			}

			table := newTable(out, "Table", "Deleted")
			table.Append([]string{"smdr_records", fmt.Sprint(res.Records)})
			table.Append([]string{"parse_errors", fmt.Sprint(res.ParseErrors)})
			table.Append([]string{"connection_events", fmt.Sprint(res.ConnectionEvents)})
			table.Append([]string{"alert_events", fmt.Sprint(res.Alerts)})
			table.Render()
			fmt.Fprintln(out, color.GreenString("✓ Purged %d rows beyond %d days", res.Total(), days))
			return nil
		},
	}

	cmd.Flags().IntVar(&days, "days", 0, "Retention in days (default storage.retention_days)")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation")
	return cmd
}

func confirm(in io.Reader, out io.Writer, question string) bool {
	fmt.Fprintf(out, "%s [y/N]: ", question)
	response, _ := bufio.NewReader(in).ReadString('\n')
	response = strings.ToLower(strings.TrimSpace(response))
	return response == "y" || response == "yes"
}

func (a *app) rolloverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rollover",
		Short: "Archive yesterday's records and apply retention",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			res, err := store.RunDailyRollover(context.Background(), a.cfg.Storage.ArchiveDir, a.cfg.Storage.RetentionDays)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			switch {
			case a.cfg.Storage.ArchiveDir == "":
				fmt.Fprintln(out, color.YellowString("Archiving disabled (storage.archive_dir is empty)"))
			case res.Archive != "":
				fmt.Fprintln(out, color.GreenString("✓ Archived %d records to %s", res.Archived, res.Archive))
			default:
				fmt.Fprintln(out, "Archive for yesterday already present")
			}
			if n := res.Purged.Total(); n > 0 {
				fmt.Fprintf(out, "Purged %d rows beyond retention policy\n", n)
			}
			return nil
		},
	}
}
