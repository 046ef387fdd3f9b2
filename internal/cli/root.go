// Package cli is the smdr command tree.
package cli

import (
	"fmt"
	"io"
	"log"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hamzaKhattat/smdr-collector/internal/cipher"
	"github.com/hamzaKhattat/smdr-collector/internal/config"
	"github.com/hamzaKhattat/smdr-collector/internal/db"
)

const Version = "1.0.0"

type app struct {
	cfgFile string
	verbose bool

	cfg   *config.AppConfig
	viper *viper.Viper
}

// InitCLI builds the root command with every subcommand attached.
func InitCLI() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:   "smdr",
		Short: "SMDR telemetry collector",
		Long: `Collects Station Message Detail Recording lines from one or more
telephony controllers, stores them encrypted at rest and raises alerts.`,
		Version:           Version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.load,
	}

	rootCmd.PersistentFlags().StringVar(&a.cfgFile, "config", config.DefaultFile, "Configuration file path")
	rootCmd.PersistentFlags().BoolVar(&a.verbose, "verbose", false, "Enable verbose logging")

	rootCmd.AddCommand(
		a.serveCmd(),
		a.parseCmd(),
		a.recordsCmd(),
		a.alertsCmd(),
		a.errorsCmd(),
		a.eventsCmd(),
		a.statsCmd(),
		a.analyticsCmd(),
		a.exportCmd(),
		a.purgeCmd(),
		a.rolloverCmd(),
		a.mockCmd(),
		a.monitorCmd(),
		a.configCmd(),
		a.hashCmd(),
	)
	return rootCmd
}

func (a *app) load(cmd *cobra.Command, args []string) error {
	if a.verbose {
		log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds | log.Lshortfile)
	} else {
		log.SetFlags(log.Ldate | log.Ltime)
	}

	cfg, v, err := config.Load(a.cfgFile)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.viper = v
	return nil
}

func (a *app) fieldCipher() (*cipher.FieldCipher, error) {
	fc, err := cipher.NewWithSalt(a.cfg.Database.EncryptionKey, a.cfg.Database.HashSalt)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize field cipher: %w", err)
	}
	return fc, nil
}

func (a *app) openStore() (*db.Store, error) {
	fc, err := a.fieldCipher()
	if err != nil {
		return nil, err
	}
	store, err := db.Open(a.cfg.Database.Driver, a.cfg.Database.DSN(), fc)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return store, nil
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetBorder(true)
	table.SetRowLine(false)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	return table
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
