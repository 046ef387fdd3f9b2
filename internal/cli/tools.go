package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/hamzaKhattat/smdr-collector/internal/alerts"
	"github.com/hamzaKhattat/smdr-collector/internal/config"
	"github.com/hamzaKhattat/smdr-collector/internal/connection"
	"github.com/hamzaKhattat/smdr-collector/internal/mockstream"
	"github.com/hamzaKhattat/smdr-collector/internal/models"
	"github.com/hamzaKhattat/smdr-collector/internal/parser"
)

func (a *app) parseCmd() *cobra.Command {
	var store bool

	cmd := &cobra.Command{
		Use:   "parse [file]",
		Short: "Parse SMDR lines from a file or stdin",
		Long: `Frames and parses raw SMDR output, evaluating the configured alert
rules. Continuation lines are joined onto their record as they would be
on a live connection. With --store the results are written to the database.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("failed to open %s: %w", args[0], err)
				}
				defer f.Close()
				in = f
			}
			lines, err := frameLines(in)
			if err != nil {
				return err
			}
			return a.parseLines(cmd, lines, store)
		},
	}

	cmd.Flags().BoolVar(&store, "store", false, "Store parsed records, errors and alerts")
	return cmd
}

// frameLines reads r to the end and returns its logical records.
func frameLines(r io.Reader) ([]string, error) {
	var (
		framer connection.Framer
		out    []string
	)
	reader := bufio.NewReader(r)
	buf := make([]byte, 4096)
	for {
		n, err := reader.Read(buf)
		for _, line := range framer.Split(buf[:n]) {
			records, _ := framer.Push(line)
			out = append(out, records...)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read input: %w", err)
		}
	}
	for _, line := range framer.Split([]byte("\n")) {
		records, _ := framer.Push(line)
		out = append(out, records...)
	}
	if rec, ok := framer.Flush(); ok {
		out = append(out, rec)
	}
	return out, nil
}

func (a *app) parseLines(cmd *cobra.Command, lines []string, persist bool) error {
	ctx := context.Background()
	p := parser.New()
	engine := alerts.NewEngine(a.cfg.Alerts.Rules)

	var (
		records []models.Record
		errs    []models.ParseError
		raised  []models.AlertEvent
	)
	for _, line := range lines {
		rec, perr := p.Parse(line)
		if perr != nil {
			errs = append(errs, *perr)
			continue
		}
		records = append(records, *rec)
		raised = append(raised, engine.Evaluate(ctx, rec)...)
	}

	if persist {
		store, err := a.openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		for i := range records {
			id, err := store.InsertRecord(ctx, &records[i])
			if err != nil {
				return err
			}
			records[i].ID = id
		}
		for i := range errs {
			if err := store.InsertParseError(ctx, &errs[i]); err != nil {
				return err
			}
		}
		for i := range raised {
			if err := store.InsertAlert(ctx, &raised[i]); err != nil {
				return err
			}
		}
	}

	out := cmd.OutOrStdout()
	if len(records) > 0 {
		printRecords(out, records)
	}
	for _, pe := range errs {
		fmt.Fprintf(out, "%s %s: %s\n", color.RedString("✗"), pe.Reason, truncate(pe.Line, 60))
	}
	for _, ev := range raised {
		fmt.Fprintf(out, "%s [%s] %s\n", color.YellowString("!"), ev.Type, ev.Message)
	}

	opts := p.DetectedOptions()
	fmt.Fprintf(out, "\nParsed %d records, %d errors, %d alerts\n", len(records), len(errs), len(raised))
	fmt.Fprintf(out, "Detected options: call-id=%v oli=%v extended-digits=%v account-codes=%v\n",
		opts.StandardizedCallID, opts.NetworkOLI, opts.ExtendedDigitLength, opts.AccountCodes)
	if persist {
		fmt.Fprintln(out, color.GreenString("✓ Stored in %s database", a.cfg.Database.Driver))
	}
	return nil
}

func (a *app) mockCmd() *cobra.Command {
	var (
		listen     string
		interval   time.Duration
		maxClients int
		seed       int64
	)

	cmd := &cobra.Command{
		Use:   "mock",
		Short: "Serve a simulated SMDR stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := mockstream.Config{
				Listen:     a.cfg.Mock.Listen,
				Interval:   a.cfg.Mock.Interval,
				MaxClients: a.cfg.Mock.MaxClients,
			}
			if cmd.Flags().Changed("listen") {
				cfg.Listen = listen
			}
			if cmd.Flags().Changed("interval") {
				cfg.Interval = interval
			}
			if cmd.Flags().Changed("max-clients") {
				cfg.MaxClients = maxClients
			}
			if !cmd.Flags().Changed("seed") {
				seed = time.Now().UnixNano()
			}

			srv := mockstream.NewServer(cfg, mockstream.NewGenerator(seed, nil))
			if err := srv.Start(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), color.GreenString("Mock SMDR stream on %s every %s", srv.Addr(), cfg.Interval))

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
			<-sigChan
			signal.Stop(sigChan)

			log.Println("Shutting down mock stream...")
			srv.Stop()
			return nil
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "Listen address (default mock.listen)")
	cmd.Flags().DurationVar(&interval, "interval", mockstream.DefaultInterval, "Line interval")
	cmd.Flags().IntVar(&maxClients, "max-clients", mockstream.DefaultMaxClients, "Maximum concurrent clients")
	cmd.Flags().Int64Var(&seed, "seed", 0, "Random seed (default time based)")
	return cmd
}

func (a *app) monitorCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Follow the live event stream of a running collector",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = a.cfg.Web.Listen
			}
			target, err := eventsURL(addr)
			if err != nil {
				return err
			}

			conn, _, err := websocket.DefaultDialer.Dial(target, nil)
			if err != nil {
				return fmt.Errorf("failed to connect to %s: %w", target, err)
			}
			defer conn.Close()

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, color.GreenString("Following %s (Ctrl+C to stop)", target))

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigChan)
			go func() {
				<-sigChan
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				conn.Close()
			}()

			for {
				_, data, err := conn.ReadMessage()
				if err != nil {
					return nil
				}
				var ev models.ServiceEvent
				if err := json.Unmarshal(data, &ev); err != nil {
					log.Printf("[MONITOR] Bad event: %v", err)
					continue
				}
				fmt.Fprintln(out, formatEvent(ev))
			}
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Collector web address (default web.listen)")
	return cmd
}

// eventsURL turns host:port or an http(s) URL into the websocket event URL.
func eventsURL(addr string) (string, error) {
	if !strings.Contains(addr, "://") {
		if strings.HasPrefix(addr, ":") {
			addr = "localhost" + addr
		}
		addr = "http://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return "", fmt.Errorf("invalid address %q: %w", addr, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = "/ws/events"
	return u.String(), nil
}

func formatEvent(ev models.ServiceEvent) string {
	stamp := ev.At.Local().Format("15:04:05")
	switch ev.Kind {
	case models.EventRecord:
		if r := ev.Record; r != nil {
			return fmt.Sprintf("%s %s %s -> %s %s %s", stamp, color.GreenString("CALL "),
				dash(r.CallingParty), dash(r.CalledParty), r.Duration, dash(r.CompletionStatus))
		}
	case models.EventParseError:
		if pe := ev.ParseError; pe != nil {
			return fmt.Sprintf("%s %s %s: %s", stamp, color.RedString("ERROR"), pe.Reason, truncate(pe.Line, 60))
		}
	case models.EventAlert:
		if al := ev.Alert; al != nil {
			return fmt.Sprintf("%s %s [%s] %s", stamp, color.YellowString("ALERT"), al.Type, al.Message)
		}
	case models.EventStatus:
		return fmt.Sprintf("%s %s %s", stamp, color.CyanString("LINK "), ev.Status)
	case models.EventConnectionEvent:
		if e := ev.Event; e != nil {
			return fmt.Sprintf("%s %s %s", stamp, color.CyanString("EVENT"), e.Message)
		}
	}
	return fmt.Sprintf("%s %s", stamp, ev.Kind)
}

func (a *app) configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := config.Render(a.viper)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}

	cmd.AddCommand(showCmd)
	return cmd
}

func (a *app) hashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash <value>",
		Short: "Print the index hash of a value",
		Long: `Prints the keyed hash stored next to encrypted columns, for matching
rows directly in the database.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fc, err := a.fieldCipher()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), fc.HashForIndex(args[0]))
			return nil
		},
	}
}
