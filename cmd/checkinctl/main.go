package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"checkin/internal/attendance"
	"checkin/internal/auth"
	"checkin/internal/config"
	"checkin/internal/logging"
	"checkin/internal/scanner"
	"checkin/internal/store"
)

var v *viper.Viper

var rootCmd = &cobra.Command{
	Use:           "checkinctl",
	Short:         "Operate the check-in service",
	Long:          "checkinctl runs scan stations, imports rosters, inspects records and scan history, and manages the schema.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := config.LoadDotEnv(); err != nil {
		slog.Warn("ignoring .env", "err", err)
	}
	v = config.New()
	addPersistentFlags()
	registerCommands()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().String("api-url", "http://localhost:8081", "check-in API base URL")
	rootCmd.PersistentFlags().String("api-token", "", "bearer token for the API")
	rootCmd.PersistentFlags().String("database-url", "", "Postgres URL (defaults to DATABASE_URL)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = v.BindPFlag("api_url", rootCmd.PersistentFlags().Lookup("api-url"))
	_ = v.BindPFlag("api_token", rootCmd.PersistentFlags().Lookup("api-token"))
	_ = v.BindPFlag("database_url", rootCmd.PersistentFlags().Lookup("database-url"))
	_ = v.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(registerCmd())
	rootCmd.AddCommand(scanCmd())
	rootCmd.AddCommand(importCmd())
	rootCmd.AddCommand(recordsCmd())
	rootCmd.AddCommand(scansCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(migrateCmd())
}

func client() *scanner.Client {
	return scanner.NewClient(v.GetString("api_url"), v.GetString("api_token"))
}

func registerCmd() *cobra.Command {
	var stationID string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Enroll a scan station and print its staff token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load(v)
			tok, exp, err := client().RegisterStation(cmd.Context(), stationID, cfg.StationEnrollmentKey)
			if err != nil {
				return err
			}
			if v.GetBool("json") {
				return printJSON(cmd.OutOrStdout(), map[string]any{"access_token": tok, "expires_at": exp.Unix()})
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			fmt.Fprintf(cmd.ErrOrStderr(), "valid until %s; pass it as --api-token or API_TOKEN\n", exp.Local().Format(time.DateTime))
			return nil
		},
	}
	cmd.Flags().StringVar(&stationID, "station-id", "", "station identifier")
	cmd.Flags().String("enrollment-key", "", "enrollment key (defaults to STATION_ENROLLMENT_KEY)")
	_ = v.BindPFlag("station_enrollment_key", cmd.Flags().Lookup("enrollment-key"))
	_ = cmd.MarkFlagRequired("station-id")
	return cmd
}

func scanCmd() *cobra.Command {
	var stationID string
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run a scan station reading one payload per line from stdin",
		Long: `scan reads decoded QR payloads from stdin, one per line, as a USB or
keyboard-wedge scanner types them. Each payload is validated through the API.
After a decision the station ignores input for SCAN_SUCCESS_PAUSE or
SCAN_FAILURE_PAUSE so the operator can read the result.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load(v)
			st := scanner.NewStation(client(), scanner.Options{
				SuccessPause: cfg.ScanSuccessPause,
				FailurePause: cfg.ScanFailurePause,
				ActorID:      stationID,
				Logger:       logging.New(cfg.Env, cfg.LogLevel),
			})
			fmt.Fprintln(cmd.ErrOrStderr(), "station ready, scan a code")
			return st.Run(cmd.Context(), cmd.InOrStdin(), func(r scanner.Result) {
				printResult(cmd.OutOrStdout(), r)
			})
		},
	}
	cmd.Flags().StringVar(&stationID, "station-id", "", "station identifier recorded as the scan actor")
	return cmd
}

func printResult(w io.Writer, r scanner.Result) {
	if v.GetBool("json") {
		_ = json.NewEncoder(w).Encode(r)
		return
	}
	if !r.OK() {
		line := fmt.Sprintf("✘ %s: %s", r.Kind, r.Message)
		if r.Retryable {
			line += " (retry)"
		}
		fmt.Fprintln(w, text.FgRed.Sprint(line))
		return
	}
	p := r.Outcome.Participant
	detail := p.Team
	if p.Institution != "" {
		detail += " / " + p.Institution
	}
	fmt.Fprintln(w, text.FgGreen.Sprintf("✔ %s (%s) %s", p.Name, detail, outcomeNote(r.Outcome)))
}

func outcomeNote(o attendance.Outcome) string {
	if o.Record != nil {
		return "checked in as " + string(o.Record.Status)
	}
	if o.Scan != nil {
		return "scanned at " + o.Scan.ScannedAt.Local().Format("15:04:05")
	}
	return ""
}

func importCmd() *cobra.Command {
	var file string
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Upsert activities and participants from a roster YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			roster, err := loadRoster(file)
			if err != nil {
				return err
			}
			if dryRun {
				fmt.Fprintf(cmd.OutOrStdout(), "roster ok: %d activities, %d participants\n", len(roster.Activities), len(roster.Participants))
				return nil
			}
			db, err := store.NewDB(cmd.Context(), v.GetString("database_url"))
			if err != nil {
				return err
			}
			defer db.Close()
			acts, parts, err := roster.apply(cmd.Context(), attendance.NewRepository(db))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d activities, %d participants\n", acts, parts)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "roster YAML file")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "validate only")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func recordsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "records <activity-id>",
		Short: "List settled records of an activity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := client().Records(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if v.GetBool("json") {
				return printJSON(cmd.OutOrStdout(), entries)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(cmd.OutOrStdout())
			tw.AppendHeader(table.Row{"Participant", "Status", "Method", "Checked in", "Points", "Actor", "Notes"})
			total := 0
			for _, e := range entries {
				tw.AppendRow(table.Row{e.Record.ParticipantID, e.Display.Label, e.Record.Method, e.Record.CheckedInAt.Local().Format(time.DateTime), e.Display.Points, e.Record.ActorID, e.Record.Notes})
				total += e.Display.Points
			}
			tw.AppendFooter(table.Row{fmt.Sprintf("%d records", len(entries)), "", "", "", total, "", ""})
			tw.Render()
			return nil
		},
	}
}

func scansCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "scans <code>",
		Short: "Show accepted scans of an opaque code, most recent first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := client().Scans(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			if v.GetBool("json") {
				return printJSON(cmd.OutOrStdout(), entries)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(cmd.OutOrStdout())
			tw.AppendHeader(table.Row{"Scanned at", "Name", "Team", "Category", "Institution", "Station"})
			for _, e := range entries {
				p := e.Participant
				tw.AppendRow(table.Row{e.ScannedAt.Local().Format(time.DateTime), p.Name, p.Team, p.Category, p.Institution, e.ActorID})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum entries")
	return cmd
}

func tokenCmd() *cobra.Command {
	var subject, role string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an access token signed with JWT_SIGNING_KEY",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load(v)
			tok, exp, err := auth.NewSigner(cfg.JWTSigningKey, cfg.JWTIssuer, cfg.AccessTTL).Issue(subject, role)
			if err != nil {
				return err
			}
			if v.GetBool("json") {
				return printJSON(cmd.OutOrStdout(), map[string]any{"access_token": tok, "expires_at": exp.Unix()})
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "participant id or operator name")
	cmd.Flags().StringVar(&role, "role", auth.RoleParticipant, "participant, staff or admin")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := store.NewDB(cmd.Context(), v.GetString("database_url"))
			if err != nil {
				return err
			}
			defer db.Close()
			version, err := store.Migrate(cmd.Context(), db)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema at version %d\n", version)
			return nil
		},
	}
}

func printJSON(w io.Writer, val any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(val)
}
