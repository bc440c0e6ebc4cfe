package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vango-go/vai-macro/internal/dotenv"
	"github.com/vango-go/vai-macro/pkg/config"
	"github.com/vango-go/vai-macro/pkg/core/toolcall"
	"github.com/vango-go/vai-macro/pkg/journal"
	"github.com/vango-go/vai-macro/pkg/surface"
)

type globalFlags struct {
	configPath string
	envFile    string
	logLevel   string
	logJSON    bool
}

func newRootCmd(stdout, stderr io.Writer, deps runDeps) *cobra.Command {
	g := &globalFlags{}
	rf := &runFlags{}

	root := &cobra.Command{
		Use:           "vai-macro",
		Short:         "live macro controller driven by a Gemini Live session",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCommand(cmd, g, rf, stderr, deps)
		},
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", "", "YAML config file")
	root.PersistentFlags().StringVar(&g.envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "debug|info|warn|error")
	root.PersistentFlags().BoolVar(&g.logJSON, "log-json", false, "emit JSON logs")
	rf.register(root)

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "run the control loop (default command)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCommand(cmd, g, rf, stderr, deps)
		},
	}
	rf.register(runCmd)

	root.AddCommand(runCmd, newSchemaCmd(stdout), newTargetsCmd(stdout), newJournalCmd(stdout, g))
	return root
}

// loadConfig applies .env, the config file and the environment. Flag
// overrides and validation are left to the caller.
func loadConfig(g *globalFlags) (config.Config, error) {
	if strings.TrimSpace(g.envFile) != "" {
		if err := dotenv.LoadFile(g.envFile); err != nil {
			return config.Config{}, err
		}
	}
	cfg, err := config.Resolve(g.configPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func newSchemaCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "print the control function declaration as JSON",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			enc := json.NewEncoder(stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(toolcall.FunctionDeclaration())
		},
	}
}

func newTargetsCmd(stdout io.Writer) *cobra.Command {
	targetsCmd := &cobra.Command{
		Use:   "targets",
		Short: "inspect parameter targets",
	}
	checkCmd := &cobra.Command{
		Use:   "check [path]",
		Short: "validate a targets file against the macro set",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			path := config.DefaultTargetsPath
			if len(args) == 1 {
				path = args[0]
			}
			targets, err := surface.LoadTargets(path)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tTRACK\tDEVICE\tPARAM\tMIN\tMAX\tINVERT")
			for _, t := range targets {
				fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%g\t%g\t%v\n",
					t.Name, t.TrackIndex, t.DeviceIndex, t.ParameterIndex, t.MinValue, t.MaxValue, t.Invert)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			if err := surface.CheckMacroContract(targets); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "ok: %d targets match the macro set\n", len(targets))
			return nil
		},
	}
	targetsCmd.AddCommand(checkCmd)
	return targetsCmd
}

func newJournalCmd(stdout io.Writer, g *globalFlags) *cobra.Command {
	var (
		path  string
		limit int
	)
	journalCmd := &cobra.Command{
		Use:   "journal",
		Short: "inspect the tool-call journal",
	}
	tailCmd := &cobra.Command{
		Use:   "tail",
		Short: "print the most recent tool calls",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if path == "" {
				cfg, err := loadConfig(g)
				if err != nil {
					return err
				}
				path = cfg.JournalPath
			}
			if path == "" {
				return errors.New("no journal configured; pass --journal or set VAI_MACRO_JOURNAL")
			}
			j, err := journal.Open(path, journal.Options{})
			if err != nil {
				return err
			}
			defer j.Close()

			ctx := cmd.Context()
			recs, err := j.RecentToolCalls(ctx, limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tAGENT\tCALL\tSTATUS\tDETAIL")
			for _, r := range recs {
				detail := r.Error
				if r.Status == toolcall.StatusOK {
					raw, _ := json.Marshal(r.Accepted)
					detail = string(raw)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					r.CreatedAt.Format("2006-01-02T15:04:05.000Z07:00"), r.AgentID, r.CallID, r.Status, detail)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			if h, ok, err := j.LatestHandle(ctx, ""); err != nil {
				return err
			} else if ok {
				fmt.Fprintf(stdout, "latest handle: %s (agent %s)\n", h.Handle, h.AgentID)
			}
			return nil
		},
	}
	tailCmd.Flags().StringVar(&path, "journal", "", "journal database path")
	tailCmd.Flags().IntVar(&limit, "limit", 20, "number of tool calls to show")
	journalCmd.AddCommand(tailCmd)
	return journalCmd
}
