package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/dshills/stagegate/gate"
	"github.com/dshills/stagegate/gate/agentdef"
)

func newRootCommand(cfg *Config) *cobra.Command {
	root := &cobra.Command{
		Use:           "stagegate",
		Short:         "Stage-gate control for multi-stage agent pipelines",
		Long:          "stagegate decides whether a pipeline transition is legal and durably records every transition.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&cfg.Home, "root", cfg.Home, "State directory (env STAGEGATE_HOME)")
	flags.StringVar(&cfg.AgentsDir, "agents-dir", cfg.AgentsDir, "Agent definition directory (env STAGEGATE_AGENTS_DIR, default <root>/agents)")
	flags.StringVarP(&cfg.Workspace, "workspace", "w", cfg.Workspace, "Workspace part of the run key (env STAGEGATE_WORKSPACE)")
	flags.StringVarP(&cfg.Session, "session", "s", cfg.Session, "Session part of the run key (env STAGEGATE_SESSION)")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn, error (env STAGEGATE_LOG_LEVEL)")
	flags.StringVar(&cfg.Archive, "archive", cfg.Archive, "History archive: none, sqlite, mysql (env STAGEGATE_ARCHIVE)")
	flags.StringVar(&cfg.MySQLDSN, "mysql-dsn", cfg.MySQLDSN, "MySQL DSN for --archive mysql (env STAGEGATE_MYSQL_DSN)")
	flags.StringVar(&cfg.MetricsFile, "metrics-file", cfg.MetricsFile, "Write Prometheus metrics to this textfile on exit (env STAGEGATE_METRICS_FILE)")

	root.AddCommand(newStartCommand(cfg))
	root.AddCommand(newCompleteCommand(cfg))
	root.AddCommand(newResumeCommand(cfg))
	root.AddCommand(newSimpleActionCommand(cfg, gate.ActionStartRepairUnit, "start-repair-unit <agent>", "Open the repair unit ending at the current stage"))
	root.AddCommand(newSimpleActionCommand(cfg, gate.ActionRepair, "repair <agent>", "Begin the next iteration of the active repair unit"))
	root.AddCommand(newSimpleActionCommand(cfg, gate.ActionEndRepairUnit, "end-repair-unit <agent>", "Close the active repair unit"))
	root.AddCommand(newSimpleActionCommand(cfg, gate.ActionStatus, "status <agent>", "Show the current run"))
	root.AddCommand(newSimpleActionCommand(cfg, gate.ActionReset, "reset <agent>", "Discard the current run"))
	root.AddCommand(newDispatchCommand(cfg))
	root.AddCommand(newEventsCommand(cfg))
	root.AddCommand(newOutputsCommand(cfg))
	root.AddCommand(newHistoryCommand(cfg))
	root.AddCommand(newAgentsCommand(cfg))
	root.AddCommand(newStateCommand(cfg))
	return root
}

// withApp opens the engine for the duration of fn.
func withApp(cfg *Config, cmd *cobra.Command, fn func(a *app) error) (err error) {
	a, err := openApp(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(a)
}

func runAction(cfg *Config, cmd *cobra.Command, req gate.Request) error {
	return withApp(cfg, cmd, func(a *app) error {
		res, err := a.dispatch(cmd.Context(), req)
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), res)
	})
}

func newStartCommand(cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start <agent> <stage>",
		Short: "Start a stage (stage 0 creates a run)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			stage, err := parseStage(args[1])
			if err != nil {
				return err
			}
			data, err := payloadFromFlags(cmd)
			if err != nil {
				return err
			}
			return runAction(cfg, cmd, gate.Request{AgentSlug: args[0], Action: gate.ActionStart, Stage: &stage, Data: data})
		},
	}
	addDataFlags(cmd)
	return cmd
}

func newCompleteCommand(cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "complete <agent> <stage>",
		Short: "Complete the current stage with its output",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			stage, err := parseStage(args[1])
			if err != nil {
				return err
			}
			data, err := payloadFromFlags(cmd)
			if err != nil {
				return err
			}
			return runAction(cfg, cmd, gate.Request{AgentSlug: args[0], Action: gate.ActionComplete, Stage: &stage, Data: data})
		},
	}
	addDataFlags(cmd)
	return cmd
}

func newResumeCommand(cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:       "resume <agent> <proceed|modify|abort>",
		Short:     "Answer a pause",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{string(gate.DecisionProceed), string(gate.DecisionModify), string(gate.DecisionAbort)},
		RunE: func(cmd *cobra.Command, args []string) error {
			data := gate.Payload{"decision": args[1]}
			raw, _ := cmd.Flags().GetString("modifications")
			if raw != "" {
				var mods any
				if err := json.Unmarshal([]byte(raw), &mods); err != nil {
					return fmt.Errorf("invalid --modifications: %w", err)
				}
				data["modifications"] = mods
			}
			return runAction(cfg, cmd, gate.Request{AgentSlug: args[0], Action: gate.ActionResume, Data: data})
		},
	}
	cmd.Flags().StringP("modifications", "m", "", "JSON object carried to the next start (modify only)")
	return cmd
}

func newSimpleActionCommand(cfg *Config, action gate.Action, use, short string) *cobra.Command {
	return &cobra.Command{
		Use:     use,
		Short:   short,
		Aliases: []string{string(action)},
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAction(cfg, cmd, gate.Request{AgentSlug: args[0], Action: action})
		},
	}
}

func newDispatchCommand(cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Run one JSON-encoded request read from --request or stdin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, _ := cmd.Flags().GetString("request")
			var body []byte
			if raw != "" {
				body = []byte(raw)
			} else {
				var err error
				if body, err = io.ReadAll(cmd.InOrStdin()); err != nil {
					return fmt.Errorf("failed to read request: %w", err)
				}
			}
			var req gate.Request
			if err := json.Unmarshal(body, &req); err != nil {
				return fmt.Errorf("invalid request: %w", err)
			}
			return runAction(cfg, cmd, req)
		},
	}
	cmd.Flags().String("request", "", "Request JSON (default: read stdin)")
	return cmd
}

func newEventsCommand(cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "events <agent>",
		Short: "Print the agent's event log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cfg, cmd, func(a *app) error {
				events, err := a.engine.Events(cmd.Context(), a.key(args[0]))
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), events)
			})
		},
	}
}

func newOutputsCommand(cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "outputs <agent> <run-id>",
		Short: "Print the stage outputs recorded for a run",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cfg, cmd, func(a *app) error {
				outputs, err := a.engine.Outputs(cmd.Context(), a.key(args[0]), args[1])
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), outputs)
			})
		},
	}
}

func newHistoryCommand(cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history [agent]",
		Short: "List archived completions, or one run's archived events with --run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cfg, cmd, func(a *app) error {
				if a.archive == nil {
					return fmt.Errorf("history requires --archive sqlite or mysql")
				}
				if runID, _ := cmd.Flags().GetString("run"); runID != "" {
					events, err := a.archive.RunEvents(cmd.Context(), runID)
					if err != nil {
						return err
					}
					return writeJSON(cmd.OutOrStdout(), events)
				}
				agent := ""
				if len(args) == 1 {
					agent = args[0]
				}
				limit, _ := cmd.Flags().GetInt("limit")
				recs, err := a.archive.Completions(cmd.Context(), agent, limit)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), recs)
			})
		},
	}
	cmd.Flags().Int("limit", 20, "Maximum completions to list")
	cmd.Flags().String("run", "", "Print the archived events of this run id")
	return cmd
}

func newAgentsCommand(cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Inspect agent definitions",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the loaded agent definitions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := agentdef.LoadDir(cfg.AgentsPath())
			if err != nil {
				return err
			}
			defs := make([]*gate.Definition, 0, len(reg.Slugs()))
			for _, slug := range reg.Slugs() {
				def, err := reg.Lookup(slug)
				if err != nil {
					return err
				}
				defs = append(defs, def)
			}
			return writeJSON(cmd.OutOrStdout(), defs)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "validate <file>...",
		Short: "Check definition files without loading them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			failed := 0
			for _, path := range args {
				if _, err := agentdef.LoadFile(path); err != nil {
					failed++
					fmt.Fprintf(cmd.OutOrStdout(), "FAIL %s: %v\n", path, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "ok   %s\n", path)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d definitions invalid", failed, len(args))
			}
			return nil
		},
	})
	return cmd
}

func newStateCommand(cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Read or merge the agent state bag",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get <agent>",
		Short: "Print the agent state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cfg, cmd, func(a *app) error {
				state, err := a.engine.State(cmd.Context(), a.key(args[0]))
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), state)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "merge <agent> <json-object>",
		Short: "Overwrite top-level keys of the agent state",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var patch map[string]any
			if err := json.Unmarshal([]byte(args[1]), &patch); err != nil {
				return fmt.Errorf("invalid state patch: %w", err)
			}
			return withApp(cfg, cmd, func(a *app) error {
				state, err := a.engine.MergeState(cmd.Context(), a.key(args[0]), patch)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), state)
			})
		},
	})
	return cmd
}

func addDataFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("data", "d", "", "Stage data as a JSON object")
	cmd.Flags().String("data-file", "", "Read stage data from a JSON file (- for stdin)")
}

func payloadFromFlags(cmd *cobra.Command) (gate.Payload, error) {
	raw, _ := cmd.Flags().GetString("data")
	path, _ := cmd.Flags().GetString("data-file")
	if raw != "" && path != "" {
		return nil, fmt.Errorf("--data and --data-file are mutually exclusive")
	}

	var body []byte
	switch {
	case raw != "":
		body = []byte(raw)
	case path == "-":
		b, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		body = b
	case path != "":
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read data file: %w", err)
		}
		body = b
	default:
		return nil, nil
	}

	var data gate.Payload
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("stage data must be a JSON object: %w", err)
	}
	return data, nil
}

func parseStage(s string) (int, error) {
	stage, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid stage %q: %w", s, err)
	}
	return stage, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
