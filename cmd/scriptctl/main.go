package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/goforj/godump"
	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"github.com/okessler/scriptctl/internal/config"
	"github.com/okessler/scriptctl/internal/engine"
	"github.com/okessler/scriptctl/internal/plot"
	"github.com/okessler/scriptctl/internal/store"
)

func main() {
	root := &cli.Command{
		Name:  "scriptctl",
		Usage: "store named scripts and run them on remote machines over SSH",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "path to the configuration file"},
			&cli.StringFlag{Name: "store", Usage: "override the store directory"},
		},
		Commands: []*cli.Command{
			addCommand(),
			listCommand(),
			showCommand(),
			removeCommand(),
			runCommand(),
			execCommand(),
			historyCommand(),
			inspectCommand(),
		},
	}
	if err := root.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

type app struct {
	cfg    *config.Config
	logger *slog.Logger
	store  *store.Store
	close  func()
}

func openApp(cmd *cli.Command) (*app, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, fmt.Errorf("error loading configuration: %w", err)
	}
	if dir := cmd.String("store"); dir != "" {
		cfg.StoreDir = dir
	}
	logger, closeLogger, err := config.NewLogger(cfg)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(cfg.ResolveStoreDir(), logger)
	if err != nil {
		closeLogger()
		return nil, err
	}
	return &app{cfg: cfg, logger: logger, store: st, close: closeLogger}, nil
}

func addCommand() *cli.Command {
	return &cli.Command{
		Name:      "add",
		Usage:     "add or update a script definition",
		ArgsUsage: "[name]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "file", Aliases: []string{"f"}, Usage: "YAML script definition file"},
			&cli.StringFlag{Name: "script-file", Usage: "file containing the script body"},
			&cli.StringFlag{Name: "description"},
			&cli.StringFlag{Name: "host", Usage: `target host; empty = loopback, "local" = direct`},
			&cli.IntFlag{Name: "port"},
			&cli.StringFlag{Name: "user"},
			&cli.StringFlag{Name: "workdir"},
			&cli.StringSliceFlag{Name: "env", Usage: `environment in the format "key=value" (repeatable)`},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			var script store.Script
			if path := cmd.String("file"); path != "" {
				data, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				def, err := store.ParseDefinition(data)
				if err != nil {
					return fmt.Errorf("error parsing %s: %w", path, err)
				}
				script = def.ToScript()
			} else {
				name := cmd.Args().First()
				if name == "" {
					return fmt.Errorf("script name required (or use --file)")
				}
				scriptFile := cmd.String("script-file")
				if scriptFile == "" {
					return fmt.Errorf("--script-file required when not using --file")
				}
				body, err := os.ReadFile(scriptFile)
				if err != nil {
					return err
				}
				env, err := parseEnvFlags(cmd.StringSlice("env"))
				if err != nil {
					return err
				}
				script = store.Script{
					Name:        name,
					Description: cmd.String("description"),
					Host:        cmd.String("host"),
					Port:        int(cmd.Int("port")),
					User:        cmd.String("user"),
					WorkDir:     cmd.String("workdir"),
					Env:         env,
					Script:      string(body),
				}
			}

			saved, err := a.store.AddScript(script)
			if err != nil {
				return err
			}
			fmt.Printf("Saved script %q (%s)\n", saved.Name, saved.ID)
			return nil
		},
	}
}

func listCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "list stored scripts",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			for _, sc := range a.store.ListScripts() {
				target := sc.Host
				if target == "" {
					target = "(loopback)"
				}
				fmt.Printf("%-24s %-20s %s\n", sc.Name, target, sc.Description)
			}
			return nil
		},
	}
}

func showCommand() *cli.Command {
	return &cli.Command{
		Name:      "show",
		Usage:     "print a script definition",
		ArgsUsage: "<name>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			sc, err := a.store.GetScript(cmd.Args().First())
			if err != nil {
				return err
			}
			fmt.Printf("Name:        %s\n", sc.Name)
			if sc.Description != "" {
				fmt.Printf("Description: %s\n", sc.Description)
			}
			fmt.Printf("Host:        %s\n", sc.Host)
			if sc.User != "" {
				fmt.Printf("User:        %s\n", sc.User)
			}
			if sc.WorkDir != "" {
				fmt.Printf("Workdir:     %s\n", sc.WorkDir)
			}
			fmt.Printf("Created:     %s\n", sc.CreatedAt.Format(time.RFC3339))
			fmt.Printf("\n%s\n", sc.Script)
			return nil
		},
	}
}

func removeCommand() *cli.Command {
	return &cli.Command{
		Name:      "remove",
		Usage:     "delete a script definition",
		ArgsUsage: "<name>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()
			return a.store.RemoveScript(cmd.Args().First())
		},
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "run a stored script and stream its output (Ctrl-C kills the run)",
		ArgsUsage: "<name>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "host", Usage: "override the stored host"},
			&cli.StringFlag{Name: "user", Usage: "override the stored user"},
			&cli.StringFlag{Name: "workdir", Usage: "override the stored working directory"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			sc, err := a.store.GetScript(cmd.Args().First())
			if err != nil {
				return err
			}
			req := engine.Request{
				Label:   sc.Name,
				Script:  []byte(sc.Script),
				Host:    sc.Host,
				Port:    sc.Port,
				User:    sc.User,
				WorkDir: sc.WorkDir,
				Env:     sc.Env,
			}
			if host := cmd.String("host"); host != "" {
				req.Host = host
			}
			if user := cmd.String("user"); user != "" {
				req.User = user
			}
			if wd := cmd.String("workdir"); wd != "" {
				req.WorkDir = wd
			}
			return a.runAndStream(ctx, req, sc.ID)
		},
	}
}

func execCommand() *cli.Command {
	return &cli.Command{
		Name:  "exec",
		Usage: "run an ad-hoc script without storing it",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "command", Aliases: []string{"c"}, Usage: "script text to run"},
			&cli.StringFlag{Name: "script-file", Usage: "file containing the script body"},
			&cli.StringFlag{Name: "host"},
			&cli.IntFlag{Name: "port"},
			&cli.StringFlag{Name: "user"},
			&cli.StringFlag{Name: "workdir"},
			&cli.StringSliceFlag{Name: "env", Usage: `environment in the format "key=value" (repeatable)`},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			var body []byte
			switch {
			case cmd.String("command") != "":
				body = []byte(cmd.String("command"))
			case cmd.String("script-file") != "":
				body, err = os.ReadFile(cmd.String("script-file"))
				if err != nil {
					return err
				}
			default:
				return fmt.Errorf("one of --command or --script-file is required")
			}
			env, err := parseEnvFlags(cmd.StringSlice("env"))
			if err != nil {
				return err
			}
			req := engine.Request{
				Label:   "adhoc",
				Script:  body,
				Host:    cmd.String("host"),
				Port:    int(cmd.Int("port")),
				User:    cmd.String("user"),
				WorkDir: cmd.String("workdir"),
				Env:     env,
			}
			return a.runAndStream(ctx, req, uuid.Nil)
		},
	}
}

// runAndStream submits the request, relays its event stream to the
// terminal, and translates the first interrupt into a kill.
func (a *app) runAndStream(ctx context.Context, req engine.Request, scriptID uuid.UUID) error {
	recorded := make(chan struct{})
	reg := engine.New(engine.Options{
		Logger:        a.logger,
		KillGrace:     a.cfg.KillGraceDuration(),
		MaxConcurrent: a.cfg.Engine.MaxConcurrent,
		OnFinish: func(res engine.Result) {
			defer close(recorded)
			rec := store.ExecutionRecord{
				ID:         res.ID,
				ScriptID:   scriptID,
				ScriptName: res.Label,
				State:      string(res.State),
				ExitCode:   res.ExitCode,
				Failure:    res.Failure,
				StartedAt:  res.StartedAt,
				FinishedAt: res.FinishedAt,
			}
			if err := a.store.RecordExecution(rec, res.Output); err != nil {
				a.logger.Warn("execution not recorded", "err", err)
			}
		},
	})

	id, err := reg.Submit(req)
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			_ = reg.Kill(id)
		}
	}()

	events, err := reg.Events(ctx, id, 0)
	if err != nil {
		return err
	}
	exitCode := 0
	for ev := range events {
		switch ev.Kind {
		case engine.EventStdout:
			os.Stdout.Write(ev.Payload)
		case engine.EventStderr:
			os.Stderr.Write(ev.Payload)
		case engine.EventExit:
			exitCode = ev.ExitCode
		case engine.EventError:
			fmt.Fprintln(os.Stderr, "Execution failed:", ev.Err)
			exitCode = 1
		case engine.EventKilled:
			fmt.Fprintln(os.Stderr, "Execution killed")
			exitCode = 130
		}
	}

	// The history record is written off the event stream; wait for it so the
	// process does not exit mid-save.
	select {
	case <-recorded:
	case <-time.After(5 * time.Second):
		a.logger.Warn("timed out waiting for the execution record")
	}
	_ = reg.Release(id)

	if exitCode != 0 {
		return cli.Exit("", exitCode)
	}
	return nil
}

func historyCommand() *cli.Command {
	return &cli.Command{
		Name:      "history",
		Usage:     "list past executions of a script",
		ArgsUsage: "<name>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "plot", Usage: "export a duration time-series plot to this path"},
			&cli.StringFlag{Name: "histogram", Usage: "export a duration histogram to this path"},
			&cli.StringFlag{Name: "log", Usage: "print the archived output of the given execution id"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			if idStr := cmd.String("log"); idStr != "" {
				id, err := uuid.Parse(idStr)
				if err != nil {
					return err
				}
				out, err := a.store.ExecutionLog(id)
				if err != nil {
					return err
				}
				os.Stdout.Write(out)
				return nil
			}

			name := cmd.Args().First()
			records := a.store.History(name)
			if len(records) == 0 {
				fmt.Printf("No executions recorded for %q\n", name)
				return nil
			}

			if path := cmd.String("plot"); path != "" {
				if err := plot.DurationSeries(records, name, path); err != nil {
					return err
				}
				fmt.Println("Plot written to", path)
			}
			if path := cmd.String("histogram"); path != "" {
				if err := plot.DurationHistogram(records, name, path); err != nil {
					return err
				}
				fmt.Println("Histogram written to", path)
			}

			for _, rec := range records {
				fmt.Printf("%s  %-9s exit=%-3d %6.1fs  %s\n",
					rec.StartedAt.Format("2006-01-02 15:04:05"),
					rec.State, rec.ExitCode,
					float64(rec.DurationMS)/1000.0, rec.ID)
			}
			return nil
		},
	}
}

func inspectCommand() *cli.Command {
	return &cli.Command{
		Name:      "inspect",
		Usage:     "dump a script definition and its latest execution",
		ArgsUsage: "<name>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			sc, err := a.store.GetScript(cmd.Args().First())
			if err != nil {
				return err
			}
			records := a.store.History(sc.Name)
			fmt.Printf("Script %q, %d recorded execution(s)\n", sc.Name, len(records))
			if cmd.Bool("verbose") {
				fmt.Print(godump.DumpStr(sc))
				if len(records) > 0 {
					fmt.Print(godump.DumpStr(records[len(records)-1]))
				}
			} else if len(records) > 0 {
				last := records[len(records)-1]
				fmt.Printf("Last run: %s  %s exit=%d\n",
					last.StartedAt.Format(time.RFC3339), last.State, last.ExitCode)
			}
			return nil
		},
	}
}

func parseEnvFlags(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid env format: %s. Expected format: key=value", pair)
		}
		env[parts[0]] = parts[1]
	}
	return env, nil
}
