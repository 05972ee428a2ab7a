package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/BTreeMap/LeadPipe/internal/lockfile"
	"github.com/BTreeMap/LeadPipe/internal/lyrics"
	"github.com/BTreeMap/LeadPipe/internal/scheduler"
	"github.com/BTreeMap/LeadPipe/internal/sequence"
	"github.com/BTreeMap/LeadPipe/internal/store"
	"github.com/BTreeMap/LeadPipe/internal/tagging"
	"github.com/BTreeMap/LeadPipe/internal/trigger"
	"github.com/BTreeMap/LeadPipe/internal/whatsapp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

// newRootCmd builds the command tree. Flag defaults come from cfg, so the
// environment must be loaded first.
func newRootCmd(cfg *Config) *cobra.Command {
	envStateDir := cfg.StateDir

	root := &cobra.Command{
		Use:          "LeadPipe",
		Short:        "WhatsApp lead sequences, inactivity tags and lyric delivery",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			cfg.applyStateDir(envStateDir, flags.Changed("db-dsn"), flags.Changed("wa-db-dsn"))
			initializeLogger(cfg.LogLevel)
			return cfg.validate()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&cfg.StateDir, "state-dir", cfg.StateDir, "state directory for databases and the lock file (overrides $LEADPIPE_STATE_DIR)")
	pf.StringVar(&cfg.AppDBDSN, "db-dsn", cfg.AppDBDSN, "application database DSN, SQLite path or PostgreSQL URL (overrides $DATABASE_DSN)")
	pf.StringVar(&cfg.WhatsAppDBDSN, "wa-db-dsn", cfg.WhatsAppDBDSN, "whatsmeow device store DSN (overrides $WHATSAPP_DB_DSN)")
	pf.StringVar(&cfg.Transport, "transport", cfg.Transport, "messaging transport: whatsapp or twilio (overrides $TRANSPORT)")
	pf.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn or error (overrides $LOG_LEVEL)")

	root.AddCommand(
		newServeCmd(cfg),
		newTickCmd(cfg),
		newSeedCmd(cfg),
		newConfigCmd(cfg),
		newSequencesCmd(cfg),
		newLyricCmd(cfg),
		newWhatsAppCmd(cfg),
	)
	return root
}

func newServeCmd(cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Connect the transport and run all periodic jobs until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, *cfg)
		},
	}
}

func runServe(ctx context.Context, cfg Config) error {
	a, err := newApp(ctx, cfg, "serve", true)
	if err != nil {
		return err
	}
	defer a.Close()

	sched, err := a.sequenceScheduler()
	if err != nil {
		return err
	}
	workflow, err := a.lyricWorkflow()
	if err != nil {
		return err
	}
	evaluator := tagging.NewEvaluator(a.store)
	handler := trigger.NewHandler(a.store, trigger.WithPhonePrefix(cfg.PhonePrefix))

	jobs := scheduler.NewScheduler()
	if err := jobs.AddJob("sequences", cfg.SequenceSchedule, func() {
		r := sched.Tick(ctx)
		slog.Info("Sequence tick finished", "report", r.String())
	}); err != nil {
		return err
	}
	if err := jobs.AddJob("tags", cfg.TagSchedule, func() {
		r := evaluator.Run(ctx)
		slog.Info("Inactivity tagging finished", "report", r.String())
	}); err != nil {
		return err
	}
	if err := jobs.AddJob("lyrics", cfg.LyricSchedule, func() {
		r := workflow.Tick(ctx)
		slog.Info("Lyric tick finished", "report", r.String())
	}); err != nil {
		return err
	}
	jobs.Start()
	slog.Info("LeadPipe serving", "transport", cfg.Transport, "state_dir", cfg.StateDir, "jobs", jobs.Jobs())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return handler.Run(gctx, a.service.Responses())
	})
	err = g.Wait()

	slog.Info("Shutting down, waiting for running jobs")
	<-jobs.Stop()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func newTickCmd(cfg *Config) *cobra.Command {
	tick := &cobra.Command{
		Use:   "tick",
		Short: "Run one pass of a periodic job and exit",
	}
	tick.AddCommand(
		&cobra.Command{
			Use:   "sequences",
			Short: "Dispatch every due sequence step once",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := newApp(cmd.Context(), *cfg, "tick sequences", true)
				if err != nil {
					return err
				}
				defer a.Close()
				sched, err := a.sequenceScheduler()
				if err != nil {
					return err
				}
				report := sched.Tick(cmd.Context())
				fmt.Fprintln(cmd.OutOrStdout(), report.String())
				return nil
			},
		},
		&cobra.Command{
			Use:   "tags",
			Short: "Apply inactivity tags once",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := newApp(cmd.Context(), *cfg, "tick tags", false)
				if err != nil {
					return err
				}
				defer a.Close()
				report := tagging.NewEvaluator(a.store).Run(cmd.Context())
				fmt.Fprintln(cmd.OutOrStdout(), report.String())
				return nil
			},
		},
		&cobra.Command{
			Use:   "lyrics",
			Short: "Generate pending lyrics and deliver those past their cooldown",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := newApp(cmd.Context(), *cfg, "tick lyrics", true)
				if err != nil {
					return err
				}
				defer a.Close()
				workflow, err := a.lyricWorkflow()
				if err != nil {
					return err
				}
				report := workflow.Tick(cmd.Context())
				fmt.Fprintln(cmd.OutOrStdout(), report.String())
				return nil
			},
		},
	)
	return tick
}

func newSeedCmd(cfg *Config) *cobra.Command {
	var replace bool
	cmd := &cobra.Command{
		Use:   "seed <file|dir>...",
		Short: "Load sequence definitions and config from YAML seed files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), *cfg, "seed", false)
			if err != nil {
				return err
			}
			defer a.Close()

			var seeds []*sequence.Seed
			for _, arg := range args {
				info, err := os.Stat(arg)
				if err != nil {
					return err
				}
				if info.IsDir() {
					dirSeeds, err := sequence.LoadSeedsFromDir(arg)
					if err != nil {
						return err
					}
					seeds = append(seeds, dirSeeds...)
					continue
				}
				seed, err := sequence.LoadSeed(arg)
				if err != nil {
					return err
				}
				seeds = append(seeds, seed)
			}

			var total sequence.ApplyResult
			for _, seed := range seeds {
				res, err := sequence.Apply(cmd.Context(), a.store, seed, replace)
				if err != nil {
					return err
				}
				total.Saved += res.Saved
				total.Skipped = append(total.Skipped, res.Skipped...)
				total.ConfigOK = total.ConfigOK || res.ConfigOK
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "saved=%d skipped=%d config=%t\n", total.Saved, len(total.Skipped), total.ConfigOK)
			for _, t := range total.Skipped {
				fmt.Fprintf(out, "skipped existing trigger %q (use --replace to overwrite)\n", t)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&replace, "replace", false, "replace definitions whose trigger already exists")
	return cmd
}

func newConfigCmd(cfg *Config) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change the inactivity tag configuration",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the stored configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), *cfg, "config", false)
			if err != nil {
				return err
			}
			defer a.Close()
			appCfg, err := a.store.GetConfig(cmd.Context())
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(appCfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}

	var tag24, tag48 string
	set := &cobra.Command{
		Use:   "set",
		Short: "Change the inactivity tags; only the given flags are updated",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			if !flags.Changed("tag24") && !flags.Changed("tag48") {
				return errors.New("nothing to set: pass --tag24 and/or --tag48")
			}
			a, err := newApp(cmd.Context(), *cfg, "config", false)
			if err != nil {
				return err
			}
			defer a.Close()
			appCfg, err := a.store.GetConfig(cmd.Context())
			if err != nil {
				return err
			}
			if flags.Changed("tag24") {
				appCfg.TagAfter24h = tag24
			}
			if flags.Changed("tag48") {
				appCfg.TagAfter48h = tag48
			}
			return a.store.SaveConfig(cmd.Context(), appCfg)
		},
	}
	set.Flags().StringVar(&tag24, "tag24", "", "tag for leads idle at least 24 hours (empty disables)")
	set.Flags().StringVar(&tag48, "tag48", "", "tag for leads idle at least 48 hours (empty disables)")

	configCmd.AddCommand(show, set)
	return configCmd
}

func newSequencesCmd(cfg *Config) *cobra.Command {
	seqCmd := &cobra.Command{
		Use:   "sequences",
		Short: "Inspect and remove sequence definitions",
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "List sequence definitions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), *cfg, "sequences", false)
			if err != nil {
				return err
			}
			defer a.Close()
			defs, err := a.store.ListSequenceDefinitions(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TRIGGER\tSTEPS\tLAST DELAY (MIN)")
			for _, def := range defs {
				last := 0
				for _, m := range def.Messages {
					last = max(last, m.DelayMinutes)
				}
				fmt.Fprintf(w, "%s\t%d\t%d\n", def.Trigger, len(def.Messages), last)
			}
			return w.Flush()
		},
	}
	del := &cobra.Command{
		Use:   "delete <trigger>",
		Short: "Delete the definition with the given trigger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), *cfg, "sequences", false)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.store.DeleteSequenceDefinition(cmd.Context(), args[0]); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("no sequence with trigger %q", args[0])
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %q\n", args[0])
			return nil
		},
	}
	seqCmd.AddCommand(list, del)
	return seqCmd
}

func newLyricCmd(cfg *Config) *cobra.Command {
	lyricCmd := &cobra.Command{
		Use:   "lyric",
		Short: "Manage song lyric requests",
	}

	var phone, name string
	var answers map[string]string
	submit := &cobra.Command{
		Use:   "submit",
		Short: "Queue a lyric request for an existing lead",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), *cfg, "lyric", false)
			if err != nil {
				return err
			}
			defer a.Close()
			opts, err := buildLyricOptions(*cfg)
			if err != nil {
				return err
			}
			id, err := lyrics.NewWorkflow(a.store, nil, nil, opts...).Submit(cmd.Context(), phone, name, answers)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	submit.Flags().StringVar(&phone, "phone", "", "lead phone number")
	submit.Flags().StringVar(&name, "name", "", "name to address in the lyric (defaults to the lead name)")
	submit.Flags().StringToStringVar(&answers, "answer", nil, "form answer as key=value (repeatable)")
	submit.MarkFlagRequired("phone")

	lyricCmd.AddCommand(submit)
	return lyricCmd
}

func newWhatsAppCmd(cfg *Config) *cobra.Command {
	waCmd := &cobra.Command{
		Use:   "whatsapp",
		Short: "Manage the linked WhatsApp device",
	}
	reset := &cobra.Command{
		Use:   "reset",
		Short: "Log out and forget the linked device so the next start pairs again",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			lock, err := lockfile.AcquireLock(cfg.StateDir, "whatsapp reset")
			if err != nil {
				return err
			}
			defer lock.Release()
			session, err := whatsapp.NewSession(cmd.Context(), buildWhatsAppOptions(*cfg)...)
			if err != nil {
				return err
			}
			defer session.Close()
			if err := session.Reset(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "WhatsApp device reset")
			return nil
		},
	}
	waCmd.AddCommand(reset)
	return waCmd
}
