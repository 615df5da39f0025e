// Command syncctl inspects and repairs a running deployment: schema
// migration, queue and dead-letter inspection, mapping lookups and the
// clinic registry.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hackgods/crm-appointment-sync/internal/bootstrap"
	"github.com/hackgods/crm-appointment-sync/internal/clinic"
	"github.com/hackgods/crm-appointment-sync/internal/config"
	"github.com/hackgods/crm-appointment-sync/internal/db"
	"github.com/hackgods/crm-appointment-sync/internal/logging"
	"github.com/hackgods/crm-appointment-sync/internal/mapping"
	"github.com/hackgods/crm-appointment-sync/internal/queue"
)

var Version = "dev"

// env is built once per invocation by the root command.
type env struct {
	cfg    config.Config
	logger *zap.Logger
	infra  *bootstrap.Infra
}

func main() {
	e := &env{}

	rootCmd := &cobra.Command{
		Use:           "syncctl",
		Short:         "Operate the CRM to Open Dental appointment sync",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return e.open(cmd.Context())
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			e.close()
		},
	}

	rootCmd.AddCommand(migrateCmd(e))
	rootCmd.AddCommand(queueCmd(e))
	rootCmd.AddCommand(deadCmd(e))
	rootCmd.AddCommand(mappingCmd(e))
	rootCmd.AddCommand(clinicsCmd(e))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		e.close()
		os.Exit(1)
	}
}

func (e *env) open(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Env, "warn")
	if err != nil {
		return err
	}
	infra, err := bootstrap.Connect(ctx, cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return err
	}
	e.cfg, e.logger, e.infra = cfg, logger, infra
	return nil
}

func (e *env) close() {
	if e.infra != nil {
		e.infra.Close(e.logger)
		e.infra = nil
	}
	if e.logger != nil {
		_ = e.logger.Sync()
	}
}

func (e *env) queue() *queue.Queue {
	return queue.New(e.infra.Redis, e.cfg.QueuePrefix)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func migrateCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := db.Migrate(cmd.Context(), e.infra.Postgres); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
}

func queueCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the sync job queue",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show ready, processing, delayed and dead counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := e.queue().Stats(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), stats)
		},
	})
	return cmd
}

func deadCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dead",
		Short: "Inspect and requeue dead-lettered jobs",
	}

	var limit int64
	list := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, err := e.queue().ListDead(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), jobs)
		},
	}
	list.Flags().Int64VarP(&limit, "limit", "n", 50, "maximum jobs to show")

	requeue := &cobra.Command{
		Use:   "requeue [job-id]",
		Short: "Move a dead job back to the ready list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := e.queue().RequeueDead(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "requeued %s\n", job.ID)
			return nil
		},
	}

	cmd.AddCommand(list, requeue)
	return cmd
}

func mappingCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mapping",
		Short: "Read the event mapping document",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get [event-id]",
		Short: "Show what an external event was synchronized into",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStore, err := bootstrap.MappingStore(cmd.Context(), e.cfg)
			if err != nil {
				return err
			}
			defer func() { _ = closeStore() }()

			cache := mapping.NewCache(store, 0, nil, e.logger)
			entry, ok, err := cache.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no mapping for event %s", args[0])
			}
			return printJSON(cmd.OutOrStdout(), entry)
		},
	})
	return cmd
}

// clinicView leaves out downstream credentials.
type clinicView struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	CRMType     string              `json:"crm_type"`
	Timezone    string              `json:"timezone,omitempty"`
	Operatories clinic.OperatoryMap `json:"operatories"`
}

func clinicsCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clinics",
		Short: "Inspect the clinic registry",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List clinics with overrides applied",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := bootstrap.Clinics(e.cfg, e.infra.Postgres, e.logger)
			if err != nil {
				return err
			}
			clinics, err := repo.List(cmd.Context())
			if err != nil {
				return err
			}
			out := make([]clinicView, 0, len(clinics))
			for _, c := range clinics {
				out = append(out, clinicView{
					ID:          c.ID.String(),
					Name:        c.Name,
					CRMType:     c.CRMType,
					Timezone:    c.Timezone,
					Operatories: c.Operatories,
				})
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	})
	return cmd
}
