package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/gridctl/imagectl/pkg/connection"
	"github.com/gridctl/imagectl/pkg/executor"
	"github.com/gridctl/imagectl/pkg/history"
	"github.com/gridctl/imagectl/pkg/host"
	"github.com/gridctl/imagectl/pkg/output"

	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect and purge recorded build outcomes",
}

var historyListCmd = &cobra.Command{
	Use:   "list [job]",
	Short: "List recorded outcomes of a job, or all jobs",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store := history.NewFileStore(historyDir(cfg))
		printer := output.NewWithWriter(cmd.OutOrStdout())

		jobs := args
		if len(jobs) == 0 {
			jobs, err = store.Jobs()
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				printer.Info("No recorded outcomes", "dir", store.Dir())
				return nil
			}
		}

		for _, job := range jobs {
			outcomes, err := store.List(cmd.Context(), job)
			if err != nil {
				return err
			}
			printer.History(job, outcomeSummaries(outcomes))
		}
		return nil
	},
}

var (
	historyDeleteAgent string
	historyDeleteToken string
)

var historyDeleteCmd = &cobra.Command{
	Use:   "delete <job>",
	Short: "Remove a job's images marked for cleanup and drop its history",
	Long: `Runs the job-deletion cleanup: every recorded image marked for cleanup
on job delete is removed from the host it was built on, then the job's
history is deleted. Unreachable hosts are reported and skipped.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runHistoryDelete(cmd, args[0])
	},
}

func init() {
	historyDeleteCmd.Flags().StringVar(&historyDeleteAgent, "agent", "", "Remove images through the imagectl agent at this URL")
	historyDeleteCmd.Flags().StringVar(&historyDeleteToken, "agent-token", os.Getenv("IMAGECTL_AGENT_TOKEN"), "Bearer token for the agent")

	historyCmd.AddCommand(historyListCmd)
	historyCmd.AddCommand(historyDeleteCmd)
}

func runHistoryDelete(cmd *cobra.Command, job string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	exec := newExecutor(historyDeleteAgent, historyDeleteToken)
	printer := output.NewWithWriter(cmd.OutOrStdout())

	removers := newRemoverCache(ctx, exec, cfg.Inventory())
	defer removers.Close()

	n, err := history.Purge(ctx, history.NewFileStore(historyDir(cfg)), job, removers.For, printer.RunLog(true))
	if err != nil {
		return err
	}
	printer.Info("History deleted", "job", job, "images", n)
	return nil
}

// removerCache opens one executor session per host and reuses it for
// every image on that host.
type removerCache struct {
	ctx      context.Context
	exec     executor.Executor
	inv      *host.Inventory
	sessions map[string]executor.Session
}

func newRemoverCache(ctx context.Context, exec executor.Executor, inv *host.Inventory) *removerCache {
	return &removerCache{ctx: ctx, exec: exec, inv: inv, sessions: make(map[string]executor.Session)}
}

func (c *removerCache) For(o history.Outcome) (history.ImageRemover, error) {
	if sess, ok := c.sessions[o.HostID]; ok {
		return sess, nil
	}

	h, ok := c.inv.Get(o.HostID)
	if !ok {
		return nil, errors.New("host not in inventory")
	}
	params, err := connection.ParamsFor(&host.Descriptor{
		Binding:      host.Binding{HostID: h.ID, EndpointURL: h.Endpoint},
		TLS:          h.TLS,
		APIVersion:   h.APIVersion,
		Timeouts:     h.Timeouts,
		RegistryAuth: h.RegistryAuth,
	})
	if err != nil {
		return nil, err
	}

	sess, err := c.exec.Open(c.ctx, executor.Request{RunID: uuid.NewString(), Connection: &params})
	if err != nil {
		return nil, err
	}
	c.sessions[o.HostID] = sess
	return sess, nil
}

func (c *removerCache) Close() {
	for _, sess := range c.sessions {
		_ = sess.Close()
	}
}

func outcomeSummaries(outcomes []history.Outcome) []output.OutcomeSummary {
	out := make([]output.OutcomeSummary, 0, len(outcomes))
	for _, o := range outcomes {
		out = append(out, output.OutcomeSummary{
			Build:     o.BuildNumber,
			RunID:     o.RunID,
			Host:      o.HostID,
			ImageID:   o.ImageID,
			Tags:      o.Tags,
			Published: o.PublishOnSuccess,
			Cleanup:   o.CleanupOnJobDelete,
			Recorded:  o.RecordedAt.Local().Format(time.DateTime),
		})
	}
	return out
}
