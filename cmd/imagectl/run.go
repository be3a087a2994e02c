package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gridctl/imagectl/pkg/config"
	"github.com/gridctl/imagectl/pkg/executor"
	"github.com/gridctl/imagectl/pkg/history"
	"github.com/gridctl/imagectl/pkg/host"
	"github.com/gridctl/imagectl/pkg/macro"
	"github.com/gridctl/imagectl/pkg/output"
	"github.com/gridctl/imagectl/pkg/step"
	"github.com/gridctl/imagectl/pkg/tags"
	"github.com/gridctl/imagectl/pkg/tracing"

	"github.com/spf13/cobra"
)

var (
	runNode         string
	runJob          string
	runBuildNumber  int
	runWorkspace    string
	runVars         []string
	runVarsFile     string
	runTags         string
	runAgentURL     string
	runAgentToken   string
	runOTLPEndpoint string
	runRequireTags  bool
	runSourceURL    string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the build step for one job build",
	Long: `Builds the configured context once per expanded tag on the engine host the
node is bound to, records the outcome against the job, then pushes and
cleans up as configured.

Engine calls run in-process, or on an imagectl agent when --agent is set.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStep(cmd)
	},
}

func init() {
	runCmd.Flags().StringVarP(&runNode, "node", "n", os.Getenv("NODE_NAME"), "Execution node the build runs on")
	runCmd.Flags().StringVarP(&runJob, "job", "j", os.Getenv("JOB_NAME"), "Job the outcome is recorded against")
	runCmd.Flags().IntVarP(&runBuildNumber, "build-number", "b", 0, "Build number of this run")
	runCmd.Flags().StringVarP(&runWorkspace, "workspace", "w", "", "Job workspace (default: current directory)")
	runCmd.Flags().StringArrayVar(&runVars, "var", nil, "Template variable as KEY=VALUE (repeatable)")
	runCmd.Flags().StringVar(&runVarsFile, "vars-file", "", "Dotenv file of template variables")
	runCmd.Flags().StringVar(&runTags, "tags", "", "Tag templates, newline or comma separated (overrides step.tags)")
	runCmd.Flags().StringVar(&runAgentURL, "agent", "", "Execute engine calls on the imagectl agent at this URL")
	runCmd.Flags().StringVar(&runAgentToken, "agent-token", os.Getenv("IMAGECTL_AGENT_TOKEN"), "Bearer token for the agent")
	runCmd.Flags().StringVar(&runOTLPEndpoint, "otlp-endpoint", "", "OTLP/HTTP endpoint for trace export")
	runCmd.Flags().BoolVar(&runRequireTags, "require-tags", false, "Fail when no tag template expands")
	runCmd.Flags().StringVar(&runSourceURL, "source-url", os.Getenv("BUILD_URL"), "Link back to the build, stored with the outcome")
}

func runStep(cmd *cobra.Command) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	stepCfg := cfg.Step
	if cmd.Flags().Changed("tags") {
		// Commas never appear in a valid tag.
		raw := strings.ReplaceAll(runTags, ",", "\n")
		if err := tags.ValidateTemplates(raw); err != nil {
			return err
		}
		stepCfg.Tags = raw
	}
	if runRequireTags {
		stepCfg.RequireTags = true
	}

	workspace := runWorkspace
	if workspace == "" {
		workspace, err = os.Getwd()
		if err != nil {
			return fmt.Errorf("resolving workspace: %w", err)
		}
	}

	overrides, err := parseVarFlags(runVars)
	if err != nil {
		return err
	}
	varsFile := runVarsFile
	if varsFile == "" {
		varsFile = cfg.Vars.File
	}
	job := macro.Job{Name: runJob, BuildNumber: runBuildNumber, Workspace: workspace}
	vars, err := macro.CollectVars(macro.VarsOptions{
		Env:       os.Environ(),
		VarsFile:  varsFile,
		Git:       cfg.Vars.GitEnabled(),
		Job:       job,
		Overrides: mergeVars(cfg.Vars.Values, overrides),
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := tracing.Init(ctx, tracing.Config{
		Endpoint:    runOTLPEndpoint,
		ServiceName: "imagectl",
		Version:     version,
	})
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	logger := newLogger("step", os.Stderr)
	printer := output.NewWithWriter(cmd.OutOrStdout())

	resolver := host.NewResolver(cfg.Inventory())
	resolver.SetLogger(logger)
	expander := tags.NewExpander(macro.NewEngine())
	expander.SetLogger(logger)

	runner := step.NewRunner(stepCfg, resolver, expander, newExecutor(runAgentURL, runAgentToken), history.NewFileStore(historyDir(cfg)))
	runner.SetLogger(logger)

	var node host.Node = host.LocalNode{}
	if runNode != "" {
		node = cfg.NodeTable().Node(runNode)
	}

	res, runErr := runner.Run(ctx, step.Input{
		Job:       job,
		Node:      node,
		Vars:      vars,
		SourceURL: runSourceURL,
	}, printer.RunLog(true))

	printer.Run(runSummary(res))
	return runErr
}

// newExecutor returns a remote executor when agentURL is set, otherwise a
// local one.
func newExecutor(agentURL, token string) executor.Executor {
	logger := newLogger("executor", os.Stderr)
	if agentURL != "" {
		return executor.NewRemote(agentURL,
			executor.WithToken(token),
			executor.WithLogger(logger))
	}
	local := executor.NewLocal()
	local.SetLogger(logger)
	return local
}

func historyDir(cfg *config.Config) string {
	if cfg.History.Dir != "" {
		return cfg.History.Dir
	}
	return history.DefaultDir()
}

// parseVarFlags parses repeated KEY=VALUE flags.
func parseVarFlags(flags []string) (map[string]string, error) {
	vars := make(map[string]string, len(flags))
	for _, kv := range flags {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --var %q: expected KEY=VALUE", kv)
		}
		vars[k] = v
	}
	return vars, nil
}

// mergeVars returns base overlaid with top.
func mergeVars(base, top map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(top))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range top {
		out[k] = v
	}
	return out
}

func runSummary(res *step.Result) output.RunSummary {
	if res == nil {
		return output.RunSummary{State: "unknown"}
	}
	dropped := make([]string, 0, len(res.Dropped))
	for _, d := range res.Dropped {
		dropped = append(dropped, d.Template)
	}
	return output.RunSummary{
		RunID:   res.RunID,
		Host:    res.HostID,
		ImageID: res.ImageID,
		Tags:    res.Tags,
		Dropped: dropped,
		State:   res.Phase.String(),
	}
}

