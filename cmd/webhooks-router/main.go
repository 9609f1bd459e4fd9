package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/nergal-perm/github-webhooks-router/internal/daemon"
	"github.com/nergal-perm/github-webhooks-router/internal/model"
	"github.com/nergal-perm/github-webhooks-router/internal/queue"
	"github.com/nergal-perm/github-webhooks-router/internal/setup"
	"github.com/nergal-perm/github-webhooks-router/internal/status"
	"github.com/nergal-perm/github-webhooks-router/internal/task"
	"github.com/nergal-perm/github-webhooks-router/internal/uds"
	"github.com/nergal-perm/github-webhooks-router/internal/webhook"
)

const (
	version = "1.0.0"
	appName = "webhooks-router"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// globalFlags override values from config.yaml and the environment.
type globalFlags struct {
	storageRoot string
	repoBaseDir string
	tableName   string
	configPath  string
	logLevel    string
	quietHours  string
}

func rootCmd() *cobra.Command {
	g := &globalFlags{}

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Route GitHub webhook events to a coding agent",
		Long: `webhooks-router pulls GitHub webhook deliveries from a remote store into a
filesystem queue and runs a coding agent for each opened issue, at most one
agent per repository at a time.

Tasks live as files under the storage root:
  pending/ processing/ completed/ failed/ skipped/   task files by stage
  outputs/                                           agent transcripts`,
		SilenceUsage: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&g.storageRoot, "storage-root", "", "Storage root for stage directories (default \"data\")")
	pf.StringVar(&g.repoBaseDir, "repo-base-dir", "", "Directory holding repository checkouts (default ~/Dev)")
	pf.StringVar(&g.tableName, "table-name", "", "DynamoDB table with pending deliveries")
	pf.StringVarP(&g.configPath, "config", "c", "", "Config file path (default <storage-root>/config.yaml)")
	pf.StringVar(&g.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	pf.StringVar(&g.quietHours, "quiet-hours", "", "Suppress ingestion during HH:MM-HH:MM local time")

	cmd.AddCommand(
		runCmd(g),
		initCmd(g),
		statusCmd(g),
		controlCmd(g, uds.CmdScan, "Run a dispatch cycle in the running router"),
		controlCmd(g, uds.CmdDownload, "Run an ingestion cycle in the running router"),
		enqueueCmd(g),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Printf("%s version %s\n", appName, version)
			},
		},
	)
	return cmd
}

// load resolves the effective config: .env, config file, environment, flags.
func (g *globalFlags) load() (model.Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return model.Config{}, fmt.Errorf("load .env: %w", err)
	}

	path := g.configPath
	if path == "" {
		path = model.Config{StorageRoot: g.rootHint()}.ConfigPath()
	}
	cfg, err := model.LoadConfig(path)
	if err != nil {
		return model.Config{}, err
	}
	cfg.ApplyEnv(os.Getenv)
	g.apply(&cfg)

	if err := cfg.Validate(); err != nil {
		return model.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// rootHint locates the storage root before any config file is read.
func (g *globalFlags) rootHint() string {
	if g.storageRoot != "" {
		return g.storageRoot
	}
	if v := strings.TrimSpace(os.Getenv("WEBHOOKS_ROUTER_STORAGE_ROOT")); v != "" {
		return v
	}
	return model.DefaultStorageRoot
}

func (g *globalFlags) apply(cfg *model.Config) {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.StorageRoot, g.storageRoot)
	set(&cfg.RepoBaseDir, g.repoBaseDir)
	set(&cfg.Remote.TableName, g.tableName)
	set(&cfg.Logging.Level, g.logLevel)
	set(&cfg.Ingest.QuietHours, g.quietHours)
}

func runCmd(g *globalFlags) *cobra.Command {
	var stderr bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the router in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			if stderr {
				cfg.Logging.Stderr = true
			}
			d, err := daemon.New(cfg)
			if err != nil {
				return fmt.Errorf("create router: %w", err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "%s %s starting, storage root %s, log %s\n", appName, version, cfg.StorageRoot, cfg.LogPath())
			return d.Run(context.Background())
		},
	}
	cmd.Flags().BoolVar(&stderr, "stderr", false, "Also write the log to stderr")
	return cmd
}

func initCmd(g *globalFlags) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the storage root and a default config.yaml",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("load .env: %w", err)
			}
			env := func(key string) string { return strings.TrimSpace(os.Getenv(key)) }
			pick := func(flag, key string) string {
				if flag != "" {
					return flag
				}
				return env(key)
			}
			path, err := setup.Run(setup.Options{
				StorageRoot: g.rootHint(),
				RepoBaseDir: pick(g.repoBaseDir, "WEBHOOKS_ROUTER_REPO_BASE_DIR"),
				TableName:   pick(g.tableName, "WEBHOOKS_ROUTER_TABLE_NAME"),
				Backend:     env("WEBHOOKS_ROUTER_BACKEND"),
				QuietHours:  pick(g.quietHours, "WEBHOOKS_ROUTER_QUIET_HOURS"),
				Force:       force,
			})
			if err != nil {
				return fmt.Errorf("init: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Initialized storage root in %s\nConfig written to %s\n", filepath.Dir(path), path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config.yaml")
	return cmd
}

func statusCmd(g *globalFlags) *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show router liveness and files per stage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			return status.Run(cfg, cmd.OutOrStdout(), jsonOutput)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print JSON")
	return cmd
}

// controlCmd sends a cycle command to the running router over its socket.
func controlCmd(g *globalFlags, command, short string) *cobra.Command {
	return &cobra.Command{
		Use:   command,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			client := uds.NewClient(cfg.SocketPath())
			client.SetTimeout(2 * time.Minute)
			var data uds.CycleData
			if err := client.Call(command, nil, &data); err != nil {
				return fmt.Errorf("%s: %w", command, err)
			}
			printCycle(cmd, command, data)
			return nil
		},
	}
}

func printCycle(cmd *cobra.Command, command string, d uds.CycleData) {
	out := cmd.OutOrStdout()
	switch command {
	case uds.CmdScan:
		fmt.Fprintf(out, "recovered=%d invalid=%d skipped=%d dispatched=%d", d.Recovered, d.Invalid, d.Skipped, d.Dispatched)
	case uds.CmdDownload:
		if d.Suppressed {
			fmt.Fprint(out, "quiet hours active, nothing fetched")
		} else {
			fmt.Fprintf(out, "fetched=%d written=%d duplicates=%d skipped=%d", d.Fetched, d.Written, d.Duplicates, d.Skipped)
		}
	}
	if d.Shared {
		fmt.Fprint(out, " (joined a cycle already in progress)")
	}
	fmt.Fprintln(out)
}

func enqueueCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "enqueue <repo> <payload-file>",
		Short: "Write a webhook payload into pending as a new task",
		Long: `Write a webhook payload into pending as a new task. Use "-" as the
payload file to read from stdin. An empty repo argument takes the repository
from the payload's repository.full_name.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			var content []byte
			if args[1] == "-" {
				content, err = io.ReadAll(cmd.InOrStdin())
			} else {
				content, err = os.ReadFile(args[1])
			}
			if err != nil {
				return fmt.Errorf("read payload: %w", err)
			}

			repo := args[0]
			if repo == "" {
				name, ok := webhook.RepoFullName(content)
				if !ok {
					return errors.New("payload has no repository.full_name; pass the repo explicitly")
				}
				repo = name
			}

			name := task.Encode(repo, time.Now().UTC(), task.NewUniqueID())
			store := queue.NewStore(cfg.StorageRoot)
			if err := store.EnsureAll(); err != nil {
				return err
			}
			if err := store.Create(model.StagePending, name, content); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), store.Path(model.StagePending, name))
			return nil
		},
	}
}
