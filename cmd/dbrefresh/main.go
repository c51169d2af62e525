package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/semmidev/dbrefresh/internal/app"
	"github.com/semmidev/dbrefresh/internal/config"
	"github.com/semmidev/dbrefresh/internal/domain"
)

const (
	exitOK       = 0
	exitError    = 1
	exitRotation = 3
)

var stageExitCodes = map[domain.Stage]int{
	domain.StageConnected:            10,
	domain.StageRemoteArchiveCreated: 11,
	domain.StageLocalArchiveFetched:  12,
	domain.StageExtracted:            13,
	domain.StageRestored:             14,
}

func main() {
	os.Exit(execute(os.Args[1:]))
}

func execute(args []string) int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cmd := newRootCommand()
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitCode(err)
	}
	return exitOK
}

// exitCode maps a failure to the process status. Pipeline failures report the
// stage they could not reach.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	if stage, ok := domain.FailedStage(err); ok {
		if code, ok := stageExitCodes[stage]; ok {
			return code
		}
	}
	if errors.Is(err, domain.ErrProvisioning) || errors.Is(err, domain.ErrDuplicateInstance) || errors.Is(err, app.ErrRotationDisabled) {
		return exitRotation
	}
	return exitError
}

type rootOptions struct {
	configPath     string
	envFile        string
	databaseConfig string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "dbrefresh",
		Short:         "Refresh a database environment from the latest remote backup",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "configs/config.yaml", "path to config file")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "optional .env file loaded before the environment")
	root.PersistentFlags().StringVar(&opts.databaseConfig, "database-config", "", "YAML database section merged over the config (as written by rotate --output)")

	root.AddCommand(
		newRunCommand(opts),
		newRotateCommand(opts),
		newDaemonCommand(opts),
		newCleanupCommand(opts),
	)
	return root
}

func (o *rootOptions) app() (*app.App, error) {
	cfg, err := config.Load(o.configPath, o.envFile, o.databaseConfig)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	application, err := app.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("initialize app: %w", err)
	}
	return application, nil
}

func newRunCommand(root *rootOptions) *cobra.Command {
	var opts app.RunOptions

	cmd := &cobra.Command{
		Use:   "run [backup...]",
		Short: "Refresh the given backups once (default: refresh.backups)",
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := root.app()
			if err != nil {
				return err
			}
			defer application.Shutdown()

			opts.Backups = args
			reports, err := application.RunOnce(cmd.Context(), opts)
			for _, r := range reports {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", r.Backup, r.Stage, r.RunID)
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&opts.Rotate, "rotate", false, "replace the hosted instance and restore into it")
	cmd.Flags().StringVar(&opts.User, "user", "", "instance owner for --rotate (default: rotation.user, then the backup name)")
	cmd.Flags().StringVar(&opts.Date, "date", "", "backup set date as YYYYMMDD (default: yesterday)")
	return cmd
}

func newRotateCommand(root *rootOptions) *cobra.Command {
	var (
		output  string
		showURL bool
	)

	cmd := &cobra.Command{
		Use:   "rotate [user]",
		Short: "Replace a user's hosted database instance",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := root.app()
			if err != nil {
				return err
			}
			defer application.Shutdown()

			var user string
			if len(args) == 1 {
				user = args[0]
			}
			inst, err := application.Rotate(cmd.Context(), user)
			if err != nil {
				return err
			}
			target, err := inst.Target()
			if err != nil {
				return err
			}
			if output != "" {
				if err := config.WriteDatabase(output, config.DatabaseFromTarget(target)); err != nil {
					return err
				}
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\t%s\n", inst.ID, inst.Name, target)
			if showURL {
				fmt.Fprintln(cmd.OutOrStdout(), inst.URL)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the new instance as a database section for --database-config")
	cmd.Flags().BoolVar(&showURL, "url", false, "also print the connection URL, password included")
	return cmd
}

func newDaemonCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run scheduled refreshes and retention until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := root.app()
			if err != nil {
				return err
			}
			defer application.Shutdown()

			return application.Run(cmd.Context())
		},
	}
}

func newCleanupCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete mirrored archives past retention",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := root.app()
			if err != nil {
				return err
			}
			defer application.Shutdown()

			return application.Cleanup(cmd.Context())
		},
	}
}
