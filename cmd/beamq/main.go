package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/opengda/beamq/internal/command"
	"github.com/opengda/beamq/internal/daemon"
	"github.com/opengda/beamq/internal/model"
	"github.com/opengda/beamq/internal/proxy"
	"github.com/opengda/beamq/internal/setup"
)

var (
	flagDir      string
	flagQueue    string
	flagConsumer string
	flagJSON     bool
	flagTimeout  time.Duration

	beamqDir string
	config   model.Config
)

// errFalse ends a check command with exit status 1 without an error message.
var errFalse = errors.New("condition is false")

func init() {
	rootCmd.PersistentFlags().StringVar(&flagDir, "dir", "", "beamq directory (default: nearest .beamq above the working directory)")
	rootCmd.PersistentFlags().StringVar(&flagQueue, "queue", "", "queue name (default: consumer.queue_name from config.yaml)")
	rootCmd.PersistentFlags().StringVar(&flagConsumer, "consumer", "", "address commands to this consumer ID instead of the queue name")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "print JSON")
	rootCmd.PersistentFlags().DurationVar(&flagTimeout, "timeout", 30*time.Second, "request timeout")

	rootCmd.SilenceErrors = true
	rootCmd.PersistentPreRunE = loadDir

	rootCmd.AddCommand(initCmd, daemonCmd, statusCmd, submitCmd, queueCmd, jobCmd, checkCmd, watchCmd, versionCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	switch {
	case errors.Is(err, errFalse):
		os.Exit(1)
	case err != nil:
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "beamq",
	Short:        "Beamline job queue: submit, reorder and control queued jobs",
	SilenceUsage: true,
}

// loadDir resolves the beamq directory and its configuration for every
// command except init, version and shell completion.
func loadDir(cmd *cobra.Command, _ []string) error {
	if cmd == initCmd || cmd == versionCmd || (cmd.HasParent() && cmd.Parent().Name() == "completion") {
		return nil
	}
	dir := flagDir
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return err
		}
		if dir, err = setup.FindDir(wd); err != nil {
			return err
		}
	}
	cfg, err := model.LoadConfig(dir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if flagQueue != "" {
		cfg.Consumer.QueueName = flagQueue
	}
	beamqDir, config = dir, cfg
	return nil
}

// openProxy dials the daemon for the selected queue.
func openProxy(ctx context.Context) (*proxy.Proxy, error) {
	p, err := proxy.Dial(ctx, daemon.SocketPath(beamqDir), config.Consumer.QueueName)
	if err != nil {
		return nil, err
	}
	p.SetTimeout(flagTimeout)
	return p, nil
}

func target() command.Target {
	if flagConsumer != "" {
		return command.ForConsumer(flagConsumer)
	}
	return command.ForQueue(config.Consumer.QueueName)
}

// send delivers cmd and prints its acknowledgement.
func send(cmd *cobra.Command, c command.Command) error {
	ctx := cmd.Context()
	p, err := openProxy(ctx)
	if err != nil {
		return err
	}
	defer p.Close()

	ack, err := p.SendTo(ctx, target(), c, "sent by beamq "+cmd.CommandPath())
	if flagJSON && ack.ID != "" {
		if perr := printJSON(cmd.OutOrStdout(), ack); perr != nil {
			return perr
		}
	}
	if err != nil {
		return err
	}
	if !flagJSON {
		fmt.Fprintf(cmd.OutOrStdout(), "%s acknowledged\n", ack.Kind)
	}
	return nil
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the queue consumer daemon in the foreground",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		d, err := daemon.New(beamqDir, config)
		if err != nil {
			return fmt.Errorf("create daemon: %w", err)
		}
		return d.Run()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		out := cmd.OutOrStdout()
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Fprintln(out, "beamq: version info not available")
			return
		}
		fmt.Fprintf(out, "beamq: %s\n", info.Main.Version)
		fmt.Fprintf(out, "go:    %s\n", info.GoVersion)
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" {
				fmt.Fprintf(out, "commit: %s\n", s.Value)
			}
		}
	},
}
