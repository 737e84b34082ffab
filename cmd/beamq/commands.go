package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/opengda/beamq/internal/command"
	"github.com/opengda/beamq/internal/daemon"
	"github.com/opengda/beamq/internal/logging"
	"github.com/opengda/beamq/internal/model"
	"github.com/opengda/beamq/internal/monitor"
	"github.com/opengda/beamq/internal/setup"
	"github.com/opengda/beamq/internal/statequery"
	"github.com/opengda/beamq/internal/status"
	yamlutil "github.com/opengda/beamq/internal/yaml"
)

var initOpts setup.Options

var initCmd = &cobra.Command{
	Use:   "init [project-dir]",
	Short: "Create a .beamq directory with a default config.yaml",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		projectDir := "."
		if len(args) == 1 {
			projectDir = args[0]
		}
		if flagQueue != "" {
			initOpts.QueueName = flagQueue
		}
		base, err := setup.Run(projectDir, initOpts)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "initialized %s\n", base)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and queue status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return status.Run(cmd.Context(), beamqDir, config, flagJSON, cmd.OutOrStdout())
	},
}

var submitOpts struct {
	durationMs int64
	params     map[string]string
	env        map[string]string
	workdir    string
	user       string
	viaInbox   bool
}

var submitCmd = &cobra.Command{
	Use:   "submit NAME [-- COMMAND [ARG...]]",
	Short: "Submit a job to the end of the queue",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		var argv []string
		if dash := cmd.ArgsLenAtDash(); dash >= 0 {
			if dash != 1 {
				return fmt.Errorf("expected exactly one job name before --, got %d arguments", dash)
			}
			argv = args[dash:]
		} else if len(args) > 1 {
			return fmt.Errorf("put the job command after --")
		}

		job := model.NewJob(name, model.JobSpec{
			Command:    argv,
			Env:        submitOpts.env,
			Dir:        submitOpts.workdir,
			DurationMs: submitOpts.durationMs,
			Params:     submitOpts.params,
		})
		job.User = submitOpts.user
		if job.User == "" {
			job.User = os.Getenv("USER")
		}
		if host, err := os.Hostname(); err == nil {
			job.Host = host
		}

		if submitOpts.viaInbox {
			dir := config.Inbox.Dir
			if !filepath.IsAbs(dir) {
				dir = filepath.Join(beamqDir, dir)
			}
			path := filepath.Join(dir, job.ID+".yaml")
			if err := yamlutil.AtomicWrite(path, daemon.NewInboxJob(config.Consumer.QueueName, job)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued %s in inbox\n", path)
			return nil
		}
		if err := send(cmd, command.SubmitJob{Job: job}); err != nil {
			return err
		}
		if !flagJSON {
			fmt.Fprintf(cmd.OutOrStdout(), "job %s\n", job.ID)
		}
		return nil
	},
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Control the queue consumer and inspect its lists",
}

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Control or reorder a single job",
}

func queueAction(use, short string, c command.Command) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return send(cmd, c)
		},
	}
}

func jobAction(use, short string, build func(id string) command.Command) *cobra.Command {
	return &cobra.Command{
		Use:   use + " JOB_ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(cmd, build(args[0]))
		},
	}
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending jobs, head first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return printJobs(cmd, func(ctx context.Context, q statequery.Querier) ([]model.Job, error) {
			return q.Submission(ctx)
		})
	},
}

var queueRunningCmd = &cobra.Command{
	Use:   "running",
	Short: "List running and completed jobs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return printJobs(cmd, func(ctx context.Context, q statequery.Querier) ([]model.Job, error) {
			return q.RunningAndCompleted(ctx)
		})
	},
}

var queueInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show the consumer status snapshot",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		p, err := openProxy(ctx)
		if err != nil {
			return err
		}
		defer p.Close()
		snap, err := p.Info(ctx)
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(cmd.OutOrStdout(), snap)
		}
		printSnapshot(cmd.OutOrStdout(), snap)
		return nil
	},
}

var queueStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the consumer status (RUNNING, PAUSED or STOPPED)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		p, err := openProxy(ctx)
		if err != nil {
			return err
		}
		defer p.Close()
		s, err := p.QueueStatus(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), s)
		return nil
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Gate scripts on queue state; exits 1 when the condition is false",
}

func helper() statequery.Helper {
	return statequery.Helper{
		Endpoint:  "unix://" + daemon.SocketPath(beamqDir),
		QueueName: config.Consumer.QueueName,
		Logger:    logging.New(os.Stderr, logging.ParseLevel(config.Logging.Level), "check"),
	}
}

func checkResult(cmd *cobra.Command, ok bool) error {
	fmt.Fprintln(cmd.OutOrStdout(), ok)
	if !ok {
		return errFalse
	}
	return nil
}

var checkEmptyCmd = &cobra.Command{
	Use:   "empty",
	Short: "True when no jobs are waiting",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return checkResult(cmd, helper().IsQueueEmpty(cmd.Context()))
	},
}

var checkBusyCmd = &cobra.Command{
	Use:   "busy",
	Short: "True when a job is running, or jobs wait on a running consumer",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return checkResult(cmd, helper().IsJobRunningOrPending(cmd.Context()))
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream consumer and job status from the daemon's monitor",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if !config.Monitor.Enabled {
			return fmt.Errorf("monitor is disabled; set monitor.enabled in %s", filepath.Join(beamqDir, model.ConfigFileName))
		}
		url := "ws://" + config.Monitor.Addr + monitor.Path
		out := cmd.OutOrStdout()
		err := monitor.Watch(cmd.Context(), url, func(ev monitor.Event) error {
			if flagJSON {
				return printJSON(out, ev)
			}
			printEvent(out, ev)
			return nil
		})
		if cmd.Context().Err() != nil {
			return nil
		}
		return err
	},
}

func init() {
	initCmd.Flags().StringVar(&initOpts.Beamline, "beamline", os.Getenv("BEAMLINE"), "beamline name")
	initCmd.Flags().StringVar(&initOpts.StoreDriver, "store", "", "store driver: yaml, sqlite or memory")
	initCmd.Flags().StringVar(&initOpts.Runner, "runner", "", "job runner: exec or simulate")

	submitCmd.Flags().Int64Var(&submitOpts.durationMs, "duration-ms", 0, "duration of a simulated job")
	submitCmd.Flags().StringToStringVar(&submitOpts.params, "param", nil, "job parameter key=value (repeatable)")
	submitCmd.Flags().StringToStringVar(&submitOpts.env, "env", nil, "environment variable key=value for the job command (repeatable)")
	submitCmd.Flags().StringVar(&submitOpts.workdir, "workdir", "", "working directory of the job command")
	submitCmd.Flags().StringVar(&submitOpts.user, "user", "", "submitting user (default: $USER)")
	submitCmd.Flags().BoolVar(&submitOpts.viaInbox, "inbox", false, "drop the job into the inbox instead of sending it to the daemon")

	queueCmd.AddCommand(
		queueAction("pause", "Pause the consumer after the current job", command.PauseQueue{}),
		queueAction("resume", "Resume a paused consumer", command.ResumeQueue{}),
		queueAction("stop", "Stop the consumer for good", command.StopQueue{}),
		queueAction("restart", "Restart the consumer", command.RestartQueue{}),
		queueAction("clear", "Remove every pending job", command.ClearQueue{}),
		queueAction("clear-completed", "Remove every finished job", command.ClearCompleted{}),
		queueListCmd, queueRunningCmd, queueInfoCmd, queueStatusCmd,
	)

	jobCmd.AddCommand(
		jobAction("pause", "Pause the running job", func(id string) command.Command { return command.PauseJob{JobID: id} }),
		jobAction("resume", "Resume the paused job", func(id string) command.Command { return command.ResumeJob{JobID: id} }),
		jobAction("terminate", "Terminate the running job", func(id string) command.Command { return command.TerminateJob{JobID: id} }),
		jobAction("up", "Move a pending job one place towards the head", func(id string) command.Command { return command.MoveForward{JobID: id} }),
		jobAction("down", "Move a pending job one place towards the tail", func(id string) command.Command { return command.MoveBackward{JobID: id} }),
		jobAction("remove", "Remove a pending job", func(id string) command.Command { return command.RemoveFromQueue{JobID: id} }),
		jobAction("remove-completed", "Remove a finished job", func(id string) command.Command { return command.RemoveCompleted{JobID: id} }),
	)

	checkCmd.AddCommand(checkEmptyCmd, checkBusyCmd)
}

func printJobs(cmd *cobra.Command, get func(context.Context, statequery.Querier) ([]model.Job, error)) error {
	ctx := cmd.Context()
	p, err := openProxy(ctx)
	if err != nil {
		return err
	}
	defer p.Close()
	jobs, err := get(ctx, p)
	if err != nil {
		return err
	}
	if flagJSON {
		if jobs == nil {
			jobs = []model.Job{}
		}
		return printJSON(cmd.OutOrStdout(), jobs)
	}
	printJobTable(cmd.OutOrStdout(), jobs)
	return nil
}

func shortID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	return id
}
