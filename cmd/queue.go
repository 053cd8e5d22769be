package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/dpaulsen/sessionrunner/internal/ids"
	"github.com/dpaulsen/sessionrunner/internal/model"
	"github.com/dpaulsen/sessionrunner/internal/queuerunner"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Run a strictly sequential list of prompts within one project",
}

var (
	queueFile   string
	queueID     string
	queueRemote bool
)

var queueRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a command queue to completion, pause, or stop",
	RunE:  runQueueRun,
}

var queuePauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause an in-flight command queue on the serve daemon",
	RunE:  runQueueControl("pause"),
}

var queueResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume a paused command queue on the serve daemon",
	RunE:  runQueueControl("resume"),
}

var queueStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Terminally stop an in-flight command queue on the serve daemon",
	RunE:  runQueueControl("stop"),
}

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueRunCmd, queuePauseCmd, queueResumeCmd, queueStopCmd)

	queueRunCmd.Flags().StringVarP(&queueFile, "file", "f", "", "YAML command-queue template to create and run")
	queueRunCmd.Flags().StringVar(&queueID, "queue-id", "", "id of an already-persisted queue to run (mutually exclusive with --file)")
	queueRunCmd.Flags().BoolVar(&queueRemote, "remote", false, "create/run the queue on the --server daemon instead of running locally")

	for _, c := range []*cobra.Command{queuePauseCmd, queueResumeCmd, queueStopCmd} {
		c.Flags().StringVar(&queueID, "queue-id", "", "id of the in-flight queue")
		_ = c.MarkFlagRequired("queue-id")
	}
}

// queueTemplate is the YAML shape `queue run -f queue.yaml` accepts.
type queueTemplate struct {
	Name           string   `yaml:"name"`
	ProjectPath    string   `yaml:"projectPath"`
	StopOnError    *bool    `yaml:"stopOnError"`
	AdditionalArgs []string `yaml:"additionalArgs"`
	Commands       []struct {
		Prompt      string `yaml:"prompt"`
		SessionMode string `yaml:"sessionMode"`
	} `yaml:"commands"`
}

func loadQueueTemplate(path string) (model.CommandQueue, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return model.CommandQueue{}, fmt.Errorf("read queue template %s: %w", path, err)
	}
	var tmpl queueTemplate
	if err := yaml.Unmarshal(raw, &tmpl); err != nil {
		return model.CommandQueue{}, fmt.Errorf("parse queue template %s: %w", path, err)
	}

	queue := model.CommandQueue{
		Name:           tmpl.Name,
		ProjectPath:    tmpl.ProjectPath,
		Status:         model.QueuePending,
		StopOnError:    tmpl.StopOnError,
		AdditionalArgs: tmpl.AdditionalArgs,
	}
	for i, c := range tmpl.Commands {
		mode := model.SessionMode(c.SessionMode)
		if mode == "" {
			mode = model.SessionModeContinue
		}
		queue.Commands = append(queue.Commands, model.QueueCommand{
			Index:       i,
			Prompt:      c.Prompt,
			SessionMode: mode,
			Status:      model.CommandPending,
		})
	}
	return queue, nil
}

func runQueueRun(cmd *cobra.Command, args []string) error {
	if queueFile == "" && queueID == "" {
		return fmt.Errorf("queue run requires either --file or --queue-id")
	}

	if queueRemote {
		return runQueueRemote(cmd)
	}
	return runQueueLocal(cmd)
}

func runQueueRemote(cmd *cobra.Command) error {
	server := viper.GetString("server")
	id := queueID

	if queueFile != "" {
		queue, err := loadQueueTemplate(queueFile)
		if err != nil {
			return err
		}
		payload, err := json.Marshal(queue)
		if err != nil {
			return fmt.Errorf("marshal queue: %w", err)
		}
		resp, err := http.Post(server+"/api/queues", "application/json", bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("create queue on %s: %w", server, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusCreated {
			return fmt.Errorf("create queue on %s: unexpected status %d", server, resp.StatusCode)
		}
		var created model.CommandQueue
		if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
			return fmt.Errorf("decode created queue: %w", err)
		}
		id = created.ID
	}

	resp, err := http.Post(fmt.Sprintf("%s/api/queues/%s/run", server, id), "application/json", nil)
	if err != nil {
		return fmt.Errorf("run queue on %s: %w", server, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("run queue on %s: unexpected status %d", server, resp.StatusCode)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "queue %s accepted by %s\n", id, server)
	return nil
}

func runQueueLocal(cmd *cobra.Command) error {
	clock := ids.SystemClock{}
	_, queues, closeRepos, err := openRepositories(clock)
	if err != nil {
		return err
	}
	defer closeRepos()

	var queue model.CommandQueue
	if queueFile != "" {
		queue, err = loadQueueTemplate(queueFile)
		if err != nil {
			return err
		}
		queue.ID = ids.NewGroupOrQueueID(clock, queue.Name)
		if err := queues.CreateQueue(cmd.Context(), &queue); err != nil {
			return fmt.Errorf("persist queue: %w", err)
		}
	} else {
		existing, err := queues.GetQueue(cmd.Context(), queueID)
		if err != nil {
			return fmt.Errorf("load queue %s: %w", queueID, err)
		}
		queue = *existing
	}

	engineName := resolveEngineBinary(viper.GetString("engine"))
	runner := queuerunner.New(queues, newProcessManager(), bus, clock, nil, engineName)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go watchForQueueSecondInterrupt(ctx, runner, queue.ID)

	result, err := runner.Run(ctx, queue.ID)
	if err != nil {
		return fmt.Errorf("run queue %s: %w", queue.ID, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "queue %s finished: status=%s completed=%d failed=%d\n",
		queue.ID, result.Status, result.Completed, result.Failed)
	return nil
}

func watchForQueueSecondInterrupt(ctx context.Context, runner *queuerunner.Runner, queueID string) {
	<-ctx.Done()
	_ = runner.Pause(context.Background(), queueID)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	_ = runner.Stop(context.Background(), queueID)
}

func runQueueControl(action string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		server := viper.GetString("server")
		url := fmt.Sprintf("%s/api/queues/%s/%s", server, queueID, action)
		resp, err := http.Post(url, "application/json", nil)
		if err != nil {
			return fmt.Errorf("%s queue on %s: %w", action, server, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			var body map[string]string
			_ = json.NewDecoder(resp.Body).Decode(&body)
			return fmt.Errorf("%s queue %s: daemon returned %d: %s", action, queueID, resp.StatusCode, body["error"])
		}
		fmt.Fprintf(cmd.OutOrStdout(), "queue %s %sd\n", queueID, action)
		return nil
	}
}
