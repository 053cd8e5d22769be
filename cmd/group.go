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

	"github.com/dpaulsen/sessionrunner/internal/configgen"
	"github.com/dpaulsen/sessionrunner/internal/grouprunner"
	"github.com/dpaulsen/sessionrunner/internal/ids"
	"github.com/dpaulsen/sessionrunner/internal/model"
)

var groupCmd = &cobra.Command{
	Use:   "group",
	Short: "Run a dependency-ordered batch of engine sessions",
}

var (
	groupFile          string
	groupID            string
	groupMaxConcurrent int
	groupResume        bool
	groupRemote        bool
)

var groupRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a session group to completion, pause, or stop",
	RunE:  runGroupRun,
}

var groupPauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause an in-flight session group on the serve daemon",
	RunE:  runGroupControl("pause"),
}

var groupResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume a paused session group on the serve daemon",
	RunE:  runGroupControl("resume"),
}

var groupStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Terminally stop an in-flight session group on the serve daemon",
	RunE:  runGroupControl("stop"),
}

func init() {
	rootCmd.AddCommand(groupCmd)
	groupCmd.AddCommand(groupRunCmd, groupPauseCmd, groupResumeCmd, groupStopCmd)

	groupRunCmd.Flags().StringVarP(&groupFile, "file", "f", "", "YAML session-group template to create and run")
	groupRunCmd.Flags().StringVar(&groupID, "group-id", "", "id of an already-persisted group to run (mutually exclusive with --file)")
	groupRunCmd.Flags().IntVar(&groupMaxConcurrent, "max-concurrent", 0, "override the group's max concurrent sessions (0 keeps the group's own setting)")
	groupRunCmd.Flags().BoolVar(&groupResume, "resume", false, "resume previously paused sessions instead of starting fresh")
	groupRunCmd.Flags().BoolVar(&groupRemote, "remote", false, "create/run the group on the --server daemon instead of running locally")

	for _, c := range []*cobra.Command{groupPauseCmd, groupResumeCmd, groupStopCmd} {
		c.Flags().StringVar(&groupID, "group-id", "", "id of the in-flight group")
		_ = c.MarkFlagRequired("group-id")
	}
}

// groupTemplate is the YAML shape `group run -f group.yaml` accepts,
// converted into the model.SessionGroup the repository persists.
type groupTemplate struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Config      struct {
		Model               string   `yaml:"model"`
		MaxBudgetUSD        float64  `yaml:"maxBudgetUsd"`
		MaxConcurrent       int      `yaml:"maxConcurrent"`
		OnBudgetExceeded    string   `yaml:"onBudgetExceeded"`
		WarningThreshold    float64  `yaml:"warningThreshold"`
		PauseOnError        *bool    `yaml:"pauseOnError"`
		ErrorThreshold      int      `yaml:"errorThreshold"`
		RespectDependencies *bool    `yaml:"respectDependencies"`
	} `yaml:"config"`
	Sessions []struct {
		ID          string   `yaml:"id"`
		ProjectPath string   `yaml:"projectPath"`
		Prompt      string   `yaml:"prompt"`
		DependsOn   []string `yaml:"dependsOn"`
	} `yaml:"sessions"`
}

func loadGroupTemplate(path string) (model.SessionGroup, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return model.SessionGroup{}, fmt.Errorf("read group template %s: %w", path, err)
	}
	var tmpl groupTemplate
	if err := yaml.Unmarshal(raw, &tmpl); err != nil {
		return model.SessionGroup{}, fmt.Errorf("parse group template %s: %w", path, err)
	}

	group := model.SessionGroup{
		Name:        tmpl.Name,
		Description: tmpl.Description,
		Status:      model.GroupCreated,
		Config: model.GroupConfig{
			Model:               tmpl.Config.Model,
			MaxBudgetUSD:        tmpl.Config.MaxBudgetUSD,
			MaxConcurrent:       tmpl.Config.MaxConcurrent,
			OnBudgetExceeded:    model.BudgetAction(tmpl.Config.OnBudgetExceeded),
			WarningThreshold:    tmpl.Config.WarningThreshold,
			PauseOnError:        tmpl.Config.PauseOnError,
			ErrorThreshold:      tmpl.Config.ErrorThreshold,
			RespectDependencies: tmpl.Config.RespectDependencies,
		},
	}
	for _, s := range tmpl.Sessions {
		group.Sessions = append(group.Sessions, model.Session{
			ID:          s.ID,
			ProjectPath: s.ProjectPath,
			Prompt:      s.Prompt,
			Status:      model.SessionPending,
			DependsOn:   s.DependsOn,
		})
	}
	return group, nil
}

func runGroupRun(cmd *cobra.Command, args []string) error {
	if groupFile == "" && groupID == "" {
		return fmt.Errorf("group run requires either --file or --group-id")
	}

	if groupRemote {
		return runGroupRemote(cmd)
	}
	return runGroupLocal(cmd)
}

func runGroupRemote(cmd *cobra.Command) error {
	server := viper.GetString("server")
	id := groupID

	if groupFile != "" {
		group, err := loadGroupTemplate(groupFile)
		if err != nil {
			return err
		}
		payload, err := json.Marshal(group)
		if err != nil {
			return fmt.Errorf("marshal group: %w", err)
		}
		resp, err := http.Post(server+"/api/groups", "application/json", bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("create group on %s: %w", server, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusCreated {
			return fmt.Errorf("create group on %s: unexpected status %d", server, resp.StatusCode)
		}
		var created model.SessionGroup
		if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
			return fmt.Errorf("decode created group: %w", err)
		}
		id = created.ID
	}

	resp, err := http.Post(fmt.Sprintf("%s/api/groups/%s/run", server, id), "application/json", nil)
	if err != nil {
		return fmt.Errorf("run group on %s: %w", server, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("run group on %s: unexpected status %d", server, resp.StatusCode)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "group %s accepted by %s\n", id, server)
	return nil
}

func runGroupLocal(cmd *cobra.Command) error {
	clock := ids.SystemClock{}
	groups, _, closeRepos, err := openRepositories(clock)
	if err != nil {
		return err
	}
	defer closeRepos()

	var group model.SessionGroup
	if groupFile != "" {
		group, err = loadGroupTemplate(groupFile)
		if err != nil {
			return err
		}
		group.ID = ids.NewGroupOrQueueID(clock, group.Name)
		if err := groups.CreateGroup(cmd.Context(), &group); err != nil {
			return fmt.Errorf("persist group: %w", err)
		}
	} else {
		existing, err := groups.GetGroup(cmd.Context(), groupID)
		if err != nil {
			return fmt.Errorf("load group %s: %w", groupID, err)
		}
		group = *existing
	}

	engineName := resolveEngineBinary(viper.GetString("engine"))
	runner := grouprunner.New(groups, newProcessManager(), bus, clock, configgen.NewDirConfigGenerator(""), nil, engineName)

	overrides := grouprunner.Overrides{Resume: &groupResume}
	if groupMaxConcurrent > 0 {
		overrides.MaxConcurrent = &groupMaxConcurrent
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go watchForSecondInterrupt(ctx, runner)

	if err := runner.Run(ctx, group, overrides); err != nil {
		return fmt.Errorf("run group %s: %w", group.ID, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "group %s finished in state %s\n", group.ID, runner.State())
	return nil
}

// watchForSecondInterrupt pauses the runner on the first Ctrl-C this
// process receives and escalates to a terminal stop on the second,
// mirroring how a foreground CLI tool typically handles interruption
// of a long-running batch.
func watchForSecondInterrupt(ctx context.Context, runner *grouprunner.Runner) {
	<-ctx.Done()
	_ = runner.Pause(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	_ = runner.Stop(context.Background())
}

func runGroupControl(action string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		server := viper.GetString("server")
		url := fmt.Sprintf("%s/api/groups/%s/%s", server, groupID, action)
		resp, err := http.Post(url, "application/json", nil)
		if err != nil {
			return fmt.Errorf("%s group on %s: %w", action, server, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			var body map[string]string
			_ = json.NewDecoder(resp.Body).Decode(&body)
			return fmt.Errorf("%s group %s: daemon returned %d: %s", action, groupID, resp.StatusCode, body["error"])
		}
		fmt.Fprintf(cmd.OutOrStdout(), "group %s %sd\n", groupID, action)
		return nil
	}
}
