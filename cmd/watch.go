package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dpaulsen/sessionrunner/internal/configgen"
	"github.com/dpaulsen/sessionrunner/internal/grouprunner"
	"github.com/dpaulsen/sessionrunner/internal/ids"
	"github.com/dpaulsen/sessionrunner/internal/log"
	"github.com/dpaulsen/sessionrunner/internal/model"
	"github.com/dpaulsen/sessionrunner/internal/pubsub"
	"github.com/dpaulsen/sessionrunner/internal/queuerunner"
	"github.com/dpaulsen/sessionrunner/internal/sdkevents"
	"github.com/dpaulsen/sessionrunner/internal/tui"
	"github.com/dpaulsen/sessionrunner/internal/watch"
)

var (
	watchGroupID string
	watchQueueID string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Open a live terminal dashboard for a session group or command queue",
	Long: `watch renders a bubbletea dashboard that subscribes directly to the
in-process event bus — it never goes through the SSE/HTTP surface. A
group or queue already finished is rendered once from its persisted
state; one still pending or paused is driven to completion by a Runner
this command owns for the lifetime of the dashboard.`,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringVar(&watchGroupID, "group-id", "", "id of the session group to watch")
	watchCmd.Flags().StringVar(&watchQueueID, "queue-id", "", "id of the command queue to watch")
}

func runWatch(cmd *cobra.Command, args []string) error {
	if (watchGroupID == "") == (watchQueueID == "") {
		return fmt.Errorf("watch requires exactly one of --group-id or --queue-id")
	}

	clock := ids.SystemClock{}
	groups, queues, closeRepos, err := openRepositories(clock)
	if err != nil {
		return err
	}
	defer closeRepos()

	watchBus := pubsub.New[sdkevents.Event]()
	engineName := resolveEngineBinary(viper.GetString("engine"))

	var dash *tui.Model
	var drive func(ctx context.Context) error

	if watchGroupID != "" {
		group, err := groups.GetGroup(cmd.Context(), watchGroupID)
		if err != nil {
			return fmt.Errorf("load group %s: %w", watchGroupID, err)
		}
		dash = tui.New(fmt.Sprintf("group %s", group.Name), group.ID, watchBus)
		dash.SeedGroup(group)

		if groupNeedsDriving(group) {
			runner := grouprunner.New(groups, newProcessManager(), watchBus, clock, configgen.NewDirConfigGenerator(""), nil, engineName)
			resume := true
			drive = func(ctx context.Context) error {
				return runner.Run(ctx, *group, grouprunner.Overrides{Resume: &resume})
			}
		}
	} else {
		queue, err := queues.GetQueue(cmd.Context(), watchQueueID)
		if err != nil {
			return fmt.Errorf("load queue %s: %w", watchQueueID, err)
		}
		dash = tui.New(fmt.Sprintf("queue %s", queue.Name), queue.ID, watchBus)
		dash.SeedQueue(queue)

		if queueNeedsDriving(queue) {
			runner := queuerunner.New(queues, newProcessManager(), watchBus, clock, nil, engineName)
			drive = func(ctx context.Context) error {
				_, err := runner.Run(ctx, queue.ID)
				return err
			}
		}
	}
	defer dash.Close()

	// Tail engine transcripts for any session this watch's runner
	// starts, so the dashboard's detail pane sees live messages.
	hub := watch.NewMonitorHub(groups, watch.OSFileSystem{}, clock, watchBus)
	hub.Start()
	defer hub.Stop()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if drive != nil {
		go func() {
			if err := drive(ctx); err != nil {
				log.Warn(log.CatTUI, "watch: runner exited with error", "error", err)
			}
		}()
	}

	program := tea.NewProgram(dash, tea.WithAltScreen())
	_, err = program.Run()
	return err
}

// groupNeedsDriving reports whether watch must drive the group itself to
// see further progress: a terminal group (completed/failed) is rendered
// once from its persisted state instead.
func groupNeedsDriving(g *model.SessionGroup) bool {
	return g.Status != model.GroupCompleted && g.Status != model.GroupFailed
}

// queueNeedsDriving mirrors groupNeedsDriving for command queues.
func queueNeedsDriving(q *model.CommandQueue) bool {
	return q.Status != model.QueueCompleted && q.Status != model.QueueFailed && q.Status != model.QueueStopped
}
