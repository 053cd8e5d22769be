package apiserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dpaulsen/sessionrunner/internal/configgen"
	"github.com/dpaulsen/sessionrunner/internal/engine"
	"github.com/dpaulsen/sessionrunner/internal/model"
	"github.com/dpaulsen/sessionrunner/internal/pubsub"
	"github.com/dpaulsen/sessionrunner/internal/repository"
	"github.com/dpaulsen/sessionrunner/internal/sdkevents"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c fakeClock) Now() time.Time { return c.t }

type stubConfigGen struct{}

func (stubConfigGen) GenerateSessionConfig(ctx context.Context, s model.Session, g model.SessionGroup) (configgen.Result, error) {
	return configgen.Result{ConfigDir: "/tmp/cfg/" + s.ID}, nil
}

func newTestServer() (*Server, *httptest.Server, func()) {
	clock := fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	groups := repository.NewMemoryGroupRepository(clock)
	queues := repository.NewMemoryQueueRepository(clock)
	bus := pubsub.New[sdkevents.Event]()
	procs := engine.NewFakeProcessManager(engine.NewFakeProcess(1, nil, 0))

	s := New(groups, queues, bus, procs, stubConfigGen{}, nil, clock, "claude")
	srv := httptest.NewServer(s.Handler())
	return s, srv, srv.Close
}

func TestCreateAndGetGroup_RoundTrips(t *testing.T) {
	_, srv, closeFn := newTestServer()
	defer closeFn()

	body, _ := json.Marshal(model.SessionGroup{
		Name:     "demo",
		Sessions: []model.Session{{ID: "only", ProjectPath: "/tmp/proj", Prompt: "do it"}},
	})
	resp, err := http.Post(srv.URL+"/api/groups", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created model.SessionGroup
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	require.NotEmpty(t, created.ID)
	require.Equal(t, model.GroupCreated, created.Status)

	getResp, err := http.Get(srv.URL + "/api/groups/" + created.ID)
	require.NoError(t, err)
	defer getResp.Body.Close()
	require.Equal(t, http.StatusOK, getResp.StatusCode)
}

func TestGetGroup_MissingReturns404(t *testing.T) {
	_, srv, closeFn := newTestServer()
	defer closeFn()

	resp, err := http.Get(srv.URL + "/api/groups/nonexistent")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRunGroup_ReachesCompletedState(t *testing.T) {
	_, srv, closeFn := newTestServer()
	defer closeFn()

	body, _ := json.Marshal(model.SessionGroup{
		Name:     "demo",
		Sessions: []model.Session{{ID: "only", ProjectPath: "/tmp/proj", Prompt: "do it"}},
	})
	resp, err := http.Post(srv.URL+"/api/groups", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	var created model.SessionGroup
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	resp.Body.Close()

	runResp, err := http.Post(srv.URL+"/api/groups/"+created.ID+"/run", "application/json", nil)
	require.NoError(t, err)
	defer runResp.Body.Close()
	require.Equal(t, http.StatusAccepted, runResp.StatusCode)

	require.Eventually(t, func() bool {
		getResp, err := http.Get(srv.URL + "/api/groups/" + created.ID)
		require.NoError(t, err)
		defer getResp.Body.Close()
		var g model.SessionGroup
		require.NoError(t, json.NewDecoder(getResp.Body).Decode(&g))
		return g.Status == model.GroupCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPauseGroup_WithoutInFlightRunner_Conflicts(t *testing.T) {
	_, srv, closeFn := newTestServer()
	defer closeFn()

	resp, err := http.Post(srv.URL+"/api/groups/unknown-group/pause", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestCreateAndRunQueue_Completes(t *testing.T) {
	_, srv, closeFn := newTestServer()
	defer closeFn()

	body, _ := json.Marshal(model.CommandQueue{
		Name:        "demo-queue",
		ProjectPath: "/tmp/proj",
		Commands:    []model.QueueCommand{{Prompt: "first", SessionMode: model.SessionModeContinue, Status: model.CommandPending}},
	})
	resp, err := http.Post(srv.URL+"/api/queues", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	var created model.CommandQueue
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	resp.Body.Close()

	runResp, err := http.Post(srv.URL+"/api/queues/"+created.ID+"/run", "application/json", nil)
	require.NoError(t, err)
	defer runResp.Body.Close()
	require.Equal(t, http.StatusAccepted, runResp.StatusCode)

	require.Eventually(t, func() bool {
		getResp, err := http.Get(srv.URL + "/api/queues/" + created.ID)
		require.NoError(t, err)
		defer getResp.Body.Close()
		var q model.CommandQueue
		require.NoError(t, json.NewDecoder(getResp.Body).Decode(&q))
		return q.Status == model.QueueCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func createQueueForEditing(t *testing.T, srv *httptest.Server, prompts ...string) model.CommandQueue {
	t.Helper()
	var cmds []model.QueueCommand
	for i, p := range prompts {
		cmds = append(cmds, model.QueueCommand{Index: i, Prompt: p, SessionMode: model.SessionModeContinue, Status: model.CommandPending})
	}
	body, _ := json.Marshal(model.CommandQueue{Name: "editable", ProjectPath: "/tmp/proj", Commands: cmds})
	resp, err := http.Post(srv.URL+"/api/queues", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created model.CommandQueue
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	return created
}

func TestCommandEndpoints_AddRemoveReorder(t *testing.T) {
	_, srv, closeFn := newTestServer()
	defer closeFn()
	queue := createQueueForEditing(t, srv, "a", "b")

	// Add.
	body, _ := json.Marshal(map[string]string{"prompt": "c", "sessionMode": "new"})
	resp, err := http.Post(srv.URL+"/api/queues/"+queue.ID+"/commands", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var added model.QueueCommand
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&added))
	require.Equal(t, 2, added.Index)

	// Reorder the new command to the front.
	body, _ = json.Marshal(map[string]int{"to": 0})
	resp2, err := http.Post(srv.URL+"/api/queues/"+queue.ID+"/commands/2/reorder", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)

	// Remove the middle command.
	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/queues/"+queue.ID+"/commands/1", nil)
	resp3, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp3.Body.Close()
	require.Equal(t, http.StatusOK, resp3.StatusCode)

	getResp, err := http.Get(srv.URL + "/api/queues/" + queue.ID)
	require.NoError(t, err)
	defer getResp.Body.Close()
	var got model.CommandQueue
	require.NoError(t, json.NewDecoder(getResp.Body).Decode(&got))
	require.Len(t, got.Commands, 2)
	require.Equal(t, "c", got.Commands[0].Prompt)
	require.Equal(t, "b", got.Commands[1].Prompt)
	require.Equal(t, 0, got.Commands[0].Index)
	require.Equal(t, 1, got.Commands[1].Index)
}

func TestCommandEndpoints_UpdatePromptAndMode(t *testing.T) {
	_, srv, closeFn := newTestServer()
	defer closeFn()
	queue := createQueueForEditing(t, srv, "a")

	prompt := "a2"
	mode := "new"
	body, _ := json.Marshal(updateCommandRequest{Prompt: &prompt, SessionMode: &mode})
	req, _ := http.NewRequest(http.MethodPatch, srv.URL+"/api/queues/"+queue.ID+"/commands/0", bytes.NewReader(body))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	getResp, err := http.Get(srv.URL + "/api/queues/" + queue.ID)
	require.NoError(t, err)
	defer getResp.Body.Close()
	var got model.CommandQueue
	require.NoError(t, json.NewDecoder(getResp.Body).Decode(&got))
	require.Equal(t, "a2", got.Commands[0].Prompt)
	require.Equal(t, model.SessionModeNew, got.Commands[0].SessionMode)
}

func TestCommandEndpoints_OutOfRangeReturns404(t *testing.T) {
	_, srv, closeFn := newTestServer()
	defer closeFn()
	queue := createQueueForEditing(t, srv, "a")

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/queues/"+queue.ID+"/commands/7", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
