// Package apiserver exposes the Group Runner, Queue Runner, and event
// bus over HTTP: a small REST control plane (create/run/pause/resume/
// stop for groups and queues) plus the SSE event stream, so the
// `sessionrunner serve` daemon and the `group`/`queue` CLI client
// commands can coordinate across process boundaries.
package apiserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/dpaulsen/sessionrunner/internal/configgen"
	"github.com/dpaulsen/sessionrunner/internal/costextract"
	"github.com/dpaulsen/sessionrunner/internal/engine"
	"github.com/dpaulsen/sessionrunner/internal/grouprunner"
	"github.com/dpaulsen/sessionrunner/internal/ids"
	"github.com/dpaulsen/sessionrunner/internal/log"
	"github.com/dpaulsen/sessionrunner/internal/model"
	"github.com/dpaulsen/sessionrunner/internal/pubsub"
	"github.com/dpaulsen/sessionrunner/internal/queuemanager"
	"github.com/dpaulsen/sessionrunner/internal/queuerunner"
	"github.com/dpaulsen/sessionrunner/internal/repository"
	"github.com/dpaulsen/sessionrunner/internal/sdkevents"
	"github.com/dpaulsen/sessionrunner/internal/sse"
)

// Server owns the repositories and live runner registries the REST
// surface drives. One Server is meant to live for the daemon's whole
// process lifetime.
type Server struct {
	groups    repository.GroupRepository
	queues    repository.QueueRepository
	bus       *pubsub.Broker[sdkevents.Event]
	processes engine.ProcessManager
	configGen configgen.ConfigGenerator
	extractor costextract.Extractor
	clock     ids.Clock
	engine    string
	commands  *queuemanager.Manager

	mu           sync.Mutex
	groupRunners map[string]*grouprunner.Runner
	queueRunners map[string]*queuerunner.Runner
}

// New constructs a Server. A nil extractor defaults to costextract.Default.
func New(
	groups repository.GroupRepository,
	queues repository.QueueRepository,
	bus *pubsub.Broker[sdkevents.Event],
	processes engine.ProcessManager,
	configGen configgen.ConfigGenerator,
	extractor costextract.Extractor,
	clock ids.Clock,
	engineName string,
) *Server {
	return &Server{
		groups:       groups,
		queues:       queues,
		bus:          bus,
		commands:     queuemanager.New(queues, bus, clock),
		processes:    processes,
		configGen:    configGen,
		extractor:    extractor,
		clock:        clock,
		engine:       engineName,
		groupRunners: make(map[string]*grouprunner.Runner),
		queueRunners: make(map[string]*queuerunner.Runner),
	}
}

// Handler builds the daemon's full HTTP surface: the REST control
// plane plus the SSE event stream.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /events", sse.Handler(s.bus))

	mux.HandleFunc("GET /api/groups", s.listGroups)
	mux.HandleFunc("POST /api/groups", s.createGroup)
	mux.HandleFunc("GET /api/groups/{id}", s.getGroup)
	mux.HandleFunc("POST /api/groups/{id}/run", s.runGroup)
	mux.HandleFunc("POST /api/groups/{id}/pause", s.pauseGroup)
	mux.HandleFunc("POST /api/groups/{id}/resume", s.resumeGroup)
	mux.HandleFunc("POST /api/groups/{id}/stop", s.stopGroup)

	mux.HandleFunc("GET /api/queues", s.listQueues)
	mux.HandleFunc("POST /api/queues", s.createQueue)
	mux.HandleFunc("GET /api/queues/{id}", s.getQueue)
	mux.HandleFunc("POST /api/queues/{id}/run", s.runQueue)
	mux.HandleFunc("POST /api/queues/{id}/pause", s.pauseQueue)
	mux.HandleFunc("POST /api/queues/{id}/resume", s.resumeQueue)
	mux.HandleFunc("POST /api/queues/{id}/stop", s.stopQueue)

	mux.HandleFunc("POST /api/queues/{id}/commands", s.addCommand)
	mux.HandleFunc("PATCH /api/queues/{id}/commands/{index}", s.updateCommand)
	mux.HandleFunc("DELETE /api/queues/{id}/commands/{index}", s.removeCommand)
	mux.HandleFunc("POST /api/queues/{id}/commands/{index}/reorder", s.reorderCommand)

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	log.Error(log.CatRepo, "api request failed", "status", status, "error", err)
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func statusForRepoErr(err error) int {
	if errors.Is(err, repository.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// --- groups ---

func (s *Server) listGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := s.groups.ListGroups(r.Context(), repository.GroupFilter{Status: model.GroupStatus(r.URL.Query().Get("status"))})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, groups)
}

func (s *Server) createGroup(w http.ResponseWriter, r *http.Request) {
	var group model.SessionGroup
	if err := json.NewDecoder(r.Body).Decode(&group); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode group: %w", err))
		return
	}
	if group.ID == "" {
		group.ID = ids.NewGroupOrQueueID(s.clock, group.Name)
	}
	if group.Status == "" {
		group.Status = model.GroupCreated
	}
	if err := s.groups.CreateGroup(r.Context(), &group); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.bus.Emit(sse.Topic, sdkevents.New(sdkevents.GroupCreated, s.clock.Now(), nil).WithGroup(group.ID))
	writeJSON(w, http.StatusCreated, group)
}

func (s *Server) getGroup(w http.ResponseWriter, r *http.Request) {
	group, err := s.groups.GetGroup(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, statusForRepoErr(err), err)
		return
	}
	writeJSON(w, http.StatusOK, group)
}

// runGroupRequest carries the grouprunner.Overrides a caller may supply
// on the run request body; every field is optional.
type runGroupRequest struct {
	MaxConcurrent       *int  `json:"maxConcurrent"`
	RespectDependencies *bool `json:"respectDependencies"`
	PauseOnError        *bool `json:"pauseOnError"`
	ErrorThreshold      *int  `json:"errorThreshold"`
	Resume              *bool `json:"resume"`
}

func (s *Server) runnerFor(groupID string) *grouprunner.Runner {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.groupRunners[groupID]; ok {
		return r
	}
	r := grouprunner.New(s.groups, s.processes, s.bus, s.clock, s.configGen, s.extractor, s.engine)
	s.groupRunners[groupID] = r
	return r
}

func (s *Server) runGroup(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	group, err := s.groups.GetGroup(r.Context(), id)
	if err != nil {
		writeError(w, statusForRepoErr(err), err)
		return
	}

	var req runGroupRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("decode run request: %w", err))
			return
		}
	}
	overrides := grouprunner.Overrides{
		MaxConcurrent:       req.MaxConcurrent,
		RespectDependencies: req.RespectDependencies,
		PauseOnError:        req.PauseOnError,
		ErrorThreshold:      req.ErrorThreshold,
		Resume:              req.Resume,
	}

	runner := s.runnerFor(id)
	go func() {
		if err := runner.Run(context.Background(), *group, overrides); err != nil {
			log.ErrorErr(log.CatGroupRunner, "group run ended in error", err, "groupId", id)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"groupId": id, "state": string(runner.State())})
}

func (s *Server) pauseGroup(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.mu.Lock()
	runner, ok := s.groupRunners[id]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusConflict, fmt.Errorf("group %s has no in-flight runner on this daemon", id))
		return
	}
	if err := runner.Pause(r.Context()); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": string(runner.State())})
}

func (s *Server) resumeGroup(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.mu.Lock()
	runner, ok := s.groupRunners[id]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusConflict, fmt.Errorf("group %s has no in-flight runner on this daemon", id))
		return
	}
	go func() {
		if err := runner.Resume(context.Background()); err != nil {
			log.ErrorErr(log.CatGroupRunner, "group resume ended in error", err, "groupId", id)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"state": string(runner.State())})
}

func (s *Server) stopGroup(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.mu.Lock()
	runner, ok := s.groupRunners[id]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusConflict, fmt.Errorf("group %s has no in-flight runner on this daemon", id))
		return
	}
	if err := runner.Stop(r.Context()); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": string(runner.State())})
}

// --- queues ---

func (s *Server) listQueues(w http.ResponseWriter, r *http.Request) {
	queues, err := s.queues.ListQueues(r.Context(), repository.QueueFilter{Status: model.QueueStatus(r.URL.Query().Get("status"))})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, queues)
}

func (s *Server) createQueue(w http.ResponseWriter, r *http.Request) {
	var queue model.CommandQueue
	if err := json.NewDecoder(r.Body).Decode(&queue); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode queue: %w", err))
		return
	}
	if queue.ID == "" {
		queue.ID = ids.NewGroupOrQueueID(s.clock, queue.Name)
	}
	if queue.Status == "" {
		queue.Status = model.QueuePending
	}
	if err := s.queues.CreateQueue(r.Context(), &queue); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.bus.Emit(sse.Topic, sdkevents.New(sdkevents.QueueCreated, s.clock.Now(), nil).WithQueue(queue.ID))
	writeJSON(w, http.StatusCreated, queue)
}

func (s *Server) getQueue(w http.ResponseWriter, r *http.Request) {
	queue, err := s.queues.GetQueue(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, statusForRepoErr(err), err)
		return
	}
	writeJSON(w, http.StatusOK, queue)
}

func (s *Server) queueRunnerFor(queueID string) *queuerunner.Runner {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.queueRunners[queueID]; ok {
		return r
	}
	r := queuerunner.New(s.queues, s.processes, s.bus, s.clock, s.extractor, s.engine)
	s.queueRunners[queueID] = r
	return r
}

func (s *Server) runQueue(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	runner := s.queueRunnerFor(id)
	go func() {
		if _, err := runner.Run(context.Background(), id); err != nil {
			log.ErrorErr(log.CatQueueRunner, "queue run ended in error", err, "queueId", id)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"queueId": id})
}

func (s *Server) pauseQueue(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.mu.Lock()
	runner, ok := s.queueRunners[id]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusConflict, fmt.Errorf("queue %s has no in-flight runner on this daemon", id))
		return
	}
	if err := runner.Pause(r.Context(), id); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) resumeQueue(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.mu.Lock()
	runner, ok := s.queueRunners[id]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusConflict, fmt.Errorf("queue %s has no in-flight runner on this daemon", id))
		return
	}
	go func() {
		if _, err := runner.Resume(context.Background(), id); err != nil {
			log.ErrorErr(log.CatQueueRunner, "queue resume ended in error", err, "queueId", id)
		}
	}()
	writeJSON(w, http.StatusAccepted, nil)
}

func (s *Server) stopQueue(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.mu.Lock()
	runner, ok := s.queueRunners[id]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusConflict, fmt.Errorf("queue %s has no in-flight runner on this daemon", id))
		return
	}
	if err := runner.Stop(r.Context(), id); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

// --- queue command editing ---

func statusForCommandErr(err error) int {
	switch {
	case errors.Is(err, repository.ErrNotFound), errors.Is(err, queuemanager.ErrIndexOutOfRange):
		return http.StatusNotFound
	case errors.Is(err, queuemanager.ErrCommandNotPending), errors.Is(err, queuemanager.ErrQueueTerminal):
		return http.StatusConflict
	case errors.Is(err, queuemanager.ErrInvalidSessionMode):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func commandIndex(r *http.Request) (int, error) {
	idx, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		return 0, fmt.Errorf("parse command index %q: %w", r.PathValue("index"), err)
	}
	return idx, nil
}

type addCommandRequest struct {
	Prompt      string `json:"prompt"`
	SessionMode string `json:"sessionMode"`
}

func (s *Server) addCommand(w http.ResponseWriter, r *http.Request) {
	var req addCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode command: %w", err))
		return
	}
	added, err := s.commands.AddCommand(r.Context(), r.PathValue("id"), req.Prompt, model.SessionMode(req.SessionMode))
	if err != nil {
		writeError(w, statusForCommandErr(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, added)
}

type updateCommandRequest struct {
	Prompt      *string `json:"prompt"`
	SessionMode *string `json:"sessionMode"`
}

func (s *Server) updateCommand(w http.ResponseWriter, r *http.Request) {
	idx, err := commandIndex(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req updateCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode command update: %w", err))
		return
	}
	if req.Prompt == nil && req.SessionMode == nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("update must set prompt and/or sessionMode"))
		return
	}
	var mode *model.SessionMode
	if req.SessionMode != nil {
		m := model.SessionMode(*req.SessionMode)
		mode = &m
	}
	// Both fields apply in one atomic repository update, so a rejected
	// mode can never leave a half-applied prompt behind.
	if err := s.commands.UpdateCommand(r.Context(), r.PathValue("id"), idx, req.Prompt, mode); err != nil {
		writeError(w, statusForCommandErr(err), err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) removeCommand(w http.ResponseWriter, r *http.Request) {
	idx, err := commandIndex(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.commands.RemoveCommand(r.Context(), r.PathValue("id"), idx); err != nil {
		writeError(w, statusForCommandErr(err), err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

type reorderCommandRequest struct {
	To int `json:"to"`
}

func (s *Server) reorderCommand(w http.ResponseWriter, r *http.Request) {
	idx, err := commandIndex(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req reorderCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode reorder: %w", err))
		return
	}
	if err := s.commands.ReorderCommand(r.Context(), r.PathValue("id"), idx, req.To); err != nil {
		writeError(w, statusForCommandErr(err), err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}
