package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-chi/chi/v5"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ChuLiYu/beaver-cloud/internal/jobconfig"
	"github.com/ChuLiYu/beaver-cloud/internal/producer"
	"github.com/ChuLiYu/beaver-cloud/internal/server"
	"github.com/ChuLiYu/beaver-cloud/pkg/types"
)

// Health /healthz 回應
type Health struct {
	Status string `json:"status"`
	Leader bool   `json:"leader"`
	Uptime string `json:"uptime"`
}

// State /api/state 回應
type State struct {
	Ready    []string            `json:"ready"`
	Misfired []string            `json:"misfired"`
	Running  map[string][]string `json:"running"`
	Failover map[string][]string `json:"failover"`
	Counts   StateCounts         `json:"counts"`
}

// StateCounts 各儲存的數量
type StateCounts struct {
	Jobs     int `json:"jobs"`
	Ready    int `json:"ready"`
	Misfired int `json:"misfired"`
	Running  int `json:"running"`
	Failover int `json:"failover"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	leader := true
	if s.deps.Leading != nil {
		leader = s.deps.Leading()
	}
	respondOK(w, r, Health{
		Status: "up",
		Leader: leader,
		Uptime: time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

// ============================================================================
// 作業
// ============================================================================

// validateJob 補上預設執行類型並檢查 cron
func validateJob(cfg *types.JobConfig) error {
	if cfg.JobExecutionType == "" {
		cfg.JobExecutionType = types.JobTransient
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if !cfg.IsDaemon() {
		if _, err := producer.ParseCron(cfg.Cron); err != nil {
			return fmt.Errorf("%w: %v", types.ErrInvalidJobConfig, err)
		}
	}
	return nil
}

func decodeJob(r *http.Request) (types.JobConfig, error) {
	var cfg types.JobConfig
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("invalid JSON body: %w", err)
	}
	return cfg, nil
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("match")
	if pattern != "" && !doublestar.ValidatePattern(pattern) {
		respondError(w, r, http.StatusBadRequest, CodeValidation, fmt.Sprintf("invalid match pattern %q", pattern))
		return
	}

	configs, err := s.deps.Jobs.LoadAll()
	if err != nil {
		s.internalError(w, r, "load jobs", err)
		return
	}
	out := make([]types.JobConfig, 0, len(configs))
	for _, cfg := range configs {
		if pattern != "" {
			if ok, _ := doublestar.Match(pattern, cfg.JobName); !ok {
				continue
			}
		}
		out = append(out, cfg)
	}
	respondOK(w, r, out)
}

func (s *Server) handleRegisterJob(w http.ResponseWriter, r *http.Request) {
	cfg, err := decodeJob(r)
	if err != nil {
		respondError(w, r, http.StatusBadRequest, CodeValidation, err.Error())
		return
	}
	if err := validateJob(&cfg); err != nil {
		respondError(w, r, http.StatusBadRequest, CodeValidation, err.Error())
		return
	}

	if err := s.deps.Jobs.Add(cfg); err != nil {
		if errors.Is(err, jobconfig.ErrJobExists) {
			respondError(w, r, http.StatusConflict, CodeConflict, err.Error())
			return
		}
		s.internalError(w, r, "add job", err)
		return
	}
	if err := s.schedule(cfg); err != nil {
		s.internalError(w, r, "schedule job", err)
		return
	}
	s.logger.Info("job registered", zap.String("job", cfg.JobName), zap.String("type", string(cfg.JobExecutionType)))
	respondCreated(w, r, cfg)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	cfg, ok, err := s.deps.Jobs.Load(name)
	if err != nil {
		s.internalError(w, r, "load job", err)
		return
	}
	if !ok {
		respondError(w, r, http.StatusNotFound, CodeNotFound, fmt.Sprintf("job %q not found", name))
		return
	}
	respondOK(w, r, cfg)
}

func (s *Server) handleUpdateJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	cfg, err := decodeJob(r)
	if err != nil {
		respondError(w, r, http.StatusBadRequest, CodeValidation, err.Error())
		return
	}
	if cfg.JobName == "" {
		cfg.JobName = name
	}
	if cfg.JobName != name {
		respondError(w, r, http.StatusBadRequest, CodeValidation,
			fmt.Sprintf("job name %q does not match path %q", cfg.JobName, name))
		return
	}
	if err := validateJob(&cfg); err != nil {
		respondError(w, r, http.StatusBadRequest, CodeValidation, err.Error())
		return
	}

	if err := s.deps.Jobs.Update(cfg); err != nil {
		if errors.Is(err, jobconfig.ErrJobNotFound) {
			respondError(w, r, http.StatusNotFound, CodeNotFound, err.Error())
			return
		}
		s.internalError(w, r, "update job", err)
		return
	}
	if err := s.schedule(cfg); err != nil {
		s.internalError(w, r, "reschedule job", err)
		return
	}
	s.logger.Info("job updated", zap.String("job", cfg.JobName))
	respondOK(w, r, cfg)
}

// handleRemoveJob 刪除配置與觸發器，清除 ready / misfired 標記；執行中的任務照常結束
func (s *Server) handleRemoveJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	_, ok, err := s.deps.Jobs.Load(name)
	if err != nil {
		s.internalError(w, r, "load job", err)
		return
	}
	if !ok {
		respondError(w, r, http.StatusNotFound, CodeNotFound, fmt.Sprintf("job %q not found", name))
		return
	}

	if s.deps.Scheduler != nil {
		s.deps.Scheduler.Deregister(name)
	}
	err = s.deps.Jobs.Remove(name)
	if s.deps.Ready != nil {
		err = multierr.Append(err, s.deps.Ready.Remove([]string{name}))
	}
	if s.deps.Misfired != nil {
		err = multierr.Append(err, s.deps.Misfired.Remove([]string{name}))
	}
	if err != nil {
		s.internalError(w, r, "remove job", err)
		return
	}
	s.logger.Info("job removed", zap.String("job", name))
	respondOK(w, r, map[string]string{"removed": name})
}

func (s *Server) schedule(cfg types.JobConfig) error {
	if s.deps.Scheduler == nil {
		return nil
	}
	return s.deps.Scheduler.Register(cfg)
}

func (s *Server) handleJobTrace(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(w, r, http.StatusBadRequest, CodeValidation, fmt.Sprintf("invalid limit %q", raw))
			return
		}
		limit = n
	}
	events, err := s.deps.Tracer.ListByJob(r.Context(), name, limit)
	if err != nil {
		s.internalError(w, r, "list trace", err)
		return
	}
	respondOK(w, r, events)
}

// ============================================================================
// 狀態
// ============================================================================

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	state, err := s.collectState()
	if err != nil {
		s.internalError(w, r, "collect state", err)
		return
	}
	respondOK(w, r, state)
}

func (s *Server) collectState() (State, error) {
	state := State{
		Ready:    []string{},
		Misfired: []string{},
		Running:  map[string][]string{},
		Failover: map[string][]string{},
	}

	configs, err := s.deps.Jobs.LoadAll()
	if err != nil {
		return state, err
	}
	state.Counts.Jobs = len(configs)

	if s.deps.Ready != nil {
		if state.Ready, err = s.deps.Ready.GetAllReadyJobNames(); err != nil {
			return state, err
		}
	}
	if s.deps.Misfired != nil {
		if state.Misfired, err = s.deps.Misfired.GetAllMisfiredJobNames(); err != nil {
			return state, err
		}
	}
	if s.deps.Running != nil {
		running, err := s.deps.Running.GetAllRunningTasks()
		if err != nil {
			return state, err
		}
		state.Running, state.Counts.Running = taskIDs(running)
	}
	if s.deps.Failover != nil {
		failover, err := s.deps.Failover.GetAllFailoverTasks()
		if err != nil {
			return state, err
		}
		state.Failover, state.Counts.Failover = taskIDs(failover)
	}
	state.Ready, state.Misfired = orEmpty(state.Ready), orEmpty(state.Misfired)
	state.Counts.Ready = len(state.Ready)
	state.Counts.Misfired = len(state.Misfired)
	return state, nil
}

func orEmpty(names []string) []string {
	if names == nil {
		return []string{}
	}
	return names
}

func taskIDs(tasks map[string][]types.TaskContext) (map[string][]string, int) {
	out := make(map[string][]string, len(tasks))
	total := 0
	for job, list := range tasks {
		ids := make([]string, 0, len(list))
		for _, t := range list {
			ids = append(ids, t.ID())
		}
		out[job] = ids
		total += len(ids)
	}
	return out, total
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	agents := []server.AgentInfo{}
	if s.deps.Agents != nil {
		agents = s.deps.Agents.Agents()
	}
	respondOK(w, r, agents)
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	s.logger.Error(op+" failed", zap.String("request_id", RequestIDFromContext(r.Context())), zap.Error(err))
	respondError(w, r, http.StatusInternalServerError, CodeInternal, err.Error())
}
