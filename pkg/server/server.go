// Package server hosts the dashboard: a JSON API for submitting and
// inspecting runs, a live SSE event stream, and the embedded HTML shell.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/openclaw/conductor/pkg/agent"
	"github.com/openclaw/conductor/pkg/gateway"
	"github.com/openclaw/conductor/pkg/models"
	"github.com/openclaw/conductor/pkg/orchestrator"
	"github.com/openclaw/conductor/pkg/store"
)

// DefaultMaxRuns bounds the in-memory run map.
const DefaultMaxRuns = 50

// RunnerFactory builds an orchestrator for one run. The server supplies
// per-run options and its event callbacks; the factory wires the thinker,
// registry, and executor.
type RunnerFactory func(opts orchestrator.Options, cbs orchestrator.Callbacks) *orchestrator.Orchestrator

// Options configures the dashboard server.
type Options struct {
	// Addr is the listen address, host:port.
	Addr string
	// MaxRuns bounds the in-memory run map; the oldest run is evicted
	// first. Defaults to 50.
	MaxRuns int
	// Agents backs /api/health and /api/agents/health.
	Agents *agent.Registry
	// Gateways is listed by name in /api/health.
	Gateways *gateway.Registry
	// Store persists run snapshots. Optional; nil disables persistence.
	Store store.RunStore
	// NewRunner builds the orchestrator for each submitted run.
	NewRunner RunnerFactory
	Logger    *slog.Logger
}

// Server is the dashboard HTTP server. It owns a bounded map of recent
// runs fed by orchestrator callbacks and fans lifecycle events out over
// SSE.
type Server struct {
	opts        Options
	logger      *slog.Logger
	engine      *gin.Engine
	httpServer  *http.Server
	broadcaster *Broadcaster

	mu   sync.Mutex
	runs map[string]*models.Run
}

// New creates the server and registers its routes.
func New(opts Options) *Server {
	if opts.MaxRuns <= 0 {
		opts.MaxRuns = DefaultMaxRuns
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), corsMiddleware())

	s := &Server{
		opts:        opts,
		logger:      logger,
		engine:      engine,
		broadcaster: NewBroadcaster(logger),
		runs:        make(map[string]*models.Run),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/", s.handleIndex)

	api := s.engine.Group("/api")
	api.GET("/health", s.handleHealth)
	api.GET("/agents/health", s.handleAgentsHealth)
	api.GET("/events", s.handleEvents)
	api.GET("/runs", s.handleListRuns)
	api.POST("/runs", s.handleCreateRun)
	api.GET("/runs/:id", s.handleGetRun)
	api.DELETE("/runs/:id", s.handleDeleteRun)
}

// corsMiddleware opens the API to browser dashboards served from
// anywhere and short-circuits preflight requests.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// Handler exposes the route tree, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Start listens on the configured address until Shutdown.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("dashboard listening", "addr", s.opts.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// launchRun starts a new orchestration in the background and returns its
// run id immediately.
func (s *Server) launchRun(goal string, maxConcurrency, maxSteps int) string {
	runID := uuid.NewString()
	startedAt := time.Now()

	cbs := orchestrator.Callbacks{
		OnThinking: func(runID string, stepNumber int) {
			s.broadcaster.Broadcast(stepThinkingEvent{Type: eventStepThinking, RunID: runID, StepNumber: stepNumber})
		},
		OnStepStart: func(runID string, step *models.Step) {
			ids := make([]string, len(step.Tasks))
			for i, t := range step.Tasks {
				ids[i] = t.ID
			}
			s.broadcaster.Broadcast(stepStartedEvent{
				Type:       eventStepStarted,
				RunID:      runID,
				StepNumber: step.StepNumber,
				TaskIDs:    ids,
				Tasks:      step.Tasks,
			})
		},
		OnTaskStart: func(runID string, stepNumber int, task *models.StepTask) {
			s.broadcaster.Broadcast(taskStartedEvent{Type: eventTaskStarted, RunID: runID, StepNumber: stepNumber, TaskID: task.ID})
		},
		OnTaskChunk: func(runID string, stepNumber int, taskID, content string, done bool) {
			s.broadcaster.Broadcast(taskChunkEvent{Type: eventTaskChunk, RunID: runID, StepNumber: stepNumber, TaskID: taskID, Content: content, Done: done})
		},
		OnTaskEnd: func(runID string, stepNumber int, task *models.StepTask) {
			s.broadcaster.Broadcast(taskEndedEvent{Type: eventTaskEnded, RunID: runID, StepNumber: stepNumber, TaskID: task.ID, Result: task.Result, Status: task.Status})
		},
		OnStepEnd: func(runID string, step *models.Step) {
			s.broadcaster.Broadcast(stepEndedEvent{Type: eventStepEnded, RunID: runID, StepNumber: step.StepNumber})
		},
		OnFinish: func(runID, answer string) {
			s.broadcaster.Broadcast(runCompleteEvent{
				Type:       eventRunComplete,
				RunID:      runID,
				Answer:     answer,
				DurationMs: time.Since(startedAt).Milliseconds(),
			})
		},
		OnError: func(runID string, err error) {
			s.broadcaster.Broadcast(runErrorEvent{Type: eventRunError, RunID: runID, Error: err.Error()})
		},
		OnRunUpdate: s.storeSnapshot,
	}

	runner := s.opts.NewRunner(orchestrator.Options{
		RunID:          runID,
		MaxConcurrency: maxConcurrency,
		MaxSteps:       maxSteps,
	}, cbs)

	s.broadcaster.Broadcast(runStartedEvent{Type: eventRunStarted, RunID: runID, Goal: goal})
	go func() {
		if _, err := runner.Run(context.Background(), goal); err != nil {
			s.logger.Warn("run ended with error", "runId", runID, "error", err)
		}
	}()
	return runID
}

// storeSnapshot records a run snapshot in the bounded map and persists
// it. Snapshots arrive from the loop goroutine; the map is the dashboard's
// live view.
func (s *Server) storeSnapshot(snapshot *models.Run) {
	s.mu.Lock()
	s.runs[snapshot.RunID] = snapshot
	for len(s.runs) > s.opts.MaxRuns {
		oldestID := ""
		var oldest time.Time
		for id, run := range s.runs {
			if oldestID == "" || run.StartedAt.Before(oldest) {
				oldestID = id
				oldest = run.StartedAt
			}
		}
		delete(s.runs, oldestID)
	}
	s.mu.Unlock()

	if s.opts.Store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.opts.Store.Upsert(ctx, snapshot); err != nil {
			s.logger.Error("persisting run failed", "runId", snapshot.RunID, "error", err)
		}
	}
}

// getRun reads a run from the map, falling back to the store.
func (s *Server) getRun(ctx context.Context, runID string) (*models.Run, bool) {
	s.mu.Lock()
	run, ok := s.runs[runID]
	s.mu.Unlock()
	if ok {
		return run, true
	}
	if s.opts.Store == nil {
		return nil, false
	}
	run, err := s.opts.Store.Get(ctx, runID)
	if err != nil {
		return nil, false
	}
	return run, true
}
