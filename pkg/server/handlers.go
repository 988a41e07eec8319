package server

import (
	_ "embed"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/openclaw/conductor/pkg/agent"
	"github.com/openclaw/conductor/pkg/models"
	"github.com/openclaw/conductor/pkg/store"
)

//go:embed static/index.html
var indexHTML []byte

func (s *Server) handleIndex(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", indexHTML)
}

type healthAgent struct {
	Name         string              `json:"name"`
	Type         string              `json:"type"`
	Description  string              `json:"description,omitempty"`
	Capabilities []string            `json:"capabilities,omitempty"`
	Health       *agent.HealthStatus `json:"health,omitempty"`
}

func (s *Server) handleHealth(c *gin.Context) {
	agents := []healthAgent{}
	if s.opts.Agents != nil {
		for _, info := range s.opts.Agents.List() {
			ha := healthAgent{
				Name:         info.Name,
				Type:         info.Type,
				Description:  info.Description,
				Capabilities: info.Capabilities,
			}
			if st, ok := s.opts.Agents.Health(info.Name); ok {
				ha.Health = &st
			}
			agents = append(agents, ha)
		}
	}

	gateways := []string{}
	if s.opts.Gateways != nil {
		gateways = s.opts.Gateways.Names()
	}

	c.JSON(http.StatusOK, gin.H{"ok": true, "agents": agents, "gateways": gateways})
}

func (s *Server) handleAgentsHealth(c *gin.Context) {
	statuses := []agent.HealthStatus{}
	if s.opts.Agents != nil {
		statuses = s.opts.Agents.CheckAllHealth(c.Request.Context())
	}
	c.JSON(http.StatusOK, gin.H{"agents": statuses})
}

// handleEvents streams broadcast events as SSE frames until the client
// disconnects.
func (s *Server) handleEvents(c *gin.Context) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	ch := s.broadcaster.Subscribe()
	defer s.broadcaster.Unsubscribe(ch)

	// Keep-alive comment so proxies and the EventSource open promptly.
	fmt.Fprint(c.Writer, ":\n\n")
	flusher.Flush()

	for {
		select {
		case data := <-ch:
			fmt.Fprintf(c.Writer, "data: %s\n\n", data)
			flusher.Flush()
		case <-c.Request.Context().Done():
			return
		}
	}
}

func (s *Server) handleListRuns(c *gin.Context) {
	byID := make(map[string]*models.Run)

	if s.opts.Store != nil {
		if persisted, err := s.opts.Store.List(c.Request.Context(), store.DefaultListLimit); err != nil {
			s.logger.Error("listing persisted runs failed", "error", err)
		} else {
			for _, run := range persisted {
				byID[run.RunID] = run
			}
		}
	}

	// Live snapshots win over persisted ones.
	s.mu.Lock()
	for id, run := range s.runs {
		byID[id] = run
	}
	s.mu.Unlock()

	runs := make([]*models.Run, 0, len(byID))
	for _, run := range byID {
		runs = append(runs, run)
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	if len(runs) > store.DefaultListLimit {
		runs = runs[:store.DefaultListLimit]
	}
	c.JSON(http.StatusOK, runs)
}

type createRunRequest struct {
	Goal           string `json:"goal"`
	MaxConcurrency int    `json:"maxConcurrency"`
	MaxSteps       int    `json:"maxSteps"`
}

func (s *Server) handleCreateRun(c *gin.Context) {
	var req createRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}
	if strings.TrimSpace(req.Goal) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "goal is required"})
		return
	}
	if s.opts.NewRunner == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "run submission is not configured"})
		return
	}

	runID := s.launchRun(req.Goal, req.MaxConcurrency, req.MaxSteps)
	c.JSON(http.StatusCreated, gin.H{"runId": runID, "goal": req.Goal})
}

func (s *Server) handleGetRun(c *gin.Context) {
	run, ok := s.getRun(c.Request.Context(), c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Run not found"})
		return
	}
	c.JSON(http.StatusOK, run)
}

func (s *Server) handleDeleteRun(c *gin.Context) {
	runID := c.Param("id")

	s.mu.Lock()
	_, inMemory := s.runs[runID]
	delete(s.runs, runID)
	s.mu.Unlock()

	inStore := false
	if s.opts.Store != nil {
		switch err := s.opts.Store.Delete(c.Request.Context(), runID); {
		case err == nil:
			inStore = true
		case errors.Is(err, store.ErrRunNotFound):
		default:
			s.logger.Error("deleting persisted run failed", "runId", runID, "error", err)
		}
	}

	if !inMemory && !inStore {
		c.JSON(http.StatusNotFound, gin.H{"error": "Run not found"})
		return
	}

	s.broadcaster.Broadcast(runDeletedEvent{Type: eventRunDeleted, RunID: runID})
	c.JSON(http.StatusOK, gin.H{"deleted": true, "runId": runID})
}
