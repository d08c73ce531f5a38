package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"leaderelect/pkg/coordination"
	"leaderelect/pkg/election"
)

const readTimeout = 3 * time.Second

// healthCheck handles GET /health. The process is healthy while its
// participant holds a connected session.
func (s *Server) healthCheck(c *gin.Context) {
	state := "none"
	if st, err := s.source.Status(); err == nil {
		state = st.State
	}

	status, httpStatus := "healthy", http.StatusOK
	if state != coordination.StateConnected.String() {
		status, httpStatus = "degraded", http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"session":   state,
		"breaker":   s.source.Breaker(),
		"timestamp": time.Now().UTC(),
	})
}

// getElection handles GET /api/v1/election
func (s *Server) getElection(c *gin.Context) {
	st, ok := s.status(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, st)
}

// getLeader handles GET /api/v1/election/leader. It resolves against the
// live candidate set rather than the last published verdict.
func (s *Server) getLeader(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), readTimeout)
	defer cancel()

	v, err := s.source.ResolveLeadership(ctx)
	if err != nil {
		_ = c.Error(err)
		c.JSON(statusFor(err), gin.H{"error": "failed to resolve leadership: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"leader":      v.Leader,
		"is_leader":   v.IsLeader,
		"self":        v.Self,
		"predecessor": v.Predecessor,
		"candidates":  v.Candidates,
	})
}

// listCandidates handles GET /api/v1/election/candidates
func (s *Server) listCandidates(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), readTimeout)
	defer cancel()

	names, err := s.source.Candidates(ctx)
	if err != nil {
		_ = c.Error(err)
		c.JSON(statusFor(err), gin.H{"error": "failed to list candidates: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"candidates": names,
		"count":      len(names),
	})
}

func (s *Server) status(c *gin.Context) (election.Status, bool) {
	st, err := s.source.Status()
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return election.Status{}, false
	}
	return st, true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, election.ErrInterrupted),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, coordination.ErrCoordination):
		return http.StatusBadGateway
	default:
		return http.StatusServiceUnavailable
	}
}
