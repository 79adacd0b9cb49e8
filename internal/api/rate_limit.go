package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/roiflow/internal/pipeline"
	"github.com/dunamismax/roiflow/internal/ratelimit"
)

// RateLimiter draws cost tokens from subject's budget.
type RateLimiter interface {
	Allow(ctx context.Context, subject string, cost int64) (ratelimit.Decision, error)
}

// Starting a job is a flat charge. Creating one is charged per pipeline step,
// since every step is a full pass over the pixels.
const startJobCost = 1

func createJobCost(desc pipeline.Description) int64 {
	return int64(1 + len(desc.Steps))
}

// admit charges the caller and writes a 429 when the budget is exhausted.
// Limiter errors let the request through.
func (s *Server) admit(w http.ResponseWriter, r *http.Request, cost int64) bool {
	if s.rateLimiter == nil {
		return true
	}

	route := routeLabel(r.URL.Path)
	subject := s.userID(r) + ":" + route
	decision, err := s.rateLimiter.Allow(r.Context(), subject, cost)
	if err != nil {
		s.logger.WithField("subject", subject).WithError(err).Warn("rate limiter check failed, allowing request")
		return true
	}

	if decision.Limit > 0 {
		w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(decision.Limit, 10))
	}
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
	if decision.Allowed {
		return true
	}

	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(decision.RetryAfter)))
	s.metrics.rateLimitRejected.WithLabelValues(route).Inc()
	writeJSON(w, http.StatusTooManyRequests, map[string]any{
		"error": "rate limit exceeded",
		"cost":  cost,
	})
	return false
}

func (s *Server) userID(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get(s.userIDHeader)); v != "" {
		return v
	}
	return "anonymous"
}

func retryAfterSeconds(d time.Duration) int {
	return max(1, int(d.Round(time.Second).Seconds()))
}
