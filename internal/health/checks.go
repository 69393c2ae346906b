package health

import (
	"context"
	"fmt"
	"time"

	"livenessd/internal/gateway"
	"livenessd/internal/pipeline"
)

// Pinger is satisfied by *store.Store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// GatewayStatus is satisfied by *gateway.Client.
type GatewayStatus interface {
	LastError() (*gateway.Error, time.Time)
}

// FailedSessions is satisfied by *pipeline.Manager.
type FailedSessions interface {
	Failed(grace time.Duration) []pipeline.SessionInfo
}

// StoreCheck pings the database.
func StoreCheck(db Pinger) Check {
	return func(ctx context.Context) CheckResult {
		if err := db.Ping(ctx); err != nil {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: "database unreachable",
				Error:   err.Error(),
			}
		}
		return CheckResult{Status: StatusHealthy, Message: "database ok"}
	}
}

// GatewayCheck reports the outcome of the most recent evaluation call.
// It never calls the gateway itself.
func GatewayCheck(gw GatewayStatus) Check {
	return func(ctx context.Context) CheckResult {
		lastErr, at := gw.LastError()
		if at.IsZero() {
			return CheckResult{Status: StatusHealthy, Message: "no evaluation calls yet"}
		}
		details := map[string]any{"last_call": at.UTC()}
		if lastErr != nil {
			details["kind"] = string(lastErr.Kind)
			return CheckResult{
				Status:  StatusDegraded,
				Message: "last evaluation call failed",
				Details: details,
				Error:   lastErr.Error(),
			}
		}
		return CheckResult{Status: StatusHealthy, Message: "last evaluation call succeeded", Details: details}
	}
}

// SessionsCheck fails when a session has been stuck in the failed state
// for longer than grace.
func SessionsCheck(m FailedSessions, grace time.Duration) Check {
	return func(ctx context.Context) CheckResult {
		failed := m.Failed(grace)
		if len(failed) == 0 {
			return CheckResult{Status: StatusHealthy, Message: "no stuck sessions"}
		}
		ids := make([]string, 0, len(failed))
		for _, s := range failed {
			ids = append(ids, s.ID)
		}
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("%d session(s) failed for longer than %s", len(failed), grace),
			Details: map[string]any{"sessions": ids},
			Error:   failed[0].Error,
		}
	}
}

// CustomCheck creates a check from a simple function.
func CustomCheck(fn func(ctx context.Context) error) Check {
	return func(ctx context.Context) CheckResult {
		if err := fn(ctx); err != nil {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: "check failed",
				Error:   err.Error(),
			}
		}
		return CheckResult{Status: StatusHealthy, Message: "check passed"}
	}
}
