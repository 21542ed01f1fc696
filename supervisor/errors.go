package supervisor

import (
	"errors"
	"fmt"

	"github.com/fitowlab/forgehub/registry"
)

// ErrNoFreePort is returned when every port in the configured range is
// occupied. Retryable: the caller may try again once an instance is stopped.
var ErrNoFreePort = errors.New("no free port available in configured range")

// ConfigurationError marks a structural problem with the shared environment
// (missing asset trees, bad paths). It is never a per-tenant condition.
type ConfigurationError struct {
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("configuration error: %s", e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// StartupTimeoutError is returned when a freshly launched worker never
// reported healthy within the startup deadline. The partially started
// process is terminated before this error is surfaced, so no process leaks.
type StartupTimeoutError struct {
	Tenant registry.TenantKey
	Port   int
	PID    int
}

func (e *StartupTimeoutError) Error() string {
	return fmt.Sprintf("worker for user %d project %d did not become healthy on port %d (pid %d)",
		e.Tenant.UserID, e.Tenant.ProjectID, e.Port, e.PID)
}
