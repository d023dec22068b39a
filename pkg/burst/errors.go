package burst

import (
	"fmt"
	"strings"
	"time"

	"github.com/3cpo-dev/burst/pkg/providers"
)

// ConfigurationError is returned for an invalid fleet before any provider
// call is made.
type ConfigurationError struct {
	Field   string
	Value   string
	Message string
}

func (e *ConfigurationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("configuration error: %s=%s: %s", e.Field, e.Value, e.Message)
}

// ProvisioningError means the provider rejected a group's request.
type ProvisioningError struct {
	Group string
	Err   error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provision group %s: %v", e.Group, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// TimeoutError means a poll or readiness deadline passed.
type TimeoutError struct {
	// Phase is "provision" for a group poll timeout and "readiness" for the
	// fleet-wide barrier.
	Phase string
	After time.Duration
	Err   error
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("%s timed out after %s", e.Phase, e.After)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// SetupError means a node could not be reached or its setup routine failed.
type SetupError struct {
	Group      string
	InstanceID string
	Err        error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("setup %s/%s: %v", e.Group, e.InstanceID, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

// WorkloadError wraps an error returned, or a panic raised, by the workload.
type WorkloadError struct {
	Err   error
	Panic interface{}
	Stack []byte
}

func (e *WorkloadError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("workload panicked: %v", e.Panic)
	}
	return fmt.Sprintf("workload: %v", e.Err)
}

func (e *WorkloadError) Unwrap() error { return e.Err }

// TeardownError lists resources that could not be released. Each of them is
// still billing and needs manual cleanup.
type TeardownError struct {
	Requests  []providers.RequestID
	Instances []string
	Err       error
}

func (e *TeardownError) Error() string {
	var parts []string
	if len(e.Requests) > 0 {
		ids := make([]string, len(e.Requests))
		for i, id := range e.Requests {
			ids[i] = string(id)
		}
		parts = append(parts, "requests "+strings.Join(ids, ","))
	}
	if len(e.Instances) > 0 {
		parts = append(parts, "instances "+strings.Join(e.Instances, ","))
	}
	msg := "teardown incomplete"
	if len(parts) > 0 {
		msg += ", leaked " + strings.Join(parts, "; ")
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TeardownError) Unwrap() error { return e.Err }
