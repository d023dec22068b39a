package burst

import (
	"context"
	"errors"
	"time"

	"github.com/3cpo-dev/burst/pkg/providers"
)

// Outcome tags the result of a fleet run.
type Outcome int

const (
	Success Outcome = iota
	ConfigurationFailed
	ProvisioningFailed
	SetupFailed
	TimedOut
	Aborted
	WorkloadFailed
	TeardownFailed
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case ConfigurationFailed:
		return "configuration_failed"
	case ProvisioningFailed:
		return "provisioning_failed"
	case SetupFailed:
		return "setup_failed"
	case TimedOut:
		return "timed_out"
	case Aborted:
		return "aborted"
	case WorkloadFailed:
		return "workload_failed"
	case TeardownFailed:
		return "teardown_failed"
	}
	return "unknown"
}

// GroupReport summarizes what happened to one group.
type GroupReport struct {
	Requested int
	// Running counts nodes whose instance came up, whether or not setup
	// then succeeded.
	Running   int
	Ready     int
	Failed    int
	Shortfall int
	Errors    []error
}

// TeardownReport lists what teardown released.
type TeardownReport struct {
	RequestsCancelled   []providers.RequestID
	InstancesTerminated []string
	Duration            time.Duration
}

// Result is the aggregated outcome of one run. Err is the first fatal error,
// TeardownErr is set when resources were leaked.
type Result struct {
	RunID       string
	Outcome     Outcome
	Err         error
	TeardownErr error
	Groups      map[string]GroupReport
	Teardown    TeardownReport
	// WorkloadRan is true once the workload has been invoked.
	WorkloadRan bool
}

// Error returns the combined error of the run, nil on success.
func (r *Result) Error() error {
	return errors.Join(r.Err, r.TeardownErr)
}

// fail records err as the fatal error unless an earlier one exists.
func (r *Result) fail(err error) {
	if err == nil || r.Err != nil {
		return
	}
	r.Err = err
	r.Outcome = outcomeOf(err)
}

func outcomeOf(err error) Outcome {
	var (
		cfgErr   *ConfigurationError
		provErr  *ProvisioningError
		timeErr  *TimeoutError
		setupErr *SetupError
		workErr  *WorkloadError
		tdErr    *TeardownError
	)
	switch {
	case err == nil:
		return Success
	case errors.As(err, &tdErr):
		return TeardownFailed
	case errors.As(err, &workErr):
		return WorkloadFailed
	case errors.As(err, &cfgErr):
		return ConfigurationFailed
	case errors.As(err, &timeErr):
		return TimedOut
	case errors.As(err, &provErr):
		return ProvisioningFailed
	case errors.As(err, &setupErr):
		return SetupFailed
	case errors.Is(err, context.Canceled):
		return Aborted
	case errors.Is(err, context.DeadlineExceeded):
		return TimedOut
	}
	return SetupFailed
}
