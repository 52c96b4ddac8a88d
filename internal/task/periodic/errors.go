package periodic

import (
	"errors"
	"fmt"
)

var (
	ErrCapacity         = errors.New("periodic: task registry full")
	ErrUnknownTask      = errors.New("periodic: unknown task")
	ErrSlotNotInUse     = errors.New("periodic: registry slot not in use")
	ErrInvalidTask      = errors.New("periodic: invalid task")
	ErrStarted          = errors.New("periodic: scheduler already started")
	ErrNotPeriodic      = errors.New("periodic: caller is not a periodic task")
	ErrNilResource      = errors.New("periodic: nil resource")
	ErrTooManyResources = errors.New("periodic: held resource limit reached")
	ErrResourceHeld     = errors.New("periodic: resource already held by caller")
	ErrResourceNotHeld  = errors.New("periodic: resource not held by caller")
	ErrResourceTake     = errors.New("periodic: resource not acquired")
	ErrResourceGive     = errors.New("periodic: resource not released")
	ErrKernel           = errors.New("periodic: kernel call failed")
)

// ContractViolation reports a programming or configuration error detected
// where no error can be returned (wrapper, watchdog). The default fatal
// handler panics with it.
type ContractViolation struct {
	Op   string
	Task string
	Err  error
}

func (c *ContractViolation) Error() string {
	if c.Task == "" {
		return fmt.Sprintf("contract violation in %s: %v", c.Op, c.Err)
	}
	return fmt.Sprintf("contract violation in %s (task %q): %v", c.Op, c.Task, c.Err)
}

func (c *ContractViolation) Unwrap() error { return c.Err }

// IsContractViolation reports whether err is or wraps a *ContractViolation.
func IsContractViolation(err error) bool {
	var cv *ContractViolation
	return errors.As(err, &cv)
}

func defaultFatal(err error) { panic(err) }
