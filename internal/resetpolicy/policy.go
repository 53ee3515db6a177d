// Package resetpolicy decides which worker, if any, may run the destructive
// one-time storage reset.
//
// Default policy: exactly one worker per job, the first worker of the first
// chunk of a fresh run. A resumed run never resets. An explicit override
// applies uniformly to every worker and waives the one-reset rule.
package resetpolicy

// Decide returns the reset flag for the worker at workerIndexWithinJob, the
// worker's position counted across every chunk of the job.
func Decide(isFreshRun bool, workerIndexWithinJob int, override *bool) bool {
	if override != nil {
		return *override
	}
	return isFreshRun && workerIndexWithinJob == 0
}

// Coordinator tracks the global worker position across chunks of one run so
// callers only have to say which chunk-local worker they are launching.
type Coordinator struct {
	freshRun bool
	override *bool
	launched int // workers handed out so far in this run
}

// NewCoordinator builds a coordinator for one scheduler run.
func NewCoordinator(isFreshRun bool, override *bool) *Coordinator {
	return &Coordinator{freshRun: isFreshRun, override: override}
}

// Next returns the reset flag for the next worker and advances the position.
func (c *Coordinator) Next() bool {
	flag := Decide(c.freshRun, c.launched, c.override)
	c.launched++
	return flag
}

// FreshRun reports whether the run started without a checkpoint.
func (c *Coordinator) FreshRun() bool {
	return c.freshRun
}

// Describe is a short label for logs.
func (c *Coordinator) Describe() string {
	switch {
	case c.override != nil && *c.override:
		return "override: reset on every worker"
	case c.override != nil:
		return "override: never reset"
	case c.freshRun:
		return "fresh run: first worker resets"
	default:
		return "resumed run: no reset"
	}
}
