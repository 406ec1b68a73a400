package resilience

import "time"

// Counts holds the request tallies tracked by a circuit breaker. All methods
// must be called with the breaker's mutex held.
type Counts struct {
	// Requests counts every call observed, including rejected ones
	Requests             int
	Successes            int
	Failures             int
	ConsecutiveSuccesses int
	ConsecutiveFailures  int

	// Timeouts observed among the failures
	Timeout int

	// ShortCircuited counts calls rejected while the breaker was open;
	// Rejected counts calls turned away at the half-open probe limit
	ShortCircuited int
	Rejected       int

	// Timestamps for analysis
	LastSuccess time.Time
	LastFailure time.Time
	LastTimeout time.Time

	// Lifetime totals, not cleared by episode resets
	TotalSuccesses uint32
	TotalFailures  uint32
}

// NewCounts creates a new Counts instance
func NewCounts() Counts {
	return Counts{}
}

// RecordRequest records an admission attempt, whether or not it is admitted
func (c *Counts) RecordRequest() {
	c.Requests++
}

// RecordSuccess records a successful request
func (c *Counts) RecordSuccess() {
	c.Successes++
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
	c.LastSuccess = time.Now()
}

// RecordFailure records a failed request
func (c *Counts) RecordFailure() {
	c.Failures++
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
	c.LastFailure = time.Now()
}

// RecordTimeout records a request that failed by timing out
func (c *Counts) RecordTimeout() {
	c.RecordFailure()
	c.Timeout++
	c.LastTimeout = c.LastFailure
}

// RecordShortCircuited records a request rejected by an open breaker
func (c *Counts) RecordShortCircuited() {
	c.ShortCircuited++
}

// RecordRejected records a request rejected at the half-open probe limit
func (c *Counts) RecordRejected() {
	c.Rejected++
}

// FailureRate returns the failure ratio over the observed requests. The
// failure tally clears when the breaker closes after recovery, so the rate
// reflects current health rather than lifetime history.
func (c *Counts) FailureRate() float64 {
	if c.Requests == 0 {
		return 0
	}
	return float64(c.Failures) / float64(c.Requests)
}

// Reset resets the episode counters. Lifetime totals and timestamps survive.
func (c *Counts) Reset() {
	c.Requests = 0
	c.Successes = 0
	c.Failures = 0
	c.ConsecutiveSuccesses = 0
	c.ConsecutiveFailures = 0
	c.Timeout = 0
	c.ShortCircuited = 0
	c.Rejected = 0
}

// ResetTimestamps resets all timestamps
func (c *Counts) ResetTimestamps() {
	c.LastSuccess = time.Time{}
	c.LastFailure = time.Time{}
	c.LastTimeout = time.Time{}
}
