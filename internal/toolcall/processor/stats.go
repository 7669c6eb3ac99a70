package processor

import "time"

// Stats accumulates over the processor's lifetime. A session here is one
// ProcessInParallel round that passed validation.
type Stats struct {
	TotalSessions         int           `json:"total_sessions"`
	TotalCalls            int           `json:"total_calls"`
	SuccessfulCalls       int           `json:"successful_calls"`
	FailedCalls           int           `json:"failed_calls"`
	AverageParallelism    float64       `json:"average_parallelism"`
	AverageProcessingTime time.Duration `json:"average_processing_time"`
	SuccessRate           float64       `json:"success_rate"`

	totalCallTime  time.Duration
	parallelismSum int
}

func (p *Processor) record(res Result, callTime time.Duration, peak int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := &p.stats
	s.TotalSessions++
	s.TotalCalls += res.ProcessedCalls
	s.SuccessfulCalls += res.SuccessfulCalls
	s.FailedCalls += res.FailedCalls
	s.totalCallTime += callTime
	s.parallelismSum += peak

	s.AverageParallelism = float64(s.parallelismSum) / float64(s.TotalSessions)
	if s.TotalCalls > 0 {
		s.AverageProcessingTime = s.totalCallTime / time.Duration(s.TotalCalls)
		s.SuccessRate = float64(s.SuccessfulCalls) / float64(s.TotalCalls)
	}
}

// GetParallelProcessingStats returns a copy of the running statistics.
// AverageParallelism is the mean peak number of calls in flight per round.
func (p *Processor) GetParallelProcessingStats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// ResetStats zeroes the running statistics.
func (p *Processor) ResetStats() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats = Stats{}
}
