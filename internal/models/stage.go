package models

import "time"

// Stage names, in pipeline order.
const (
	StageResearcher = "researcher"
	StageStrategist = "strategist"
	StageTactician  = "tactician"
	StageValidator  = "validator"
)

// Stages lists every stage name.
var Stages = []string{StageResearcher, StageStrategist, StageTactician, StageValidator}

// StageResult records one stage attempt. Rows are append-only.
type StageResult struct {
	ID           string    `json:"id"`
	JobID        string    `json:"job_id"`
	Stage        string    `json:"stage"`
	Attempt      int       `json:"attempt"`
	OK           bool      `json:"ok"`
	Output       string    `json:"output,omitempty"`
	Citations    []string  `json:"citations,omitempty"`
	LatencyMS    int64     `json:"latency_ms"`
	TokensIn     int       `json:"tokens_in"`
	TokensOut    int       `json:"tokens_out"`
	CostUSD      float64   `json:"cost_usd"`
	Model        string    `json:"model,omitempty"`
	ErrorCode    string    `json:"error_code,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// LatestSuccess returns the highest-attempt successful result for stage.
func LatestSuccess(results []StageResult, stage string) (StageResult, bool) {
	var best StageResult
	found := false
	for _, r := range results {
		if r.Stage != stage || !r.OK {
			continue
		}
		if !found || r.Attempt > best.Attempt {
			best = r
			found = true
		}
	}
	return best, found
}

// MaxAttempt returns the highest attempt number recorded for stage, or 0.
func MaxAttempt(results []StageResult, stage string) int {
	max := 0
	for _, r := range results {
		if r.Stage == stage && r.Attempt > max {
			max = r.Attempt
		}
	}
	return max
}

// StageStats aggregates stage results over a window.
type StageStats struct {
	Stage          string  `json:"stage"`
	Attempts       int64   `json:"attempts"`
	Successes      int64   `json:"successes"`
	SuccessRate    float64 `json:"success_rate"`
	AvgLatencyMS   float64 `json:"avg_latency_ms"`
	MaxLatencyMS   int64   `json:"max_latency_ms"`
	TotalTokensIn  int64   `json:"total_tokens_in"`
	TotalTokensOut int64   `json:"total_tokens_out"`
}
