// Package anticheat implements the pure reaction-timing checks and the
// aggregate pattern-detection queries consulted after a tap, never
// blocking the current match — findings are appended to an audit log
// for out-of-band review.
package anticheat

import "math"

// Reason tags why validateReaction rejected or flagged a tap. Modeled
// as a typed result value rather than an error, since a rejected tap
// is an expected outcome the handler branches on, not a failure.
type Reason string

const (
	ReasonFalseStart Reason = "false_start"
	ReasonTooFast    Reason = "too_fast"
	ReasonTimeout    Reason = "timeout"
)

// Thresholds bundles the configurable bounds used by the pure checks
// below, sourced from config.Config.
type Thresholds struct {
	MinHumanReactionMS int64
	MaxReactionMS       int64
}

// IsHumanReaction reports whether ms falls within a plausible human
// reaction window.
func IsHumanReaction(ms int64, t Thresholds) bool {
	return ms >= t.MinHumanReactionMS && ms <= t.MaxReactionMS
}

// ValidationResult is validateReaction's typed outcome.
type ValidationResult struct {
	Valid      bool
	ReactionMS int64
	Reason     Reason
	Suspicious bool
}

// ValidateReaction classifies a server-measured reaction against the
// signal time. It does not know about clock-sync tolerance or
// early-tap disqualification — those are match-orchestrator-level
// concerns applied before this is called.
func ValidateReaction(serverTapMS, signalMS int64, t Thresholds) ValidationResult {
	reaction := serverTapMS - signalMS
	if reaction < 0 {
		return ValidationResult{Valid: false, ReactionMS: reaction, Reason: ReasonFalseStart}
	}
	if reaction > t.MaxReactionMS {
		return ValidationResult{Valid: false, ReactionMS: reaction, Reason: ReasonTimeout}
	}
	if reaction < t.MinHumanReactionMS {
		return ValidationResult{Valid: true, ReactionMS: reaction, Reason: ReasonTooFast, Suspicious: true}
	}
	return ValidationResult{Valid: true, ReactionMS: reaction, Suspicious: reaction < 100}
}

// CheckTimingDiscrepancy fails the tap when the client-advisory
// timestamp disagrees with the server-authoritative one by more than
// 500ms. Callers must treat a true result as a hard rejection of the
// tap, not a warning.
func CheckTimingDiscrepancy(clientReactionMS, serverReactionMS int64) bool {
	delta := clientReactionMS - serverReactionMS
	if delta < 0 {
		delta = -delta
	}
	return delta > 500
}

// DetectSpamTapping flags more than 3 taps inside a 500ms window.
func DetectSpamTapping(count int, windowMS int64) bool {
	return count > 3 && windowMS < 500
}

// TapSample is the minimal shape the aggregate checks need from tap
// history; callers project store.TapEvent into this to keep the
// checks free of a store dependency.
type TapSample struct {
	ReactionMS int64
}

// BotLikeConsistency flags stddev < 10ms with mean < 150ms over at
// least 10 samples.
func BotLikeConsistency(samples []TapSample) bool {
	if len(samples) < 10 {
		return false
	}
	mean, stddev := meanStddev(samples)
	return stddev < 10 && mean < 150
}

// InhumanMean flags a rolling mean under 100ms over at least 5 samples.
func InhumanMean(samples []TapSample) bool {
	if len(samples) < 5 {
		return false
	}
	mean, _ := meanStddev(samples)
	return mean < 100
}

// HighWinRate flags a win rate over 90% across at least 20 completed
// matches. wins/total are pre-aggregated by the caller over the
// trailing 7-day window.
func HighWinRate(wins, total int) bool {
	if total < 20 {
		return false
	}
	return float64(wins)/float64(total) > 0.9
}

func meanStddev(samples []TapSample) (mean, stddev float64) {
	n := float64(len(samples))
	var sum float64
	for _, s := range samples {
		sum += float64(s.ReactionMS)
	}
	mean = sum / n

	var sqDiffSum float64
	for _, s := range samples {
		d := float64(s.ReactionMS) - mean
		sqDiffSum += d * d
	}
	stddev = math.Sqrt(sqDiffSum / n)
	return mean, stddev
}
