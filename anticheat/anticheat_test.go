package anticheat

import "testing"

var thresholds = Thresholds{MinHumanReactionMS: 100, MaxReactionMS: 2000}

func TestIsHumanReaction(t *testing.T) {
	if !IsHumanReaction(250, thresholds) {
		t.Error("expected 250ms to be within the human window")
	}
	if IsHumanReaction(50, thresholds) {
		t.Error("expected 50ms to fall below the human window")
	}
	if IsHumanReaction(3000, thresholds) {
		t.Error("expected 3000ms to fall above the human window")
	}
}

func TestValidateReactionFalseStart(t *testing.T) {
	r := ValidateReaction(100, 200, thresholds)
	if r.Valid || r.Reason != ReasonFalseStart {
		t.Fatalf("expected false start, got %+v", r)
	}
}

func TestValidateReactionTimeout(t *testing.T) {
	r := ValidateReaction(3000, 100, thresholds)
	if r.Valid || r.Reason != ReasonTimeout {
		t.Fatalf("expected timeout, got %+v", r)
	}
}

func TestValidateReactionTooFastButValid(t *testing.T) {
	r := ValidateReaction(150, 100, thresholds)
	if !r.Valid || r.Reason != ReasonTooFast || !r.Suspicious {
		t.Fatalf("expected valid-but-flagged too-fast reaction, got %+v", r)
	}
	if r.ReactionMS != 50 {
		t.Fatalf("expected reaction of 50ms, got %d", r.ReactionMS)
	}
}

func TestValidateReactionNormal(t *testing.T) {
	r := ValidateReaction(500, 200, thresholds)
	if !r.Valid || r.Reason != "" || r.Suspicious {
		t.Fatalf("expected an unremarkable valid reaction, got %+v", r)
	}
}

func TestCheckTimingDiscrepancy(t *testing.T) {
	if !CheckTimingDiscrepancy(1000, 400) {
		t.Error("expected a 600ms discrepancy to trip the check")
	}
	if CheckTimingDiscrepancy(1000, 600) {
		t.Error("expected a 400ms discrepancy not to trip the check")
	}
}

func TestDetectSpamTapping(t *testing.T) {
	if !DetectSpamTapping(4, 300) {
		t.Error("expected 4 taps in 300ms to be flagged as spam")
	}
	if DetectSpamTapping(3, 300) {
		t.Error("expected exactly 3 taps not to be flagged")
	}
	if DetectSpamTapping(5, 600) {
		t.Error("expected taps outside the 500ms window not to be flagged")
	}
}

func TestBotLikeConsistency(t *testing.T) {
	consistent := make([]TapSample, 10)
	for i := range consistent {
		consistent[i] = TapSample{ReactionMS: 140}
	}
	if !BotLikeConsistency(consistent) {
		t.Error("expected low-variance, low-mean samples to flag as bot-like")
	}

	tooFewSamples := consistent[:9]
	if BotLikeConsistency(tooFewSamples) {
		t.Error("expected fewer than 10 samples not to trigger the check")
	}

	varied := []TapSample{{100}, {400}, {150}, {600}, {120}, {500}, {140}, {450}, {160}, {480}}
	if BotLikeConsistency(varied) {
		t.Error("expected high-variance samples not to flag as bot-like")
	}
}

func TestInhumanMean(t *testing.T) {
	fast := []TapSample{{80}, {90}, {70}, {95}, {60}}
	if !InhumanMean(fast) {
		t.Error("expected a sub-100ms mean to be flagged")
	}

	normal := []TapSample{{200}, {250}, {180}, {220}, {210}}
	if InhumanMean(normal) {
		t.Error("expected a normal mean not to be flagged")
	}

	if InhumanMean(fast[:4]) {
		t.Error("expected fewer than 5 samples not to trigger the check")
	}
}

func TestHighWinRate(t *testing.T) {
	if !HighWinRate(19, 20) {
		t.Error("expected 95% win rate over 20 matches to be flagged")
	}
	if HighWinRate(9, 10) {
		t.Error("expected fewer than 20 matches not to trigger the check regardless of win rate")
	}
	if HighWinRate(17, 20) {
		t.Error("expected 85% win rate not to trigger the check")
	}
}
