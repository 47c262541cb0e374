package provider

import "testing"

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		text string
		want Tier
	}{
		{"empty", "", TierSimple},
		{"greeting", "hi", TierSimple},
		{"greeting with punctuation", "Hello!", TierSimple},
		{"thanks", "thanks", TierSimple},
		{"short statement", "sounds good to me", TierSimple},
		{"short question stays moderate", "what is Go?", TierModerate},
		{"everyday question", "what should I cook tonight with leftover rice", TierModerate},
		{"complex keyword", "refactor the storage layer to support sharding", TierComplex},
		{"analysis request", "analyze last month's spending and find anomalies", TierComplex},
		{"reasoning keyword", "prove that this sort is stable", TierReasoning},
		{"step by step", "walk me through this step by step", TierReasoning},
		{"reasoning beats complex", "prove the refactor preserves behavior", TierReasoning},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.text)
			if got.Tier != tt.want {
				t.Errorf("Classify(%q).Tier = %s, want %s", tt.text, got.Tier, tt.want)
			}
			if got.Confidence <= 0 || got.Confidence > 1 {
				t.Errorf("Classify(%q).Confidence = %f, want in (0,1]", tt.text, got.Confidence)
			}
		})
	}
}

func TestClassifyLongMessage(t *testing.T) {
	long := ""
	for i := 0; i < 100; i++ {
		long += "word "
	}
	if got := Classify(long); got.Tier != TierComplex {
		t.Errorf("long message tier = %s, want complex", got.Tier)
	}
}

func TestClassifyDeterministic(t *testing.T) {
	text := "help me plan the week and compare two gym schedules"
	first := Classify(text)
	for i := 0; i < 10; i++ {
		if got := Classify(text); got != first {
			t.Fatalf("Classify is not deterministic: %+v then %+v", first, got)
		}
	}
}

func TestValidTier(t *testing.T) {
	for _, tier := range Tiers {
		if !ValidTier(tier) {
			t.Errorf("ValidTier(%s) = false", tier)
		}
	}
	if ValidTier(Tier("giant")) {
		t.Error("ValidTier(giant) = true")
	}
}
