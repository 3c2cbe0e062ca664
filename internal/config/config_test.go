package config

import "testing"

func TestValidateRejectsEmptyModels(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error for an empty models map")
	}
}

func TestValidateRequiresEscalationOrderForMultipleModels(t *testing.T) {
	cfg := Default()
	cfg.Models["a"] = ModelConfig{}
	cfg.Models["b"] = ModelConfig{}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error when multiple models lack escalation_order")
	}
	cfg.EscalationOrder = []string{"a", "b"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error once escalation_order is set: %v", err)
	}
}

func TestValidateRejectsUnknownEscalationOrderEntry(t *testing.T) {
	cfg := Default()
	cfg.Models["a"] = ModelConfig{}
	cfg.EscalationOrder = []string{"does-not-exist"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error for an escalation_order entry with no matching model")
	}
}

func TestValidateRequiresMemoryEstimateWhenModelConfiguresMemoryLimit(t *testing.T) {
	cfg := Default()
	cfg.Models["a"] = ModelConfig{MaxCapacityKB: 1024}
	cfg.ResourceEstimationsPerJob["default"] = JobTypeConfig{}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error for a missing memory estimate")
	}
	cfg.ResourceEstimationsPerJob["default"] = JobTypeConfig{EstimatedUsedMemoryKB: 10}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error once the memory estimate is set: %v", err)
	}
}

func TestToDomainModelsTreatsZeroAsUnconfigured(t *testing.T) {
	cfg := Default()
	cfg.Models["a"] = ModelConfig{RequestsPerMinute: 5}
	out := cfg.ToDomainModels()
	if out["a"].RequestsPerMinute == nil || *out["a"].RequestsPerMinute != 5 {
		t.Fatal("expected RequestsPerMinute to round-trip")
	}
	if out["a"].TokensPerMinute != nil {
		t.Fatal("expected an unset dimension to convert to nil, not zero")
	}
}
