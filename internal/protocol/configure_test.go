package protocol

import (
	"encoding/json"
	"testing"
)

func TestParseConfigureParamsVersionRollingMask(t *testing.T) {
	raw := json.RawMessage(`[["version-rolling"],{"version-rolling.mask":"1fffe000","version-rolling.min-bit-count":2}]`)

	cfg, err := ParseConfigureParams(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mask, ok := cfg.VersionRollingMask()
	if !ok || mask != "1fffe000" {
		t.Fatalf("expected version-rolling.mask=1fffe000, got %q (ok=%v)", mask, ok)
	}
	if _, ok := cfg.MinimumDifficulty(); ok {
		t.Fatal("expected no minimum-difficulty field to be present")
	}
}

func TestParseConfigureParamsMinimumDifficulty(t *testing.T) {
	raw := json.RawMessage(`[["minimum-difficulty"],{"minimum-difficulty.value":2048}]`)

	cfg, err := ParseConfigureParams(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	floor, ok := cfg.MinimumDifficulty()
	if !ok || floor != 2048 {
		t.Fatalf("expected minimum-difficulty.value=2048, got %v (ok=%v)", floor, ok)
	}
}

func TestParseConfigureParamsRejectsMalformed(t *testing.T) {
	if _, err := ParseConfigureParams(json.RawMessage(`["only-one-element"]`)); err == nil {
		t.Fatal("expected an error for a params array with fewer than two elements")
	}
	if _, err := ParseConfigureParams(json.RawMessage(`not json`)); err == nil {
		t.Fatal("expected an error for malformed JSON")
	}
}

func TestParseSubscribeParamsCapturesNicehashProtocolHint(t *testing.T) {
	raw := json.RawMessage(`["x","EthereumStratum/1.0.0"]`)
	params, err := ParseSubscribeParams(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if params.SessionID != "EthereumStratum/1.0.0" {
		t.Fatalf("expected the second subscribe argument to be captured as SessionID, got %q", params.SessionID)
	}
}
