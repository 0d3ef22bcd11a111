package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"tradeagent/config"
)

func TestParseSOL(t *testing.T) {
	cases := map[string]uint64{
		"1":           1_000_000_000,
		"0.5":         500_000_000,
		"0.000000001": 1,
	}
	for raw, want := range cases {
		got, err := parseSOL(raw)
		if err != nil {
			t.Fatalf("parseSOL(%q): %v", raw, err)
		}
		if got != want {
			t.Fatalf("parseSOL(%q) = %d, want %d", raw, got, want)
		}
	}
	for _, raw := range []string{"", "abc", "0", "-1", "0.0000000001"} {
		if _, err := parseSOL(raw); err == nil {
			t.Fatalf("parseSOL(%q) expected error", raw)
		}
	}
}

func memoryStore(t *testing.T) {
	t.Helper()
	t.Setenv(config.EnvMockTrade, "true")
	t.Setenv(config.EnvStoreEngine, "memory")
	t.Setenv(config.EnvAttestationKey, "")
}

func TestHoldingsOnEmptyStore(t *testing.T) {
	memoryStore(t)
	var out bytes.Buffer
	if err := run(context.Background(), "holdings", nil, &out); err != nil {
		t.Fatalf("holdings: %v", err)
	}
	if strings.TrimSpace(out.String()) != "[]" {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestLatestWithoutActions(t *testing.T) {
	memoryStore(t)
	var out bytes.Buffer
	if err := run(context.Background(), "latest", []string{"-domain", "social"}, &out); err != nil {
		t.Fatalf("latest: %v", err)
	}
	if !strings.Contains(out.String(), "no social actions logged") {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestVerifyRequiresKey(t *testing.T) {
	memoryStore(t)
	err := run(context.Background(), "verify", nil, &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), config.EnvAttestationKey) {
		t.Fatalf("expected missing key error, got %v", err)
	}
}

func TestUnknownCommand(t *testing.T) {
	if err := run(context.Background(), "launch", nil, &bytes.Buffer{}); err == nil {
		t.Fatalf("expected unknown command error")
	}
}

func TestRebalanceWithoutCandidatesPlansNothing(t *testing.T) {
	memoryStore(t)
	var out bytes.Buffer
	if err := run(context.Background(), "rebalance", []string{"-candidates", " , $"}, &out); err != nil {
		t.Fatalf("rebalance: %v", err)
	}
	for _, want := range []string{`"trades": []`, `"exits": []`, `"buys": []`} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("expected %s in %q", want, out.String())
		}
	}
}
