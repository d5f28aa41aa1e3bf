package service

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"tradecore/internal/repository"
	"tradecore/internal/repository/memory"
	"tradecore/internal/risk"
)

func TestEnsureDefaultSwitchesKeepsExisting(t *testing.T) {
	ctx := context.Background()
	svc := &SystemSettingsService{Repo: memory.NewStore(zap.NewNop())}

	if err := svc.SetEnabled(ctx, risk.KeyKillSwitch, true); err != nil {
		t.Fatalf("set kill switch: %v", err)
	}
	if err := svc.EnsureDefaultSwitches(ctx); err != nil {
		t.Fatalf("ensure defaults: %v", err)
	}
	if !svc.IsEnabled(ctx, risk.KeyKillSwitch, false) {
		t.Fatalf("expected kill switch to stay engaged")
	}
	enabled, found, err := svc.Switch(ctx, risk.KeyCircuitBreaker)
	if err != nil || !found || enabled {
		t.Fatalf("expected circuit breaker default off, got enabled=%v found=%v err=%v", enabled, found, err)
	}
}

func TestSwitchKey(t *testing.T) {
	key, err := SwitchKey("kill_switch")
	if err != nil || key != risk.KeyKillSwitch {
		t.Fatalf("unexpected key %q err=%v", key, err)
	}
	key, err = SwitchKey("safety.circuit_breaker")
	if err != nil || key != risk.KeyCircuitBreaker {
		t.Fatalf("unexpected key %q err=%v", key, err)
	}
	if _, err := SwitchKey("self_destruct"); !errors.Is(err, ErrUnknownSwitch) {
		t.Fatalf("expected ErrUnknownSwitch, got %v", err)
	}
}

func TestExecutorMode(t *testing.T) {
	ctx := context.Background()
	svc := &SystemSettingsService{Repo: memory.NewStore(zap.NewNop())}

	if got := svc.ExecutorMode(ctx, ModeLive); got != ModeLive {
		t.Fatalf("expected fallback %q, got %q", ModeLive, got)
	}
	if err := svc.SetExecutorMode(ctx, ModeDryRun); err != nil {
		t.Fatalf("set mode: %v", err)
	}
	if got := svc.ExecutorMode(ctx, ModeLive); got != ModeDryRun {
		t.Fatalf("expected %q, got %q", ModeDryRun, got)
	}
	if err := svc.SetExecutorMode(ctx, "yolo"); !errors.Is(err, repository.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestSafetyManagerReadsSwitches(t *testing.T) {
	ctx := context.Background()
	svc := &SystemSettingsService{Repo: memory.NewStore(zap.NewNop())}
	m := &risk.Manager{Switches: svc}

	if m.IsEngaged(ctx) || m.IsTripped(ctx) {
		t.Fatalf("expected both switches off before first write")
	}
	if err := svc.SetEnabled(ctx, risk.KeyCircuitBreaker, true); err != nil {
		t.Fatalf("set breaker: %v", err)
	}
	if !m.IsTripped(ctx) {
		t.Fatalf("expected breaker tripped")
	}
	if m.IsEngaged(ctx) {
		t.Fatalf("kill switch should be unaffected")
	}
}
