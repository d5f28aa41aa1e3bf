package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"

	"tradecore/internal/models"
	"tradecore/internal/repository"
	"tradecore/internal/risk"
)

const (
	KeyExecutorMode = "trading.executor_mode"

	ModeLive   = "live"
	ModeDryRun = "dry-run"
)

var ErrUnknownSwitch = errors.New("unknown switch")

var switchDescriptions = map[string]string{
	risk.KeyKillSwitch:     "kill switch: blocks every new order and slice",
	risk.KeyCircuitBreaker: "circuit breaker: blocks every new order and slice",
}

// DefaultSwitches are written on first boot. Both safety switches start off.
func DefaultSwitches() map[string]bool {
	return map[string]bool{
		risk.KeyKillSwitch:     false,
		risk.KeyCircuitBreaker: false,
	}
}

// SwitchKey maps an API switch name ("kill_switch") to its setting key.
func SwitchKey(name string) (string, error) {
	name = strings.TrimSpace(name)
	key := name
	if !strings.HasPrefix(key, "safety.") {
		key = "safety." + name
	}
	if _, ok := switchDescriptions[key]; !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownSwitch, name)
	}
	return key, nil
}

type SystemSettingsService struct {
	Repo repository.SettingsStore
}

var _ risk.SwitchReader = (*SystemSettingsService)(nil)

// EnsureDefaultSwitches creates missing switches. Existing values are never
// changed.
func (s *SystemSettingsService) EnsureDefaultSwitches(ctx context.Context) error {
	if s == nil || s.Repo == nil {
		return nil
	}
	now := time.Now().UTC()
	for key, enabled := range DefaultSwitches() {
		existing, err := s.Repo.GetSystemSettingByKey(ctx, key)
		if err != nil {
			return err
		}
		if existing != nil {
			continue
		}
		raw, _ := json.Marshal(enabled)
		item := &models.SystemSetting{
			Key:         key,
			Value:       datatypes.JSON(raw),
			Description: switchDescriptions[key],
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := s.Repo.UpsertSystemSetting(ctx, item); err != nil {
			return err
		}
	}
	return nil
}

// Switch reads a boolean setting. Read errors are returned so callers can
// fail closed.
func (s *SystemSettingsService) Switch(ctx context.Context, key string) (bool, bool, error) {
	if s == nil || s.Repo == nil {
		return false, false, nil
	}
	item, err := s.Repo.GetSystemSettingByKey(ctx, strings.TrimSpace(key))
	if err != nil {
		return false, false, err
	}
	if item == nil || len(item.Value) == 0 {
		return false, false, nil
	}
	var enabled bool
	if err := json.Unmarshal(item.Value, &enabled); err != nil {
		return false, true, fmt.Errorf("setting %s is not a boolean: %w", key, err)
	}
	return enabled, true, nil
}

func (s *SystemSettingsService) IsEnabled(ctx context.Context, key string, fallback bool) bool {
	enabled, found, err := s.Switch(ctx, key)
	if err != nil || !found {
		return fallback
	}
	return enabled
}

func (s *SystemSettingsService) SetEnabled(ctx context.Context, key string, enabled bool) error {
	if s == nil || s.Repo == nil {
		return nil
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	raw, _ := json.Marshal(enabled)
	desc := switchDescriptions[key]
	if desc == "" {
		desc = "switch"
	}
	item := &models.SystemSetting{
		Key:         key,
		Value:       datatypes.JSON(raw),
		Description: desc,
		UpdatedAt:   time.Now().UTC(),
	}
	return s.Repo.UpsertSystemSetting(ctx, item)
}

// ExecutorMode returns the runtime mode, falling back to the configured one
// when the setting is absent or invalid.
func (s *SystemSettingsService) ExecutorMode(ctx context.Context, fallback string) string {
	if s == nil || s.Repo == nil {
		return fallback
	}
	item, err := s.Repo.GetSystemSettingByKey(ctx, KeyExecutorMode)
	if err != nil || item == nil || len(item.Value) == 0 {
		return fallback
	}
	var mode string
	if err := json.Unmarshal(item.Value, &mode); err != nil {
		return fallback
	}
	switch mode {
	case ModeLive, ModeDryRun:
		return mode
	}
	return fallback
}

func (s *SystemSettingsService) SetExecutorMode(ctx context.Context, mode string) error {
	mode = strings.TrimSpace(mode)
	if mode != ModeLive && mode != ModeDryRun {
		return fmt.Errorf("%w: executor mode must be %q or %q", repository.ErrInvalidInput, ModeLive, ModeDryRun)
	}
	if s == nil || s.Repo == nil {
		return nil
	}
	raw, _ := json.Marshal(mode)
	return s.Repo.UpsertSystemSetting(ctx, &models.SystemSetting{
		Key:         KeyExecutorMode,
		Value:       datatypes.JSON(raw),
		Description: "executor mode: live or dry-run",
		UpdatedAt:   time.Now().UTC(),
	})
}
