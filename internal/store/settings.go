package store

import (
	"context"
	"fmt"
	"math"
	"strconv"

	sq "github.com/Masterminds/squirrel"
)

// Known configuration keys.
const (
	KeyMaxRetries  = "max_retries"
	KeyBackoffBase = "backoff_base"
)

// Defaults applied when a key is absent or unparsable.
const (
	DefaultMaxRetries  = 3
	DefaultBackoffBase = 2.0
)

// Settings is the parsed queue policy.
type Settings struct {
	MaxRetries  int     `json:"max_retries"`
	BackoffBase float64 `json:"backoff_base"`
}

// ConfigEntry is one row of the config table.
type ConfigEntry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// GetConfig returns the raw value stored for key and whether it exists.
func (s *Store) GetConfig(ctx context.Context, key string) (string, bool, error) {
	return getConfig(ctx, s.db, s.sb, key)
}

func getConfig(ctx context.Context, q querier, sb sq.StatementBuilderType, key string) (string, bool, error) {
	row, err := queryRowBuilder(ctx, q, sb.Select("value").From("config").Where(sq.Eq{"key": key}))
	if err != nil {
		return "", false, err
	}
	var v string
	if err := row.Scan(&v); err != nil {
		if isNoRows(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("get config %s: %w", key, err)
	}
	return v, true, nil
}

// SetConfig upserts a config value. Known keys are validated; unknown keys
// are stored verbatim.
func (s *Store) SetConfig(ctx context.Context, key, value string) error {
	if key == "" {
		return fmt.Errorf("%w: key is required", ErrInvalidConfig)
	}
	if err := ValidateConfig(key, value); err != nil {
		return err
	}
	_, err := execBuilder(ctx, s.db, s.sb.Insert("config").
		Columns("key", "value").
		Values(key, value).
		Suffix("ON CONFLICT (key) DO UPDATE SET value = excluded.value"))
	if err != nil {
		return fmt.Errorf("set config %s: %w", key, err)
	}
	return nil
}

// ValidateConfig checks value against the rules for a known key.
func ValidateConfig(key, value string) error {
	switch key {
	case KeyMaxRetries:
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return fmt.Errorf("%w: %s must be an integer >= 0, got %q", ErrInvalidConfig, key, value)
		}
	case KeyBackoffBase:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil || f <= 0 || math.IsInf(f, 0) || math.IsNaN(f) {
			return fmt.Errorf("%w: %s must be a number > 0, got %q", ErrInvalidConfig, key, value)
		}
	}
	return nil
}

// ListConfig returns every config entry ordered by key.
func (s *Store) ListConfig(ctx context.Context) ([]ConfigEntry, error) {
	rows, err := queryBuilder(ctx, s.db, s.sb.Select("key", "value").From("config").OrderBy("key"))
	if err != nil {
		return nil, fmt.Errorf("list config: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []ConfigEntry
	for rows.Next() {
		var e ConfigEntry
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			return nil, fmt.Errorf("scan config: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list config: %w", err)
	}
	return out, nil
}

// Settings reads the queue policy, falling back to defaults for absent or
// invalid values.
func (s *Store) Settings(ctx context.Context) (Settings, error) {
	return readSettings(ctx, s.db, s.sb)
}

func readSettings(ctx context.Context, q querier, sb sq.StatementBuilderType) (Settings, error) {
	out := Settings{MaxRetries: DefaultMaxRetries, BackoffBase: DefaultBackoffBase}

	if v, ok, err := getConfig(ctx, q, sb, KeyMaxRetries); err != nil {
		return out, err
	} else if ok && ValidateConfig(KeyMaxRetries, v) == nil {
		out.MaxRetries, _ = strconv.Atoi(v)
	}
	if v, ok, err := getConfig(ctx, q, sb, KeyBackoffBase); err != nil {
		return out, err
	} else if ok && ValidateConfig(KeyBackoffBase, v) == nil {
		out.BackoffBase, _ = strconv.ParseFloat(v, 64)
	}
	return out, nil
}
