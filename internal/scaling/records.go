package scaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/goccy/go-json"

	"broadcast-scaler/internal/store"
)

// loadRecord decodes the JSON value at key into v. Missing keys report
// false. Wrong-typed or undecodable values are deleted and reported missing.
func loadRecord(ctx context.Context, s store.Store, log *slog.Logger, key string, v any) (bool, error) {
	raw, err := s.Get(ctx, key)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return false, nil
	case errors.Is(err, store.ErrWrongType):
		return false, resetRecord(ctx, s, log, key, err)
	case err != nil:
		return false, fmt.Errorf("get %q: %w", key, err)
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return false, resetRecord(ctx, s, log, key, err)
	}
	return true, nil
}

func saveRecord(ctx context.Context, s store.Store, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}
	if err := s.Set(ctx, key, string(b), 0); err != nil {
		return fmt.Errorf("write %q: %w", key, err)
	}
	return nil
}

func deleteRecord(ctx context.Context, s store.Store, key string) error {
	if _, err := s.Del(ctx, key); err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	return nil
}

func resetRecord(ctx context.Context, s store.Store, log *slog.Logger, key string, cause error) error {
	log.Warn("resetting malformed record",
		slog.String("key", key),
		slog.String("error", cause.Error()))
	return deleteRecord(ctx, s, key)
}
