package demo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chartsfromquery/c4q/internal/storage"
)

type SeedConfig struct {
	Prefix string
	Rows   int
	Seed   int64
	Start  time.Time
}

// Seed stores the demo dataset under prefix unless it already exists. The
// returned bool reports whether anything was written.
func Seed(ctx context.Context, store storage.ObjectStore, cfg SeedConfig) (storage.ObjectInfo, bool, error) {
	key, err := storage.DatasetKey(cfg.Prefix, FileName)
	if err != nil {
		return storage.ObjectInfo{}, false, err
	}
	existing, err := store.Stat(ctx, key)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, storage.ErrObjectNotFound) {
		return storage.ObjectInfo{}, false, fmt.Errorf("stat %s: %w", key, err)
	}

	rows := cfg.Rows
	if rows <= 0 {
		rows = 500
	}
	start := cfg.Start
	if start.IsZero() {
		start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	body := &bytes.Buffer{}
	if err := NewGenerator(cfg.Seed, start, 365).WriteCSV(body, rows); err != nil {
		return storage.ObjectInfo{}, false, err
	}
	info, err := store.Put(ctx, key, bytes.NewReader(body.Bytes()), int64(body.Len()), storage.PutOptions{ContentType: "text/csv"})
	if err != nil {
		return storage.ObjectInfo{}, false, fmt.Errorf("put %s: %w", key, err)
	}
	return info, true, nil
}
