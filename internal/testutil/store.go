package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/g960059/tronclient/internal/model"
	"github.com/g960059/tronclient/internal/prefs"
)

func NewStore(t *testing.T) (*prefs.Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := prefs.Open(ctx, filepath.Join(t.TempDir(), "tronclient-test.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if err := prefs.ApplyMigrations(ctx, store.DB()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return store, ctx
}

// SeedConnection stores p as the reconnect parameters.
func SeedConnection(t *testing.T, store *prefs.Store, ctx context.Context, p model.ConnectionParams) {
	t.Helper()
	if p.Transport == "" {
		p.Transport = model.TransportTCP
	}
	if err := store.SaveConnection(ctx, p); err != nil {
		t.Fatalf("seed connection: %v", err)
	}
}
