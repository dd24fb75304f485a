package store_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/moltq/moltq/internal/callback"
	"github.com/moltq/moltq/internal/model"
	"github.com/moltq/moltq/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestProviderRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	p := &model.Provider{
		Name:           "openai-gpt4",
		Capability:     "gpt-4",
		Weight:         10,
		Cost:           0.03,
		MaxConcurrency: 8,
		APIKey:         "sk-test",
		BaseURL:        "https://api.openai.com/v1",
	}
	if err := st.SaveProvider(ctx, p); err != nil {
		t.Fatalf("SaveProvider: %v", err)
	}

	got, err := st.GetProvider(ctx, "openai-gpt4")
	if err != nil {
		t.Fatalf("GetProvider: %v", err)
	}
	if got.Capability != "gpt-4" || got.Weight != 10 || got.Cost != 0.03 {
		t.Errorf("GetProvider = %+v", got)
	}
	if got.APIKey != "sk-test" || got.BaseURL != "https://api.openai.com/v1" {
		t.Errorf("credentials not persisted: %+v", got)
	}
}

func TestGetProviderNotFound(t *testing.T) {
	st := newTestStore(t)

	_, err := st.GetProvider(context.Background(), "nope")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSaveProviderUpserts(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if err := st.SaveProvider(ctx, &model.Provider{Name: "alpha", Capability: "m1", Weight: 1}); err != nil {
		t.Fatalf("SaveProvider: %v", err)
	}
	if err := st.SaveProvider(ctx, &model.Provider{Name: "alpha", Capability: "m2", Weight: 7}); err != nil {
		t.Fatalf("SaveProvider update: %v", err)
	}

	got, err := st.GetProvider(ctx, "alpha")
	if err != nil {
		t.Fatalf("GetProvider: %v", err)
	}
	if got.Capability != "m2" || got.Weight != 7 {
		t.Errorf("update not applied: %+v", got)
	}

	all, err := st.ListProviders(ctx)
	if err != nil {
		t.Fatalf("ListProviders: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("ListProviders returned %d rows, want 1", len(all))
	}
}

func TestDeleteProvider(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if err := st.SaveProvider(ctx, &model.Provider{Name: "alpha", Capability: "m1"}); err != nil {
		t.Fatalf("SaveProvider: %v", err)
	}
	if err := st.DeleteProvider(ctx, "alpha"); err != nil {
		t.Fatalf("DeleteProvider: %v", err)
	}
	if _, err := st.GetProvider(ctx, "alpha"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("provider still present after delete: %v", err)
	}
	if err := st.DeleteProvider(ctx, "alpha"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("second delete: err = %v, want ErrNotFound", err)
	}
}

func TestWebhookRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	hooks := []callback.WebhookTarget{
		{Event: callback.EventComplete, URL: "https://example.com/done", Headers: map[string]string{"X-Token": "abc"}},
		{Event: callback.EventError, URL: "https://example.com/err"},
	}
	for _, w := range hooks {
		if err := st.SaveWebhook(ctx, w); err != nil {
			t.Fatalf("SaveWebhook(%s): %v", w.URL, err)
		}
	}

	got, err := st.ListWebhooks(ctx)
	if err != nil {
		t.Fatalf("ListWebhooks: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ListWebhooks returned %d rows, want 2", len(got))
	}
	if got[0].Event != callback.EventComplete || got[0].URL != "https://example.com/done" {
		t.Errorf("first webhook = %+v", got[0])
	}
	if got[0].Headers["X-Token"] != "abc" {
		t.Errorf("headers not persisted: %+v", got[0].Headers)
	}
	if got[1].Headers != nil {
		t.Errorf("empty headers decoded as %+v", got[1].Headers)
	}
}

func TestSaveWebhookDeduplicates(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	w := callback.WebhookTarget{Event: callback.EventComplete, URL: "https://example.com/hook"}
	if err := st.SaveWebhook(ctx, w); err != nil {
		t.Fatalf("SaveWebhook: %v", err)
	}
	w.Headers = map[string]string{"Authorization": "Bearer t"}
	if err := st.SaveWebhook(ctx, w); err != nil {
		t.Fatalf("SaveWebhook again: %v", err)
	}

	got, err := st.ListWebhooks(ctx)
	if err != nil {
		t.Fatalf("ListWebhooks: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("ListWebhooks returned %d rows, want 1", len(got))
	}
	if got[0].Headers["Authorization"] != "Bearer t" {
		t.Errorf("headers not updated: %+v", got[0].Headers)
	}
}
