package bootstrap

import (
	"testing"

	"stem-separator/internal/domain"
)

// TestModelOptionsMarksSelected verifies exactly one catalog entry is selected.
func TestModelOptionsMarksSelected(t *testing.T) {
	options := modelOptions("htdemucs_6s")
	if len(options) != len(domain.StemModels) {
		t.Fatalf("len(options) = %d, want %d", len(options), len(domain.StemModels))
	}

	selected := 0
	for _, option := range options {
		if option.Selected {
			selected++
			if option.ID != "htdemucs_6s" {
				t.Fatalf("selected = %s, want htdemucs_6s", option.ID)
			}
			if option.Stems != 6 {
				t.Fatalf("stems = %d, want 6", option.Stems)
			}
		}
	}
	if selected != 1 {
		t.Fatalf("selected count = %d, want 1", selected)
	}
}

// TestSelectModelPersistsDefault ensures a known model becomes the new default.
func TestSelectModelPersistsDefault(t *testing.T) {
	store := &fakeStore{settings: testSettings(t)}
	app := newTestApp(t, store, nil)

	update, err := app.SelectModel(" mdx_q ")
	if err != nil {
		t.Fatalf("select model: %v", err)
	}
	if update.Warning != "" {
		t.Fatalf("unexpected warning: %s", update.Warning)
	}
	if update.Settings.DefaultModel != "mdx_q" {
		t.Fatalf("DefaultModel = %s, want mdx_q", update.Settings.DefaultModel)
	}
	if store.saved.DefaultModel != "mdx_q" {
		t.Fatalf("stored DefaultModel = %s, want mdx_q", store.saved.DefaultModel)
	}

	for _, option := range app.GetModels() {
		if option.Selected != (option.ID == "mdx_q") {
			t.Fatalf("option %s selected = %v", option.ID, option.Selected)
		}
	}
}

// TestSelectModelRejectsUnknownID keeps settings untouched for unknown ids.
func TestSelectModelRejectsUnknownID(t *testing.T) {
	store := &fakeStore{settings: testSettings(t)}
	app := newTestApp(t, store, nil)

	if _, err := app.SelectModel("spleeter"); err == nil {
		t.Fatal("expected error for unknown model")
	}
	if _, err := app.SelectModel(""); err == nil {
		t.Fatal("expected error for empty model id")
	}
	if store.saves != 0 {
		t.Fatalf("saves = %d, want 0", store.saves)
	}
	if got := app.GetSettings().DefaultModel; got != domain.DefaultModelID {
		t.Fatalf("DefaultModel = %s, want %s", got, domain.DefaultModelID)
	}
}
