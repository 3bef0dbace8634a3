package bootstrap

import (
	"fmt"
	"strings"

	"stem-separator/internal/domain"
)

// GetModels returns the separation model catalog with the configured default marked.
func (a *App) GetModels() []domain.ModelOption {
	current := a.GetSettings().DefaultModel
	return modelOptions(current)
}

// SelectModel makes modelID the default for new jobs and persists it.
func (a *App) SelectModel(modelID string) (domain.SettingsUpdate, error) {
	id := strings.TrimSpace(modelID)
	if id == "" {
		return domain.SettingsUpdate{}, fmt.Errorf("model id is required")
	}
	if _, found := domain.LookupModel(id); !found {
		return domain.SettingsUpdate{}, fmt.Errorf("unknown model id: %s", id)
	}

	settings := a.GetSettings()
	settings.DefaultModel = id
	return a.SaveSettings(settings), nil
}

func modelOptions(selectedID string) []domain.ModelOption {
	options := make([]domain.ModelOption, 0, len(domain.StemModels))
	for _, model := range domain.StemModels {
		options = append(options, domain.ModelOption{
			StemModel: model,
			Selected:  model.ID == selectedID,
		})
	}
	return options
}
