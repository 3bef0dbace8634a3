package domain

// DefaultModelID is the demucs model used when settings name none.
const DefaultModelID = "htdemucs"

// StemModel describes one supported demucs separation model.
type StemModel struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Stems       int    `json:"stems"`
}

// StemModels is the catalog of separation models offered to users.
var StemModels = []StemModel{
	{
		ID:          "htdemucs",
		Name:        "HTDemucs",
		Description: "Balanced quality and speed (default).",
		Stems:       4,
	},
	{
		ID:          "htdemucs_ft",
		Name:        "HTDemucs Fine-Tuned",
		Description: "Highest quality, slower.",
		Stems:       4,
	},
	{
		ID:          "htdemucs_6s",
		Name:        "HTDemucs 6 Stems",
		Description: "Adds guitar and piano stems.",
		Stems:       6,
	},
	{
		ID:          "mdx_extra",
		Name:        "MDX Extra",
		Description: "Alternative high quality model.",
		Stems:       4,
	},
	{
		ID:          "mdx_q",
		Name:        "MDX Quantized",
		Description: "Fastest, lower quality.",
		Stems:       4,
	},
}

// LookupModel returns the catalog entry for id.
func LookupModel(id string) (StemModel, bool) {
	for _, m := range StemModels {
		if m.ID == id {
			return m, true
		}
	}
	return StemModel{}, false
}

// ModelOption is a catalog entry annotated for the settings screen.
type ModelOption struct {
	StemModel
	Selected bool `json:"selected"`
}
