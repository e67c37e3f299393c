package analytics

import "github.com/karteio/karte/internal/models"

// A moduleFunc computes one modality's contribution from the patient's
// reports. Modules are registered against the report types they need and
// only run when the patient actually has data of that kind.
type moduleFunc func(reports []*models.Report) map[string]any

type module struct {
	requires []string
	run      moduleFunc
}

var moduleRegistry = map[string]module{}

// registerModule adds a named module to the registry. New modalities plug in
// here without touching the engine.
func registerModule(name string, requires []string, run moduleFunc) {
	moduleRegistry[name] = module{requires: requires, run: run}
}

func init() {
	registerModule("lab", []string{models.ReportLab}, labModule)
	registerModule("image", []string{models.ReportImage}, imageModule)
}

// runModules executes every registered module whose required modality is
// present and collects the results by module name.
func runModules(modalities []string, reports []*models.Report) map[string]map[string]any {
	present := make(map[string]bool, len(modalities))
	for _, m := range modalities {
		present[m] = true
	}

	results := make(map[string]map[string]any)
	for name, mod := range moduleRegistry {
		for _, req := range mod.requires {
			if present[req] {
				results[name] = mod.run(reports)
				break
			}
		}
	}
	return results
}

func labModule(reports []*models.Report) map[string]any {
	return map[string]any{
		"type":   "lab",
		"trends": labTrends(reports),
	}
}

// imageModule is a placeholder until imaging analysis lands; it only signals
// that image reports exist for the patient.
func imageModule(reports []*models.Report) map[string]any {
	return map[string]any{
		"type":    "image",
		"message": "Imaging analytics available",
	}
}
