package factorio

import (
	"encoding/json"
	"fmt"
	"strings"
)

type ModList struct {
	Mods []ModEntry `json:"mods"`
}

type ModEntry struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
}

// ModCatalog derives installed mod names from the mods directory. Packaged
// mods are named <name>_<version>.zip; unpacked mods may drop the version.
func (a *Adapter) ModCatalog(entries []string) map[string]bool {
	catalog := make(map[string]bool, len(entries))
	for _, m := range a.mandatoryMods {
		catalog[m] = true
	}
	for _, e := range entries {
		if e == "mod-list.json" || e == "mod-settings.dat" {
			continue
		}
		name := strings.TrimSuffix(e, ".zip")
		if i := strings.LastIndex(name, "_"); i > 0 && isVersion(name[i+1:]) {
			name = name[:i]
		}
		catalog[name] = true
	}
	return catalog
}

func isVersion(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if (r < '0' || r > '9') && r != '.' {
			return false
		}
	}
	return true
}

// EnableMods enables the mandatory mods and requested, disabling everything
// else. Requested mods missing from the manifest are appended.
func (a *Adapter) EnableMods(manifest []byte, requested []string) ([]byte, error) {
	var list ModList
	if len(manifest) > 0 {
		if err := json.Unmarshal(manifest, &list); err != nil {
			return nil, fmt.Errorf("parse mod manifest: %w", err)
		}
	}

	want := make(map[string]bool, len(requested)+len(a.mandatoryMods))
	for _, m := range a.mandatoryMods {
		want[m] = true
	}
	for _, m := range requested {
		want[m] = true
	}

	seen := make(map[string]bool, len(list.Mods))
	for i := range list.Mods {
		list.Mods[i].Enabled = want[list.Mods[i].Name]
		seen[list.Mods[i].Name] = true
	}
	for _, m := range append(append([]string(nil), a.mandatoryMods...), requested...) {
		if !seen[m] {
			list.Mods = append(list.Mods, ModEntry{Name: m, Enabled: true})
			seen[m] = true
		}
	}

	return json.MarshalIndent(list, "", "    ")
}
