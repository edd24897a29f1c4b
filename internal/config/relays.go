package config

import (
	"encoding/json"
	"log/slog"
	"os"
)

// Relays holds the relay sets of relays.json
type Relays struct {
	DefaultRelays []string `json:"defaultRelays"` // user bootstrap
	ProfileRelays []string `json:"profileRelays"` // contact backlog and Resolve
	SearchRelays  []string `json:"searchRelays"`  // NIP-50 capable
}

// DefaultRelays returns the embedded relay sets
func DefaultRelays() Relays {
	return Relays{
		DefaultRelays: []string{
			"wss://relay.damus.io",
			"wss://relay.primal.net",
			"wss://nos.lol",
			"wss://nostr.mom",
		},
		ProfileRelays: []string{
			"wss://purplepag.es",
			"wss://relay.nostr.band",
			"wss://relay.damus.io",
		},
		SearchRelays: []string{
			"wss://relay.nostr.band",
		},
	}
}

// LoadRelays reads path. A missing or invalid file falls back to the
// embedded sets, and so does every empty set of a valid file.
func LoadRelays(path string) Relays {
	defaults := DefaultRelays()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Debug("relays config not found, using defaults", "path", path)
		} else {
			slog.Warn("could not read relays config, using defaults", "path", path, "error", err)
		}
		return defaults
	}

	var r Relays
	if err := json.Unmarshal(data, &r); err != nil {
		slog.Error("invalid JSON in relays config, using defaults", "path", path, "error", err)
		return defaults
	}

	if len(r.DefaultRelays) == 0 {
		r.DefaultRelays = defaults.DefaultRelays
	}
	if len(r.ProfileRelays) == 0 {
		r.ProfileRelays = defaults.ProfileRelays
	}
	if len(r.SearchRelays) == 0 {
		r.SearchRelays = defaults.SearchRelays
	}

	slog.Info("loaded relays configuration",
		"path", path,
		"default", len(r.DefaultRelays),
		"profile", len(r.ProfileRelays),
		"search", len(r.SearchRelays))
	return r
}
