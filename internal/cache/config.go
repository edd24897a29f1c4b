package cache

import "time"

// Key namespaces for the three record types
const (
	ProfilePrefix   = "profile:"
	ContactsPrefix  = "contacts:"
	RelayListPrefix = "relaylist:"
)

// Config holds cache TTL configuration
type Config struct {
	ProfileTTL   time.Duration `env:"CACHE_PROFILE_TTL" envDefault:"1h"`
	ContactTTL   time.Duration `env:"CACHE_CONTACT_TTL" envDefault:"10m"`
	RelayListTTL time.Duration `env:"CACHE_RELAYLIST_TTL" envDefault:"1h"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		ProfileTTL:   1 * time.Hour,    // Profiles rarely change hourly
		ContactTTL:   10 * time.Minute, // Follows change more often than names
		RelayListTTL: 1 * time.Hour,
	}
}
