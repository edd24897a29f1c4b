package types

// RelayListing represents a user's NIP-65 relay list
type RelayListing struct {
	PubKey    string   `json:"pubkey"`
	Read      []string `json:"read"`
	Write     []string `json:"write"`
	CreatedAt int64    `json:"created_at"`
	EventID   string   `json:"event_id,omitempty"`
}
