package types

// ProfileContent contains the display fields of a kind 0 event
type ProfileContent struct {
	Name           string `json:"name,omitempty"`
	DisplayName    string `json:"display_name,omitempty"`
	Picture        string `json:"picture,omitempty"`
	About          string `json:"about,omitempty"`
	Nip05          string `json:"nip05,omitempty"`
	PaymentAddress string `json:"lud16,omitempty"` // lud16, or lud06 when no lud16 is published
	Website        string `json:"website,omitempty"`
	Banner         string `json:"banner,omitempty"`
}

// ProfileRecord is the merged profile of one identity.
// CreatedAt comes from the network and orders updates; arrival order means nothing.
type ProfileRecord struct {
	PubKey    string         `json:"pubkey"`
	Content   ProfileContent `json:"content"`
	CreatedAt int64          `json:"created_at"`
	EventID   string         `json:"event_id,omitempty"`
}

// DisplayName returns the best human-readable name for the profile
func (p ProfileRecord) DisplayName() string {
	if p.Content.DisplayName != "" {
		return p.Content.DisplayName
	}
	return p.Content.Name
}

// ContactList is a kind 3 follow list; it is always replaced wholesale.
type ContactList struct {
	PubKey    string   `json:"pubkey"`
	Members   []string `json:"members"` // sorted, no duplicates
	CreatedAt int64    `json:"created_at"`
	EventID   string   `json:"event_id,omitempty"`
}

// Has reports whether pubkey is a member of the list
func (c ContactList) Has(pubkey string) bool {
	for _, m := range c.Members {
		if m == pubkey {
			return true
		}
	}
	return false
}
