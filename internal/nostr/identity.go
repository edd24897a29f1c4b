package nostr

import (
	"encoding/hex"
	"errors"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"github.com/cashubtc/eNuts-sub000/internal/nips"
)

// ErrInvalidIdentity is returned for input that is neither hex, npub nor nprofile.
var ErrInvalidIdentity = errors.New("invalid identity")

// Identity is a normalized pubkey together with any relay hints that came with it.
type Identity struct {
	PubKey     string
	RelayHints []string
}

// ParseIdentity accepts a 64-char hex pubkey, an npub1... or an nprofile1... string.
func ParseIdentity(input string) (Identity, error) {
	input = strings.TrimSpace(input)
	input = strings.TrimPrefix(input, "nostr:")

	lower := strings.ToLower(input)
	switch {
	case strings.HasPrefix(lower, "npub1"):
		pk, err := nips.DecodeNPub(input)
		if err != nil {
			return Identity{}, errors.Join(ErrInvalidIdentity, err)
		}
		return Identity{PubKey: pk}, nil

	case strings.HasPrefix(lower, "nprofile1"):
		np, err := nips.DecodeNProfile(input)
		if err != nil {
			return Identity{}, errors.Join(ErrInvalidIdentity, err)
		}
		var hints []string
		for _, r := range np.RelayHints {
			if u := NormalizeRelayURL(r); u != "" {
				hints = append(hints, u)
			}
		}
		return Identity{PubKey: np.Pubkey, RelayHints: hints}, nil
	}

	if !IsHexKey(lower) {
		return Identity{}, ErrInvalidIdentity
	}
	return Identity{PubKey: lower}, nil
}

// IsHexKey reports whether s is a lowercase 32-byte hex string
func IsHexKey(s string) bool {
	if len(s) != 64 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// ValidPubKey reports whether s is a hex x-only pubkey that lies on secp256k1.
// Contact lists in the wild carry truncated and garbage "p" values.
func ValidPubKey(s string) bool {
	if !IsHexKey(s) {
		return false
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return false
	}
	_, err = schnorr.ParsePubKey(b)
	return err == nil
}
