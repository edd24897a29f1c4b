// Package nips decodes the NIP-19 identity encodings a wallet user may paste
// or scan: npub1... and nprofile1....
package nips

import (
	"encoding/hex"
	"errors"
	"strings"
)

// NProfile represents a decoded nprofile1... identifier
type NProfile struct {
	Pubkey     string   // 32-byte pubkey as hex
	RelayHints []string // Optional relay URLs
}

// TLV type constants for NIP-19
const (
	tlvTypeSpecial = 0 // pubkey for nprofile
	tlvTypeRelay   = 1 // relay URL
)

// DecodeNPub decodes an npub1... string to a hex pubkey
func DecodeNPub(npub string) (string, error) {
	if !strings.HasPrefix(strings.ToLower(npub), "npub1") {
		return "", errors.New("not a npub")
	}

	hrp, data, err := Bech32Decode(npub)
	if err != nil {
		return "", err
	}
	if hrp != "npub" {
		return "", errors.New("invalid hrp for npub")
	}

	pubkeyBytes, err := Bech32ConvertBits(data, 5, 8, false)
	if err != nil {
		return "", err
	}
	if len(pubkeyBytes) != 32 {
		return "", errors.New("invalid npub length")
	}

	return hex.EncodeToString(pubkeyBytes), nil
}

// EncodeNPub encodes a hex pubkey to npub format
func EncodeNPub(hexPubkey string) (string, error) {
	pubkeyBytes, err := hex.DecodeString(hexPubkey)
	if err != nil {
		return "", err
	}
	if len(pubkeyBytes) != 32 {
		return "", errors.New("invalid pubkey length")
	}

	data, err := Bech32ConvertBits(pubkeyBytes, 8, 5, true)
	if err != nil {
		return "", err
	}
	return Bech32Encode("npub", data), nil
}

// DecodeNProfile decodes a nprofile1... bech32 string
func DecodeNProfile(nprofile string) (*NProfile, error) {
	if !strings.HasPrefix(strings.ToLower(nprofile), "nprofile1") {
		return nil, errors.New("not a nprofile")
	}

	hrp, data, err := Bech32Decode(nprofile)
	if err != nil {
		return nil, err
	}
	if hrp != "nprofile" {
		return nil, errors.New("invalid hrp for nprofile")
	}

	tlvBytes, err := Bech32ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil, err
	}

	n := &NProfile{}
	for i := 0; i < len(tlvBytes); {
		if i+2 > len(tlvBytes) {
			break
		}
		tlvType := tlvBytes[i]
		tlvLen := int(tlvBytes[i+1])
		i += 2
		if i+tlvLen > len(tlvBytes) {
			break
		}
		value := tlvBytes[i : i+tlvLen]
		i += tlvLen

		switch tlvType {
		case tlvTypeSpecial:
			if tlvLen == 32 {
				n.Pubkey = hex.EncodeToString(value)
			}
		case tlvTypeRelay:
			n.RelayHints = append(n.RelayHints, string(value))
		}
	}

	if n.Pubkey == "" {
		return nil, errors.New("nprofile missing pubkey")
	}
	return n, nil
}

// EncodeNProfile encodes a pubkey and relay hints as nprofile1...
func EncodeNProfile(hexPubkey string, relays []string) (string, error) {
	pubkeyBytes, err := hex.DecodeString(hexPubkey)
	if err != nil {
		return "", err
	}
	if len(pubkeyBytes) != 32 {
		return "", errors.New("invalid pubkey length")
	}

	tlv := []byte{tlvTypeSpecial, 32}
	tlv = append(tlv, pubkeyBytes...)
	for _, r := range relays {
		if len(r) > 255 {
			continue
		}
		tlv = append(tlv, tlvTypeRelay, byte(len(r)))
		tlv = append(tlv, r...)
	}

	data, err := Bech32ConvertBits(tlv, 8, 5, true)
	if err != nil {
		return "", err
	}
	return Bech32Encode("nprofile", data), nil
}
