package nostr

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/cashubtc/eNuts-sub000/internal/types"
	"github.com/cashubtc/eNuts-sub000/internal/util"
)

// ErrParse marks malformed profile, contact or relay-list content.
var ErrParse = errors.New("parse failure")

// ParseProfile extracts a ProfileRecord from a kind 0 event.
// Fields with a non-string JSON type are ignored rather than failing the whole profile.
func ParseProfile(evt types.Event) (types.ProfileRecord, error) {
	if evt.Kind != types.KindProfileMetadata {
		return types.ProfileRecord{}, fmt.Errorf("%w: kind %d is not profile metadata", ErrParse, evt.Kind)
	}
	if !gjson.Valid(evt.Content) {
		return types.ProfileRecord{}, fmt.Errorf("%w: profile content is not JSON", ErrParse)
	}
	doc := gjson.Parse(evt.Content)
	if !doc.IsObject() {
		return types.ProfileRecord{}, fmt.Errorf("%w: profile content is not an object", ErrParse)
	}

	str := func(field string) string {
		v := doc.Get(field)
		if v.Type != gjson.String {
			return ""
		}
		return strings.TrimSpace(v.Str)
	}

	content := types.ProfileContent{
		Name:        str("name"),
		DisplayName: str("display_name"),
		Picture:     str("picture"),
		About:       str("about"),
		Nip05:       str("nip05"),
		Website:     str("website"),
		Banner:      str("banner"),
	}
	if content.DisplayName == "" {
		// older clients publish camelCase
		content.DisplayName = str("displayName")
	}
	content.PaymentAddress = str("lud16")
	if content.PaymentAddress == "" {
		content.PaymentAddress = str("lud06")
	}

	return types.ProfileRecord{
		PubKey:    evt.PubKey,
		Content:   content,
		CreatedAt: evt.CreatedAt,
		EventID:   evt.ID,
	}, nil
}

// ParseContactList extracts the membership set of a kind 3 event.
// Invalid "p" values are dropped; an empty list is valid (the user unfollowed everyone).
func ParseContactList(evt types.Event) (types.ContactList, error) {
	if evt.Kind != types.KindContactList {
		return types.ContactList{}, fmt.Errorf("%w: kind %d is not a contact list", ErrParse, evt.Kind)
	}

	var members []string
	for _, pk := range util.GetTagValues(evt.Tags, "p") {
		pk = strings.ToLower(strings.TrimSpace(pk))
		if pk == evt.PubKey || !ValidPubKey(pk) {
			continue
		}
		members = append(members, pk)
	}

	return types.ContactList{
		PubKey:    evt.PubKey,
		Members:   util.UniqueSorted(members),
		CreatedAt: evt.CreatedAt,
		EventID:   evt.ID,
	}, nil
}

// ParseRelayList extracts read/write relays from a NIP-65 kind 10002 event.
// An "r" tag without a marker is both read and write.
func ParseRelayList(evt types.Event) (types.RelayListing, error) {
	if evt.Kind != types.KindRelayList {
		return types.RelayListing{}, fmt.Errorf("%w: kind %d is not a relay list", ErrParse, evt.Kind)
	}

	var read, write []string
	for _, tag := range evt.Tags {
		if len(tag) < 2 || tag[0] != "r" {
			continue
		}
		relayURL := NormalizeRelayURL(tag[1])
		if relayURL == "" {
			continue
		}
		marker := ""
		if len(tag) >= 3 {
			marker = tag[2]
		}
		switch marker {
		case "read":
			read = append(read, relayURL)
		case "write":
			write = append(write, relayURL)
		case "":
			read = append(read, relayURL)
			write = append(write, relayURL)
		}
	}

	if len(read) == 0 && len(write) == 0 && len(evt.Tags) > 0 {
		return types.RelayListing{}, fmt.Errorf("%w: relay list has no usable relays", ErrParse)
	}

	return types.RelayListing{
		PubKey:    evt.PubKey,
		Read:      util.MergeUnique(read),
		Write:     util.MergeUnique(write),
		CreatedAt: evt.CreatedAt,
		EventID:   evt.ID,
	}, nil
}
