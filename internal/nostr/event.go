// Package nostr parses relay messages and replaceable-event content into the
// engine's records. Malformed input is reported with ok=false or an error and
// never mutates state.
package nostr

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/cashubtc/eNuts-sub000/internal/types"
)

// ParseEventFromInterface converts raw websocket data to Event (avoids JSON re-encoding)
func ParseEventFromInterface(data interface{}) (types.Event, bool) {
	m, ok := data.(map[string]interface{})
	if !ok {
		return types.Event{}, false
	}

	evt := types.Event{}

	if id, ok := m["id"].(string); ok {
		evt.ID = id
	}
	if pk, ok := m["pubkey"].(string); ok {
		evt.PubKey = pk
	}
	if createdAt, ok := m["created_at"].(float64); ok {
		evt.CreatedAt = int64(createdAt)
	}
	if kind, ok := m["kind"].(float64); ok {
		evt.Kind = int(kind)
	}
	if content, ok := m["content"].(string); ok {
		evt.Content = content
	}
	if sig, ok := m["sig"].(string); ok {
		evt.Sig = sig
	}

	if tags, ok := m["tags"].([]interface{}); ok {
		evt.Tags = make([][]string, 0, len(tags))
		for _, tag := range tags {
			if tagArr, ok := tag.([]interface{}); ok {
				strTag := make([]string, 0, len(tagArr))
				for _, elem := range tagArr {
					if s, ok := elem.(string); ok {
						strTag = append(strTag, s)
					}
				}
				evt.Tags = append(evt.Tags, strTag)
			}
		}
	}

	return evt, evt.ID != "" && evt.PubKey != ""
}

// ComputeEventID returns the NIP-01 id of an event: sha256 of
// [0, pubkey, created_at, kind, tags, content].
func ComputeEventID(evt types.Event) string {
	tags := evt.Tags
	if tags == nil {
		tags = [][]string{}
	}
	serialized, _ := json.Marshal([]interface{}{0, evt.PubKey, evt.CreatedAt, evt.Kind, tags, evt.Content})
	sum := sha256.Sum256(serialized)
	return hex.EncodeToString(sum[:])
}

// ShortID truncates ID/pubkey to 12 chars for logging
func ShortID(id string) string {
	if len(id) >= 12 {
		return id[:12]
	}
	return id
}
