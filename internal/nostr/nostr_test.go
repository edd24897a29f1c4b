package nostr

import (
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"github.com/cashubtc/eNuts-sub000/internal/nips"
	"github.com/cashubtc/eNuts-sub000/internal/types"
)

const vectorPubKey = "7e7e9c42a91bfef19fa929e5fda1b72e0ebc1a4c1141673e2794234d86addf4e"

func newPubKey(t *testing.T) string {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey: %v", err)
	}
	return hex.EncodeToString(schnorr.SerializePubKey(priv.PubKey()))
}

func TestParseEventFromInterface(t *testing.T) {
	raw := map[string]interface{}{
		"id":         "abc123",
		"pubkey":     vectorPubKey,
		"created_at": float64(1700000000),
		"kind":       float64(3),
		"tags":       []interface{}{[]interface{}{"p", "deadbeef"}, "garbage"},
		"content":    "",
	}

	evt, ok := ParseEventFromInterface(raw)
	if !ok {
		t.Fatal("expected event to parse")
	}
	if evt.CreatedAt != 1700000000 || evt.Kind != 3 {
		t.Errorf("unexpected header: %+v", evt)
	}
	if len(evt.Tags) != 1 || evt.Tags[0][1] != "deadbeef" {
		t.Errorf("unexpected tags: %v", evt.Tags)
	}

	if _, ok := ParseEventFromInterface("not an object"); ok {
		t.Error("non-object should not parse")
	}
	if _, ok := ParseEventFromInterface(map[string]interface{}{"id": "x"}); ok {
		t.Error("event without pubkey should not parse")
	}
}

func TestComputeEventIDStable(t *testing.T) {
	evt := types.Event{PubKey: vectorPubKey, CreatedAt: 1, Kind: 0, Content: "{}"}
	a := ComputeEventID(evt)
	b := ComputeEventID(evt)
	if a != b || len(a) != 64 {
		t.Fatalf("ComputeEventID not stable: %q %q", a, b)
	}
	evt.CreatedAt = 2
	if ComputeEventID(evt) == a {
		t.Error("id should change with created_at")
	}
}

func TestParseIdentity(t *testing.T) {
	npub, err := nips.EncodeNPub(vectorPubKey)
	if err != nil {
		t.Fatalf("EncodeNPub: %v", err)
	}
	nprofile, err := nips.EncodeNProfile(vectorPubKey, []string{"wss://relay.example.com/", "not a relay"})
	if err != nil {
		t.Fatalf("EncodeNProfile: %v", err)
	}

	tests := []struct {
		name      string
		input     string
		wantHints int
		wantErr   bool
	}{
		{"hex", vectorPubKey, 0, false},
		{"upper hex", "7E7E9C42A91BFEF19FA929E5FDA1B72E0EBC1A4C1141673E2794234D86ADDF4E", 0, false},
		{"npub", npub, 0, false},
		{"nostr uri", "nostr:" + npub, 0, false},
		{"nprofile", nprofile, 1, false},
		{"short hex", "abc", 0, true},
		{"garbage", "npub1xyz", 0, true},
		{"empty", "", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := ParseIdentity(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseIdentity(%q): %v", tt.input, err)
			}
			if id.PubKey != vectorPubKey {
				t.Errorf("PubKey = %q", id.PubKey)
			}
			if len(id.RelayHints) != tt.wantHints {
				t.Errorf("RelayHints = %v, want %d", id.RelayHints, tt.wantHints)
			}
		})
	}
}

func TestValidPubKey(t *testing.T) {
	if !ValidPubKey(vectorPubKey) {
		t.Error("vector key should be valid")
	}
	if !ValidPubKey(newPubKey(t)) {
		t.Error("generated key should be valid")
	}
	if ValidPubKey(vectorPubKey[:63]) {
		t.Error("truncated key should be invalid")
	}
	// x = p is not a field element
	if ValidPubKey("fffffffffffffffffffffffffffffffffffffffffffffffffffffffefffffc2f") {
		t.Error("out-of-field key should be invalid")
	}
}

func TestParseProfile(t *testing.T) {
	evt := types.Event{
		ID:        "e1",
		PubKey:    vectorPubKey,
		Kind:      types.KindProfileMetadata,
		CreatedAt: 10,
		Content:   `{"name":" alice ","displayName":"Alice","picture":"https://x/y.png","lud06":"lnurl1abc","website":42}`,
	}

	rec, err := ParseProfile(evt)
	if err != nil {
		t.Fatalf("ParseProfile: %v", err)
	}
	if rec.Content.Name != "alice" {
		t.Errorf("Name = %q", rec.Content.Name)
	}
	if rec.DisplayName() != "Alice" {
		t.Errorf("DisplayName = %q", rec.DisplayName())
	}
	if rec.Content.PaymentAddress != "lnurl1abc" {
		t.Errorf("PaymentAddress = %q", rec.Content.PaymentAddress)
	}
	if rec.Content.Website != "" {
		t.Errorf("non-string website should be ignored, got %q", rec.Content.Website)
	}
	if rec.CreatedAt != 10 || rec.EventID != "e1" {
		t.Errorf("unexpected record header: %+v", rec)
	}

	evt.Content = `{"lud16":"alice@wallet.example","lud06":"lnurl1abc"}`
	rec, err = ParseProfile(evt)
	if err != nil {
		t.Fatalf("ParseProfile: %v", err)
	}
	if rec.Content.PaymentAddress != "alice@wallet.example" {
		t.Errorf("lud16 should win, got %q", rec.Content.PaymentAddress)
	}

	for _, bad := range []string{"", "not json", `["array"]`, `"string"`} {
		evt.Content = bad
		if _, err := ParseProfile(evt); err == nil {
			t.Errorf("expected parse error for %q", bad)
		}
	}

	evt.Kind = types.KindContactList
	evt.Content = "{}"
	if _, err := ParseProfile(evt); err == nil {
		t.Error("expected error for wrong kind")
	}
}

func TestParseContactList(t *testing.T) {
	a, b := newPubKey(t), newPubKey(t)
	evt := types.Event{
		ID:     "c1",
		PubKey: vectorPubKey,
		Kind:   types.KindContactList,
		Tags: [][]string{
			{"p", a},
			{"p", b, "wss://relay.example.com"},
			{"p", a},
			{"p", "not-a-key"},
			{"p", vectorPubKey},
			{"e", newPubKey(t)},
			{"p"},
		},
	}

	list, err := ParseContactList(evt)
	if err != nil {
		t.Fatalf("ParseContactList: %v", err)
	}
	if len(list.Members) != 2 {
		t.Fatalf("Members = %v, want 2", list.Members)
	}
	if !list.Has(a) || !list.Has(b) {
		t.Errorf("missing members: %v", list.Members)
	}
	if list.Members[0] > list.Members[1] {
		t.Errorf("members not sorted: %v", list.Members)
	}

	evt.Tags = nil
	list, err = ParseContactList(evt)
	if err != nil {
		t.Fatalf("empty list should parse: %v", err)
	}
	if len(list.Members) != 0 {
		t.Errorf("expected empty members, got %v", list.Members)
	}
}

func TestParseRelayList(t *testing.T) {
	evt := types.Event{
		PubKey: vectorPubKey,
		Kind:   types.KindRelayList,
		Tags: [][]string{
			{"r", "wss://Both.example.com/"},
			{"r", "wss://read.example.com", "read"},
			{"r", "wss://write.example.com", "write"},
			{"r", "https://not-a-relay.example.com"},
			{"r", "wss://read.example.com", "read"},
		},
	}

	rl, err := ParseRelayList(evt)
	if err != nil {
		t.Fatalf("ParseRelayList: %v", err)
	}
	wantRead := []string{"wss://both.example.com", "wss://read.example.com"}
	wantWrite := []string{"wss://both.example.com", "wss://write.example.com"}
	if len(rl.Read) != len(wantRead) || rl.Read[0] != wantRead[0] || rl.Read[1] != wantRead[1] {
		t.Errorf("Read = %v, want %v", rl.Read, wantRead)
	}
	if len(rl.Write) != len(wantWrite) || rl.Write[0] != wantWrite[0] || rl.Write[1] != wantWrite[1] {
		t.Errorf("Write = %v, want %v", rl.Write, wantWrite)
	}

	evt.Tags = [][]string{{"r", "garbage"}}
	if _, err := ParseRelayList(evt); err == nil {
		t.Error("expected error when no relay is usable")
	}
}

func TestNormalizeRelayURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"wss://relay.damus.io/", "wss://relay.damus.io"},
		{"WSS://Relay.Damus.IO", "wss://relay.damus.io"},
		{"ws://127.0.0.1:7777", "ws://127.0.0.1:7777"},
		{"wss://relay.example.com/nostr/", "wss://relay.example.com/nostr"},
		{"https://relay.damus.io", ""},
		{"relay.damus.io", ""},
		{"wss://foo.onion", ""},
		{"wss://wss://double.example.com", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizeRelayURL(tt.in); got != tt.want {
			t.Errorf("NormalizeRelayURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
