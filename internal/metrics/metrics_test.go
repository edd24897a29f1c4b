package metrics

import (
	"strings"
	"testing"
)

func TestNilCountersAreNoops(t *testing.T) {
	var c *Counters
	c.IncrementEventReceived()
	c.IncrementCacheHit()
	c.AddIdentityFailures(3)

	var sb strings.Builder
	if err := c.WritePrometheus(&sb); err != nil {
		t.Fatalf("WritePrometheus: %v", err)
	}
	if !strings.Contains(sb.String(), "profilesync_events_received_total 0") {
		t.Errorf("unexpected output:\n%s", sb.String())
	}
}

func TestWritePrometheus(t *testing.T) {
	c := New()
	c.IncrementEventReceived()
	c.IncrementEventReceived()
	c.IncrementEventAccepted()
	c.IncrementCacheHit()
	c.IncrementCacheMiss()
	c.AddIdentityFailures(4)

	var sb strings.Builder
	err := c.WritePrometheus(&sb, Gauge{Name: "profilesync_store_profiles", Help: "Profiles in memory", Value: 7})
	if err != nil {
		t.Fatalf("WritePrometheus: %v", err)
	}
	out := sb.String()

	for _, want := range []string{
		"profilesync_events_received_total 2",
		"profilesync_events_accepted_total 1",
		"profilesync_identity_failures_total 4",
		"# TYPE profilesync_store_profiles gauge",
		"profilesync_store_profiles 7",
		"profilesync_cache_hit_ratio 0.5000",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q", want)
		}
	}
}
