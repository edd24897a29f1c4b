package nostr

import (
	"net"
	"net/url"
	"strings"

	"github.com/cashubtc/eNuts-sub000/internal/util"
)

// NormalizeRelayURL validates and normalizes a relay URL from NIP-65 events or configuration.
// Returns empty string if URL is invalid/malformed
func NormalizeRelayURL(relayURL string) string {
	relayURL = strings.TrimSpace(relayURL)
	if relayURL == "" {
		return ""
	}

	// Quick reject for obviously bad URLs (no colon = no protocol)
	if !strings.Contains(relayURL, "://") {
		return ""
	}

	// Reject URL-encoded spaces (indicates garbage text as URL)
	if strings.Contains(relayURL, "%20") || strings.Contains(relayURL, "+") {
		return ""
	}

	// Reject double protocols (wss://https://...)
	if strings.Count(relayURL, "://") > 1 {
		return ""
	}

	parsed, err := url.Parse(relayURL)
	if err != nil {
		return ""
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "ws" && scheme != "wss" {
		return ""
	}

	host := parsed.Hostname()
	if host == "" || len(host) < 3 || strings.Contains(host, " ") {
		return ""
	}
	if !strings.Contains(host, ".") && !strings.Contains(host, ":") && host != "localhost" {
		return ""
	}

	// Block internal/unreachable hosts (.onion, .local, .internal)
	if util.IsInternalHost(host) {
		return ""
	}

	// Normalize: lowercase scheme and host, strip trailing slash
	hostPort := strings.ToLower(host)
	if strings.Contains(hostPort, ":") {
		hostPort = "[" + hostPort + "]"
	}
	result := scheme + "://" + hostPort
	if parsed.Port() != "" {
		result += ":" + parsed.Port()
	}
	if path := strings.TrimRight(parsed.Path, "/"); path != "" {
		result += path
	}
	return result
}

// IsRelayURLSafe validates that a relay URL is safe to connect to.
// Allows localhost for development but blocks other private IP ranges.
func IsRelayURLSafe(relayURL string) bool {
	parsed, err := url.Parse(relayURL)
	if err != nil {
		return false
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return false
	}

	host := parsed.Hostname()
	if host == "" {
		return false
	}
	if util.IsLoopbackHost(host) {
		return true
	}

	if ip := net.ParseIP(host); ip != nil {
		return isRelayIPSafe(ip)
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		// Unresolvable here may still be a valid external host; the dial decides.
		return !util.IsInternalHost(host) && !strings.HasSuffix(host, ".")
	}
	for _, ip := range ips {
		if !isRelayIPSafe(ip) {
			return false
		}
	}
	return true
}

// isRelayIPSafe allows loopback but blocks other private and special ranges
func isRelayIPSafe(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if ip.IsLoopback() {
		return true
	}
	if ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return false
	}
	if ip.IsUnspecified() || ip.IsMulticast() {
		return false
	}
	return true
}
