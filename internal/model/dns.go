package model

import "strings"

// UpstreamDNS is the normalized `{protocol: "ip_port", address: "ip:port"}`
// wire shape (§6, §4.E "DNS configuration normalization").
type UpstreamDNS struct {
	Protocol string `json:"protocol"`
	Address  string `json:"address"`
}

const defaultDNSPort = "53"

// NormalizeUpstreamDNS converts an account's raw `ip[:port]` entries
// (as configured in Account.Config["upstream_dns"]) into the wire
// shape, defaulting the port to 53 when omitted.
func NormalizeUpstreamDNS(raw []string) []UpstreamDNS {
	out := make([]UpstreamDNS, 0, len(raw))
	for _, entry := range raw {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		host, port := entry, defaultDNSPort
		if idx := strings.LastIndex(entry, ":"); idx != -1 && !strings.Contains(entry[idx+1:], ":") {
			host, port = entry[:idx], entry[idx+1:]
		}
		out = append(out, UpstreamDNS{Protocol: "ip_port", Address: host + ":" + port})
	}
	return out
}

// UpstreamDNSFromConfig extracts and normalizes the upstream_dns list
// from an Account's Config map, tolerating both []string and []any
// JSON-decoded shapes.
func UpstreamDNSFromConfig(config map[string]any) []UpstreamDNS {
	raw, ok := config["upstream_dns"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return NormalizeUpstreamDNS(v)
	case []any:
		entries := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				entries = append(entries, s)
			}
		}
		return NormalizeUpstreamDNS(entries)
	default:
		return nil
	}
}
