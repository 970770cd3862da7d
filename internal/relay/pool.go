// Package relay implements the Relay Pool (§4.G): candidate selection
// by geographic proximity and per-session STUN/TURN credential
// derivation.
package relay

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/cloudfire/signal/internal/model"
)

// DefaultCount is the default number of relays returned per client
// (§4.G: "up to N (configurable; default 2)").
const DefaultCount = 2

// CredentialTTL is how long a derived STUN/TURN credential remains
// valid.
const CredentialTTL = 1 * time.Hour

const earthRadiusKM = 6371.0

// haversineKM returns the great-circle distance in kilometers between
// two geo points.
func haversineKM(a, b model.GeoPoint) float64 {
	lat1, lon1 := a.Lat*math.Pi/180, a.Lon*math.Pi/180
	lat2, lon2 := b.Lat*math.Pi/180, b.Lon*math.Pi/180
	dLat := lat2 - lat1
	dLon := lon2 - lon1
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKM * math.Asin(math.Sqrt(h))
}

// CredentialType distinguishes the two endpoint kinds offered for a
// relay (§4.G).
type CredentialType string

const (
	CredentialSTUN CredentialType = "stun"
	CredentialTURN CredentialType = "turn"
)

// Credential is one {id, type, addr, username, password, expires_at}
// entry pushed to a Client, either inside `init` or a subsequent
// `relays_presence` diff.
type Credential struct {
	ID        string         `json:"id"`
	Type      CredentialType `json:"type"`
	Addr      string         `json:"addr"`
	Username  string         `json:"username"`
	Password  string         `json:"password"`
	ExpiresAt time.Time      `json:"expires_at"`
}

// Select returns up to count relays from candidates, ordered by
// Haversine distance to clientGeo ascending, ties broken by
// LastSeenAt descending (§4.G). Candidates whose LastSeenAt is not
// within freshness of now are dropped before ordering.
func Select(candidates []*model.Relay, clientGeo model.GeoPoint, freshness time.Duration, count int) []*model.Relay {
	if count <= 0 {
		count = DefaultCount
	}
	cutoff := time.Now().Add(-freshness)
	fresh := make([]*model.Relay, 0, len(candidates))
	for _, r := range candidates {
		if r.LastSeenAt.After(cutoff) {
			fresh = append(fresh, r)
		}
	}

	sort.Slice(fresh, func(i, j int) bool {
		di, dj := haversineKM(clientGeo, fresh[i].Geo), haversineKM(clientGeo, fresh[j].Geo)
		if di != dj {
			return di < dj
		}
		return fresh[i].LastSeenAt.After(fresh[j].LastSeenAt)
	})

	if len(fresh) > count {
		fresh = fresh[:count]
	}
	return fresh
}

// Credentials derives the STUN and TURN credential pair for relay as
// seen by clientID, using the coturn time-limited REST API scheme:
// username = "<unix expiry>:<client id>", password =
// base64(HMAC-SHA1(stamp_secret, username)). stamp_secret never
// leaves the server — only the derived password does.
func Credentials(r *model.Relay, clientID string, now time.Time) []Credential {
	expiresAt := now.Add(CredentialTTL)
	username := fmt.Sprintf("%d:%s", expiresAt.Unix(), clientID)

	mac := hmac.New(sha1.New, []byte(r.StampSecret))
	mac.Write([]byte(username))
	password := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	var out []Credential
	if r.IPv4 != "" || r.IPv6 != "" {
		addr := r.IPv4
		if addr == "" {
			addr = r.IPv6
		}
		out = append(out,
			Credential{ID: r.ID, Type: CredentialSTUN, Addr: addr, Username: username, Password: password, ExpiresAt: expiresAt},
			Credential{ID: r.ID, Type: CredentialTURN, Addr: addr, Username: username, Password: password, ExpiresAt: expiresAt},
		)
	}
	return out
}

// PresenceDiff is the `relays_presence{connected, disconnected_ids}`
// push shape (§4.G).
type PresenceDiff struct {
	Connected       []Credential `json:"connected"`
	DisconnectedIDs []string     `json:"disconnected_ids"`
}
