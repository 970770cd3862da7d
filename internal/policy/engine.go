// Package policy evaluates Conditions against a Client's request context
// (§4.C).
package policy

import (
	"net"
	"time"

	"github.com/cloudfire/signal/internal/model"
)

// ClientContext is the per-request context a Condition is checked
// against: the client's cached geo-IP region, its last-seen remote IP,
// and (for provider_id conditions) the identity's provider id.
type ClientContext struct {
	Region     string
	RemoteIP   string
	ProviderID string
	Now        time.Time // injectable for deterministic tests; zero value means time.Now()
}

func (c ClientContext) now() time.Time {
	if c.Now.IsZero() {
		return time.Now().UTC()
	}
	return c.Now
}

// Conforms evaluates the conjunction of conditions against ctx, returning
// the empty slice when authorized, or the list of violated property
// names otherwise. A policy with zero conditions is unconditionally
// authorized.
func Conforms(conditions []model.Condition, ctx ClientContext) []string {
	var violated []string
	for _, cond := range conditions {
		if !conditionHolds(cond, ctx) {
			violated = append(violated, string(cond.Property))
		}
	}
	return violated
}

func conditionHolds(cond model.Condition, ctx ClientContext) bool {
	switch cond.Property {
	case model.PropertyRemoteIPLocationRegion:
		return evalIsIn(ctx.Region, cond.Values, cond.Operator)
	case model.PropertyRemoteIP:
		return evalCIDR(ctx.RemoteIP, cond.Values, cond.Operator)
	case model.PropertyProviderID:
		return evalIsIn(ctx.ProviderID, cond.Values, cond.Operator)
	case model.PropertyCurrentUTCDatetime:
		return evalDayTimeRanges(cond.Values, ctx.now())
	default:
		return false
	}
}

func evalIsIn(value string, list []string, op model.ConditionOperator) bool {
	found := false
	for _, v := range list {
		if v == value {
			found = true
			break
		}
	}
	switch op {
	case model.OpIsIn:
		return found
	case model.OpIsNotIn:
		return !found
	default:
		return false
	}
}

func evalCIDR(remoteIP string, cidrs []string, op model.ConditionOperator) bool {
	ip := net.ParseIP(remoteIP)
	if ip == nil {
		return false
	}
	matched := false
	for _, c := range cidrs {
		_, network, err := net.ParseCIDR(c)
		if err != nil {
			continue
		}
		// Only compare within the same address family (v4 vs v4, v6 vs v6).
		if (network.IP.To4() != nil) != (ip.To4() != nil) {
			continue
		}
		if network.Contains(ip) {
			matched = true
			break
		}
	}
	switch op {
	case model.OpIsInCIDR:
		return matched
	case model.OpIsNotInCIDR:
		return !matched
	default:
		return false
	}
}

func evalDayTimeRanges(values []string, now time.Time) bool {
	for _, v := range values {
		dtr, err := model.ParseDayTimeRange(v)
		if err != nil {
			continue
		}
		if dtr.Admits(now) {
			return true
		}
	}
	return false
}
