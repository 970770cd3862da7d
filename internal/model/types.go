// Package model defines the control-plane's persisted and derived entities:
// Account, Actor, Identity, Subject, Group, Membership, Resource, Policy,
// Condition, Client, Gateway, Relay, Address, Flow and Token.
package model

import "time"

type ActorType string

const (
	ActorTypeUser           ActorType = "user"
	ActorTypeServiceAccount ActorType = "service_account"
	ActorTypeAPIClient      ActorType = "api_client"
)

type ActorRole string

const (
	ActorRoleAdmin        ActorRole = "admin"
	ActorRoleUnprivileged ActorRole = "unprivileged"
)

// Account is the tenant root. Every other entity belongs to exactly one
// account; no cross-account reference is ever valid.
type Account struct {
	ID        string          `json:"id"`
	Slug      string          `json:"slug"`
	Config    map[string]any  `json:"config"` // e.g. upstream DNS list
	Features  map[string]bool `json:"features"`
	DeletedAt *time.Time      `json:"deleted_at,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func (a *Account) Deleted() bool { return a.DeletedAt != nil }

// Actor is a user or service_account scoped to an Account.
type Actor struct {
	ID         string     `json:"id"`
	AccountID  string     `json:"account_id"`
	Type       ActorType  `json:"type"`
	Name       string     `json:"name"`
	Role       ActorRole  `json:"role"`
	DisabledAt *time.Time `json:"disabled_at,omitempty"`
	DeletedAt  *time.Time `json:"deleted_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

func (a *Actor) Disabled() bool { return a.DisabledAt != nil }
func (a *Actor) Deleted() bool  { return a.DeletedAt != nil }
func (a *Actor) Admin() bool    { return a.Role == ActorRoleAdmin }

// Identity binds an Actor to an external Provider (email/OIDC/etc.).
// Unique within (provider, provider_identifier).
type Identity struct {
	ID                 string         `json:"id"`
	AccountID          string         `json:"account_id"`
	ActorID            string         `json:"actor_id"`
	Provider           string         `json:"provider"`
	ProviderIdentifier string         `json:"provider_identifier"`
	ProviderState      map[string]any `json:"provider_state"`
	LastSeenAt         *time.Time     `json:"last_seen_at,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
}

// Subject is derived per request, never persisted.
type Subject struct {
	Account     *Account
	Actor       *Actor
	Identity    *Identity
	Context     SubjectContext
	Permissions map[string]bool // set of capability tokens
	ExpiresAt   time.Time
}

type SubjectContext struct {
	RemoteIP  string
	UserAgent string
	Region    string // ISO region code derived from geo-IP lookup, if available
}

func (s *Subject) HasCapability(cap string) bool {
	if s == nil || s.Permissions == nil {
		return false
	}
	return s.Permissions[cap]
}

func (s *Subject) HasAnyCapability(caps ...string) bool {
	for _, c := range caps {
		if s.HasCapability(c) {
			return true
		}
	}
	return false
}

// Group is a set of Actors within an account (an actor group).
type Group struct {
	ID        string     `json:"id"`
	AccountID string     `json:"account_id"`
	Name      string     `json:"name"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// Membership is the (actor, group) edge.
type Membership struct {
	AccountID string    `json:"account_id"`
	ActorID   string    `json:"actor_id"`
	GroupID   string    `json:"group_id"`
	CreatedAt time.Time `json:"created_at"`
}

type ResourceType string

const (
	ResourceTypeDNS  ResourceType = "dns"
	ResourceTypeCIDR ResourceType = "cidr"
	ResourceTypeIP   ResourceType = "ip"
)

type FilterProtocol string

const (
	FilterTCP  FilterProtocol = "tcp"
	FilterUDP  FilterProtocol = "udp"
	FilterICMP FilterProtocol = "icmp"
)

// Filter restricts a Resource to a protocol, optionally a port range.
type Filter struct {
	Protocol       FilterProtocol `json:"protocol"`
	PortRangeStart int            `json:"port_range_start,omitempty"`
	PortRangeEnd   int            `json:"port_range_end,omitempty"`
}

// GatewayGroup (a.k.a. Site) is a collection of Gateways providing access
// to the same Resources.
type GatewayGroup struct {
	ID        string     `json:"id"`
	AccountID string     `json:"account_id"`
	Name      string     `json:"name"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// Resource is a target the policy engine can grant access to.
type Resource struct {
	ID                 string       `json:"id"`
	AccountID          string       `json:"account_id"`
	Type               ResourceType `json:"type"`
	Name               string       `json:"name"`
	Address            string       `json:"address"` // wildcards permitted for DNS
	AddressDescription string       `json:"address_description"`
	Filters            []Filter     `json:"filters"`
	GatewayGroupIDs    []string     `json:"gateway_group_ids"`
	DeletedAt          *time.Time   `json:"deleted_at,omitempty"`
	CreatedAt          time.Time    `json:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at"`
}

func (r *Resource) Deleted() bool { return r.DeletedAt != nil }

// ConditionProperty enumerates the property a Condition checks.
type ConditionProperty string

const (
	PropertyRemoteIPLocationRegion ConditionProperty = "remote_ip_location_region"
	PropertyRemoteIP               ConditionProperty = "remote_ip"
	PropertyProviderID             ConditionProperty = "provider_id"
	PropertyCurrentUTCDatetime     ConditionProperty = "current_utc_datetime"
)

type ConditionOperator string

const (
	OpIsIn                    ConditionOperator = "is_in"
	OpIsNotIn                 ConditionOperator = "is_not_in"
	OpIsInCIDR                ConditionOperator = "is_in_cidr"
	OpIsNotInCIDR             ConditionOperator = "is_not_in_cidr"
	OpIsInDayOfWeekTimeRanges ConditionOperator = "is_in_day_of_week_time_ranges"
)

// Condition is one clause of a Policy's gate.
type Condition struct {
	Property ConditionProperty `json:"property"`
	Operator ConditionOperator `json:"operator"`
	Values   []string          `json:"values"`
}

// Policy links an actor group to a resource, optionally gated by Conditions.
// Invariant: (ActorGroupID, ResourceID) is unique among non-deleted policies
// of an account.
type Policy struct {
	ID           string      `json:"id"`
	AccountID    string      `json:"account_id"`
	ActorGroupID string      `json:"actor_group_id"`
	ResourceID   string      `json:"resource_id"`
	Conditions   []Condition `json:"conditions"`
	Description  string      `json:"description"`
	DisabledAt   *time.Time  `json:"disabled_at,omitempty"`
	DeletedAt    *time.Time  `json:"deleted_at,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

func (p *Policy) Disabled() bool { return p.DisabledAt != nil }
func (p *Policy) Deleted() bool  { return p.DeletedAt != nil }
func (p *Policy) Active() bool   { return !p.Disabled() && !p.Deleted() }

// GeoPoint is a latitude/longitude pair used for Haversine distance.
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Client is an online endpoint used by an Actor.
type Client struct {
	ID               string    `json:"id"`
	AccountID        string    `json:"account_id"`
	ActorID          string    `json:"actor_id"`
	IPv4             string    `json:"ipv4"`
	IPv6             string    `json:"ipv6"`
	LastSeenVersion  string    `json:"last_seen_version"`
	LastSeenRemoteIP string    `json:"last_seen_remote_ip"`
	Geo              GeoPoint  `json:"geo"`
	Region           string    `json:"region"`
	LastSeenAt       time.Time `json:"last_seen_at"`
}

// Gateway is an online forwarder in a GatewayGroup.
type Gateway struct {
	ID               string    `json:"id"`
	AccountID        string    `json:"account_id"`
	GatewayGroupID   string    `json:"gateway_group_id"`
	PublicKey        string    `json:"public_key"`
	LastSeenVersion  string    `json:"last_seen_version"`
	LastSeenRemoteIP string    `json:"last_seen_remote_ip"`
	LastSeenAt       time.Time `json:"last_seen_at"`
}

// Relay is a STUN/TURN endpoint; may be account-scoped (AccountID != "")
// or global.
type Relay struct {
	ID          string    `json:"id"`
	AccountID   string    `json:"account_id,omitempty"` // empty for the global pool
	IPv4        string    `json:"ipv4"`
	IPv6        string    `json:"ipv6"`
	Geo         GeoPoint  `json:"geo"`
	StampSecret string    `json:"-"` // never serialized to a session
	LastSeenAt  time.Time `json:"last_seen_at"`
}

// AddressFamily distinguishes the v4/v6 allocation space.
type AddressFamily string

const (
	FamilyIPv4 AddressFamily = "ipv4"
	FamilyIPv6 AddressFamily = "ipv6"
)

// Address is an (account, family, inet) allocation.
type Address struct {
	AccountID string    `json:"account_id"`
	Family    AddressFamily `json:"family"`
	Inet      string    `json:"inet"`
	ClientID  string    `json:"client_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Flow is an auditable record written when the Flow Broker authorizes a
// Client→Gateway connection.
type Flow struct {
	ID              string    `json:"id"`
	AccountID       string    `json:"account_id"`
	ClientID        string    `json:"client_id"`
	GatewayID       string    `json:"gateway_id"`
	PolicyID        string    `json:"policy_id"`
	ResourceID      string    `json:"resource_id"`
	AuthorizedAt    time.Time `json:"authorized_at"`
	ExpiresAt       time.Time `json:"expires_at"`
	ClientRemoteIP  string    `json:"client_remote_ip"`
	GatewayRemoteIP string    `json:"gateway_remote_ip"`
}

type TokenType string

const (
	TokenTypeGatewayGroup TokenType = "gateway_group"
	TokenTypeRelayGroup   TokenType = "relay_group"
	TokenTypeAPIClient    TokenType = "api_client"
)

// Token is a persisted credential. The value itself is never stored —
// only its hash. Revocation nulls the hash.
type Token struct {
	ID             string     `json:"id"`
	AccountID      string     `json:"account_id"`
	Type           TokenType  `json:"type"`
	ActorID        string     `json:"actor_id,omitempty"` // for api_client tokens
	GatewayGroupID string     `json:"gateway_group_id,omitempty"`
	Hash           []byte     `json:"-"` // nil once revoked, never serialized
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

func (t *Token) Revoked() bool { return t.Hash == nil }
