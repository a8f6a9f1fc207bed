package domain

import (
	"strings"

	dErrors "tillhouse/pkg/domain-errors"
)

// Scope is the first segment of an entity key.
type Scope string

const (
	// ScopeOrg keys are partitioned by organization (tenant).
	ScopeOrg Scope = "org"
	// ScopeGlobal keys address deployment-wide singletons such as the
	// refresh-token index.
	ScopeGlobal Scope = "global"
)

// GlobalPartition is the event-bus partition used for global-scope entities.
const GlobalPartition = "global"

const keySeparator = ":"

// Key is the opaque, deterministic address of one entity instance:
//
//	org:{kind}:{orgID}[:{id}...]
//	global:{kind}:{id}[:{more}...]
//
// An org key without an id addresses a per-organization singleton such as
// the user PIN index.
//
// Keys are compared as strings; two keys built from the same segments are equal.
type Key string

// OrgKey builds a tenant-scoped key. Segments are sanitized so user-controlled
// identifiers containing ':' cannot address a neighbouring entity.
func OrgKey(kind, orgID string, parts ...string) Key {
	segs := make([]string, 0, 3+len(parts))
	segs = append(segs, string(ScopeOrg), SanitizeKeySegment(kind), SanitizeKeySegment(orgID))
	for _, p := range parts {
		segs = append(segs, SanitizeKeySegment(p))
	}
	return Key(strings.Join(segs, keySeparator))
}

// GlobalKey builds a deployment-wide key.
func GlobalKey(kind string, parts ...string) Key {
	segs := make([]string, 0, 2+len(parts))
	segs = append(segs, string(ScopeGlobal), SanitizeKeySegment(kind))
	for _, p := range parts {
		segs = append(segs, SanitizeKeySegment(p))
	}
	return Key(strings.Join(segs, keySeparator))
}

// SanitizeKeySegment escapes the delimiter inside a single key segment.
func SanitizeKeySegment(s string) string {
	return strings.ReplaceAll(strings.TrimSpace(s), keySeparator, "_")
}

func (k Key) String() string { return string(k) }

func (k Key) segments() []string {
	return strings.Split(string(k), keySeparator)
}

// Scope returns the key scope.
func (k Key) Scope() Scope {
	return Scope(k.segments()[0])
}

// Kind returns the entity kind segment.
func (k Key) Kind() string {
	segs := k.segments()
	if len(segs) < 2 {
		return ""
	}
	return segs[1]
}

// Tenant returns the organization id for org-scoped keys and "" otherwise.
func (k Key) Tenant() string {
	segs := k.segments()
	if Scope(segs[0]) != ScopeOrg || len(segs) < 3 {
		return ""
	}
	return segs[2]
}

// Partition is the event-bus partition for events produced by this entity.
func (k Key) Partition() string {
	if t := k.Tenant(); t != "" {
		return t
	}
	return GlobalPartition
}

// Validate checks that the key has a known scope and no empty segments.
func (k Key) Validate() error {
	if k == "" {
		return dErrors.New(dErrors.CodeValidation, "entity key is required")
	}
	segs := k.segments()
	minSegs := 0
	switch Scope(segs[0]) {
	case ScopeOrg:
		minSegs = 3
	case ScopeGlobal:
		minSegs = 3
	default:
		return dErrors.Newf(dErrors.CodeValidation, "entity key %q has unknown scope", string(k))
	}
	if len(segs) < minSegs {
		return dErrors.Newf(dErrors.CodeValidation, "entity key %q has too few segments", string(k))
	}
	for _, s := range segs {
		if s == "" {
			return dErrors.Newf(dErrors.CodeValidation, "entity key %q has an empty segment", string(k))
		}
	}
	return nil
}
