// internal/models/membership.go
package models

// MembershipState is the cacheable result of one membership probe. Error
// outcomes are never represented here; they must not be cached.
type MembershipState string

const (
	MembershipMember    MembershipState = "member"
	MembershipNotMember MembershipState = "not_member"
)

// RestrictAction labels the side effect last applied for a (group, user).
type RestrictAction string

const (
	ActionRestrict   RestrictAction = "restrict"
	ActionUnrestrict RestrictAction = "unrestrict"
)
