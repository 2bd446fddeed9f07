package models

// Role is a share-assigned capability on a document. Ownership is deliberately
// not a Role value: the creator's full control is tracked by a separate
// ownership flag so that "has full control" and "was granted a role" stay
// distinguishable.
type Role string

const (
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

// NormalizeRole maps an arbitrary stored string onto a known role.
// Unknown or empty values degrade to viewer.
func NormalizeRole(role string) Role {
	switch Role(role) {
	case RoleEditor, RoleViewer:
		return Role(role)
	default:
		return RoleViewer
	}
}

// CanEdit derives the effective edit permission: viewer never edits, editor
// always does, and with no explicit role the ownership flag decides.
func CanEdit(role Role, isOwner bool) bool {
	switch role {
	case RoleEditor:
		return true
	case RoleViewer:
		return false
	default:
		return isOwner
	}
}

type Document struct {
	Id           string
	Title        string
	CreatedAt    int64
	CreatorAlias string
}

// KeyGrant is one wrapped copy of a document's symmetric content key.
// WrappedBy records the public encryption key of whoever wrapped it; unwrapping
// must reproduce the same shared secret, so a consumer tries WrappedBy first
// and falls back to its own key for grants written before WrappedBy existed.
type KeyGrant struct {
	WrappedKey string
	WrappedBy  string
}

type Membership struct {
	DocumentId string
	MemberPub  string
	Role       Role
}

// DocumentMeta is a catalog entry for one visible document. Entries are
// mutable cells: role and ownership update in place on live notifications.
type DocumentMeta struct {
	Id      string
	Title   string
	Role    Role
	IsOwner bool
}
