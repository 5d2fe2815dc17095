package auth

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"
)

// Role is a workspace-scoped privilege level. Roles are totally ordered.
type Role string

const (
	RoleViewer Role = "viewer"
	RoleMember Role = "member"
	RoleChair  Role = "chair"
)

func (r Role) rank() int {
	switch r {
	case RoleViewer:
		return 1
	case RoleMember:
		return 2
	case RoleChair:
		return 3
	default:
		return 0
	}
}

// AtLeast reports whether r grants everything min grants.
func (r Role) AtLeast(min Role) bool {
	return r.rank() > 0 && r.rank() >= min.rank()
}

func (r Role) Valid() bool { return r.rank() > 0 }

// ParseRole accepts exactly viewer, member or chair (case-insensitive).
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("%w: unknown role %q", ErrInvalidInput, s)
	}
	return r, nil
}

// AuthMethod names how an Identity was established.
type AuthMethod string

const (
	MethodStaticToken AuthMethod = "static-token"
	MethodSession     AuthMethod = "session"
	MethodOAuth       AuthMethod = "oauth"
	MethodAdmin       AuthMethod = "admin"
)

// OAuth scopes understood by the resource server.
const (
	ScopeRead  = "mcp:read"
	ScopeWrite = "mcp:write"
)

// SupportedScopes lists every scope a client may register or request.
var SupportedScopes = []string{ScopeRead, ScopeWrite}

// Identity is the verified caller. It is only ever produced by a credential
// verifier and never built from request data.
type Identity struct {
	UserID      string     `json:"user_id"`
	Email       string     `json:"email"`
	DisplayName string     `json:"display_name,omitempty"`
	Method      AuthMethod `json:"auth_method"`
	TokenID     string     `json:"token_id,omitempty"`
	ClientID    string     `json:"client_id,omitempty"`
	Scopes      []string   `json:"scopes,omitempty"`
	SessionID   string     `json:"-"`
}

// CanWrite is false for OAuth identities granted read-only scope.
func (i Identity) CanWrite() bool {
	if i.Method != MethodOAuth {
		return true
	}
	return slices.Contains(i.Scopes, ScopeWrite)
}

type Workspace struct {
	ID           string    `json:"id"`
	Slug         string    `json:"slug"`
	DisplayName  string    `json:"display_name"`
	BackingStore string    `json:"backing_store"`
	IsDefault    bool      `json:"is_default"`
	IsArchived   bool      `json:"is_archived"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type User struct {
	ID                 string    `json:"id"`
	Email              string    `json:"email"`
	DisplayName        string    `json:"display_name,omitempty"`
	IsOrgAdmin         bool      `json:"is_org_admin"`
	DefaultWorkspaceID string    `json:"default_workspace_id,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

type Membership struct {
	UserID      string    `json:"user_id"`
	WorkspaceID string    `json:"workspace_id"`
	Role        Role      `json:"role"`
	CreatedAt   time.Time `json:"created_at"`
}

// Member is a membership joined with its user for listings.
type Member struct {
	Membership
	Email       string `json:"email"`
	DisplayName string `json:"display_name,omitempty"`
}

// OpKind classifies an operation for audit and archive checks.
type OpKind string

const (
	KindRead   OpKind = "read"
	KindCreate OpKind = "create"
	KindUpdate OpKind = "update"
	KindDelete OpKind = "delete"
)

// Operation is what a caller wants to do inside a workspace and the minimum
// role it needs.
type Operation struct {
	Kind    OpKind
	MinRole Role
}

func (o Operation) IsWrite() bool { return o.Kind != KindRead }

var (
	OpRead          = Operation{Kind: KindRead, MinRole: RoleViewer}
	OpCreate        = Operation{Kind: KindCreate, MinRole: RoleMember}
	OpUpdate        = Operation{Kind: KindUpdate, MinRole: RoleMember}
	OpDelete        = Operation{Kind: KindDelete, MinRole: RoleChair}
	OpManageMembers = Operation{Kind: KindUpdate, MinRole: RoleChair}
)

// ParseOperation maps the wire names used by the decision endpoint.
func ParseOperation(name string) (Operation, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "read":
		return OpRead, nil
	case "create":
		return OpCreate, nil
	case "update":
		return OpUpdate, nil
	case "delete":
		return OpDelete, nil
	case "manage_members":
		return OpManageMembers, nil
	default:
		return Operation{}, fmt.Errorf("%w: unknown operation %q", ErrInvalidInput, name)
	}
}

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,39}$`)

// ValidSlug reports whether s can be used as a workspace slug.
func ValidSlug(s string) bool { return slugPattern.MatchString(s) }

// BackingStoreName derives the default data partition name for a slug.
func BackingStoreName(slug string) string {
	return "ws_" + strings.ReplaceAll(slug, "-", "_")
}

// NormalizeEmail is the canonical form used as the identity key.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
