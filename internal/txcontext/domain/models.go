package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrInvalidSubject     = errors.New("invalid_context_subject")
	ErrInvalidAccessLevel = errors.New("invalid_access_level")
	ErrContextNotFound    = errors.New("transaction_context_not_found")
)

// SubjectKind discriminates who a context grant is for.
type SubjectKind string

const (
	SubjectUser         SubjectKind = "user"
	SubjectEmployee     SubjectKind = "employee"
	SubjectMember       SubjectKind = "member"
	SubjectOrganization SubjectKind = "organization"
)

// AccessLevel bounds what the grantee may see of the transaction.
type AccessLevel string

const (
	AccessFull       AccessLevel = "full"
	AccessSummary    AccessLevel = "summary"
	AccessViewer     AccessLevel = "viewer"
	AccessRestricted AccessLevel = "restricted"
)

func (l AccessLevel) Valid() bool {
	switch l {
	case AccessFull, AccessSummary, AccessViewer, AccessRestricted:
		return true
	default:
		return false
	}
}

// Relationship records why the grantee is involved.
type Relationship string

const (
	RelationshipBeneficiary   Relationship = "beneficiary"
	RelationshipParticipant   Relationship = "participant"
	RelationshipCreator       Relationship = "creator"
	RelationshipViewer        Relationship = "viewer"
	RelationshipAdministrator Relationship = "administrator"
)

// Subject is the polymorphic grantee of a context. Exactly one ID is
// set, matching Kind.
type Subject struct {
	Kind         SubjectKind
	UserID       snowflake.ID
	EmployeeID   snowflake.ID
	MemberID     snowflake.ID
	GranteeOrgID snowflake.ID
}

// ID returns the identifier carried by the subject's kind.
func (s Subject) ID() snowflake.ID {
	switch s.Kind {
	case SubjectUser:
		return s.UserID
	case SubjectEmployee:
		return s.EmployeeID
	case SubjectMember:
		return s.MemberID
	case SubjectOrganization:
		return s.GranteeOrgID
	default:
		return 0
	}
}

// Validate checks that exactly the kind-matching ID is set.
func (s Subject) Validate() error {
	set := 0
	for _, id := range []snowflake.ID{s.UserID, s.EmployeeID, s.MemberID, s.GranteeOrgID} {
		if id != 0 {
			set++
		}
	}
	if set != 1 || s.ID() == 0 {
		return ErrInvalidSubject
	}
	return nil
}

// PolicySubject is the casbin subject string for this grantee.
func (s Subject) PolicySubject() string {
	return fmt.Sprintf("%s:%d", s.Kind, s.ID())
}

// TransactionContext is the base row of a context grant. The subject
// lives in a per-kind subtype table keyed by context id.
type TransactionContext struct {
	ID            snowflake.ID `gorm:"primaryKey"`
	TransactionID snowflake.ID `gorm:"not null;index"`
	OrgID         snowflake.ID `gorm:"not null"`
	SubjectKind   SubjectKind  `gorm:"type:text;not null"`
	AccessLevel   AccessLevel  `gorm:"type:text;not null"`
	Relationship  Relationship `gorm:"type:text;not null"`
	CreatedAt     time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (TransactionContext) TableName() string { return "transaction_contexts" }

// ResolvedContext is a context joined with its subject row.
type ResolvedContext struct {
	TransactionContext
	Subject Subject
}

// Grant is a request to attach a context to a transaction.
type Grant struct {
	TransactionID snowflake.ID
	OrgID         snowflake.ID
	AccessLevel   AccessLevel
	Relationship  Relationship
	Subject       Subject
}
