package service

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/casbin/casbin/v2"
	"github.com/coursivo/tally/internal/clock"
	"github.com/coursivo/tally/internal/txcontext/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Enforcer *casbin.Enforcer
}

// Resolver grants and resolves per-transaction access contexts. Each
// grant writes a base row and a subject subtype row; the matching
// casbin policies are flushed after the surrounding transaction
// commits, so authorization checks stay a single Enforce call.
type Resolver struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	enforcer *casbin.Enforcer
}

func NewResolver(p Params) *Resolver {
	return &Resolver{
		db:       p.DB,
		log:      p.Log.Named("txcontext.resolver"),
		genID:    p.GenID,
		clock:    p.Clock,
		enforcer: p.Enforcer,
	}
}

var subtypeTables = map[domain.SubjectKind]struct {
	table  string
	column string
}{
	domain.SubjectUser:         {table: "transaction_context_users", column: "user_id"},
	domain.SubjectEmployee:     {table: "transaction_context_employees", column: "employee_id"},
	domain.SubjectMember:       {table: "transaction_context_members", column: "member_id"},
	domain.SubjectOrganization: {table: "transaction_context_orgs", column: "grantee_org_id"},
}

// GrantTx attaches a context inside the caller's transaction. The
// grant is not enforceable until EnsurePolicies runs after commit.
func (r *Resolver) GrantTx(ctx context.Context, tx *gorm.DB, grant domain.Grant) (*domain.TransactionContext, error) {
	if err := grant.Subject.Validate(); err != nil {
		return nil, err
	}
	if !grant.AccessLevel.Valid() {
		return nil, domain.ErrInvalidAccessLevel
	}
	subtype, ok := subtypeTables[grant.Subject.Kind]
	if !ok {
		return nil, domain.ErrInvalidSubject
	}

	row := domain.TransactionContext{
		ID:            r.genID.Generate(),
		TransactionID: grant.TransactionID,
		OrgID:         grant.OrgID,
		SubjectKind:   grant.Subject.Kind,
		AccessLevel:   grant.AccessLevel,
		Relationship:  grant.Relationship,
		CreatedAt:     r.clock.Now(),
	}
	if err := tx.WithContext(ctx).Exec(
		`INSERT INTO transaction_contexts (id, transaction_id, org_id, subject_kind, access_level, relationship, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		row.ID, row.TransactionID, row.OrgID, row.SubjectKind,
		row.AccessLevel, row.Relationship, row.CreatedAt,
	).Error; err != nil {
		return nil, err
	}

	if err := tx.WithContext(ctx).Exec(
		fmt.Sprintf(`INSERT INTO %s (context_id, %s) VALUES (?, ?)`, subtype.table, subtype.column),
		row.ID, grant.Subject.ID(),
	).Error; err != nil {
		return nil, err
	}

	return &row, nil
}

// EnsurePolicies records casbin policies for grants whose rows have
// committed. The enforcer's adapter writes on its own connection, so
// policy rows must never be created inside a caller transaction that
// could still roll back; callers flush them after commit. AddPolicy
// reports false for an existing rule, which makes replays safe.
// Restricted grants record involvement without any readable action.
func (r *Resolver) EnsurePolicies(ctx context.Context, grants []domain.Grant) error {
	for _, grant := range grants {
		action := policyAction(grant.AccessLevel)
		if action == "" {
			continue
		}
		if _, err := r.enforcer.AddPolicy(
			grant.Subject.PolicySubject(),
			policyObject(grant.TransactionID),
			action,
		); err != nil {
			return err
		}
	}
	return nil
}

// SyncTransactionPolicies re-derives policies from the committed
// context rows of a transaction. Used on finalize replays to repair a
// crash between commit and the policy flush.
func (r *Resolver) SyncTransactionPolicies(ctx context.Context, orgID, transactionID snowflake.ID) error {
	resolved, err := r.ListForTransaction(ctx, orgID, transactionID)
	if err != nil {
		return err
	}
	grants := make([]domain.Grant, 0, len(resolved))
	for _, row := range resolved {
		grants = append(grants, domain.Grant{
			TransactionID: row.TransactionID,
			OrgID:         row.OrgID,
			AccessLevel:   row.AccessLevel,
			Relationship:  row.Relationship,
			Subject:       row.Subject,
		})
	}
	return r.EnsurePolicies(ctx, grants)
}

// ListForTransaction resolves every context on a transaction, subjects
// included.
func (r *Resolver) ListForTransaction(ctx context.Context, orgID, transactionID snowflake.ID) ([]domain.ResolvedContext, error) {
	type flatRow struct {
		domain.TransactionContext `gorm:"embedded"`
		UserID                    snowflake.ID
		EmployeeID                snowflake.ID
		MemberID                  snowflake.ID
		GranteeOrgID              snowflake.ID
	}
	var flat []flatRow
	err := r.db.WithContext(ctx).Raw(
		`SELECT c.id, c.transaction_id, c.org_id, c.subject_kind, c.access_level,
		        c.relationship, c.created_at,
		        COALESCE(u.user_id, 0) AS user_id,
		        COALESCE(e.employee_id, 0) AS employee_id,
		        COALESCE(m.member_id, 0) AS member_id,
		        COALESCE(o.grantee_org_id, 0) AS grantee_org_id
		 FROM transaction_contexts c
		 LEFT JOIN transaction_context_users u ON u.context_id = c.id
		 LEFT JOIN transaction_context_employees e ON e.context_id = c.id
		 LEFT JOIN transaction_context_members m ON m.context_id = c.id
		 LEFT JOIN transaction_context_orgs o ON o.context_id = c.id
		 WHERE c.org_id = ? AND c.transaction_id = ?
		 ORDER BY c.id`,
		orgID,
		transactionID,
	).Scan(&flat).Error
	if err != nil {
		return nil, err
	}

	resolved := make([]domain.ResolvedContext, 0, len(flat))
	for _, row := range flat {
		resolved = append(resolved, domain.ResolvedContext{
			TransactionContext: row.TransactionContext,
			Subject: domain.Subject{
				Kind:         row.SubjectKind,
				UserID:       row.UserID,
				EmployeeID:   row.EmployeeID,
				MemberID:     row.MemberID,
				GranteeOrgID: row.GranteeOrgID,
			},
		})
	}
	return resolved, nil
}

// Authorize reports whether the subject may perform the action on the
// transaction. Actions are "read" and "read_summary"; a full grant
// covers both.
func (r *Resolver) Authorize(ctx context.Context, subject domain.Subject, transactionID snowflake.ID, action string) (bool, error) {
	if err := subject.Validate(); err != nil {
		return false, err
	}
	return r.enforcer.Enforce(subject.PolicySubject(), policyObject(transactionID), action)
}

func policyObject(transactionID snowflake.ID) string {
	return "transaction:" + transactionID.String()
}

func policyAction(level domain.AccessLevel) string {
	switch level {
	case domain.AccessFull:
		return "*"
	case domain.AccessViewer:
		return "read"
	case domain.AccessSummary:
		return "read_summary"
	default:
		return ""
	}
}
