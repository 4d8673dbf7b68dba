package db

import (
	"context"
	"fmt"
)

// ─── Collaborators ───────────────────────────────────────────────────────────

func (s *sqlStore) UpsertCollaborator(ctx context.Context, rec *CollaboratorRecord) error {
	guidelines := rec.BrandGuidelines
	if guidelines == "" {
		guidelines = "{}"
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO collaborators (id, account_id, name, industry, brand_guidelines, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			industry = excluded.industry,
			brand_guidelines = excluded.brand_guidelines
	`), rec.ID, rec.AccountID, rec.Name, rec.Industry, guidelines, utc(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("upsert collaborator: %w", err)
	}
	return nil
}

func (s *sqlStore) DeleteCollaborator(ctx context.Context, accountID, id string) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM collaborators WHERE account_id = ? AND id = ?`), accountID, id)
	if err != nil {
		return fmt.Errorf("delete collaborator: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("delete collaborator %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *sqlStore) ListCollaborators(ctx context.Context, accountID string) ([]*CollaboratorRecord, error) {
	var recs []*CollaboratorRecord
	err := s.db.SelectContext(ctx, &recs, s.q(`
		SELECT id, account_id, name, industry, brand_guidelines, created_at
		FROM collaborators
		WHERE account_id = ?
		ORDER BY created_at ASC, id ASC
	`), accountID)
	if err != nil {
		return nil, fmt.Errorf("list collaborators: %w", err)
	}
	return recs, nil
}

// ─── Members ─────────────────────────────────────────────────────────────────

func (s *sqlStore) SetMember(ctx context.Context, rec *MemberRecord) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO account_members (account_id, user_id, role, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(account_id, user_id) DO UPDATE SET role = excluded.role
	`), rec.AccountID, rec.UserID, rec.Role, utc(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("set member: %w", err)
	}
	return nil
}

func (s *sqlStore) GetMemberRole(ctx context.Context, accountID, userID string) (string, error) {
	var role string
	err := s.db.GetContext(ctx, &role, s.q(`
		SELECT role FROM account_members WHERE account_id = ? AND user_id = ?
	`), accountID, userID)
	if err != nil {
		return "", fmt.Errorf("get member role: %w", notFound(err))
	}
	return role, nil
}
