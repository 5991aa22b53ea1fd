package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/scrapctl/dispatcher/internal/domain"
)

// GetClient fetches a tenant identity by ID.
func (s *TaskStore) GetClient(ctx context.Context, clientID string) (domain.Client, error) {
	ctx, sp := s.span(ctx, "GetClient", "clients")
	defer sp.End()

	var c domain.Client
	row := s.Pool.QueryRow(ctx, `
		SELECT id, name, email, api_key_hash, status, metadata, created_at, updated_at
		FROM clients WHERE id = $1`, clientID)
	err := row.Scan(&c.ID, &c.Name, &c.Email, &c.APIKeyHash, &c.Status, &c.Metadata, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Client{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Client{}, fmt.Errorf("op=client.Get: %w", err)
	}
	return c, nil
}
