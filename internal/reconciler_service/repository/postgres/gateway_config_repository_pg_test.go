package postgres_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/savannahwave/isp-platform/internal/reconciler_service/domain"
	"github.com/savannahwave/isp-platform/internal/reconciler_service/repository/postgres"
)

func TestPgGatewayConfigRepository_GetActiveByRouting(t *testing.T) {
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mockPool.Close()

	repo := postgres.NewPgGatewayConfigRepository(mockPool, discardLogger())

	now := time.Now()
	rows := pgxmock.NewRows([]string{
		"id", "organization_id", "gateway", "routing_identifier", "api_key",
		"callback_token", "bill_ref_required", "is_active", "created_at", "updated_at",
	}).AddRow(
		"cfg-1", "org-1", domain.GatewayKopoKopo, "K112233", "api-key",
		"", false, true, now, now,
	)
	mockPool.ExpectQuery("FROM gateway_configurations").
		WithArgs(domain.GatewayKopoKopo, "K112233").
		WillReturnRows(rows)

	cfg, err := repo.GetActiveByRouting(context.Background(), domain.GatewayKopoKopo, "K112233")
	require.NoError(t, err)
	assert.Equal(t, "org-1", cfg.OrganizationID)
	assert.Equal(t, "api-key", cfg.APIKey)
	assert.True(t, cfg.IsActive)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPgGatewayConfigRepository_UnknownRouting(t *testing.T) {
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mockPool.Close()

	repo := postgres.NewPgGatewayConfigRepository(mockPool, discardLogger())

	mockPool.ExpectQuery("FROM gateway_configurations").
		WithArgs(domain.GatewayMpesaC2B, "999999").
		WillReturnError(pgx.ErrNoRows)

	_, err = repo.GetActiveByRouting(context.Background(), domain.GatewayMpesaC2B, "999999")
	assert.True(t, errors.Is(err, domain.ErrUnknownRoutingIdentifier))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}
