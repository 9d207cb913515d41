package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xray-back/internal/logger"
)

func TestUserCreateAndLookup(t *testing.T) {
	db := newTestDB(t)
	users := NewUserService(db, logger.NewNop())
	ctx := context.Background()

	phone := "+621234"
	created, err := users.Create(ctx, "Dr. X", "x@h.com", &phone)
	require.NoError(t, err)
	assert.NotZero(t, created.ID)
	assert.True(t, created.IsActive)

	byID, err := users.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "Dr. X", byID.Name)

	byEmail, err := users.GetByEmail(ctx, "x@h.com")
	require.NoError(t, err)
	assert.Equal(t, created.ID, byEmail.ID)
	require.NotNil(t, byEmail.Phone)
	assert.Equal(t, phone, *byEmail.Phone)
}

func TestUserDuplicateEmail(t *testing.T) {
	db := newTestDB(t)
	users := NewUserService(db, logger.NewNop())
	ctx := context.Background()

	_, err := users.Create(ctx, "A", "dup@h.com", nil)
	require.NoError(t, err)

	_, err = users.Create(ctx, "B", "dup@h.com", nil)
	assert.ErrorIs(t, err, ErrDuplicateEmail)
}

func TestUserNotFound(t *testing.T) {
	db := newTestDB(t)
	users := NewUserService(db, logger.NewNop())
	ctx := context.Background()

	_, err := users.Get(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = users.GetByEmail(ctx, "nobody@h.com")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListActiveSkipsDeactivated(t *testing.T) {
	db := newTestDB(t)
	users := NewUserService(db, logger.NewNop())
	ctx := context.Background()

	active, err := users.Create(ctx, "Active", "active@h.com", nil)
	require.NoError(t, err)
	inactive, err := users.Create(ctx, "Inactive", "inactive@h.com", nil)
	require.NoError(t, err)
	require.NoError(t, db.Model(inactive).Update("is_active", false).Error)

	list, err := users.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, active.ID, list[0].ID)
}
