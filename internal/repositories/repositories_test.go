package repositories

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/pulseboard/pulseboard/internal/db"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	require.NoError(t, db.InitEncryption([]byte("0123456789abcdef0123456789abcdef")))

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	database, err := db.New(db.Config{
		Driver: "sqlite",
		DSN:    fmt.Sprintf("file:%s?mode=memory&cache=shared", name),
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(database) })
	return database
}

func createUser(t *testing.T, repo UserRepository, email string) *db.User {
	t.Helper()
	u := &db.User{Email: email, Password: "hash", DisplayName: email, IsActive: true}
	require.NoError(t, repo.Create(context.Background(), u))
	return u
}

func TestUserRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewUserRepository(newTestDB(t))

	u := createUser(t, repo, "ada@example.com")

	got, err := repo.GetByEmail(ctx, "ada@example.com")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)
	assert.Equal(t, db.EncryptedString("hash"), got.Password)

	_, err = repo.GetByEmail(ctx, "nobody@example.com")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = repo.GetByID(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)

	err = repo.Create(ctx, &db.User{Email: "ada@example.com", Password: "x", DisplayName: "dup"})
	assert.ErrorIs(t, err, ErrConflict)

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, repo.TouchLogin(ctx, u.ID, now))
	got, err = repo.GetByID(ctx, u.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastLoginAt)
	assert.True(t, now.Equal(got.LastLoginAt.UTC()))

	assert.ErrorIs(t, repo.TouchLogin(ctx, uuid.New(), now), ErrNotFound)
}

func TestRefreshTokenRepository(t *testing.T) {
	ctx := context.Background()
	database := newTestDB(t)
	users := NewUserRepository(database)
	repo := NewRefreshTokenRepository(database)
	u := createUser(t, users, "ada@example.com")

	now := time.Now()
	require.NoError(t, repo.Create(ctx, &db.RefreshToken{UserID: u.ID, TokenHash: "live", ExpiresAt: now.Add(time.Hour)}))
	require.NoError(t, repo.Create(ctx, &db.RefreshToken{UserID: u.ID, TokenHash: "old", ExpiresAt: now.Add(-time.Hour)}))

	got, err := repo.GetByHash(ctx, "live")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.UserID)

	n, err := repo.DeleteExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	_, err = repo.GetByHash(ctx, "old")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, repo.RevokeAllForUser(ctx, u.ID))
	_, err = repo.GetByHash(ctx, "live")
	assert.ErrorIs(t, err, ErrNotFound, "revoked tokens are not returned")

	require.NoError(t, repo.DeleteByHash(ctx, "live"))
	require.NoError(t, repo.DeleteByHash(ctx, "never-existed"))
}

func TestDashboardRepository_OwnerScoping(t *testing.T) {
	ctx := context.Background()
	database := newTestDB(t)
	users := NewUserRepository(database)
	repo := NewDashboardRepository(database)

	alice := createUser(t, users, "alice@example.com")
	bob := createUser(t, users, "bob@example.com")

	dash := &db.Dashboard{OwnerID: alice.ID, Name: "Plant floor", Layout: `{"cols":12}`}
	require.NoError(t, repo.Create(ctx, dash))

	got, err := repo.GetForOwner(ctx, dash.ID, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, "Plant floor", got.Name)

	_, err = repo.GetForOwner(ctx, dash.ID, bob.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	stolen := *dash
	stolen.OwnerID = bob.ID
	stolen.Name = "mine now"
	assert.ErrorIs(t, repo.Update(ctx, &stolen), ErrNotFound)
	assert.ErrorIs(t, repo.Delete(ctx, dash.ID, bob.ID), ErrNotFound)

	dash.Name = "Plant floor (east)"
	require.NoError(t, repo.Update(ctx, dash))
	got, err = repo.GetForOwner(ctx, dash.ID, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, "Plant floor (east)", got.Name)

	list, total, err := repo.ListByOwner(ctx, bob.ID, ListOptions{Limit: 10})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, list)

	require.NoError(t, repo.Delete(ctx, dash.ID, alice.ID))
	_, err = repo.GetForOwner(ctx, dash.ID, alice.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDashboardRepository_ListPagination(t *testing.T) {
	ctx := context.Background()
	database := newTestDB(t)
	users := NewUserRepository(database)
	repo := NewDashboardRepository(database)
	owner := createUser(t, users, "owner@example.com")

	for i := 0; i < 5; i++ {
		require.NoError(t, repo.Create(ctx, &db.Dashboard{OwnerID: owner.ID, Name: fmt.Sprintf("d%d", i)}))
	}

	page, total, err := repo.ListByOwner(ctx, owner.ID, ListOptions{Limit: 2, Offset: 0})
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	assert.Len(t, page, 2)

	all, _, err := repo.ListByOwner(ctx, owner.ID, ListOptions{})
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestWidgetRepository(t *testing.T) {
	ctx := context.Background()
	database := newTestDB(t)
	users := NewUserRepository(database)
	dashboards := NewDashboardRepository(database)
	repo := NewWidgetRepository(database)

	alice := createUser(t, users, "alice@example.com")
	bob := createUser(t, users, "bob@example.com")
	d1 := &db.Dashboard{OwnerID: alice.ID, Name: "one"}
	d2 := &db.Dashboard{OwnerID: alice.ID, Name: "two"}
	other := &db.Dashboard{OwnerID: bob.ID, Name: "bob's"}
	for _, d := range []*db.Dashboard{d1, d2, other} {
		require.NoError(t, dashboards.Create(ctx, d))
	}

	w1 := &db.Widget{DashboardID: d1.ID, Kind: "line", Title: "Temp", StreamID: "temp-sensor-1", Position: 1}
	w2 := &db.Widget{DashboardID: d1.ID, Kind: "gauge", Title: "Humidity", StreamID: "hum-1", Position: 0}
	w3 := &db.Widget{DashboardID: d2.ID, Kind: "stat", Title: "Temp again", StreamID: "temp-sensor-1"}
	w4 := &db.Widget{DashboardID: other.ID, Kind: "stat", Title: "Secret", StreamID: "bob-only"}
	for _, w := range []*db.Widget{w1, w2, w3, w4} {
		require.NoError(t, repo.Create(ctx, w))
	}

	list, err := repo.ListByDashboard(ctx, d1.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "Humidity", list[0].Title)

	ids, err := repo.StreamIDs(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"hum-1", "temp-sensor-1"}, ids)

	_, err = repo.GetByID(ctx, w1.ID, d2.ID)
	assert.ErrorIs(t, err, ErrNotFound, "widget must be addressed through its own dashboard")

	w1.Title = "Temperature"
	require.NoError(t, repo.Update(ctx, w1))
	got, err := repo.GetByID(ctx, w1.ID, d1.ID)
	require.NoError(t, err)
	assert.Equal(t, "Temperature", got.Title)

	require.NoError(t, repo.Delete(ctx, w1.ID, d1.ID))
	assert.ErrorIs(t, repo.Delete(ctx, w1.ID, d1.ID), ErrNotFound)

	require.NoError(t, dashboards.Delete(ctx, d2.ID, alice.ID))
	_, err = repo.GetByID(ctx, w3.ID, d2.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}
