//go:build integration

package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/gosight/pulse/internal/model"
)

func startPostgres(t *testing.T) *Postgres {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("pulse"),
		postgres.WithUsername("pulse"),
		postgres.WithPassword("pulse"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgContainer.Terminate(ctx) })

	dsn, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pg, err := NewPostgres(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pg.Close)

	require.NoError(t, Migrate(pg.Pool()))
	require.NoError(t, Migrate(pg.Pool()), "migrations must be re-runnable")
	return pg
}

func TestPostgres_Pipeline(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()
	pg := startPostgres(t)
	require.NoError(t, pg.CreateProject(ctx, "proj_1", "Test"))

	t.Run("missing projects", func(t *testing.T) {
		missing, err := pg.MissingProjects(ctx, []string{"proj_1", "proj_unknown"})
		require.NoError(t, err)
		assert.Equal(t, []string{"proj_unknown"}, missing)
	})

	var deviceID, geoID, refID string

	t.Run("concurrent device upserts yield one row", func(t *testing.T) {
		d := model.Device{ProjectID: "proj_1", Browser: "Firefox", OS: "Linux", DeviceType: model.DeviceDesktop}
		ids := make([]string, 20)
		var wg sync.WaitGroup
		for i := range ids {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				id, err := pg.UpsertDevice(ctx, d)
				assert.NoError(t, err)
				ids[i] = id
			}(i)
		}
		wg.Wait()

		for _, id := range ids {
			assert.Equal(t, ids[0], id)
		}
		var count int
		require.NoError(t, pg.Pool().QueryRow(ctx, `SELECT COUNT(*) FROM devices`).Scan(&count))
		assert.Equal(t, 1, count)
		deviceID = ids[0]
	})

	t.Run("geo and referrer upserts", func(t *testing.T) {
		var err error
		geoID, err = pg.UpsertGeo(ctx, model.Geo{ProjectID: "proj_1", Country: "Unknown"})
		require.NoError(t, err)
		tz := "Asia/Tokyo"
		again, err := pg.UpsertGeo(ctx, model.Geo{ProjectID: "proj_1", Country: "Unknown", Timezone: &tz})
		require.NoError(t, err)
		assert.Equal(t, geoID, again)

		var stored *string
		require.NoError(t, pg.Pool().QueryRow(ctx, `SELECT timezone FROM geos WHERE id = $1`, geoID).Scan(&stored))
		assert.Nil(t, stored)

		refID, err = pg.UpsertReferrer(ctx, model.Referrer{ProjectID: "proj_1", Domain: "google.com", URL: "https://google.com/a"})
		require.NoError(t, err)
		again, err = pg.UpsertReferrer(ctx, model.Referrer{ProjectID: "proj_1", Domain: "google.com", URL: "https://google.com/b"})
		require.NoError(t, err)
		assert.Equal(t, refID, again)
	})

	t.Run("session stitching", func(t *testing.T) {
		start := time.Now().UTC().Add(-time.Hour).Truncate(time.Millisecond)

		_, err := pg.FindSession(ctx, "sess_1")
		require.ErrorIs(t, err, ErrNotFound)

		created, err := pg.CreateSession(ctx, model.Session{
			SessionID: "sess_1", ProjectID: "proj_1", EntryPage: "/page1", ExitPage: "/page1",
			DeviceID: deviceID, ReferrerID: &refID, GeoID: geoID,
			PageViews: 1, IsBounce: true, StartedAt: start, LastSeenAt: start,
		})
		require.NoError(t, err)
		assert.True(t, created.IsBounce)
		require.NotNil(t, created.ReferrerID)
		assert.Equal(t, refID, *created.ReferrerID)

		_, err = pg.CreateSession(ctx, model.Session{
			SessionID: "sess_1", ProjectID: "proj_1", EntryPage: "/x", ExitPage: "/x",
			DeviceID: deviceID, GeoID: geoID, PageViews: 1, IsBounce: true, StartedAt: start, LastSeenAt: start,
		})
		require.ErrorIs(t, err, ErrSessionExists)

		cont, err := pg.ContinueSession(ctx, "sess_1", "/page2", start.Add(2*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 2, cont.PageViews)
		assert.False(t, cont.IsBounce)
		assert.Equal(t, "/page1", cont.EntryPage)
		assert.Equal(t, "/page2", cont.ExitPage)

		_, err = pg.AppendEvent(ctx, model.Event{ProjectID: "proj_1", SessionID: "sess_1", Type: model.EventTypePageview, Path: "/page2", URL: "https://a.test/page2", Timestamp: start})
		require.NoError(t, err)

		closed, err := pg.CloseIdleSessions(ctx, time.Now().Add(-30*time.Minute))
		require.NoError(t, err)
		require.Len(t, closed, 1)
		require.NotNil(t, closed[0].DurationMs)
		assert.Equal(t, (2 * time.Minute).Milliseconds(), *closed[0].DurationMs)

		reopened, err := pg.ContinueSession(ctx, "sess_1", "/page3", time.Now())
		require.NoError(t, err)
		assert.Nil(t, reopened.EndedAt)
		assert.Nil(t, reopened.DurationMs)
		assert.Equal(t, 3, reopened.PageViews)
	})
}

func TestProjectCache_CachesKnownProjects(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: endpoint})
	t.Cleanup(func() { _ = rdb.Close() })

	backing := &countingChecker{Memory: NewMemory("p1")}
	cache := NewProjectCache(backing, rdb, time.Minute)

	missing, err := cache.MissingProjects(ctx, []string{"p1", "p2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"p2"}, missing)
	assert.Equal(t, 1, backing.calls)

	missing, err = cache.MissingProjects(ctx, []string{"p1"})
	require.NoError(t, err)
	assert.Empty(t, missing)
	assert.Equal(t, 1, backing.calls, "known project must be served from cache")

	backing.AddProject("p2")
	missing, err = cache.MissingProjects(ctx, []string{"p2"})
	require.NoError(t, err)
	assert.Empty(t, missing)
	assert.Equal(t, 2, backing.calls, "unknown projects are not cached")

	ttl, err := rdb.TTL(ctx, "project:p1").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}

type countingChecker struct {
	*Memory
	calls int
}

func (c *countingChecker) MissingProjects(ctx context.Context, ids []string) ([]string, error) {
	c.calls++
	return c.Memory.MissingProjects(ctx, ids)
}
