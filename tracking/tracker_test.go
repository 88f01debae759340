package tracking

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camden-git/footfallbackend/database"
	"github.com/camden-git/footfallbackend/models"
	"github.com/camden-git/footfallbackend/repository"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func person(cx, cy, score float64) models.Detection {
	return models.Detection{
		Class: models.PersonClass,
		Score: score,
		Box:   models.BoundingBox{X: cx - 50, Y: cy - 50, Width: 100, Height: 100},
	}
}

func newTracker(t *testing.T) (*Tracker, *repository.CustomerRepository) {
	t.Helper()
	repo := repository.NewCustomerRepository(database.OpenTestDB(t))
	return NewTracker("stream-1", repo, DefaultConfig()), repo
}

func TestTracker_CensusScenario(t *testing.T) {
	tr, repo := newTracker(t)
	ctx := context.Background()

	// a person appears
	res, err := tr.Process(ctx, t0, []models.Detection{person(100, 100, 0.9)})
	require.NoError(t, err)
	require.Len(t, res.Matches, 1)
	assert.True(t, res.Matches[0].New)
	first := res.Matches[0].CustomerID

	active, err := repo.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, models.Point{X: 100, Y: 100}, active[0].Position)

	// moves 50px, same identity
	res, err = tr.Process(ctx, t0.Add(100*time.Millisecond), []models.Detection{person(150, 100, 0.9)})
	require.NoError(t, err)
	require.Len(t, res.Matches, 1)
	assert.False(t, res.Matches[0].New)
	assert.Equal(t, first, res.Matches[0].CustomerID)

	got, err := repo.GetByID(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, models.Point{X: 150, Y: 100}, got.Position)
	assert.Len(t, got.PositionHistory, 2)

	// a second person far away
	res, err = tr.Process(ctx, t0.Add(200*time.Millisecond), []models.Detection{
		person(150, 100, 0.9),
		person(300, 100, 0.8),
	})
	require.NoError(t, err)
	require.Len(t, res.Matches, 2)
	assert.Equal(t, first, res.Matches[0].CustomerID)
	assert.True(t, res.Matches[1].New)
	second := res.Matches[1].CustomerID
	assert.Equal(t, 1, res.Created())

	all, err := repo.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	// the first person leaves; the second stays in view
	leftAt := t0.Add(2201 * time.Millisecond)
	res, err = tr.Process(ctx, leftAt, []models.Detection{person(300, 100, 0.8)})
	require.NoError(t, err)
	assert.Equal(t, []string{first}, res.Deactivated)
	assert.Equal(t, []string{second}, tr.Tracked())

	got, err = repo.GetByID(ctx, first)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
	assert.True(t, got.LastSeen.Equal(leftAt))

	// returning near the old spot creates a fresh identity
	res, err = tr.Process(ctx, leftAt.Add(100*time.Millisecond), []models.Detection{
		person(300, 100, 0.8),
		person(150, 100, 0.7),
	})
	require.NoError(t, err)
	require.Len(t, res.Matches, 2)
	assert.True(t, res.Matches[1].New)
	assert.NotEqual(t, first, res.Matches[1].CustomerID)
	assert.NotEqual(t, second, res.Matches[1].CustomerID)

	got, err = repo.GetByID(ctx, first)
	require.NoError(t, err)
	assert.False(t, got.IsActive, "deactivated customers stay inactive")
}

func TestTracker_TimeoutBoundary(t *testing.T) {
	ctx := context.Background()

	t.Run("exactly the timeout keeps the identity", func(t *testing.T) {
		tr, repo := newTracker(t)
		res, err := tr.Process(ctx, t0, []models.Detection{person(100, 100, 0.9)})
		require.NoError(t, err)
		id := res.Matches[0].CustomerID

		res, err = tr.Process(ctx, t0.Add(2000*time.Millisecond), nil)
		require.NoError(t, err)
		assert.Empty(t, res.Deactivated)

		got, err := repo.GetByID(ctx, id)
		require.NoError(t, err)
		assert.True(t, got.IsActive)
	})

	t.Run("one millisecond past deactivates", func(t *testing.T) {
		tr, repo := newTracker(t)
		res, err := tr.Process(ctx, t0, []models.Detection{person(100, 100, 0.9)})
		require.NoError(t, err)
		id := res.Matches[0].CustomerID

		res, err = tr.Process(ctx, t0.Add(2001*time.Millisecond), nil)
		require.NoError(t, err)
		assert.Equal(t, []string{id}, res.Deactivated)
		assert.Zero(t, tr.Len())

		got, err := repo.GetByID(ctx, id)
		require.NoError(t, err)
		assert.False(t, got.IsActive)
	})

	t.Run("rematch before expiry extends the window", func(t *testing.T) {
		tr, repo := newTracker(t)
		res, err := tr.Process(ctx, t0, []models.Detection{person(100, 100, 0.9)})
		require.NoError(t, err)
		id := res.Matches[0].CustomerID

		_, err = tr.Process(ctx, t0.Add(1999*time.Millisecond), []models.Detection{person(110, 100, 0.9)})
		require.NoError(t, err)

		res, err = tr.Process(ctx, t0.Add(3500*time.Millisecond), nil)
		require.NoError(t, err)
		assert.Empty(t, res.Deactivated)

		got, err := repo.GetByID(ctx, id)
		require.NoError(t, err)
		assert.True(t, got.IsActive)
	})

	t.Run("late match in the same batch saves an expired identity", func(t *testing.T) {
		tr, _ := newTracker(t)
		res, err := tr.Process(ctx, t0, []models.Detection{person(100, 100, 0.9)})
		require.NoError(t, err)
		id := res.Matches[0].CustomerID

		res, err = tr.Process(ctx, t0.Add(5*time.Second), []models.Detection{person(120, 100, 0.9)})
		require.NoError(t, err)
		assert.Empty(t, res.Deactivated)
		require.Len(t, res.Matches, 1)
		assert.Equal(t, id, res.Matches[0].CustomerID)
	})
}

func TestTracker_Filter(t *testing.T) {
	tr, repo := newTracker(t)
	ctx := context.Background()

	res, err := tr.Process(ctx, t0, []models.Detection{
		{Class: "dog", Score: 0.99, Box: models.BoundingBox{X: 0, Y: 0, Width: 10, Height: 10}},
		person(500, 500, 0.49),
		person(100, 100, 0.5),
	})
	require.NoError(t, err)
	require.Len(t, res.Matches, 1, "only the person at the threshold is tracked")
	assert.Equal(t, 0.5, res.Matches[0].Score)

	all, err := repo.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestTracker_HigherScoresClaimFirst(t *testing.T) {
	tr, _ := newTracker(t)
	ctx := context.Background()

	_, err := tr.Process(ctx, t0, []models.Detection{person(100, 100, 0.9)})
	require.NoError(t, err)

	res, err := tr.Process(ctx, t0.Add(100*time.Millisecond), []models.Detection{
		person(400, 400, 0.6),
		person(130, 100, 0.95),
		person(420, 400, 0.6),
	})
	require.NoError(t, err)
	require.Len(t, res.Matches, 3)
	assert.Equal(t, 0.95, res.Matches[0].Score)
	assert.False(t, res.Matches[0].New)

	// equal scores keep input order; the second low score lands near the first
	assert.Equal(t, models.Point{X: 400, Y: 400}, res.Matches[1].Position)
	assert.True(t, res.Matches[1].New)
	assert.Equal(t, models.Point{X: 420, Y: 400}, res.Matches[2].Position)
	assert.False(t, res.Matches[2].New, "identities claimed earlier in the batch stay candidates")
	assert.Equal(t, res.Matches[1].CustomerID, res.Matches[2].CustomerID)
}

func TestTracker_MatchRadiusIsExclusive(t *testing.T) {
	tr, _ := newTracker(t)
	ctx := context.Background()

	_, err := tr.Process(ctx, t0, []models.Detection{person(100, 100, 0.9)})
	require.NoError(t, err)

	res, err := tr.Process(ctx, t0.Add(100*time.Millisecond), []models.Detection{person(200, 100, 0.9)})
	require.NoError(t, err)
	require.Len(t, res.Matches, 1)
	assert.True(t, res.Matches[0].New, "a distance of exactly the radius is not a match")
}

func TestTracker_TiesGoToOlderIdentity(t *testing.T) {
	tr, _ := newTracker(t)
	ctx := context.Background()

	res, err := tr.Process(ctx, t0, []models.Detection{
		person(100, 100, 0.9),
		person(260, 100, 0.8),
	})
	require.NoError(t, err)
	require.Len(t, res.Matches, 2)
	older := res.Matches[0].CustomerID

	for i := 0; i < 5; i++ {
		res, err = tr.Process(ctx, t0.Add(time.Duration(i+1)*100*time.Millisecond), []models.Detection{person(180, 100, 0.9)})
		require.NoError(t, err)
		require.Len(t, res.Matches, 1)
		assert.Equal(t, older, res.Matches[0].CustomerID)
		// move it back so the tie repeats
		_, err = tr.Process(ctx, t0.Add(time.Duration(i+1)*100*time.Millisecond+time.Millisecond), []models.Detection{person(100, 100, 0.9), person(260, 100, 0.8)})
		require.NoError(t, err)
	}
}

func TestTracker_Flush(t *testing.T) {
	tr, repo := newTracker(t)
	ctx := context.Background()

	_, err := tr.Process(ctx, t0, []models.Detection{person(100, 100, 0.9), person(400, 100, 0.9)})
	require.NoError(t, err)
	require.Equal(t, 2, tr.Len())

	flushed, err := tr.Flush(ctx, t0.Add(time.Second))
	require.NoError(t, err)
	assert.Len(t, flushed, 2)
	assert.Zero(t, tr.Len())

	active, err := repo.ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	res, err := tr.Process(ctx, t0.Add(2*time.Second), []models.Detection{person(100, 100, 0.9)})
	require.NoError(t, err)
	require.Len(t, res.Matches, 1)
	assert.True(t, res.Matches[0].New)
}

type failingStore struct {
	Store
	failCreate     bool
	failDeactivate bool
}

var errStore = errors.New("store unavailable")

func (f *failingStore) Create(ctx context.Context, streamID string, p models.Point, box models.BoundingBox, now time.Time) (*models.Customer, error) {
	if f.failCreate {
		return nil, errStore
	}
	return f.Store.Create(ctx, streamID, p, box, now)
}

func (f *failingStore) Deactivate(ctx context.Context, id string, now time.Time) error {
	if f.failDeactivate {
		return errStore
	}
	return f.Store.Deactivate(ctx, id, now)
}

func TestTracker_StoreErrors(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewCustomerRepository(database.OpenTestDB(t))

	t.Run("failed create is not tracked", func(t *testing.T) {
		store := &failingStore{Store: repo, failCreate: true}
		tr := NewTracker("s", store, DefaultConfig())

		res, err := tr.Process(ctx, t0, []models.Detection{person(100, 100, 0.9)})
		assert.ErrorIs(t, err, errStore)
		assert.Empty(t, res.Matches)
		assert.Zero(t, tr.Len())
	})

	t.Run("failed deactivate is retried on the next pass", func(t *testing.T) {
		store := &failingStore{Store: repo}
		tr := NewTracker("s", store, DefaultConfig())

		res, err := tr.Process(ctx, t0, []models.Detection{person(100, 100, 0.9)})
		require.NoError(t, err)
		id := res.Matches[0].CustomerID

		store.failDeactivate = true
		res, err = tr.Process(ctx, t0.Add(3*time.Second), nil)
		assert.ErrorIs(t, err, errStore)
		assert.Empty(t, res.Deactivated)
		assert.Equal(t, 1, tr.Len())

		store.failDeactivate = false
		res, err = tr.Process(ctx, t0.Add(3100*time.Millisecond), nil)
		require.NoError(t, err)
		assert.Equal(t, []string{id}, res.Deactivated)
	})
}

func TestNewTracker_Defaults(t *testing.T) {
	tr := NewTracker("s", nil, Config{})
	assert.Equal(t, DefaultConfig(), tr.cfg)

	custom := NewTracker("s", nil, Config{MatchRadius: 40, Timeout: time.Second})
	assert.Equal(t, 40.0, custom.cfg.MatchRadius)
	assert.Equal(t, time.Second, custom.cfg.Timeout)
	assert.Equal(t, models.PersonClass, custom.cfg.Class)
}
