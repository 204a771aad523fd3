package updateid

import (
	"path/filepath"
	"testing"
	"time"

	"ums-dlna/work/database"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestBumpDebouncesBursts(t *testing.T) {
	db := testDB(t)
	mock := clock.NewMock()
	counter := NewCounter(db, mock, 300*time.Millisecond)

	for i := 0; i < 10; i++ {
		counter.Bump()
		mock.Add(10 * time.Millisecond)
	}
	assert.Equal(t, int64(0), counter.Get(), "increment must not land inside the window")

	mock.Add(300 * time.Millisecond)
	assert.Equal(t, int64(1), counter.Get(), "a burst of 10 bumps is one increment")
}

func TestBumpIncrementsOncePerSettledCall(t *testing.T) {
	db := testDB(t)
	mock := clock.NewMock()
	counter := NewCounter(db, mock, 300*time.Millisecond)

	counter.Bump()
	mock.Add(350 * time.Millisecond)
	counter.Bump()
	mock.Add(350 * time.Millisecond)

	assert.Equal(t, int64(2), counter.Get())
}

func TestCounterWrapsAtUI4Ceiling(t *testing.T) {
	db := testDB(t)
	require.NoError(t, db.SaveUpdateID(2147483647))

	mock := clock.NewMock()
	counter := NewCounter(db, mock, 300*time.Millisecond)
	require.Equal(t, int64(2147483647), counter.Get())

	counter.Bump()
	mock.Add(300 * time.Millisecond)

	assert.Equal(t, int64(0), counter.Get(), "the counter wraps to zero, never negative")
}

func TestCounterRestoresPersistedValue(t *testing.T) {
	db := testDB(t)
	require.NoError(t, db.SaveUpdateID(41))

	mock := clock.NewMock()
	counter := NewCounter(db, mock, 300*time.Millisecond)

	counter.Bump()
	mock.Add(300 * time.Millisecond)
	assert.Equal(t, int64(42), counter.Get(), "the persisted value loads before the first increment")

	// the new value is persisted for the next process
	stored, found, err := db.LoadUpdateID()
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(42), stored)
}

func TestFreshDatabaseStartsAtZero(t *testing.T) {
	db := testDB(t)
	mock := clock.NewMock()
	counter := NewCounter(db, mock, 300*time.Millisecond)
	assert.Equal(t, int64(0), counter.Get())
}

func TestStopCancelsPendingIncrement(t *testing.T) {
	db := testDB(t)
	mock := clock.NewMock()
	counter := NewCounter(db, mock, 300*time.Millisecond)

	counter.Bump()
	counter.Stop()
	mock.Add(time.Second)

	assert.Equal(t, int64(0), counter.Get())
}
