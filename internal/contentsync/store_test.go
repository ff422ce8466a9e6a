package contentsync

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func changeAt(id, title, updatedAt string) ChangeMessage {
	return ChangeMessage{
		Source:    "sanity",
		SourceID:  id,
		Type:      "article",
		Slug:      id,
		Title:     title,
		UpdatedAt: updatedAt,
	}
}

func TestMemoryStoreApplyIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	msg := changeAt("x1", "Hello", "2025-06-01T00:00:00Z")

	outcome, err := store.Apply(msg)
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, outcome)

	for i := 0; i < 5; i++ {
		outcome, err = store.Apply(msg)
		require.NoError(t, err)
		require.Equal(t, OutcomeDiscarded, outcome)
	}

	record, err := store.GetByID("sanity:x1", ReadPrimary)
	require.NoError(t, err)
	assert.Equal(t, "Hello", record.Title)
	assert.Equal(t, int64(1), record.Version, "redelivery must not bump the version")
}

func TestMemoryStoreOlderChangeLosesRegardlessOfOrder(t *testing.T) {
	older := changeAt("c1", "Old", "2025-01-01T00:00:00Z")
	newer := changeAt("c1", "New", "2025-01-02T00:00:00Z")

	store := NewMemoryStore()
	defer store.Close()

	outcome, err := store.Apply(newer)
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, outcome)

	outcome, err = store.Apply(older)
	require.NoError(t, err)
	require.Equal(t, OutcomeDiscarded, outcome)

	record, err := store.GetByID("sanity:c1", ReadPrimary)
	require.NoError(t, err)
	assert.Equal(t, "New", record.Title)
	assert.Equal(t, "2025-01-02T00:00:00Z", record.UpdatedAt)
	assert.Equal(t, int64(1), record.Version)
}

func TestMemoryStoreConvergesUnderArbitraryDeliveryOrder(t *testing.T) {
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	var msgs []ChangeMessage
	for i := 0; i < 20; i++ {
		msgs = append(msgs, changeAt("conv", fmt.Sprintf("rev-%d", i), base.Add(time.Duration(i)*time.Minute).Format(time.RFC3339)))
	}

	for seed := int64(0); seed < 5; seed++ {
		shuffled := append([]ChangeMessage(nil), msgs...)
		rand.New(rand.NewSource(seed)).Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})

		store := NewMemoryStore()
		for _, msg := range shuffled {
			_, err := store.Apply(msg)
			require.NoError(t, err)
		}

		record, err := store.GetByID("sanity:conv", ReadPrimary)
		require.NoError(t, err)
		assert.Equal(t, "rev-19", record.Title, "seed %d must converge on the newest revision", seed)
		store.Close()
	}
}

func TestMemoryStoreTombstoneHidesRecord(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	_, err := store.Apply(changeAt("t1", "Alive", "2025-05-01T00:00:00Z"))
	require.NoError(t, err)

	del := changeAt("t1", "Alive", "2025-05-02T00:00:00Z")
	del.Deleted = true
	outcome, err := store.Apply(del)
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, outcome)

	_, err = store.GetByID("sanity:t1", ReadPrimary)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetByID("sanity:t1", ReadReplica)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetBySlug("article", "t1", ReadReplica)
	assert.ErrorIs(t, err, ErrNotFound)

	// A change older than the tombstone stays dead.
	outcome, err = store.Apply(changeAt("t1", "Zombie", "2025-05-01T12:00:00Z"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDiscarded, outcome)

	// A genuinely newer change resurrects the record with a fresh body.
	outcome, err = store.Apply(changeAt("t1", "Back", "2025-05-03T00:00:00Z"))
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, outcome)

	record, err := store.GetByID("sanity:t1", ReadPrimary)
	require.NoError(t, err)
	assert.Equal(t, "Back", record.Title)
	assert.Nil(t, record.DeletedAt)
	assert.Equal(t, int64(3), record.Version)
}

func TestMemoryStoreDeleteOfUnknownRecordDiscards(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	del := changeAt("ghost", "", "2025-05-02T00:00:00Z")
	del.Deleted = true
	outcome, err := store.Apply(del)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDiscarded, outcome)
}

func TestMemoryStoreRejectsUnusableMessages(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	_, err := store.Apply(ChangeMessage{Source: "sanity", UpdatedAt: "2025-01-01T00:00:00Z"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = store.Apply(changeAt("bad-ts", "x", "not-a-timestamp"))
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestMemoryStoreSlugCollisionPrefersNewest(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	first := changeAt("a1", "First", "2025-01-01T00:00:00Z")
	first.Slug = "shared"
	second := changeAt("a2", "Second", "2025-02-01T00:00:00Z")
	second.Slug = "shared"

	_, err := store.Apply(first)
	require.NoError(t, err)
	_, err = store.Apply(second)
	require.NoError(t, err)

	record, err := store.GetBySlug("article", "shared", ReadReplica)
	require.NoError(t, err)
	assert.Equal(t, "Second", record.Title)
}

func TestMemoryStoreReplicaLagsBehindPrimary(t *testing.T) {
	store := NewMemoryStoreWithOptions(MemoryStoreOptions{ReplicaLag: 50 * time.Millisecond})
	defer store.Close()

	_, err := store.Apply(changeAt("lag1", "Hello", "2025-06-01T00:00:00Z"))
	require.NoError(t, err)

	// Primary sees the write immediately.
	record, err := store.GetByID("sanity:lag1", ReadPrimary)
	require.NoError(t, err)
	assert.Equal(t, "Hello", record.Title)

	// The replica does not, until the lag elapses.
	_, err = store.GetByID("sanity:lag1", ReadReplica)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Eventually(t, func() bool {
		_, err := store.GetByID("sanity:lag1", ReadReplica)
		return err == nil
	}, time.Second, 10*time.Millisecond)
}

func TestMemoryStoreReplicaNeverRegresses(t *testing.T) {
	store := NewMemoryStoreWithOptions(MemoryStoreOptions{ReplicaLag: 20 * time.Millisecond})
	defer store.Close()

	_, err := store.Apply(changeAt("r1", "v1", "2025-06-01T00:00:00Z"))
	require.NoError(t, err)
	_, err = store.Apply(changeAt("r1", "v2", "2025-06-02T00:00:00Z"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		record, err := store.GetByID("sanity:r1", ReadReplica)
		return err == nil && record.Version == 2
	}, time.Second, 5*time.Millisecond)

	record, err := store.GetByID("sanity:r1", ReadReplica)
	require.NoError(t, err)
	assert.Equal(t, "v2", record.Title)
}

func TestMemoryStoreNotFound(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	_, err := store.GetByID("sanity:nope", ReadPrimary)
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = store.GetBySlug("article", "nope", ReadPrimary)
	assert.True(t, errors.Is(err, ErrNotFound))
}
