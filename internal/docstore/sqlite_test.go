package docstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type sequenceIDs struct {
	mu     sync.Mutex
	prefix string
	next   int
}

func (p *sequenceIDs) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	return fmt.Sprintf("%s-%03d", p.prefix, p.next), nil
}

type stepClock struct {
	mu      sync.Mutex
	current time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(time.Second)
	return c.current
}

type rejectingValidator struct {
	collection string
}

func (v rejectingValidator) ValidateDocument(collection string, fields Fields) error {
	if collection == v.collection {
		if _, ok := fields["text"].(string); !ok {
			return errors.New("text must be a string")
		}
	}
	return nil
}

func newTestSQLStore(t *testing.T, cfg Config) *SQLStore {
	t.Helper()
	databasePath := filepath.Join(t.TempDir(), "documents.db")
	db, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if cfg.Clock == nil {
		clock := &stepClock{current: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
		cfg.Clock = clock.Now
	}
	if cfg.IDProvider == nil {
		cfg.IDProvider = &sequenceIDs{prefix: "doc"}
	}
	store, err := NewSQLStore(db, cfg)
	require.NoError(t, err)
	return store
}

func TestSQLStoreCreateGetAndDelete(t *testing.T) {
	store := newTestSQLStore(t, Config{})
	ctx := context.Background()

	created, err := store.CreateDocument(ctx, "posts", Fields{
		"uid":       "user-a",
		"text":      "hello",
		"likes":     []string{},
		"createdAt": ServerTimestamp,
	})
	require.NoError(t, err)
	assert.Equal(t, "doc-001", created.ID)
	assert.Equal(t, "2024-05-01T12:00:01.000000000Z", created.String("createdAt"))

	loaded, err := store.GetDocument(ctx, "posts", created.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", loaded.String("text"))
	assert.Equal(t, []any{}, loaded.Fields["likes"])
	assert.Equal(t, created.CreateTime, loaded.CreateTime)

	require.NoError(t, store.DeleteDocument(ctx, "posts", created.ID))
	_, err = store.GetDocument(ctx, "posts", created.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.DeleteDocument(ctx, "posts", created.ID), ErrNotFound)
}

func TestSQLStoreUpdateAppliesArrayMutationsAtomically(t *testing.T) {
	store := newTestSQLStore(t, Config{})
	ctx := context.Background()

	_, err := store.SetDocument(ctx, "posts", "post-1", Fields{"likes": []string{"a"}})
	require.NoError(t, err)

	updated, err := store.UpdateDocument(ctx, "posts", "post-1", ArrayUnion("likes", "b", "a"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, updated.Strings("likes"))

	updated, err = store.UpdateDocument(ctx, "posts", "post-1", ArrayRemove("likes", "a"), Set("text", "edited"))
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, updated.Strings("likes"))
	assert.Equal(t, "edited", updated.String("text"))

	_, err = store.UpdateDocument(ctx, "posts", "missing", ArrayUnion("likes", "a"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLStoreConcurrentArrayUnionsAreNotLost(t *testing.T) {
	store := newTestSQLStore(t, Config{})
	ctx := context.Background()

	_, err := store.SetDocument(ctx, "posts", "post-1", Fields{"likes": []string{}})
	require.NoError(t, err)

	const likers = 12
	var wait sync.WaitGroup
	for index := 0; index < likers; index++ {
		wait.Add(1)
		go func(index int) {
			defer wait.Done()
			_, updateErr := store.UpdateDocument(ctx, "posts", "post-1", ArrayUnion("likes", fmt.Sprintf("user-%02d", index)))
			assert.NoError(t, updateErr)
		}(index)
	}
	wait.Wait()

	loaded, err := store.GetDocument(ctx, "posts", "post-1")
	require.NoError(t, err)
	assert.Len(t, loaded.Strings("likes"), likers)
}

func TestSQLStoreQueryFiltersOrdersAndLimits(t *testing.T) {
	store := newTestSQLStore(t, Config{})
	ctx := context.Background()

	for index, uid := range []string{"alice", "bob", "alice", "alice"} {
		_, err := store.SetDocument(ctx, "posts", fmt.Sprintf("post-%d", index), Fields{
			"uid":       uid,
			"createdAt": ServerTimestamp,
			"likes":     []string{uid},
		})
		require.NoError(t, err)
	}

	documents, err := store.QueryDocuments(ctx, Query{
		Collection: "posts",
		Filters:    []Filter{Where("uid", OpEqual, "alice")},
		OrderBy:    []Order{{Field: "createdAt", Descending: true}},
		Limit:      2,
	})
	require.NoError(t, err)
	require.Len(t, documents, 2)
	assert.Equal(t, "post-3", documents[0].ID)
	assert.Equal(t, "post-2", documents[1].ID)

	documents, err = store.QueryDocuments(ctx, Query{
		Collection: "posts",
		Filters:    []Filter{Where("likes", OpArrayContains, "bob")},
	})
	require.NoError(t, err)
	require.Len(t, documents, 1)
	assert.Equal(t, "post-1", documents[0].ID)

	_, err = store.QueryDocuments(ctx, Query{Collection: "posts", Filters: []Filter{Where("bad-field", OpEqual, "x")}})
	assert.ErrorIs(t, err, ErrInvalidQuery)
}

func TestSQLStoreEnforcesUniqueFields(t *testing.T) {
	store := newTestSQLStore(t, Config{UniqueFields: []UniqueField{{Collection: "users", Field: "usernameKey"}}})
	ctx := context.Background()

	_, err := store.SetDocument(ctx, "users", "user-a", Fields{"usernameKey": "alice"})
	require.NoError(t, err)

	_, err = store.SetDocument(ctx, "users", "user-b", Fields{"usernameKey": "alice"})
	assert.ErrorIs(t, err, ErrUniqueViolation)

	_, err = store.SetDocument(ctx, "users", "user-a", Fields{"usernameKey": "alice", "bio": "rewritten"})
	assert.NoError(t, err)

	_, err = store.SetDocument(ctx, "users", "user-b", Fields{"usernameKey": ""})
	assert.NoError(t, err)
}

func TestSQLStoreRejectsInvalidDocuments(t *testing.T) {
	store := newTestSQLStore(t, Config{Validator: rejectingValidator{collection: "posts"}})

	_, err := store.CreateDocument(context.Background(), "posts", Fields{"text": 42})
	assert.ErrorIs(t, err, ErrInvalidDocument)

	_, err = store.CreateDocument(context.Background(), " posts", Fields{"text": "ok"})
	assert.ErrorIs(t, err, ErrInvalidIdentifier)
}

func TestSQLStoreSubscribeEmitsSnapshotsOnChange(t *testing.T) {
	store := newTestSQLStore(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	snapshots, err := store.Subscribe(ctx, Query{
		Collection: "notifications",
		Filters:    []Filter{Where("toUid", OpEqual, "user-b")},
	})
	require.NoError(t, err)

	initial := receiveSnapshot(t, snapshots)
	assert.Empty(t, initial.Documents)

	_, err = store.CreateDocument(ctx, "notifications", Fields{"toUid": "user-b", "type": "like"})
	require.NoError(t, err)

	var next Snapshot
	require.Eventually(t, func() bool {
		select {
		case next = <-snapshots:
			return len(next.Documents) == 1
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "like", next.Documents[0].String("type"))

	cancel()
	require.Eventually(t, func() bool {
		return store.changes.subscriberCount("notifications") == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func receiveSnapshot(t *testing.T, snapshots <-chan Snapshot) Snapshot {
	t.Helper()
	select {
	case snapshot, ok := <-snapshots:
		require.True(t, ok, "snapshot channel closed")
		return snapshot
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for snapshot")
	}
	return Snapshot{}
}
