package notifications

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/murmur/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/murmur/backend/internal/database"
	"github.com/MarcoPoloResearchLab/murmur/backend/internal/docstore"
	"github.com/MarcoPoloResearchLab/murmur/backend/internal/schema"
	"github.com/MarcoPoloResearchLab/murmur/backend/internal/users"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type failingStore struct {
	docstore.Store
}

func (failingStore) CreateDocument(context.Context, string, docstore.Fields) (docstore.Document, error) {
	return docstore.Document{}, errors.New("store unavailable")
}

type fixture struct {
	store    docstore.Store
	users    *users.Service
	emitter  *Emitter
	service  *Service
	observed *observer.ObservedLogs
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "notifications.db"), zap.NewNop())
	require.NoError(t, err)
	registry, err := schema.NewRegistry()
	require.NoError(t, err)

	clock := time.Date(2024, 7, 1, 8, 0, 0, 0, time.UTC)
	store, err := docstore.NewSQLStore(db, docstore.Config{
		Validator: registry,
		Clock: func() time.Time {
			clock = clock.Add(time.Second)
			return clock
		},
	})
	require.NoError(t, err)

	core, observed := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)

	userService, err := users.NewService(users.ServiceConfig{Store: store})
	require.NoError(t, err)
	emitter, err := NewEmitter(EmitterConfig{Store: store, Logger: logger})
	require.NoError(t, err)
	service, err := NewService(ServiceConfig{Store: store, Profiles: userService, Logger: logger})
	require.NoError(t, err)

	return fixture{store: store, users: userService, emitter: emitter, service: service, observed: observed}
}

func TestEmitWritesUnreadNotification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, ok := f.emitter.Emit(ctx, Event{Type: TypeComment, FromUID: "alice", ToUID: "bob", PostID: "post-1", CommentText: "nice"})
	require.True(t, ok)

	document, err := f.store.GetDocument(ctx, Collection, id)
	require.NoError(t, err)
	assert.Equal(t, "comment", document.String(fieldType))
	assert.Equal(t, "nice", document.String(fieldCommentText))
	assert.False(t, document.Bool(fieldRead))
	assert.False(t, document.Timestamp(fieldCreatedAt).IsZero())
}

func TestEmitDropsSelfAndInvalidEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, ok := f.emitter.Emit(ctx, Event{Type: TypeLike, FromUID: "alice", ToUID: "alice", PostID: "post-1"})
	assert.False(t, ok)
	_, ok = f.emitter.Emit(ctx, Event{Type: "poke", FromUID: "alice", ToUID: "bob"})
	assert.False(t, ok)
	_, ok = f.emitter.Emit(ctx, Event{Type: TypeLike, FromUID: "alice", ToUID: "bob"})
	assert.False(t, ok, "like without post id")

	documents, err := f.store.QueryDocuments(ctx, docstore.Query{Collection: Collection})
	require.NoError(t, err)
	assert.Empty(t, documents)
	assert.Equal(t, 1, f.observed.FilterField(zap.String("reason", "self_notification")).Len())
}

func TestEmitLogsStoreFailureWithoutPropagating(t *testing.T) {
	core, observed := observer.New(zapcore.DebugLevel)
	emitter, err := NewEmitter(EmitterConfig{Store: failingStore{}, Logger: zap.New(core)})
	require.NoError(t, err)

	id, ok := emitter.Emit(context.Background(), Event{Type: TypeFollow, FromUID: "a", ToUID: "b"})
	assert.False(t, ok)
	assert.Empty(t, id)
	assert.Equal(t, 1, observed.FilterMessage("notification write failed").Len())
}

func TestListEnrichesSendersNewestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.users.EnsureProfile(ctx, "alice", auth.Principal{DisplayName: "alice", AvatarURL: "https://cdn.example/alice.png"})
	require.NoError(t, err)

	_, ok := f.emitter.Emit(ctx, Event{Type: TypeLike, FromUID: "alice", ToUID: "bob", PostID: "p1"})
	require.True(t, ok)
	_, ok = f.emitter.Emit(ctx, Event{Type: TypeFollow, FromUID: "ghost", ToUID: "bob"})
	require.True(t, ok)
	_, ok = f.emitter.Emit(ctx, Event{Type: TypeLike, FromUID: "bob", ToUID: "alice", PostID: "p2"})
	require.True(t, ok)

	list, err := f.service.List(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, TypeFollow, list[0].Type)
	assert.Equal(t, anonymousUsername, list[0].From.Username)
	assert.Equal(t, TypeLike, list[1].Type)
	assert.Equal(t, "alice", list[1].From.Username)
	assert.Equal(t, "https://cdn.example/alice.png", list[1].From.ProfilePic)
}

func TestMarkReadRequiresRecipient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, ok := f.emitter.Emit(ctx, Event{Type: TypeLike, FromUID: "alice", ToUID: "bob", PostID: "p1"})
	require.True(t, ok)

	_, err := f.service.MarkRead(ctx, "alice", id)
	assert.ErrorIs(t, err, ErrForbidden)
	var serviceErr *ServiceError
	require.ErrorAs(t, err, &serviceErr)
	assert.Equal(t, "notifications.mark_read.not_recipient", serviceErr.Code())

	_, err = f.service.MarkRead(ctx, "bob", "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	marked, err := f.service.MarkRead(ctx, "bob", id)
	require.NoError(t, err)
	assert.True(t, marked.Read)
}

func TestMarkAllReadOnlyTouchesRecipient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, postID := range []string{"p1", "p2"} {
		_, ok := f.emitter.Emit(ctx, Event{Type: TypeLike, FromUID: "alice", ToUID: "bob", PostID: postID})
		require.True(t, ok)
	}
	_, ok := f.emitter.Emit(ctx, Event{Type: TypeLike, FromUID: "bob", ToUID: "alice", PostID: "p3"})
	require.True(t, ok)

	count, err := f.service.MarkAllRead(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	count, err = f.service.MarkAllRead(ctx, "bob")
	require.NoError(t, err)
	assert.Zero(t, count)

	aliceList, err := f.service.List(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, aliceList, 1)
	assert.False(t, aliceList[0].Read)
}

func TestSubscribeStreamsNewNotifications(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lists, err := f.service.Subscribe(ctx, "bob")
	require.NoError(t, err)

	select {
	case initial := <-lists:
		assert.Empty(t, initial)
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for initial list")
	}

	_, ok := f.emitter.Emit(ctx, Event{Type: TypeComment, FromUID: "alice", ToUID: "bob", PostID: "p1", CommentText: "hey"})
	require.True(t, ok)

	select {
	case next := <-lists:
		require.Len(t, next, 1)
		assert.Equal(t, "hey", next[0].CommentText)
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for updated list")
	}

	cancel()
	require.Eventually(t, func() bool {
		_, open := <-lists
		return !open
	}, 2*time.Second, 10*time.Millisecond)
}
