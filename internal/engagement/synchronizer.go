// Package engagement keeps a session's local view of posts, profiles and notifications
// consistent with the document store. Mutations are applied optimistically, confirmed
// remotely, and compensated when the remote call fails.
package engagement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/murmur/backend/internal/docstore"
	"github.com/MarcoPoloResearchLab/murmur/backend/internal/notifications"
	"github.com/MarcoPoloResearchLab/murmur/backend/internal/users"
	"go.uber.org/zap"
)

const (
	defaultRemoteTimeout       = 10 * time.Second
	defaultFollowRetryAttempts = 3
	defaultFollowRetryBackoff  = 200 * time.Millisecond

	maxCommentLength  = 2000
	maxPostTextLength = 5000
)

// Emitter records notifications for qualifying actions.
type Emitter interface {
	Emit(ctx context.Context, event notifications.Event) (string, bool)
}

// NotificationLister loads a recipient's notifications, newest first.
type NotificationLister interface {
	List(ctx context.Context, userID string) ([]notifications.Notification, error)
}

// Config describes the synchronizer's collaborators and remote-call policy.
type Config struct {
	Store               docstore.Store
	Emitter             Emitter
	Notifications       NotificationLister
	Clock               func() time.Time
	IDProvider          docstore.IDProvider
	Logger              *zap.Logger
	RemoteTimeout       time.Duration
	FollowRetryAttempts int
	FollowRetryBackoff  time.Duration
	NotifyOnFollow      bool
}

// Synchronizer owns one session's feed, profile post list, viewed profile and notification list.
// All local state is guarded by mu, which is never held across a remote call.
type Synchronizer struct {
	store          docstore.Store
	emitter        Emitter
	lister         NotificationLister
	clock          func() time.Time
	ids            docstore.IDProvider
	logger         *zap.Logger
	timeout        time.Duration
	followAttempts int
	followBackoff  time.Duration
	notifyOnFollow bool

	mu            sync.Mutex
	feed          []Post
	profilePosts  []Post
	profileOwner  string
	profile       *Profile
	notifications []notifications.Notification
	deleted       map[string]struct{}
}

// NewSynchronizer constructs a Synchronizer, defaulting the emitter and notification lister
// to store-backed implementations.
func NewSynchronizer(cfg Config) (*Synchronizer, error) {
	if cfg.Store == nil {
		return nil, errors.New("engagement: document store required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	emitter := cfg.Emitter
	if emitter == nil {
		defaultEmitter, err := notifications.NewEmitter(notifications.EmitterConfig{Store: cfg.Store, Logger: logger})
		if err != nil {
			return nil, err
		}
		emitter = defaultEmitter
	}
	lister := cfg.Notifications
	if lister == nil {
		defaultLister, err := notifications.NewService(notifications.ServiceConfig{Store: cfg.Store, Logger: logger})
		if err != nil {
			return nil, err
		}
		lister = defaultLister
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = docstore.NewUUIDProvider()
	}
	timeout := cfg.RemoteTimeout
	if timeout <= 0 {
		timeout = defaultRemoteTimeout
	}
	attempts := cfg.FollowRetryAttempts
	if attempts <= 0 {
		attempts = defaultFollowRetryAttempts
	}
	backoff := cfg.FollowRetryBackoff
	if backoff < 0 {
		backoff = 0
	} else if backoff == 0 {
		backoff = defaultFollowRetryBackoff
	}

	return &Synchronizer{
		store:          cfg.Store,
		emitter:        emitter,
		lister:         lister,
		clock:          clock,
		ids:            ids,
		logger:         logger,
		timeout:        timeout,
		followAttempts: attempts,
		followBackoff:  backoff,
		notifyOnFollow: cfg.NotifyOnFollow,
		deleted:        make(map[string]struct{}),
	}, nil
}

// ToggleLike flips the acting user's membership in the post's likes with exactly one remote
// mutation. A new like on someone else's post emits a like notification once confirmed.
func (s *Synchronizer) ToggleLike(ctx context.Context, session Session, postID string) (Post, error) {
	if err := validateTarget(opToggleLike, session, postID); err != nil {
		return Post{}, err
	}
	post, err := s.resolvePost(ctx, opToggleLike, postID)
	if err != nil {
		return Post{}, err
	}

	actor := session.UserID
	s.mu.Lock()
	if local, ok := s.localPostLocked(postID); ok {
		post = local
	}
	unlike := post.LikedBy(actor)
	s.applyLocked(postID, func(p *Post) {
		if unlike {
			p.removeLike(actor)
		} else {
			p.addLike(actor)
		}
	})
	s.mu.Unlock()

	mutation := docstore.ArrayUnion(fieldLikes, actor)
	if unlike {
		mutation = docstore.ArrayRemove(fieldLikes, actor)
	}
	document, err := s.update(ctx, collectionPosts, postID, mutation)
	if err != nil {
		s.mu.Lock()
		s.applyLocked(postID, func(p *Post) {
			if unlike {
				p.addLike(actor)
			} else {
				p.removeLike(actor)
			}
		})
		s.mu.Unlock()
		if errors.Is(err, docstore.ErrNotFound) {
			s.forgetPost(postID)
		}
		return Post{}, s.remoteError(opToggleLike, err, zap.String("post_id", postID), zap.String("user_id", actor))
	}

	confirmed := s.confirmPost(opToggleLike, document)
	if !unlike && confirmed.UID != actor {
		s.emit(ctx, notifications.Event{
			Type:    notifications.TypeLike,
			FromUID: actor,
			ToUID:   confirmed.UID,
			PostID:  postID,
		})
	}
	return confirmed, nil
}

// AddComment appends a comment carrying the session's current display name and avatar.
// Comments are never deduplicated.
func (s *Synchronizer) AddComment(ctx context.Context, session Session, postID, text string) (Post, error) {
	if err := validateTarget(opAddComment, session, postID); err != nil {
		return Post{}, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return Post{}, newServiceError(opAddComment, "empty_text", nil, ErrValidation)
	}
	if utf8.RuneCountInString(text) > maxCommentLength {
		return Post{}, newServiceError(opAddComment, "text_too_long", nil, ErrValidation)
	}
	post, err := s.resolvePost(ctx, opAddComment, postID)
	if err != nil {
		return Post{}, err
	}

	commentID, err := s.ids.NewID()
	if err != nil {
		return Post{}, newServiceError(opAddComment, "id_generation_failed", err, ErrRemote)
	}
	comment := Comment{
		ID:         commentID,
		UID:        session.UserID,
		Username:   session.displayName(),
		ProfilePic: session.AvatarURL,
		Text:       text,
		CreatedAt:  s.clock().UTC(),
	}

	s.mu.Lock()
	s.applyLocked(postID, func(p *Post) {
		p.Comments = append(p.Comments, comment)
	})
	s.mu.Unlock()

	document, err := s.update(ctx, collectionPosts, postID, docstore.ArrayUnion(fieldComments, comment.record()))
	if err != nil {
		s.mu.Lock()
		s.applyLocked(postID, func(p *Post) {
			p.removeComment(commentID)
		})
		s.mu.Unlock()
		if errors.Is(err, docstore.ErrNotFound) {
			s.forgetPost(postID)
		}
		return Post{}, s.remoteError(opAddComment, err, zap.String("post_id", postID), zap.String("user_id", session.UserID))
	}

	confirmed := s.confirmPost(opAddComment, document)
	if post.UID != session.UserID {
		s.emit(ctx, notifications.Event{
			Type:        notifications.TypeComment,
			FromUID:     session.UserID,
			ToUID:       post.UID,
			PostID:      postID,
			CommentText: text,
		})
	}
	return confirmed, nil
}

// DeletePost removes the acting user's own post from the store and from every local list.
func (s *Synchronizer) DeletePost(ctx context.Context, session Session, postID string) error {
	if err := validateTarget(opDeletePost, session, postID); err != nil {
		return err
	}
	post, err := s.resolvePost(ctx, opDeletePost, postID)
	if err != nil {
		return err
	}
	if post.UID != session.UserID {
		return newServiceError(opDeletePost, "not_author", nil, ErrAuthorization)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	err = s.store.DeleteDocument(callCtx, collectionPosts, postID)
	cancel()
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			s.forgetPost(postID)
		}
		return s.remoteError(opDeletePost, err, zap.String("post_id", postID))
	}
	s.forgetPost(postID)
	return nil
}

// ToggleFollow follows or unfollows target. The acting user's following set is written first;
// the target's followers set is then retried until it converges. If it never does, the first
// write is compensated and ErrPartialFollow is returned.
func (s *Synchronizer) ToggleFollow(ctx context.Context, session Session, targetID string) (Profile, error) {
	if err := validateTarget(opToggleFollow, session, targetID); err != nil {
		return Profile{}, err
	}
	actor := session.UserID
	if targetID == actor {
		return Profile{}, newServiceError(opToggleFollow, "self_follow", nil, ErrAuthorization)
	}
	target, err := s.resolveProfile(ctx, opToggleFollow, targetID)
	if err != nil {
		return Profile{}, err
	}

	s.mu.Lock()
	if s.profile != nil && s.profile.ID == targetID {
		target = s.profile.Clone()
	}
	unfollow := target.FollowedBy(actor)
	s.applyFollowerLocked(targetID, actor, !unfollow)
	s.mu.Unlock()

	followingMutation := docstore.ArrayUnion(users.FieldFollowing, targetID)
	followerMutation := docstore.ArrayUnion(users.FieldFollowers, actor)
	if unfollow {
		followingMutation = docstore.ArrayRemove(users.FieldFollowing, targetID)
		followerMutation = docstore.ArrayRemove(users.FieldFollowers, actor)
	}

	rollback := func() {
		s.mu.Lock()
		s.applyFollowerLocked(targetID, actor, unfollow)
		s.mu.Unlock()
	}

	if _, err := s.update(ctx, users.CollectionUsers, actor, followingMutation); err != nil {
		rollback()
		return Profile{}, s.remoteError(opToggleFollow, err, zap.String("user_id", actor), zap.String("target_id", targetID))
	}

	document, err := s.updateWithRetry(ctx, users.CollectionUsers, targetID, followerMutation)
	if err != nil {
		inverse, _ := followingMutation.Inverse()
		if _, compensationErr := s.update(context.WithoutCancel(ctx), users.CollectionUsers, actor, inverse); compensationErr != nil {
			rollback()
			s.logError(opToggleFollow, "compensation_failed", compensationErr,
				zap.String("user_id", actor),
				zap.String("target_id", targetID))
			// the following set still holds the new state; the next profile load repairs followers to match
			return Profile{}, newServiceError(opToggleFollow, "compensation_failed", errors.Join(err, compensationErr), ErrPartialFollow, ErrRemote)
		}
		rollback()
		s.logError(opToggleFollow, "partial_follow", err,
			zap.String("user_id", actor),
			zap.String("target_id", targetID),
			zap.Int("attempts", s.followAttempts))
		return Profile{}, newServiceError(opToggleFollow, "partial_follow", err, ErrPartialFollow, ErrRemote)
	}

	confirmed := users.ProfileFromDocument(document)
	s.mu.Lock()
	if s.profile != nil && s.profile.ID == targetID {
		viewed := confirmed.Clone()
		s.profile = &viewed
	}
	s.mu.Unlock()

	if !unfollow && s.notifyOnFollow {
		s.emit(ctx, notifications.Event{Type: notifications.TypeFollow, FromUID: actor, ToUID: targetID})
	}
	return confirmed.Clone(), nil
}

// LoadFeed replaces the feed with every post, newest first.
func (s *Synchronizer) LoadFeed(ctx context.Context) ([]Post, error) {
	posts, err := s.queryPosts(ctx, opLoadFeed, docstore.Query{
		Collection: collectionPosts,
		OrderBy:    []docstore.Order{{Field: fieldCreatedAt, Descending: true}},
	})
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.feed = posts
	s.mu.Unlock()
	return clonePosts(posts), nil
}

// LoadProfilePosts replaces the profile post list with ownerID's posts, newest first.
func (s *Synchronizer) LoadProfilePosts(ctx context.Context, ownerID string) ([]Post, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, newServiceError(opLoadProfilePosts, "missing_owner", nil, ErrValidation)
	}
	posts, err := s.queryPosts(ctx, opLoadProfilePosts, docstore.Query{
		Collection: collectionPosts,
		Filters:    []docstore.Filter{docstore.Where(fieldUID, docstore.OpEqual, ownerID)},
		OrderBy:    []docstore.Order{{Field: fieldCreatedAt, Descending: true}},
	})
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.profilePosts = posts
	s.profileOwner = ownerID
	s.mu.Unlock()
	return clonePosts(posts), nil
}

// LoadProfile reads profileID and repairs asymmetric follow membership between it and the
// session user. A follower's following set is authoritative.
func (s *Synchronizer) LoadProfile(ctx context.Context, session Session, profileID string) (Profile, error) {
	if err := validateTarget(opLoadProfile, session, profileID); err != nil {
		return Profile{}, err
	}
	document, err := s.get(ctx, users.CollectionUsers, profileID)
	if err != nil {
		return Profile{}, s.remoteError(opLoadProfile, err, zap.String("profile_id", profileID))
	}
	profile := users.ProfileFromDocument(document)
	if profileID != session.UserID {
		profile = s.reconcileFollow(ctx, session.UserID, profile)
	}

	s.mu.Lock()
	viewed := profile.Clone()
	s.profile = &viewed
	s.mu.Unlock()
	return profile.Clone(), nil
}

// CreatePost stores a new post with the author's current profile snapshot and prepends it to
// the local lists that show the author's posts.
func (s *Synchronizer) CreatePost(ctx context.Context, session Session, draft PostDraft) (Post, error) {
	if err := validateSession(opCreatePost, session); err != nil {
		return Post{}, err
	}
	draft.Text = strings.TrimSpace(draft.Text)
	draft.MediaURL = strings.TrimSpace(draft.MediaURL)
	if draft.Text == "" && draft.MediaURL == "" {
		return Post{}, newServiceError(opCreatePost, "empty_post", nil, ErrValidation)
	}
	if utf8.RuneCountInString(draft.Text) > maxPostTextLength {
		return Post{}, newServiceError(opCreatePost, "text_too_long", nil, ErrValidation)
	}
	if draft.MediaURL != "" && draft.MediaType != MediaImage && draft.MediaType != MediaVideo {
		return Post{}, newServiceError(opCreatePost, "invalid_media_type", nil, ErrValidation)
	}

	author := session
	profileDocument, err := s.get(ctx, users.CollectionUsers, session.UserID)
	switch {
	case err == nil:
		profile := users.ProfileFromDocument(profileDocument)
		author.DisplayName = profile.Username
		author.AvatarURL = profile.ProfilePic
	case !errors.Is(err, docstore.ErrNotFound):
		return Post{}, s.remoteError(opCreatePost, err, zap.String("user_id", session.UserID))
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	document, err := s.store.CreateDocument(callCtx, collectionPosts, draft.fields(author))
	cancel()
	if err != nil {
		return Post{}, s.remoteError(opCreatePost, err, zap.String("user_id", session.UserID))
	}
	post, err := postFromDocument(document)
	if err != nil {
		return Post{}, newServiceError(opCreatePost, "decode_failed", err, ErrRemote)
	}

	s.mu.Lock()
	s.feed = append([]Post{post.Clone()}, s.feed...)
	if s.profileOwner == session.UserID {
		s.profilePosts = append([]Post{post.Clone()}, s.profilePosts...)
	}
	s.mu.Unlock()
	return post, nil
}

// LoadNotifications replaces the local notification list with the session user's notifications.
func (s *Synchronizer) LoadNotifications(ctx context.Context, session Session) ([]notifications.Notification, error) {
	if err := validateSession(opLoadNotifications, session); err != nil {
		return nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	list, err := s.lister.List(callCtx, session.UserID)
	cancel()
	if err != nil {
		return nil, s.remoteError(opLoadNotifications, err, zap.String("user_id", session.UserID))
	}
	s.mu.Lock()
	s.notifications = append([]notifications.Notification{}, list...)
	s.mu.Unlock()
	return list, nil
}

// Feed returns a copy of the local feed.
func (s *Synchronizer) Feed() []Post {
	s.mu.Lock()
	defer s.mu.Unlock()
	return clonePosts(s.feed)
}

// ProfilePosts returns a copy of the local profile post list and its owner.
func (s *Synchronizer) ProfilePosts() (string, []Post) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profileOwner, clonePosts(s.profilePosts)
}

// Profile returns the last loaded profile.
func (s *Synchronizer) Profile() (Profile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.profile == nil {
		return Profile{}, false
	}
	return s.profile.Clone(), true
}

// Notifications returns a copy of the local notification list.
func (s *Synchronizer) Notifications() []notifications.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]notifications.Notification{}, s.notifications...)
}

// PostState reports the post's lifecycle state as seen by session.
func (s *Synchronizer) PostState(session Session, postID string) PostState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, gone := s.deleted[postID]; gone {
		return PostDeleted
	}
	post, ok := s.localPostLocked(postID)
	switch {
	case !ok:
		return PostUnloaded
	case post.LikedBy(session.UserID):
		return PostLikedByMe
	default:
		return PostNotLikedByMe
	}
}

func (s *Synchronizer) reconcileFollow(ctx context.Context, viewerID string, profile Profile) Profile {
	document, err := s.get(ctx, users.CollectionUsers, viewerID)
	if err != nil {
		if !errors.Is(err, docstore.ErrNotFound) {
			s.logger.Warn("follow reconciliation skipped", zap.String("user_id", viewerID), zap.Error(err))
		}
		return profile
	}
	viewer := users.ProfileFromDocument(document)

	if follows := viewer.Follows(profile.ID); follows != profile.FollowedBy(viewer.ID) {
		repaired, err := s.update(ctx, users.CollectionUsers, profile.ID, membershipMutation(users.FieldFollowers, viewer.ID, follows))
		if err != nil {
			s.logError(opLoadProfile, "reconcile_failed", err, zap.String("follower_id", viewer.ID), zap.String("followee_id", profile.ID))
		} else {
			profile = users.ProfileFromDocument(repaired)
			s.logger.Info("follow relationship repaired", zap.String("follower_id", viewer.ID), zap.String("followee_id", profile.ID))
		}
	}

	if follows := profile.Follows(viewer.ID); follows != viewer.FollowedBy(profile.ID) {
		if _, err := s.update(ctx, users.CollectionUsers, viewer.ID, membershipMutation(users.FieldFollowers, profile.ID, follows)); err != nil {
			s.logError(opLoadProfile, "reconcile_failed", err, zap.String("follower_id", profile.ID), zap.String("followee_id", viewer.ID))
		} else {
			s.logger.Info("follow relationship repaired", zap.String("follower_id", profile.ID), zap.String("followee_id", viewer.ID))
		}
	}
	return profile
}

func membershipMutation(field, value string, present bool) docstore.Mutation {
	if present {
		return docstore.ArrayUnion(field, value)
	}
	return docstore.ArrayRemove(field, value)
}

func (s *Synchronizer) resolvePost(ctx context.Context, operation, postID string) (Post, error) {
	s.mu.Lock()
	if _, gone := s.deleted[postID]; gone {
		s.mu.Unlock()
		return Post{}, newServiceError(operation, "post_deleted", nil, ErrNotFound)
	}
	if post, ok := s.localPostLocked(postID); ok {
		s.mu.Unlock()
		return post, nil
	}
	s.mu.Unlock()

	document, err := s.get(ctx, collectionPosts, postID)
	if err != nil {
		return Post{}, s.remoteError(operation, err, zap.String("post_id", postID))
	}
	post, err := postFromDocument(document)
	if err != nil {
		return Post{}, newServiceError(operation, "decode_failed", err, ErrRemote)
	}
	return post, nil
}

func (s *Synchronizer) resolveProfile(ctx context.Context, operation, profileID string) (Profile, error) {
	s.mu.Lock()
	if s.profile != nil && s.profile.ID == profileID {
		profile := s.profile.Clone()
		s.mu.Unlock()
		return profile, nil
	}
	s.mu.Unlock()

	document, err := s.get(ctx, users.CollectionUsers, profileID)
	if err != nil {
		return Profile{}, s.remoteError(operation, err, zap.String("profile_id", profileID))
	}
	return users.ProfileFromDocument(document), nil
}

func (s *Synchronizer) queryPosts(ctx context.Context, operation string, query docstore.Query) ([]Post, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	documents, err := s.store.QueryDocuments(callCtx, query)
	cancel()
	if err != nil {
		return nil, s.remoteError(operation, err)
	}
	posts := make([]Post, 0, len(documents))
	for _, document := range documents {
		post, err := postFromDocument(document)
		if err != nil {
			s.logError(operation, "decode_failed", err, zap.String("post_id", document.ID))
			continue
		}
		posts = append(posts, post)
	}
	return posts, nil
}

// confirmPost replaces local copies with the store's version of the post.
func (s *Synchronizer) confirmPost(operation string, document docstore.Document) Post {
	post, err := postFromDocument(document)
	if err != nil {
		s.logError(operation, "decode_failed", err, zap.String("post_id", document.ID))
		s.mu.Lock()
		defer s.mu.Unlock()
		local, _ := s.localPostLocked(document.ID)
		return local
	}
	s.mu.Lock()
	s.applyLocked(post.ID, func(p *Post) {
		*p = post.Clone()
	})
	s.mu.Unlock()
	return post
}

func (s *Synchronizer) forgetPost(postID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feed = withoutPost(s.feed, postID)
	s.profilePosts = withoutPost(s.profilePosts, postID)
	s.deleted[postID] = struct{}{}
}

func (s *Synchronizer) localPostLocked(postID string) (Post, bool) {
	for _, list := range [][]Post{s.feed, s.profilePosts} {
		for _, post := range list {
			if post.ID == postID {
				return post.Clone(), true
			}
		}
	}
	return Post{}, false
}

func (s *Synchronizer) applyLocked(postID string, change func(*Post)) {
	for _, list := range [][]Post{s.feed, s.profilePosts} {
		for index := range list {
			if list[index].ID == postID {
				change(&list[index])
			}
		}
	}
}

func (s *Synchronizer) applyFollowerLocked(targetID, followerID string, present bool) {
	if s.profile == nil || s.profile.ID != targetID {
		return
	}
	followers := make([]string, 0, len(s.profile.Followers)+1)
	for _, follower := range s.profile.Followers {
		if follower != followerID {
			followers = append(followers, follower)
		}
	}
	if present {
		followers = append(followers, followerID)
	}
	s.profile.Followers = followers
}

func (s *Synchronizer) get(ctx context.Context, collection, id string) (docstore.Document, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.store.GetDocument(callCtx, collection, id)
}

func (s *Synchronizer) update(ctx context.Context, collection, id string, mutation docstore.Mutation) (docstore.Document, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.store.UpdateDocument(callCtx, collection, id, mutation)
}

// updateWithRetry retries an idempotent array mutation with linear backoff.
func (s *Synchronizer) updateWithRetry(ctx context.Context, collection, id string, mutation docstore.Mutation) (docstore.Document, error) {
	var lastErr error
	for attempt := 1; attempt <= s.followAttempts; attempt++ {
		document, err := s.update(ctx, collection, id, mutation)
		if err == nil {
			return document, nil
		}
		lastErr = err
		if errors.Is(err, docstore.ErrNotFound) || attempt == s.followAttempts {
			break
		}
		s.logger.Warn("mirrored write failed, retrying",
			zap.String("collection", collection),
			zap.String("document_id", id),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if waitErr := sleepContext(ctx, time.Duration(attempt)*s.followBackoff); waitErr != nil {
			return docstore.Document{}, fmt.Errorf("%w (after %v)", waitErr, lastErr)
		}
	}
	return docstore.Document{}, lastErr
}

func (s *Synchronizer) emit(ctx context.Context, event notifications.Event) {
	if event.FromUID == event.ToUID {
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if _, ok := s.emitter.Emit(callCtx, event); !ok {
		s.logger.Debug("notification not recorded",
			zap.String("type", string(event.Type)),
			zap.String("post_id", event.PostID))
	}
}

func (s *Synchronizer) remoteError(operation string, err error, fields ...zap.Field) error {
	kind := classify(err)
	reason := reasonFor(kind)
	if kind == ErrRemote {
		s.logError(operation, reason, err, fields...)
	}
	return newServiceError(operation, reason, err, kind)
}

func (s *Synchronizer) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("engagement synchronizer error", attrs...)
}

func validateSession(operation string, session Session) error {
	if strings.TrimSpace(session.UserID) == "" {
		return newServiceError(operation, "missing_session", nil, ErrValidation)
	}
	return nil
}

func validateTarget(operation string, session Session, targetID string) error {
	if err := validateSession(operation, session); err != nil {
		return err
	}
	if strings.TrimSpace(targetID) == "" {
		return newServiceError(operation, "missing_target", nil, ErrValidation)
	}
	return nil
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func withoutPost(posts []Post, postID string) []Post {
	kept := make([]Post, 0, len(posts))
	for _, post := range posts {
		if post.ID != postID {
			kept = append(kept, post)
		}
	}
	return kept
}

func clonePosts(posts []Post) []Post {
	cloned := make([]Post, 0, len(posts))
	for _, post := range posts {
		cloned = append(cloned, post.Clone())
	}
	return cloned
}
