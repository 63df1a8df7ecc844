package server

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MarcoPoloResearchLab/murmur/backend/internal/engagement"
	"github.com/MarcoPoloResearchLab/murmur/backend/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type errorResponse struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
}

func TestGoogleAuthCreatesProfileAndIssuesToken(t *testing.T) {
	env := newTestEnvironment(t)
	alice := env.login(t, "alice")

	var me users.Profile
	if status := env.do(t, http.MethodGet, "/me", alice.token, nil, &me); status != http.StatusOK {
		t.Fatalf("unexpected /me status %d", status)
	}
	if me.ID != alice.id || me.Username != "alice" {
		t.Fatalf("unexpected profile %+v", me)
	}

	again := env.login(t, "alice")
	if again.id != alice.id {
		t.Fatalf("expected stable canonical id, got %s and %s", alice.id, again.id)
	}
}

func TestProtectedRoutesRequireAuthorization(t *testing.T) {
	env := newTestEnvironment(t)
	var response errorResponse
	if status := env.do(t, http.MethodGet, "/feed", "", nil, &response); status != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized, got %d", status)
	}
}

func TestPostEngagementOverHTTP(t *testing.T) {
	env := newTestEnvironment(t)
	alice := env.login(t, "alice")
	bob := env.login(t, "bob")

	var created postResponsePayload
	status := env.do(t, http.MethodPost, "/posts", bob.token, engagement.PostDraft{Text: "hello murmur"}, &created)
	if status != http.StatusCreated {
		t.Fatalf("unexpected create status %d", status)
	}
	if created.Post.Username != "bob" || created.Post.UID != bob.id {
		t.Fatalf("unexpected author snapshot %+v", created.Post)
	}
	postPath := "/posts/" + created.Post.ID

	var liked postResponsePayload
	if status := env.do(t, http.MethodPost, postPath+"/like", alice.token, nil, &liked); status != http.StatusOK {
		t.Fatalf("unexpected like status %d", status)
	}
	if !liked.LikedByMe || len(liked.Post.Likes) != 1 || liked.Post.Likes[0] != alice.id {
		t.Fatalf("unexpected like response %+v", liked)
	}

	var commented postResponsePayload
	if status := env.do(t, http.MethodPost, postPath+"/comments", alice.token, commentRequestPayload{Text: "first!"}, &commented); status != http.StatusCreated {
		t.Fatalf("unexpected comment status %d", status)
	}
	if len(commented.Post.Comments) != 1 || commented.Post.Comments[0].Username != "alice" {
		t.Fatalf("unexpected comments %+v", commented.Post.Comments)
	}

	var invalid errorResponse
	if status := env.do(t, http.MethodPost, postPath+"/comments", alice.token, commentRequestPayload{Text: "  "}, &invalid); status != http.StatusBadRequest {
		t.Fatalf("expected bad request for empty comment, got %d", status)
	}
	if invalid.Error != "engagement.add_comment.empty_text" || invalid.Retryable {
		t.Fatalf("unexpected validation error %+v", invalid)
	}

	var inbox notificationListResponsePayload
	if status := env.do(t, http.MethodGet, "/notifications", bob.token, nil, &inbox); status != http.StatusOK {
		t.Fatalf("unexpected notifications status %d", status)
	}
	if len(inbox.Notifications) != 2 {
		t.Fatalf("expected like and comment notifications, got %d", len(inbox.Notifications))
	}
	if inbox.Notifications[0].From.Username != "alice" {
		t.Fatalf("expected enriched sender, got %+v", inbox.Notifications[0].From)
	}

	var forbidden errorResponse
	if status := env.do(t, http.MethodDelete, postPath, alice.token, nil, &forbidden); status != http.StatusForbidden {
		t.Fatalf("expected forbidden delete, got %d", status)
	}
	if forbidden.Error != "engagement.delete_post.not_author" {
		t.Fatalf("unexpected error code %q", forbidden.Error)
	}

	if status := env.do(t, http.MethodDelete, postPath, bob.token, nil, nil); status != http.StatusNoContent {
		t.Fatalf("unexpected delete status %d", status)
	}

	var missing errorResponse
	if status := env.do(t, http.MethodPost, postPath+"/like", alice.token, nil, &missing); status != http.StatusNotFound {
		t.Fatalf("expected not found for deleted post, got %d", status)
	}

	var feed postListResponsePayload
	if status := env.do(t, http.MethodGet, "/feed", alice.token, nil, &feed); status != http.StatusOK {
		t.Fatalf("unexpected feed status %d", status)
	}
	if len(feed.Posts) != 0 {
		t.Fatalf("expected empty feed after delete, got %d posts", len(feed.Posts))
	}
}

func TestFollowAndConnectionsOverHTTP(t *testing.T) {
	env := newTestEnvironment(t)
	carol := env.login(t, "carol")
	dave := env.login(t, "dave")
	followPath := fmt.Sprintf("/users/%s/follow", carol.id)

	var followed profileResponsePayload
	if status := env.do(t, http.MethodPost, followPath, dave.token, nil, &followed); status != http.StatusOK {
		t.Fatalf("unexpected follow status %d", status)
	}
	if !followed.FollowedByMe {
		t.Fatalf("expected dave to follow carol: %+v", followed)
	}

	var followers profileListResponsePayload
	if status := env.do(t, http.MethodGet, "/users/"+carol.id+"/followers", dave.token, nil, &followers); status != http.StatusOK {
		t.Fatalf("unexpected followers status %d", status)
	}
	if len(followers.Profiles) != 1 || followers.Profiles[0].ID != dave.id {
		t.Fatalf("unexpected followers %+v", followers.Profiles)
	}

	var following profileListResponsePayload
	if status := env.do(t, http.MethodGet, "/users/"+dave.id+"/following", carol.token, nil, &following); status != http.StatusOK {
		t.Fatalf("unexpected following status %d", status)
	}
	if len(following.Profiles) != 1 || following.Profiles[0].ID != carol.id {
		t.Fatalf("unexpected following %+v", following.Profiles)
	}

	var unfollowed profileResponsePayload
	if status := env.do(t, http.MethodPost, followPath, dave.token, nil, &unfollowed); status != http.StatusOK {
		t.Fatalf("unexpected unfollow status %d", status)
	}
	if unfollowed.FollowedByMe || len(unfollowed.Profile.Followers) != 0 {
		t.Fatalf("expected follow to be reverted: %+v", unfollowed)
	}

	var self errorResponse
	if status := env.do(t, http.MethodPost, fmt.Sprintf("/users/%s/follow", dave.id), dave.token, nil, &self); status != http.StatusForbidden {
		t.Fatalf("expected forbidden self follow, got %d", status)
	}
}

func TestUserLookupAndSearchOverHTTP(t *testing.T) {
	env := newTestEnvironment(t)
	erin := env.login(t, "erin")
	env.login(t, "erik")
	env.login(t, "frank")

	var byName users.Profile
	if status := env.do(t, http.MethodGet, "/users/by-username/ERIN", erin.token, nil, &byName); status != http.StatusOK {
		t.Fatalf("unexpected lookup status %d", status)
	}
	if byName.ID != erin.id {
		t.Fatalf("expected case-insensitive lookup to find erin, got %+v", byName)
	}

	var results profileListResponsePayload
	if status := env.do(t, http.MethodGet, "/users/search?q=er", erin.token, nil, &results); status != http.StatusOK {
		t.Fatalf("unexpected search status %d", status)
	}
	if len(results.Profiles) != 2 {
		t.Fatalf("expected two prefix matches, got %+v", results.Profiles)
	}

	bio := "hello there"
	var updated users.Profile
	if status := env.do(t, http.MethodPatch, "/me", erin.token, users.ProfileUpdate{Bio: &bio}, &updated); status != http.StatusOK {
		t.Fatalf("unexpected update status %d", status)
	}
	if updated.Bio != bio {
		t.Fatalf("unexpected bio %q", updated.Bio)
	}
}

func TestRespondErrorMapsFailureKinds(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := &httpHandler{logger: zap.NewNop()}

	testCases := []struct {
		name      string
		err       error
		status    int
		retryable bool
	}{
		{name: "authorization", err: engagement.ErrAuthorization, status: http.StatusForbidden},
		{name: "validation", err: fmt.Errorf("wrapped: %w", engagement.ErrValidation), status: http.StatusBadRequest},
		{name: "not found", err: users.ErrProfileNotFound, status: http.StatusNotFound},
		{name: "username taken", err: users.ErrUsernameTaken, status: http.StatusConflict},
		{name: "remote", err: engagement.ErrRemote, status: http.StatusServiceUnavailable, retryable: true},
		{name: "partial follow", err: errors.Join(engagement.ErrPartialFollow, engagement.ErrRemote), status: http.StatusServiceUnavailable, retryable: true},
		{name: "unknown", err: errors.New("boom"), status: http.StatusInternalServerError},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			recorder := httptest.NewRecorder()
			ctx, _ := gin.CreateTestContext(recorder)
			ctx.Request = httptest.NewRequest(http.MethodGet, "/", http.NoBody)

			handler.respondError(ctx, testCase.err)

			if recorder.Code != testCase.status {
				t.Fatalf("expected status %d, got %d", testCase.status, recorder.Code)
			}
			wantBody := fmt.Sprintf(`"retryable":%t`, testCase.retryable)
			if !strings.Contains(recorder.Body.String(), wantBody) {
				t.Fatalf("expected %s in body %s", wantBody, recorder.Body.String())
			}
		})
	}
}
