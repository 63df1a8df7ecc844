package server

import (
	"net/http"
	"strconv"

	"github.com/MarcoPoloResearchLab/murmur/backend/internal/engagement"
	"github.com/MarcoPoloResearchLab/murmur/backend/internal/notifications"
	"github.com/MarcoPoloResearchLab/murmur/backend/internal/users"
	"github.com/gin-gonic/gin"
)

type postResponsePayload struct {
	Post      engagement.Post `json:"post"`
	LikedByMe bool            `json:"likedByMe"`
}

type postListResponsePayload struct {
	Posts []engagement.Post `json:"posts"`
}

type profileResponsePayload struct {
	Profile      users.Profile `json:"profile"`
	FollowedByMe bool          `json:"followedByMe"`
}

type profileListResponsePayload struct {
	Profiles []users.Profile `json:"profiles"`
}

type commentRequestPayload struct {
	Text string `json:"text"`
}

type notificationListResponsePayload struct {
	Notifications []notifications.Notification `json:"notifications"`
}

func (h *httpHandler) handleGetMe(c *gin.Context) {
	session, ok := h.currentUser(c)
	if !ok {
		return
	}
	profile, err := h.users.GetProfile(c.Request.Context(), session.UserID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

func (h *httpHandler) handleUpdateMe(c *gin.Context) {
	session, ok := h.currentUser(c)
	if !ok {
		return
	}
	var update users.ProfileUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	profile, err := h.users.UpdateProfile(c.Request.Context(), session.UserID, update)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

func (h *httpHandler) handleSearchUsers(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	profiles, err := h.users.SearchByUsernamePrefix(c.Request.Context(), c.Query("q"), limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, profileListResponsePayload{Profiles: profiles})
}

func (h *httpHandler) handleLookupUsername(c *gin.Context) {
	profile, err := h.users.LookupByUsername(c.Request.Context(), c.Param("username"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

func (h *httpHandler) handleGetProfile(c *gin.Context) {
	session, ok := h.currentUser(c)
	if !ok {
		return
	}
	synchronizer, ok := h.synchronizerFor(c, session)
	if !ok {
		return
	}
	profile, err := synchronizer.LoadProfile(c.Request.Context(), session, c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, profileResponsePayload{Profile: profile, FollowedByMe: profile.FollowedBy(session.UserID)})
}

func (h *httpHandler) handleListFollowers(c *gin.Context) {
	h.listConnections(c, func(profile users.Profile) []string { return profile.Followers })
}

func (h *httpHandler) handleListFollowing(c *gin.Context) {
	h.listConnections(c, func(profile users.Profile) []string { return profile.Following })
}

func (h *httpHandler) listConnections(c *gin.Context, connections func(users.Profile) []string) {
	profile, err := h.users.GetProfile(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	profiles, err := h.users.ListProfiles(c.Request.Context(), connections(profile))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, profileListResponsePayload{Profiles: profiles})
}

func (h *httpHandler) handleProfilePosts(c *gin.Context) {
	session, ok := h.currentUser(c)
	if !ok {
		return
	}
	synchronizer, ok := h.synchronizerFor(c, session)
	if !ok {
		return
	}
	posts, err := synchronizer.LoadProfilePosts(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, postListResponsePayload{Posts: posts})
}

func (h *httpHandler) handleToggleFollow(c *gin.Context) {
	session, ok := h.currentUser(c)
	if !ok {
		return
	}
	synchronizer, ok := h.synchronizerFor(c, session)
	if !ok {
		return
	}
	profile, err := synchronizer.ToggleFollow(c.Request.Context(), session, c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, profileResponsePayload{Profile: profile, FollowedByMe: profile.FollowedBy(session.UserID)})
}

func (h *httpHandler) handleFeed(c *gin.Context) {
	session, ok := h.currentUser(c)
	if !ok {
		return
	}
	synchronizer, ok := h.synchronizerFor(c, session)
	if !ok {
		return
	}
	posts, err := synchronizer.LoadFeed(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, postListResponsePayload{Posts: posts})
}

func (h *httpHandler) handleCreatePost(c *gin.Context) {
	session, ok := h.currentUser(c)
	if !ok {
		return
	}
	var draft engagement.PostDraft
	if err := c.ShouldBindJSON(&draft); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	synchronizer, ok := h.synchronizerFor(c, session)
	if !ok {
		return
	}
	post, err := synchronizer.CreatePost(c.Request.Context(), session, draft)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, postResponsePayload{Post: post})
}

func (h *httpHandler) handleDeletePost(c *gin.Context) {
	session, ok := h.currentUser(c)
	if !ok {
		return
	}
	synchronizer, ok := h.synchronizerFor(c, session)
	if !ok {
		return
	}
	if err := synchronizer.DeletePost(c.Request.Context(), session, c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleToggleLike(c *gin.Context) {
	session, ok := h.currentUser(c)
	if !ok {
		return
	}
	synchronizer, ok := h.synchronizerFor(c, session)
	if !ok {
		return
	}
	post, err := synchronizer.ToggleLike(c.Request.Context(), session, c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, postResponsePayload{Post: post, LikedByMe: post.LikedBy(session.UserID)})
}

func (h *httpHandler) handleAddComment(c *gin.Context) {
	session, ok := h.currentUser(c)
	if !ok {
		return
	}
	var request commentRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	synchronizer, ok := h.synchronizerFor(c, session)
	if !ok {
		return
	}
	post, err := synchronizer.AddComment(c.Request.Context(), session, c.Param("id"), request.Text)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, postResponsePayload{Post: post, LikedByMe: post.LikedBy(session.UserID)})
}

func (h *httpHandler) handleListNotifications(c *gin.Context) {
	session, ok := h.currentUser(c)
	if !ok {
		return
	}
	synchronizer, ok := h.synchronizerFor(c, session)
	if !ok {
		return
	}
	list, err := synchronizer.LoadNotifications(c.Request.Context(), session)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, notificationListResponsePayload{Notifications: list})
}

func (h *httpHandler) handleMarkRead(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	notification, err := h.notifications.MarkRead(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, notification)
}

func (h *httpHandler) handleMarkAllRead(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	updated, err := h.notifications.MarkAllRead(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": updated})
}
