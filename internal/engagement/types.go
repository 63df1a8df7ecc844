package engagement

import (
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/murmur/backend/internal/users"
)

const anonymousDisplayName = "Anonymous"

// Session is the acting identity threaded into every synchronizer operation.
type Session struct {
	UserID      string
	DisplayName string
	AvatarURL   string
}

func (s Session) displayName() string {
	if name := strings.TrimSpace(s.DisplayName); name != "" {
		return name
	}
	return anonymousDisplayName
}

// MediaType enumerates supported post attachments.
type MediaType string

const (
	MediaImage MediaType = "image"
	MediaVideo MediaType = "video"
)

// Comment is an append-only entry on a post. Username and ProfilePic are the commenter's
// identity at the time of posting.
type Comment struct {
	ID         string    `json:"id"`
	UID        string    `json:"uid"`
	Username   string    `json:"username"`
	ProfilePic string    `json:"profilePic"`
	Text       string    `json:"text"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Post is a feed entry. Username and ProfilePic are the author's identity at creation time.
type Post struct {
	ID         string    `json:"id"`
	UID        string    `json:"uid"`
	Username   string    `json:"username"`
	ProfilePic string    `json:"profilePic"`
	Text       string    `json:"text"`
	MediaURL   string    `json:"mediaUrl,omitempty"`
	MediaType  MediaType `json:"mediaType,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	Likes      []string  `json:"likes"`
	Comments   []Comment `json:"comments"`
}

// LikedBy reports whether userID is among the post's likers.
func (p Post) LikedBy(userID string) bool {
	for _, liker := range p.Likes {
		if liker == userID {
			return true
		}
	}
	return false
}

// Clone returns a copy that shares no slices with p.
func (p Post) Clone() Post {
	p.Likes = append([]string{}, p.Likes...)
	p.Comments = append([]Comment{}, p.Comments...)
	return p
}

func (p *Post) addLike(userID string) {
	if !p.LikedBy(userID) {
		p.Likes = append(p.Likes, userID)
	}
}

func (p *Post) removeLike(userID string) {
	kept := make([]string, 0, len(p.Likes))
	for _, liker := range p.Likes {
		if liker != userID {
			kept = append(kept, liker)
		}
	}
	p.Likes = kept
}

func (p *Post) removeComment(commentID string) {
	kept := make([]Comment, 0, len(p.Comments))
	for _, comment := range p.Comments {
		if comment.ID != commentID {
			kept = append(kept, comment)
		}
	}
	p.Comments = kept
}

// PostDraft is the user input for a new post. A draft needs text, media, or both.
type PostDraft struct {
	Text      string    `json:"text"`
	MediaURL  string    `json:"mediaUrl"`
	MediaType MediaType `json:"mediaType"`
}

// Profile is the user profile view held by the synchronizer.
type Profile = users.Profile

// PostState is a post's lifecycle as observed by one session.
type PostState string

const (
	PostUnloaded     PostState = "unloaded"
	PostLikedByMe    PostState = "liked_by_me"
	PostNotLikedByMe PostState = "not_liked_by_me"
	PostDeleted      PostState = "deleted"
)
