package notifications

import (
	"time"

	"github.com/MarcoPoloResearchLab/murmur/backend/internal/docstore"
)

// Collection holds one document per notification.
const Collection = "notifications"

const (
	fieldType        = "type"
	fieldFromUID     = "fromUid"
	fieldToUID       = "toUid"
	fieldPostID      = "postId"
	fieldCommentText = "commentText"
	fieldRead        = "read"
	fieldCreatedAt   = "createdAt"
)

const anonymousUsername = "Anonymous"

// Type enumerates notification kinds.
type Type string

const (
	TypeLike    Type = "like"
	TypeComment Type = "comment"
	TypeFollow  Type = "follow"
)

// Event describes a qualifying action that should notify its recipient.
type Event struct {
	Type        Type
	FromUID     string
	ToUID       string
	PostID      string
	CommentText string
}

// Sender is the current public identity of the notification's originator.
type Sender struct {
	Username   string `json:"username"`
	ProfilePic string `json:"profilePic,omitempty"`
}

// Notification is a stored notification enriched with its sender.
type Notification struct {
	ID          string    `json:"id"`
	Type        Type      `json:"type"`
	FromUID     string    `json:"fromUid"`
	ToUID       string    `json:"toUid"`
	PostID      string    `json:"postId,omitempty"`
	CommentText string    `json:"commentText,omitempty"`
	Read        bool      `json:"read"`
	CreatedAt   time.Time `json:"createdAt"`
	From        Sender    `json:"fromUser"`
}

func (e Event) fields() docstore.Fields {
	fields := docstore.Fields{
		fieldType:      string(e.Type),
		fieldFromUID:   e.FromUID,
		fieldToUID:     e.ToUID,
		fieldRead:      false,
		fieldCreatedAt: docstore.ServerTimestamp,
	}
	if e.PostID != "" {
		fields[fieldPostID] = e.PostID
	}
	if e.CommentText != "" {
		fields[fieldCommentText] = e.CommentText
	}
	return fields
}

func notificationFromDocument(document docstore.Document) Notification {
	return Notification{
		ID:          document.ID,
		Type:        Type(document.String(fieldType)),
		FromUID:     document.String(fieldFromUID),
		ToUID:       document.String(fieldToUID),
		PostID:      document.String(fieldPostID),
		CommentText: document.String(fieldCommentText),
		Read:        document.Bool(fieldRead),
		CreatedAt:   document.Timestamp(fieldCreatedAt),
	}
}
