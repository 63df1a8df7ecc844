package engagement

import (
	"github.com/MarcoPoloResearchLab/murmur/backend/internal/docstore"
)

const (
	collectionPosts = "posts"

	fieldUID        = "uid"
	fieldUsername   = "username"
	fieldProfilePic = "profilePic"
	fieldText       = "text"
	fieldMediaURL   = "mediaUrl"
	fieldMediaType  = "mediaType"
	fieldCreatedAt  = "createdAt"
	fieldLikes      = "likes"
	fieldComments   = "comments"
)

type commentRecord struct {
	ID         string `json:"id"`
	UID        string `json:"uid"`
	Username   string `json:"username"`
	ProfilePic string `json:"profilePic"`
	Text       string `json:"text"`
	CreatedAt  string `json:"createdAt"`
}

func (c Comment) record() commentRecord {
	return commentRecord{
		ID:         c.ID,
		UID:        c.UID,
		Username:   c.Username,
		ProfilePic: c.ProfilePic,
		Text:       c.Text,
		CreatedAt:  docstore.FormatTimestamp(c.CreatedAt),
	}
}

func postFromDocument(document docstore.Document) (Post, error) {
	var records []commentRecord
	if err := document.Decode(fieldComments, &records); err != nil {
		return Post{}, err
	}
	comments := make([]Comment, 0, len(records))
	for _, record := range records {
		createdAt, _ := docstore.ParseTimestamp(record.CreatedAt)
		comments = append(comments, Comment{
			ID:         record.ID,
			UID:        record.UID,
			Username:   record.Username,
			ProfilePic: record.ProfilePic,
			Text:       record.Text,
			CreatedAt:  createdAt,
		})
	}
	likes := document.Strings(fieldLikes)
	if likes == nil {
		likes = []string{}
	}
	return Post{
		ID:         document.ID,
		UID:        document.String(fieldUID),
		Username:   document.String(fieldUsername),
		ProfilePic: document.String(fieldProfilePic),
		Text:       document.String(fieldText),
		MediaURL:   document.String(fieldMediaURL),
		MediaType:  MediaType(document.String(fieldMediaType)),
		CreatedAt:  document.Timestamp(fieldCreatedAt),
		Likes:      likes,
		Comments:   comments,
	}, nil
}

func (d PostDraft) fields(author Session) docstore.Fields {
	fields := docstore.Fields{
		fieldUID:        author.UserID,
		fieldUsername:   author.displayName(),
		fieldProfilePic: author.AvatarURL,
		fieldText:       d.Text,
		fieldCreatedAt:  docstore.ServerTimestamp,
		fieldLikes:      []string{},
		fieldComments:   []commentRecord{},
	}
	if d.MediaURL != "" {
		fields[fieldMediaURL] = d.MediaURL
		fields[fieldMediaType] = string(d.MediaType)
	}
	return fields
}
