package db

import (
	"strings"
	"time"
	"unicode/utf8"
)

// PreviewLength is the number of characters shown in a document's preview.
const PreviewLength = 1000

// Document records who owns an indexed document and keeps its text. The
// fragments themselves live in the retrieval index under the same ID.
type Document struct {
	ID         string    `json:"id" gorm:"primaryKey;size:200"`
	UserID     string    `json:"user_id" gorm:"index;size:64;not null"`
	Name       string    `json:"name" gorm:"size:255"`
	Content    string    `json:"-" gorm:"type:text"`
	Fragments  int       `json:"fragments"`
	Characters int       `json:"characters"`
	Words      int       `json:"words"`
	IsActive   bool      `json:"is_active" gorm:"index;not null"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (Document) TableName() string {
	return "documents"
}

// SetContent stores text and its statistics.
func (d *Document) SetContent(text string) {
	d.Content = text
	d.Characters = utf8.RuneCountInString(text)
	d.Words = len(strings.Fields(text))
}

// Preview returns the first PreviewLength characters of the content.
func (d *Document) Preview() string {
	if d.Characters <= PreviewLength {
		return d.Content
	}
	return string([]rune(d.Content)[:PreviewLength]) + "..."
}
