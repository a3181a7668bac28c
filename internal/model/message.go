package model

import "time"

// Message is one chat message harvested from a message source
type Message struct {
	ID        string
	Source    string
	AuthorID  string
	Author    string
	Content   string
	CreatedAt time.Time
}
