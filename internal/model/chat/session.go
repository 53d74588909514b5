package chat

import "time"

// Session describes a conversation bound to one signed-in identity.
type Session struct {
	ID             string    `json:"id"`
	UserIdentifier string    `json:"userIdentifier"`
	Email          string    `json:"email,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}
