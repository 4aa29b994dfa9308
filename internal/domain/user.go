package domain

type User struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
	// PresencePreference is the durable default status. Empty means none.
	PresencePreference PresenceStatus `json:"presence_preference,omitempty"`
}
