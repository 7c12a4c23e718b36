package models

import "time"

// UserProfile is the public part of a user record.
type UserProfile struct {
	ID           string `db:"id" json:"_id"`
	Username     string `db:"username" json:"username"`
	FullName     string `db:"full_name" json:"fullName"`
	ProfileImage string `db:"profile_image" json:"profileImage"`
}

// PresenceSnapshot is the mirrored presence state of a user.
type PresenceSnapshot struct {
	UserID   string     `json:"userId"`
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}
