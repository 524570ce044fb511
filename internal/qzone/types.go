package qzone

import "time"

// Post is one feed entry as seen by the commenting loop.
type Post struct {
	ID        string
	OwnerUin  string
	OwnerName string
	Text      string
	CreatedAt time.Time
	// HasMyComment is true when the session owner already commented,
	// which excludes the post from the auto-comment sweep.
	HasMyComment bool
}

// Credentials is a parsed, validated cookie session.
type Credentials struct {
	Uin    string
	SKey   string
	PSKey  string
	GTK    string
	Cookie string
}
