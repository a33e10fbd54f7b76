package domain

import "time"

// Platform identifies the messaging platform an event arrived from.
type Platform string

const (
	PlatformLINE       Platform = "line"
	PlatformMattermost Platform = "mattermost"
)

// User is a per-platform chat user. Created on first contact; the approval
// flag gates the pipeline and is only flipped by an out-of-band action.
type User struct {
	Platform Platform
	UserID   string
	UserName string
	Approved bool
}

// Turn is one persisted conversation message. User turns carry the inbound
// event timestamp, assistant turns the time of persistence.
type Turn struct {
	Role      string
	Content   string
	Timestamp time.Time
}
