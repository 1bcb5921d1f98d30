// Package presence stores per-user status shared by every gateway process.
// Records expire one TTL after their last update; concurrent writers are
// reconciled last-writer-wins on LastUpdated.
package presence

import (
	"context"
	"slices"
	"time"

	"github.com/bwmarrin/snowflake"
)

type Status string

const (
	StatusOnline    Status = "online"
	StatusIdle      Status = "idle"
	StatusDND       Status = "dnd"
	StatusOffline   Status = "offline"
	StatusInvisible Status = "invisible"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusOnline, StatusIdle, StatusDND, StatusOffline, StatusInvisible:
		return true
	}
	return false
}

// Visible reports whether other users see the user as present.
func (s Status) Visible() bool {
	return s != StatusOffline && s != StatusInvisible && s != ""
}

type Activity struct {
	Name      string  `json:"name"`
	Type      int     `json:"type"`
	State     *string `json:"state,omitempty"`
	Details   *string `json:"details,omitempty"`
	URL       *string `json:"url,omitempty"`
	CreatedAt int64   `json:"created_at,omitempty"`
}

type Presence struct {
	UserID     snowflake.ID `json:"user_id"`
	Status     Status       `json:"status"`
	Activities []Activity   `json:"activities"`
	// LastUpdated is unix seconds.
	LastUpdated int64 `json:"last_updated"`
}

// PublicUser is the user stub carried by presence payloads.
type PublicUser struct {
	ID snowflake.ID `json:"id"`
}

// Public is what other users receive in PRESENCE_UPDATE.
type Public struct {
	User         PublicUser        `json:"user"`
	Status       Status            `json:"status"`
	Activities   []Activity        `json:"activities"`
	ClientStatus map[string]Status `json:"client_status"`
	GuildID      *snowflake.ID     `json:"guild_id,omitempty"`
}

// Public projects invisible to offline and hides activities of anyone
// not visible.
func (p Presence) Public() Public {
	status := p.Status
	if !status.Visible() {
		status = StatusOffline
	}
	pub := Public{
		User:         PublicUser{ID: p.UserID},
		Status:       status,
		Activities:   []Activity{},
		ClientStatus: map[string]Status{},
	}
	if status != StatusOffline {
		if p.Activities != nil {
			pub.Activities = p.Activities
		}
		pub.ClientStatus["desktop"] = status
	}
	return pub
}

// Offline is the public presence of a user with no live record.
func Offline(userID snowflake.ID) Public {
	return Presence{UserID: userID, Status: StatusOffline}.Public()
}

// SameAs reports whether two public presences look identical to observers.
func (p Public) SameAs(o Public) bool {
	return p.User.ID == o.User.ID && p.Status == o.Status &&
		slices.EqualFunc(p.Activities, o.Activities, func(a, b Activity) bool {
			return a.Name == b.Name && a.Type == b.Type && ptrEq(a.State, b.State) &&
				ptrEq(a.Details, b.Details) && ptrEq(a.URL, b.URL)
		})
}

func ptrEq(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

type Store interface {
	// SetOrRefresh writes p with a fresh TTL. With overwrite=false the write
	// only happens when no live record exists. A write whose LastUpdated is
	// older than the stored one is ignored. It returns the record stored
	// after the call.
	SetOrRefresh(ctx context.Context, p Presence, overwrite bool) (*Presence, error)
	// Get returns nil when the record is absent or older than the TTL.
	Get(ctx context.Context, userID snowflake.ID) (*Presence, error)
	// GetMany returns the live records among userIDs.
	GetMany(ctx context.Context, userIDs []snowflake.ID) (map[snowflake.ID]Presence, error)
	// Refresh bumps LastUpdated and the TTL without changing the status.
	Refresh(ctx context.Context, userID snowflake.ID) error
	Close() error
}

type clock func() time.Time

func expired(p Presence, ttl time.Duration, now time.Time) bool {
	return time.Unix(p.LastUpdated, 0).Add(ttl).Before(now)
}
