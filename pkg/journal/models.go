package journal

import "time"

// Mode is the kind of session.
type Mode string

const (
	ModeMember Mode = "member"
	ModeGuest  Mode = "guest"
)

// Session is one recycling session as stored locally.
type Session struct {
	ID               string     `gorm:"primaryKey;size:36" json:"id"`
	Code             string     `gorm:"index;size:64" json:"code"`
	Mode             Mode       `gorm:"size:16" json:"mode"`
	UserID           string     `gorm:"size:64" json:"userId,omitempty"`
	BackendSessionID string     `gorm:"size:64" json:"backendSessionId,omitempty"`
	DeviceID         string     `gorm:"size:64" json:"deviceId"`
	StartedAt        time.Time  `json:"startedAt"`
	EndedAt          *time.Time `json:"endedAt,omitempty"`
	ItemsProcessed   int        `json:"itemsProcessed"`
	TotalWeight      float64    `json:"totalWeight"`
	TotalPoints      float64    `json:"totalPoints"`
	EndReason        string     `gorm:"size:32" json:"endReason,omitempty"`
	BackendSynced    bool       `json:"backendSynced"`
	Items            []Item     `gorm:"foreignKey:SessionID;constraint:OnDelete:CASCADE" json:"items,omitempty"`
}

// Item is one accepted item.
type Item struct {
	ID         string    `gorm:"primaryKey;size:36" json:"id"`
	SessionID  string    `gorm:"index;size:36" json:"sessionId"`
	Seq        int       `json:"seq"`
	Material   string    `gorm:"size:32" json:"material"`
	Weight     float64   `json:"weight"`
	Confidence int       `json:"confidence"`
	ClassName  string    `gorm:"size:128" json:"className"`
	CreatedAt  time.Time `json:"createdAt"`
	Synced     bool      `json:"synced"`
}

// Closing describes how a session ended.
type Closing struct {
	EndedAt        time.Time
	ItemsProcessed int
	TotalWeight    float64
	TotalPoints    float64
	Reason         string
	BackendSynced  bool
}
