// models/duel.go
package models

import (
	"time"

	"gorm.io/datatypes"
)

// DuelStatus is the duel lifecycle state. Only the edges listed in
// CanTransitionTo are legal.
type DuelStatus string

const (
	DuelPending         DuelStatus = "pending"
	DuelAccepted        DuelStatus = "accepted"
	DuelStarted         DuelStatus = "started"
	DuelCompletedUnseen DuelStatus = "completed_unseen"
	DuelCompleted       DuelStatus = "completed"
	DuelDeclined        DuelStatus = "declined"
	DuelCanceled        DuelStatus = "canceled"
	DuelUnderReview     DuelStatus = "under_review"
)

// CanTransitionTo reports whether next is a legal successor of s.
func (s DuelStatus) CanTransitionTo(next DuelStatus) bool {
	switch s {
	case DuelPending:
		return next == DuelAccepted || next == DuelDeclined || next == DuelCanceled
	case DuelAccepted:
		return next == DuelStarted || next == DuelCanceled
	case DuelStarted:
		// completed / canceled are the forfeit and crash branches
		return next == DuelCompletedUnseen || next == DuelCompleted || next == DuelCanceled
	case DuelCompletedUnseen:
		return next == DuelCompleted || next == DuelUnderReview
	case DuelUnderReview:
		return next == DuelCompleted || next == DuelCanceled
	case DuelCompleted, DuelDeclined, DuelCanceled:
		return false
	default:
		return false
	}
}

func (s DuelStatus) IsTerminal() bool {
	switch s {
	case DuelCompleted, DuelDeclined, DuelCanceled:
		return true
	}
	return false
}

// HoldsEscrow reports whether both wagers are debited and not yet settled.
func (s DuelStatus) HoldsEscrow() bool {
	switch s {
	case DuelAccepted, DuelStarted, DuelCompletedUnseen, DuelUnderReview:
		return true
	}
	return false
}

func (s DuelStatus) Valid() bool {
	switch s {
	case DuelPending, DuelAccepted, DuelStarted, DuelCompletedUnseen,
		DuelCompleted, DuelDeclined, DuelCanceled, DuelUnderReview:
		return true
	}
	return false
}

// Duel is one wagered match between a challenger and an opponent.
type Duel struct {
	ID           string     `gorm:"primaryKey;type:varchar(36)" json:"id"`
	ChallengerID string     `gorm:"index;not null;type:varchar(64)" json:"challenger_id"`
	OpponentID   string     `gorm:"index;not null;type:varchar(64)" json:"opponent_id"`
	Wager        int64      `gorm:"not null;check:wager > 0" json:"wager"`
	Pot          int64      `gorm:"not null;default:0" json:"pot"`
	Tax          int64      `gorm:"not null;default:0" json:"tax"`
	Status       DuelStatus `gorm:"type:varchar(24);not null;index" json:"status"`
	Region       string     `gorm:"type:varchar(32);not null;index" json:"region"`
	Source       string     `gorm:"type:varchar(16);not null;default:'challenge'" json:"source"` // challenge | matchmaking

	// Map / weapon / mode payload, opaque to the core.
	Rules datatypes.JSON `gorm:"type:jsonb" json:"rules,omitempty"`

	ServerID *string `gorm:"index;type:varchar(64)" json:"server_id,omitempty"`
	// Seconds added to (or removed from) the forfeit deadline.
	ExpirationOffsetSec int `gorm:"not null;default:0" json:"-"`

	WinnerID        *string `gorm:"type:varchar(64)" json:"winner_id,omitempty"`
	ChallengerAcked bool    `gorm:"not null;default:false" json:"challenger_acked"`
	OpponentAcked   bool    `gorm:"not null;default:false" json:"opponent_acked"`

	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	AcceptedAt     *time.Time `json:"accepted_at,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	ResultPostedAt *time.Time `json:"result_posted_at,omitempty"`
	SettledAt      *time.Time `json:"settled_at,omitempty"`
	CanceledReason string     `gorm:"type:varchar(32)" json:"canceled_reason,omitempty"`
}

const (
	DuelSourceChallenge   = "challenge"
	DuelSourceMatchmaking = "matchmaking"
)

func (d *Duel) IsParticipant(userID string) bool {
	return userID != "" && (userID == d.ChallengerID || userID == d.OpponentID)
}

// OtherParticipant returns the participant that is not userID.
func (d *Duel) OtherParticipant(userID string) string {
	if userID == d.ChallengerID {
		return d.OpponentID
	}
	return d.ChallengerID
}

// DuelEventKind values come from the game server's session transcript.
type DuelEventKind string

const (
	EventPlayerJoined DuelEventKind = "player_joined"
	EventPlayerLeft   DuelEventKind = "player_left"
	EventRoundEnded   DuelEventKind = "round_ended"
)

// DuelEvent is an append-only transcript row reported by the game server.
type DuelEvent struct {
	ID        string         `gorm:"primaryKey;type:varchar(36)" json:"id"`
	DuelID    string         `gorm:"index;not null;type:varchar(36)" json:"duel_id"`
	UserID    string         `gorm:"type:varchar(64)" json:"user_id,omitempty"`
	Kind      DuelEventKind  `gorm:"type:varchar(32);not null" json:"kind"`
	Payload   datatypes.JSON `gorm:"type:jsonb" json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

type DisputeStatus string

const (
	DisputeOpen     DisputeStatus = "open"
	DisputeResolved DisputeStatus = "resolved"
)

// DisputeDecision is the admin outcome for a duel under review.
type DisputeDecision string

const (
	DecisionUphold   DisputeDecision = "uphold"
	DecisionOverturn DisputeDecision = "overturn"
	DecisionVoid     DisputeDecision = "void"
)

type Dispute struct {
	ID          string           `gorm:"primaryKey;type:varchar(36)" json:"id"`
	DuelID      string           `gorm:"uniqueIndex;not null;type:varchar(36)" json:"duel_id"`
	ReporterID  string           `gorm:"index;not null;type:varchar(64)" json:"reporter_id"`
	ReportedID  string           `gorm:"index;not null;type:varchar(64)" json:"reported_id"`
	Reason      string           `gorm:"type:text;not null" json:"reason"`
	EvidenceURL string           `gorm:"type:text" json:"evidence_url,omitempty"`
	Status      DisputeStatus    `gorm:"type:varchar(16);not null;default:'open'" json:"status"`
	Decision    *DisputeDecision `gorm:"type:varchar(16)" json:"decision,omitempty"`
	ResolvedBy  string           `gorm:"type:varchar(64)" json:"resolved_by,omitempty"`
	ResolvedAt  *time.Time       `json:"resolved_at,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}
