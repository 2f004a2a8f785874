package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// DispatchFilter selects recipients either by explicit ids or by view/status/tag sets.
type DispatchFilter struct {
	ClientIDs []uuid.UUID `json:"client_ids,omitempty"`
	View      string      `json:"view,omitempty"`
	Statuses  []string    `json:"statuses,omitempty"`
	Tags      []string    `json:"tags,omitempty"`
}

type DispatchError struct {
	ClientID uuid.UUID `json:"client_id"`
	Name     string    `json:"name"`
	Error    string    `json:"error"`
}

// BulkDispatch is the persisted outcome of one bulk send.
type BulkDispatch struct {
	Base
	Message    string                             `gorm:"type:text;not null" json:"message"`
	Template   string                             `gorm:"type:varchar(100)" json:"template,omitempty"`
	Filter     datatypes.JSONType[DispatchFilter] `json:"filter"`
	Total      int                                `gorm:"not null" json:"total"`
	Sent       int                                `gorm:"not null;default:0" json:"sent"`
	Failed     int                                `gorm:"not null;default:0" json:"failed"`
	Errors     datatypes.JSONSlice[DispatchError] `json:"errors"`
	CreatedBy  string                             `gorm:"type:varchar(100)" json:"created_by"`
	StartedAt  time.Time                          `json:"started_at"`
	FinishedAt *time.Time                         `json:"finished_at"`
}
