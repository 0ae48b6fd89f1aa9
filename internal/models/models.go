package models

import "time"

type Caller struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	CapacityPerDay int        `json:"capacity_per_day"`
	AssignedToday  int        `json:"assigned_count_today"`
	LastResetDate  time.Time  `json:"last_reset_date"`
	LastAssignedAt *time.Time `json:"last_assigned_at"`
	AffinityTags   []string   `json:"affinity_tags"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

type Lead struct {
	ID               string     `json:"id"`
	Source           string     `json:"source"`
	Contact          string     `json:"contact"`
	AffinityKey      string     `json:"affinity_key"`
	AssignedCallerID *string    `json:"assigned_caller_id"`
	AssignedAt       *time.Time `json:"assigned_at"`
	CreatedAt        time.Time  `json:"created_at"`
}

type AssignmentRecord struct {
	ID         string    `json:"id"`
	LeadID     string    `json:"lead_id"`
	CallerID   string    `json:"caller_id"`
	ReasonCode string    `json:"reason_code"`
	CreatedAt  time.Time `json:"created_at"`
}
