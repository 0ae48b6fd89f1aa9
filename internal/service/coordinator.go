package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/leadrouter/backend/internal/db"
	"github.com/leadrouter/backend/internal/models"
)

const (
	StatusAssigned   = "ASSIGNED"
	StatusUnassigned = "UNASSIGNED"
)

type AssignmentService struct {
	Store       *db.Store
	Logger      zerolog.Logger
	LockTimeout time.Duration
}

type AssignResult struct {
	LeadID          string  `json:"lead_id"`
	Status          string  `json:"status"`
	CallerID        *string `json:"caller_id"`
	CallerName      string  `json:"caller_name,omitempty"`
	ReasonCode      string  `json:"reason_code,omitempty"`
	AlreadyAssigned bool    `json:"already_assigned,omitempty"`
}

// Assign routes one lead to one caller inside a single transaction.
//
// The lead row is locked first, then every caller row (ordered by id).
// A concurrent assign therefore waits on the registry lock and re-reads
// committed counters instead of racing ahead with a stale snapshot. Stale
// daily quotas are reset against the same locked snapshot the selector
// reads, with "today" computed once for the whole transaction.
//
// Already-assigned leads are a no-op: the existing assignment is returned
// and no second audit record is written, which makes caller-side retries
// after a lock timeout safe.
func (s *AssignmentService) Assign(ctx context.Context, leadID string) (AssignResult, error) {
	now := time.Now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	var res AssignResult
	err := s.Store.WithTx(ctx, func(tx pgx.Tx) error {
		if s.LockTimeout > 0 {
			// SET LOCAL cannot take a bind parameter.
			if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.LockTimeout.Milliseconds())); err != nil {
				return err
			}
		}

		lead, err := s.Store.GetLeadForUpdate(ctx, tx, leadID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrLeadNotFound
			}
			return err
		}

		if lead.AssignedCallerID != nil {
			res = AssignResult{
				LeadID:          lead.ID,
				Status:          StatusAssigned,
				CallerID:        lead.AssignedCallerID,
				AlreadyAssigned: true,
			}
			return nil
		}

		callers, err := s.Store.LoadCallersForUpdate(ctx, tx)
		if err != nil {
			return err
		}

		resetCount, err := s.Store.ResetStaleQuotas(ctx, tx, today)
		if err != nil {
			return err
		}
		if resetCount > 0 {
			s.Logger.Info().Int64("callers", resetCount).Msg("daily quotas reset")
		}
		for i := range callers {
			if callers[i].LastResetDate.Before(today) {
				callers[i].AssignedToday = 0
				callers[i].LastResetDate = today
			}
		}

		sel, err := SelectCaller(lead.AffinityKey, callers)
		if err != nil {
			return err
		}

		if err := s.Store.CommitCallerAssignment(ctx, tx, sel.Caller.ID, sel.Caller.AssignedToday+1, now); err != nil {
			return err
		}
		stamped, err := s.Store.MarkLeadAssigned(ctx, tx, lead.ID, sel.Caller.ID, now)
		if err != nil {
			return err
		}
		if stamped == 0 {
			return fmt.Errorf("lead %s already stamped inside assignment transaction", lead.ID)
		}
		record := models.AssignmentRecord{
			ID:         uuid.NewString(),
			LeadID:     lead.ID,
			CallerID:   sel.Caller.ID,
			ReasonCode: sel.ReasonCode,
			CreatedAt:  now,
		}
		if err := s.Store.InsertAssignmentRecord(ctx, tx, record); err != nil {
			return err
		}

		callerID := sel.Caller.ID
		res = AssignResult{
			LeadID:     lead.ID,
			Status:     StatusAssigned,
			CallerID:   &callerID,
			CallerName: sel.Caller.Name,
			ReasonCode: sel.ReasonCode,
		}

		evt := s.Logger.Info()
		if sel.ReasonCode == ReasonCapacityOverflow {
			evt = s.Logger.Warn()
		}
		evt.Str("lead_id", lead.ID).
			Str("caller_id", sel.Caller.ID).
			Str("reason_code", sel.ReasonCode).
			Int("assigned_count_today", sel.Caller.AssignedToday+1).
			Int("capacity_per_day", sel.Caller.CapacityPerDay).
			Msg("lead assigned")
		return nil
	})

	if err != nil {
		if errors.Is(err, ErrNoCallersAvailable) {
			return AssignResult{LeadID: leadID, Status: StatusUnassigned}, err
		}
		return AssignResult{}, err
	}

	if res.AlreadyAssigned && res.CallerID != nil {
		if c, err := s.Store.GetCaller(ctx, *res.CallerID); err == nil {
			res.CallerName = c.Name
		}
	}
	return res, nil
}
