package service

import (
	"sort"
	"strings"

	"github.com/leadrouter/backend/internal/models"
)

const (
	ReasonAffinityRoundRobin = "affinity_round_robin"
	ReasonGlobalRoundRobin   = "global_round_robin"
	ReasonCapacityOverflow   = "capacity_overflow_fallback"
)

type Selection struct {
	Caller     models.Caller
	ReasonCode string
}

// NormalizeTag is the canonical form for affinity tags and keys; applied at
// write time in the callers CRUD and again at comparison time here.
func NormalizeTag(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}

// SelectCaller picks a caller for a lead from a fully-loaded registry
// snapshot. Tiers, in order:
//
//  1. leads with an affinity key that matches at least one caller stay in
//     that matched pool; under-capacity callers in it are picked
//     round-robin (oldest last_assigned_at first, never-assigned first).
//  2. otherwise the whole registry is the pool, same round-robin pick over
//     its under-capacity callers.
//  3. if every caller in the pool is at capacity, the least-loaded one is
//     picked anyway. Losing a lead is worse than exceeding a soft daily
//     cap; the overflow reason code keeps the event visible downstream.
//
// All orderings end with caller id so the outcome never depends on input
// order. The snapshot is not mutated.
func SelectCaller(affinityKey string, callers []models.Caller) (Selection, error) {
	if len(callers) == 0 {
		return Selection{}, ErrNoCallersAvailable
	}

	pool := callers
	reason := ReasonGlobalRoundRobin
	if key := NormalizeTag(affinityKey); key != "" {
		matched := filterCallers(callers, func(c models.Caller) bool {
			return hasTag(c.AffinityTags, key)
		})
		if len(matched) > 0 {
			pool = matched
			reason = ReasonAffinityRoundRobin
		}
	}

	underCap := filterCallers(pool, func(c models.Caller) bool {
		return c.AssignedToday < c.CapacityPerDay
	})
	if len(underCap) > 0 {
		sort.Slice(underCap, func(i, j int) bool {
			return lessByFairness(underCap[i], underCap[j])
		})
		return Selection{Caller: underCap[0], ReasonCode: reason}, nil
	}

	overflow := append([]models.Caller(nil), pool...)
	sort.Slice(overflow, func(i, j int) bool {
		if overflow[i].AssignedToday != overflow[j].AssignedToday {
			return overflow[i].AssignedToday < overflow[j].AssignedToday
		}
		return lessByFairness(overflow[i], overflow[j])
	})
	return Selection{Caller: overflow[0], ReasonCode: ReasonCapacityOverflow}, nil
}

// lessByFairness orders by last_assigned_at ascending with never-assigned
// first, then by id. A caller can only be picked twice after every other
// caller in the pool has been picked once.
func lessByFairness(a, b models.Caller) bool {
	switch {
	case a.LastAssignedAt == nil && b.LastAssignedAt != nil:
		return true
	case a.LastAssignedAt != nil && b.LastAssignedAt == nil:
		return false
	case a.LastAssignedAt != nil && b.LastAssignedAt != nil:
		if !a.LastAssignedAt.Equal(*b.LastAssignedAt) {
			return a.LastAssignedAt.Before(*b.LastAssignedAt)
		}
	}
	return a.ID < b.ID
}

func hasTag(tags []string, normalizedKey string) bool {
	set := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		set[NormalizeTag(t)] = struct{}{}
	}
	_, ok := set[normalizedKey]
	return ok
}

func filterCallers(callers []models.Caller, keep func(models.Caller) bool) []models.Caller {
	out := make([]models.Caller, 0, len(callers))
	for _, c := range callers {
		if keep(c) {
			out = append(out, c)
		}
	}
	return out
}
