// Package sync orchestrates propagation between the local cache and
// the remote source of truth.
package sync

import (
	apperr "github.com/leadstack/leadcache/internal/errors"
	"github.com/leadstack/leadcache/internal/models"
)

// stageOrder defines the forward outreach sequence. retry and maxed are
// terminal: once a lead reaches either, no further transition is
// accepted and the lead must be re-engaged manually.
var stageOrder = map[models.EngagementStage]int{
	models.StageNone:         0,
	models.StageFirstDegree:  1,
	models.StageSecondDegree: 2,
	models.StageThirdDegree:  3,
	models.StageRetry:        4,
}

// ValidStage reports whether s names a known engagement stage.
func ValidStage(s models.EngagementStage) bool {
	if s == models.StageMaxed {
		return true
	}
	_, ok := stageOrder[s]
	return ok
}

// ValidateTransition checks an engagement stage transition. Allowed
// moves advance exactly one step along
// none -> first_degree -> second_degree -> third_degree -> retry.
// Backward moves, skips, and any move out of retry or maxed are
// rejected with a STAGE_VIOLATION; the record is left unchanged by the
// caller in that case.
func ValidateTransition(from, to models.EngagementStage) error {
	if !ValidStage(to) {
		return apperr.Newf(apperr.ErrStageViolation, "unknown engagement stage: %q", to)
	}
	if from == models.StageMaxed || from == models.StageRetry {
		return apperr.Newf(apperr.ErrStageViolation, "lead at %s accepts no further transitions", from)
	}
	if to == models.StageMaxed {
		return apperr.New(apperr.ErrStageViolation, "maxed is not directly reachable")
	}

	fromOrder, ok := stageOrder[from]
	if !ok {
		return apperr.Newf(apperr.ErrStageViolation, "unknown engagement stage: %q", from)
	}
	toOrder := stageOrder[to]

	switch {
	case toOrder <= fromOrder:
		return apperr.Newf(apperr.ErrStageViolation, "cannot move backward from %s to %s", from, to)
	case toOrder > fromOrder+1:
		return apperr.Newf(apperr.ErrStageViolation, "cannot skip from %s to %s", from, to)
	}
	return nil
}
