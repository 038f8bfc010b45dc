package curation

import (
	"errors"
	"fmt"
	"strings"

	"listing-curator/internal/models"
)

var (
	// ErrInvalidStatus is returned for unknown statuses and for status changes
	// the business content does not allow.
	ErrInvalidStatus = errors.New("invalid status")
	// ErrNoBusinesses is returned when a bulk update names no business.
	ErrNoBusinesses = errors.New("no business ids provided")
)

// guardDescription downgrades a REVIEWED or IN_PRODUCTION business without a
// usable description to PENDING. It reports whether it changed b.
func guardDescription(b *models.Business) bool {
	if b.Status != models.BusinessReviewed && b.Status != models.BusinessInProduction {
		return false
	}
	if b.HasDescription() {
		return false
	}
	b.Status = models.BusinessPending
	return true
}

// CheckStatusChange validates an explicit move of b to target. REVIEWED needs
// the original description; IN_PRODUCTION also needs every translation.
func CheckStatusChange(b models.Business, target models.BusinessStatus) error {
	if !target.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, target)
	}
	var missing []string
	if target == models.BusinessReviewed || target == models.BusinessInProduction {
		if !b.HasDescription() {
			missing = append(missing, "Original description")
		}
	}
	if target == models.BusinessInProduction {
		missing = append(missing, b.MissingTranslations()...)
	}
	if len(missing) > 0 {
		return &MissingContentError{Target: target, Missing: missing}
	}
	return nil
}

// MissingContentError lists the descriptions blocking a status change.
type MissingContentError struct {
	Target  models.BusinessStatus
	Missing []string
	// Demoted is set when the business was moved back to PENDING.
	Demoted bool
}

func (e *MissingContentError) Error() string {
	if e.Demoted {
		return fmt.Sprintf("business descriptions missing: %s; status moved to PENDING", strings.Join(e.Missing, ", "))
	}
	return fmt.Sprintf("cannot move to %s: %s missing", e.Target, strings.Join(e.Missing, ", "))
}

func (e *MissingContentError) Is(target error) bool {
	return target == ErrInvalidStatus
}
