package repository

import (
	"context"
	"errors"
	"time"

	"github.com/ahmadzakiakmal/passport-workbench/errs"
	"github.com/ahmadzakiakmal/passport-workbench/repository/models"
	"gorm.io/gorm"
)

// claimBatch is how many due records are considered per claim attempt
const claimBatch = 8

// CreateAnchoring inserts a pending anchoring record. When a record for the same
// passport hash already exists it is returned instead and created is false.
func (r *Repository) CreateAnchoring(ctx context.Context, record *models.AnchoringRecord) (existing *models.AnchoringRecord, created bool, err error) {
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var found models.AnchoringRecord
		lookup := tx.Where("passport_hash = ?", record.PassportHash).First(&found)
		if lookup.Error == nil {
			existing = &found
			return nil
		}
		if !errors.Is(lookup.Error, gorm.ErrRecordNotFound) {
			return dbError("Failed to look up anchoring record", lookup.Error)
		}
		if err := tx.Create(record).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				// lost a race against another enqueue of the same passport
				if err := tx.Where("passport_hash = ?", record.PassportHash).First(&found).Error; err != nil {
					return dbError("Failed to look up anchoring record", err)
				}
				existing = &found
				return nil
			}
			return dbError("Failed to create anchoring record", err)
		}
		existing = record
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return existing, created, nil
}

// GetAnchoring returns the anchoring record of a passport hash
func (r *Repository) GetAnchoring(ctx context.Context, passportHash string) (*models.AnchoringRecord, error) {
	var record models.AnchoringRecord
	err := r.db.WithContext(ctx).Where("passport_hash = ?", passportHash).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.New(errs.ErrNotFound, "anchoring record for %s", passportHash)
		}
		return nil, dbError("Failed to look up anchoring record", err)
	}
	return &record, nil
}

// ClaimDueAnchoring leases the next due, non-terminal record to owner and counts the
// attempt. It returns nil when nothing is due. A lease is taken with a conditional
// update so two workers can never hold the same passport hash at once.
func (r *Repository) ClaimDueAnchoring(ctx context.Context, owner string, now time.Time, ttl time.Duration) (*models.AnchoringRecord, error) {
	var candidates []models.AnchoringRecord
	err := r.db.WithContext(ctx).
		Where("status IN ?", []string{models.AnchoringPending, models.AnchoringStorageCommitted}).
		Where("next_attempt_at <= ?", now).
		Where("(lease_expires_at IS NULL OR lease_expires_at < ?)", now).
		Order("next_attempt_at").
		Limit(claimBatch).
		Find(&candidates).Error
	if err != nil {
		return nil, dbError("Failed to list due anchoring records", err)
	}

	expires := now.Add(ttl)
	for _, c := range candidates {
		res := r.db.WithContext(ctx).Model(&models.AnchoringRecord{}).
			Where("passport_hash = ? AND status = ?", c.PassportHash, c.Status).
			Where("(lease_expires_at IS NULL OR lease_expires_at < ?)", now).
			Updates(map[string]any{
				"lease_owner":      owner,
				"lease_expires_at": expires,
				"attempts":         gorm.Expr("attempts + 1"),
			})
		if res.Error != nil {
			return nil, dbError("Failed to lease anchoring record", res.Error)
		}
		if res.RowsAffected == 1 {
			claimed := c
			claimed.LeaseOwner = &owner
			claimed.LeaseExpiresAt = &expires
			claimed.Attempts++
			return &claimed, nil
		}
	}
	return nil, nil
}

// AdvanceAnchoring moves a leased record forward from one status to another. The
// update only applies while owner still holds the lease and the record is still in
// from, so a status can never move backwards.
func (r *Repository) AdvanceAnchoring(ctx context.Context, passportHash, owner, from, to string, fields map[string]any) error {
	if models.StatusRank(to) <= models.StatusRank(from) {
		return errs.New(errs.ErrInvalidTransition, "anchoring %s: %s -> %s", passportHash, from, to)
	}
	updates := map[string]any{"status": to, "last_error": ""}
	for k, v := range fields {
		updates[k] = v
	}
	if to == models.AnchoringLedgerCommitted || to == models.AnchoringFailed {
		updates["lease_owner"] = nil
		updates["lease_expires_at"] = nil
	}
	res := r.db.WithContext(ctx).Model(&models.AnchoringRecord{}).
		Where("passport_hash = ? AND status = ? AND lease_owner = ?", passportHash, from, owner).
		Updates(updates)
	if res.Error != nil {
		return dbError("Failed to advance anchoring record", res.Error)
	}
	if res.RowsAffected == 0 {
		return errs.New(errs.ErrInvalidTransition, "anchoring %s is no longer %s under lease %s", passportHash, from, owner)
	}
	return nil
}

// RecordAnchoringFailure stores the last error, schedules the next attempt and
// releases the lease
func (r *Repository) RecordAnchoringFailure(ctx context.Context, passportHash, owner, lastErr string, next time.Time) error {
	res := r.db.WithContext(ctx).Model(&models.AnchoringRecord{}).
		Where("passport_hash = ? AND lease_owner = ?", passportHash, owner).
		Where("status IN ?", []string{models.AnchoringPending, models.AnchoringStorageCommitted}).
		Updates(map[string]any{
			"last_error":       lastErr,
			"next_attempt_at":  next,
			"lease_owner":      nil,
			"lease_expires_at": nil,
		})
	if res.Error != nil {
		return dbError("Failed to record anchoring failure", res.Error)
	}
	if res.RowsAffected == 0 {
		return errs.New(errs.ErrInvalidTransition, "anchoring %s is not leased by %s", passportHash, owner)
	}
	return nil
}

// ReleaseAnchoring drops owner's lease without touching status or schedule
func (r *Repository) ReleaseAnchoring(ctx context.Context, passportHash, owner string) error {
	err := r.db.WithContext(ctx).Model(&models.AnchoringRecord{}).
		Where("passport_hash = ? AND lease_owner = ?", passportHash, owner).
		Updates(map[string]any{"lease_owner": nil, "lease_expires_at": nil}).Error
	if err != nil {
		return dbError("Failed to release anchoring lease", err)
	}
	return nil
}

// ListAnchoring returns records in the given status, oldest first
func (r *Repository) ListAnchoring(ctx context.Context, status string) ([]models.AnchoringRecord, error) {
	var records []models.AnchoringRecord
	err := r.db.WithContext(ctx).Where("status = ?", status).Order("created_at").Find(&records).Error
	if err != nil {
		return nil, dbError("Failed to list anchoring records", err)
	}
	return records, nil
}

// CountAnchoring returns the number of records per status
func (r *Repository) CountAnchoring(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Status string
		Count  int64
	}
	err := r.db.WithContext(ctx).Model(&models.AnchoringRecord{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, dbError("Failed to count anchoring records", err)
	}
	out := make(map[string]int64, len(rows))
	for _, row := range rows {
		out[row.Status] = row.Count
	}
	return out, nil
}

// RequeueAnchoring takes a permanently failed record back into the queue. Work
// resumes from the last committed stage: a record with a locator continues at
// storage_committed, otherwise at pending.
func (r *Repository) RequeueAnchoring(ctx context.Context, passportHash string, now time.Time) (*models.AnchoringRecord, error) {
	var out models.AnchoringRecord
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("passport_hash = ?", passportHash).First(&out).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errs.New(errs.ErrNotFound, "anchoring record for %s", passportHash)
			}
			return dbError("Failed to look up anchoring record", err)
		}
		if out.Status != models.AnchoringFailed {
			return errs.New(errs.ErrInvalidTransition, "anchoring %s is %s, not %s", passportHash, out.Status, models.AnchoringFailed)
		}
		resume := models.AnchoringPending
		if out.Locator != nil && *out.Locator != "" {
			resume = models.AnchoringStorageCommitted
		}
		res := tx.Model(&models.AnchoringRecord{}).
			Where("passport_hash = ? AND status = ?", passportHash, models.AnchoringFailed).
			Updates(map[string]any{
				"status":          resume,
				"attempts":        0,
				"requeued":        gorm.Expr("requeued + 1"),
				"next_attempt_at": now,
			})
		if res.Error != nil {
			return dbError("Failed to requeue anchoring record", res.Error)
		}
		out.Status = resume
		out.Attempts = 0
		out.Requeued++
		out.NextAttemptAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}
