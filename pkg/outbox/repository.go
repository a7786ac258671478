package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	dbpkg "github.com/angelmondragon/stockflow/pkg/db"
	"github.com/angelmondragon/stockflow/pkg/db/models"
	"github.com/angelmondragon/stockflow/pkg/enums"
)

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// InsertHalfTx stores a message that consumers must not see yet.
func (r *Repository) InsertHalfTx(tx *gorm.DB, row models.TxMessage) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	row.State = enums.TxMessageHalf
	return tx.Create(&row).Error
}

func (r *Repository) FindByID(ctx context.Context, id uuid.UUID) (*models.TxMessage, error) {
	var row models.TxMessage
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if err != nil {
		if dbpkg.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

// ResolveTx moves a half message to committed or rolled_back. It reports false
// when the row had already left the half state.
func (r *Repository) ResolveTx(tx *gorm.DB, id uuid.UUID, to enums.TxMessageState) (bool, error) {
	if tx == nil {
		return false, errors.New("transaction required")
	}
	if to != enums.TxMessageCommitted && to != enums.TxMessageRolledBack {
		return false, errors.New("resolve target must be committed or rolled_back")
	}
	res := tx.Model(&models.TxMessage{}).
		Where("id = ? AND state = ?", id, enums.TxMessageHalf).
		Updates(map[string]any{
			"state":       to,
			"resolved_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// FetchCommittedForPublish returns committed rows still below the attempt budget.
// Postgres callers get the rows locked with SKIP LOCKED so relays can run side by side.
func (r *Repository) FetchCommittedForPublish(tx *gorm.DB, limit, maxAttempts int) ([]models.TxMessage, error) {
	if tx == nil {
		return nil, errors.New("transaction required")
	}
	q := tx.Where("state = ? AND attempt_count < ?", enums.TxMessageCommitted, maxAttempts).
		Order("resolved_at ASC").
		Order("id ASC").
		Limit(limit)
	if dbpkg.IsPostgres(tx) {
		q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
	}
	var rows []models.TxMessage
	err := q.Find(&rows).Error
	return rows, err
}

func (r *Repository) MarkPublishedTx(tx *gorm.DB, id uuid.UUID) error {
	return tx.Model(&models.TxMessage{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"state":        enums.TxMessagePublished,
			"published_at": time.Now().UTC(),
			"last_error":   nil,
		}).Error
}

func (r *Repository) MarkFailedTx(tx *gorm.DB, id uuid.UUID, err error) error {
	return tx.Model(&models.TxMessage{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"last_error":    err.Error(),
			"attempt_count": gorm.Expr("attempt_count + 1"),
		}).Error
}

// MarkTerminalTx parks a row so neither the publish loop nor check-back picks it
// up again. It only applies while the row is still in from.
func (r *Repository) MarkTerminalTx(tx *gorm.DB, id uuid.UUID, from enums.TxMessageState, err error) (bool, error) {
	updates := map[string]any{
		"state":       enums.TxMessageDiscarded,
		"resolved_at": time.Now().UTC(),
	}
	if err != nil {
		updates["last_error"] = err.Error()
	}
	res := tx.Model(&models.TxMessage{}).
		Where("id = ? AND state = ?", id, from).
		Updates(updates)
	return res.RowsAffected == 1, res.Error
}

// ClaimDueHalfTx returns half messages whose check-back is due and pushes their next
// check-back out by interval. The returned rows carry the incremented check count.
func (r *Repository) ClaimDueHalfTx(tx *gorm.DB, now time.Time, limit int, interval time.Duration) ([]models.TxMessage, error) {
	if tx == nil {
		return nil, errors.New("transaction required")
	}
	q := tx.Where("state = ? AND next_check_at <= ?", enums.TxMessageHalf, now).
		Order("next_check_at ASC").
		Order("id ASC").
		Limit(limit)
	if dbpkg.IsPostgres(tx) {
		q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
	}
	var rows []models.TxMessage
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return rows, nil
	}

	ids := make([]uuid.UUID, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	next := now.Add(interval)
	err := tx.Model(&models.TxMessage{}).
		Where("id IN ? AND state = ?", ids, enums.TxMessageHalf).
		Updates(map[string]any{
			"check_count":   gorm.Expr("check_count + 1"),
			"next_check_at": next,
		}).Error
	if err != nil {
		return nil, err
	}
	for i := range rows {
		rows[i].CheckCount++
		rows[i].NextCheckAt = next
	}
	return rows, nil
}

// DeleteResolvedBefore removes finished rows resolved before cutoff.
func (r *Repository) DeleteResolvedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("state IN ? AND resolved_at < ?", []enums.TxMessageState{
			enums.TxMessagePublished,
			enums.TxMessageRolledBack,
			enums.TxMessageDiscarded,
		}, cutoff).
		Delete(&models.TxMessage{})
	return res.RowsAffected, res.Error
}

// CountByState returns the number of rows currently in state.
func (r *Repository) CountByState(ctx context.Context, state enums.TxMessageState) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.TxMessage{}).Where("state = ?", state).Count(&count).Error
	return count, err
}
