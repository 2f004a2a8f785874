package repository

import (
	"context"
	"fmt"

	"crm/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type SequenceRepository interface {
	Next(ctx context.Context, scope string, year int, floor int64) (int64, error)
	MaxNumber(ctx context.Context, table interface{}, column, prefix string) (string, error)
}

type sequenceRepository struct {
	db *gorm.DB
}

func NewSequenceRepository(db *gorm.DB) SequenceRepository {
	return &sequenceRepository{db: db}
}

// Next atomically increments the (scope, year) counter and returns the new value.
// The counter is first lifted to floor, so numbers issued outside the counter are
// never reissued. The UPDATE takes the row lock, which serializes concurrent
// allocations until the caller's transaction ends.
func (r *sequenceRepository) Next(ctx context.Context, scope string, year int, floor int64) (int64, error) {
	db := GetDB(ctx, r.db)

	seed := model.NumberSequence{Scope: scope, Year: year, LastValue: floor}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
		return 0, fmt.Errorf("seed sequence %s/%d: %w", scope, year, err)
	}

	where := db.Model(&model.NumberSequence{}).Where("scope = ? AND year = ?", scope, year)
	if err := where.Session(&gorm.Session{}).
		Where("last_value < ?", floor).
		Update("last_value", floor).Error; err != nil {
		return 0, fmt.Errorf("lift sequence %s/%d: %w", scope, year, err)
	}
	if err := where.Session(&gorm.Session{}).
		Update("last_value", gorm.Expr("last_value + 1")).Error; err != nil {
		return 0, fmt.Errorf("increment sequence %s/%d: %w", scope, year, err)
	}

	var seq model.NumberSequence
	if err := db.Where("scope = ? AND year = ?", scope, year).First(&seq).Error; err != nil {
		return 0, fmt.Errorf("read sequence %s/%d: %w", scope, year, err)
	}
	return seq.LastValue, nil
}

// MaxNumber returns the greatest number in column starting with prefix. Longer
// numbers sort first so INV-2025-10000 ranks above INV-2025-9999.
func (r *sequenceRepository) MaxNumber(ctx context.Context, table interface{}, column, prefix string) (string, error) {
	var numbers []string
	err := GetDB(ctx, r.db).Model(table).
		Where(column+" LIKE ?", prefix+"%").
		Order("LENGTH(" + column + ") DESC").
		Order(column + " DESC").
		Limit(1).
		Pluck(column, &numbers).Error
	if err != nil || len(numbers) == 0 {
		return "", err
	}
	return numbers[0], nil
}
