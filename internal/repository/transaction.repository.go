package repository

import (
	"context"
	"errors"
	"time"

	"github.com/nimasrn/payment-gateway/internal/model"
	"github.com/nimasrn/payment-gateway/pkg/pg"
	"gorm.io/gorm"
)

var (
	ErrDuplicateReference  = errors.New("transaction reference already exists")
	ErrTransactionNotFound = errors.New("transaction not found")
)

// TransactionRepository is the ledger of payment attempts.
type TransactionRepository struct {
	*pg.DB
}

func NewTransactionRepository(db *pg.DB) *TransactionRepository {
	return &TransactionRepository{
		db,
	}
}

// Create inserts a new record and returns it with its assigned id.
// A reference that already exists yields ErrDuplicateReference and no row.
func (r *TransactionRepository) Create(ctx context.Context, txn *model.Transaction) (*model.Transaction, error) {
	entity := toTransactionEntity(txn)
	entity.ID = 0
	if entity.CreatedAt.IsZero() {
		entity.CreatedAt = time.Now().UTC()
	}

	if err := r.Write(ctx).Create(entity).Error; err != nil {
		if pg.IsUniqueViolation(err) {
			return nil, ErrDuplicateReference
		}
		return nil, err
	}

	return toTransactionModel(entity), nil
}

// FindByReference returns (nil, nil) when no record carries the reference.
// It reads from the primary so a record created moments ago is never missed.
func (r *TransactionRepository) FindByReference(ctx context.Context, reference string) (*model.Transaction, error) {
	var entity TransactionEntity
	err := r.Write(ctx).
		Where("reference = ?", reference).
		Take(&entity).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return toTransactionModel(&entity), nil
}

func (r *TransactionRepository) Get(ctx context.Context, id int64) (*model.Transaction, error) {
	var entity TransactionEntity
	err := r.Read(ctx).
		Where("id = ?", id).
		Take(&entity).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return toTransactionModel(&entity), nil
}

// Update writes the mutable part of the record identified by txn.ID.
// settled is written as "settled OR ?" so no update can move a settled record
// back to unsettled.
func (r *TransactionRepository) Update(ctx context.Context, txn *model.Transaction) error {
	var settledAt interface{}
	if txn.Settled {
		settledAt = time.Now().UTC()
		if txn.SettledAt != nil {
			settledAt = txn.SettledAt.UTC()
		}
	}

	result := r.Write(ctx).
		Model(&TransactionEntity{}).
		Where("id = ?", txn.ID).
		Updates(map[string]interface{}{
			"settled":    gorm.Expr("settled OR ?", txn.Settled),
			"settled_at": gorm.Expr("COALESCE(settled_at, ?)", settledAt),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

// MarkSettled flips settled to true with a conditional write, so concurrent
// callers for the same reference produce one transition and identical results.
// changed reports whether this call performed the transition.
func (r *TransactionRepository) MarkSettled(ctx context.Context, reference string) (txn *model.Transaction, changed bool, err error) {
	now := time.Now().UTC()
	result := r.Write(ctx).
		Model(&TransactionEntity{}).
		Where("reference = ? AND settled = ?", reference, false).
		Updates(map[string]interface{}{
			"settled":    true,
			"settled_at": now,
		})
	if result.Error != nil {
		return nil, false, result.Error
	}
	changed = result.RowsAffected == 1

	var entity TransactionEntity
	err = r.Write(ctx).
		Where("reference = ?", reference).
		Take(&entity).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, ErrTransactionNotFound
		}
		return nil, false, err
	}
	return toTransactionModel(&entity), changed, nil
}

// ListSettled returns every settled record in creation order.
func (r *TransactionRepository) ListSettled(ctx context.Context) ([]*model.Transaction, error) {
	var entities []*TransactionEntity
	err := r.Read(ctx).
		Where("settled = ?", true).
		Order("id ASC").
		Find(&entities).
		Error
	if err != nil {
		return nil, err
	}
	return toTransactionModels(entities), nil
}

// ListUnsettled returns up to limit unsettled records created before the cutoff,
// oldest first.
func (r *TransactionRepository) ListUnsettled(ctx context.Context, createdBefore time.Time, limit int) ([]*model.Transaction, error) {
	return r.ListUnsettledPage(ctx, model.UnsettledQuery{CreatedBefore: createdBefore, Limit: limit})
}

// ListUnsettledPage returns the next page of unsettled records inside the
// query's creation window with an id above q.AfterID, ordered by id.
func (r *TransactionRepository) ListUnsettledPage(ctx context.Context, q model.UnsettledQuery) ([]*model.Transaction, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	query := r.Read(ctx).Where("settled = ? AND created_at < ?", false, q.CreatedBefore.UTC())
	if !q.CreatedAfter.IsZero() {
		query = query.Where("created_at >= ?", q.CreatedAfter.UTC())
	}
	if q.AfterID > 0 {
		query = query.Where("id > ?", q.AfterID)
	}

	var entities []*TransactionEntity
	err := query.
		Order("id ASC").
		Limit(q.Limit).
		Find(&entities).
		Error
	if err != nil {
		return nil, err
	}
	return toTransactionModels(entities), nil
}
