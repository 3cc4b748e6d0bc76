package repository

import (
	"time"

	"github.com/nimasrn/payment-gateway/internal/model"
)

type TransactionEntity struct {
	ID         int64      `db:"id"          gorm:"primaryKey;autoIncrement;column:id"`
	Reference  string     `db:"reference"   gorm:"column:reference;size:64;not null;uniqueIndex:idx_transactions_reference"`
	PayerName  string     `db:"payer_name"  gorm:"column:payer_name;not null;default:''"`
	PayerEmail string     `db:"payer_email" gorm:"column:payer_email;not null"`
	Amount     int64      `db:"amount"      gorm:"column:amount;not null"`
	Currency   string     `db:"currency"    gorm:"column:currency;size:3;not null"`
	Settled    bool       `db:"settled"     gorm:"column:settled;not null;default:false;index:idx_transactions_settled"`
	SettledAt  *time.Time `db:"settled_at"  gorm:"column:settled_at"`
	CreatedAt  time.Time  `db:"created_at"  gorm:"column:created_at;not null"`
}

func (TransactionEntity) TableName() string {
	return "transactions"
}

func toTransactionEntity(m *model.Transaction) *TransactionEntity {
	if m == nil {
		return nil
	}
	return &TransactionEntity{
		ID:         m.ID,
		Reference:  m.Reference,
		PayerName:  m.PayerName,
		PayerEmail: m.PayerEmail,
		Amount:     m.Amount,
		Currency:   m.Currency,
		Settled:    m.Settled,
		SettledAt:  m.SettledAt,
		CreatedAt:  m.CreatedAt,
	}
}

func toTransactionModel(e *TransactionEntity) *model.Transaction {
	if e == nil {
		return nil
	}
	return &model.Transaction{
		ID:         e.ID,
		Reference:  e.Reference,
		PayerName:  e.PayerName,
		PayerEmail: e.PayerEmail,
		Amount:     e.Amount,
		Currency:   e.Currency,
		Settled:    e.Settled,
		SettledAt:  e.SettledAt,
		CreatedAt:  e.CreatedAt,
	}
}

func toTransactionModels(entities []*TransactionEntity) []*model.Transaction {
	models := make([]*model.Transaction, len(entities))
	for i, e := range entities {
		models[i] = toTransactionModel(e)
	}
	return models
}
