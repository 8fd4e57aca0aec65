package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	snapshotdomain "github.com/smallbiznis/attribution/internal/snapshot/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() snapshotdomain.Repository {
	return &repo{}
}

// Load reads every raw stream inside one read transaction so the snapshot is
// consistent even while loaders append to the raw tables.
func (r *repo) Load(ctx context.Context, db *gorm.DB) (snapshotdomain.Snapshot, error) {
	var snap snapshotdomain.Snapshot

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		snap.TakenAt = time.Now().UTC()
		if err := find(tx, &snap.Sessions, "id"); err != nil {
			return err
		}
		if err := find(tx, &snap.Subscriptions, "id"); err != nil {
			return err
		}
		if err := find(tx, &snap.PaymentAttempts, "id"); err != nil {
			return err
		}
		if err := find(tx, &snap.EngagementEvents, "id"); err != nil {
			return err
		}
		if err := find(tx, &snap.AdSpend, "campaign_id, ad_id, date"); err != nil {
			return err
		}
		if err := find(tx, &snap.Refunds, "id"); err != nil {
			return err
		}
		if err := find(tx, &snap.Invoices, "id"); err != nil {
			return err
		}
		return find(tx, &snap.Customers, "id")
	}, readOptions(db))
	if err != nil {
		return snapshotdomain.Snapshot{}, err
	}

	return snap, nil
}

func find[T any](tx *gorm.DB, out *[]T, order string) error {
	if err := tx.Order(order).Find(out).Error; err != nil {
		var zero T
		return fmt.Errorf("load %T: %w", zero, err)
	}
	return nil
}

func readOptions(db *gorm.DB) *sql.TxOptions {
	if db == nil || db.Dialector == nil {
		return nil
	}
	if db.Dialector.Name() == "postgres" {
		return &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}
	}
	return nil
}
