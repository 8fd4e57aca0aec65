package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/smallbiznis/attribution/internal/ledger/domain"
	"github.com/smallbiznis/attribution/pkg/db/pagination"
	"gorm.io/gorm"
)

const batchSize = 500

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

// Replace swaps the content of every output table inside one transaction.
// Readers see either the previous run or this one, never a mix.
func (r *repo) Replace(ctx context.Context, db *gorm.DB, pub *domain.Publication) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := replace(tx, pub.Links); err != nil {
			return err
		}
		if err := replace(tx, pub.Revenue); err != nil {
			return err
		}
		if err := replace(tx, pub.Sessions); err != nil {
			return err
		}
		if err := replace(tx, pub.Attempts); err != nil {
			return err
		}
		if err := replace(tx, pub.Daily); err != nil {
			return err
		}
		if err := replace(tx, pub.Funnels); err != nil {
			return err
		}
		if err := replace(tx, pub.Campaigns); err != nil {
			return err
		}
		if err := replace(tx, pub.Channels); err != nil {
			return err
		}
		if err := replace(tx, pub.Countries); err != nil {
			return err
		}
		if err := replace(tx, pub.Plans); err != nil {
			return err
		}
		if err := replace(tx, pub.Cards); err != nil {
			return err
		}
		return replace(tx, pub.Payments)
	})
}

func replace[T any](tx *gorm.DB, rows []T) error {
	var model T
	if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&model).Error; err != nil {
		return fmt.Errorf("clear %T: %w", model, err)
	}
	if len(rows) == 0 {
		return nil
	}
	if err := tx.CreateInBatches(rows, batchSize).Error; err != nil {
		return fmt.Errorf("insert %T: %w", model, err)
	}
	return nil
}

func (r *repo) InsertRun(ctx context.Context, db *gorm.DB, run *domain.Run) error {
	return db.WithContext(ctx).Create(run).Error
}

func (r *repo) UpdateRun(ctx context.Context, db *gorm.DB, run *domain.Run) error {
	return db.WithContext(ctx).Model(&domain.Run{}).
		Where("id = ?", run.ID).
		Select("status", "finished_at", "snapshot_at", "input_counts", "output_counts",
			"revenue_totals", "excluded", "ambiguous", "failure_reason").
		Updates(run).Error
}

func (r *repo) LatestRun(ctx context.Context, db *gorm.DB) (*domain.Run, error) {
	var run domain.Run
	err := db.WithContext(ctx).Order("started_at DESC, id DESC").First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (r *repo) ListRevenue(ctx context.Context, db *gorm.DB, filter domain.RevenueFilter, page pagination.Pagination) ([]*domain.RevenueEntry, error) {
	stmt := db.WithContext(ctx).Model(&domain.RevenueEntry{})
	if filter.SessionID != "" {
		stmt = stmt.Where("session_id = ?", filter.SessionID)
	}
	if filter.Currency != "" {
		stmt = stmt.Where("currency = ?", filter.Currency)
	}
	stmt = inRange(stmt, "attribution_timestamp", filter.Range)

	if page.PageToken != "" {
		cursor, err := pagination.DecodeCursor(page.PageToken)
		if err != nil {
			return nil, err
		}
		stmt = stmt.Where("attempt_id > ?", cursor.ID)
	}

	var entries []*domain.RevenueEntry
	if err := stmt.Order("attempt_id ASC").Limit(page.Limit() + 1).Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *repo) ListDaily(ctx context.Context, db *gorm.DB, dr domain.DateRange) ([]domain.DailyRollup, error) {
	var rows []domain.DailyRollup
	err := inRange(db.WithContext(ctx), "date", dr).
		Order("date ASC, currency ASC").
		Find(&rows).Error
	return rows, err
}

func (r *repo) ListFunnels(ctx context.Context, db *gorm.DB, dr domain.DateRange) ([]domain.FunnelDailyRollup, error) {
	var rows []domain.FunnelDailyRollup
	err := inRange(db.WithContext(ctx), "date", dr).
		Order("date ASC, funnel_id ASC, currency ASC").
		Find(&rows).Error
	return rows, err
}

func (r *repo) ListCampaigns(ctx context.Context, db *gorm.DB, dr domain.DateRange) ([]domain.CampaignDailyRollup, error) {
	var rows []domain.CampaignDailyRollup
	err := inRange(db.WithContext(ctx), "date", dr).
		Order("date ASC, campaign_id ASC, ad_id ASC, currency ASC").
		Find(&rows).Error
	return rows, err
}

func (r *repo) ListChannels(ctx context.Context, db *gorm.DB, dr domain.DateRange) ([]domain.ChannelDailyRollup, error) {
	var rows []domain.ChannelDailyRollup
	err := inRange(db.WithContext(ctx), "date", dr).
		Order("date ASC, channel ASC, currency ASC").
		Find(&rows).Error
	return rows, err
}

func (r *repo) ListCountries(ctx context.Context, db *gorm.DB, dr domain.DateRange) ([]domain.CountryDailyRollup, error) {
	var rows []domain.CountryDailyRollup
	err := inRange(db.WithContext(ctx), "date", dr).
		Order("date ASC, country ASC, currency ASC").
		Find(&rows).Error
	return rows, err
}

func (r *repo) ListPlans(ctx context.Context, db *gorm.DB, dr domain.DateRange) ([]domain.PlanDailyRollup, error) {
	var rows []domain.PlanDailyRollup
	err := inRange(db.WithContext(ctx), "date", dr).
		Order("date ASC, billing_interval ASC, currency ASC").
		Find(&rows).Error
	return rows, err
}

func inRange(stmt *gorm.DB, column string, dr domain.DateRange) *gorm.DB {
	if !dr.From.IsZero() {
		stmt = stmt.Where(column+" >= ?", dr.From)
	}
	if !dr.To.IsZero() {
		stmt = stmt.Where(column+" < ?", dr.To)
	}
	return stmt
}
