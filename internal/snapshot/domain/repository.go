package domain

import (
	"context"

	"gorm.io/gorm"
)

type Repository interface {
	Load(ctx context.Context, db *gorm.DB) (Snapshot, error)
}
