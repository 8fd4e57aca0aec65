package migration

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	ledgerdomain "github.com/smallbiznis/attribution/internal/ledger/domain"
	snapshotdomain "github.com/smallbiznis/attribution/internal/snapshot/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

const migrationsDir = "migrations"

// RunMigrations applies the embedded postgres migrations.
func RunMigrations(db *sql.DB) error {
	if db == nil {
		return errors.New("migration database handle is required")
	}

	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	source, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	upErr := migrator.Up()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", upErr)
	}
	// Do not call migrator.Close here because it would close the shared *sql.DB.

	return nil
}

// RawModels lists the input streams written by extraction jobs.
func RawModels() []any {
	return []any{
		&snapshotdomain.Session{},
		&snapshotdomain.Subscription{},
		&snapshotdomain.PaymentAttempt{},
		&snapshotdomain.EngagementEvent{},
		&snapshotdomain.AdSpendRecord{},
		&snapshotdomain.Refund{},
		&snapshotdomain.Invoice{},
		&snapshotdomain.Customer{},
	}
}

// OutputModels lists the run history and every published table.
func OutputModels() []any {
	return []any{
		&ledgerdomain.Run{},
		&ledgerdomain.AttributionLink{},
		&ledgerdomain.RevenueEntry{},
		&ledgerdomain.SessionAttribution{},
		&ledgerdomain.PaymentAttempt{},
		&ledgerdomain.DailyRollup{},
		&ledgerdomain.FunnelDailyRollup{},
		&ledgerdomain.CampaignDailyRollup{},
		&ledgerdomain.ChannelDailyRollup{},
		&ledgerdomain.CountryDailyRollup{},
		&ledgerdomain.PlanDailyRollup{},
		&ledgerdomain.CardDailyRollup{},
		&ledgerdomain.PaymentsDailyRollup{},
	}
}

// Models lists every table the engine reads or writes.
func Models() []any {
	return append(RawModels(), OutputModels()...)
}

// Apply runs the SQL migrations on postgres and AutoMigrate on the other
// dialects, which have no embedded migration set.
func Apply(conn *gorm.DB) error {
	if conn == nil {
		return errors.New("migration database handle is required")
	}
	if conn.Dialector.Name() != "postgres" {
		for _, model := range RawModels() {
			if err := createRawTable(conn, model); err != nil {
				return err
			}
		}
		return conn.AutoMigrate(OutputModels()...)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}
	return RunMigrations(sqlDB)
}

// createRawTable creates a raw stream table from its model without the
// primary key gorm infers from an ID field. Raw streams keep duplicate keys
// so that snapshot validation can report them.
func createRawTable(conn *gorm.DB, model any) error {
	m := conn.Migrator()
	if m.HasTable(model) {
		return nil
	}

	stmt := &gorm.Statement{DB: conn}
	if err := stmt.Parse(model); err != nil {
		return fmt.Errorf("parse %T: %w", model, err)
	}

	columns := make([]string, 0, len(stmt.Schema.DBNames))
	values := []any{clause.Table{Name: stmt.Schema.Table}}
	for _, name := range stmt.Schema.DBNames {
		field := stmt.Schema.FieldsByDBName[name]
		if field.IgnoreMigration {
			continue
		}
		columns = append(columns, "? ?")
		values = append(values, clause.Column{Name: name}, m.FullDataTypeOf(field))
	}
	ddl := "CREATE TABLE ? (" + strings.Join(columns, ",") + ")"
	if err := conn.Exec(ddl, values...).Error; err != nil {
		return fmt.Errorf("create %s: %w", stmt.Schema.Table, err)
	}

	for _, idx := range stmt.Schema.ParseIndexes() {
		if err := m.CreateIndex(model, idx.Name); err != nil {
			return fmt.Errorf("index %s: %w", idx.Name, err)
		}
	}
	return nil
}
