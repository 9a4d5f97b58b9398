package database

import (
	"context"
	"database/sql"
	"fmt"
)

// SchemaValidator provides database schema validation functionality
// ARCHITECTURAL DISCOVERY: Separate validation component enables health checks
// and deployment verification without coupling to the migration system
type SchemaValidator struct {
	db *sql.DB
}

// NewSchemaValidator creates a new schema validator
func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

// RequiredTables lists the tables the message store reads and writes.
var RequiredTables = []string{
	"threads",
	"thread_participants",
	"messages",
	"message_reads",
	"message_reactions",
	"schema_migrations",
}

// RequiredIndexes lists the indexes the store's hot queries rely on.
var RequiredIndexes = []string{
	"idx_participants_user",
	"idx_messages_thread_time",
	"idx_reactions_message",
}

// ValidateTablesExist verifies that all required tables exist
func (v *SchemaValidator) ValidateTablesExist() error {
	return v.validateTables(context.Background())
}

func (v *SchemaValidator) validateTables(ctx context.Context) error {
	for _, table := range RequiredTables {
		exists, err := v.exists(ctx, "table", table)
		if err != nil {
			return fmt.Errorf("error checking table %s: %w", table, err)
		}
		if !exists {
			return fmt.Errorf("required table %s does not exist", table)
		}
	}
	return nil
}

// ValidateIndexes verifies that all performance indexes exist
func (v *SchemaValidator) ValidateIndexes() error {
	return v.validateIndexes(context.Background())
}

func (v *SchemaValidator) validateIndexes(ctx context.Context) error {
	for _, index := range RequiredIndexes {
		exists, err := v.exists(ctx, "index", index)
		if err != nil {
			return fmt.Errorf("error checking index %s: %w", index, err)
		}
		if !exists {
			return fmt.Errorf("required index %s does not exist", index)
		}
	}
	return nil
}

// Validate runs every structural check.
func (v *SchemaValidator) Validate() error {
	return v.ValidateContext(context.Background())
}

// ValidateContext runs every structural check, bounded by ctx.
func (v *SchemaValidator) ValidateContext(ctx context.Context) error {
	if err := v.validateTables(ctx); err != nil {
		return err
	}
	return v.validateIndexes(ctx)
}

func (v *SchemaValidator) exists(ctx context.Context, kind, name string) (bool, error) {
	var count int
	err := v.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type=? AND name=?",
		kind, name,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
