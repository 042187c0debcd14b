package storage

import (
	"database/sql"
	"fmt"
)

// Schema version tracking
const currentSchemaVersion = 1

// initializeSchema creates all tables for a new database
func (db *DB) initializeSchema() error {
	return db.WithTx(func(tx *sql.Tx) error {
		// Create schema_version table first
		if err := createSchemaVersionTable(tx); err != nil {
			return err
		}

		// Create all application tables
		if err := createMetaTable(tx); err != nil {
			return err
		}
		if err := createStampTables(tx); err != nil {
			return err
		}
		if err := createRelationTables(tx); err != nil {
			return err
		}
		if err := createAPITables(tx); err != nil {
			return err
		}
		if err := createInfoTables(tx); err != nil {
			return err
		}

		// Set initial schema version
		if err := setSchemaVersion(tx, currentSchemaVersion); err != nil {
			return err
		}

		db.logger.Info("Database schema initialized", map[string]interface{}{
			"version": currentSchemaVersion,
		})

		return nil
	})
}

// runMigrations runs any pending schema migrations
func (db *DB) runMigrations() error {
	// Get current schema version
	version, err := db.getSchemaVersion()
	if err != nil {
		return err
	}

	if version == currentSchemaVersion {
		db.logger.Debug("Database schema is up to date", map[string]interface{}{
			"version": version,
		})
		return nil
	}

	db.logger.Info("Running database migrations", map[string]interface{}{
		"from_version": version,
		"to_version":   currentSchemaVersion,
	})

	// Run migrations sequentially
	// Add migration functions here as schema evolves
	// Example:
	// if version < 2 {
	//     if err := db.migrateToV2(); err != nil {
	//         return err
	//     }
	// }

	return nil
}

// getSchemaVersion gets the current schema version
func (db *DB) getSchemaVersion() (int, error) {
	// Check if schema_version table exists
	var tableName string
	err := db.QueryRow(`
		SELECT name FROM sqlite_master
		WHERE type='table' AND name='schema_version'
	`).Scan(&tableName)

	if err == sql.ErrNoRows {
		// Table doesn't exist, this is a new database
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	// Get version
	var version int
	err = db.QueryRow("SELECT version FROM schema_version LIMIT 1").Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	return version, nil
}

// setSchemaVersion sets the schema version
func setSchemaVersion(tx *sql.Tx, version int) error {
	_, err := tx.Exec("DELETE FROM schema_version")
	if err != nil {
		return err
	}
	_, err = tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version)
	return err
}

// createSchemaVersionTable creates the schema_version tracking table
func createSchemaVersionTable(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)
	`)
	return err
}

// createMetaTable creates the analysis metadata table
func createMetaTable(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create meta table: %w", err)
	}
	return nil
}

// createStampTables creates the source and binary stamp tables
func createStampTables(tx *sql.Tx) error {
	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS source_stamps (
			source TEXT PRIMARY KEY,
			stamp TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("failed to create source_stamps table: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS binary_stamps (
			file TEXT PRIMARY KEY,
			stamp TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("failed to create binary_stamps table: %w", err)
	}

	return nil
}

// createRelationTables creates the dependency relation tables
func createRelationTables(tx *sql.Tx) error {
	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS source_classes (
			source TEXT NOT NULL,
			class_name TEXT NOT NULL,

			PRIMARY KEY (source, class_name)
		)
	`); err != nil {
		return fmt.Errorf("failed to create source_classes table: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS products (
			source TEXT NOT NULL,
			file TEXT NOT NULL,
			stamp TEXT NOT NULL,
			local INTEGER NOT NULL,
			source_class TEXT NOT NULL,
			binary_class TEXT NOT NULL,

			PRIMARY KEY (source, file)
		)
	`); err != nil {
		return fmt.Errorf("failed to create products table: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS internal_deps (
			from_class TEXT NOT NULL,
			to_class TEXT NOT NULL,
			context TEXT NOT NULL CHECK(context IN ('memberRef', 'inheritance', 'localInheritance')),

			PRIMARY KEY (from_class, to_class, context)
		)
	`); err != nil {
		return fmt.Errorf("failed to create internal_deps table: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS external_deps (
			from_class TEXT NOT NULL,
			to_binary TEXT NOT NULL,
			context TEXT NOT NULL CHECK(context IN ('memberRef', 'inheritance', 'localInheritance')),

			PRIMARY KEY (from_class, to_binary, context)
		)
	`); err != nil {
		return fmt.Errorf("failed to create external_deps table: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS library_deps (
			source TEXT NOT NULL,
			file TEXT NOT NULL,

			PRIMARY KEY (source, file)
		)
	`); err != nil {
		return fmt.Errorf("failed to create library_deps table: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS library_classes (
			file TEXT NOT NULL,
			binary_class TEXT NOT NULL,

			PRIMARY KEY (file, binary_class)
		)
	`); err != nil {
		return fmt.Errorf("failed to create library_classes table: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS used_names (
			class_name TEXT NOT NULL,
			name TEXT NOT NULL,
			scopes TEXT NOT NULL,

			PRIMARY KEY (class_name, name)
		)
	`); err != nil {
		return fmt.Errorf("failed to create used_names table: %w", err)
	}

	// Create indexes for dependent lookup
	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_source_classes_class ON source_classes(class_name)",
		"CREATE INDEX IF NOT EXISTS idx_products_binary_class ON products(binary_class)",
		"CREATE INDEX IF NOT EXISTS idx_internal_deps_to ON internal_deps(to_class)",
		"CREATE INDEX IF NOT EXISTS idx_external_deps_to ON external_deps(to_binary)",
		"CREATE INDEX IF NOT EXISTS idx_library_deps_file ON library_deps(file)",
		"CREATE INDEX IF NOT EXISTS idx_used_names_name ON used_names(name)",
	}

	for _, indexSQL := range indexes {
		if _, err := tx.Exec(indexSQL); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	return nil
}

// createAPITables creates the class API and name hash tables
func createAPITables(tx *sql.Tx) error {
	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS class_apis (
			class_name TEXT NOT NULL,
			origin TEXT NOT NULL CHECK(origin IN ('internal', 'external')),
			compiled_at INTEGER NOT NULL,
			api_hash INTEGER NOT NULL,
			has_macro INTEGER NOT NULL,

			PRIMARY KEY (class_name, origin)
		)
	`); err != nil {
		return fmt.Errorf("failed to create class_apis table: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS name_hashes (
			class_name TEXT NOT NULL,
			origin TEXT NOT NULL CHECK(origin IN ('internal', 'external')),
			name TEXT NOT NULL,
			scopes TEXT NOT NULL,
			hash INTEGER NOT NULL,

			PRIMARY KEY (class_name, origin, name)
		)
	`); err != nil {
		return fmt.Errorf("failed to create name_hashes table: %w", err)
	}

	return nil
}

// createInfoTables creates the per-source info and compilation tables
func createInfoTables(tx *sql.Tx) error {
	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS problems (
			source TEXT NOT NULL,
			seq INTEGER NOT NULL,
			line INTEGER NOT NULL,
			col INTEGER NOT NULL,
			severity TEXT NOT NULL,
			category TEXT NOT NULL,
			message TEXT NOT NULL,
			reported INTEGER NOT NULL,

			PRIMARY KEY (source, seq)
		)
	`); err != nil {
		return fmt.Errorf("failed to create problems table: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS main_classes (
			source TEXT NOT NULL,
			class_name TEXT NOT NULL,

			PRIMARY KEY (source, class_name)
		)
	`); err != nil {
		return fmt.Errorf("failed to create main_classes table: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS compilations (
			seq INTEGER NOT NULL,
			build_id TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			output_dir TEXT NOT NULL,
			cycle INTEGER NOT NULL,

			PRIMARY KEY (seq)
		)
	`); err != nil {
		return fmt.Errorf("failed to create compilations table: %w", err)
	}

	return nil
}
