package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/iudanet/dockeeper/internal/config"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// Storage represents SQLite storage implementation
type Storage struct {
	db       *sql.DB
	registry *config.Registry
}

// New creates a new SQLite storage instance
// dbPath is the path to the SQLite database file
// Use ":memory:" for in-memory database (useful for testing)
func New(ctx context.Context, dbPath string, registry *config.Registry) (*Storage, error) {
	// Открываем соединение с БД
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Проверяем соединение
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite с WAL mode может поддерживать несколько читателей, но только одного писателя.
	// Для ":memory:" одно соединение обязательно, иначе каждое получит свою базу.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
		"PRAGMA foreign_keys = ON;",
		"PRAGMA busy_timeout = 5000;",
	}

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	storage := &Storage{db: db, registry: registry}

	// Запускаем миграции
	if err := storage.runMigrations(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	if err := storage.ensureAttributeColumns(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return storage, nil
}

// Close closes the database connection
func (s *Storage) Close() error {
	return s.db.Close()
}

// runMigrations выполняет миграции из embedded FS
func (s *Storage) runMigrations(ctx context.Context) error {
	goose.SetBaseFS(embedMigrations)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	if err := goose.UpContext(ctx, s.db, "migrations"); err != nil {
		return fmt.Errorf("goose up failed: %w", err)
	}

	return nil
}

// ensureAttributeColumns добавляет в document_attributes колонки для атрибутов из реестра.
// Существующие колонки не трогаются: сужение ширины не требует миграции данных,
// т.к. значения обрезаются при записи.
func (s *Storage) ensureAttributeColumns(ctx context.Context) error {
	existing, err := s.attributeColumns(ctx)
	if err != nil {
		return err
	}

	for _, attr := range s.registry.Domain() {
		if _, ok := existing[attr.Name]; !ok {
			// имя проверено по AttributeNamePattern при загрузке конфига
			ddl := fmt.Sprintf("ALTER TABLE document_attributes ADD COLUMN %s %s", attr.Name, columnType(attr))
			if _, err := s.db.ExecContext(ctx, ddl); err != nil {
				return fmt.Errorf("failed to add attribute column %s: %w", attr.Name, err)
			}
		}

		idx := fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_attr_%s ON document_attributes(%s)", attr.Name, attr.Name)
		if _, err := s.db.ExecContext(ctx, idx); err != nil {
			return fmt.Errorf("failed to index attribute column %s: %w", attr.Name, err)
		}
	}

	return nil
}

func (s *Storage) attributeColumns(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, "PRAGMA table_info(document_attributes)")
	if err != nil {
		return nil, fmt.Errorf("failed to read attribute table info: %w", err)
	}
	defer rows.Close()

	cols := make(map[string]string)
	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return nil, fmt.Errorf("failed to scan table info: %w", err)
		}
		cols[name] = colType
	}

	return cols, rows.Err()
}

func columnType(attr config.Attribute) string {
	if attr.Kind == config.KindInteger {
		return "INTEGER"
	}
	return fmt.Sprintf("VARCHAR(%d)", attr.Width)
}

// DB returns the underlying database connection for testing purposes
func (s *Storage) DB() *sql.DB {
	return s.db
}
