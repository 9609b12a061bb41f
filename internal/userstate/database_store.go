package userstate

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sqliteDialector "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var (
	errEmptyDatabaseURL    = errors.New("user_state.empty_database_url")
	errSQLiteEmptyPath     = errors.New("user_state.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("user_state.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("user_state.unsupported_no_scheme")
)

// DatabaseStore persists user state documents using GORM.
type DatabaseStore struct {
	db          *gorm.DB
	driverLabel string
}

// Compile-time check to ensure DatabaseStore implements Store.
var _ Store = (*DatabaseStore)(nil)

type userStateRecord struct {
	UserID        string `gorm:"column:user_id;primaryKey"`
	Revision      string `gorm:"column:revision;not null"`
	Generation    int64  `gorm:"column:generation;not null"`
	Document      string `gorm:"column:document;type:text;not null"`
	UpdatedAtUnix int64  `gorm:"column:updated_at_unix;not null"`
}

func (userStateRecord) TableName() string {
	return "user_states"
}

// NewDatabaseStore opens the database behind databaseURL and migrates the schema.
func NewDatabaseStore(ctx context.Context, databaseURL string) (*DatabaseStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("user_state.open: %w", errEmptyDatabaseURL)
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return nil, err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if openErr != nil {
		return nil, fmt.Errorf("user_state.open.%s: %w", driverLabel, openErr)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&userStateRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("user_state.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &DatabaseStore{
		db:          gormDB,
		driverLabel: driverLabel,
	}, nil
}

// Driver exposes the selected database driver label.
func (store *DatabaseStore) Driver() string {
	return store.driverLabel
}

// Close releases the underlying connection pool.
func (store *DatabaseStore) Close() error {
	sqlDB, err := store.db.DB()
	if err != nil {
		return fmt.Errorf("user_state.close.%s: %w", store.driverLabel, err)
	}
	return sqlDB.Close()
}

// Read loads the document for userID.
func (store *DatabaseStore) Read(ctx context.Context, userID string) (UserState, bool, error) {
	if userID == "" {
		return UserState{}, false, fmt.Errorf("user_state.read.%s: %w", store.driverLabel, ErrEmptyUserID)
	}
	var record userStateRecord
	err := store.db.WithContext(ctx).Where("user_id = ?", userID).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return UserState{UserID: userID}, false, nil
		}
		return UserState{}, false, fmt.Errorf("user_state.read.%s: %w", store.driverLabel, err)
	}
	state, decodeErr := decodeDocument(record.UserID, Revision(record.Revision), []byte(record.Document))
	if decodeErr != nil {
		return UserState{}, false, fmt.Errorf("user_state.decode.%s: %w", store.driverLabel, decodeErr)
	}
	return state, true, nil
}

// Write inserts or conditionally updates the document. The revision check is part of the
// statement itself, so two writers holding the same revision cannot both succeed.
func (store *DatabaseStore) Write(ctx context.Context, state UserState) (Revision, error) {
	if state.UserID == "" {
		return "", fmt.Errorf("user_state.write.%s: %w", store.driverLabel, ErrEmptyUserID)
	}
	payload, err := encodeDocument(state)
	if err != nil {
		return "", fmt.Errorf("user_state.encode.%s: %w", store.driverLabel, err)
	}
	revision, generation := nextRevision(state.Revision)
	nowUnix := time.Now().UTC().Unix()

	var result *gorm.DB
	if state.Revision == "" {
		record := userStateRecord{
			UserID:        state.UserID,
			Revision:      string(revision),
			Generation:    generation,
			Document:      string(payload),
			UpdatedAtUnix: nowUnix,
		}
		result = store.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&record)
	} else {
		result = store.db.WithContext(ctx).Model(&userStateRecord{}).
			Where("user_id = ? AND revision = ?", state.UserID, string(state.Revision)).
			Updates(map[string]any{
				"revision":        string(revision),
				"generation":      generation,
				"document":        string(payload),
				"updated_at_unix": nowUnix,
			})
	}
	if result.Error != nil {
		return "", fmt.Errorf("user_state.write.%s: %w", store.driverLabel, result.Error)
	}
	if result.RowsAffected == 0 {
		return "", store.conflict(ctx, state)
	}
	return revision, nil
}

func (store *DatabaseStore) conflict(ctx context.Context, state UserState) error {
	conflictErr := &ConflictError{UserID: state.UserID, ExpectedRevision: state.Revision}
	var record userStateRecord
	if err := store.db.WithContext(ctx).Select("revision").Where("user_id = ?", state.UserID).Take(&record).Error; err == nil {
		conflictErr.CurrentRevision = Revision(record.Revision)
	}
	return fmt.Errorf("user_state.write.%s: %w", store.driverLabel, conflictErr)
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("user_state.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("user_state.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("user_state.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("user_state.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
	}
}

func buildSQLiteDSN(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", errSQLiteInvalidURL
	}
	var builder strings.Builder
	switch {
	case parsed.Opaque != "":
		builder.WriteString(parsed.Opaque)
	case parsed.Host != "":
		builder.WriteString(parsed.Host)
		if parsed.Path != "" {
			if !strings.HasPrefix(parsed.Path, "/") {
				builder.WriteString("/")
			}
			builder.WriteString(parsed.Path)
		}
	default:
		builder.WriteString(parsed.Path)
	}
	if builder.Len() == 0 {
		return "", errSQLiteEmptyPath
	}
	if parsed.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(parsed.RawQuery)
	}
	return builder.String(), nil
}
