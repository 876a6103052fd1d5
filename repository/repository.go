package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ahmadzakiakmal/passport-workbench/errs"
	"github.com/ahmadzakiakmal/passport-workbench/repository/models"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// PostgreSQL error codes as constants
const (
	// Class 23: Integrity Constraint Violation
	PgErrForeignKeyViolation = "23503" // foreign_key_violation
	PgErrUniqueViolation     = "23505" // unique_violation
	PgErrCheckViolation      = "23514" // check_violation
	PgErrNotNullViolation    = "23502" // not_null_violation

	// Class 08: Connection Exception
	PgErrConnectionException = "08000" // connection_exception
	PgErrConnectionFailure   = "08006" // connection_failure

	// Class 40: Transaction Rollback
	PgErrTransactionRollback = "40000" // transaction_rollback
	PgErrSerializationFailure = "40001" // serialization_failure

	// Class 57: Operator Intervention
	PgErrAdminShutdown = "57P01" // admin_shutdown
)

// Supported database drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// RepositoryError represent an error in the repository layer (db)
type RepositoryError struct {
	Code    string
	Message string
	Detail  string
}

func (e *RepositoryError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Code, e.Message, e.Detail)
}

// Repository is the system of record for operators, units, sessions, passports and
// anchoring records. Every multi-row change runs in a single database transaction.
type Repository struct {
	db     *gorm.DB
	logger cmtlog.Logger
}

// Open connects to the database, retrying while it comes up, and migrates the schema
func Open(driver, dsn string, log cmtlog.Logger) (*Repository, error) {
	if log == nil {
		log = cmtlog.NewNopLogger()
	}
	log = log.With("module", "repository")

	var dialector gorm.Dialector
	switch driver {
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	cfg := &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
		// operators may only exist in the roster file when a session is opened
		DisableForeignKeyConstraintWhenMigrating: true,
	}

	var (
		db  *gorm.DB
		err error
	)
	for i := range 10 {
		log.Info("Connecting to database", "driver", driver, "attempt", i+1)
		db, err = gorm.Open(dialector, cfg)
		if err == nil {
			break
		}
		log.Error("Database connection failed", "attempt", i+1, "err", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if driver == DriverSQLite {
		if err := applyPragmas(db); err != nil {
			return nil, err
		}
	}

	r := &Repository{db: db, logger: log}
	if err := r.Migrate(); err != nil {
		return nil, err
	}
	log.Info("Connected to database", "driver", driver)
	return r, nil
}

// applyPragmas configures SQLite for a single writer with concurrent readers
func applyPragmas(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if err := db.Exec(pragma).Error; err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// Migrate creates or updates all workbench tables
func (r *Repository) Migrate() error {
	err := r.db.AutoMigrate(
		&models.Operator{},
		&models.Unit{},
		&models.UnitComponent{},
		&models.Session{},
		&models.OperationRecord{},
		&models.Passport{},
		&models.AnchoringRecord{},
	)
	if err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	r.logger.Info("Database migration completed successfully")
	return nil
}

// Close releases the underlying connection pool
func (r *Repository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// dbError converts a gorm/driver error into a RepositoryError
func dbError(message string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return &RepositoryError{
			Code:    pgErr.Code,
			Message: message,
			Detail:  pgErr.Message,
		}
	}
	return &RepositoryError{
		Code:    "DATABASE_ERROR",
		Message: message,
		Detail:  err.Error(),
	}
}

// Operators

// UpsertOperators inserts or refreshes operator records, keyed by operator id
func (r *Repository) UpsertOperators(ctx context.Context, operators []models.Operator) error {
	if len(operators) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, op := range operators {
			var existing models.Operator
			err := tx.Where("operator_id = ?", op.ID).First(&existing).Error
			switch {
			case errors.Is(err, gorm.ErrRecordNotFound):
				if err := tx.Create(&op).Error; err != nil {
					return dbError("Failed to create operator", err)
				}
			case err != nil:
				return dbError("Failed to look up operator", err)
			default:
				err := tx.Model(&existing).Updates(map[string]any{
					"name":         op.Name,
					"position":     op.Position,
					"rfid_card_id": op.RFIDCardID,
				}).Error
				if err != nil {
					return dbError("Failed to update operator", err)
				}
			}
		}
		return nil
	})
}

// OperatorByCard resolves an operator from an RFID card id
func (r *Repository) OperatorByCard(ctx context.Context, cardID string) (*models.Operator, error) {
	var op models.Operator
	err := r.db.WithContext(ctx).Where("rfid_card_id = ?", cardID).First(&op).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.New(errs.ErrUnrecognizedTag, "no operator with card %s", cardID)
		}
		return nil, dbError("Failed to look up operator", err)
	}
	return &op, nil
}

// Units

// CreateUnit registers a unit. Components are bound in the given order; a component
// must exist and must not already be featured in another composite unit.
func (r *Repository) CreateUnit(ctx context.Context, unit *models.Unit, componentIDs []string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(unit).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return &RepositoryError{
					Code:    PgErrUniqueViolation,
					Message: "Unit already exists",
					Detail:  fmt.Sprintf("Unit with id %s already exists", unit.ID),
				}
			}
			return dbError("Failed to create unit", err)
		}
		return bindComponents(tx, unit, componentIDs)
	})
}

// AttachComponents binds additional components to a unit that has no passport yet
func (r *Repository) AttachComponents(ctx context.Context, unitID string, componentIDs []string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var unit models.Unit
		err := tx.Preload("Components").Preload("Passport").Where("unit_id = ?", unitID).First(&unit).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errs.New(errs.ErrUnknownUnit, "unit %s", unitID)
			}
			return dbError("Failed to look up unit", err)
		}
		if unit.Passport != nil {
			return errs.New(errs.ErrUnitFinalized, "unit %s components are immutable", unitID)
		}
		return bindComponents(tx, &unit, componentIDs)
	})
}

func bindComponents(tx *gorm.DB, unit *models.Unit, componentIDs []string) error {
	offset := len(unit.Components)
	for i, componentID := range componentIDs {
		if componentID == unit.ID {
			return errs.New(errs.ErrUnresolvedComponent, "unit %s cannot contain itself", unit.ID)
		}
		var component models.Unit
		err := tx.Where("unit_id = ?", componentID).First(&component).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errs.New(errs.ErrUnresolvedComponent, "component %s does not exist", componentID)
			}
			return dbError("Failed to look up component", err)
		}
		if component.FeaturedIn != nil && *component.FeaturedIn != unit.ID {
			return errs.New(errs.ErrUnresolvedComponent, "component %s is already featured in unit %s", componentID, *component.FeaturedIn)
		}

		link := models.UnitComponent{UnitID: unit.ID, Position: offset + i, ComponentID: componentID}
		if err := tx.Create(&link).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return errs.New(errs.ErrUnresolvedComponent, "component %s is already bound", componentID)
			}
			return dbError("Failed to bind component", err)
		}
		err = tx.Model(&models.Unit{}).Where("unit_id = ?", componentID).Update("featured_in", unit.ID).Error
		if err != nil {
			return dbError("Failed to mark component", err)
		}
		unit.Components = append(unit.Components, link)
	}
	return nil
}

// GetUnit returns a unit with its components and passport, if any
func (r *Repository) GetUnit(ctx context.Context, unitID string) (*models.Unit, error) {
	var unit models.Unit
	err := r.db.WithContext(ctx).
		Preload("Components", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
		Preload("Passport").
		Where("unit_id = ?", unitID).
		First(&unit).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.New(errs.ErrUnknownUnit, "unit %s", unitID)
		}
		return nil, dbError("Failed to look up unit", err)
	}
	return &unit, nil
}

// FinalizedChainHashes returns the chain hash of every listed unit that has a passport
func (r *Repository) FinalizedChainHashes(ctx context.Context, unitIDs []string) (map[string]string, error) {
	out := make(map[string]string, len(unitIDs))
	if len(unitIDs) == 0 {
		return out, nil
	}
	var passports []models.Passport
	err := r.db.WithContext(ctx).Select("unit_id", "chain_hash").Where("unit_id IN ?", unitIDs).Find(&passports).Error
	if err != nil {
		return nil, dbError("Failed to look up component passports", err)
	}
	for _, p := range passports {
		out[p.UnitID] = p.ChainHash
	}
	return out, nil
}

// Sessions

var activeSessionStates = []string{models.SessionIdentifying, models.SessionOpen, models.SessionFinalizing}

// CreateSession persists a new session, failing with WorkbenchBusy when the workbench
// already holds an active one
func (r *Repository) CreateSession(ctx context.Context, session *models.Session) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var active int64
		err := tx.Model(&models.Session{}).
			Where("workbench_id = ? AND state IN ?", session.WorkbenchID, activeSessionStates).
			Count(&active).Error
		if err != nil {
			return dbError("Failed to count active sessions", err)
		}
		if active > 0 {
			return errs.New(errs.ErrWorkbenchBusy, "workbench %s", session.WorkbenchID)
		}
		if err := tx.Create(session).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) && session.UnitID != nil {
				return errs.New(errs.ErrUnitBusy, "unit %s is bound to another active session", *session.UnitID)
			}
			return dbError("Failed to create session", err)
		}
		return nil
	})
}

// TransitionSession moves a session from one of the allowed states to the next one,
// applying extra column updates in the same statement
func (r *Repository) TransitionSession(ctx context.Context, sessionID string, from []string, to string, fields map[string]any) error {
	updates := map[string]any{"state": to}
	for k, v := range fields {
		updates[k] = v
	}
	res := r.db.WithContext(ctx).Model(&models.Session{}).
		Where("session_id = ? AND state IN ?", sessionID, from).
		Updates(updates)
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
			return errs.New(errs.ErrUnitBusy, "unit %v of session %s is bound to another active session", fields["unit_id"], sessionID)
		}
		return dbError("Failed to update session", res.Error)
	}
	if res.RowsAffected == 0 {
		return errs.New(errs.ErrInvalidTransition, "session %s is not in %s", sessionID, strings.Join(from, "|"))
	}
	return nil
}

// ActiveSessionForUnit returns the open or finalizing session bound to a unit, or
// nil when there is none
func (r *Repository) ActiveSessionForUnit(ctx context.Context, unitID string) (*models.Session, error) {
	var sessions []models.Session
	err := r.db.WithContext(ctx).
		Where("unit_id = ? AND state IN ?", unitID, []string{models.SessionOpen, models.SessionFinalizing}).
		Limit(1).
		Find(&sessions).Error
	if err != nil {
		return nil, dbError("Failed to look up sessions of unit", err)
	}
	if len(sessions) == 0 {
		return nil, nil
	}
	return &sessions[0], nil
}

// GetSession returns a session with its operations in append order
func (r *Repository) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	var session models.Session
	err := r.db.WithContext(ctx).
		Preload("Operations", func(db *gorm.DB) *gorm.DB { return db.Order("seq") }).
		Where("session_id = ?", sessionID).
		First(&session).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.New(errs.ErrNotFound, "session %s", sessionID)
		}
		return nil, dbError("Failed to look up session", err)
	}
	return &session, nil
}

// ActiveSessions returns every session still holding a workbench, used for recovery
func (r *Repository) ActiveSessions(ctx context.Context) ([]models.Session, error) {
	var sessions []models.Session
	err := r.db.WithContext(ctx).
		Preload("Operations", func(db *gorm.DB) *gorm.DB { return db.Order("seq") }).
		Where("state IN ?", activeSessionStates).
		Order("opened_at").
		Find(&sessions).Error
	if err != nil {
		return nil, dbError("Failed to list active sessions", err)
	}
	return sessions, nil
}

// Operations

// AppendOperation persists a newly started operation
func (r *Repository) AppendOperation(ctx context.Context, op *models.OperationRecord) error {
	if err := r.db.WithContext(ctx).Create(op).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return errs.New(errs.ErrConcurrentOperation, "operation seq %d already exists in session %s", op.Seq, op.SessionID)
		}
		return dbError("Failed to append operation", err)
	}
	return nil
}

// CompleteOperation records the end of an in-progress operation. Completed operations
// are never rewritten.
func (r *Repository) CompleteOperation(ctx context.Context, op *models.OperationRecord) error {
	res := r.db.WithContext(ctx).Model(&models.OperationRecord{}).
		Where("operation_id = ? AND ended_at IS NULL", op.ID).
		Updates(map[string]any{
			"ended_at":          op.EndedAt,
			"ended_prematurely": op.EndedPrematurely,
			"payload":           op.Payload,
			"payload_hash":      op.PayloadHash,
		})
	if res.Error != nil {
		return dbError("Failed to complete operation", res.Error)
	}
	if res.RowsAffected == 0 {
		return errs.New(errs.ErrUnknownOperation, "operation %s is not in progress", op.ID)
	}
	return nil
}

// Passports

// FinalizeSession stores the passport and closes its session atomically
func (r *Repository) FinalizeSession(ctx context.Context, passport *models.Passport, closedAt time.Time) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(passport).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return errs.New(errs.ErrUnitFinalized, "unit %s", passport.UnitID)
			}
			return dbError("Failed to create passport", err)
		}
		res := tx.Model(&models.Session{}).
			Where("session_id = ? AND state = ?", passport.SessionID, models.SessionFinalizing).
			Updates(map[string]any{"state": models.SessionClosed, "closed_at": closedAt})
		if res.Error != nil {
			return dbError("Failed to close session", res.Error)
		}
		if res.RowsAffected == 0 {
			return errs.New(errs.ErrInvalidTransition, "session %s is not finalizing", passport.SessionID)
		}
		return nil
	})
}

// GetPassport looks a passport up by id, chain hash or unit id
func (r *Repository) GetPassport(ctx context.Context, ref string) (*models.Passport, error) {
	var passport models.Passport
	err := r.db.WithContext(ctx).
		Preload("Anchoring").
		Where("passport_id = ? OR chain_hash = ? OR unit_id = ?", ref, ref, ref).
		First(&passport).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.New(errs.ErrNotFound, "passport %s", ref)
		}
		return nil, dbError("Failed to look up passport", err)
	}
	return &passport, nil
}

// PassportBySession returns the passport produced by a session
func (r *Repository) PassportBySession(ctx context.Context, sessionID string) (*models.Passport, error) {
	var passport models.Passport
	err := r.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&passport).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.New(errs.ErrNotFound, "passport for session %s", sessionID)
		}
		return nil, dbError("Failed to look up passport", err)
	}
	return &passport, nil
}

// PassportsWithoutAnchoring lists passports that were finalized but never enqueued
func (r *Repository) PassportsWithoutAnchoring(ctx context.Context) ([]models.Passport, error) {
	var passports []models.Passport
	err := r.db.WithContext(ctx).
		Where("chain_hash NOT IN (?)", r.db.Model(&models.AnchoringRecord{}).Select("passport_hash")).
		Order("finalized_at").
		Find(&passports).Error
	if err != nil {
		return nil, dbError("Failed to list unanchored passports", err)
	}
	return passports, nil
}
