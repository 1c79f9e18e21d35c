package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/harborcommerce/lib-eventbus/internal/nilcheck"
	"github.com/harborcommerce/lib-eventbus/log"
	"github.com/harborcommerce/lib-eventbus/message"
	"github.com/harborcommerce/lib-eventbus/outbox"
)

const maxSQLIdentifierLength = 63

var (
	ErrConnectionRequired        = errors.New("database connection is required")
	ErrRepositoryNotInitialized  = errors.New("outbox repository not initialized")
	ErrLimitMustBePositive       = errors.New("limit must be greater than zero")
	ErrIDRequired                = errors.New("id is required")
	ErrMaxAttemptsMustBePositive = errors.New("maxAttempts must be greater than zero")
	ErrInvalidIdentifier         = errors.New("invalid sql identifier")

	identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

	defaultTransactionTimeout = 30 * time.Second

	outboxColumns = "id, message_type, payload, headers, status, attempts, created_at, updated_at, processed_at, last_error"
)

// Option customizes the repository.
type Option func(*Repository)

// WithLogger sets the logger.
func WithLogger(logger log.Logger) Option {
	return func(repo *Repository) {
		if nilcheck.Interface(logger) {
			return
		}

		repo.logger = logger
	}
}

// WithTableName overrides the default outbox_messages table. Schema-qualified
// names ("app.outbox_messages") are accepted.
func WithTableName(tableName string) Option {
	return func(repo *Repository) {
		repo.tableName = tableName
	}
}

// WithTransactionTimeout bounds repository-owned transactions.
func WithTransactionTimeout(timeout time.Duration) Option {
	return func(repo *Repository) {
		if timeout > 0 {
			repo.transactionTimeout = timeout
		}
	}
}

// Repository persists outbox messages in PostgreSQL.
//
// Claims rely on FOR UPDATE SKIP LOCKED plus status-checked updates, so
// several dispatcher instances can drain the same table without handing out
// a row twice.
type Repository struct {
	db                 *sql.DB
	logger             log.Logger
	tracer             trace.Tracer
	tableName          string
	transactionTimeout time.Duration
}

var _ outbox.Repository = (*Repository)(nil)

// NewRepository creates a PostgreSQL outbox repository on db.
func NewRepository(db *sql.DB, opts ...Option) (*Repository, error) {
	if db == nil {
		return nil, ErrConnectionRequired
	}

	repo := &Repository{
		db:                 db,
		logger:             log.NewNop(),
		tracer:             otel.Tracer("eventbus.outbox.postgres"),
		tableName:          "outbox_messages",
		transactionTimeout: defaultTransactionTimeout,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(repo)
		}
	}

	repo.tableName = strings.TrimSpace(repo.tableName)
	if repo.tableName == "" {
		repo.tableName = "outbox_messages"
	}

	if err := validateIdentifierPath(repo.tableName); err != nil {
		return nil, fmt.Errorf("table name: %w", err)
	}

	return repo, nil
}

// Create stores a new outbox message in its own transaction.
func (repo *Repository) Create(ctx context.Context, row *outbox.Message) error {
	return repo.create(ctx, nil, row)
}

// CreateWithTx stores a new outbox message inside the caller's transaction,
// so the message and the business change commit or roll back together.
func (repo *Repository) CreateWithTx(ctx context.Context, tx outbox.Tx, row *outbox.Message) error {
	if tx == nil {
		return outbox.ErrTxRequired
	}

	return repo.create(ctx, tx, row)
}

func (repo *Repository) create(ctx context.Context, tx *sql.Tx, row *outbox.Message) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return ErrRepositoryNotInitialized
	}

	if row == nil {
		return outbox.ErrMessageRequired
	}

	if row.ID == uuid.Nil {
		return ErrIDRequired
	}

	if len(row.Payload) == 0 {
		return outbox.ErrPayloadRequired
	}

	ctx, span := repo.tracer.Start(ctx, "postgres.create_outbox_message")
	defer span.End()

	headers, err := row.Headers.MarshalForStorage()
	if err != nil {
		return fmt.Errorf("creating outbox message: %w", err)
	}

	createdAt := row.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err = withTx(repo, ctx, tx, func(execTx *sql.Tx) (struct{}, error) {
		table := quoteIdentifierPath(repo.tableName)
		query := "INSERT INTO " + table +
			" (id, message_type, payload, headers, status, attempts, created_at, updated_at)" +
			" VALUES ($1, $2, $3, $4, $5, $6, $7, $8)"

		_, execErr := execTx.ExecContext(ctx, query,
			row.ID,
			strings.TrimSpace(row.MessageType),
			row.Payload,
			headers,
			outbox.StatusPending.String(),
			0,
			createdAt,
			createdAt,
		)
		if execErr != nil {
			return struct{}{}, fmt.Errorf("executing insert: %w", execErr)
		}

		return struct{}{}, nil
	})
	if err != nil {
		repo.handleError(ctx, span, "failed to create outbox message", err)

		return fmt.Errorf("creating outbox message: %w", err)
	}

	return nil
}

// GetByID retrieves an outbox message by id.
func (repo *Repository) GetByID(ctx context.Context, id uuid.UUID) (*outbox.Message, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return nil, ErrRepositoryNotInitialized
	}

	if id == uuid.Nil {
		return nil, ErrIDRequired
	}

	ctx, span := repo.tracer.Start(ctx, "postgres.get_outbox_message")
	defer span.End()

	table := quoteIdentifierPath(repo.tableName)
	query := "SELECT " + outboxColumns + " FROM " + table + " WHERE id = $1"

	row, err := scanMessage(repo.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, outbox.ErrMessageNotFound
		}

		repo.handleError(ctx, span, "failed to get outbox message", err)

		return nil, fmt.Errorf("getting outbox message: %w", err)
	}

	return row, nil
}

// ListPending claims up to limit PENDING rows in creation order.
//
// The select and the PENDING -> PROCESSING flip run in one transaction with
// FOR UPDATE SKIP LOCKED, so concurrent dispatchers claim disjoint batches.
func (repo *Repository) ListPending(ctx context.Context, limit int) ([]*outbox.Message, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return nil, ErrRepositoryNotInitialized
	}

	if limit <= 0 {
		return nil, ErrLimitMustBePositive
	}

	ctx, span := repo.tracer.Start(ctx, "postgres.list_outbox_pending")
	defer span.End()

	result, err := withTx(repo, ctx, nil, func(tx *sql.Tx) ([]*outbox.Message, error) {
		table := quoteIdentifierPath(repo.tableName)
		query := "SELECT " + outboxColumns + " FROM " + table +
			" WHERE status = $1 ORDER BY created_at ASC LIMIT $2 FOR UPDATE SKIP LOCKED"

		rows, err := queryMessages(ctx, tx, query, []any{outbox.StatusPending.String(), limit}, limit)
		if err != nil {
			return nil, err
		}

		if len(rows) == 0 {
			return rows, nil
		}

		now := time.Now().UTC()
		if err := repo.markClaimed(ctx, tx, collectIDs(rows), now); err != nil {
			return nil, err
		}

		for _, row := range rows {
			row.Status = outbox.StatusProcessing
		}

		return rows, nil
	})
	if err != nil {
		repo.handleError(ctx, span, "failed to list pending outbox messages", err)

		return nil, fmt.Errorf("listing pending messages: %w", err)
	}

	return result, nil
}

// MarkProcessed finalizes a claimed row after a confirmed publish.
func (repo *Repository) MarkProcessed(ctx context.Context, id uuid.UUID, processedAt time.Time) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return ErrRepositoryNotInitialized
	}

	if id == uuid.Nil {
		return ErrIDRequired
	}

	if err := outbox.ValidateTransition(outbox.StatusProcessing.String(), outbox.StatusProcessed.String()); err != nil {
		return fmt.Errorf("mark processed transition: %w", err)
	}

	ctx, span := repo.tracer.Start(ctx, "postgres.mark_outbox_processed")
	defer span.End()

	table := quoteIdentifierPath(repo.tableName)
	query := "UPDATE " + table + " SET status = $1, processed_at = $2, updated_at = $3" +
		" WHERE id = $4 AND status = $5"

	result, err := repo.db.ExecContext(ctx, query,
		outbox.StatusProcessed.String(),
		processedAt,
		time.Now().UTC(),
		id,
		outbox.StatusProcessing.String(),
	)
	if err == nil {
		err = ensureRowsAffected(result)
	}

	if err != nil {
		repo.handleError(ctx, span, "failed to mark outbox message processed", err)

		return fmt.Errorf("marking processed: %w", err)
	}

	return nil
}

// MarkFailed records a publish failure: the row returns to PENDING with
// attempts incremented, or goes terminal FAILED once the budget is spent.
func (repo *Repository) MarkFailed(ctx context.Context, id uuid.UUID, lastError string, maxAttempts int) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return ErrRepositoryNotInitialized
	}

	if id == uuid.Nil {
		return ErrIDRequired
	}

	if maxAttempts <= 0 {
		return ErrMaxAttemptsMustBePositive
	}

	lastError = outbox.SanitizeErrorMessage(lastError)

	ctx, span := repo.tracer.Start(ctx, "postgres.mark_outbox_failed")
	defer span.End()

	table := quoteIdentifierPath(repo.tableName)
	query := "UPDATE " + table + " SET " +
		"status = CASE WHEN attempts + 1 >= $1 THEN $2 ELSE $3 END, " +
		"attempts = attempts + 1, " +
		"last_error = $4, " +
		"updated_at = $5 WHERE id = $6 AND status = $7"

	result, err := repo.db.ExecContext(ctx, query,
		maxAttempts,
		outbox.StatusFailed.String(),
		outbox.StatusPending.String(),
		lastError,
		time.Now().UTC(),
		id,
		outbox.StatusProcessing.String(),
	)
	if err == nil {
		err = ensureRowsAffected(result)
	}

	if err != nil {
		repo.handleError(ctx, span, "failed to mark outbox message failed", err)

		return fmt.Errorf("marking failed: %w", err)
	}

	return nil
}

// MarkFailedPermanent moves a claimed row straight to the terminal FAILED
// state, regardless of remaining attempts.
func (repo *Repository) MarkFailedPermanent(ctx context.Context, id uuid.UUID, lastError string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return ErrRepositoryNotInitialized
	}

	if id == uuid.Nil {
		return ErrIDRequired
	}

	if err := outbox.ValidateTransition(outbox.StatusProcessing.String(), outbox.StatusFailed.String()); err != nil {
		return fmt.Errorf("mark failed transition: %w", err)
	}

	lastError = outbox.SanitizeErrorMessage(lastError)

	ctx, span := repo.tracer.Start(ctx, "postgres.mark_outbox_failed_permanent")
	defer span.End()

	table := quoteIdentifierPath(repo.tableName)
	query := "UPDATE " + table + " SET status = $1, attempts = attempts + 1, last_error = $2, updated_at = $3" +
		" WHERE id = $4 AND status = $5"

	result, err := repo.db.ExecContext(ctx, query,
		outbox.StatusFailed.String(),
		lastError,
		time.Now().UTC(),
		id,
		outbox.StatusProcessing.String(),
	)
	if err == nil {
		err = ensureRowsAffected(result)
	}

	if err != nil {
		repo.handleError(ctx, span, "failed to mark outbox message failed", err)

		return fmt.Errorf("marking failed permanent: %w", err)
	}

	return nil
}

// ResetStuckProcessing returns rows claimed before olderThan to PENDING.
func (repo *Repository) ResetStuckProcessing(ctx context.Context, limit int, olderThan time.Time) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return 0, ErrRepositoryNotInitialized
	}

	if limit <= 0 {
		return 0, ErrLimitMustBePositive
	}

	ctx, span := repo.tracer.Start(ctx, "postgres.reset_stuck_outbox_processing")
	defer span.End()

	table := quoteIdentifierPath(repo.tableName)
	query := "UPDATE " + table + " SET status = $1, updated_at = $2 WHERE id IN (" +
		"SELECT id FROM " + table + " WHERE status = $3 AND updated_at <= $4" +
		" ORDER BY updated_at ASC LIMIT $5 FOR UPDATE SKIP LOCKED)"

	result, err := repo.db.ExecContext(ctx, query,
		outbox.StatusPending.String(),
		time.Now().UTC(),
		outbox.StatusProcessing.String(),
		olderThan,
		limit,
	)
	if err != nil {
		repo.handleError(ctx, span, "failed to reset stuck outbox messages", err)

		return 0, fmt.Errorf("resetting stuck messages: %w", err)
	}

	reclaimed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("resetting stuck messages: rows affected: %w", err)
	}

	return int(reclaimed), nil
}

func (repo *Repository) markClaimed(ctx context.Context, tx *sql.Tx, ids []uuid.UUID, now time.Time) error {
	if err := outbox.ValidateTransition(outbox.StatusPending.String(), outbox.StatusProcessing.String()); err != nil {
		return fmt.Errorf("claim transition: %w", err)
	}

	table := quoteIdentifierPath(repo.tableName)
	query := "UPDATE " + table + " SET status = $1, updated_at = $2" +
		" WHERE id = ANY($3::uuid[]) AND status = $4"

	// pgx binds []string as text[]; the cast turns it into uuid[].
	idArgs := make([]string, 0, len(ids))
	for _, id := range ids {
		idArgs = append(idArgs, id.String())
	}

	result, err := tx.ExecContext(ctx, query,
		outbox.StatusProcessing.String(),
		now,
		idArgs,
		outbox.StatusPending.String(),
	)
	if err != nil {
		return fmt.Errorf("claiming rows: %w", err)
	}

	if err := ensureRowsAffectedExact(result, int64(len(ids))); err != nil {
		return fmt.Errorf("claiming rows: %w", err)
	}

	return nil
}

func withTx[T any](repo *Repository, ctx context.Context, tx *sql.Tx, fn func(*sql.Tx) (T, error)) (T, error) {
	var zero T

	if tx != nil {
		return fn(tx)
	}

	txCtx := ctx

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc

		txCtx, cancel = context.WithTimeout(ctx, repo.transactionTimeout)
		defer cancel()
	}

	newTx, err := repo.db.BeginTx(txCtx, nil)
	if err != nil {
		return zero, fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		_ = newTx.Rollback()
	}()

	result, err := fn(newTx)
	if err != nil {
		return zero, err
	}

	if err := newTx.Commit(); err != nil {
		return zero, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return result, nil
}

func (repo *Repository) initialized() bool {
	return repo != nil && repo.db != nil
}

func (repo *Repository) handleError(ctx context.Context, span trace.Span, msg string, err error) {
	if err == nil {
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, msg)

	repo.logger.Log(ctx, log.LevelError, msg,
		log.String("error", outbox.SanitizeErrorMessage(err.Error())),
	)
}

func scanMessage(scanner interface{ Scan(dest ...any) error }) (*outbox.Message, error) {
	var (
		row       outbox.Message
		rawStatus string
		headers   []byte
		lastError sql.NullString
	)

	if err := scanner.Scan(
		&row.ID,
		&row.MessageType,
		&row.Payload,
		&headers,
		&rawStatus,
		&row.Attempts,
		&row.CreatedAt,
		new(time.Time),
		&row.ProcessedAt,
		&lastError,
	); err != nil {
		return nil, fmt.Errorf("scanning outbox message: %w", err)
	}

	status, err := outbox.ParseStatus(rawStatus)
	if err != nil {
		return nil, err
	}

	row.Status = status

	row.Headers, err = message.HeadersFromStorage(headers)
	if err != nil {
		return nil, fmt.Errorf("scanning outbox message headers: %w", err)
	}

	if lastError.Valid {
		row.LastError = lastError.String
	}

	return &row, nil
}

func queryMessages(ctx context.Context, tx *sql.Tx, query string, args []any, limit int) ([]*outbox.Message, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying outbox messages: %w", err)
	}

	defer rows.Close()

	result := make([]*outbox.Message, 0, limit)

	for rows.Next() {
		row, scanErr := scanMessage(rows)
		if scanErr != nil {
			return nil, scanErr
		}

		result = append(result, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	return result, nil
}

func collectIDs(rows []*outbox.Message) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(rows))

	for _, row := range rows {
		if row == nil || row.ID == uuid.Nil {
			continue
		}

		ids = append(ids, row.ID)
	}

	return ids
}

func ensureRowsAffected(result sql.Result) error {
	rows, err := rowsAffected(result)
	if err != nil {
		return err
	}

	if rows == 0 {
		return outbox.ErrAlreadyClaimed
	}

	return nil
}

func ensureRowsAffectedExact(result sql.Result, expected int64) error {
	rows, err := rowsAffected(result)
	if err != nil {
		return err
	}

	if rows != expected {
		return outbox.ErrAlreadyClaimed
	}

	return nil
}

func rowsAffected(result sql.Result) (int64, error) {
	if result == nil {
		return 0, outbox.ErrAlreadyClaimed
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}

	return rows, nil
}

func validateIdentifier(identifier string) error {
	if len(identifier) > maxSQLIdentifierLength {
		return ErrInvalidIdentifier
	}

	if !identifierPattern.MatchString(identifier) {
		return ErrInvalidIdentifier
	}

	return nil
}

func validateIdentifierPath(path string) error {
	parts := strings.Split(path, ".")
	if len(parts) == 0 {
		return ErrInvalidIdentifier
	}

	for _, part := range parts {
		if err := validateIdentifier(strings.TrimSpace(part)); err != nil {
			return err
		}
	}

	return nil
}

func quoteIdentifierPath(path string) string {
	parts := strings.Split(path, ".")
	quoted := make([]string, 0, len(parts))

	for _, part := range parts {
		quoted = append(quoted, quoteIdentifier(strings.TrimSpace(part)))
	}

	return strings.Join(quoted, ".")
}

func quoteIdentifier(identifier string) string {
	identifier = strings.ReplaceAll(identifier, "\x00", "")

	return "\"" + strings.ReplaceAll(identifier, "\"", "\"\"") + "\""
}
