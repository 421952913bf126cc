package sentinel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// DefaultSinkBuffer is the AsyncSink buffer size used when none is given.
const DefaultSinkBuffer = 256

var (
	// ErrSinkClosed is returned by AsyncSink.Persist after Close.
	ErrSinkClosed = errors.New("sink closed")
	// ErrUnknownStoreDriver is returned by OpenStore for an unsupported driver.
	ErrUnknownStoreDriver = errors.New("unknown store driver")
)

// Sink receives unique findings.
type Sink interface {
	Persist(ctx context.Context, f Finding) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, f Finding) error

// Persist calls f(ctx, finding).
func (f SinkFunc) Persist(ctx context.Context, finding Finding) error {
	return f(ctx, finding)
}

// FindingStore is a Sink that can also answer dedup lookups and list what it
// holds.
type FindingStore interface {
	Sink
	SignatureStore
	Findings(ctx context.Context, limit int) ([]Finding, error)
	Ping(ctx context.Context) error
	Close() error
}

// AsyncSink moves persistence off the scanning path. Persist never blocks:
// when the buffer is full the finding is dropped, counted and logged.
type AsyncSink struct {
	Metrics *Metrics
	Logger  *slog.Logger

	sink    Sink
	mu      sync.RWMutex
	ch      chan Finding
	closed  bool
	done    chan struct{}
	dropped atomic.Int64
}

// NewAsyncSink starts a goroutine that writes to sink from a buffer of the
// given size.
func NewAsyncSink(sink Sink, buffer int) *AsyncSink {
	if buffer <= 0 {
		buffer = DefaultSinkBuffer
	}
	s := &AsyncSink{
		sink: sink,
		ch:   make(chan Finding, buffer),
		done: make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *AsyncSink) run() {
	defer close(s.done)
	for f := range s.ch {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := s.sink.Persist(ctx, f); err != nil {
			s.logger().Error("persist finding", "finding_id", f.ID, "plugin", f.PluginID, "error", err)
		}
		cancel()
	}
}

// Persist queues f.
func (s *AsyncSink) Persist(_ context.Context, f Finding) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrSinkClosed
	}
	select {
	case s.ch <- f:
		return nil
	default:
		s.dropped.Add(1)
		if s.Metrics != nil {
			s.Metrics.RecordSinkDrop()
		}
		s.logger().Warn("sink buffer full, finding dropped", "finding_id", f.ID, "plugin", f.PluginID)
		return nil
	}
}

// Dropped returns the number of findings dropped on a full buffer.
func (s *AsyncSink) Dropped() int64 {
	return s.dropped.Load()
}

// Close stops accepting findings and waits until the buffer is drained.
func (s *AsyncSink) Close() error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	s.mu.Unlock()
	<-s.done
	return nil
}

func (s *AsyncSink) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// findingRow is the stored form of a Finding. It is shared by the gorm and
// sqlx stores.
type findingRow struct {
	ID              string    `gorm:"primaryKey;size:36" db:"id"`
	Signature       string    `gorm:"uniqueIndex;size:64;not null" db:"signature"`
	PluginID        string    `gorm:"index;not null" db:"plugin_id"`
	VulnType        string    `gorm:"not null" db:"vuln_type"`
	Severity        string    `gorm:"index;not null" db:"severity"`
	Confidence      string    `gorm:"not null" db:"confidence"`
	Title           string    `gorm:"not null" db:"title"`
	Description     string    `db:"description"`
	Evidence        string    `db:"evidence"`
	Location        string    `db:"location"`
	URL             string    `gorm:"index" db:"url"`
	Method          string    `db:"method"`
	CWE             string    `db:"cwe"`
	OWASP           string    `db:"owasp"`
	Remediation     string    `db:"remediation"`
	RequestHeaders  string    `db:"request_headers"`
	RequestBody     string    `db:"request_body"`
	ResponseStatus  int       `db:"response_status"`
	ResponseHeaders string    `db:"response_headers"`
	ResponseBody    string    `db:"response_body"`
	CreatedAt       time.Time `gorm:"index" db:"created_at"`
}

func (findingRow) TableName() string { return "findings" }

func rowFromFinding(f *Finding) findingRow {
	reqHeaders, respHeaders := f.snapshotJSON()
	return findingRow{
		ID:              f.ID,
		Signature:       f.Signature(),
		PluginID:        f.PluginID,
		VulnType:        f.VulnType,
		Severity:        string(f.Severity),
		Confidence:      string(f.Confidence),
		Title:           f.Title,
		Description:     f.Description,
		Evidence:        f.Evidence,
		Location:        f.Location,
		URL:             f.URL,
		Method:          f.Method,
		CWE:             f.CWE,
		OWASP:           f.OWASP,
		Remediation:     f.Remediation,
		RequestHeaders:  reqHeaders,
		RequestBody:     f.RequestBody,
		ResponseStatus:  f.ResponseStatus,
		ResponseHeaders: respHeaders,
		ResponseBody:    f.ResponseBody,
		CreatedAt:       f.CreatedAt,
	}
}

func (r *findingRow) finding() Finding {
	f := Finding{
		ID:             r.ID,
		PluginID:       r.PluginID,
		VulnType:       r.VulnType,
		Severity:       Severity(r.Severity),
		Confidence:     Confidence(r.Confidence),
		Title:          r.Title,
		Description:    r.Description,
		Evidence:       r.Evidence,
		Location:       r.Location,
		URL:            r.URL,
		Method:         r.Method,
		CWE:            r.CWE,
		OWASP:          r.OWASP,
		Remediation:    r.Remediation,
		RequestBody:    r.RequestBody,
		ResponseStatus: r.ResponseStatus,
		ResponseBody:   r.ResponseBody,
		CreatedAt:      r.CreatedAt.UTC(),
	}
	if r.RequestHeaders != "" {
		_ = json.Unmarshal([]byte(r.RequestHeaders), &f.RequestHeaders)
	}
	if r.ResponseHeaders != "" {
		_ = json.Unmarshal([]byte(r.ResponseHeaders), &f.ResponseHeaders)
	}
	return f
}

// SQLStore keeps findings in SQLite through gorm.
type SQLStore struct {
	db *gorm.DB
}

// OpenSQLStore opens (creating if needed) the SQLite database at path and
// migrates the findings table. Use ":memory:" for a throwaway store.
func OpenSQLStore(path string, logger *slog.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: newGormLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	if path == ":memory:" {
		// Each pooled connection would otherwise get its own empty database.
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.SetMaxOpenConns(1)
		}
	}
	if err := db.AutoMigrate(&findingRow{}); err != nil {
		return nil, fmt.Errorf("migrate sqlite store: %w", err)
	}
	return &SQLStore{db: db}, nil
}

// Persist stores f. A finding whose signature is already stored is ignored.
func (s *SQLStore) Persist(ctx context.Context, f Finding) error {
	row := rowFromFinding(&f)
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "signature"}}, DoNothing: true}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("persist finding: %w", err)
	}
	return nil
}

// HasSignature reports whether a finding with signature is stored.
func (s *SQLStore) HasSignature(ctx context.Context, signature string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&findingRow{}).Where("signature = ?", signature).Limit(1).Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("lookup signature: %w", err)
	}
	return n > 0, nil
}

// Findings returns up to limit findings, newest first. limit <= 0 returns
// all of them.
func (s *SQLStore) Findings(ctx context.Context, limit int) ([]Finding, error) {
	var rows []findingRow
	q := s.db.WithContext(ctx).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list findings: %w", err)
	}
	out := make([]Finding, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].finding())
	}
	return out, nil
}

// Ping checks the database connection.
func (s *SQLStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the database.
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS findings (
	id               TEXT PRIMARY KEY,
	signature        VARCHAR(64) NOT NULL UNIQUE,
	plugin_id        TEXT NOT NULL,
	vuln_type        TEXT NOT NULL,
	severity         TEXT NOT NULL,
	confidence       TEXT NOT NULL,
	title            TEXT NOT NULL,
	description      TEXT NOT NULL DEFAULT '',
	evidence         TEXT NOT NULL DEFAULT '',
	location         TEXT NOT NULL DEFAULT '',
	url              TEXT NOT NULL DEFAULT '',
	method           TEXT NOT NULL DEFAULT '',
	cwe              TEXT NOT NULL DEFAULT '',
	owasp            TEXT NOT NULL DEFAULT '',
	remediation      TEXT NOT NULL DEFAULT '',
	request_headers  TEXT NOT NULL DEFAULT '',
	request_body     TEXT NOT NULL DEFAULT '',
	response_status  INTEGER NOT NULL DEFAULT 0,
	response_headers TEXT NOT NULL DEFAULT '',
	response_body    TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_findings_created_at ON findings (created_at DESC);
`

const postgresInsert = `
INSERT INTO findings (
	id, signature, plugin_id, vuln_type, severity, confidence, title, description,
	evidence, location, url, method, cwe, owasp, remediation, request_headers,
	request_body, response_status, response_headers, response_body, created_at
) VALUES (
	:id, :signature, :plugin_id, :vuln_type, :severity, :confidence, :title, :description,
	:evidence, :location, :url, :method, :cwe, :owasp, :remediation, :request_headers,
	:request_body, :response_status, :response_headers, :response_body, :created_at
) ON CONFLICT (signature) DO NOTHING`

// PostgresStore keeps findings in PostgreSQL through sqlx.
type PostgresStore struct {
	DB *sqlx.DB
}

// OpenPostgresStore connects to dsn and creates the findings table if it
// does not exist.
func OpenPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres store: %w", err)
	}
	s := &PostgresStore{DB: db}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the findings table.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.DB.ExecContext(ctx, postgresSchema); err != nil {
		return fmt.Errorf("migrate postgres store: %w", err)
	}
	return nil
}

// Persist stores f. A finding whose signature is already stored is ignored.
func (s *PostgresStore) Persist(ctx context.Context, f Finding) error {
	if _, err := s.DB.NamedExecContext(ctx, postgresInsert, rowFromFinding(&f)); err != nil {
		return fmt.Errorf("persist finding: %w", err)
	}
	return nil
}

// HasSignature reports whether a finding with signature is stored.
func (s *PostgresStore) HasSignature(ctx context.Context, signature string) (bool, error) {
	var exists bool
	err := s.DB.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM findings WHERE signature = $1)`, signature)
	if err != nil {
		return false, fmt.Errorf("lookup signature: %w", err)
	}
	return exists, nil
}

// Findings returns up to limit findings, newest first.
func (s *PostgresStore) Findings(ctx context.Context, limit int) ([]Finding, error) {
	var rows []findingRow
	query := `SELECT * FROM findings ORDER BY created_at DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	if err := s.DB.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list findings: %w", err)
	}
	out := make([]Finding, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].finding())
	}
	return out, nil
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.DB.PingContext(ctx)
}

// Close closes the database.
func (s *PostgresStore) Close() error {
	return s.DB.Close()
}

// OpenStore opens the finding store named by driver: "sqlite", "postgres",
// or "none" (and "") for no store, in which case it returns nil.
func OpenStore(ctx context.Context, driver, dsn string, logger *slog.Logger) (FindingStore, error) {
	switch driver {
	case "", "none":
		return nil, nil
	case "sqlite":
		s, err := OpenSQLStore(dsn, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres", "postgresql":
		s, err := OpenPostgresStore(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("open store %q: %w", driver, ErrUnknownStoreDriver)
	}
}

// gormLogger routes gorm's SQL logging to slog. SQL statements are logged
// at debug, slow queries at warn, failures at error.
type gormLogger struct {
	logger *slog.Logger
	level  gormlogger.LogLevel
}

func newGormLogger(l *slog.Logger) *gormLogger {
	return &gormLogger{logger: l, level: gormlogger.Warn}
}

func (l *gormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	n := *l
	n.level = level
	return &n
}

func (l *gormLogger) Info(ctx context.Context, msg string, data ...any) {
	if l.level >= gormlogger.Info {
		l.logger.InfoContext(ctx, fmt.Sprintf(msg, data...))
	}
}

func (l *gormLogger) Warn(ctx context.Context, msg string, data ...any) {
	if l.level >= gormlogger.Warn {
		l.logger.WarnContext(ctx, fmt.Sprintf(msg, data...))
	}
}

func (l *gormLogger) Error(ctx context.Context, msg string, data ...any) {
	if l.level >= gormlogger.Error {
		l.logger.ErrorContext(ctx, fmt.Sprintf(msg, data...))
	}
}

func (l *gormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	sql, rows := fc()
	attrs := []any{"sql", sql, "rows", rows, "elapsed", elapsed}

	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && l.level >= gormlogger.Error:
		l.logger.ErrorContext(ctx, "sql failed", append(attrs, "error", err)...)
	case elapsed > time.Second && l.level >= gormlogger.Warn:
		l.logger.WarnContext(ctx, "slow sql", attrs...)
	case l.level >= gormlogger.Info:
		l.logger.DebugContext(ctx, "sql", attrs...)
	}
}
