// Package sqlite provides a report sink storing alerts and heartbeats in a
// SQLite database.
//
// Every message is written in one IMMEDIATE transaction: the body row in
// the alerts or heartbeats table, then one additional_data row per record
// referencing it. The full message is also stored as a JSON document so
// fields without a dedicated column stay queryable through json_extract.
//
// The schema is created when the sink is activated. A database that cannot
// be opened or migrated fails activation rather than the first Run.
package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/c360/alertbus/errors"
	"github.com/c360/alertbus/idmef"
	"github.com/c360/alertbus/plugin"
	"github.com/c360/alertbus/report"
)

// Type is the plugin name of the database sink
const Type = "sqlite"

const schema = `
CREATE TABLE IF NOT EXISTS alerts (
	id             INTEGER PRIMARY KEY,
	messageid      TEXT,
	analyzerid     TEXT,
	analyzer_name  TEXT,
	create_time    INTEGER,
	detect_time    INTEGER,
	analyzer_time  INTEGER,
	gmt_offset     INTEGER,
	classification TEXT,
	severity       TEXT,
	completion     TEXT,
	confidence     TEXT,
	source         TEXT,
	target         TEXT,
	document       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS alerts_create_time ON alerts(create_time);
CREATE INDEX IF NOT EXISTS alerts_analyzerid ON alerts(analyzerid);

CREATE TABLE IF NOT EXISTS heartbeats (
	id                 INTEGER PRIMARY KEY,
	messageid          TEXT,
	analyzerid         TEXT,
	analyzer_name      TEXT,
	create_time        INTEGER,
	analyzer_time      INTEGER,
	gmt_offset         INTEGER,
	heartbeat_interval INTEGER,
	document           TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS heartbeats_analyzerid ON heartbeats(analyzerid, create_time);

CREATE TABLE IF NOT EXISTS additional_data (
	alert_id     INTEGER REFERENCES alerts(id) ON DELETE CASCADE,
	heartbeat_id INTEGER REFERENCES heartbeats(id) ON DELETE CASCADE,
	meaning      TEXT NOT NULL,
	type         TEXT,
	data         TEXT
);
`

// Config holds configuration for the database sink
type Config struct {
	Path     string `json:"path"`
	PoolSize int    `json:"pool_size"`
}

// DefaultConfig returns default configuration for the database sink
func DefaultConfig() Config {
	return Config{
		Path:     "/var/lib/alertbus/alerts.db",
		PoolSize: 4,
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Path == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "path is required")
	}
	if c.PoolSize < 1 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "pool_size must be at least 1")
	}
	return nil
}

// Sink writes each message into the database
type Sink struct {
	name   string
	pool   *pool
	logger *slog.Logger

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error

	alerts     atomic.Int64
	heartbeats atomic.Int64
}

// New opens the database and creates the schema
func New(ctx context.Context, name string, cfg Config, logger *slog.Logger) (*Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.NewConfigurationError(name, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "sqlite-sink", "sink", name)

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, errors.NewConfigurationError(name, errors.WrapFatal(err, "Sink", "New", "create database directory"))
	}

	p, err := openPool(cfg.Path, cfg.PoolSize, logger, func(conn *sqlite.Conn) error {
		return sqlitex.ExecuteScript(conn, schema, nil)
	})
	if err != nil {
		return nil, errors.NewConfigurationError(name, err)
	}

	// Prepare one connection now so a bad path or schema fails activation
	conn, err := p.take(ctx)
	if err != nil {
		_ = p.close()
		return nil, errors.NewConfigurationError(name, err)
	}
	p.put(conn)

	logger.Info("SQLite sink opened", "path", cfg.Path, "pool_size", cfg.PoolSize)
	return &Sink{name: name, pool: p, logger: logger}, nil
}

// Name returns the sink instance name
func (s *Sink) Name() string {
	return s.name
}

// Run stores msg in one transaction
func (s *Sink) Run(ctx context.Context, msg *idmef.Message) (err error) {
	if s.closed.Load() {
		return errors.WrapFatal(errors.ErrShuttingDown, "Sink", "Run", "sink state check")
	}

	document, err := json.Marshal(msg)
	if err != nil {
		return errors.WrapInvalid(err, "Sink", "Run", "encode document")
	}

	conn, err := s.pool.take(ctx)
	if err != nil {
		return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrStorageUnavailable, err), "Sink", "Run", "take connection")
	}
	defer s.pool.put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return errors.WrapTransient(err, "Sink", "Run", "begin transaction")
	}
	defer endTransaction(&err)

	switch msg.Kind() {
	case idmef.KindAlert:
		if err = insertAlert(conn, msg.Alert, string(document)); err != nil {
			return errors.WrapTransient(err, "Sink", "Run", "insert alert")
		}
		if err = insertAdditionalData(conn, "alert_id", conn.LastInsertRowID(), msg.Alert.AdditionalData); err != nil {
			return errors.WrapTransient(err, "Sink", "Run", "insert additional data")
		}
		s.alerts.Add(1)
	case idmef.KindHeartbeat:
		if err = insertHeartbeat(conn, msg.Heartbeat, string(document)); err != nil {
			return errors.WrapTransient(err, "Sink", "Run", "insert heartbeat")
		}
		if err = insertAdditionalData(conn, "heartbeat_id", conn.LastInsertRowID(), msg.Heartbeat.AdditionalData); err != nil {
			return errors.WrapTransient(err, "Sink", "Run", "insert additional data")
		}
		s.heartbeats.Add(1)
	default:
		return errors.WrapInvalid(errors.ErrInvalidData, "Sink", "Run", "message has no body")
	}
	return nil
}

func insertAlert(conn *sqlite.Conn, a *idmef.Alert, document string) error {
	var classification, severity, completion, confidence any
	if a.Classification != nil {
		classification = a.Classification.Text
	}
	if a.Assessment != nil {
		severity = nullString(a.Assessment.Severity)
		completion = nullString(a.Assessment.Completion)
		confidence = nullString(a.Assessment.Confidence)
	}
	analyzerID, analyzerName := analyzerColumns(a.Analyzer)

	return sqlitex.Execute(conn, `INSERT INTO alerts
		(messageid, analyzerid, analyzer_name, create_time, detect_time, analyzer_time, gmt_offset,
		 classification, severity, completion, confidence, source, target, document)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{
			nullString(a.MessageID),
			analyzerID,
			analyzerName,
			unixMicro(a.CreateTime),
			unixMicro(a.DetectTime),
			unixMicro(a.AnalyzerTime),
			gmtOffset(a.CreateTime),
			classification,
			severity,
			completion,
			confidence,
			endpointAddresses(a.Sources),
			endpointAddresses(a.Targets),
			document,
		},
	})
}

func insertHeartbeat(conn *sqlite.Conn, h *idmef.Heartbeat, document string) error {
	analyzerID, analyzerName := analyzerColumns(h.Analyzer)
	return sqlitex.Execute(conn, `INSERT INTO heartbeats
		(messageid, analyzerid, analyzer_name, create_time, analyzer_time, gmt_offset, heartbeat_interval, document)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{
			nullString(h.MessageID),
			analyzerID,
			analyzerName,
			unixMicro(h.CreateTime),
			unixMicro(h.AnalyzerTime),
			gmtOffset(h.CreateTime),
			int64(h.HeartbeatInterval),
			document,
		},
	})
}

// insertAdditionalData links records to the row in the parent column
func insertAdditionalData(conn *sqlite.Conn, parentColumn string, parentID int64, records []idmef.AdditionalData) error {
	query := fmt.Sprintf("INSERT INTO additional_data (%s, meaning, type, data) VALUES (?, ?, ?, ?)", parentColumn)
	for _, rec := range records {
		err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
			Args: []any{parentID, rec.Meaning, nullString(rec.Type), rec.Data},
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// analyzerColumns describes the originating analyzer, the head of the chain
func analyzerColumns(a *idmef.Analyzer) (id, name any) {
	if a == nil {
		return nil, nil
	}
	return nullString(a.AnalyzerID), nullString(a.Name)
}

func endpointAddresses(endpoints []idmef.Endpoint) any {
	var addrs []string
	for _, ep := range endpoints {
		if ep.Node != nil {
			addrs = append(addrs, ep.Node.Address...)
		}
	}
	if len(addrs) == 0 {
		return nil
	}
	return strings.Join(addrs, ",")
}

func unixMicro(t *idmef.Time) any {
	if t == nil {
		return nil
	}
	return t.Sec*1_000_000 + int64(t.Usec)
}

func gmtOffset(t *idmef.Time) any {
	if t == nil {
		return nil
	}
	return int64(t.GMTOffset)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Count returns the number of rows in one of the sink's tables
func (s *Sink) Count(ctx context.Context, table string) (int64, error) {
	switch table {
	case "alerts", "heartbeats", "additional_data":
	default:
		return 0, fmt.Errorf("%w: unknown table %q", errors.ErrInvalidData, table)
	}

	conn, err := s.pool.take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.put(conn)

	var n int64
	err = sqlitex.Execute(conn, "SELECT count(*) FROM "+table, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			n = stmt.ColumnInt64(0)
			return nil
		},
	})
	return n, err
}

// Close closes the database exactly once. Later calls return the first
// result.
func (s *Sink) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.closeErr = s.pool.close()
		s.logger.Info("SQLite sink closed",
			"alerts", s.alerts.Load(),
			"heartbeats", s.heartbeats.Load())
	})
	return s.closeErr
}

// NewSink builds a database sink from its JSON configuration
func NewSink(name string, rawConfig json.RawMessage, deps plugin.Dependencies) (report.Sink, error) {
	cfg := DefaultConfig()
	if len(rawConfig) > 0 {
		if err := json.Unmarshal(rawConfig, &cfg); err != nil {
			return nil, errors.NewConfigurationError(name, fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err))
		}
	}
	return New(context.Background(), name, cfg, deps.GetLogger())
}

// Register registers the database sink with the plugin registry
func Register(registry *plugin.Registry) error {
	return registry.Register(&plugin.Registration{
		Name:        Type,
		Kind:        plugin.KindReport,
		Description: "Stores alerts and heartbeats in SQLite",
		Report:      NewSink,
	})
}
