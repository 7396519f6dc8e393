package binlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"
	_ "github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"

	"realtime-e2e/internal/config"
	"realtime-e2e/internal/models"
	"realtime-e2e/internal/store"
)

// Subscriber streams row events for one table straight from the MySQL binlog
type Subscriber struct {
	db     config.DatabaseConfig
	binlog config.BinlogConfig
	schema string
	table  string
	logger *logrus.Logger
}

func NewSubscriber(db config.DatabaseConfig, binlog config.BinlogConfig, target config.TargetConfig, logger *logrus.Logger) *Subscriber {
	return &Subscriber{
		db:     db,
		binlog: binlog,
		schema: target.Schema,
		table:  target.Table,
		logger: logger,
	}
}

// Subscribe starts a binlog sync at the server's current position, so only
// changes made after this call are delivered
func (s *Subscriber) Subscribe(ctx context.Context, handler models.Handler, status models.StatusHandler) (models.Subscription, error) {
	if status == nil {
		status = func(models.SubscriptionStatus, error) {}
	}

	db, err := sql.Open("mysql", store.MySQLDSN(s.db))
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	position, err := masterPosition(ctx, queryPosition(db))
	if err != nil {
		db.Close()
		return nil, err
	}

	syncer := replication.NewBinlogSyncer(replication.BinlogSyncerConfig{
		ServerID: s.binlog.ServerID,
		Flavor:   s.binlog.Flavor,
		Host:     s.db.Host,
		Port:     uint16(s.db.Port),
		User:     s.db.User,
		Password: s.db.Password,
	})

	streamer, err := syncer.StartSync(position)
	if err != nil {
		syncer.Close()
		db.Close()
		return nil, fmt.Errorf("failed to start binlog sync: %w", err)
	}

	s.logger.Infof("Started binlog sync from position: %s:%d", position.Name, position.Pos)

	runCtx, cancel := context.WithCancel(context.Background())
	r := &Reader{
		syncer:      syncer,
		streamer:    streamer,
		db:          db,
		schema:      s.schema,
		table:       s.table,
		logger:      s.logger,
		tables:      make(map[uint64]*replication.TableMapEvent),
		columnNames: make(map[string][]string),
		columnTypes: make(map[string][]string),
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	go r.run(runCtx, handler, status)

	status(models.StatusSubscribed, nil)
	return r, nil
}

// errBinlogDisabled is returned when the status query yields no row
var errBinlogDisabled = errors.New("binary logging is not enabled")

// positionQuery runs one status statement and returns its position
type positionQuery func(ctx context.Context, query string) (mysql.Position, error)

// masterPosition reads the current binlog file and offset. MySQL 8.4 renamed
// SHOW MASTER STATUS, so both forms are tried.
func masterPosition(ctx context.Context, query positionQuery) (mysql.Position, error) {
	var lastErr error
	for _, q := range []string{"SHOW MASTER STATUS", "SHOW BINARY LOG STATUS"} {
		pos, err := query(ctx, q)
		if err == nil {
			return pos, nil
		}
		lastErr = err
	}
	return mysql.Position{}, fmt.Errorf("failed to read binlog position: %w", lastErr)
}

func queryPosition(db *sql.DB) positionQuery {
	return func(ctx context.Context, query string) (mysql.Position, error) {
		rows, err := db.QueryContext(ctx, query)
		if err != nil {
			return mysql.Position{}, err
		}
		defer rows.Close()

		cols, err := rows.Columns()
		if err != nil {
			return mysql.Position{}, err
		}
		if !rows.Next() {
			if err := rows.Err(); err != nil {
				return mysql.Position{}, err
			}
			return parsePosition(query, nil)
		}

		values := make([]sql.RawBytes, len(cols))
		dest := make([]interface{}, len(cols))
		for i := range values {
			dest[i] = &values[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return mysql.Position{}, err
		}
		row := make([][]byte, len(values))
		for i, v := range values {
			row[i] = v
		}
		return parsePosition(query, row)
	}
}

// parsePosition reads File and Position from a status row. The column count
// differs between versions and flavors; only the first two matter. A nil
// row means the server returned nothing.
func parsePosition(query string, row [][]byte) (mysql.Position, error) {
	if row == nil {
		return mysql.Position{}, errBinlogDisabled
	}
	if len(row) < 2 {
		return mysql.Position{}, fmt.Errorf("unexpected %s result", query)
	}

	var pos uint32
	if _, err := fmt.Sscanf(string(row[1]), "%d", &pos); err != nil {
		return mysql.Position{}, fmt.Errorf("invalid binlog position %q: %w", string(row[1]), err)
	}
	return mysql.Position{Name: string(row[0]), Pos: pos}, nil
}

// Reader handles reading binlog events from MySQL
type Reader struct {
	syncer   *replication.BinlogSyncer
	streamer *replication.BinlogStreamer
	db       *sql.DB // for column names when the binlog omits them
	schema   string
	table    string
	logger   *logrus.Logger

	tables      map[uint64]*replication.TableMapEvent // Cache table map events
	columnNames map[string][]string                    // Cache column names by "database.table"
	columnTypes map[string][]string                    // Cache column types by "database.table"

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

func (r *Reader) run(ctx context.Context, handler models.Handler, status models.StatusHandler) {
	defer close(r.done)

	for {
		event, err := r.streamer.GetEvent(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Errorf("Error reading binlog event: %v", err)
			status(models.StatusChannelError, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		switch e := event.Event.(type) {
		case *replication.TableMapEvent:
			r.tables[e.TableID] = e
			r.logger.Debugf("Cached table map for %s.%s (ID: %d)", string(e.Schema), string(e.Table), e.TableID)

		case *replication.RowsEvent:
			eventType := rowsEventType(event.Header.EventType)
			if eventType == models.EventUnknown {
				r.logger.Debugf("Unhandled row event type: %d", event.Header.EventType)
				continue
			}
			if !strings.EqualFold(string(e.Table.Schema), r.schema) || !strings.EqualFold(string(e.Table.Table), r.table) {
				continue
			}

			changes, err := r.processRowEvent(ctx, e, eventType)
			if err != nil {
				r.logger.Errorf("Error processing %s event: %v", eventType, err)
				continue
			}
			for _, change := range changes {
				if handler != nil {
					handler(change)
				}
			}

		case *replication.RotateEvent:
			r.logger.Infof("Binlog rotated to: %s", string(e.NextLogName))

		default:
			r.logger.Debugf("Unhandled event type: %T", e)
		}
	}
}

func rowsEventType(t replication.EventType) models.EventType {
	switch t {
	case replication.WRITE_ROWS_EVENTv0, replication.WRITE_ROWS_EVENTv1, replication.WRITE_ROWS_EVENTv2:
		return models.EventInsert
	case replication.UPDATE_ROWS_EVENTv0, replication.UPDATE_ROWS_EVENTv1, replication.UPDATE_ROWS_EVENTv2:
		return models.EventUpdate
	case replication.DELETE_ROWS_EVENTv0, replication.DELETE_ROWS_EVENTv1, replication.DELETE_ROWS_EVENTv2:
		return models.EventDelete
	default:
		return models.EventUnknown
	}
}

// getColumnInfo fetches column names and types from MySQL for a given table
func (r *Reader) getColumnInfo(ctx context.Context, database, table string) ([]string, []string, error) {
	cacheKey := database + "." + table
	if cols, ok := r.columnNames[cacheKey]; ok {
		return cols, r.columnTypes[cacheKey], nil
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT COLUMN_NAME, COLUMN_TYPE
		FROM INFORMATION_SCHEMA.COLUMNS
		WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?
		ORDER BY ORDINAL_POSITION`, database, table)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query column info: %w", err)
	}
	defer rows.Close()

	var columns, types []string
	for rows.Next() {
		var colName, columnType string
		if err := rows.Scan(&colName, &columnType); err != nil {
			return nil, nil, fmt.Errorf("failed to scan column info: %w", err)
		}
		columns = append(columns, colName)
		types = append(types, columnType)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("error iterating columns: %w", err)
	}

	r.columnNames[cacheKey] = columns
	r.columnTypes[cacheKey] = types
	r.logger.Debugf("Fetched %d column names and types for %s.%s", len(columns), database, table)

	return columns, types, nil
}

func (r *Reader) processRowEvent(ctx context.Context, event *replication.RowsEvent, eventType models.EventType) ([]models.ChangeEvent, error) {
	tableMap, ok := r.tables[event.TableID]
	if !ok {
		tableMap = event.Table
	}
	if tableMap == nil {
		return nil, fmt.Errorf("table map not found for table ID %d", event.TableID)
	}

	database := string(tableMap.Schema)
	table := string(tableMap.Table)

	var columnNames, columnTypes []string
	if len(tableMap.ColumnName) > 0 {
		// binlog_row_metadata=FULL carries the names
		columnNames = make([]string, len(tableMap.ColumnName))
		for i, col := range tableMap.ColumnName {
			columnNames[i] = string(col)
		}
		var err error
		if _, columnTypes, err = r.getColumnInfo(ctx, database, table); err != nil {
			r.logger.Warnf("Failed to get column types: %v, continuing without type info", err)
		}
	} else {
		var err error
		columnNames, columnTypes, err = r.getColumnInfo(ctx, database, table)
		if err != nil {
			return nil, fmt.Errorf("failed to get column info: %w", err)
		}
	}

	return rowsToEvents(event.Rows, eventType, database, table, columnNames, columnTypes), nil
}

// rowsToEvents converts binlog rows into one change event per affected row.
// UPDATE rows arrive as [old_1, new_1, old_2, new_2, ...].
func rowsToEvents(rows [][]interface{}, eventType models.EventType, database, table string, columnNames, columnTypes []string) []models.ChangeEvent {
	toMap := func(row []interface{}) map[string]interface{} {
		m := make(map[string]interface{}, len(row))
		for j := 0; j < len(row) && j < len(columnNames); j++ {
			m[columnNames[j]] = convertValue(row[j], j, columnTypes)
		}
		return m
	}

	now := time.Now().Unix()
	newEvent := func() models.ChangeEvent {
		return models.ChangeEvent{
			Type:      eventType,
			Schema:    database,
			Table:     table,
			Timestamp: now,
		}
	}

	var events []models.ChangeEvent
	switch eventType {
	case models.EventUpdate:
		for i := 0; i+1 < len(rows); i += 2 {
			e := newEvent()
			e.OldRecord = toMap(rows[i])
			e.Record = toMap(rows[i+1])
			events = append(events, e)
		}
	case models.EventDelete:
		for _, row := range rows {
			e := newEvent()
			e.OldRecord = toMap(row)
			events = append(events, e)
		}
	default:
		for _, row := range rows {
			e := newEvent()
			e.Record = toMap(row)
			events = append(events, e)
		}
	}
	return events
}

// convertValue turns TEXT columns, which the binlog carries as []byte, into strings
func convertValue(value interface{}, colIndex int, columnTypes []string) interface{} {
	b, ok := value.([]byte)
	if !ok {
		return value
	}
	if colIndex < len(columnTypes) {
		colType := strings.ToUpper(columnTypes[colIndex])
		if strings.Contains(colType, "BLOB") || strings.Contains(colType, "BINARY") {
			return b
		}
	}
	return string(b)
}

// Unsubscribe stops the stream and closes the syncer
func (r *Reader) Unsubscribe() error {
	r.closeOnce.Do(func() {
		r.cancel()
		<-r.done
		r.syncer.Close()
		if err := r.db.Close(); err != nil {
			r.logger.Debugf("Failed to close MySQL connection: %v", err)
		}
	})
	return nil
}
