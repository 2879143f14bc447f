package capture

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/trailguard/trailguard/changelog"
)

const triggerPrefix = "trailguard_capture_"

// actorColumns are checked in order when deriving a best-effort actor id from
// foreign-key conventions on the mutated row.
var actorColumns = []string{"user_id", "owner_id", "account_id"}

// TriggerRecorder captures mutations with AFTER INSERT/UPDATE/DELETE triggers
// that append to the change log inside the mutating transaction. Snapshots
// are built with json_object over the table's columns.
type TriggerRecorder struct {
	store         *changelog.Store
	identityTable string
}

// NewTriggerRecorder creates a trigger-based recorder. identityTable names
// the table whose rows carry their own actor id (the row's primary key).
func NewTriggerRecorder(store *changelog.Store, identityTable string) *TriggerRecorder {
	return &TriggerRecorder{store: store, identityTable: identityTable}
}

func (r *TriggerRecorder) Mode() Mode { return ModeTrigger }

// Install creates the three capture triggers for each watched table.
// Re-running is safe: triggers are created IF NOT EXISTS.
func (r *TriggerRecorder) Install(ctx context.Context, tables []string) error {
	db := r.store.WriteDB()
	for _, table := range tables {
		schema, err := introspect(ctx, db, table)
		if err != nil {
			return fmt.Errorf("introspect %s: %w", table, err)
		}
		for _, stmt := range r.triggerStatements(table, schema) {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("install capture trigger on %s: %w", table, err)
			}
		}
		log.Info().
			Str("table", table).
			Str("record_id_column", schema.pkColumn).
			Msg("Capture triggers installed")
	}
	return nil
}

// Remove drops the capture triggers for each watched table.
func (r *TriggerRecorder) Remove(ctx context.Context, tables []string) error {
	db := r.store.WriteDB()
	for _, table := range tables {
		for _, op := range []string{"insert", "update", "delete"} {
			stmt := fmt.Sprintf("DROP TRIGGER IF EXISTS %s%s_%s", triggerPrefix, table, op)
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("remove capture trigger on %s: %w", table, err)
			}
		}
	}
	return nil
}

// tableSchema is the column layout needed to build trigger bodies.
type tableSchema struct {
	columns  []string
	pkColumn string
}

// introspect reads the table's columns and primary key via PRAGMA table_info.
func introspect(ctx context.Context, db *sql.DB, table string) (tableSchema, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%q)", table))
	if err != nil {
		return tableSchema{}, fmt.Errorf("query table_info: %w", err)
	}
	defer rows.Close()

	var schema tableSchema
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return tableSchema{}, fmt.Errorf("scan table_info: %w", err)
		}
		schema.columns = append(schema.columns, name)
		if pk == 1 {
			schema.pkColumn = name
		}
	}
	if err := rows.Err(); err != nil {
		return tableSchema{}, err
	}
	if len(schema.columns) == 0 {
		return tableSchema{}, fmt.Errorf("table %s does not exist", table)
	}
	if schema.pkColumn == "" {
		schema.pkColumn = "rowid"
	}
	return schema, nil
}

// triggerStatements builds the INSERT/UPDATE/DELETE capture triggers for one
// table.
func (r *TriggerRecorder) triggerStatements(table string, schema tableSchema) []string {
	newSnapshot := snapshotExpr("NEW", schema.columns)
	oldSnapshot := snapshotExpr("OLD", schema.columns)
	nowMillis := "CAST((julianday('now') - 2440587.5) * 86400000 AS INTEGER)"

	insertBody := fmt.Sprintf(
		`INSERT INTO change_log (entity_table, operation, record_id, before_state, after_state, actor_id, occurred_at, processed)
		VALUES ('%s', 'INSERT', CAST(NEW.%s AS TEXT), NULL, %s, %s, %s, 0);`,
		table, schema.pkColumn, newSnapshot, r.actorExpr("NEW", table, schema), nowMillis)

	updateBody := fmt.Sprintf(
		`INSERT INTO change_log (entity_table, operation, record_id, before_state, after_state, actor_id, occurred_at, processed)
		VALUES ('%s', 'UPDATE', CAST(NEW.%s AS TEXT), %s, %s, %s, %s, 0);`,
		table, schema.pkColumn, oldSnapshot, newSnapshot, r.actorExpr("NEW", table, schema), nowMillis)

	deleteBody := fmt.Sprintf(
		`INSERT INTO change_log (entity_table, operation, record_id, before_state, after_state, actor_id, occurred_at, processed)
		VALUES ('%s', 'DELETE', CAST(OLD.%s AS TEXT), %s, NULL, %s, %s, 0);`,
		table, schema.pkColumn, oldSnapshot, r.actorExpr("OLD", table, schema), nowMillis)

	return []string{
		fmt.Sprintf("CREATE TRIGGER IF NOT EXISTS %s%s_insert AFTER INSERT ON %q BEGIN %s END",
			triggerPrefix, table, table, insertBody),
		fmt.Sprintf("CREATE TRIGGER IF NOT EXISTS %s%s_update AFTER UPDATE ON %q BEGIN %s END",
			triggerPrefix, table, table, updateBody),
		fmt.Sprintf("CREATE TRIGGER IF NOT EXISTS %s%s_delete AFTER DELETE ON %q BEGIN %s END",
			triggerPrefix, table, table, deleteBody),
	}
}

// snapshotExpr builds a json_object call over all columns of the NEW or OLD
// trigger row.
func snapshotExpr(rowRef string, columns []string) string {
	pairs := make([]string, 0, len(columns))
	for _, col := range columns {
		pairs = append(pairs, fmt.Sprintf("'%s', %s.%q", col, rowRef, col))
	}
	return "json_object(" + strings.Join(pairs, ", ") + ")"
}

// actorExpr derives the actor id: a conventional foreign-key column when the
// table has one, the row's own id on the identity table, empty otherwise.
func (r *TriggerRecorder) actorExpr(rowRef, table string, schema tableSchema) string {
	cols := make(map[string]bool, len(schema.columns))
	for _, c := range schema.columns {
		cols[c] = true
	}
	for _, candidate := range actorColumns {
		if cols[candidate] {
			return fmt.Sprintf("COALESCE(CAST(%s.%q AS TEXT), '')", rowRef, candidate)
		}
	}
	if table == r.identityTable {
		return fmt.Sprintf("COALESCE(CAST(%s.%q AS TEXT), '')", rowRef, schema.pkColumn)
	}
	return "''"
}
