// =============================================================================
// DJ Filer - SQL Metadata Store
// =============================================================================
//
// SQLStore reads declaration metadata from three relational tables:
//
//   DECLARACIONES  one row per declaration type
//   CAMPOS         one row per field, ordered by POSICION
//   VALIDACIONES   one row per rule, bound to a field through CAMPO_ID
//
// Lookup tables live in the same database under their own names. Names are
// restricted to [A-Za-z0-9_-] before being interpolated into a query.
//
// The store uses the pure-Go SQLite driver, so ":memory:" databases work
// in tests without cgo.
//
// =============================================================================

package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ginjaninja78/dj-filer/internal/types"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS DECLARACIONES (
		DJ_CODIGO      TEXT PRIMARY KEY,
		NOMBRE         TEXT NOT NULL DEFAULT '',
		TIPO           TEXT NOT NULL DEFAULT 'SIMPLE',
		DESCRIPCION    TEXT NOT NULL DEFAULT '',
		ACTIVA         INTEGER NOT NULL DEFAULT 1,
		CONSOLIDACION  TEXT NOT NULL DEFAULT 'CONCATENATION'
	)`,
	`CREATE TABLE IF NOT EXISTS CAMPOS (
		CAMPO_ID         INTEGER PRIMARY KEY AUTOINCREMENT,
		DJ_CODIGO        TEXT NOT NULL,
		CODIGO_CAMPO     TEXT NOT NULL,
		NOMBRE_CAMPO     TEXT NOT NULL DEFAULT '',
		TIPO_DATO        TEXT NOT NULL DEFAULT 'TEXT',
		LONGITUD         INTEGER NOT NULL DEFAULT 0,
		DECIMALES        INTEGER NOT NULL DEFAULT 0,
		OBLIGATORIO      INTEGER NOT NULL DEFAULT 0,
		POSICION         INTEGER NOT NULL DEFAULT 0,
		ALINEACION       TEXT NOT NULL DEFAULT 'LEFT',
		RELLENO          TEXT NOT NULL DEFAULT ' ',
		FORMATO_EJEMPLO  TEXT NOT NULL DEFAULT '',
		DESCRIPCION      TEXT NOT NULL DEFAULT '',
		SECCION          TEXT NOT NULL DEFAULT '',
		TABLA_LOOKUP     TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS VALIDACIONES (
		VALIDACION_ID      INTEGER PRIMARY KEY AUTOINCREMENT,
		CAMPO_ID           INTEGER NOT NULL,
		DJ_CODIGO          TEXT NOT NULL,
		CODIGO_VALIDACION  TEXT NOT NULL,
		TIPO_VALIDACION    TEXT NOT NULL DEFAULT '',
		EXPRESION          TEXT NOT NULL,
		MENSAJE_ERROR      TEXT NOT NULL DEFAULT '',
		ACTIVA             INTEGER NOT NULL DEFAULT 1
	)`,
}

// SQLStore implements Store and LookupSource on a database/sql handle.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore wraps an open database.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// OpenSQLStore opens a SQLite database and checks the connection.
//
// RETURNS:
//   - The store.
//   - A cleanup function closing the database.
//   - An error if the database cannot be opened or reached.
func OpenSQLStore(ctx context.Context, dsn string) (*SQLStore, func(), error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open metadata database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared across queries.
	db.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("failed to reach metadata database: %w", err)
	}

	return NewSQLStore(db), func() { _ = db.Close() }, nil
}

// Migrate creates the metadata tables when they do not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create metadata schema: %w", err)
		}
	}
	return nil
}

// GetMetadata loads one declaration with its fields and active rules.
func (s *SQLStore) GetMetadata(ctx context.Context, code string) (*DeclarationMetadata, error) {
	md := &DeclarationMetadata{Code: code}
	var typ, consolidation string

	err := s.db.QueryRowContext(ctx,
		`SELECT NOMBRE, TIPO, DESCRIPCION, ACTIVA, CONSOLIDACION
		   FROM DECLARACIONES WHERE DJ_CODIGO = ?`, code,
	).Scan(&md.Name, &typ, &md.Description, &md.Active, &consolidation)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrDeclarationNotFound, code)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load declaration %s: %w", code, err)
	}
	md.Type = DeclarationType(typ)
	md.Consolidation = ConsolidationStrategy(consolidation)

	fieldByID, err := s.loadFields(ctx, md)
	if err != nil {
		return nil, err
	}
	if err := s.loadRules(ctx, md, fieldByID); err != nil {
		return nil, err
	}

	md.Normalize()
	if err := md.Validate(); err != nil {
		return nil, err
	}
	return md, nil
}

func (s *SQLStore) loadFields(ctx context.Context, md *DeclarationMetadata) (map[int64]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT CAMPO_ID, CODIGO_CAMPO, NOMBRE_CAMPO, TIPO_DATO, LONGITUD, DECIMALES,
		        OBLIGATORIO, POSICION, ALINEACION, RELLENO, FORMATO_EJEMPLO,
		        DESCRIPCION, SECCION, TABLA_LOOKUP
		   FROM CAMPOS WHERE DJ_CODIGO = ? ORDER BY POSICION, CAMPO_ID`, md.Code)
	if err != nil {
		return nil, fmt.Errorf("failed to load fields of %s: %w", md.Code, err)
	}
	defer rows.Close()

	fieldByID := make(map[int64]string)
	for rows.Next() {
		var (
			id              int64
			f               FieldSpec
			dataType, align string
		)
		if err := rows.Scan(&id, &f.Code, &f.Name, &dataType, &f.Length, &f.Decimals,
			&f.Required, &f.Position, &align, &f.FillChar, &f.ExampleFormat,
			&f.Description, &f.Section, &f.LookupTable); err != nil {
			return nil, fmt.Errorf("failed to scan field of %s: %w", md.Code, err)
		}
		f.DataType = DataType(dataType)
		f.Alignment = Alignment(align)
		md.Fields = append(md.Fields, f)
		fieldByID[id] = f.Code
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read fields of %s: %w", md.Code, err)
	}
	return fieldByID, nil
}

func (s *SQLStore) loadRules(ctx context.Context, md *DeclarationMetadata, fieldByID map[int64]string) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT CAMPO_ID, CODIGO_VALIDACION, TIPO_VALIDACION, EXPRESION, MENSAJE_ERROR
		   FROM VALIDACIONES WHERE DJ_CODIGO = ? AND ACTIVA = 1
		  ORDER BY CAMPO_ID, CODIGO_VALIDACION`, md.Code)
	if err != nil {
		return fmt.Errorf("failed to load rules of %s: %w", md.Code, err)
	}
	defer rows.Close()

	md.Rules = make(map[string][]RuleSpec)
	for rows.Next() {
		var (
			fieldID int64
			r       RuleSpec
		)
		if err := rows.Scan(&fieldID, &r.Code, &r.Kind, &r.Expression, &r.Message); err != nil {
			return fmt.Errorf("failed to scan rule of %s: %w", md.Code, err)
		}
		code, ok := fieldByID[fieldID]
		if !ok {
			continue
		}
		r.Active = true
		md.Rules[code] = append(md.Rules[code], r)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read rules of %s: %w", md.Code, err)
	}
	return nil
}

// ListDeclarations returns the catalogue sorted by code.
func (s *SQLStore) ListDeclarations(ctx context.Context) ([]DeclarationInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DJ_CODIGO, NOMBRE, TIPO, ACTIVA FROM DECLARACIONES ORDER BY DJ_CODIGO`)
	if err != nil {
		return nil, fmt.Errorf("failed to list declarations: %w", err)
	}
	defer rows.Close()

	var out []DeclarationInfo
	for rows.Next() {
		var (
			info DeclarationInfo
			typ  string
		)
		if err := rows.Scan(&info.Code, &info.Name, &typ, &info.Active); err != nil {
			return nil, fmt.Errorf("failed to scan declaration: %w", err)
		}
		info.Type = NormalizeDeclarationType(typ)
		out = append(out, info)
	}
	return out, rows.Err()
}

// FetchLookupTable returns every row of a lookup table.
func (s *SQLStore) FetchLookupTable(ctx context.Context, name string) ([]types.Row, error) {
	if !ValidLookupName(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidLookupName, name)
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT * FROM "%s"`, name))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrLookupNotFound, name, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns of %s: %w", name, err)
	}

	var out []types.Row
	for rows.Next() {
		cells := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range cells {
			ptrs[i] = &cells[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan lookup row of %s: %w", name, err)
		}
		row := make(types.Row, len(cols))
		for i, c := range cols {
			row[c] = types.FromAny(cells[i])
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// SaveDeclaration replaces a declaration, its fields and its rules in one
// transaction.
func (s *SQLStore) SaveDeclaration(ctx context.Context, md *DeclarationMetadata) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"VALIDACIONES", "CAMPOS", "DECLARACIONES"} {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE DJ_CODIGO = ?`, table), md.Code); err != nil {
			return fmt.Errorf("failed to clear %s for %s: %w", table, md.Code, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO DECLARACIONES (DJ_CODIGO, NOMBRE, TIPO, DESCRIPCION, ACTIVA, CONSOLIDACION)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		md.Code, md.Name, string(md.Type), md.Description, md.Active, string(md.Consolidation)); err != nil {
		return fmt.Errorf("failed to insert declaration %s: %w", md.Code, err)
	}

	for _, f := range md.Fields {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO CAMPOS (DJ_CODIGO, CODIGO_CAMPO, NOMBRE_CAMPO, TIPO_DATO, LONGITUD,
			                     DECIMALES, OBLIGATORIO, POSICION, ALINEACION, RELLENO,
			                     FORMATO_EJEMPLO, DESCRIPCION, SECCION, TABLA_LOOKUP)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			md.Code, f.Code, f.Name, string(f.DataType), f.Length, f.Decimals, f.Required,
			f.Position, string(f.Alignment), f.FillChar, f.ExampleFormat, f.Description,
			f.Section, f.LookupTable)
		if err != nil {
			return fmt.Errorf("failed to insert field %s: %w", f.Code, err)
		}
		fieldID, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to read id of field %s: %w", f.Code, err)
		}

		for _, r := range md.Rules[f.Code] {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO VALIDACIONES (CAMPO_ID, DJ_CODIGO, CODIGO_VALIDACION, TIPO_VALIDACION,
				                           EXPRESION, MENSAJE_ERROR, ACTIVA)
				 VALUES (?, ?, ?, ?, ?, ?, ?)`,
				fieldID, md.Code, r.Code, r.Kind, r.Expression, r.Message, r.Active); err != nil {
				return fmt.Errorf("failed to insert rule %s of %s: %w", r.Code, f.Code, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit declaration %s: %w", md.Code, err)
	}
	return nil
}
