// =============================================================================
// DJ Filer - Storage
// =============================================================================
//
// This module persists validated declaration rows so that a filing can be
// audited later. Each load is one batch identified by a ULID; every row
// carries control columns next to the declaration fields:
//
//   DJ_CODIGO       Declaration code
//   RUT_EMPRESA     Filing company RUT
//   NOMBRE_EMPRESA  Filing company name
//   FECHA_CARGA     Load timestamp (YYYY-MM-DD HH:MM:SS)
//   USUARIO_CARGA   User performing the load (default SISTEMA)
//   ESTADO          Always CARGADO on insert
//   ID_REGISTRO     {code}_{rut}_{loadID}_{row:06d}
//
// BACKENDS:
//   - sqlite   : database/sql over modernc.org/sqlite
//   - postgres : pgx CopyFrom
//
// Destination tables are created on first use with TEXT columns.
//
// =============================================================================

package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/ginjaninja78/dj-filer/internal/config"
	"github.com/ginjaninja78/dj-filer/internal/metadata"
	"github.com/ginjaninja78/dj-filer/internal/storage/postgres"
	"github.com/ginjaninja78/dj-filer/internal/storage/sqlite"
	"github.com/ginjaninja78/dj-filer/internal/types"
)

// Repository is a destination for declaration rows.
type Repository interface {
	// EnsureTable creates the destination table when it does not exist.
	EnsureTable(ctx context.Context, columns []string) error

	// CopyFrom inserts rows atomically and returns the number inserted.
	CopyFrom(ctx context.Context, columns []string, rows [][]any) (int64, error)
}

// Control column names.
const (
	ColumnDeclaration = "DJ_CODIGO"
	ColumnCompanyRUT  = "RUT_EMPRESA"
	ColumnCompanyName = "NOMBRE_EMPRESA"
	ColumnLoadedAt    = "FECHA_CARGA"
	ColumnLoadedBy    = "USUARIO_CARGA"
	ColumnStatus      = "ESTADO"
	ColumnRecordID    = "ID_REGISTRO"

	StatusLoaded = "CARGADO"
	DefaultUser  = "SISTEMA"
)

var controlColumns = []string{
	ColumnDeclaration, ColumnCompanyRUT, ColumnCompanyName,
	ColumnLoadedAt, ColumnLoadedBy, ColumnStatus, ColumnRecordID,
}

// Open connects to the configured backend.
//
// PARAMETERS:
//   - settings: Driver ("sqlite" or "postgres"), DSN and table format.
//   - code: The declaration code substituted for "{code}" in the table.
//
// RETURNS:
//   - The repository and a cleanup function.
//   - An error for the "none" driver, an unknown driver or a failed
//     connection.
func Open(ctx context.Context, settings config.StorageSettings, code string) (Repository, func(), error) {
	table := TableName(settings.Table, code)

	switch strings.ToLower(settings.Driver) {
	case "sqlite":
		repo, closeFn, err := sqlite.NewRepository(ctx, sqlite.Config{DSN: settings.DSN, Table: table})
		if err != nil {
			return nil, nil, err
		}
		return repo, closeFn, nil
	case "postgres":
		repo, closeFn, err := postgres.NewRepository(ctx, postgres.Config{DSN: settings.DSN, Table: table})
		if err != nil {
			return nil, nil, err
		}
		return repo, closeFn, nil
	case "", "none":
		return nil, nil, fmt.Errorf("storage is disabled")
	default:
		return nil, nil, fmt.Errorf("unknown storage driver: %s", settings.Driver)
	}
}

// TableName expands "{code}" in the table format. An empty format yields
// "DJ_{code}".
func TableName(format, code string) string {
	if format == "" {
		format = "DJ_{code}"
	}
	return strings.ReplaceAll(format, "{code}", code)
}

// NewLoadID returns a new, time-ordered load identifier.
func NewLoadID() string {
	return ulid.Make().String()
}

// =============================================================================
// ROW PREPARATION
// =============================================================================

// PrepareRows turns a validated table into insertable rows.
//
// Declaration fields come first in output order, then any other table
// columns, then the control columns. Null cells become SQL NULL; every
// other cell is stored as its text rendering.
func PrepareRows(table *types.Table, md *metadata.DeclarationMetadata, company config.CompanySettings, loadID string, now time.Time) ([]string, [][]any) {
	var columns []string
	seen := make(map[string]bool)
	for _, field := range md.OrderedFields() {
		if table.HasColumn(field.Code) && !seen[field.Code] {
			columns = append(columns, field.Code)
			seen[field.Code] = true
		}
	}
	for _, col := range table.Columns {
		if !seen[col] {
			columns = append(columns, col)
			seen[col] = true
		}
	}
	dataColumns := len(columns)
	columns = append(columns, controlColumns...)

	user := company.User
	if user == "" {
		user = DefaultUser
	}
	loadedAt := now.Format("2006-01-02 15:04:05")

	rows := make([][]any, 0, table.Len())
	for i, row := range table.Rows {
		out := make([]any, 0, len(columns))
		for _, col := range columns[:dataColumns] {
			v := row.Get(col)
			if v.IsNull() {
				out = append(out, nil)
			} else {
				out = append(out, v.String())
			}
		}
		out = append(out,
			md.Code,
			company.RUT,
			company.Name,
			loadedAt,
			user,
			StatusLoaded,
			fmt.Sprintf("%s_%s_%s_%06d", md.Code, company.RUT, loadID, i),
		)
		rows = append(rows, out)
	}
	return columns, rows
}

// LoadResult describes one persisted batch.
type LoadResult struct {
	LoadID string
	Rows   int64
}

// Save prepares the table and copies it into repo in one batch.
func Save(ctx context.Context, repo Repository, table *types.Table, md *metadata.DeclarationMetadata, company config.CompanySettings, now time.Time) (LoadResult, error) {
	loadID := NewLoadID()
	columns, rows := PrepareRows(table, md, company, loadID, now)

	if err := repo.EnsureTable(ctx, columns); err != nil {
		return LoadResult{LoadID: loadID}, fmt.Errorf("failed to prepare table: %w", err)
	}
	n, err := repo.CopyFrom(ctx, columns, rows)
	if err != nil {
		return LoadResult{LoadID: loadID, Rows: n}, fmt.Errorf("failed to save rows: %w", err)
	}
	return LoadResult{LoadID: loadID, Rows: n}, nil
}
