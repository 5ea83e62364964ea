// =============================================================================
// DJ Filer - Processor Module
// =============================================================================
//
// This module orchestrates the whole pipeline for one declaration run, from
// reading the input workbook to writing the filing.
//
// PROCESSING PIPELINE:
//   1. Load the declaration metadata
//   2. Read the input (XLSX, CSV or tables supplied in memory)
//   3. Apply the configured column transformations
//   4. Check and consolidate sections (composite declarations only)
//   5. Warm the lookup cache and validate the table
//   6. Merge extra findings supplied by the caller
//   7. Write the error report when the data is invalid
//   8. Encode and write the filing (valid data, or forced)
//   9. Persist the validated rows (optional)
//  10. Archive the processed files
//
// Data problems never abort the pipeline with an error: they end up in the
// validation report. Result.Error is set for problems with the run itself
// (unknown declaration, unreadable file, failed write) and for refused
// filings.
//
// =============================================================================

package processor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/ginjaninja78/dj-filer/internal/config"
	"github.com/ginjaninja78/dj-filer/internal/csvparser"
	"github.com/ginjaninja78/dj-filer/internal/encoder"
	"github.com/ginjaninja78/dj-filer/internal/metadata"
	"github.com/ginjaninja78/dj-filer/internal/report"
	"github.com/ginjaninja78/dj-filer/internal/rules"
	"github.com/ginjaninja78/dj-filer/internal/sections"
	"github.com/ginjaninja78/dj-filer/internal/storage"
	"github.com/ginjaninja78/dj-filer/internal/templates"
	"github.com/ginjaninja78/dj-filer/internal/transform"
	"github.com/ginjaninja78/dj-filer/internal/types"
	"github.com/ginjaninja78/dj-filer/internal/validation"
	"github.com/ginjaninja78/dj-filer/internal/xlsxparser"
	"github.com/ginjaninja78/dj-filer/pkg/utils"
)

var (
	// ErrInvalidData marks a run whose data failed validation and was not
	// forced.
	ErrInvalidData = errors.New("validation failed")

	// ErrNoInput is returned when a request names neither a file nor tables.
	ErrNoInput = errors.New("no input supplied")
)

// Steps recorded in Result.Steps, in pipeline order.
const (
	StepMetadataLoaded = "metadata_loaded"
	StepInputRead      = "input_read"
	StepTransformed    = "transformed"
	StepConsolidated   = "consolidated"
	StepValidated      = "validated"
	StepReportWritten  = "report_written"
	StepFilingWritten  = "filing_written"
	StepSaved          = "saved"
	StepArchived       = "archived"
)

// =============================================================================
// REQUEST AND RESULT
// =============================================================================

// Request describes one run.
type Request struct {
	// Code is the declaration code, e.g. "1922".
	Code string

	// InputPath is the workbook or CSV file to read. When empty, Table or
	// Sections must be set.
	InputPath string

	// Table is the in-memory data of a SIMPLE declaration.
	Table *types.Table

	// Sections holds the in-memory section tables of a COMPOSITE
	// declaration.
	Sections map[string]*types.Table

	// OutputPath overrides the filing path. Empty derives it from the
	// configured name format inside OutputDir.
	OutputPath string

	// Force writes the filing even when validation failed.
	Force bool

	// Save persists the validated rows to the configured storage.
	Save bool

	// Workers overrides the configured validation workers.
	Workers int

	// ValidateOnly stops after validation. No filing is written, nothing
	// is saved or archived.
	ValidateOnly bool

	// SkipReport disables the error report files.
	SkipReport bool

	// Tag is appended to generated file names. Batch runs use the input
	// file's stem so concurrent runs never share a name.
	Tag string

	// ExtraErrors are findings produced outside the metadata rules, for
	// example by a declaration-specific procedure. They count like any
	// other validation error.
	ExtraErrors []validation.ValidationError
}

// Stats contains statistics about the run.
type Stats struct {
	RowsRead         int
	CellsTransformed int
	RowsEncoded      int
	ValidationErrors int
	StructuralErrors int
	SkippedRules     int
	RowsSaved        int64
	ProcessingTime   time.Duration
}

// Result is the outcome of one run.
type Result struct {
	// RunID identifies the run in logs and summaries.
	RunID string

	Declaration string
	InputFile   string

	// Report is the validation report, structural findings and extra
	// errors included. It is nil only when the run failed before
	// validation.
	Report *validation.Report

	// Structure is the section check of a composite declaration.
	Structure *sections.StructureReport

	// Consolidation describes the consolidated sections.
	Consolidation *sections.Summary

	// InputWarnings are the reader's notes about ignored headers or
	// missing sheets.
	InputWarnings []string

	// EncodingWarnings lists unpadded fields and truncated values.
	EncodingWarnings []encoder.Warning

	// Filing describes the layout of the written filing.
	Filing *encoder.FileSummary

	OutputFile string
	Checksum   string
	ReportFile string
	LogFile    string

	// Load describes the persisted batch when Save was requested.
	Load *storage.LoadResult

	// Steps lists the completed pipeline steps.
	Steps []string

	Stats Stats

	// Success is true when the data is valid and, unless ValidateOnly, the
	// filing was written.
	Success bool

	// Error is set when the run failed or the filing was refused.
	Error error
}

// Valid reports whether the run's data passed validation.
func (r *Result) Valid() bool {
	return r.Report != nil && r.Report.Valid()
}

func (r *Result) step(name string) {
	r.Steps = append(r.Steps, name)
}

// =============================================================================
// PROCESSOR
// =============================================================================

// Options configures a Processor.
type Options struct {
	// Config is the application configuration. Nil uses config.Default().
	Config *config.MainConfig

	// Fs is the filesystem for inputs, filings, reports and archives.
	// Nil uses the OS filesystem.
	Fs afero.Fs

	// Metadata provides declaration metadata.
	Metadata metadata.Store

	// Lookups provides the reference tables for lookup() rules and the
	// template drop-down lists. Nil disables lookups.
	Lookups metadata.LookupSource

	Logger zerolog.Logger

	// Now returns the current time; tests replace it.
	Now func() time.Time
}

// Processor runs the declaration pipeline. It is safe for concurrent use;
// every run has its own lookup cache.
type Processor struct {
	cfg     *config.MainConfig
	fs      afero.Fs
	store   metadata.Store
	lookups metadata.LookupSource
	log     zerolog.Logger
	now     func() time.Time
}

// New creates a Processor.
func New(opts Options) (*Processor, error) {
	if opts.Metadata == nil {
		return nil, errors.New("a metadata store is required")
	}
	p := &Processor{
		cfg:     opts.Config,
		fs:      opts.Fs,
		store:   opts.Metadata,
		lookups: opts.Lookups,
		log:     opts.Logger,
		now:     opts.Now,
	}
	if p.cfg == nil {
		p.cfg = config.Default()
	}
	if p.fs == nil {
		p.fs = afero.NewOsFs()
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p, nil
}

// Config returns the configuration the processor runs with.
func (p *Processor) Config() *config.MainConfig {
	return p.cfg
}

// =============================================================================
// MAIN PROCESSING FUNCTION
// =============================================================================

// Run executes the pipeline for one declaration.
//
// PARAMETERS:
//   - ctx: Cancels validation and storage.
//   - req: What to process and how.
//
// RETURNS:
//   - The Result. Run never panics on bad data and never returns partial
//     filings: a filing is either fully written or absent.
func (p *Processor) Run(ctx context.Context, req Request) (result Result) {
	startTime := p.now()
	result = Result{
		RunID:       ulid.Make().String(),
		Declaration: req.Code,
		InputFile:   req.InputPath,
	}
	log := p.log.With().Str("run_id", result.RunID).Str("declaration", req.Code).Logger()
	defer func() {
		result.Stats.ProcessingTime = p.now().Sub(startTime)
	}()

	// =========================================================================
	// STEP 1: LOAD METADATA
	// =========================================================================

	md, err := p.store.GetMetadata(ctx, req.Code)
	if err != nil {
		result.Error = fmt.Errorf("failed to load metadata: %w", err)
		return result
	}
	decl := p.cfg.Declaration(req.Code)
	if decl.Consolidation != "" {
		md.Consolidation = metadata.NormalizeConsolidation(decl.Consolidation)
	}
	result.step(StepMetadataLoaded)
	log.Debug().Int("fields", len(md.Fields)).Str("type", string(md.Type)).Msg("metadata loaded")

	// =========================================================================
	// STEP 2: READ INPUT
	// =========================================================================

	table, secs, err := p.readInput(req, md, &result)
	if err != nil {
		result.Error = err
		return result
	}
	result.step(StepInputRead)
	log.Info().Str("input", req.InputPath).Int("rows", result.Stats.RowsRead).Msg("input read")

	// =========================================================================
	// STEP 3: APPLY TRANSFORMATIONS
	// =========================================================================

	transformer, err := transform.New(decl.TransformationRules)
	if err != nil {
		result.Error = fmt.Errorf("failed to prepare transformations: %w", err)
		return result
	}
	if !transformer.Empty() {
		var changed int
		if md.IsComposite() {
			for name, t := range secs {
				var n int
				secs[name], n = transformer.Apply(t)
				changed += n
			}
		} else {
			table, changed = transformer.Apply(table)
		}
		result.Stats.CellsTransformed = changed
		log.Debug().Int("cells", changed).Msg("transformations applied")
	}
	result.step(StepTransformed)

	// =========================================================================
	// STEP 4: CHECK AND CONSOLIDATE SECTIONS
	// =========================================================================

	var rep *validation.Report
	if md.IsComposite() {
		structure := sections.CheckStructure(secs, md)
		result.Structure = structure

		if structure.Valid() {
			table, err = sections.Consolidate(secs, md)
			if err != nil {
				var se *sections.StructuralError
				if !errors.As(err, &se) {
					result.Error = fmt.Errorf("failed to consolidate sections: %w", err)
					return result
				}
				structure.Errors = append(structure.Errors, validation.ValidationError{
					Field:    se.Section,
					RuleCode: validation.CodeStructure,
					Message:  se.Message,
				})
				table = nil
			} else {
				summary := sections.Summarize(secs, table, md)
				result.Consolidation = &summary
				result.step(StepConsolidated)
			}
		}
		if !structure.Valid() {
			rep = structure.ToReport(md.Code)
			log.Warn().Int("errors", len(structure.Errors)).Msg("section structure is invalid, skipping row validation")
		}
	}

	// =========================================================================
	// STEP 5: VALIDATE
	// =========================================================================

	if rep == nil {
		rep = p.validate(ctx, table, md, req.Workers, log)
		if result.Structure != nil {
			rep.Warnings = append(rep.Warnings, result.Structure.Warnings...)
		}
	}

	// =========================================================================
	// STEP 6: MERGE EXTRA FINDINGS
	// =========================================================================

	if len(req.ExtraErrors) > 0 {
		rep.Merge(&validation.Report{Declaration: md.Code, Errors: req.ExtraErrors})
	}
	if len(result.InputWarnings) > 0 {
		rep.Warnings = append(append([]string(nil), result.InputWarnings...), rep.Warnings...)
	}

	result.Report = rep
	result.Stats.ValidationErrors = len(rep.Errors)
	result.Stats.StructuralErrors = rep.StructuralErrorCount()
	result.Stats.SkippedRules = len(rep.SkippedRules)
	result.step(StepValidated)
	log.Info().
		Bool("valid", rep.Valid()).
		Int("errors", len(rep.Errors)).
		Int("skipped_rules", len(rep.SkippedRules)).
		Msg("validation complete")

	// =========================================================================
	// STEP 7: WRITE ERROR REPORT
	// =========================================================================

	if !req.SkipReport && (!rep.Valid() || req.ValidateOnly) {
		if err := p.writeReports(rep, md, req.Tag, &result); err != nil {
			result.Error = err
			return result
		}
		result.step(StepReportWritten)
		log.Info().Str("report", result.ReportFile).Msg("report written")
	}

	if req.ValidateOnly {
		result.Success = rep.Valid()
		return result
	}

	// =========================================================================
	// STEP 8: ENCODE AND WRITE FILING
	// =========================================================================

	if !rep.Valid() && !req.Force {
		result.Error = fmt.Errorf("%w with %d errors", ErrInvalidData, len(rep.Errors))
		return result
	}
	if table == nil {
		result.Error = errors.New("cannot encode: section structure is invalid")
		return result
	}
	if !rep.Valid() {
		log.Warn().Int("errors", len(rep.Errors)).Msg("writing filing despite validation errors")
	}

	outputPath := req.OutputPath
	if outputPath == "" {
		name := encoder.FileName(md, p.cfg.NameFormatFor(md.Code), p.now())
		outputPath = filepath.Join(p.cfg.OutputDir, tagged(name, req.Tag))
	}
	if err := p.writeFiling(table, md, outputPath, &result, log); err != nil {
		result.Error = err
		return result
	}
	result.step(StepFilingWritten)

	// =========================================================================
	// STEP 9: PERSIST
	// =========================================================================

	if req.Save {
		if !rep.Valid() {
			log.Warn().Msg("not saving rows that failed validation")
		} else {
			load, err := p.save(ctx, table, md)
			if err != nil {
				result.Error = err
				return result
			}
			result.Load = &load
			result.Stats.RowsSaved = load.Rows
			result.step(StepSaved)
		}
	}

	// =========================================================================
	// STEP 10: ARCHIVE FILES
	// =========================================================================

	result.Success = rep.Valid()

	if result.Success && p.cfg.ArchiveOnSuccess && req.InputPath != "" {
		if err := p.archive(req.InputPath, result.OutputFile); err != nil {
			// The filing is already in place; a failed archive does not
			// fail the run.
			log.Warn().Err(err).Msg("failed to archive files")
		} else {
			result.step(StepArchived)
		}
	}

	return result
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// readInput loads the request's data as a table (simple) or sections
// (composite).
func (p *Processor) readInput(req Request, md *metadata.DeclarationMetadata, result *Result) (*types.Table, map[string]*types.Table, error) {
	if req.InputPath == "" {
		switch {
		case md.IsComposite() && req.Sections != nil:
			secs := make(map[string]*types.Table, len(req.Sections))
			rows := 0
			kinds := md.Kinds()
			for name, t := range req.Sections {
				secs[name] = t.Clone()
				secs[name].Coerce(kinds)
				if t.Len() > rows {
					rows = t.Len()
				}
			}
			result.Stats.RowsRead = rows
			return nil, secs, nil
		case !md.IsComposite() && req.Table != nil:
			table := req.Table.Clone()
			table.Coerce(md.Kinds())
			result.Stats.RowsRead = table.Len()
			return table, nil, nil
		default:
			return nil, nil, ErrNoInput
		}
	}

	switch strings.ToLower(filepath.Ext(req.InputPath)) {
	case ".csv", ".txt":
		if md.IsComposite() {
			return nil, nil, fmt.Errorf("CSV input is only supported for simple declarations: %s", req.InputPath)
		}
		data, err := csvparser.Parse(p.fs, req.InputPath, p.cfg.CSVSettingsFor(md.Code))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to parse CSV: %w", err)
		}
		data.Table.Coerce(md.Kinds())
		result.Stats.RowsRead = data.Table.Len()
		return data.Table, nil, nil

	default:
		f, err := p.fs.Open(req.InputPath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open workbook: %w", err)
		}
		defer f.Close()

		settings := xlsxparser.Settings{
			HeaderRow:    p.cfg.Input.XLSX.HeaderRow,
			DataStartRow: p.cfg.Input.XLSX.DataStartRow,
			Sheet:        p.cfg.Input.XLSX.Sheet,
		}
		wb, err := xlsxparser.ReadWorkbookFrom(f, md, settings)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read workbook %s: %w", req.InputPath, err)
		}
		result.InputWarnings = wb.Warnings
		result.Stats.RowsRead = wb.Rows()
		return wb.Table, wb.Sections, nil
	}
}

func (p *Processor) validate(ctx context.Context, table *types.Table, md *metadata.DeclarationMetadata, workers int, log zerolog.Logger) *validation.Report {
	cache := rules.NewLookupCache(p.lookups)
	var warnings []string
	if tables := md.LookupTables(); len(tables) > 0 {
		if err := cache.Warm(ctx, tables); err != nil {
			log.Warn().Err(err).Msg("lookup tables unavailable")
			warnings = append(warnings, fmt.Sprintf("No fue posible cargar las tablas de referencia: %v", err))
		}
	}

	if workers <= 0 {
		workers = p.cfg.Validation.Workers
	}
	v := validation.NewValidator(validation.Options{
		Workers: workers,
		Lookups: cache,
		Logger:  log,
	})
	rep := v.Validate(ctx, table, md)
	rep.Warnings = append(rep.Warnings, warnings...)
	return rep
}

// writeReports writes the XLSX report and the text log to ReportsDir.
func (p *Processor) writeReports(rep *validation.Report, md *metadata.DeclarationMetadata, tag string, result *Result) error {
	now := p.now()
	xlsxPath := filepath.Join(p.cfg.ReportsDir, tagged(report.FileName(md.Code, "xlsx", now), tag))
	if err := report.SaveXLSX(p.fs, xlsxPath, rep, md); err != nil {
		return fmt.Errorf("failed to write error report: %w", err)
	}
	logPath := filepath.Join(p.cfg.ReportsDir, tagged(report.FileName(md.Code, "txt", now), tag))
	if err := report.WriteText(p.fs, logPath, rep); err != nil {
		return fmt.Errorf("failed to write error log: %w", err)
	}
	result.ReportFile = xlsxPath
	result.LogFile = logPath
	return nil
}

func (p *Processor) writeFiling(table *types.Table, md *metadata.DeclarationMetadata, outputPath string, result *Result, log zerolog.Logger) error {
	lines, warnings := encoder.New(encoder.Options{Logger: log}).Encode(table, md)
	result.EncodingWarnings = warnings

	if p.cfg.Encoding.StrictLength {
		for _, w := range warnings {
			if w.Kind == encoder.WarningUnpadded {
				return fmt.Errorf("refusing to write filing: field %s has no fixed length", w.Field)
			}
		}
	}

	info, err := encoder.WriteFiling(p.fs, outputPath, lines)
	if err != nil {
		return fmt.Errorf("failed to write filing: %w", err)
	}

	summary := encoder.Summarize(table, md)
	result.Filing = &summary
	result.OutputFile = info.Path
	result.Checksum = info.Checksum
	result.Stats.RowsEncoded = info.Lines

	log.Info().
		Str("output", info.Path).
		Int("lines", info.Lines).
		Int("bytes", info.Bytes).
		Str("checksum", info.Checksum).
		Int("warnings", len(warnings)).
		Msg("filing written")
	return nil
}

func (p *Processor) save(ctx context.Context, table *types.Table, md *metadata.DeclarationMetadata) (storage.LoadResult, error) {
	repo, closeFn, err := storage.Open(ctx, p.cfg.Storage, md.Code)
	if err != nil {
		return storage.LoadResult{}, fmt.Errorf("failed to open storage: %w", err)
	}
	defer closeFn()

	load, err := storage.Save(ctx, repo, table, md, p.cfg.Company, p.now())
	if err != nil {
		return storage.LoadResult{}, fmt.Errorf("failed to save rows: %w", err)
	}
	p.log.Info().Str("declaration", md.Code).Str("load_id", load.LoadID).Int64("rows", load.Rows).Msg("rows saved")
	return load, nil
}

// tagged inserts "_"+tag before the extension of name.
func tagged(name, tag string) string {
	if tag == "" {
		return name
	}
	ext := filepath.Ext(name)
	return strings.TrimSuffix(name, ext) + "_" + tag + ext
}

// fileTag turns an input path into a tag safe for file names.
func fileTag(path string) string {
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, stem)
}

func (p *Processor) fileManager() *utils.FileManager {
	fm := utils.NewFileManager(p.fs, p.cfg.InputDir, p.cfg.OutputDir, p.cfg.ReportsDir, p.cfg.InputArchiveDir, p.cfg.OutputArchiveDir)
	fm.UseTimestampSubdirs = p.cfg.ArchiveDateSubdirs
	fm.ArchiveOnSuccess = p.cfg.ArchiveOnSuccess
	fm.Now = p.now
	return fm
}

// archive moves the input and copies the filing to the archive directories.
func (p *Processor) archive(inputPath, outputPath string) error {
	fm := p.fileManager()
	if _, err := fm.ArchiveInputFile(inputPath); err != nil {
		return fmt.Errorf("failed to archive input file: %w", err)
	}
	if _, err := fm.ArchiveOutputFile(outputPath); err != nil {
		return fmt.Errorf("failed to archive filing: %w", err)
	}
	return nil
}

// =============================================================================
// DECLARATION INFO AND TEMPLATES
// =============================================================================

// Info returns the summary of a declaration's metadata.
func (p *Processor) Info(ctx context.Context, code string) (metadata.Summary, error) {
	md, err := p.store.GetMetadata(ctx, code)
	if err != nil {
		return metadata.Summary{}, fmt.Errorf("failed to load metadata: %w", err)
	}
	return md.Summary(), nil
}

// Template writes the Excel input template of a declaration.
//
// PARAMETERS:
//   - code: The declaration code.
//   - path: The output path. Empty writes templates.FileName(md) inside
//     TemplatesDir.
//
// RETURNS:
//   - The path written.
func (p *Processor) Template(ctx context.Context, code, path string) (string, error) {
	md, err := p.store.GetMetadata(ctx, code)
	if err != nil {
		return "", fmt.Errorf("failed to load metadata: %w", err)
	}
	if path == "" {
		path = filepath.Join(p.cfg.TemplatesDir, templates.FileName(md))
	}

	gen := templates.NewGenerator(templates.Options{Lookups: p.lookups, Now: p.now, Logger: p.log})
	if err := gen.Save(ctx, p.fs, path, md); err != nil {
		return "", err
	}
	p.log.Info().Str("declaration", code).Str("template", path).Msg("template written")
	return path, nil
}
