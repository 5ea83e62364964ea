// =============================================================================
// DJ Filer - File Manager Utility
// =============================================================================
//
// This module provides the file handling shared by the commands:
//   - Directory management
//   - Input discovery (XLSX and CSV files in the input directory)
//   - Archival of processed inputs and produced filings
//   - Output file naming
//   - Atomic writes (temporary file + rename)
//   - Processing summary logs for batch runs
//
// All operations go through an afero.Fs so tests run on a memory
// filesystem.
//
// ARCHIVAL STRATEGY:
//   - Input files are moved to input_archive after a successful run
//   - Filings are copied to output_archive for long-term storage
//   - Failed inputs stay where they are
//
// =============================================================================

package utils

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// =============================================================================
// FILE MANAGER
// =============================================================================

// FileManager handles file operations for the filer.
type FileManager struct {
	// Fs is the filesystem every operation uses.
	Fs afero.Fs

	// InputDir is where input workbooks and CSV files are placed.
	InputDir string

	// OutputDir is where filings are written.
	OutputDir string

	// ReportsDir is where error reports are written.
	ReportsDir string

	// InputArchiveDir is the directory for archived input files.
	InputArchiveDir string

	// OutputArchiveDir is the directory for archived filings.
	OutputArchiveDir string

	// UseTimestampSubdirs creates date-based subdirectories in archives.
	// Example: input_archive/2024/01/15/ventas.xlsx
	UseTimestampSubdirs bool

	// ArchiveOnSuccess determines whether files are archived after a
	// successful run.
	ArchiveOnSuccess bool

	// Now returns the current time; tests replace it.
	Now func() time.Time
}

// NewFileManager creates a FileManager on fs with the given directories.
func NewFileManager(fs afero.Fs, inputDir, outputDir, reportsDir, inputArchiveDir, outputArchiveDir string) *FileManager {
	return &FileManager{
		Fs:               fs,
		InputDir:         inputDir,
		OutputDir:        outputDir,
		ReportsDir:       reportsDir,
		InputArchiveDir:  inputArchiveDir,
		OutputArchiveDir: outputArchiveDir,
		ArchiveOnSuccess: true,
		Now:              time.Now,
	}
}

func (fm *FileManager) now() time.Time {
	if fm.Now == nil {
		return time.Now()
	}
	return fm.Now()
}

// =============================================================================
// DIRECTORY MANAGEMENT
// =============================================================================

// EnsureDirectories creates all configured directories if they don't exist.
func (fm *FileManager) EnsureDirectories() error {
	dirs := []string{
		fm.InputDir,
		fm.OutputDir,
		fm.ReportsDir,
		fm.InputArchiveDir,
		fm.OutputArchiveDir,
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := fm.Fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

// =============================================================================
// FILE DISCOVERY
// =============================================================================

// DiscoverInputFiles lists the files of the input directory matching any
// of the glob patterns, sorted by name.
//
// PARAMETERS:
//   - patterns: Glob patterns such as "*.xlsx". Defaults to "*.xlsx" and
//     "*.csv".
func (fm *FileManager) DiscoverInputFiles(patterns ...string) ([]string, error) {
	if len(patterns) == 0 {
		patterns = []string{"*.xlsx", "*.csv"}
	}

	seen := make(map[string]bool)
	var result []string
	for _, pattern := range patterns {
		files, err := afero.Glob(fm.Fs, filepath.Join(fm.InputDir, pattern))
		if err != nil {
			return nil, fmt.Errorf("failed to scan input directory: %w", err)
		}
		for _, file := range files {
			info, err := fm.Fs.Stat(file)
			if err != nil || info.IsDir() || seen[file] {
				continue
			}
			// Skip Excel lock files.
			if strings.HasPrefix(filepath.Base(file), "~$") {
				continue
			}
			seen[file] = true
			result = append(result, file)
		}
	}

	sort.Strings(result)
	return result, nil
}

// =============================================================================
// FILE ARCHIVAL
// =============================================================================

// ArchiveInputFile moves an input file to the archive directory.
//
// RETURNS:
//   - The path to the archived file.
//   - An error if archival fails.
func (fm *FileManager) ArchiveInputFile(filePath string) (string, error) {
	if !fm.ArchiveOnSuccess {
		return filePath, nil
	}

	archivePath := fm.archivePath(fm.InputArchiveDir, filePath)
	if err := fm.Fs.MkdirAll(filepath.Dir(archivePath), 0o755); err != nil {
		return "", fmt.Errorf("failed to create archive directory: %w", err)
	}

	if err := fm.Fs.Rename(filePath, archivePath); err != nil {
		// Rename fails across devices; fall back to copy and delete.
		if err := fm.copyFile(filePath, archivePath); err != nil {
			return "", fmt.Errorf("failed to copy file to archive: %w", err)
		}
		if err := fm.Fs.Remove(filePath); err != nil {
			return "", fmt.Errorf("failed to remove original file: %w", err)
		}
	}

	return archivePath, nil
}

// ArchiveOutputFile copies a filing to the archive directory. The filing
// stays in the output directory.
func (fm *FileManager) ArchiveOutputFile(filePath string) (string, error) {
	if !fm.ArchiveOnSuccess {
		return filePath, nil
	}

	archivePath := fm.archivePath(fm.OutputArchiveDir, filePath)
	if err := fm.Fs.MkdirAll(filepath.Dir(archivePath), 0o755); err != nil {
		return "", fmt.Errorf("failed to create archive directory: %w", err)
	}

	if err := fm.copyFile(filePath, archivePath); err != nil {
		return "", fmt.Errorf("failed to copy file to archive: %w", err)
	}

	return archivePath, nil
}

func (fm *FileManager) archivePath(archiveDir, filePath string) string {
	fileName := filepath.Base(filePath)

	if fm.UseTimestampSubdirs {
		now := fm.now()
		return filepath.Join(
			archiveDir,
			fmt.Sprintf("%d", now.Year()),
			fmt.Sprintf("%02d", now.Month()),
			fmt.Sprintf("%02d", now.Day()),
			fileName,
		)
	}

	return filepath.Join(archiveDir, fileName)
}

func (fm *FileManager) copyFile(src, dst string) error {
	in, err := fm.Fs.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := fm.Fs.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

// =============================================================================
// OUTPUT FILE NAMING
// =============================================================================

// DefaultOutputNameFormat names filings DJ<code>_<timestamp>.
const DefaultOutputNameFormat = "DJ{code}_{timestamp}"

// GenerateOutputFileName builds a file name from a format.
//
// PARAMETERS:
//   - format: The name format. Placeholders:
//       {uuid}      - A random UUID
//       {timestamp} - YYYYMMDD_HHMMSS
//       {date}      - YYYYMMDD
//       {time}      - HHMMSS
//       {code}      - Declaration code (from params)
//       {period}    - Tax period (from params)
//   - params: Placeholder values, keyed without braces.
//   - extension: Appended after a dot unless the name already ends with it.
//   - now: The time used for the time placeholders.
//
// EXAMPLE:
//   format: "DJ{code}_{timestamp}", params: {"code": "1922"}, extension "922"
//   output: "DJ1922_20240115_143022.922"
func GenerateOutputFileName(format string, params map[string]string, extension string, now time.Time) string {
	if format == "" {
		format = DefaultOutputNameFormat
	}

	replacements := map[string]string{
		"{timestamp}": now.Format("20060102_150405"),
		"{date}":      now.Format("20060102"),
		"{time}":      now.Format("150405"),
	}
	if strings.Contains(format, "{uuid}") {
		replacements["{uuid}"] = uuid.New().String()
	}
	for key, value := range params {
		replacements["{"+key+"}"] = value
	}

	result := format
	for placeholder, value := range replacements {
		result = strings.ReplaceAll(result, placeholder, value)
	}

	if extension != "" && !strings.HasSuffix(strings.ToLower(result), "."+strings.ToLower(extension)) {
		result += "." + extension
	}

	return result
}

// =============================================================================
// ATOMIC WRITES
// =============================================================================

// WriteFileAtomic writes data to a temporary file next to path and renames
// it into place, so readers never see a partial file.
func WriteFileAtomic(fs afero.Fs, path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := afero.TempFile(fs, dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = fs.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		_ = fs.Remove(tmpName)
		return fmt.Errorf("failed to sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = fs.Remove(tmpName)
		return fmt.Errorf("failed to close %s: %w", path, err)
	}

	if err := fs.Rename(tmpName, path); err != nil {
		_ = fs.Remove(tmpName)
		return fmt.Errorf("failed to move %s into place: %w", path, err)
	}
	return nil
}

// =============================================================================
// PROCESSING SUMMARY
// =============================================================================

// ProcessingSummary contains summary information about a batch run.
type ProcessingSummary struct {
	Declaration     string
	StartTime       time.Time
	EndTime         time.Time
	TotalFiles      int
	SuccessfulFiles int
	FailedFiles     int
	TotalRows       int
	TotalErrors     int
	ProcessedFiles  []ProcessedFileInfo
	FailedFilesList []FailedFileInfo
}

// ProcessedFileInfo describes one successfully processed input.
type ProcessedFileInfo struct {
	InputFile   string
	OutputFile  string
	Checksum    string
	Rows        int
	ProcessTime time.Duration
}

// FailedFileInfo describes one failed input.
type FailedFileInfo struct {
	InputFile    string
	ErrorMessage string
	ReportFile   string
}

// WriteSummaryLog writes a batch summary to the reports directory.
//
// RETURNS:
//   - The path to the summary file.
//   - An error if writing fails.
func (fm *FileManager) WriteSummaryLog(summary ProcessingSummary) (string, error) {
	name := fmt.Sprintf("resumen_DJ%s_%s.txt", summary.Declaration, summary.EndTime.Format("20060102_150405"))
	dir := fm.ReportsDir
	if dir == "" {
		dir = fm.OutputDir
	}
	path := filepath.Join(dir, name)

	if err := fm.Fs.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create summary directory: %w", err)
	}
	file, err := fm.Fs.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create summary file: %w", err)
	}
	defer file.Close()

	w := bufio.NewWriter(file)

	fmt.Fprintf(w, "DJ Filer - Resumen de procesamiento DJ %s\n", summary.Declaration)
	fmt.Fprintf(w, "================================================================================\n\n")
	fmt.Fprintf(w, "Inicio:    %s\n", summary.StartTime.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "Término:   %s\n", summary.EndTime.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "Duración:  %s\n\n", summary.EndTime.Sub(summary.StartTime))
	fmt.Fprintf(w, "Archivos:  %d (exitosos %d, fallidos %d)\n", summary.TotalFiles, summary.SuccessfulFiles, summary.FailedFiles)
	fmt.Fprintf(w, "Filas:     %d\n", summary.TotalRows)
	fmt.Fprintf(w, "Errores:   %d\n\n", summary.TotalErrors)

	if len(summary.ProcessedFiles) > 0 {
		fmt.Fprintf(w, "Archivos exitosos:\n")
		fmt.Fprintf(w, "--------------------------------------------------------------------------------\n")
		for _, pf := range summary.ProcessedFiles {
			fmt.Fprintf(w, "  Entrada:   %s\n", pf.InputFile)
			fmt.Fprintf(w, "  Salida:    %s\n", pf.OutputFile)
			fmt.Fprintf(w, "  Checksum:  %s\n", pf.Checksum)
			fmt.Fprintf(w, "  Filas:     %d\n", pf.Rows)
			fmt.Fprintf(w, "  Tiempo:    %s\n\n", pf.ProcessTime)
		}
	}

	if len(summary.FailedFilesList) > 0 {
		fmt.Fprintf(w, "Archivos fallidos:\n")
		fmt.Fprintf(w, "--------------------------------------------------------------------------------\n")
		for _, ff := range summary.FailedFilesList {
			fmt.Fprintf(w, "  Archivo:   %s\n", ff.InputFile)
			fmt.Fprintf(w, "  Error:     %s\n", ff.ErrorMessage)
			if ff.ReportFile != "" {
				fmt.Fprintf(w, "  Reporte:   %s\n", ff.ReportFile)
			}
			fmt.Fprintln(w)
		}
	}

	fmt.Fprintf(w, "================================================================================\n")

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("failed to flush summary file: %w", err)
	}

	return path, nil
}

// FileExists reports whether path exists on fs.
func FileExists(fs afero.Fs, path string) bool {
	_, err := fs.Stat(path)
	return !os.IsNotExist(err)
}
