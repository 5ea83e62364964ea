// =============================================================================
// DJ Filer - CSV Input Reader
// =============================================================================
//
// This module reads CSV exports from accounting systems into tables. It
// handles:
//   - Different delimiters (semicolon, comma, pipe, tab)
//   - Multi-line headers
//   - Custom data start rows
//   - UTF-8 (with or without BOM), ISO-8859-1 and Windows-1252 input
//
// The header row must carry the field codes (C1, C2, ...). Cells are read
// as text; Table.Coerce turns them into the declared types.
//
// =============================================================================

package csvparser

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/afero"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/ginjaninja78/dj-filer/internal/config"
	"github.com/ginjaninja78/dj-filer/internal/types"
)

// =============================================================================
// CSV DATA STRUCTURE
// =============================================================================

// CSVData represents the parsed CSV file.
type CSVData struct {
	// Headers contains the column headers. For multi-line headers these
	// are the merged headers.
	Headers []string

	// Table holds the data rows as text cells keyed by header.
	Table *types.Table

	// SourceFile is the path to the source CSV file.
	SourceFile string

	// RowCount is the total number of data rows (excluding headers).
	RowCount int

	// ColumnCount is the number of columns in the CSV.
	ColumnCount int
}

// =============================================================================
// PARSER FUNCTIONS
// =============================================================================

// Parse reads a CSV file and returns the parsed data.
//
// PARAMETERS:
//   - fs: The filesystem holding the file.
//   - filePath: The path to the CSV file.
//   - settings: Delimiter, header rows, data start row and encoding.
//
// RETURNS:
//   - A pointer to the CSVData struct containing the parsed data.
//   - An error if the file cannot be read or parsed.
func Parse(fs afero.Fs, filePath string, settings config.CSVSettings) (*CSVData, error) {
	file, err := fs.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	data, err := ParseReader(file, settings)
	if err != nil {
		return nil, err
	}
	data.SourceFile = filePath
	return data, nil
}

// ParseReader parses CSV content from r.
//
// PARSING PROCESS:
//   1. Decode the input into UTF-8
//   2. Configure the CSV reader with the delimiter
//   3. Read and merge header rows (for multi-line headers)
//   4. Read data rows starting from the configured data start row
func ParseReader(r io.Reader, settings config.CSVSettings) (*CSVData, error) {
	settings = withDefaults(settings)

	decoder, err := decoderFor(settings.Encoding)
	if err != nil {
		return nil, err
	}

	csvReader := csv.NewReader(transform.NewReader(bufio.NewReader(r), decoder))
	configureReader(csvReader, settings)

	allRows, err := csvReader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV: %w", err)
	}

	if len(allRows) == 0 {
		return nil, fmt.Errorf("CSV file is empty")
	}

	headers, err := extractHeaders(allRows, settings)
	if err != nil {
		return nil, fmt.Errorf("failed to extract headers: %w", err)
	}

	table := extractDataRows(allRows, headers, settings)

	return &CSVData{
		Headers:     headers,
		Table:       table,
		RowCount:    table.Len(),
		ColumnCount: len(headers),
	}, nil
}

func withDefaults(settings config.CSVSettings) config.CSVSettings {
	if settings.HeaderRows <= 0 {
		settings.HeaderRows = 1
	}
	if settings.DataStartRow <= settings.HeaderRows {
		settings.DataStartRow = settings.HeaderRows + 1
	}
	return settings
}

// decoderFor returns the decoder turning the named encoding into UTF-8.
// A UTF-8 byte order mark is dropped.
func decoderFor(name string) (transform.Transformer, error) {
	var enc encoding.Encoding
	switch strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(name), "_", "-")) {
	case "", "UTF-8", "UTF8":
		return unicode.BOMOverride(unicode.UTF8.NewDecoder()), nil
	case "ISO-8859-1", "ISO8859-1", "LATIN1", "LATIN-1":
		enc = charmap.ISO8859_1
	case "WINDOWS-1252", "CP1252", "WIN1252":
		enc = charmap.Windows1252
	default:
		return nil, fmt.Errorf("unsupported CSV encoding %q", name)
	}
	return enc.NewDecoder(), nil
}

// configureReader configures the CSV reader based on the settings.
func configureReader(reader *csv.Reader, settings config.CSVSettings) {
	switch settings.Delimiter {
	case "\\t", "\t", "tab", "TAB":
		reader.Comma = '\t'
	case "|", "pipe", "PIPE":
		reader.Comma = '|'
	case ",", "comma":
		reader.Comma = ','
	case "", ";", "semicolon":
		reader.Comma = ';'
	default:
		reader.Comma = []rune(settings.Delimiter)[0]
	}

	// Allow variable number of fields per row.
	reader.FieldsPerRecord = -1

	// Exports from some accounting systems do not quote strictly.
	reader.LazyQuotes = true

	reader.TrimLeadingSpace = true
}

// extractHeaders extracts and merges headers from the CSV.
//
// MULTI-LINE HEADER HANDLING:
//   When header_rows > 1 the last non-empty value of each column is used,
//   so a descriptive row above the codes is ignored.
//
//   Row 1: "Fecha", "Tipo documento", ""
//   Row 2: "C1",    "C2",             "C3"
//   Result: "C1", "C2", "C3"
func extractHeaders(allRows [][]string, settings config.CSVSettings) ([]string, error) {
	if len(allRows) < settings.HeaderRows {
		return nil, fmt.Errorf("file has fewer rows than header_rows setting")
	}

	maxCols := 0
	for i := 0; i < settings.HeaderRows; i++ {
		if len(allRows[i]) > maxCols {
			maxCols = len(allRows[i])
		}
	}

	headers := make([]string, maxCols)
	for col := 0; col < maxCols; col++ {
		for row := 0; row < settings.HeaderRows; row++ {
			if col < len(allRows[row]) {
				if value := strings.TrimSpace(allRows[row][col]); value != "" {
					headers[col] = value
				}
			}
		}
	}

	return cleanHeaders(headers), nil
}

// cleanHeaders trims headers and names blank or repeated ones after their
// column index, so no column is silently dropped.
func cleanHeaders(headers []string) []string {
	cleaned := make([]string, len(headers))
	seen := make(map[string]bool, len(headers))

	for i, header := range headers {
		header = strings.TrimPrefix(strings.TrimSpace(header), "\ufeff")
		if header == "" || seen[header] {
			header = fmt.Sprintf("Column_%d", i+1)
		}
		seen[header] = true
		cleaned[i] = header
	}

	return cleaned
}

// extractDataRows builds the table from the rows after the headers.
// Blank rows are skipped; missing and blank cells are null.
func extractDataRows(allRows [][]string, headers []string, settings config.CSVSettings) *types.Table {
	table := types.NewTable(headers...)

	for rowIndex := settings.DataStartRow - 1; rowIndex < len(allRows); rowIndex++ {
		row := allRows[rowIndex]

		if isRowEmpty(row) {
			continue
		}

		out := make(types.Row, len(headers))
		for colIndex, header := range headers {
			value := ""
			if colIndex < len(row) {
				value = strings.TrimSpace(row[colIndex])
			}
			if value == "" {
				out[header] = types.Null()
			} else {
				out[header] = types.NewText(value)
			}
		}
		table.AddRow(out)
	}

	return table
}

// isRowEmpty checks if a row contains only empty values.
func isRowEmpty(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}
