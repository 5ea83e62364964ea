// =============================================================================
// DJ Filer - Filing Writer
// =============================================================================
//
// This module writes encoded lines to the filing the tax authority receives.
//
// FILE FORMAT:
//   - One line per record, each terminated by "\n"
//   - ISO-8859-1 (Latin-1), one byte per character
//   - Extension: the last three characters of the declaration code
//     (DJ 1922 -> .922)
//
// The file is written to a temporary name and renamed into place, so an
// interrupted run never leaves a half-written filing behind.
//
// =============================================================================

package encoder

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/afero"
	"github.com/zeebo/xxh3"
	"golang.org/x/text/encoding/charmap"

	"github.com/ginjaninja78/dj-filer/internal/metadata"
	"github.com/ginjaninja78/dj-filer/internal/types"
	"github.com/ginjaninja78/dj-filer/pkg/utils"
)

// ErrUnencodable is returned when a line holds a character Latin-1 cannot
// represent.
var ErrUnencodable = errors.New("character not representable in ISO-8859-1")

// FilingInfo describes a written filing.
type FilingInfo struct {
	Path     string
	Bytes    int
	Lines    int
	Checksum string // xxh3, 16 hex digits
}

// EncodeLatin1 converts lines to the bytes of a filing.
//
// RETURNS:
//   - The file content, one "\n"-terminated line per input line.
//   - An error wrapping ErrUnencodable that names the first offending line
//     (1-based) and character.
func EncodeLatin1(lines []string) ([]byte, error) {
	enc := charmap.ISO8859_1

	var buf bytes.Buffer
	for i, line := range lines {
		for _, r := range line {
			b, ok := enc.EncodeRune(r)
			if !ok {
				return nil, fmt.Errorf("line %d: %q: %w", i+1, r, ErrUnencodable)
			}
			buf.WriteByte(b)
		}
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// WriteFiling encodes lines as Latin-1 and writes them atomically to path.
func WriteFiling(fs afero.Fs, path string, lines []string) (FilingInfo, error) {
	data, err := EncodeLatin1(lines)
	if err != nil {
		return FilingInfo{}, fmt.Errorf("failed to encode filing %s: %w", path, err)
	}

	if err := utils.WriteFileAtomic(fs, path, data); err != nil {
		return FilingInfo{}, err
	}

	return FilingInfo{
		Path:     path,
		Bytes:    len(data),
		Lines:    len(lines),
		Checksum: fmt.Sprintf("%016x", xxh3.Hash(data)),
	}, nil
}

// FileName returns the filing name for md.
//
// PARAMETERS:
//   - md: The declaration; its code fills {code} and gives the extension.
//   - format: Name format (see utils.GenerateOutputFileName). Empty uses
//     DJ{code}_{timestamp}.
//   - now: Time used for the time placeholders.
func FileName(md *metadata.DeclarationMetadata, format string, now time.Time) string {
	return utils.GenerateOutputFileName(format, map[string]string{"code": md.Code}, md.FileExtension(), now)
}

// =============================================================================
// FILE SUMMARY
// =============================================================================

// FieldLayout is the position of one field within a line.
type FieldLayout struct {
	Code     string
	Name     string
	Start    int // 1-based, inclusive
	End      int // 1-based, inclusive
	Length   int
	DataType metadata.DataType
	Distinct int
}

// FileSummary describes the layout and content of a filing.
type FileSummary struct {
	Declaration string
	LineLength  int
	Lines       int
	Fields      []FieldLayout
}

// Summarize describes the filing table would produce.
func Summarize(table *types.Table, md *metadata.DeclarationMetadata) FileSummary {
	s := FileSummary{
		Declaration: md.Code,
		LineLength:  md.LineLength(),
		Lines:       table.Len(),
	}

	pos := 1
	for _, f := range md.OrderedFields() {
		width := f.Length
		if width < 0 {
			width = 0
		}

		distinct := make(map[string]struct{})
		for _, v := range table.Column(f.Code) {
			distinct[FormatValue(v, f)] = struct{}{}
		}

		s.Fields = append(s.Fields, FieldLayout{
			Code:     f.Code,
			Name:     f.Name,
			Start:    pos,
			End:      pos + width - 1,
			Length:   f.Length,
			DataType: f.DataType,
			Distinct: len(distinct),
		})
		pos += width
	}
	return s
}
