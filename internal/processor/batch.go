// =============================================================================
// DJ Filer - Batch Processing
// =============================================================================
//
// Batch mode scans the input directory for the files of one declaration and
// runs the pipeline on each of them concurrently.
//
// CONCURRENCY:
//   At most MaxConcurrency files are processed at a time. Results keep the
//   order of the discovered files regardless of completion order.
//
// ERROR HANDLING:
//   With continue_on_error (the default) a failed file never stops the
//   others. Otherwise the first failure cancels the files not yet started.
//
// =============================================================================

package processor

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/ginjaninja78/dj-filer/pkg/utils"
)

// BatchRequest describes a batch run over the input directory.
type BatchRequest struct {
	Code    string
	Force   bool
	Save    bool
	Workers int
}

// BatchResult is the outcome of a batch run.
type BatchResult struct {
	Summary utils.ProcessingSummary

	// SummaryFile is the summary written to the reports directory.
	SummaryFile string

	// Results holds one entry per discovered file, in file order. Files
	// skipped after a cancellation have a zero Result.
	Results []Result
}

// RunBatch processes every input file matching the declaration's patterns.
//
// RETURNS:
//   - The batch result. A run with no matching files returns an empty
//     summary and writes no summary file.
//   - An error if the input directory cannot be scanned or the summary
//     cannot be written.
func (p *Processor) RunBatch(ctx context.Context, req BatchRequest) (*BatchResult, error) {
	fm := p.fileManager()
	if err := fm.EnsureDirectories(); err != nil {
		return nil, err
	}

	decl := p.cfg.Declaration(req.Code)
	files, err := fm.DiscoverInputFiles(decl.FileMatchingPatterns...)
	if err != nil {
		return nil, fmt.Errorf("failed to discover input files: %w", err)
	}

	out := &BatchResult{
		Summary: utils.ProcessingSummary{
			Declaration: req.Code,
			StartTime:   p.now(),
			TotalFiles:  len(files),
		},
		Results: make([]Result, len(files)),
	}
	if len(files) == 0 {
		out.Summary.EndTime = p.now()
		p.log.Info().Str("declaration", req.Code).Msg("no input files found")
		return out, nil
	}

	p.log.Info().Str("declaration", req.Code).Int("files", len(files)).Msg("processing batch")

	continueOnError := p.cfg.ContinueOnError == nil || *p.cfg.ContinueOnError

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.MaxConcurrency)
	for i, file := range files {
		i, file := i, file
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			res := p.Run(gctx, Request{
				Code:      req.Code,
				InputPath: file,
				Force:     req.Force,
				Save:      req.Save,
				Workers:   req.Workers,
				Tag:       fileTag(file),
			})
			out.Results[i] = res
			if res.Error != nil && !continueOnError {
				return fmt.Errorf("%s: %w", file, res.Error)
			}
			return nil
		})
	}
	// Stopping early is reported through the per-file results.
	_ = g.Wait()

	out.Summary.EndTime = p.now()
	for i, res := range out.Results {
		if res.RunID == "" {
			out.Summary.FailedFiles++
			out.Summary.FailedFilesList = append(out.Summary.FailedFilesList, utils.FailedFileInfo{
				InputFile:    files[i],
				ErrorMessage: "not processed: batch stopped after an earlier failure",
			})
			continue
		}

		out.Summary.TotalRows += res.Stats.RowsRead
		out.Summary.TotalErrors += res.Stats.ValidationErrors
		if res.Success {
			out.Summary.SuccessfulFiles++
			out.Summary.ProcessedFiles = append(out.Summary.ProcessedFiles, utils.ProcessedFileInfo{
				InputFile:   files[i],
				OutputFile:  res.OutputFile,
				Checksum:    res.Checksum,
				Rows:        res.Stats.RowsRead,
				ProcessTime: res.Stats.ProcessingTime,
			})
			continue
		}

		out.Summary.FailedFiles++
		msg := "validation failed"
		if res.Error != nil {
			msg = res.Error.Error()
		}
		out.Summary.FailedFilesList = append(out.Summary.FailedFilesList, utils.FailedFileInfo{
			InputFile:    files[i],
			ErrorMessage: msg,
			ReportFile:   res.ReportFile,
		})
	}

	path, err := fm.WriteSummaryLog(out.Summary)
	if err != nil {
		return out, fmt.Errorf("failed to write batch summary: %w", err)
	}
	out.SummaryFile = path

	p.log.Info().
		Str("declaration", req.Code).
		Int("successful", out.Summary.SuccessfulFiles).
		Int("failed", out.Summary.FailedFiles).
		Str("summary", path).
		Msg("batch complete")

	return out, nil
}
