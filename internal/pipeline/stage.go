// Package pipeline runs per-report download, parse and persist chains over
// a bounded worker pool and aggregates them into batch results.
package pipeline

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/fundsync/internal/fundreport"
	"github.com/sells-group/fundsync/internal/model"
	"github.com/sells-group/fundsync/internal/resilience"
	"github.com/sells-group/fundsync/internal/store"
	"github.com/sells-group/fundsync/internal/xbrl"
)

// Stage names. StageTimeout and StageDispatch never run work; they label
// failures raised by the orchestrator itself.
const (
	StageDownload = "download"
	StageParse    = "parse"
	StagePersist  = "persist"
	StageTimeout  = "timeout"
	StageDispatch = "dispatch"
)

// ErrUnrecognized marks a document with no structured payload.
var ErrUnrecognized = eris.New("pipeline: document has no structured content")

// Payload carries stage output down the chain.
type Payload struct {
	Path     string
	Size     int64
	Report   *model.ParsedFundReport
	ReportID string
}

// StageResult is what every stage returns and what the next stage consumes.
type StageResult struct {
	Success bool
	Error   error
	Stage   string
	// UpstreamStage names the stage that originally failed when this result
	// only propagates an earlier failure.
	UpstreamStage string
	Reference     model.ReportReference
	Payload       Payload
}

// FailedStage returns the stage where the chain actually failed.
func (r StageResult) FailedStage() string {
	if r.UpstreamStage != "" {
		return r.UpstreamStage
	}
	return r.Stage
}

// StageFunc is one step of a chain.
type StageFunc func(ctx context.Context, in StageResult) StageResult

// Seed is the input to the first stage of a chain.
func Seed(ref model.ReportReference) StageResult {
	return StageResult{Success: true, Reference: ref}
}

func propagate(stage string, in StageResult) StageResult {
	return StageResult{
		Error:         in.Error,
		Stage:         stage,
		UpstreamStage: in.FailedStage(),
		Reference:     in.Reference,
		Payload:       in.Payload,
	}
}

func failed(stage string, in StageResult, err error) StageResult {
	return StageResult{Error: err, Stage: stage, Reference: in.Reference, Payload: in.Payload}
}

// Downloader stores the document for a reference locally. portal.Client
// satisfies it.
type Downloader interface {
	FetchToFile(ctx context.Context, ref model.ReportReference, dir string) (string, int64, error)
}

// DownloadStage fetches the document into dir.
func DownloadStage(d Downloader, dir string) StageFunc {
	return func(ctx context.Context, in StageResult) StageResult {
		if !in.Success {
			return propagate(StageDownload, in)
		}
		path, size, err := d.FetchToFile(ctx, in.Reference, dir)
		if err != nil {
			return failed(StageDownload, in, err)
		}
		out := StageResult{Success: true, Stage: StageDownload, Reference: in.Reference}
		out.Payload.Path = path
		out.Payload.Size = size
		return out
	}
}

// DocumentParser parses a document file. xbrl.Parser satisfies it.
type DocumentParser interface {
	ParseFile(ctx context.Context, path string) (*xbrl.Result, error)
}

// ParseStage parses the downloaded file and normalizes it into a report.
func ParseStage(p DocumentParser, e *fundreport.Extractor) StageFunc {
	return func(ctx context.Context, in StageResult) StageResult {
		if !in.Success {
			return propagate(StageParse, in)
		}
		res, err := p.ParseFile(ctx, in.Payload.Path)
		if err != nil {
			return failed(StageParse, in, err)
		}
		if err := ctx.Err(); err != nil {
			return failed(StageParse, in, err)
		}
		ref := in.Reference
		report := e.Extract(ctx, res, &ref)
		if report == nil {
			return failed(StageParse, in, eris.Wrapf(ErrUnrecognized, "upload %s", ref.UploadID))
		}
		if report.Empty() {
			zap.L().Warn("parsed report is empty",
				zap.String("component", "pipeline"),
				zap.String("upload_id", ref.UploadID),
			)
		}
		out := StageResult{Success: true, Stage: StageParse, Reference: in.Reference, Payload: in.Payload}
		out.Payload.Report = report
		return out
	}
}

// PersistStage saves the parsed report. Store failures other than invalid
// input are fatal: they mean the persistence layer is unavailable.
func PersistStage(st store.Store) StageFunc {
	return func(ctx context.Context, in StageResult) StageResult {
		if !in.Success {
			return propagate(StagePersist, in)
		}
		id, err := st.Save(ctx, in.Payload.Report, in.Reference.UploadID, in.Payload.Path)
		if err != nil {
			if !errors.Is(err, store.ErrInvalidReport) && ctx.Err() == nil {
				err = resilience.NewFatalError(err)
			}
			return failed(StagePersist, in, err)
		}
		out := StageResult{Success: true, Stage: StagePersist, Reference: in.Reference, Payload: in.Payload}
		out.Payload.ReportID = id
		return out
	}
}

// Chain composes stages that run strictly in order.
type Chain []StageFunc

// NewChain builds the standard download, parse, persist chain.
func NewChain(d Downloader, dir string, p DocumentParser, e *fundreport.Extractor, st store.Store) Chain {
	return Chain{DownloadStage(d, dir), ParseStage(p, e), PersistStage(st)}
}

// Run feeds ref through every stage. Stages after a failure only pass the
// failure marker along.
func (c Chain) Run(ctx context.Context, ref model.ReportReference) StageResult {
	res := Seed(ref)
	for _, stage := range c {
		res = stage(ctx, res)
	}
	return res
}
