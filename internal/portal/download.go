package portal

import (
	"context"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/fundsync/internal/model"
	"github.com/sells-group/fundsync/internal/resilience"
)

// Download returns the raw instance document for uploadID. Suspiciously
// small bodies are logged but still returned.
func (c *Client) Download(ctx context.Context, uploadID string) ([]byte, error) {
	if err := model.ValidateUploadID(uploadID); err != nil {
		return nil, eris.Wrap(err, "portal: download")
	}
	data, err := c.fetch.Fetch(ctx, c.DownloadURL(uploadID))
	if err != nil {
		return nil, eris.Wrapf(err, "portal: download %s", uploadID)
	}
	if len(data) < minDocumentBody {
		zap.L().Warn("downloaded document is very small, possibly an error page",
			zap.String("component", "portal"),
			zap.String("upload_id", uploadID),
			zap.Int("bytes", len(data)),
		)
	}
	return data, nil
}

// DocumentPath is where DownloadToFile stores the document for uploadID.
// Ids that could escape dir are rejected.
func DocumentPath(dir, uploadID string) (string, error) {
	if err := model.ValidateUploadID(uploadID); err != nil {
		return "", eris.Wrap(err, "portal: document path")
	}
	return filepath.Join(dir, uploadID+".xbrl"), nil
}

// FetchToFile stores the document for ref under dir and returns its path and
// size. An existing file of at least minDocumentBody bytes is reused without
// a request. Filesystem failures are fatal errors.
func (c *Client) FetchToFile(ctx context.Context, ref model.ReportReference, dir string) (string, int64, error) {
	path, err := DocumentPath(dir, ref.UploadID)
	if err != nil {
		return "", 0, err
	}
	if fi, err := os.Stat(path); err == nil && fi.Size() >= minDocumentBody {
		zap.L().Debug("document already cached",
			zap.String("component", "portal"),
			zap.String("upload_id", ref.UploadID),
			zap.String("path", path),
		)
		return path, fi.Size(), nil
	}

	data, err := c.Download(ctx, ref.UploadID)
	if err != nil {
		return "", 0, err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, resilience.NewFatalError(eris.Wrap(err, "portal: create download dir"))
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", 0, resilience.NewFatalError(eris.Wrap(err, "portal: write document"))
	}
	return path, int64(len(data)), nil
}

// DownloadToFile is FetchToFile reporting into a DownloadResult. Failures
// are captured in the result, never returned.
func (c *Client) DownloadToFile(ctx context.Context, ref model.ReportReference, dir string) model.DownloadResult {
	res := model.DownloadResult{Reference: ref}
	path, size, err := c.FetchToFile(ctx, ref, dir)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Success = true
	res.FilePath = path
	res.ByteSize = size
	return res
}
