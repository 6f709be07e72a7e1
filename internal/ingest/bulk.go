package ingest

import (
	"context"

	"github.com/leca/imagevault/internal/apperr"
	"github.com/leca/imagevault/internal/model"
)

// BulkError reports one file that did not make it through the pipeline.
type BulkError struct {
	Filename string `json:"filename"`
	Error    string `json:"error"`
	Code     string `json:"code,omitempty"`
}

// BulkSummary counts the outcome of a bulk upload.
type BulkSummary struct {
	Total      int `json:"total"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
}

// BulkResult is the per-file outcome of BulkUpload.
type BulkResult struct {
	Uploaded []*Result   `json:"uploaded"`
	Errors   []BulkError `json:"errors"`
	Summary  BulkSummary `json:"summary"`
}

// BulkUpload admits the whole batch with one coarse check and then runs
// each file independently. A failing file does not abort the others.
// Classification applies to every file.
func (p *Pipeline) BulkUpload(ctx context.Context, t *model.Tenant, files []File, c Classification) (*BulkResult, error) {
	if len(files) == 0 {
		return nil, apperr.Validation("no files provided")
	}
	if limit := p.cfg.MaxBulkFiles; limit > 0 && len(files) > limit {
		return nil, apperr.Validationf("too many files: %d, maximum is %d", len(files), limit)
	}

	unlock := p.ledger.Lock(t.ID)
	defer unlock()

	sizes := make([]int64, len(files))
	for i, f := range files {
		sizes[i] = f.size()
	}
	d, err := p.ledger.CanUploadBatch(ctx, t, sizes)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if !d.Allowed {
		return nil, p.rejected(t, d)
	}

	res := &BulkResult{
		Uploaded: []*Result{},
		Errors:   []BulkError{},
		Summary:  BulkSummary{Total: len(files)},
	}
	for _, f := range files {
		r, err := p.uploadOne(ctx, t, f, c)
		if err != nil {
			e := apperr.As(err)
			res.Errors = append(res.Errors, BulkError{Filename: f.Filename, Error: e.Message, Code: e.Code})
			continue
		}
		res.Uploaded = append(res.Uploaded, r)
	}
	res.Summary.Successful = len(res.Uploaded)
	res.Summary.Failed = len(res.Errors)

	p.logger.Info().Str("tenant_id", t.ID).Int("total", res.Summary.Total).
		Int("successful", res.Summary.Successful).Msg("bulk upload finished")
	return res, nil
}

// uploadOne runs a batch member after the coarse admission. Only the
// per-file limit is checked again against the actual size.
func (p *Pipeline) uploadOne(ctx context.Context, t *model.Tenant, f File, c Classification) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperr.Validation("upload cancelled")
	}
	if err := p.unloaded(t, f); err != nil {
		return nil, err
	}
	v, err := p.validate(t, f)
	if err != nil {
		p.metrics.Uploads.WithLabelValues("invalid").Inc()
		return nil, err
	}
	if err := checkFileSize(t, int64(len(v.data))); err != nil {
		p.metrics.Uploads.WithLabelValues("rejected").Inc()
		p.metrics.QuotaRejections.WithLabelValues("per_file_size").Inc()
		return nil, err
	}
	return p.store(ctx, t, v, c)
}
