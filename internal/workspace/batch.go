package workspace

import (
	"context"
	"fmt"

	"github.com/devbench-ai/devbench/internal/apperr"
	"github.com/devbench-ai/devbench/internal/metrics"
	"github.com/devbench-ai/devbench/internal/model"
)

// maxBatchOps bounds a single fs_batch request.
const maxBatchOps = 128

// Batch operation kinds.
const (
	BatchOpRead   = "read"
	BatchOpWrite  = "write"
	BatchOpDelete = "delete"
	BatchOpMkdir  = "mkdir"
)

// BatchOp is one step of a grouped filesystem request.
type BatchOp struct {
	Op          string `json:"op"`
	Path        string `json:"path"`
	Content     []byte `json:"content,omitempty"`
	IfMatchETag string `json:"if_match_etag,omitempty"`
	Recursive   bool   `json:"recursive,omitempty"`
}

// BatchResult is the outcome of one completed step.
type BatchResult struct {
	Op      string    `json:"op"`
	Path    string    `json:"path"`
	Content []byte    `json:"content,omitempty"`
	Info    *FileInfo `json:"info,omitempty"`
}

// BatchError reports the entry that stopped a batch along with the results
// of the entries that had already completed.
type BatchError struct {
	Index     int
	Op        string
	Path      string
	Err       error
	Completed []BatchResult
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch entry %d (%s %s): %v", e.Index, e.Op, e.Path, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// Batch runs grouped filesystem steps in order. ETag preconditions for
// every step are checked before the first step executes, so a stale write
// anywhere in the batch stops it before any mutation. Execution is
// fail-fast; each write stages and renames individually, so an interrupted
// batch never leaves partial file content behind.
func (g *Gateway) Batch(ctx context.Context, c *model.Container, ops []BatchOp) ([]BatchResult, error) {
	if _, err := requireRunning(c); err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		return nil, apperr.New(apperr.CodeInvalidArgument, "batch requires at least one operation")
	}
	if len(ops) > maxBatchOps {
		return nil, apperr.New(apperr.CodeInvalidArgument,
			"batch of %d operations exceeds the limit of %d", len(ops), maxBatchOps)
	}
	metrics.FSOperations.WithLabelValues("batch").Inc()

	// Validate every path lexically before the first container call.
	for i, op := range ops {
		switch op.Op {
		case BatchOpRead, BatchOpWrite, BatchOpDelete, BatchOpMkdir:
		default:
			return nil, apperr.New(apperr.CodeInvalidArgument,
				"batch entry %d has unknown operation %q", i, op.Op)
		}
		if _, err := g.containOrAudit(c, op.Path); err != nil {
			return nil, &BatchError{Index: i, Op: op.Op, Path: op.Path, Err: err}
		}
	}

	// Preflight all preconditions up front.
	for i, op := range ops {
		if op.IfMatchETag == "" {
			continue
		}
		current, err := g.Stat(ctx, c, op.Path)
		if apperr.IsCode(err, apperr.CodeNotFound) {
			err = apperr.New(apperr.CodeETagConflict,
				"precondition failed: %s does not exist", op.Path)
		} else if err == nil && current.ETag != op.IfMatchETag {
			err = apperr.New(apperr.CodeETagConflict,
				"precondition failed: %s has changed since it was read", op.Path)
		}
		if err != nil {
			return nil, &BatchError{Index: i, Op: op.Op, Path: op.Path, Err: err}
		}
	}

	results := make([]BatchResult, 0, len(ops))
	for i, op := range ops {
		var (
			res BatchResult
			err error
		)
		res.Op, res.Path = op.Op, op.Path
		switch op.Op {
		case BatchOpRead:
			var rr *ReadResult
			rr, err = g.Read(ctx, c, op.Path)
			if err == nil {
				res.Content = rr.Content
				info := rr.Info
				res.Info = &info
			}
		case BatchOpWrite:
			// Preconditions were checked above; passing the ETag again
			// here would race against this batch's own earlier writes.
			res.Info, err = g.Write(ctx, c, op.Path, op.Content, "")
		case BatchOpDelete:
			err = g.Delete(ctx, c, op.Path, op.Recursive)
		case BatchOpMkdir:
			var resolved string
			resolved, err = g.Mkdir(ctx, c, op.Path)
			if err == nil {
				res.Info = &FileInfo{Path: resolved, IsDir: true}
			}
		}
		if err != nil {
			return nil, &BatchError{Index: i, Op: op.Op, Path: op.Path, Err: err, Completed: results}
		}
		results = append(results, res)
	}
	return results, nil
}
