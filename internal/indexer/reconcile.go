package indexer

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/hyperjump/mirip/pkg/e"
)

// ReconcileReport describes what a Reconcile pass found and changed.
type ReconcileReport struct {
	VectorsBefore int   `json:"vectors_before"`
	RowsBefore    int64 `json:"rows_before"`
	VectorsAfter  int   `json:"vectors_after"`
	RowsAfter     int64 `json:"rows_after"`
	// TruncatedAt is the first position that was dropped, or -1 when nothing was.
	TruncatedAt int64 `json:"truncated_at"`
	DeletedRows int64 `json:"deleted_rows"`
	Consistent  bool  `json:"consistent"`
}

// Reconcile restores Size() == RowCount() after a crash. The vector store is cut back
// to the longest prefix 0..p-1 whose positions all have mapping rows, and rows at or
// beyond p are deleted. Rows are never fabricated. The result is saved.
//
// Mismatches are logged as consistency violations. An error is returned only when
// recovery itself fails.
func (idx *Indexer) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()

	n := idx.vectors.Size()
	m := idx.store.RowCount()
	report := &ReconcileReport{VectorsBefore: n, RowsBefore: m, TruncatedAt: -1}

	positions, err := idx.store.Positions(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: list mapping positions: %w", e.ErrConsistencyViolation, err)
	}
	cut := 0
	for cut < n && cut < len(positions) && positions[cut] == int64(cut) {
		cut++
	}

	if cut == n && m == int64(n) {
		report.VectorsAfter, report.RowsAfter, report.Consistent = n, m, true
		idx.logger.Debug("reconcile: stores consistent", zap.Int("vectors", n))
		return report, nil
	}

	idx.logger.Warn("consistency violation detected at startup",
		zap.Int("vectors", n),
		zap.Int64("mapping_rows", m),
		zap.Int("keep", cut),
		zap.Error(e.ErrConsistencyViolation),
	)

	if cut < n {
		if err := idx.vectors.Truncate(cut); err != nil {
			return nil, fmt.Errorf("%w: truncate vectors to %d: %w", e.ErrConsistencyViolation, cut, err)
		}
		report.TruncatedAt = int64(cut)
	}
	if idx.store.RowCount() > int64(cut) {
		deleted, err := idx.store.DeleteFrom(ctx, int64(cut))
		if err != nil {
			return nil, fmt.Errorf("%w: delete mapping rows from %d: %w", e.ErrConsistencyViolation, cut, err)
		}
		report.DeletedRows = deleted
	}
	report.VectorsAfter = idx.vectors.Size()
	report.RowsAfter = idx.store.RowCount()
	if report.RowsAfter != int64(report.VectorsAfter) {
		return report, fmt.Errorf("%w: still %d vectors and %d rows after recovery",
			e.ErrConsistencyViolation, report.VectorsAfter, report.RowsAfter)
	}

	idx.logger.Info("reconcile recovered",
		zap.Int64("truncated_at", report.TruncatedAt),
		zap.Int64("deleted_rows", report.DeletedRows),
		zap.Int("vectors", report.VectorsAfter),
	)
	if err := idx.saveLocked(); err != nil {
		return report, err
	}
	return report, nil
}
