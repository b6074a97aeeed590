package engine

import (
	"context"

	"github.com/rendis/leadflow/internal/store"
	"github.com/rendis/leadflow/pkg/schema"
)

// RecordRun saves a finished run: the report first, then the reasoning exec
// retained for that run. Other runs sharing exec keep their records. Aborted
// runs are saved too; their report is still the record of what happened.
func RecordRun(ctx context.Context, st store.Store, exec *Executor, report *schema.ExecutionReport) error {
	if report == nil {
		return nil
	}
	if err := st.SaveReport(ctx, report); err != nil {
		return err
	}
	records := exec.DrainRunReasoning(report.RunID)
	if len(records) == 0 {
		return nil
	}
	return st.SaveReasoning(ctx, records)
}
