package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/carbocation/mriflow/interfaces"
	"github.com/carbocation/mriflow/store"
)

// Execute runs iface with the inputs of a run that is already marked running,
// then records the outcome: scores go to the score table and the remaining
// outputs to the run row. The returned outputs never include scores.
func Execute(ctx context.Context, st *store.Store, iface interfaces.Interface, run store.Run) (interfaces.Outputs, error) {
	// Bookkeeping must survive cancellation of the run itself.
	record := context.WithoutCancel(ctx)

	out, err := iface.Run(ctx, interfaces.Inputs(run.Inputs))
	if err == nil {
		out, err = saveScores(record, st, run.ID, out)
	}
	if err != nil {
		err = fmt.Errorf("run %d (%s): %w", run.ID, run.Node, err)
		if ferr := st.FailRun(record, run.ID, err); ferr != nil {
			return nil, errors.Join(err, ferr)
		}
		return nil, err
	}

	if err := st.FinishRun(record, run.ID, store.Document(out)); err != nil {
		return nil, err
	}

	return out, nil
}

func saveScores(ctx context.Context, st *store.Store, runID int64, out interfaces.Outputs) (interfaces.Outputs, error) {
	raw, ok := out[interfaces.ScoresKey]
	if !ok {
		return out, nil
	}

	measurements, ok := raw.([]store.Measurement)
	if !ok {
		return nil, fmt.Errorf("output %q: expected measurements, got %T", interfaces.ScoresKey, raw)
	}
	if err := st.SaveScores(ctx, runID, measurements); err != nil {
		return nil, err
	}

	rest := make(interfaces.Outputs, len(out)-1)
	for k, v := range out {
		if k != interfaces.ScoresKey {
			rest[k] = v
		}
	}

	return rest, nil
}
