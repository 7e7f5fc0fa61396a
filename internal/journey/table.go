package journey

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/davidread/bus-timeliness/internal/transit"
)

// Table is a journey table for one route/direction: a header row followed by
// one row per journey, addressed by 1-based row and column numbers.
type Table interface {
	Records(ctx context.Context) ([]Record, error)
	AppendRows(ctx context.Context, rows [][]string) error
	UpdateCells(ctx context.Context, updates []CellUpdate) error
}

// Apply writes a plan: appended rows first, then cell updates.
func Apply(ctx context.Context, t Table, p Plan) error {
	if len(p.Append) > 0 {
		if err := t.AppendRows(ctx, p.Append); err != nil {
			return errors.Wrap(err, "append journey rows")
		}
	}
	if len(p.Updates) > 0 {
		if err := t.UpdateCells(ctx, p.Updates); err != nil {
			return errors.Wrap(err, "update journey cells")
		}
	}
	return nil
}

// Sync reconciles events against the current table contents and applies the
// result. If the table cannot be read nothing is written, since every group
// would otherwise be appended as a new journey.
func Sync(ctx context.Context, t Table, events []transit.ArrivalEvent, stopOrder []string, log *zap.SugaredLogger) (Plan, error) {
	if len(events) == 0 {
		return Plan{}, nil
	}
	existing, err := t.Records(ctx)
	if err != nil {
		return Plan{}, errors.Wrap(err, "read journey records")
	}

	plan := Reconcile(events, existing, stopOrder)
	if log != nil {
		for _, d := range plan.Decisions {
			if d.Row == 0 {
				log.Infow("creating new journey row", "bus", d.BusID, "date", d.Date, "starting", d.Earliest)
			} else {
				log.Infow("updating existing journey", "bus", d.BusID, "date", d.Date, "row", d.Row, "same_journey_as", d.Earliest, "cells", d.Cells)
			}
		}
	}
	if err := Apply(ctx, t, plan); err != nil {
		return plan, err
	}
	return plan, nil
}
