package engine

import (
	"context"
	"maps"
	"slices"

	"denim/internal/instrument"
	"denim/internal/metadata"
)

// RecordChanges reports every committed create, update and delete to the
// request's instrumenter as a change event.
func RecordChanges(h *Hooks) {
	all := AnyTable()
	Register(h, all, PostCreate, changeHook(metadata.ActionCreate))
	Register(h, all, PostUpdate, changeHook(metadata.ActionUpdate))
	Register(h, all, PostDelete, func(ctx context.Context, table *metadata.Table, args DeleteArgs) (DeleteArgs, error) {
		instrument.GetInstrumenter(ctx).RecordChange(ctx, instrument.Change{
			Action:   metadata.ActionDelete,
			Table:    table.Name,
			RecordID: args.ID,
		})
		return args, nil
	})
}

func changeHook(action metadata.Action) HookFunc[WriteArgs] {
	return func(ctx context.Context, table *metadata.Table, args WriteArgs) (WriteArgs, error) {
		instrument.GetInstrumenter(ctx).RecordChange(ctx, instrument.Change{
			Action:   action,
			Table:    table.Name,
			RecordID: args.ID,
			Fields:   slices.Sorted(maps.Keys(args.Incoming)),
		})
		return args, nil
	}
}
