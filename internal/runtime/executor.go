package runtime

import (
	"context"

	"github.com/estuarydb/estuary/internal/publish"
	"github.com/estuarydb/estuary/internal/query"
	"github.com/estuarydb/estuary/internal/record"
)

// ExecuteCommand runs a named command as one transactional boundary:
// validate the payload, fork master storage, run the handler and every
// synchronous listener on the fork, merge, then kick off queued async
// listeners without waiting for them.
//
// A failure before the merge discards the fork and leaves master storage
// untouched. The returned error is always a *CommandError whose State
// says how far execution got.
func (r *Runtime) ExecuteCommand(ctx context.Context, name string, auth publish.AuthContext, params record.Fields) (any, error) {
	cmd, ok := r.commands[name]
	if !ok {
		return nil, &CommandError{
			Code:    CodeUnknownCommand,
			Command: name,
			State:   StateValidating,
			Message: "command not registered",
		}
	}

	if cmd.schema != nil {
		if err := cmd.schema.validate(params); err != nil {
			return nil, &CommandError{
				Code:    CodeValidation,
				Command: name,
				State:   StateValidating,
				Err:     err,
			}
		}
	}

	fork := r.master.Fork()
	pub := r.publisher()
	scope := pub.NewScope(fork, auth)

	hctx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	result, err := cmd.def.Handle(hctx, scope, record.CloneFields(params))
	if err != nil {
		state := StateHandling
		if publish.IsListenerError(err) {
			state = StateSyncListening
		}
		return nil, &CommandError{
			Code:    CodeHandler,
			Command: name,
			State:   state,
			Err:     err,
		}
	}

	if err := fork.Merge(ctx); err != nil {
		return nil, &CommandError{
			Code:    CodeMerge,
			Command: name,
			State:   StateMerging,
			Err:     err,
		}
	}

	if pub.PendingAsync() > 0 {
		// Fire and forget: async listeners outlive the command and its
		// caller's context. Drain is the only way to wait for them.
		asyncCtx := context.WithoutCancel(ctx)
		r.async.Add(1)
		go func() {
			defer r.async.Done()
			pub.RunAsync(asyncCtx)
		}()
	}

	return result, nil
}

// ExecuteQuery reads committed records from master storage. Queries never
// fork and never observe in-flight command effects.
func (r *Runtime) ExecuteQuery(ctx context.Context, auth publish.AuthContext, store string, c query.Criteria) ([]*record.Record, error) {
	if !r.master.Has(store) {
		return nil, &CommandError{
			Code:    CodeUnknownStore,
			State:   StateValidating,
			Message: "store " + store + " not registered",
		}
	}
	r.logger.Debug("execute query", "store", store, "subject", auth.Subject)
	return r.master.Store(store).Find(ctx, c)
}

// ExecuteQueryOne is ExecuteQuery bounded to the first match, nil when
// nothing matches.
func (r *Runtime) ExecuteQueryOne(ctx context.Context, auth publish.AuthContext, store string, c query.Criteria) (*record.Record, error) {
	if !r.master.Has(store) {
		return nil, &CommandError{
			Code:    CodeUnknownStore,
			State:   StateValidating,
			Message: "store " + store + " not registered",
		}
	}
	r.logger.Debug("execute query", "store", store, "subject", auth.Subject)
	return r.master.Store(store).FindOne(ctx, c)
}
