// Copyright (c) 2026 Keyloader Team
// Keyloader - PED key injection system
// This source code is licensed under the MIT license found in the LICENSE file.

package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/toeirei/keyloader/internal/db"
	"github.com/toeirei/keyloader/internal/logging"
	"github.com/toeirei/keyloader/internal/model"
	"github.com/toeirei/keyloader/internal/ped"
	"github.com/toeirei/keyloader/internal/protocol"
)

// Deletion marks records Deleting, erases the hardware, then removes the
// records. A hardware failure or cancellation restores the prior status.
// Reverting runs detached from the command context so a cancelled command
// cannot leave records in Deleting.

func (o *Orchestrator) checkDeleteSlot(slot int) error {
	caps := o.dev.Capabilities()
	if caps.KeySlots.Contains(slot) || caps.DukptGroups.Contains(slot) {
		return nil
	}
	return fail(protocol.RespInvalidSlot, "slot %d outside %d-%d", slot, caps.KeySlots.Min, caps.KeySlots.Max)
}

func deviceDeleteErr(err error) error {
	if err == nil || errors.Is(err, ped.ErrKeyNotFound) {
		return nil
	}
	return err
}

// cancelled reports a command context that ended before the delete began.
func cancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return withCode(protocol.RespKeyDeletionFailed, err)
	}
	return nil
}

func (o *Orchestrator) deleteSingle(ctx context.Context, r *run, slot int, t model.KeyType) error {
	r.to(StateValidating)
	if err := o.checkDeleteSlot(slot); err != nil {
		return err
	}
	if err := cancelled(ctx); err != nil {
		return err
	}
	rec, err := o.repo.GetKey(ctx, slot, t)
	switch {
	case errors.Is(err, db.ErrNotFound):
		rec = nil
	case err != nil:
		return fmt.Errorf("read slot %d: %w", slot, err)
	}
	if rec != nil {
		if err := o.repo.UpdateStatus(ctx, slot, t, model.StatusDeleting); err != nil {
			return fmt.Errorf("mark slot %d deleting: %w", slot, err)
		}
	}
	revert := func(cause error) error {
		bg := context.WithoutCancel(ctx)
		if rec != nil {
			if err := o.repo.UpdateStatus(bg, slot, t, rec.Status); err != nil {
				logging.Errorf("orchestrator: reverting slot %d %s failed: %v", slot, t, err)
			}
		}
		o.audit(bg, db.ActionDeleteFailed, fmt.Sprintf("slot=%d type=%s err=%v", slot, t, cause))
		return withCode(protocol.RespKeyDeletionFailed, cause)
	}
	if err := ctx.Err(); err != nil {
		return revert(err)
	}

	r.to(StateExecuting)
	if err := deviceDeleteErr(o.dev.DeleteKey(slot, t)); err != nil {
		return revert(err)
	}

	r.to(StatePersisting)
	if err := o.repo.DeleteKey(ctx, slot, t); err != nil && !errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("remove record slot %d: %w", slot, err)
	}
	o.audit(ctx, db.ActionDeleteKey, fmt.Sprintf("slot=%d type=%s", slot, t))
	return nil
}

func (o *Orchestrator) deleteAtSlot(ctx context.Context, r *run, slot int) error {
	r.to(StateValidating)
	if err := o.checkDeleteSlot(slot); err != nil {
		return err
	}
	if err := cancelled(ctx); err != nil {
		return err
	}
	recs, err := o.repo.GetKeysAtSlot(ctx, slot)
	if err != nil {
		return fmt.Errorf("read slot %d: %w", slot, err)
	}
	var marked []model.KeySlotRecord
	restore := func() {
		bg := context.WithoutCancel(ctx)
		for _, rec := range marked {
			if err := o.repo.UpdateStatus(bg, rec.Slot, rec.Type, rec.Status); err != nil {
				logging.Errorf("orchestrator: reverting %s failed: %v", rec, err)
			}
		}
	}
	for _, rec := range recs {
		if err := o.repo.UpdateStatus(ctx, rec.Slot, rec.Type, model.StatusDeleting); err != nil {
			restore()
			return fmt.Errorf("mark %s deleting: %w", rec, err)
		}
		marked = append(marked, rec)
	}
	revert := func(cause error) error {
		restore()
		o.audit(context.WithoutCancel(ctx), db.ActionDeleteFailed, fmt.Sprintf("slot=%d err=%v", slot, cause))
		return withCode(protocol.RespKeyDeletionFailed, cause)
	}
	if err := ctx.Err(); err != nil {
		return revert(err)
	}

	r.to(StateExecuting)
	if err := deviceDeleteErr(o.dev.DeleteKey(slot, model.KeyTypeUnknown)); err != nil {
		return revert(err)
	}

	r.to(StatePersisting)
	n, err := o.repo.DeleteKeysAtSlot(ctx, slot)
	if err != nil {
		return fmt.Errorf("remove records at slot %d: %w", slot, err)
	}
	o.audit(ctx, db.ActionDeleteKey, fmt.Sprintf("slot=%d records=%d", slot, n))
	return nil
}

func (o *Orchestrator) deleteAll(ctx context.Context, r *run) error {
	r.to(StateValidating)
	if err := cancelled(ctx); err != nil {
		return err
	}
	if _, err := o.repo.UpdateStatusAll(ctx, model.StatusDeleting); err != nil {
		return fmt.Errorf("mark all deleting: %w", err)
	}
	revert := func(cause error) error {
		bg := context.WithoutCancel(ctx)
		if _, err := o.repo.RevertDeleting(bg); err != nil {
			logging.Errorf("orchestrator: reverting delete-all failed: %v", err)
		}
		o.audit(bg, db.ActionDeleteFailed, fmt.Sprintf("all err=%v", cause))
		return withCode(protocol.RespKeyDeletionFailed, cause)
	}
	if err := ctx.Err(); err != nil {
		return revert(err)
	}

	r.to(StateExecuting)
	if err := o.dev.DeleteAllKeys(); err != nil {
		return revert(err)
	}

	r.to(StatePersisting)
	n, err := o.repo.DeleteAllKeys(ctx)
	if err != nil {
		return fmt.Errorf("remove all records: %w", err)
	}
	o.audit(ctx, db.ActionDeleteAll, fmt.Sprintf("records=%d", n))
	logging.Infof("orchestrator: all keys deleted, %d records removed", n)
	return nil
}

// Recover resolves records left in Deleting by an interrupted run. A key
// still present in the device gets its prior status back; a missing one has
// its record removed. It returns the number of records resolved.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	recs, err := o.repo.ListKeysByStatus(ctx, model.StatusDeleting)
	if err != nil {
		return 0, fmt.Errorf("list deleting records: %w", err)
	}
	resolved := 0
	for _, rec := range recs {
		present, err := o.dev.IsKeyPresent(rec.Slot, rec.Type)
		if err != nil {
			logging.Warnf("orchestrator: cannot probe %s: %v", rec, err)
			continue
		}
		if present {
			status := rec.PriorStatus
			if status == "" || status == model.StatusDeleting {
				status = model.StatusSuccessful
			}
			if err := o.repo.UpdateStatus(ctx, rec.Slot, rec.Type, status); err != nil {
				return resolved, fmt.Errorf("restore %s: %w", rec, err)
			}
			o.audit(ctx, db.ActionRecover, fmt.Sprintf("slot=%d type=%s restored=%s", rec.Slot, rec.Type, status))
		} else {
			if err := o.repo.DeleteKey(ctx, rec.Slot, rec.Type); err != nil && !errors.Is(err, db.ErrNotFound) {
				return resolved, fmt.Errorf("remove %s: %w", rec, err)
			}
			o.audit(ctx, db.ActionRecover, fmt.Sprintf("slot=%d type=%s removed", rec.Slot, rec.Type))
		}
		resolved++
	}
	if resolved > 0 {
		logging.Infof("orchestrator: recovered %d interrupted deletions", resolved)
	}
	return resolved, nil
}
