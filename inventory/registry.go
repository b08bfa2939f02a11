package inventory

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// ITEM REGISTRY - Stock item metadata
// =============================================================================

// Registry owns StockItem metadata. Items are never deleted: Deactivate is
// a soft delete and refuses while the item still holds stock.
type Registry struct {
	store       Store
	balances    *BalanceEngine
	locks       Locker
	lockTimeout time.Duration
	now         func() time.Time
	log         *slog.Logger
}

func NewRegistry(store Store, balances *BalanceEngine, opts Options) *Registry {
	opts = opts.withDefaults()
	return &Registry{
		store:       store,
		balances:    balances,
		locks:       opts.Locker,
		lockTimeout: opts.LockTimeout,
		now:         opts.Clock,
		log:         opts.Logger,
	}
}

// Create registers a new active item. An empty ID is generated.
func (r *Registry) Create(ctx context.Context, item StockItem, actor string) (StockItem, error) {
	item.Name = strings.TrimSpace(item.Name)
	item.Unit = strings.TrimSpace(item.Unit)
	item.Category = strings.TrimSpace(item.Category)
	if err := validateItem(item); err != nil {
		return StockItem{}, err
	}
	if err := validateActor(actor); err != nil {
		return StockItem{}, err
	}
	if item.ID == "" {
		item.ID = ItemID(uuid.NewString())
	}

	now := r.now()
	item.Active = true
	item.DeactivatedAt = nil
	item.CreatedAt = now
	item.UpdatedAt = now

	err := r.store.WithTx(ctx, func(s Store) error {
		if err := s.CreateItem(ctx, item); err != nil {
			return err
		}
		return s.AppendAudit(ctx, auditEntry(now, AuditItemCreated, actor, item.ID, "", map[string]string{
			"name":          item.Name,
			"min_threshold": strconv.FormatInt(item.MinThreshold, 10),
		}))
	})
	if err != nil {
		return StockItem{}, err
	}

	r.log.Info("item created", "item_id", item.ID, "name", item.Name, "actor", actor)
	return item, nil
}

func (r *Registry) Get(ctx context.Context, id ItemID) (StockItem, error) {
	return r.store.GetItem(ctx, id)
}

func (r *Registry) List(ctx context.Context, includeInactive bool) ([]StockItem, error) {
	return r.store.ListItems(ctx, includeInactive)
}

// Update applies a metadata patch. Balances are untouched; health of
// existing balances follows the new threshold on the next read.
func (r *Registry) Update(ctx context.Context, id ItemID, patch ItemPatch, actor string) (StockItem, error) {
	if patch.IsEmpty() {
		return StockItem{}, &ValidationError{Field: "patch", Message: "nothing to update"}
	}
	if err := validateActor(actor); err != nil {
		return StockItem{}, err
	}

	unlock, err := acquire(ctx, r.locks, r.lockTimeout, id)
	if err != nil {
		return StockItem{}, err
	}
	defer unlock()

	var updated StockItem
	err = r.store.WithTx(ctx, func(s Store) error {
		item, err := s.GetItem(ctx, id)
		if err != nil {
			return err
		}
		details := map[string]string{}
		if patch.Name != nil {
			item.Name = strings.TrimSpace(*patch.Name)
			details["name"] = item.Name
		}
		if patch.Category != nil {
			item.Category = strings.TrimSpace(*patch.Category)
			details["category"] = item.Category
		}
		if patch.Unit != nil {
			item.Unit = strings.TrimSpace(*patch.Unit)
			details["unit"] = item.Unit
		}
		if patch.MinThreshold != nil {
			item.MinThreshold = *patch.MinThreshold
			details["min_threshold"] = strconv.FormatInt(item.MinThreshold, 10)
		}
		if patch.UnitCost != nil {
			item.UnitCost = *patch.UnitCost
			details["unit_cost"] = item.UnitCost.String()
		}
		if err := validateItem(item); err != nil {
			return err
		}
		now := r.now()
		item.UpdatedAt = now
		if err := s.SaveItem(ctx, item); err != nil {
			return err
		}
		updated = item
		return s.AppendAudit(ctx, auditEntry(now, AuditItemUpdated, actor, id, "", details))
	})
	if err != nil {
		return StockItem{}, err
	}

	r.log.Info("item updated", "item_id", id, "actor", actor)
	return updated, nil
}

// Deactivate soft-deletes an item. It fails with ErrConflict while the
// item's balance is positive or when it is already inactive. Inactive
// items reject new movements; corrections of existing ones stay allowed.
func (r *Registry) Deactivate(ctx context.Context, id ItemID, actor string) (StockItem, error) {
	if err := validateActor(actor); err != nil {
		return StockItem{}, err
	}

	unlock, err := acquire(ctx, r.locks, r.lockTimeout, id)
	if err != nil {
		return StockItem{}, err
	}
	defer unlock()

	var deactivated StockItem
	err = r.store.WithTx(ctx, func(s Store) error {
		item, err := s.GetItem(ctx, id)
		if err != nil {
			return err
		}
		if !item.Active {
			return &ConflictError{Resource: "item", ID: string(id), Reason: "already deactivated"}
		}
		balance, err := r.balances.current(ctx, s, id)
		if err != nil {
			return err
		}
		if balance > 0 {
			return &ConflictError{
				Resource: "item", ID: string(id),
				Reason: "still holds " + strconv.FormatInt(balance, 10) + " " + item.Unit + "; withdraw or reverse first",
			}
		}

		now := r.now()
		item.Active = false
		item.DeactivatedAt = &now
		item.UpdatedAt = now
		if err := s.SaveItem(ctx, item); err != nil {
			return err
		}
		deactivated = item
		return s.AppendAudit(ctx, auditEntry(now, AuditItemDeactivated, actor, id, "", map[string]string{
			"balance": strconv.FormatInt(balance, 10),
		}))
	})
	if err != nil {
		r.log.Debug("deactivate rejected", "item_id", id, "actor", actor, "error", err)
		return StockItem{}, err
	}

	r.log.Info("item deactivated", "item_id", id, "actor", actor)
	return deactivated, nil
}

func validateItem(item StockItem) error {
	switch {
	case item.Name == "":
		return &ValidationError{Field: "name", Message: "required"}
	case item.Unit == "":
		return &ValidationError{Field: "unit", Message: "required"}
	case item.MinThreshold < 0:
		return &ValidationError{Field: "min_threshold", Message: "must not be negative"}
	case item.UnitCost.IsNegative():
		return &ValidationError{Field: "unit_cost", Message: "must not be negative"}
	}
	return validateText("name", item.Name)
}
