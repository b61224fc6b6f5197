package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"time"

	"github.com/ytget/ytdl-web/internal/model"
	"github.com/ytget/ytdl-web/internal/transport"
)

const tasksKey = "tasks"

func taskKey(id string) string { return "task:" + id }

// HashStore keeps each snapshot as a transport hash under task:<id> and the
// ids in the tasks set
type HashStore struct {
	tr  transport.Transport
	ttl time.Duration
}

// NewHashStore creates a store over tr. A positive ttl expires snapshots that
// are not saved again within it.
func NewHashStore(tr transport.Transport, ttl time.Duration) *HashStore {
	return &HashStore{tr: tr, ttl: ttl}
}

func (h *HashStore) Save(ctx context.Context, s model.TaskSnapshot) error {
	if s.ID == "" {
		return fmt.Errorf("snapshot id is empty")
	}
	key := taskKey(s.ID)
	if err := h.tr.HSet(ctx, key, s.ToHash()); err != nil {
		return err
	}
	if err := h.tr.SAdd(ctx, tasksKey, s.ID); err != nil {
		return err
	}
	if h.ttl > 0 {
		return h.tr.Expire(ctx, key, h.ttl)
	}
	return nil
}

func (h *HashStore) Get(ctx context.Context, id string) (model.TaskSnapshot, error) {
	fields, err := h.tr.HGetAll(ctx, taskKey(id))
	if err != nil {
		return model.TaskSnapshot{}, err
	}
	if len(fields) == 0 {
		return model.TaskSnapshot{}, model.NotFound(id)
	}
	return model.SnapshotFromHash(fields)
}

// List returns snapshots ordered by id. Ids whose hash expired are pruned
// from the index.
func (h *HashStore) List(ctx context.Context) ([]model.TaskSnapshot, error) {
	ids, err := h.tr.SMembers(ctx, tasksKey)
	if err != nil {
		return nil, err
	}
	slices.Sort(ids)

	var stale []string
	list := make([]model.TaskSnapshot, 0, len(ids))
	for _, id := range ids {
		s, err := h.Get(ctx, id)
		switch {
		case err == nil:
			list = append(list, s)
		case errors.Is(err, model.ErrTaskNotFound):
			stale = append(stale, id)
		default:
			log.Printf("store: skipping snapshot %s: %v", id, err)
		}
	}
	if len(stale) > 0 {
		if err := h.tr.SRem(ctx, tasksKey, stale...); err != nil {
			log.Printf("store: prune %d stale ids: %v", len(stale), err)
		}
	}
	return list, nil
}

func (h *HashStore) Delete(ctx context.Context, id string) error {
	if err := h.tr.Del(ctx, taskKey(id)); err != nil {
		return err
	}
	return h.tr.SRem(ctx, tasksKey, id)
}
