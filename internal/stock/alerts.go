package stock

import (
	"context"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/site-materials/internal/shared"
)

// RedisAlertIndex mirrors low-stock flags into one redis set per store so
// dashboards can read them without scanning stock_records.
type RedisAlertIndex struct {
	client *redis.Client
}

// NewRedisAlertIndex constructs the index.
func NewRedisAlertIndex(client *redis.Client) *RedisAlertIndex {
	return &RedisAlertIndex{client: client}
}

// SetLowStock adds or removes the material from the store's low-stock set.
func (i *RedisAlertIndex) SetLowStock(ctx context.Context, storeID, materialID int64, low bool) error {
	if i == nil || i.client == nil {
		return nil
	}
	key := shared.LowStockSetKey(storeID)
	member := strconv.FormatInt(materialID, 10)
	if low {
		return i.client.SAdd(ctx, key, member).Err()
	}
	return i.client.SRem(ctx, key, member).Err()
}

// LowStock lists material ids flagged low in a store.
func (i *RedisAlertIndex) LowStock(ctx context.Context, storeID int64) ([]int64, error) {
	if i == nil || i.client == nil {
		return nil, nil
	}
	members, err := i.client.SMembers(ctx, shared.LowStockSetKey(storeID)).Result()
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}
