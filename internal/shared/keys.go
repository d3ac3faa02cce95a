package shared

import "fmt"

// StockKey identifies the stock record of one material in one store.
func StockKey(materialID, storeID int64) string {
	return fmt.Sprintf("stock:%d:%d", materialID, storeID)
}

// LowStockSetKey builds the redis set holding low-stock material ids of a store.
func LowStockSetKey(storeID int64) string {
	return fmt.Sprintf("stock:store:%d:low", storeID)
}

// IssueIdempotencyKey scopes a caller supplied key to one request.
func IssueIdempotencyKey(requestID int64, key string) string {
	return fmt.Sprintf("issue:%d:%s", requestID, key)
}
