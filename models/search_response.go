package models

import (
	"time"

	"gorm.io/datatypes"
)

// SearchResponse is one upstream search fetch, keyed for cache lookup by the
// exact request tuple. Rows are insert-only; re-fetches add a newer row and
// the newest wins on lookup.
type SearchResponse struct {
	ID           uint   `gorm:"primaryKey"`
	Query        string `gorm:"index:idx_search_tuple;not null"`
	Offset       int    `gorm:"index:idx_search_tuple"`
	MaxItems     int    `gorm:"index:idx_search_tuple"`
	CountryCode  string `gorm:"index:idx_search_tuple;size:8"`
	ResourceType string `gorm:"index:idx_search_tuple;size:32"`
	URL          string
	Status       int
	JSON         datatypes.JSON `gorm:"type:jsonb"`
	Text         *string
	CreatedAt    time.Time
}

// FoodDetailResponse is one item-detail fetch attached to a search. The
// (search, food, version) triple is unique; duplicate inserts are dropped at
// the database so concurrent enrichment never conflicts. Status 0 marks a
// fetch that failed before producing an HTTP response; Text then carries the
// error message.
type FoodDetailResponse struct {
	ID               uint   `gorm:"primaryKey"`
	SearchResponseID uint   `gorm:"uniqueIndex:idx_detail_triple;index"`
	FoodID           string `gorm:"uniqueIndex:idx_detail_triple;index:idx_detail_pair;size:64"`
	Version          string `gorm:"uniqueIndex:idx_detail_triple;index:idx_detail_pair;size:64"`
	URL              string
	Status           int
	JSON             datatypes.JSON `gorm:"type:jsonb"`
	Text             *string
	CreatedAt        time.Time
}
