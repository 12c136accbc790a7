package services

import (
	"errors"
	"fmt"

	"github.com/matixlol/caloric/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ResponseCache persists upstream responses so identical searches and
// repeated item lookups never re-hit the rate-limited provider. Lookups
// return nil (no error) when nothing is cached.
type ResponseCache interface {
	FindCachedSearch(t SearchParams) (*models.SearchResponse, error)
	FindCachedDetail(foodID, version string) (*models.FoodDetailResponse, error)
	InsertSearch(rec *models.SearchResponse) error
	InsertDetail(rec *models.FoodDetailResponse) error
}

type gormResponseCache struct {
	db *gorm.DB
}

func NewResponseCache(db *gorm.DB) ResponseCache {
	return &gormResponseCache{db: db}
}

func (c *gormResponseCache) FindCachedSearch(t SearchParams) (*models.SearchResponse, error) {
	var rec models.SearchResponse
	err := c.db.
		Where("query = ? AND \"offset\" = ? AND max_items = ? AND country_code = ? AND resource_type = ?",
			t.Query, t.Offset, t.MaxItems, t.CountryCode, t.ResourceType).
		Order("created_at DESC, id DESC").
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query search cache: %w", err)
	}
	return &rec, nil
}

func (c *gormResponseCache) FindCachedDetail(foodID, version string) (*models.FoodDetailResponse, error) {
	var rec models.FoodDetailResponse
	err := c.db.
		Where("food_id = ? AND version = ?", foodID, version).
		Order("created_at DESC, id DESC").
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query detail cache: %w", err)
	}
	return &rec, nil
}

func (c *gormResponseCache) InsertSearch(rec *models.SearchResponse) error {
	if err := c.db.Create(rec).Error; err != nil {
		return fmt.Errorf("failed to insert search response: %w", err)
	}
	return nil
}

// InsertDetail is a no-op when the (search, food, version) triple already
// exists, so concurrent writers only ever duplicate-attempt harmlessly.
func (c *gormResponseCache) InsertDetail(rec *models.FoodDetailResponse) error {
	err := c.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "search_response_id"}, {Name: "food_id"}, {Name: "version"},
		},
		DoNothing: true,
	}).Create(rec).Error
	if err != nil {
		return fmt.Errorf("failed to insert detail response: %w", err)
	}
	return nil
}
