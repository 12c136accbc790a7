package services

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Food is the normalized snapshot handed to the model and stored per session.
type Food struct {
	ID          string         `json:"id"`
	Version     string         `json:"version,omitempty"`
	Name        string         `json:"name"`
	Brand       string         `json:"brand,omitempty"`
	ServingSize string         `json:"serving_size,omitempty"`
	Nutrition   *FoodNutrition `json:"nutrition,omitempty"`
}

type FoodNutrition struct {
	Calories  *float64 `json:"calories,omitempty"`
	Protein   *float64 `json:"protein,omitempty"`
	Carbs     *float64 `json:"carbs,omitempty"`
	Fat       *float64 `json:"fat,omitempty"`
	Fiber     *float64 `json:"fiber,omitempty"`
	Sugar     *float64 `json:"sugar,omitempty"`
	Sodium    *float64 `json:"sodium,omitempty"`
	Potassium *float64 `json:"potassium,omitempty"`
}

// DetailPair identifies one item for enrichment.
type DetailPair struct {
	FoodID  string
	Version string
}

// The upstream payload shape is not under our control, so everything below
// decodes defensively: absent, null, or oddly-typed fields fall out as
// missing instead of failing the whole payload.

type searchPayload struct {
	Items []struct {
		Item map[string]any `json:"item"`
	} `json:"items"`
}

// extractDetailPairs pulls the (id, version) pairs referenced by a search
// payload, de-duplicated with first occurrence winning, order preserved.
func extractDetailPairs(raw json.RawMessage) []DetailPair {
	var sp searchPayload
	if err := json.Unmarshal(raw, &sp); err != nil {
		return nil
	}
	seen := make(map[DetailPair]struct{})
	var pairs []DetailPair
	for _, entry := range sp.Items {
		id := stringifyID(entry.Item["id"])
		if id == "" {
			continue
		}
		p := DetailPair{FoodID: id, Version: stringifyID(entry.Item["version"])}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		pairs = append(pairs, p)
	}
	return pairs
}

// searchItems returns the raw item maps of a search payload in order.
func searchItems(raw json.RawMessage) []map[string]any {
	var sp searchPayload
	if err := json.Unmarshal(raw, &sp); err != nil {
		return nil
	}
	items := make([]map[string]any, 0, len(sp.Items))
	for _, entry := range sp.Items {
		if entry.Item != nil {
			items = append(items, entry.Item)
		}
	}
	return items
}

// itemFromDetail accepts either {"item": {...}} or a bare item object.
func itemFromDetail(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var wrapped struct {
		Item map[string]any `json:"item"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.Item != nil {
		return wrapped.Item
	}
	var bare map[string]any
	if err := json.Unmarshal(raw, &bare); err == nil {
		return bare
	}
	return nil
}

// normalizeFood merges a search-embedded item with its (optional) detail
// item. Detail fields win field-by-field. Items without a usable name are
// excluded, signalled by a nil return.
func normalizeFood(pair DetailPair, searchItem, detailItem map[string]any) *Food {
	name := firstString(detailItem, searchItem, "name", "description")
	if name == nil || strings.TrimSpace(*name) == "" {
		return nil
	}

	f := &Food{ID: pair.FoodID, Version: pair.Version, Name: strings.TrimSpace(*name)}
	if brand := firstString(detailItem, searchItem, "brand_name"); brand != nil {
		f.Brand = strings.TrimSpace(*brand)
	}
	if ss := servingSizeOf(detailItem); ss != "" {
		f.ServingSize = ss
	} else {
		f.ServingSize = servingSizeOf(searchItem)
	}
	if n := nutritionOf(detailItem); n != nil {
		f.Nutrition = n
	} else {
		f.Nutrition = nutritionOf(searchItem)
	}
	return f
}

// servingSizeOf formats the first serving-size entry exposing a value and/or
// unit as "<value> <unit>", falling back to whichever half is present.
func servingSizeOf(item map[string]any) string {
	if item == nil {
		return ""
	}
	sizes, ok := item["serving_sizes"].([]any)
	if !ok {
		return ""
	}
	for _, raw := range sizes {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		value := asNumber(entry["value"])
		unit := asString(entry["unit"])
		switch {
		case value != nil && unit != nil:
			return fmt.Sprintf("%s %s", formatNumber(*value), *unit)
		case value != nil:
			return formatNumber(*value)
		case unit != nil:
			return *unit
		}
	}
	return ""
}

// nutritionOf maps the upstream nutrient keys to the normalized subset. The
// whole object is omitted when every field is absent.
func nutritionOf(item map[string]any) *FoodNutrition {
	if item == nil {
		return nil
	}
	contents, ok := item["nutritional_contents"].(map[string]any)
	if !ok {
		return nil
	}

	n := &FoodNutrition{
		Protein:   asNumber(contents["protein"]),
		Carbs:     asNumber(contents["carbohydrates"]),
		Fat:       asNumber(contents["fat"]),
		Fiber:     asNumber(contents["fiber"]),
		Sugar:     asNumber(contents["sugar"]),
		Sodium:    asNumber(contents["sodium"]),
		Potassium: asNumber(contents["potassium"]),
	}
	if energy, ok := contents["energy"].(map[string]any); ok {
		n.Calories = asNumber(energy["value"])
	}

	if n.Calories == nil && n.Protein == nil && n.Carbs == nil && n.Fat == nil &&
		n.Fiber == nil && n.Sugar == nil && n.Sodium == nil && n.Potassium == nil {
		return nil
	}
	return n
}

// asNumber accepts numeric literals and numeric strings; non-finite values
// are treated as absent.
func asNumber(v any) *float64 {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return nil
		}
		f = parsed
	default:
		return nil
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

func asString(v any) *string {
	s, ok := v.(string)
	if !ok || s == "" {
		return nil
	}
	return &s
}

// stringifyID normalizes an id or version that may arrive as a JSON string
// or number.
func stringifyID(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func firstString(primary, fallback map[string]any, keys ...string) *string {
	for _, item := range []map[string]any{primary, fallback} {
		if item == nil {
			continue
		}
		for _, key := range keys {
			if s := asString(item[key]); s != nil {
				return s
			}
		}
	}
	return nil
}
