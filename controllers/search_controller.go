package controllers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/matixlol/caloric/services"

	"github.com/gin-gonic/gin"
)

type SearchController struct {
	SearchSvc *services.SearchService
	Rek       *services.RekognitionService
}

func NewSearchController(search *services.SearchService, rek *services.RekognitionService) *SearchController {
	return &SearchController{SearchSvc: search, Rek: rek}
}

// GET /food/search?query=banana&offset=0&maxItems=20&countryCode=US&resourceType=food&includeDetails=true
func (sc *SearchController) Search(c *gin.Context) {
	query := strings.TrimSpace(c.Query("query"))
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "query is required"})
		return
	}

	params := services.SearchParams{
		Query:        query,
		Offset:       intQuery(c, "offset", 0),
		MaxItems:     intQuery(c, "maxItems", 20),
		CountryCode:  c.DefaultQuery("countryCode", "US"),
		ResourceType: c.DefaultQuery("resourceType", "food"),
	}
	includeDetails := c.DefaultQuery("includeDetails", "false") == "true"

	out, err := sc.SearchSvc.ExecuteSearch(c.Request.Context(), params, includeDetails)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, out)
}

// POST /food/recognize  { "image_base64": "data:…" }
func (sc *SearchController) Recognize(c *gin.Context) {
	var req struct {
		ImageBase64 string `json:"image_base64" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}

	labels, err := sc.Rek.RecognizeLabels(req.ImageBase64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(labels) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no labels detected"})
		return
	}

	params := services.SearchParams{
		Query:        labels[0],
		MaxItems:     10,
		CountryCode:  "US",
		ResourceType: "food",
	}
	out, err := sc.SearchSvc.ExecuteSearch(c.Request.Context(), params, false)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"labels": labels, "search": out})
}

func intQuery(c *gin.Context, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
