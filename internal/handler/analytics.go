package handler

import (
	"net/http"
	"strconv"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tgpipeline/internal/repository"
)

const (
	defaultTopProductsLimit = 10
	maxTopProductsLimit     = 100
	minSearchQueryLength    = 2
	searchResultLimit       = 20
)

type AnalyticsHandler interface {
	GetTopProducts(c *gin.Context)
	GetChannelActivity(c *gin.Context)
	SearchMessages(c *gin.Context)
}

type analyticsHandler struct {
	repo   repository.AnalyticsRepository
	logger *zap.Logger
}

func NewAnalyticsHandler(repo repository.AnalyticsRepository, logger *zap.Logger) AnalyticsHandler {
	return &analyticsHandler{
		repo:   repo,
		logger: logger,
	}
}

// GetTopProducts handles GET /api/reports/top-products?limit=N
func (h *analyticsHandler) GetTopProducts(c *gin.Context) {
	limit := defaultTopProductsLimit
	if raw, ok := c.GetQuery("limit"); ok {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxTopProductsLimit {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer between 1 and 100"})
			return
		}
		limit = n
	}

	products, err := h.repo.TopProducts(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("Failed to get top products", zap.Int("limit", limit), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve top products"})
		return
	}

	c.JSON(http.StatusOK, products)
}

// GetChannelActivity handles GET /api/channels/:channel_name/activity
func (h *analyticsHandler) GetChannelActivity(c *gin.Context) {
	channel := c.Param("channel_name")

	activity, err := h.repo.ChannelActivity(c.Request.Context(), channel)
	if err != nil {
		h.logger.Error("Failed to get channel activity", zap.String("channel", channel), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve channel activity"})
		return
	}

	c.JSON(http.StatusOK, activity)
}

// SearchMessages handles GET /api/search/messages?query=Q
func (h *analyticsHandler) SearchMessages(c *gin.Context) {
	query := c.Query("query")
	if utf8.RuneCountInString(query) < minSearchQueryLength {
		c.JSON(http.StatusBadRequest, gin.H{"error": "query must be at least 2 characters"})
		return
	}

	results, err := h.repo.SearchMessages(c.Request.Context(), query, searchResultLimit)
	if err != nil {
		h.logger.Error("Failed to search messages", zap.String("query", query), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to search messages"})
		return
	}

	c.JSON(http.StatusOK, results)
}
