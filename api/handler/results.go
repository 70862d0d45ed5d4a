package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/use-agent/stockwatch/catalog"
	"github.com/use-agent/stockwatch/models"
)

// Results reads the latest stored results.
type Results interface {
	Get(location string) (*models.ScrapeResult, bool)
	All() []*models.ScrapeResult
}

// Locations returns a handler for GET /api/v1/locations.
func Locations(cat *catalog.Catalog) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, models.LocationsResponse{Success: true, Locations: cat.All()})
	}
}

// ListResults returns a handler for GET /api/v1/results.
func ListResults(store Results) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, models.ResultsResponse{Success: true, Results: store.All()})
	}
}

// GetResult returns a handler for GET /api/v1/results/:location. The
// location may be a catalog key or storage id.
func GetResult(cat *catalog.Catalog, store Results) gin.HandlerFunc {
	return func(c *gin.Context) {
		loc, ok := cat.Lookup(c.Param("location"))
		if !ok {
			c.JSON(http.StatusNotFound, models.ResultResponse{
				Error: &models.ErrorDetail{Code: models.ErrCodeNotFound, Message: "unknown location"},
			})
			return
		}

		res, ok := store.Get(loc.Key)
		if !ok {
			c.JSON(http.StatusNotFound, models.ResultResponse{
				Error: &models.ErrorDetail{Code: models.ErrCodeNotFound, Message: "no result yet for " + loc.Key},
			})
			return
		}
		c.JSON(http.StatusOK, models.ResultResponse{Success: true, Result: res})
	}
}

// Run returns a handler for POST /api/v1/run. It wakes the scheduler and
// returns immediately.
func Run(sched Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		sched.Trigger()
		c.JSON(http.StatusAccepted, models.RunResponse{Success: true, Queued: true})
	}
}
