package middleware

import (
	"net/http"
	"time"

	"telecall/pkg/config"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// NewCORSMiddleware lets the scheduling app call the control surface from
// the configured origins. With no origins configured it passes through.
func NewCORSMiddleware(cfg *config.Config) gin.HandlerFunc {
	if len(cfg.Server.AllowedOrigins) == 0 {
		return func(c *gin.Context) {
			c.Next()
		}
	}
	return cors.New(cors.Config{
		AllowOrigins:  cfg.Server.AllowedOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders:  []string{"Origin", "Content-Type"},
		ExposeHeaders: []string{"Retry-After"},
		MaxAge:        12 * time.Hour,
	})
}
