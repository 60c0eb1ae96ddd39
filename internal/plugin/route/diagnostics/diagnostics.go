package diagnostics

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	registryroute "github.com/chirino/chat-state-service/internal/registry/route"
	"github.com/chirino/chat-state-service/internal/service"
)

func init() {
	registryroute.Register(registryroute.Plugin{
		Order: 200,
		Loader: func(r *gin.Engine) error {
			return nil // routes are mounted by the serve command after scanner init
		},
	})
}

// MountRoutes mounts the integrity diagnostics endpoint.
// GET /v1/diagnostics/integrity returns the current counters; add ?scan=true
// to force a full audit pass inline (slow on large datasets).
func MountRoutes(r *gin.Engine, scanner *service.IntegrityScanner) {
	r.GET("/v1/diagnostics/integrity", func(c *gin.Context) {
		fullScan, _ := strconv.ParseBool(c.DefaultQuery("scan", "false"))

		var (
			report *service.IntegrityReport
			err    error
		)
		if fullScan {
			report, err = scanner.RunPass(c.Request.Context())
		} else {
			report, err = scanner.Report(c.Request.Context())
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, report)
	})
}
