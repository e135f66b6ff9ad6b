// Package restapi serves the relay's status over HTTP: the device table with
// port assignments and states, plus an endpoint to trigger a re-enumeration
// pass without waiting for the next poll.
package restapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/phonemirror/go-adb-relay/devicemgmt"
)

const managerKey = "relay_device_manager"

// NewRouter builds the API router around a manager.
func NewRouter(manager *devicemgmt.Manager) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(requestLogger(), gin.Recovery())
	router.Use(func(c *gin.Context) {
		c.Set(managerKey, manager)
		c.Next()
	})
	v1 := router.Group("/api/v1")
	v1.GET("/devices", listDevices)
	v1.POST("/refresh", triggerRefresh)
	return router
}

// Serve runs the API until ctx is cancelled.
func Serve(ctx context.Context, manager *devicemgmt.Manager, port int) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: NewRouter(manager),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	log.WithField("port", port).Info("status api listening")
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func listDevices(c *gin.Context) {
	manager := c.MustGet(managerKey).(*devicemgmt.Manager)
	c.JSON(http.StatusOK, manager.Snapshot())
}

func triggerRefresh(c *gin.Context) {
	manager := c.MustGet(managerKey).(*devicemgmt.Manager)
	manager.Refresh()
	c.Status(http.StatusAccepted)
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(log.Fields{
			"status":   c.Writer.Status(),
			"duration": time.Since(start),
			"path":     c.Request.URL.Path,
		}).Debug("http request")
	}
}
