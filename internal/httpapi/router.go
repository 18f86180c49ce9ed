package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/svitloshop/bonusledger/pkg/bonus"
)

// Config carries the HTTP server settings.
type Config struct {
	ListenAddr     string
	AllowedOrigins []string
}

// Validate rejects configurations the server cannot run with.
func (config Config) Validate() error {
	if config.ListenAddr == "" {
		return fmt.Errorf("%w: listen address is required", bonus.ErrInvalidServiceConfig)
	}
	return nil
}

// NewRouter builds the gin engine with all bonus routes mounted.
func NewRouter(config Config, handler *Handler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	origins := config.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Content-Type", "Origin", "Accept"},
		MaxAge:       12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.POST("/order-reserve", handler.handleOrderReserve)
	router.POST("/order-complete", handler.handleOrderComplete)
	router.POST("/order-cancel", handler.handleOrderCancel)
	router.POST("/lead-reserve", handler.handleLeadReserve)
	router.POST("/accrue", handler.handleAccrue)

	router.GET("/balance", handler.handleBalance)
	router.GET("/check-expiry", handler.handleCheckExpiry)
	router.GET("/history", handler.handleHistory)

	return router
}

// Run serves the router until the context is cancelled, then shuts down
// gracefully.
func Run(ctx context.Context, config Config, handler *Handler, logger *zap.Logger) error {
	if err := config.Validate(); err != nil {
		return err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	server := &http.Server{
		Addr:    config.ListenAddr,
		Handler: NewRouter(config, handler),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("bonus api listening", zap.String("addr", config.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
