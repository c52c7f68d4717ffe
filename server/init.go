package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/krau/tumorscan/config"
	"github.com/krau/tumorscan/service"
)

func NewRouter(cfg config.Config, pipeline *service.Pipeline, models service.ModelProvider) *gin.Engine {
	h := NewHandler(pipeline, models, cfg.AllowedExtensions, cfg.StaticDir)

	r := gin.New()
	r.MaxMultipartMemory = cfg.MaxUploadBytes
	r.Use(gin.Recovery())
	r.Use(RequestID())
	r.Use(Logger())
	r.Use(CORS(cfg.CORSOrigin))
	r.Use(limitBody(cfg.MaxUploadBytes))

	r.GET("/", h.IndexHandler)
	r.POST("/predict", h.PredictHandler)
	r.GET("/health", h.HealthHandler)
	r.NoRoute(h.StaticHandler)
	return r
}

func NewHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         cfg.Addr(),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout.Duration,
		WriteTimeout: cfg.WriteTimeout.Duration,
	}
}

// limitBody caps request bodies; multipart overhead gets 1 MiB of slack.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes+1<<20)
		}
		c.Next()
	}
}
