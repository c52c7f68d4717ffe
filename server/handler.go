package server

import (
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/krau/tumorscan/model"
	"github.com/krau/tumorscan/service"
)

const (
	msgNoImage     = "No image file provided"
	msgNoSelection = "No file selected"
	msgNotBuilt    = "React app not built. Please build the React app first."
)

type Handler struct {
	pipeline  *service.Pipeline
	models    service.ModelProvider
	allowed   map[string]bool
	invalid   string
	staticDir string
}

func NewHandler(pipeline *service.Pipeline, models service.ModelProvider, allowedExts []string, staticDir string) *Handler {
	allowed := make(map[string]bool, len(allowedExts))
	upper := make([]string, 0, len(allowedExts))
	for _, ext := range allowedExts {
		ext = strings.ToLower(strings.TrimPrefix(ext, "."))
		if ext == "" || allowed[ext] {
			continue
		}
		allowed[ext] = true
		upper = append(upper, strings.ToUpper(ext))
	}
	return &Handler{
		pipeline:  pipeline,
		models:    models,
		allowed:   allowed,
		invalid:   "Invalid file type. Allowed types: " + strings.Join(upper, ", "),
		staticDir: staticDir,
	}
}

func (h *Handler) PredictHandler(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		if errors.Is(err, http.ErrNotMultipart) || errors.Is(err, http.ErrMissingBoundary) {
			c.JSON(http.StatusBadRequest, gin.H{"error": msgNoImage})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to parse upload: " + err.Error()})
		return
	}

	files := form.File["image"]
	if len(files) == 0 {
		// a part without a filename is stored as a plain form value
		if _, ok := form.Value["image"]; ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": msgNoSelection})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": msgNoImage})
		return
	}

	fileHeader := files[0]
	if fileHeader.Filename == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": msgNoSelection})
		return
	}
	if !h.allowedFile(fileHeader.Filename) {
		c.JSON(http.StatusBadRequest, gin.H{"error": h.invalid})
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		slog.Error("Failed to open upload", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	defer file.Close()

	result, err := h.pipeline.Predict(service.FromStream(file))
	if err != nil {
		slog.Error("Prediction failed",
			slog.String("file", fileHeader.Filename),
			slog.String("request_id", c.GetString(requestIDKey)),
			slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"prediction": result,
	})
}

// allowedFile matches the lowercase text after the last dot.
func (h *Handler) allowedFile(filename string) bool {
	i := strings.LastIndex(filename, ".")
	if i < 0 {
		return false
	}
	return h.allowed[strings.ToLower(filename[i+1:])]
}

func (h *Handler) HealthHandler(c *gin.Context) {
	if _, err := h.models.Get(); err != nil {
		if errors.Is(err, model.ErrModelNotLoaded) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "model": "not loaded"})
			return
		}
		slog.Error("Health check failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "model": "loaded"})
}

func (h *Handler) IndexHandler(c *gin.Context) {
	if index, ok := h.staticFile("index.html"); ok {
		c.File(index)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": msgNotBuilt})
}

// StaticHandler serves built front-end assets for unmatched GET requests.
func (h *Handler) StaticHandler(c *gin.Context) {
	if c.Request.Method == http.MethodGet || c.Request.Method == http.MethodHead {
		if file, ok := h.staticFile(c.Request.URL.Path); ok {
			c.File(file)
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
}

func (h *Handler) staticFile(urlPath string) (string, bool) {
	if h.staticDir == "" {
		return "", false
	}
	clean := path.Clean("/" + urlPath)
	full := filepath.Join(h.staticDir, filepath.FromSlash(clean))
	info, err := os.Stat(full)
	if err != nil || info.IsDir() {
		return "", false
	}
	return full, true
}
