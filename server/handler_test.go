package server

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/bmp"

	"github.com/krau/tumorscan/config"
	"github.com/krau/tumorscan/model"
	"github.com/krau/tumorscan/service"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeModel struct {
	names model.CategorySet
	data  []float32
}

func (f *fakeModel) Names() model.CategorySet { return f.names }

func (f *fakeModel) Classify(image.Image) (*model.Probs, error) {
	return &model.Probs{Data: append([]float32(nil), f.data...), Top1: model.Argmax(f.data)}, nil
}

func (f *fakeModel) Close() error { return nil }

type failingProvider struct{ err error }

func (p failingProvider) Get() (model.Model, error) { return nil, p.err }

func brainModel() *fakeModel {
	return &fakeModel{
		names: model.CategorySet{"glioma", "meningioma", "notumor", "pituitary"},
		data:  []float32{0.91, 0.05, 0.02, 0.02},
	}
}

func loadedRegistry(t *testing.T, m model.Model) *model.Registry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.onnx")
	require.NoError(t, os.WriteFile(path, []byte("onnx"), 0o644))
	reg := model.NewRegistry(func(string) (model.Model, error) { return m, nil })
	require.NoError(t, reg.Load(path))
	return reg
}

func newTestRouter(t *testing.T, models service.ModelProvider, mutate ...func(*config.Config)) *gin.Engine {
	t.Helper()
	cfg := config.Default()
	cfg.StaticDir = t.TempDir()
	for _, m := range mutate {
		m(&cfg)
	}
	return NewRouter(cfg, service.NewPipeline(models), models)
}

func jpegBytes(t *testing.T, size int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := range size {
		for x := range size {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, 8, 8))))
	return buf.Bytes()
}

// uploadRequest builds a multipart POST /predict. An empty field skips the
// image part entirely.
func uploadRequest(t *testing.T, field, filename string, data []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	require.NoError(t, w.WriteField("note", "scan"))
	if field != "" {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, filename))
		h.Set("Content-Type", "application/octet-stream")
		part, err := w.CreatePart(h)
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/predict", &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func serve(r http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestPredict_EndToEnd(t *testing.T) {
	r := newTestRouter(t, loadedRegistry(t, brainModel()))

	rec := serve(r, uploadRequest(t, "image", "glioma.jpg", jpegBytes(t, 224)))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{
		"success": true,
		"prediction": {
			"class": "glioma",
			"confidence": 0.91,
			"probabilities": {"glioma": 0.91, "meningioma": 0.05, "notumor": 0.02, "pituitary": 0.02}
		}
	}`, rec.Body.String())
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestPredict_Deterministic(t *testing.T) {
	r := newTestRouter(t, loadedRegistry(t, brainModel()))
	data := jpegBytes(t, 64)

	first := serve(r, uploadRequest(t, "image", "a.jpeg", data))
	second := serve(r, uploadRequest(t, "image", "a.jpeg", data))
	require.Equal(t, http.StatusOK, first.Code)
	require.Equal(t, first.Body.String(), second.Body.String())
}

func TestPredict_BadRequests(t *testing.T) {
	r := newTestRouter(t, loadedRegistry(t, brainModel()))
	invalid := "Invalid file type. Allowed types: PNG, JPG, JPEG, GIF, BMP"

	cases := map[string]struct {
		req  *http.Request
		want string
	}{
		"missing field":   {uploadRequest(t, "", "", nil), "No image file provided"},
		"empty filename":  {uploadRequest(t, "image", "", nil), "No file selected"},
		"text file":       {uploadRequest(t, "image", "scan.txt", []byte("hello")), invalid},
		"no extension":    {uploadRequest(t, "image", "scan", pngBytes(t)), invalid},
		"dot in the name": {uploadRequest(t, "image", "scan.png.exe", pngBytes(t)), invalid},
		"not multipart":   {httptest.NewRequest(http.MethodPost, "/predict", strings.NewReader("{}")), "No image file provided"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			rec := serve(r, tc.req)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			require.JSONEq(t, fmt.Sprintf(`{"error": %q}`, tc.want), rec.Body.String())
		})
	}
}

func TestPredict_ExtensionCaseInsensitive(t *testing.T) {
	r := newTestRouter(t, loadedRegistry(t, brainModel()))

	rec := serve(r, uploadRequest(t, "image", "SCAN.PNG", pngBytes(t)))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestPredict_ConfiguredExtensions(t *testing.T) {
	r := newTestRouter(t, loadedRegistry(t, brainModel()), func(c *config.Config) {
		c.AllowedExtensions = []string{".png", "PNG", "webp"}
	})

	rec := serve(r, uploadRequest(t, "image", "scan.jpg", jpegBytes(t, 8)))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.JSONEq(t, `{"error": "Invalid file type. Allowed types: PNG, WEBP"}`, rec.Body.String())
}

func TestPredict_PipelineFailures(t *testing.T) {
	t.Run("model not loaded", func(t *testing.T) {
		reg := model.NewRegistry(func(string) (model.Model, error) { return brainModel(), nil })
		r := newTestRouter(t, reg)

		rec := serve(r, uploadRequest(t, "image", "scan.png", pngBytes(t)))
		require.Equal(t, http.StatusInternalServerError, rec.Code)
		require.JSONEq(t, `{"error": "model not loaded"}`, rec.Body.String())
	})

	t.Run("corrupt image", func(t *testing.T) {
		r := newTestRouter(t, loadedRegistry(t, brainModel()))

		rec := serve(r, uploadRequest(t, "image", "scan.png", []byte("definitely not a png")))
		require.Equal(t, http.StatusInternalServerError, rec.Code)
		require.Contains(t, rec.Body.String(), "failed to decode image")
	})

	t.Run("zero-size image", func(t *testing.T) {
		r := newTestRouter(t, loadedRegistry(t, brainModel()))

		var buf bytes.Buffer
		require.NoError(t, bmp.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 0, 0))))

		rec := serve(r, uploadRequest(t, "image", "empty.bmp", buf.Bytes()))
		require.Equal(t, http.StatusInternalServerError, rec.Code)
		require.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))
		require.Contains(t, rec.Body.String(), "failed to decode image")
		require.Contains(t, rec.Body.String(), "empty image")
	})
}

func TestPredict_TooLarge(t *testing.T) {
	r := newTestRouter(t, loadedRegistry(t, brainModel()), func(c *config.Config) {
		c.MaxUploadBytes = 1024
	})

	rec := serve(r, uploadRequest(t, "image", "big.png", bytes.Repeat([]byte{1}, 2<<20)))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "Failed to parse upload")
}

func TestHealth(t *testing.T) {
	reg := model.NewRegistry(func(string) (model.Model, error) { return brainModel(), nil })
	r := newTestRouter(t, reg)

	rec := serve(r, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.JSONEq(t, `{"status": "unhealthy", "model": "not loaded"}`, rec.Body.String())

	// a failed load keeps the service unhealthy
	require.Error(t, reg.Load(filepath.Join(t.TempDir(), "missing.onnx")))
	rec = serve(r, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	path := filepath.Join(t.TempDir(), "model.onnx")
	require.NoError(t, os.WriteFile(path, []byte("onnx"), 0o644))
	require.NoError(t, reg.Load(path))

	rec = serve(r, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status": "healthy", "model": "loaded"}`, rec.Body.String())
}

func TestHealth_UnexpectedErrorIsNotMasked(t *testing.T) {
	r := newTestRouter(t, failingProvider{err: errors.New("registry corrupted")})

	rec := serve(r, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "registry corrupted")
}

func TestIndex(t *testing.T) {
	dir := t.TempDir()
	r := newTestRouter(t, loadedRegistry(t, brainModel()), func(c *config.Config) {
		c.StaticDir = dir
	})

	rec := serve(r, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"message": "React app not built. Please build the React app first."}`, rec.Body.String())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<h1>scan</h1>"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "static"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "static", "app.js"), []byte("run()"), 0o644))

	rec = serve(r, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "<h1>scan</h1>", rec.Body.String())

	rec = serve(r, httptest.NewRequest(http.MethodGet, "/static/app.js", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "run()", rec.Body.String())

	rec = serve(r, httptest.NewRequest(http.MethodGet, "/static", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
	rec = serve(r, httptest.NewRequest(http.MethodGet, "/missing.css", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStaticFile_StaysInsideDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("x"), 0o644))
	h := NewHandler(nil, nil, nil, dir)

	full, ok := h.staticFile("/../../index.html")
	require.True(t, ok)
	require.Equal(t, filepath.Join(dir, "index.html"), full)

	_, ok = NewHandler(nil, nil, nil, "").staticFile("/index.html")
	require.False(t, ok)
}

func TestCORS(t *testing.T) {
	r := newTestRouter(t, loadedRegistry(t, brainModel()), func(c *config.Config) {
		c.CORSOrigin = "http://localhost:3000"
	})

	rec := serve(r, httptest.NewRequest(http.MethodOptions, "/predict", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
	require.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "POST")

	rec = serve(r, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRequestID_Echoed(t *testing.T) {
	r := newTestRouter(t, loadedRegistry(t, brainModel()))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := serve(r, req)
	require.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
}
