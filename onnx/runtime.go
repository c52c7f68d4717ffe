package onnx

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"

	ort "github.com/yalue/onnxruntime_go"
)

// candidates are probed in order when no library path is configured.
var candidates = map[string][]string{
	"linux": {
		filepath.Join("onnxlibs", "libonnxruntime.so"),
		"/usr/local/lib/libonnxruntime.so",
		"/usr/lib/libonnxruntime.so",
	},
	"darwin": {
		filepath.Join("onnxlibs", "libonnxruntime.dylib"),
		"/usr/local/lib/libonnxruntime.dylib",
		"/opt/homebrew/lib/libonnxruntime.dylib",
	},
	"windows": {
		filepath.Join("onnxlibs", "onnxruntime.dll"),
	},
}

// LibPath returns configured when set, otherwise the first existing
// candidate for this OS, or "" when none is found.
func LibPath(configured string) string {
	if configured != "" {
		return configured
	}
	return firstExisting(candidates[runtime.GOOS])
}

func firstExisting(paths []string) string {
	for _, p := range paths {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p
		}
	}
	return ""
}

// Init points onnxruntime_go at the shared library and initializes the
// process-wide environment. Calling it again after success is a no-op.
func Init(configured string) error {
	if ort.IsInitialized() {
		return nil
	}
	libPath := LibPath(configured)
	if libPath == "" {
		slog.Warn("ONNX Runtime library path could not be determined, relying on the loader default",
			slog.String("os", runtime.GOOS))
	} else {
		slog.Info("Using ONNX Runtime library", slog.String("path", libPath))
		ort.SetSharedLibraryPath(libPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX Runtime environment: %w", err)
	}
	return nil
}

func Destroy() {
	if !ort.IsInitialized() {
		return
	}
	if err := ort.DestroyEnvironment(); err != nil {
		slog.Error("Failed to destroy ONNX Runtime environment", slog.String("error", err.Error()))
	}
}
