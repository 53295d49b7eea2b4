// Package onnx loads ONNX Runtime and runs an exported VGG feature model to
// extract the fixed style and content targets.
package onnx

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"

	ort "github.com/yalue/onnxruntime_go"
)

// LibEnv overrides the library search when no path is configured.
const LibEnv = "ONNXRUNTIME_LIB"

// LibPath resolves the ONNX Runtime shared library: the configured path,
// then $ONNXRUNTIME_LIB, then the first existing well-known location.
func LibPath(configured string) string {
	path := loadLibPath(configured)
	if path == "" {
		slog.Error("ONNX Runtime library path could not be determined for this OS")
	} else {
		slog.Debug("Using ONNX Runtime library", slog.String("path", path))
	}
	return path
}

func loadLibPath(configured string) string {
	if configured != "" {
		return configured
	}
	if env := os.Getenv(LibEnv); env != "" {
		return env
	}
	candidates := libCandidates(runtime.GOOS)
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	if len(candidates) == 0 {
		return ""
	}
	return candidates[len(candidates)-1]
}

func libCandidates(goos string) []string {
	switch goos {
	case "linux":
		return []string{
			filepath.Join("onnxlibs", "libonnxruntime.so"),
			"/usr/local/lib/libonnxruntime.so",
			"/usr/lib/libonnxruntime.so",
		}
	case "darwin":
		return []string{
			filepath.Join("onnxlibs", "libonnxruntime.dylib"),
			"/opt/homebrew/lib/libonnxruntime.dylib",
			"/usr/local/lib/libonnxruntime.dylib",
		}
	case "windows":
		return []string{
			filepath.Join("onnxlibs", "onnxruntime.dll"),
			"onnxruntime.dll",
		}
	default:
		return nil
	}
}

// Init loads the shared library and creates the process-wide ORT
// environment. The returned function destroys it.
func Init(libPath string) (func(), error) {
	if libPath == "" {
		return nil, fmt.Errorf("no ONNX Runtime library found, set onnx.libonnx or $%s", LibEnv)
	}
	ort.SetSharedLibraryPath(libPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("failed to initialize ONNX Runtime environment: %w", err)
	}
	return func() {
		if err := ort.DestroyEnvironment(); err != nil {
			slog.Warn("Failed to destroy ONNX Runtime environment", slog.String("error", err.Error()))
		}
	}, nil
}
