// Package onnx owns process-wide ONNX runtime initialization, shared by every
// model-backed adapter.
package onnx

import (
	"os"
	"runtime"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

var (
	once    sync.Once
	initErr error
)

// EnsureRuntime initializes the ONNX runtime environment exactly once per
// process. Initializing twice triggers duplicate schema registration
// warnings, so every adapter must go through this.
//
// The shared library location can be overridden with ONNXRUNTIME_LIB.
func EnsureRuntime() error {
	once.Do(func() {
		if libPath := os.Getenv("ONNXRUNTIME_LIB"); libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		} else if runtime.GOOS == "darwin" {
			ort.SetSharedLibraryPath("/opt/homebrew/lib/libonnxruntime.dylib")
		}
		initErr = ort.InitializeEnvironment()
	})
	return initErr
}
