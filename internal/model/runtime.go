package model

import (
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

var runtimeMu sync.Mutex

// InitRuntime loads the ONNX Runtime shared library once per process. An
// empty libPath keeps the library's platform default.
func InitRuntime(libPath string) error {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()

	if ort.IsInitialized() {
		return nil
	}
	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("%w: failed to initialize ONNX environment: %v", ErrModelUnavailable, err)
	}
	return nil
}

// ShutdownRuntime releases the environment. Sessions must be closed first.
func ShutdownRuntime() error {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()

	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}
