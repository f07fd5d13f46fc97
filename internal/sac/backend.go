// Package sac implements Soft Actor-Critic training on top of GoMLX, with
// pluggable actor distributions (a squashed Gaussian MLP or a conditional
// probabilistic circuit).
package sac

import (
	"os"
	"sync"

	"github.com/gomlx/gomlx/backends"
	"k8s.io/klog/v2"
)

var (
	// Backend is a singleton, shared by all models.
	backend = sync.OnceValue(func() backends.Backend { return backends.New() })
)

// SetBackendConfig selects the backend configuration (e.g. "xla:cuda" or
// "xla:cpu") by setting GOMLX_BACKEND, which backends.New honors. It only has
// an effect before the first model is created.
func SetBackendConfig(config string) {
	if config == "" {
		return
	}
	if current := os.Getenv("GOMLX_BACKEND"); current != "" && current != config {
		klog.Infof("GOMLX_BACKEND=%q already set, ignoring requested backend %q", current, config)
		return
	}
	if err := os.Setenv("GOMLX_BACKEND", config); err != nil {
		klog.Warningf("Failed to select backend %q: %v", config, err)
	}
}
