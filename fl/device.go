package fl

import "github.com/hashicorp/go-hclog"

// resolveDevice maps the gpu_id option to a device name. Tensors are
// gonum matrices, so a GPU request only produces a warning.
func resolveDevice(gpuID int, logger hclog.Logger) string {
	if gpuID >= 0 {
		logger.Warn("no accelerator backend, falling back to cpu", "gpu_id", gpuID)
	}
	return "cpu"
}
