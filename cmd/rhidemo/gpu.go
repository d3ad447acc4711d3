//go:build !nogpu

package main

import (
	_ "github.com/gogpu/rhi/backend/wgpu"

	// Register the Vulkan HAL backend via init().
	_ "github.com/gogpu/wgpu/hal/vulkan"
)
