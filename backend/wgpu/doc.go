// Package wgpu implements package driver on top of gogpu/wgpu HAL devices.
//
// HAL queues expose a monotonically increasing submission index instead of
// user-signaled fences, so a driver fence is a timeline that maps each
// signaled value to the last submission index issued before it. A value is
// reached once Queue.PollCompleted passes that index.
//
// Command allocators are HAL command encoders. A command list records by
// beginning an encoding on its allocator and ends with EndEncoding; the
// allocator's Reset returns every produced command buffer with ResetAll.
//
// Timestamps are written through empty compute passes with timestamp
// writes, the only way the HAL encoder exposes them. Occlusion queries need
// a render pass and are not supported.
//
// The backend registers itself as "wgpu". HAL backends must be linked in
// separately, for example by importing github.com/gogpu/wgpu/hal/allbackends.
package wgpu
