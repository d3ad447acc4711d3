// Package rhi submits GPU command buffers and reclaims the resources they
// use once the GPU is done with them.
//
// # Overview
//
// Every queue owns a monotonically increasing fence. Submitting work
// signals the fence and yields a [SyncPoint]; once the GPU reaches it,
// everything recorded for that submission may be reused or destroyed.
// Command allocators, command buffers and query heaps are pooled, and a
// [CommandPayload] carries them, together with a private [DeletionQueue],
// from submission to reclamation.
//
// # Quick Start
//
//	import (
//	    "github.com/gogpu/rhi"
//	    _ "github.com/gogpu/rhi/backend/sim"
//	)
//
//	dev, err := rhi.Open("sim")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer dev.Close()
//
//	ctx, _ := dev.NewContext(rhi.QueueGraphics)
//	var pass rhi.TimestampRange
//	_ = ctx.Begin()
//	_ = ctx.BeginTimestamp(&pass)
//	// record into ctx.Native()
//	_ = ctx.EndTimestamp(&pass)
//	_, _ = ctx.Flush(false)
//
//	// Once per frame:
//	dev.ProcessPendingCommands()
//	fmt.Println(pass.Duration())
//
// # Lifecycle
//
// Allocators and command buffers move Idle → InUse/Recording → Submitted →
// Idle. The final transition happens only inside [CommandPayload.Finish],
// which refuses to run before the payload's SyncPoint is reached. Finish
// processes deletions first, then reads back query results, then returns
// buffers and allocators to their pools.
//
// # Backends
//
// Backends implement package driver. backend/sim is an in-process
// simulator used by tests; backend/wgpu runs on gogpu/wgpu HAL devices.
//
// # Validation
//
// Broken usage contracts (finishing a payload early, reading queries before
// resolving them, recycling an object twice) panic while [Config.Validation]
// is set, which is the default. With validation off they are logged and
// returned as [ErrInvalidState].
package rhi

// Version is the current version of the library.
const Version = "0.1.0"
