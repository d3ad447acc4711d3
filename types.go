package rhi

import "github.com/gogpu/rhi/driver"

// QueueType identifies a hardware queue family.
type QueueType = driver.QueueType

// Queue types.
const (
	QueueGraphics = driver.QueueGraphics
	QueueCompute  = driver.QueueCompute
	QueueCopy     = driver.QueueCopy

	NumQueueTypes = driver.NumQueueTypes
)

// QueryKind identifies what a query heap measures.
type QueryKind = driver.QueryKind

// Query kinds.
const (
	QueryTimestamp = driver.QueryTimestamp
	QueryOcclusion = driver.QueryOcclusion

	NumQueryKinds = driver.NumQueryKinds
)
