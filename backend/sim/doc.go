// Package sim implements an in-process simulated GPU for package driver.
//
// The simulator keeps a single GPU timeline per device. Submissions and
// fence signals are appended to it and executed in order, either by a
// background goroutine (the default) or explicitly through [Device.Step]
// and [Device.Flush] when created with [WithManualCompletion]. Manual mode
// makes it possible to observe objects while the "GPU" still owns them.
//
// The simulator detects the misuse a real driver would punish with
// corruption: resetting an allocator or command list that is still in
// flight returns [driver.ErrInUse], and destroying an object twice is
// counted in [Stats].
//
// Importing the package registers it as the "sim" backend.
package sim
