// Package scheduler decides when named jobs fire and hands each firing to the
// job engine. It knows two trigger kinds: a fixed interval whose first fire
// can be pinned to a stored next-run time, and a daily trigger at a whole hour.
// After every fire it persists the last and next run through a RunRecorder.
package scheduler
