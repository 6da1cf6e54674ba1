// Package httpapi is the operator HTTP surface: health, task registration,
// job listing and manual runs, and the sheet stats and export endpoints
// consumed by downstream systems.
package httpapi
