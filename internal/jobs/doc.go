// Package jobs binds each scheduled job kind to the code it runs and keeps
// the stored schedule table, the scheduler and manual runs in step.
package jobs
