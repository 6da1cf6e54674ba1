// Package ingest pulls result sheets for finished tasks and stores the rows
// that have not been seen for that sheet before.
package ingest
