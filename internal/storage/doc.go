// Package storage persists tasks, ingested sheet rows, job schedules and
// alert dedup state in SQLite.
//
// Every multi-statement write runs inside one transaction; network calls are
// never made while a transaction is open.
package storage
