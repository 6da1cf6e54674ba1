// Package tasksync keeps local parse tasks in step with the external queue.
//
// Admission hands at most one task to the queue at a time and only inside
// the operating window. Reconciliation copies queue-side state back onto
// local tasks; it runs at any hour. The daily reset recycles every task
// that has not failed.
package tasksync
