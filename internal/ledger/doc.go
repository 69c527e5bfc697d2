// Package ledger keeps a SQLite history of finished jobs: who served them,
// how they ended and how long they waited. Nothing here is read back to
// rebuild queue or pool state after a restart.
package ledger
