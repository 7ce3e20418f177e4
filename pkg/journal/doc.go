// Package journal persists job runs and the temp resources they stage in a
// SQLite database with embedded schema migrations. The orchestrator writes
// to it as jobs progress; Sweep later removes temp resources whose cleanup
// failed or never ran.
package journal
