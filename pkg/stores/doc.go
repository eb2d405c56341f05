// Package stores persists experiment history in SQLite: one row per
// experiment, the last snapshot of each resource, task outcomes, and an
// append-only event log. The schema is managed with embedded migrations.
package stores
