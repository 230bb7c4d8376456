// Package domain defines the core business types for the newsletter engine.
//
// Types in this package have no database dependencies and no HTTP concerns.
// They are the shared language between handlers, services, and repositories.
//
// Rules for this package:
//   - No imports from other internal/ packages
//   - No *sql.DB, no http.Request, no context.Context in struct fields
//   - JSON tags are allowed (they're metadata, not behavior)
//   - Aggregates (Newsletter) enforce their own invariants but never do I/O
//   - Constants and enums belong here
package domain
