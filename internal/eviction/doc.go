// Package eviction reclaims storage held by Reference and Session workspaces.
//
// A sweep removes expired entries, then evicts the least recently accessed
// entries while the total recorded index size exceeds the registry's cap.
// The Primary workspace is never a candidate. Store directories with no
// registry entry are recorded as orphans and only deleted by CleanOrphans
// once their grace period has passed.
//
// Every eviction deletes the physical store before the registry entry. When
// the delete fails the entry is kept and marked Degraded.
package eviction
