// Package enrich joins records of a secondary resource into the cached
// records of a primary resource once both fetches have resolved.
//
// Each join runs as an Operation that walks a fixed sequence of states:
//
//	AwaitPrimary -> FetchSecondary -> BuildLookup -> Patch -> Done
//
// The primary slot is marked successful before enrichment begins; joins only
// ever add an enriched field to records that are already visible. A failed
// secondary fetch ends the operation in Done without touching the primary
// slot.
//
// The patch is written to the slot key captured when the operation started,
// and only while that slot still holds the data of the same fetch. A newer
// primary fetch starts its own operation.
package enrich
