// Package objectstore persists staged source payloads and generated
// exports. Implementations: GCS bucket (production), in-memory (tests).
//
// Staged sources are keyed `<engine_id>/<sha256>-<original_name>` so a
// payload's key is stable across builds and duplicates collide on the hash.
package objectstore

import (
	"fmt"
)

// StagingKey returns the object key for a staged source payload.
func StagingKey(engineID, contentHash, originalName string) string {
	return fmt.Sprintf("%s/%s-%s", engineID, contentHash, originalName)
}

// EnginePrefix returns the key prefix holding everything staged for an
// engine. Deleting this prefix removes the engine's staged payloads.
func EnginePrefix(engineID string) string {
	return engineID + "/"
}

// ExportKey returns the object key for a generated spreadsheet export.
func ExportKey(exportID string) string {
	return fmt.Sprintf("exports/%s.csv", exportID)
}
