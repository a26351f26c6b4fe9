// Package schemasassets provides embedded JSON schemas for standalone binary behavior.
//
// Schemas are embedded at compile time so manifest validation works
// regardless of the working directory or installation location.
package schemasassets

import _ "embed"

// PipelineManifestSchema is the embedded pipeline-manifest JSON schema.
//
//go:embed pipeline-manifest.schema.json
var PipelineManifestSchema []byte
