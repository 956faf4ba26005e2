package telemetry

import "go.opentelemetry.io/otel/attribute"

// Attribute keys shared by spans and metrics.
var (
	AttrLanguage    = attribute.Key("runbox.language")
	AttrExecutionID = attribute.Key("runbox.execution_id")
	AttrOutcome     = attribute.Key("runbox.outcome")
	AttrExitCode    = attribute.Key("runbox.exit_code")
	AttrModule      = attribute.Key("runbox.dependency.module")
	AttrPackage     = attribute.Key("runbox.dependency.package")
)
