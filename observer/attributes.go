package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys shared by spans and metrics.
var (
	AttrLLMModel    = attribute.Key("llm.model")
	AttrLLMProvider = attribute.Key("llm.provider")
	AttrWorkflowID  = attribute.Key("workflow.id")
	AttrJobID       = attribute.Key("job.id")
	AttrJobStatus   = attribute.Key("job.status")
	AttrTokensIn    = attribute.Key("llm.tokens.input")
	AttrTokensOut   = attribute.Key("llm.tokens.output")
)
