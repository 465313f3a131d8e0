package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for agent-run spans and metrics.
var (
	AttrLLMModel  = attribute.Key("llm.model")
	AttrLLMMethod = attribute.Key("llm.method")

	AttrTokensInput  = attribute.Key("llm.tokens.input")
	AttrTokensOutput = attribute.Key("llm.tokens.output")
	AttrCostUSD      = attribute.Key("llm.cost_usd")

	AttrCommand    = attribute.Key("env.command")
	AttrReturnCode = attribute.Key("env.returncode")
	AttrTimedOut   = attribute.Key("env.timed_out")

	AttrInstanceID = attribute.Key("batch.instance_id")
	AttrExitStatus = attribute.Key("run.exit_status")
)
