// Package skiff is a minimal autonomous software-engineering agent runner.
//
// It drives a language model in a loop: the model emits a shell command in a
// tagged code block (or a native tool call), a sandboxed environment executes
// it, and the output is fed back as the next user turn. The loop ends when
// the model emits the submission sentinel, a step or cost limit is exceeded,
// or an unrecoverable error occurs. The full conversation trajectory is
// rewritten to disk after every step.
//
// The root package holds the shared contracts (Model, Environment, Tracer),
// the message log data model, the agent loop, and the trajectory store.
// Concrete backends live in subpackages: model/litellm and model/openaicompat
// for the LM client, environment/local and environment/docker for execution,
// interactive for the human-in-the-loop frontend, and batch for bounded
// parallel orchestration.
package skiff
