// Package agent builds the LLM clients that back the consensus oracle.
//
// The package is organised as follows:
//   - llm: the provider-neutral client interface and middleware chaining
//   - llmerrors: classified provider errors used by the resilience middleware
//   - middleware: metrics, validation and resilience (circuit, retry, rate limit, timeout)
//   - internal/llmimpl: provider adapters for Anthropic, OpenAI, Gemini and Ollama
//
// ClientFactory wires these together from a config.Config and hands out
// oracle.Oracle values ready for the consensus loop.
package agent
