package llm

import "context"

// Middleware decorates a client. Resilience, metrics and validation layers
// are all Middleware so the factory can stack them in one place.
type Middleware func(next LLMClient) LLMClient

type clientFunc struct {
	complete  func(context.Context, CompletionRequest) (CompletionResponse, error)
	modelName func() string
}

func (f clientFunc) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	return f.complete(ctx, req)
}

func (f clientFunc) GetModelName() string {
	return f.modelName()
}

// WrapClient builds an LLMClient from a completion function and a model name
// function, usually the wrapped client's GetModelName.
func WrapClient(
	complete func(context.Context, CompletionRequest) (CompletionResponse, error),
	modelName func() string,
) LLMClient {
	return clientFunc{complete: complete, modelName: modelName}
}

// Chain wraps base so that the first middleware sees a request first:
//
//	Chain(raw, metrics, retry, timeout)  =>  metrics -> retry -> timeout -> raw
//
// nil entries are skipped, which lets callers switch layers off in place.
func Chain(base LLMClient, middlewares ...Middleware) LLMClient {
	client := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		if middlewares[i] == nil {
			continue
		}
		client = middlewares[i](client)
	}
	return client
}
