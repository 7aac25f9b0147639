package runtime

import "context"

// Backend executes one resolved request against an external system. One
// implementation per protocol; registered in the Container keyed by URL
// scheme. A backend either returns a response or an error; errors may attach
// a status code via StatusCoder.
type Backend interface {
	Execute(ctx context.Context, req *ResolvedRequest) (*BackendResponse, error)
}

// Initializer lets a backend perform startup work (open clients, start
// background sweeps). Called once by Container.Initialize.
type Initializer interface {
	Initialize(ctx context.Context) error
}

// Shutdowner lets a backend release resources during graceful shutdown.
// Called in reverse registration order by Container.Shutdown.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

// DocsAccessor gives the config generator access to backend documentation.
// Contract only; the crawling subsystem lives elsewhere.
type DocsAccessor interface {
	SearchDocumentation(ctx context.Context, query string) (string, error)
}

// IDChecker is the narrow persistence contract the engine needs: whether an
// identifier is already taken. The datastore itself lives elsewhere.
type IDChecker interface {
	Exists(ctx context.Context, id string) (bool, error)
}
