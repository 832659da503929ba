package api

import "context"

// PathResolver builds endpoint URLs. The support platform has exposed the same
// logical operation under several URL shapes over time, so the resolver offers
// each of them.
type PathResolver interface {
	// accountPath returns the full URL for account-scoped endpoints.
	// Example: accountPath("/contacts") -> "<base>/api/v1/accounts/123/contacts"
	accountPath(path string) string

	// publicPath returns the full URL for public widget endpoints.
	// Example: publicPath("/inboxes/abc/contacts") -> "<base>/public/api/v1/inboxes/abc/contacts"
	publicPath(path string) string

	// rootPath returns the full URL for unscoped endpoints.
	// Example: rootPath("/inboxes/7/contacts") -> "<base>/api/v1/inboxes/7/contacts"
	rootPath(path string) string
}

// HTTPExecutor executes HTTP requests with JSON encoding, retries and
// error mapping.
type HTTPExecutor interface {
	// do executes an HTTP request with JSON body and response parsing.
	do(ctx context.Context, method, url string, body any, result any) error

	// doRaw executes an HTTP request and returns the raw response bytes.
	// Used where the response shape varies and is decoded by shape parsers.
	doRaw(ctx context.Context, method, url string, body any) ([]byte, error)
}

// Requester combines PathResolver and HTTPExecutor to provide
// the complete request surface used by resource helpers.
type Requester interface {
	PathResolver
	HTTPExecutor
}
