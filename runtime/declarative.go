package runtime

import (
	"fmt"
	"strings"

	"github.com/Jeffail/gabs/v2"
)

const defaultPageSize = 50

// templateEnv builds the expression environment for one page of a declarative
// request. Pagination position is merged into sourceData so templates can
// reference sourceData.offset, sourceData.page, sourceData.limit and
// sourceData.cursor alongside the step input.
func templateEnv(in BuildInput) map[string]any {
	source := make(map[string]any, len(in.InputData)+5)
	for k, v := range in.InputData {
		source[k] = v
	}
	source["offset"] = in.Pagination.Offset
	source["page"] = in.Pagination.Page
	source["limit"] = in.Pagination.Limit
	source["cursor"] = in.Pagination.Cursor
	source["totalFetched"] = in.Pagination.TotalFetched

	credentials := make(map[string]any, len(in.Credentials))
	for k, v := range in.Credentials {
		credentials[k] = v
	}

	return map[string]any{
		"sourceData":  source,
		"credentials": credentials,
	}
}

// declarativeBuilder turns an author-provided config into a RequestBuilder:
// every template is re-evaluated per page so pagination variables take
// effect on each iteration.
func declarativeBuilder(eval *ExpressionEvaluator, step *Step, cfg *DeclarativeConfig) RequestBuilder {
	return func(in BuildInput) (*ResolvedRequest, error) {
		env := templateEnv(in)

		rawURL := cfg.URL
		if rawURL == "" {
			rawURL = step.URL
		}
		resolvedURL, err := eval.Interpolate(rawURL, env)
		if err != nil {
			return nil, fmt.Errorf("error resolving url: %w", err)
		}

		method := cfg.Method
		if method == "" {
			method = step.Method
		}
		if method == "" {
			method = "GET"
		}

		headers, err := eval.InterpolateMap(cfg.Headers, env)
		if err != nil {
			return nil, fmt.Errorf("error resolving headers: %w", err)
		}

		query, err := eval.InterpolateMap(cfg.QueryParams, env)
		if err != nil {
			return nil, fmt.Errorf("error resolving query params: %w", err)
		}

		body, err := eval.Interpolate(cfg.Body, env)
		if err != nil {
			return nil, fmt.Errorf("error resolving body: %w", err)
		}

		headers = applyAuth(cfg.AuthKind, headers, in.Credentials)

		return &ResolvedRequest{
			URL:         resolvedURL,
			Method:      strings.ToUpper(method),
			Headers:     headers,
			QueryParams: query,
			Body:        body,
			Credentials: in.Credentials,
		}, nil
	}
}

// applyAuth injects an Authorization header for the declared auth kind when
// the author didn't set one explicitly. Token lookup prefers the scoped
// credential names the generator also sees.
func applyAuth(kind string, headers map[string]string, credentials map[string]string) map[string]string {
	if kind == "" || kind == "none" {
		return headers
	}
	if headers == nil {
		headers = make(map[string]string, 1)
	}
	if _, ok := headers["Authorization"]; ok {
		return headers
	}

	token := credentials["token"]
	if token == "" {
		token = credentials["apiKey"]
	}
	if token == "" {
		token = credentials["api_key"]
	}

	switch kind {
	case "bearer":
		if token != "" {
			headers["Authorization"] = "Bearer " + token
		}
	case "apikey", "api_key":
		if token != "" {
			headers["Authorization"] = token
		}
	}
	return headers
}

// declarativePager derives a PaginationHandler from a pagination descriptor.
// Returns nil when the config does not paginate.
func declarativePager(eval *ExpressionEvaluator, cfg *DeclarativeConfig) PaginationHandler {
	p := cfg.Pagination
	if p == nil || p.Type == PaginationDisabled || p.Type == "" {
		return nil
	}

	pageSize := p.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	return func(in PageInput) (PageDirective, error) {
		var data any
		var headers map[string]string
		if in.Response != nil {
			data = in.Response.Data
			headers = in.Response.Headers
		}

		items, _ := ToArray(ExtractPath(data, cfg.DataPath))
		directive := PageDirective{ResultSize: len(items)}

		switch p.Type {
		case PaginationCursorBased:
			cursor := ExtractPath(data, p.CursorPath)
			directive.Cursor = cursor
			directive.HasMore = cursor != nil && cursor != ""
		default: // offsetBased, pageBased
			directive.HasMore = directive.ResultSize >= pageSize && directive.ResultSize > 0
		}

		if p.StopCondition != "" {
			stop, err := eval.Eval(p.StopCondition, map[string]any{
				"response": map[string]any{"data": data, "headers": headers},
				"pageInfo": map[string]any{
					"page":         in.PageInfo.Page,
					"offset":       in.PageInfo.Offset,
					"cursor":       in.PageInfo.Cursor,
					"totalFetched": in.PageInfo.TotalFetched,
				},
			})
			if err != nil {
				return PageDirective{}, fmt.Errorf("error evaluating stop condition: %w", err)
			}
			if shouldStop, ok := stop.(bool); ok && shouldStop {
				directive.HasMore = false
			}
		}

		return directive, nil
	}
}

// ExtractPath navigates a dotted path into decoded JSON data. An empty path
// returns the data unchanged; a missing path returns nil.
func ExtractPath(data any, path string) any {
	if path == "" || data == nil {
		return data
	}
	wrapped := gabs.Wrap(data)
	if wrapped == nil {
		return nil
	}
	target := wrapped.Path(strings.TrimPrefix(path, "$."))
	if target == nil {
		return nil
	}
	return target.Data()
}
