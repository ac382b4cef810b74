package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Label cardinality is bounded here: run ids are collapsed out of request
// paths and status codes are folded into their class before either becomes
// a metric attribute.

func pathAttr(path string) attribute.KeyValue {
	return attribute.String("path", normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	return attribute.String("status", fmt.Sprintf("%dxx", code/100))
}

// normalizePath maps every per-run URL onto a single label value.
func normalizePath(path string) string {
	const runs = "/v1/runs/"
	if strings.HasPrefix(path, runs) && len(path) > len(runs) {
		return "/v1/runs/{runId}"
	}
	return path
}
