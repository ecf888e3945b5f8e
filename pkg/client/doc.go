// Package client is the HTTP client for the markhive server API.
//
// It wraps the sync, subtree and namespace endpoints, classifies
// response errors by transience for the retry layer, and exposes the SSE
// event stream as a channel of decoded events.
package client
