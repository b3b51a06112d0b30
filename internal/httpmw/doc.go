// Package httpmw holds the HTTP middleware stack: request IDs, client IP
// resolution, request-scoped logging, panic recovery, and the admission
// middleware that gates routes behind named limit policies.
package httpmw
