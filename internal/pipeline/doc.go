// Package pipeline runs the admission stages of a GraphQL operation.
//
// The HTTP and websocket transports build a RequestContext (identity
// already resolved), parse and validate the document, then hand the
// Operation to an Executor. Stages run in ascending Order; the first stage
// that returns an error stops the run and the operation is rejected before
// any resolver executes.
//
// # Stages
//
//   - ratelimit (order 10): fixed-window check keyed by identity or client IP
//     and operation class.
//   - complexity (order 20): scores the operation tree and enforces the
//     caller's budget. Introspection operations are exempt.
//
// Each stage records its decision on the RequestContext so the transport can
// emit X-RateLimit-* and X-Query-Complexity headers even when the operation
// is later rejected.
package pipeline
