// Package app provides the application layer.
//
// Holds the in-memory subscription index, the EventSub reconciliation loop and the
// subscription use cases. Sits between the HTTP/webhook adapters and the domain
// repositories. Depends on domain interfaces, not concrete implementations.
package app
