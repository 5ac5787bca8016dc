// Package clients implements an HTTP client for the worker's key vault and
// status routes. Requests are signed with the owner key.
package clients
