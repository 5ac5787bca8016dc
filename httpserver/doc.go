/*
Package httpserver serves the worker's HTTP interface:

  - key vault RPC (see package api for the routes and wire types)
  - worker status
  - the attested provisioning route of package provisioning, when mounted
  - /livez, /readyz, /drain, /undrain health endpoints
  - /debug pprof endpoints when enabled

Prometheus metrics are served on a separate listener.
*/
package httpserver
