// Package ports defines the outbound ports (interfaces and types) used to
// decouple the coordinator and validation engine from adapters.
//
// Purpose
// -------
// Ports are the boundary between the core and the infrastructure. Adapters
// implement them using external SDKs (client-go, go-spiffe, fsnotify).
//
// Files and responsibilities
// --------------------------
//   - source.go
//   - Source: a watchable origin of PKI material (file, Kubernetes Secret,
//     SPIFFE Workload API) and the Delta it yields.
//   - trust.go
//   - TrustVerifier: the opaque path validator the validation engine
//     delegates chain trust to.
//   - errors.go
//   - SourceError and the retryable/configuration sentinels.
//   - Each interface includes an "Error Contract" in comments describing
//     errors returned by implementations.
package ports
