// Package adapters contains infrastructure implementations of port interfaces.
//
// This package is the ADAPTER LAYER in hexagonal architecture. It implements
// the port interfaces defined in internal/ports using concrete technologies
// (fsnotify, client-go, go-spiffe, chi) and translates between external
// systems and the decoding, resolution and validation core.
//
// Hexagonal Architecture Boundaries:
//   - Adapters implement: internal/ports interfaces
//   - Adapters import from: internal/domain, internal/ports, internal/pemcodec, external SDKs
//   - Adapters are instantiated: by the root pkiwatch package (composition root)
//   - Core packages (domain, resolver, validation, coordinator): NEVER import concrete adapters
//
// Adapter Organization
//
//   - inbound/   - Adapters that receive external requests
//   - outbound/  - Adapters that watch external systems for PKI material
//
// Inbound Adapters (Driving Adapters)
//
// httpapi (inbound/httpapi/)
//   - Serves health, readiness, source state, identities and metrics
//   - Technology: chi over net/http, promhttp
//
// Outbound Adapters (Driven Adapters)
//
// filesource (outbound/filesource/)
//   - Implements: ports.Source
//   - Technology: fsnotify on the parent directory, kubelet ..data aware
//
// kubesource (outbound/kubesource/)
//   - Implements: ports.Source
//   - Technology: client-go watch on one Secret, kubeconfig via helm's cli settings
//
// spiffesource (outbound/spiffesource/)
//   - Implements: ports.Source, x509bundle.Source
//   - Technology: go-spiffe Workload API X.509 context stream
package adapters
