// Package gateway orchestrates the broxy server components.
//
// # Overview
//
// A Gateway builds and runs whatever a role needs:
//
//	RoleAll      bus + control planes + front-ends in one process
//	RoleControl  bus + control planes (+ ledger, admin gRPC, tailnet listener)
//	RoleProxy    bus + front-ends
//
// Split roles must share a Redis bus; the memory bus is refused outside
// RoleAll because nothing could reach the other half.
//
// # Listeners
//
//   - proxy.addr: forward-proxy entry, plus origin-form GET /health and metrics
//   - control.addr: worker WebSocket, /health, /health/ready, /stats, metrics
//   - tailscale: the same worker endpoint on the tailnet, when enabled
//   - control.admin_grpc_addr: broxy.admin.v1.Admin and grpc.health.v1.Health
//
// # Shutdown
//
// Cancelling Run's context stops the front-ends and control planes first
// (closing worker sockets and releasing held clients), then the admin server,
// the tailnet node, the ledger (after flushing buffered outcomes) and finally
// the bus.
package gateway
