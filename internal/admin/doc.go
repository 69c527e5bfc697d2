// Package admin serves the control process's gRPC admin endpoint.
//
// # Services
//
//   - broxy.admin.v1.Admin/Stats(google.protobuf.Empty) returns (google.protobuf.Struct)
//   - grpc.health.v1.Health, SERVING while at least one worker is connected
//
// The Admin service has no .proto-generated code: its descriptor is declared
// by hand and its messages are the well-known Empty and Struct types, so
// any gRPC client (grpcurl included) can call it without a schema.
//
// # Stats layout
//
//	{
//	  "instances": [ { "instance": "...", "workers": {...}, "queue": {...}, ... } ],
//	  "outcomes":  { "completed": 12, "expired": 1 },
//	  "uptime_seconds": 3600
//	}
//
// "outcomes" is present only when the ledger is enabled.
package admin
