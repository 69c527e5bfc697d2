// ABOUTME: Client for the admin gRPC service used by `broxy stats` and `broxy health`
// ABOUTME: Invokes the hand-declared Stats method directly on the connection

package admin

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client talks to a control process's admin endpoint.
type Client struct {
	conn *grpc.ClientConn
}

// Dial creates a client for addr. The connection is established lazily.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Stats fetches the control planes' state as a generic structure.
func (c *Client) Stats(ctx context.Context) (map[string]any, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, statsMethod, &emptypb.Empty{}, out); err != nil {
		return nil, fmt.Errorf("calling Stats: %w", err)
	}
	return out.AsMap(), nil
}

// Health reports the serving status of the admin service.
func (c *Client) Health(ctx context.Context) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := healthpb.NewHealthClient(c.conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("health check: %w", err)
	}
	return resp.GetStatus(), nil
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
