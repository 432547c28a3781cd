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

// Client calls the admin service.
type Client struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
}

// Dial opens a plaintext client to target. Extra options are appended.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial admin %s: %w", target, err)
	}
	return &Client{conn: conn, health: healthpb.NewHealthClient(conn)}, nil
}

// Close releases the connection.
func (c *Client) Close() error { return c.conn.Close() }

// TriggerAlert asks the service to check alertID now.
func (c *Client) TriggerAlert(ctx context.Context, alertID string) (map[string]any, error) {
	req, err := structpb.NewStruct(map[string]any{"alertId": alertID})
	if err != nil {
		return nil, err
	}
	return c.call(ctx, "TriggerAlert", req)
}

// QueueStats returns the queue counts and breaker state.
func (c *Client) QueueStats(ctx context.Context) (map[string]any, error) {
	return c.call(ctx, "QueueStats", &emptypb.Empty{})
}

// DrainQueue empties the waiting and delayed items.
func (c *Client) DrainQueue(ctx context.Context) (map[string]any, error) {
	return c.call(ctx, "DrainQueue", &emptypb.Empty{})
}

// ListFailed returns up to limit failed items, newest first.
func (c *Client) ListFailed(ctx context.Context, limit int) (map[string]any, error) {
	req, err := structpb.NewStruct(map[string]any{"limit": limit})
	if err != nil {
		return nil, err
	}
	return c.call(ctx, "ListFailed", req)
}

// ListHistory returns up to limit notification records for userID.
func (c *Client) ListHistory(ctx context.Context, userID string, limit int) (map[string]any, error) {
	req, err := structpb.NewStruct(map[string]any{"userId": userID, "limit": limit})
	if err != nil {
		return nil, err
	}
	return c.call(ctx, "ListHistory", req)
}

// Health returns the serving status of the admin service.
func (c *Client) Health(ctx context.Context) (string, error) {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return "", err
	}
	return resp.GetStatus().String(), nil
}

func (c *Client) call(ctx context.Context, method string, req any) (map[string]any, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, fullMethod(method), req, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}
