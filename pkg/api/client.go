package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"

	"github.com/containerd/errdefs/pkg/errgrpc"
	"github.com/containerd/otelttrpc"
	"github.com/containerd/ttrpc"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Client talks to hvagentd.
type Client struct {
	client *ttrpc.Client
}

// Dial connects to the agent socket at path.
func Dial(ctx context.Context, path string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", path, err)
	}
	return NewClient(conn), nil
}

// NewClient wraps an established connection.
func NewClient(conn net.Conn) *Client {
	return &Client{
		client: ttrpc.NewClient(conn,
			ttrpc.WithUnaryClientInterceptor(otelttrpc.UnaryClientInterceptor()),
		),
	}
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.client.Close()
}

func (c *Client) call(ctx context.Context, method string, req, resp any) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", method, err)
	}
	var out wrapperspb.BytesValue
	if err := c.client.Call(ctx, ServiceName, method, wrapperspb.Bytes(payload), &out); err != nil {
		return errgrpc.ToNative(err)
	}
	if resp == nil || len(out.GetValue()) == 0 {
		return nil
	}
	if err := json.Unmarshal(out.GetValue(), resp); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	return nil
}

// Create provisions a VM.
func (c *Client) Create(ctx context.Context, req *CreateRequest) (*VM, error) {
	var vm VM
	if err := c.call(ctx, MethodCreate, req, &vm); err != nil {
		return nil, err
	}
	return &vm, nil
}

// Boot starts VM id.
func (c *Client) Boot(ctx context.Context, id uint64) error {
	return c.call(ctx, MethodBoot, &VMRequest{ID: id}, nil)
}

// Shutdown stops VM id.
func (c *Client) Shutdown(ctx context.Context, id uint64) error {
	return c.call(ctx, MethodShutdown, &VMRequest{ID: id}, nil)
}

// DiskImagePath returns the disk image path recorded for VM id.
func (c *Client) DiskImagePath(ctx context.Context, id uint64) (string, error) {
	var resp DiskImagePathResponse
	if err := c.call(ctx, MethodDiskImagePath, &VMRequest{ID: id}, &resp); err != nil {
		return "", err
	}
	return resp.Path, nil
}

// LaunchProcess hands cpus to the hypervisor.
func (c *Client) LaunchProcess(ctx context.Context, cpus string) error {
	return c.call(ctx, MethodLaunchProcess, &LaunchProcessRequest{CPUs: cpus}, nil)
}

// LaunchTask hands CPUs and images to the hypervisor.
func (c *Client) LaunchTask(ctx context.Context, req *LaunchTaskRequest) error {
	return c.call(ctx, MethodLaunchTask, req, nil)
}

// List returns the VMs known to the agent.
func (c *Client) List(ctx context.Context) (*ListResponse, error) {
	var resp ListResponse
	if err := c.call(ctx, MethodList, &Empty{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
