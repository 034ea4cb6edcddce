package grpc

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/Dhoini/license-service/pkg/logger"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
)

// ClientOptions настройки для gRPC клиента
type ClientOptions struct {
	Address          string
	Timeout          time.Duration
	UseTLS           bool
	KeepAlive        bool
	KeepAliveTime    time.Duration
	KeepAliveTimeout time.Duration
	// DialOptions дополнительные опции, например dialer для bufconn
	DialOptions []grpc.DialOption
}

// DefaultClientOptions возвращает настройки по умолчанию
func DefaultClientOptions() *ClientOptions {
	return &ClientOptions{
		Address:          "localhost:50051",
		Timeout:          time.Second * 10,
		KeepAlive:        true,
		KeepAliveTime:    time.Minute,
		KeepAliveTimeout: time.Second * 20,
	}
}

// Client клиент сервиса лицензий. Токен личности передается в каждом
// вызове через metadata authorization.
type Client struct {
	conn    *grpc.ClientConn
	timeout time.Duration
	log     *logger.Logger
}

// NewClient создает клиент. Соединение устанавливается лениво, при первом вызове.
func NewClient(opts *ClientOptions, log *logger.Logger) (*Client, error) {
	var dialOpts []grpc.DialOption

	if opts.UseTLS {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})))
	} else {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	if opts.KeepAlive {
		dialOpts = append(dialOpts, grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                opts.KeepAliveTime,
			Timeout:             opts.KeepAliveTimeout,
			PermitWithoutStream: true,
		}))
	}
	dialOpts = append(dialOpts, grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)))
	dialOpts = append(dialOpts, opts.DialOptions...)

	conn, err := grpc.NewClient(opts.Address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC client: %w", err)
	}
	log.Debugw("gRPC client created", "address", opts.Address)

	return &Client{conn: conn, timeout: opts.Timeout, log: log}, nil
}

// Close закрывает соединение с gRPC сервером
func (c *Client) Close() error {
	if c.conn != nil {
		c.log.Debug("Closing gRPC client connection")
		return c.conn.Close()
	}
	return nil
}

// Conn возвращает gRPC соединение
func (c *Client) Conn() *grpc.ClientConn {
	return c.conn
}

func (c *Client) invoke(ctx context.Context, identityToken, method string, in, out any) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	if identityToken != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+identityToken)
	}
	return c.conn.Invoke(ctx, method, in, out)
}

// Verify проверяет лицензию устройства
func (c *Client) Verify(ctx context.Context, identityToken string, in *VerifyRequest) (*VerifyResponse, error) {
	out := new(VerifyResponse)
	if err := c.invoke(ctx, identityToken, MethodVerify, in, out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListDevices возвращает устройства пользователя
func (c *Client) ListDevices(ctx context.Context, identityToken string) (*ListDevicesResponse, error) {
	out := new(ListDevicesResponse)
	if err := c.invoke(ctx, identityToken, MethodListDevices, &ListDevicesRequest{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// RemoveDevice деактивирует устройство
func (c *Client) RemoveDevice(ctx context.Context, identityToken, deviceID string) error {
	return c.invoke(ctx, identityToken, MethodRemoveDevice, &RemoveDeviceRequest{DeviceID: deviceID}, &RemoveDeviceResponse{})
}

// CheckUsage проверяет лимит без записи
func (c *Client) CheckUsage(ctx context.Context, identityToken string, in *UsageRequest) (*UsageResponse, error) {
	out := new(UsageResponse)
	if err := c.invoke(ctx, identityToken, MethodCheckUsage, in, out); err != nil {
		return nil, err
	}
	return out, nil
}

// RecordUsage учитывает расход
func (c *Client) RecordUsage(ctx context.Context, identityToken string, in *UsageRequest) (*UsageResponse, error) {
	out := new(UsageResponse)
	if err := c.invoke(ctx, identityToken, MethodRecordUsage, in, out); err != nil {
		return nil, err
	}
	return out, nil
}
