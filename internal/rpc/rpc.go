// Package rpc defines the gRPC surface between agents and the EventBus:
// the service descriptor, the wire codec, and mTLS credential helpers.
//
// The service uses the envelope package's hand-maintained codec instead of
// generated marshalers, so the descriptor and client stub are written by
// hand and registered with grpc.ForceServerCodec / grpc.ForceCodec.
package rpc

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/amoskys/amoskys/internal/envelope"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "amoskys.v1.EventBus"

// Codec marshals the envelope package's message types for gRPC.
type Codec struct{}

// Name implements encoding.Codec.
func (Codec) Name() string { return "amoskys" }

// Marshal implements encoding.Codec.
func (Codec) Marshal(v any) ([]byte, error) {
	switch m := v.(type) {
	case *envelope.Envelope:
		return envelope.Marshal(m), nil
	case *envelope.PublishAck:
		return envelope.MarshalAck(m), nil
	}
	return nil, fmt.Errorf("codec: unsupported message type %T", v)
}

// Unmarshal implements encoding.Codec.
func (Codec) Unmarshal(data []byte, v any) error {
	switch m := v.(type) {
	case *envelope.Envelope:
		decoded, err := envelope.Unmarshal(data)
		if err != nil {
			return err
		}
		*m = *decoded
		return nil
	case *envelope.PublishAck:
		decoded, err := envelope.UnmarshalAck(data)
		if err != nil {
			return err
		}
		*m = *decoded
		return nil
	}
	return fmt.Errorf("codec: unsupported message type %T", v)
}

// EventBusServer is implemented by the bus's Publish handler.
type EventBusServer interface {
	Publish(ctx context.Context, e *envelope.Envelope) (*envelope.PublishAck, error)
}

func publishHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(envelope.Envelope)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EventBusServer).Publish(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/" + ServiceName + "/Publish",
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(EventBusServer).Publish(ctx, req.(*envelope.Envelope))
	}
	return interceptor(ctx, in, info, handler)
}

// EventBusServiceDesc is the hand-written descriptor for the EventBus service.
var EventBusServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*EventBusServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Publish", Handler: publishHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "internal/envelope/bus.proto",
}

// RegisterEventBusServer registers srv on s.
func RegisterEventBusServer(s *grpc.Server, srv EventBusServer) {
	s.RegisterService(&EventBusServiceDesc, srv)
}

// EventBusClient calls the EventBus service over a client connection.
type EventBusClient struct {
	cc *grpc.ClientConn
}

// NewEventBusClient wraps cc.
func NewEventBusClient(cc *grpc.ClientConn) *EventBusClient {
	return &EventBusClient{cc: cc}
}

// Publish sends one envelope and returns the bus's ack.
func (c *EventBusClient) Publish(ctx context.Context, e *envelope.Envelope) (*envelope.PublishAck, error) {
	ack := new(envelope.PublishAck)
	err := c.cc.Invoke(ctx, "/"+ServiceName+"/Publish", e, ack, grpc.ForceCodec(Codec{}))
	if err != nil {
		return nil, err
	}
	return ack, nil
}

// ServerTLS builds server-side mTLS credentials: TLS 1.3 only, client
// certificates required and verified against the CA.
func ServerTLS(caPath, certPath, keyPath string) (credentials.TransportCredentials, error) {
	cert, pool, err := loadCertAndPool(caPath, certPath, keyPath)
	if err != nil {
		return nil, err
	}
	return credentials.NewTLS(&tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
	}), nil
}

// ClientTLS builds client-side mTLS credentials presenting the agent
// certificate and verifying the bus against the CA.
func ClientTLS(caPath, certPath, keyPath string) (credentials.TransportCredentials, error) {
	cert, pool, err := loadCertAndPool(caPath, certPath, keyPath)
	if err != nil {
		return nil, err
	}
	return credentials.NewTLS(&tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
	}), nil
}

func loadCertAndPool(caPath, certPath, keyPath string) (tls.Certificate, *x509.CertPool, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("load key pair: %w", err)
	}
	caPEM, err := os.ReadFile(caPath)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("read CA: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return tls.Certificate{}, nil, fmt.Errorf("no certificates in %s", caPath)
	}
	return cert, pool, nil
}

// Dial opens a client connection to the bus with the given credentials.
func Dial(addr string, creds credentials.TransportCredentials) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("dial bus: %w", err)
	}
	return conn, nil
}
