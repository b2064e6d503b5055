package transport

import (
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	pb "dsforge/api/v1"
)

// Dial connects to a control server at target ("host:port"). The caller
// closes the returned connection.
func Dial(target string, opts ...grpc.DialOption) (pb.ControlClient, *grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	cc, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, nil, err
	}
	return pb.NewControlClient(cc), cc, nil
}
