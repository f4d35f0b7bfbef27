// Package socket carries the peer protocol over length-framed protobuf.
// Clients send requests and receive responses correlated by request id;
// the server additionally pushes unsolicited delivery frames for entities
// the connection has subscribed to.
package socket

import (
	"fmt"

	"github.com/golang/protobuf/proto"
)

type Operation int32

const (
	OperationUnknown     Operation = 0
	OperationSubscribe   Operation = 1
	OperationUnsubscribe Operation = 2
	OperationUpdate      Operation = 3
	OperationPing        Operation = 4
)

type ErrorCode int32

const (
	ErrorCodeOK              ErrorCode = 0
	ErrorCodeBadRequest      ErrorCode = 1
	ErrorCodeUnauthenticated ErrorCode = 2
	ErrorCodeNotFound        ErrorCode = 3
	ErrorCodeOverloaded      ErrorCode = 4
	ErrorCodeInternal        ErrorCode = 5
)

type PeerRequest struct {
	RequestId   string              `protobuf:"bytes,1,opt,name=request_id,json=requestId,proto3"`
	AuthToken   string              `protobuf:"bytes,2,opt,name=auth_token,json=authToken,proto3"`
	Operation   int32               `protobuf:"varint,3,opt,name=operation,proto3"`
	Subscribe   *SubscribeRequest   `protobuf:"bytes,4,opt,name=subscribe,proto3"`
	Unsubscribe *UnsubscribeRequest `protobuf:"bytes,5,opt,name=unsubscribe,proto3"`
	Update      *UpdateRequest      `protobuf:"bytes,6,opt,name=update,proto3"`
	Ping        *PingRequest        `protobuf:"bytes,7,opt,name=ping,proto3"`
}

func (*PeerRequest) Reset()         {}
func (*PeerRequest) String() string { return "PeerRequest" }
func (*PeerRequest) ProtoMessage()  {}

type SubscribeRequest struct {
	EntityId string `protobuf:"bytes,1,opt,name=entity_id,json=entityId,proto3"`
	Version  []byte `protobuf:"bytes,2,opt,name=version,proto3"`
}

func (*SubscribeRequest) Reset()         {}
func (*SubscribeRequest) String() string { return "SubscribeRequest" }
func (*SubscribeRequest) ProtoMessage()  {}

type UnsubscribeRequest struct {
	EntityId string `protobuf:"bytes,1,opt,name=entity_id,json=entityId,proto3"`
}

func (*UnsubscribeRequest) Reset()         {}
func (*UnsubscribeRequest) String() string { return "UnsubscribeRequest" }
func (*UnsubscribeRequest) ProtoMessage()  {}

type UpdateRequest struct {
	EntityId string `protobuf:"bytes,1,opt,name=entity_id,json=entityId,proto3"`
	Delta    []byte `protobuf:"bytes,2,opt,name=delta,proto3"`
}

func (*UpdateRequest) Reset()         {}
func (*UpdateRequest) String() string { return "UpdateRequest" }
func (*UpdateRequest) ProtoMessage()  {}

type PingRequest struct{}

func (*PingRequest) Reset()         {}
func (*PingRequest) String() string { return "PingRequest" }
func (*PingRequest) ProtoMessage()  {}

type PongResponse struct {
	UnixTimeNs int64 `protobuf:"varint,1,opt,name=unix_time_ns,json=unixTimeNs,proto3"`
}

func (*PongResponse) Reset()         {}
func (*PongResponse) String() string { return "PongResponse" }
func (*PongResponse) ProtoMessage()  {}

type PeerResponse struct {
	RequestId    string        `protobuf:"bytes,1,opt,name=request_id,json=requestId,proto3"`
	ErrorCode    int32         `protobuf:"varint,2,opt,name=error_code,json=errorCode,proto3"`
	ErrorMessage string        `protobuf:"bytes,3,opt,name=error_message,json=errorMessage,proto3"`
	Pong         *PongResponse `protobuf:"bytes,4,opt,name=pong,proto3"`
}

func (*PeerResponse) Reset()         {}
func (*PeerResponse) String() string { return "PeerResponse" }
func (*PeerResponse) ProtoMessage()  {}

// Delivery is a server-initiated delta push for a subscribed entity.
type Delivery struct {
	EntityId string `protobuf:"bytes,1,opt,name=entity_id,json=entityId,proto3"`
	Delta    []byte `protobuf:"bytes,2,opt,name=delta,proto3"`
}

func (*Delivery) Reset()         {}
func (*Delivery) String() string { return "Delivery" }
func (*Delivery) ProtoMessage()  {}

// ServerFrame is everything the server writes: either a response to a
// request or a delivery.
type ServerFrame struct {
	Response *PeerResponse `protobuf:"bytes,1,opt,name=response,proto3"`
	Delivery *Delivery     `protobuf:"bytes,2,opt,name=delivery,proto3"`
}

func (*ServerFrame) Reset()         {}
func (*ServerFrame) String() string { return "ServerFrame" }
func (*ServerFrame) ProtoMessage()  {}

func MarshalMessage(msg proto.Message) ([]byte, error) { return proto.Marshal(msg) }

func UnmarshalRequest(payload []byte) (*PeerRequest, error) {
	var req PeerRequest
	if err := proto.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func UnmarshalServerFrame(payload []byte) (*ServerFrame, error) {
	var frame ServerFrame
	if err := proto.Unmarshal(payload, &frame); err != nil {
		return nil, err
	}
	return &frame, nil
}

func ValidateRequest(req *PeerRequest) error {
	if req == nil {
		return fmt.Errorf("nil request")
	}
	switch Operation(req.Operation) {
	case OperationSubscribe:
		if req.Subscribe == nil || req.Subscribe.EntityId == "" {
			return fmt.Errorf("subscribe entity_id is required")
		}
	case OperationUnsubscribe:
		if req.Unsubscribe == nil || req.Unsubscribe.EntityId == "" {
			return fmt.Errorf("unsubscribe entity_id is required")
		}
	case OperationUpdate:
		if req.Update == nil || req.Update.EntityId == "" {
			return fmt.Errorf("update entity_id is required")
		}
		if len(req.Update.Delta) == 0 {
			return fmt.Errorf("update delta is required")
		}
	case OperationPing:
	default:
		return fmt.Errorf("unknown operation %d", req.Operation)
	}
	return nil
}

func Retryable(code int32) bool { return ErrorCode(code) == ErrorCodeOverloaded }
