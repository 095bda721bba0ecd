// Package control is a framed binary introspection protocol for a
// running procman node: which process managers it hosts, which
// process instances they have live, and the Subscriptions Registry's
// current per-handler progress.
package control

import (
	"fmt"

	"github.com/golang/protobuf/proto"
)

type Operation int32

const (
	OperationUnknown          Operation = 0
	OperationPing             Operation = 1
	OperationHealth           Operation = 2
	OperationGetInstance      Operation = 3
	OperationListInstances    Operation = 4
	OperationGetSubscription  Operation = 5
	OperationListSubscription Operation = 6
	OperationListManagers     Operation = 7
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

type ControlRequest struct {
	RequestId       string                  `protobuf:"bytes,1,opt,name=request_id,json=requestId,proto3"`
	AuthToken       string                  `protobuf:"bytes,2,opt,name=auth_token,json=authToken,proto3"`
	Operation       int32                   `protobuf:"varint,3,opt,name=operation,proto3"`
	GetInstance     *GetInstanceQuery       `protobuf:"bytes,4,opt,name=get_instance,json=getInstance,proto3"`
	ListInstances   *ListInstancesQuery     `protobuf:"bytes,5,opt,name=list_instances,json=listInstances,proto3"`
	GetSubscription *GetSubscriptionQuery   `protobuf:"bytes,6,opt,name=get_subscription,json=getSubscription,proto3"`
}

func (*ControlRequest) Reset()         {}
func (*ControlRequest) String() string { return "ControlRequest" }
func (*ControlRequest) ProtoMessage()  {}

type ControlResponse struct {
	RequestId          string                     `protobuf:"bytes,1,opt,name=request_id,json=requestId,proto3"`
	ErrorCode          int32                      `protobuf:"varint,2,opt,name=error_code,json=errorCode,proto3"`
	ErrorMessage       string                     `protobuf:"bytes,3,opt,name=error_message,json=errorMessage,proto3"`
	Pong               *PongResponse              `protobuf:"bytes,4,opt,name=pong,proto3"`
	Health             *HealthResponse            `protobuf:"bytes,5,opt,name=health,proto3"`
	Instance           *InstanceResponse          `protobuf:"bytes,6,opt,name=instance,proto3"`
	Instances          *InstanceListResponse      `protobuf:"bytes,7,opt,name=instances,proto3"`
	Subscription       *SubscriptionResponse      `protobuf:"bytes,8,opt,name=subscription,proto3"`
	Subscriptions      *SubscriptionListResponse  `protobuf:"bytes,9,opt,name=subscriptions,proto3"`
	Managers           *ProcessManagerListResponse `protobuf:"bytes,10,opt,name=managers,proto3"`
}

func (*ControlResponse) Reset()         {}
func (*ControlResponse) String() string { return "ControlResponse" }
func (*ControlResponse) ProtoMessage()  {}

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

type HealthResponse struct {
	Ok      bool   `protobuf:"varint,1,opt,name=ok,proto3"`
	Message string `protobuf:"bytes,2,opt,name=message,proto3"`
}

func (*HealthResponse) Reset()         {}
func (*HealthResponse) String() string { return "HealthResponse" }
func (*HealthResponse) ProtoMessage()  {}

type GetInstanceQuery struct {
	ProcessManagerName string `protobuf:"bytes,1,opt,name=process_manager_name,json=processManagerName,proto3"`
	ProcessUuid        string `protobuf:"bytes,2,opt,name=process_uuid,json=processUuid,proto3"`
}

func (*GetInstanceQuery) Reset()         {}
func (*GetInstanceQuery) String() string { return "GetInstanceQuery" }
func (*GetInstanceQuery) ProtoMessage()  {}

type InstanceResponse struct {
	Found         bool   `protobuf:"varint,1,opt,name=found,proto3"`
	ProcessUuid   string `protobuf:"bytes,2,opt,name=process_uuid,json=processUuid,proto3"`
	StateJson     []byte `protobuf:"bytes,3,opt,name=state_json,json=stateJson,proto3"`
}

func (*InstanceResponse) Reset()         {}
func (*InstanceResponse) String() string { return "InstanceResponse" }
func (*InstanceResponse) ProtoMessage()  {}

type ListInstancesQuery struct {
	ProcessManagerName string `protobuf:"bytes,1,opt,name=process_manager_name,json=processManagerName,proto3"`
}

func (*ListInstancesQuery) Reset()         {}
func (*ListInstancesQuery) String() string { return "ListInstancesQuery" }
func (*ListInstancesQuery) ProtoMessage()  {}

type InstanceListResponse struct {
	Found        bool     `protobuf:"varint,1,opt,name=found,proto3"`
	ProcessUuids []string `protobuf:"bytes,2,rep,name=process_uuids,json=processUuids,proto3"`
}

func (*InstanceListResponse) Reset()         {}
func (*InstanceListResponse) String() string { return "InstanceListResponse" }
func (*InstanceListResponse) ProtoMessage()  {}

type GetSubscriptionQuery struct {
	HandlerName string `protobuf:"bytes,1,opt,name=handler_name,json=handlerName,proto3"`
	Consistency string `protobuf:"bytes,2,opt,name=consistency,proto3"`
}

func (*GetSubscriptionQuery) Reset()         {}
func (*GetSubscriptionQuery) String() string { return "GetSubscriptionQuery" }
func (*GetSubscriptionQuery) ProtoMessage()  {}

type SubscriptionResponse struct {
	Found             bool   `protobuf:"varint,1,opt,name=found,proto3"`
	HandlerName       string `protobuf:"bytes,2,opt,name=handler_name,json=handlerName,proto3"`
	Consistency       string `protobuf:"bytes,3,opt,name=consistency,proto3"`
	Holder            string `protobuf:"bytes,4,opt,name=holder,proto3"`
	GlobalEventNumber uint64 `protobuf:"varint,5,opt,name=global_event_number,json=globalEventNumber,proto3"`
}

func (*SubscriptionResponse) Reset()         {}
func (*SubscriptionResponse) String() string { return "SubscriptionResponse" }
func (*SubscriptionResponse) ProtoMessage()  {}

type SubscriptionListResponse struct {
	Subscriptions []*SubscriptionResponse `protobuf:"bytes,1,rep,name=subscriptions,proto3"`
}

func (*SubscriptionListResponse) Reset()         {}
func (*SubscriptionListResponse) String() string { return "SubscriptionListResponse" }
func (*SubscriptionListResponse) ProtoMessage()  {}

type ProcessManagerListResponse struct {
	Names []string `protobuf:"bytes,1,rep,name=names,proto3"`
}

func (*ProcessManagerListResponse) Reset()         {}
func (*ProcessManagerListResponse) String() string { return "ProcessManagerListResponse" }
func (*ProcessManagerListResponse) ProtoMessage()  {}

func MarshalMessage(msg proto.Message) ([]byte, error) { return proto.Marshal(msg) }

func UnmarshalRequest(payload []byte) (*ControlRequest, error) {
	var req ControlRequest
	if err := proto.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func UnmarshalResponse(payload []byte) (*ControlResponse, error) {
	var res ControlResponse
	if err := proto.Unmarshal(payload, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func ValidateRequest(req *ControlRequest) error {
	if req == nil {
		return fmt.Errorf("nil request")
	}
	if req.Operation == int32(OperationUnknown) {
		return fmt.Errorf("operation is required")
	}
	return nil
}
