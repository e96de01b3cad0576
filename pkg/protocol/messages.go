package protocol

import "stripefs/pkg/types"

type CreateObjectRequest struct {
	Ref        types.ObjectRef  `json:"ref"`
	Capability types.Capability `json:"capability"`
}

type CreateObjectResponse struct{}

type RemoveObjectRequest struct {
	Ref        types.ObjectRef  `json:"ref"`
	Capability types.Capability `json:"capability"`
}

type RemoveObjectResponse struct{}

type ReadRequest struct {
	Ref        types.ObjectRef  `json:"ref"`
	Offset     int64            `json:"offset"`
	Length     int              `json:"length"`
	Capability types.Capability `json:"capability"`
}

type ReadResponse struct {
	Data []byte `json:"data"`
}

type WriteRequest struct {
	Ref        types.ObjectRef  `json:"ref"`
	Offset     int64            `json:"offset"`
	Data       []byte           `json:"data"`
	Capability types.Capability `json:"capability"`
}

type WriteResponse struct {
	Written int `json:"written"`
}

type StatRequest struct {
	Ref        types.ObjectRef  `json:"ref"`
	Capability types.Capability `json:"capability"`
}

type StatResponse struct {
	Info types.ObjectInfo `json:"info"`
}

type FsyncRequest struct {
	Ref        types.ObjectRef  `json:"ref"`
	Capability types.Capability `json:"capability"`
}

type FsyncResponse struct{}

type HealthCheckRequest struct{}

type HealthCheckResponse struct {
	TargetID      types.TargetID `json:"target_id"`
	Healthy       bool           `json:"healthy"`
	Timestamp     int64          `json:"timestamp"`
	Objects       int            `json:"objects"`
	UsedCapacity  int64          `json:"used_capacity"`
	TotalCapacity int64          `json:"total_capacity"`
}
