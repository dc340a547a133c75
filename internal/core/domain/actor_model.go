package domain

import (
	"errors"

	mm "github.com/berfenger/meter2mqtt/pkg/meter_modbus"
)

const (
	ACTOR_ID_MASTER       = "master"
	ACTOR_ID_BUS_PREFIX   = "bus"
	ACTOR_ID_POLLER       = "poller"
	ACTOR_ID_MQTT         = "mqtt"
	ACTOR_ID_HA_DISCOVERY = "hadiscovery"
)

var ErrUnknownMeter = errors.New("unknown meter")

func BusActorId(rootMeter string) string {
	return ACTOR_ID_BUS_PREFIX + "_" + rootMeter
}

type MeterInfo struct {
	Name      string
	Model     string
	Unit      uint8
	Bus       string
	Connected bool
	Registers mm.Directory
}

type GetMetersInfoRequest struct {
	ActorRequestMixIn
}

type GetMetersInfoResponse struct {
	ActorResponseMixIn
	Meters []MeterInfo
}

type ReadMeterRequest struct {
	ActorRequestMixIn
	Meter  string
	Key    string
	Scaled bool
}

type ReadMeterResponse struct {
	ActorResponseMixIn
	Meter    string
	Key      string
	Value    float64
	Register mm.RegisterDescriptor
}

type ReadAllRequest struct {
	ActorRequestMixIn
	Meter  string
	Kind   mm.RegisterKind
	Scaled bool
}

// ReadAllResponse may carry both values and an error when only some groups failed.
type ReadAllResponse struct {
	ActorResponseMixIn
	Meter  string
	Kind   mm.RegisterKind
	Scaled bool
	Values map[string]float64
}

// WriteRegisterRequest writes Value to a holding register. A raw (unscaled)
// value is multiplied by the scale factor first.
type WriteRegisterRequest struct {
	ActorRequestMixIn
	Meter  string
	Key    string
	Value  float64
	Scaled bool
}

func (r ReadMeterRequest) MeterName() string { return r.Meter }

func (r ReadMeterRequest) WithReplyTo(ref *ActorRef) MeterRequest {
	r.ReplyToRef = ref
	return r
}

func (r ReadMeterRequest) Failed(err error) ActorResponse {
	return ReadMeterResponse{ActorResponseMixIn: Failed(err), Meter: r.Meter, Key: r.Key}
}

func (r ReadAllRequest) MeterName() string { return r.Meter }

func (r ReadAllRequest) WithReplyTo(ref *ActorRef) MeterRequest {
	r.ReplyToRef = ref
	return r
}

func (r ReadAllRequest) Failed(err error) ActorResponse {
	return ReadAllResponse{ActorResponseMixIn: Failed(err), Meter: r.Meter, Kind: r.Kind, Scaled: r.Scaled}
}

func (r WriteRegisterRequest) MeterName() string { return r.Meter }

func (r WriteRegisterRequest) WithReplyTo(ref *ActorRef) MeterRequest {
	r.ReplyToRef = ref
	return r
}

func (r WriteRegisterRequest) Failed(err error) ActorResponse {
	return WriteRegisterResponse{ActorResponseMixIn: Failed(err), Meter: r.Meter, Key: r.Key}
}

type WriteRegisterResponse struct {
	ActorResponseMixIn
	Meter string
	Key   string
	Value float64
}

type PublishMessageRequest struct {
	ActorRequestMixIn
	Topic   string
	Payload string
	Retain  bool
}

type PublishMessageResponse struct {
	ActorResponseMixIn
}

type PublishSensorUpdateRequest struct {
	ActorRequestMixIn
	Retain bool
	Event  SensorUpdateEvent
}

type PublishSensorUpdateResponse struct {
	ActorResponseMixIn
}

type PublishDiscoveryRequest struct {
	ActorRequestMixIn
	Sensors      []GenericSensor
	InputNumbers []GenericInputNumber
}

type PublishDiscoveryResponse struct {
	ActorResponseMixIn
}

type ActorHealthRequest struct {
	ActorRequestMixIn
}

type ActorHealthResponse struct {
	ActorResponseMixIn
	Id      string
	Healthy bool
	State   string
}
