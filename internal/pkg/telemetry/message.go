package telemetry

import (
	"time"

	json "github.com/goccy/go-json"
)

/*
  MQTT envelope for device reports (msg_encrypted_version 1.0):

{
	"protocol": 4,
	"pv": "2.0",
	"t": 1700000000123,
	"sign": "...",
	"data": "<base64 AES-128-ECB>"
}

  Decrypted data for a status report:

{
	"devId": "vdevo123",
	"productKey": "abc",
	"status": [ { "code": "switch_led", "value": true, "t": 1700000000100 } ]
}
*/

// ProtocolStatusReport is the envelope protocol number of device status
// reports
const ProtocolStatusReport = 4

// Envelope is the outer, unencrypted MQTT message
type Envelope struct {
	T        int64  `json:"t"`
	PV       string `json:"pv"`
	Protocol int    `json:"protocol"`
	Data     string `json:"data"`
}

// StatusItem is one data point of a status report
type StatusItem struct {
	Code  string      `json:"code"`
	Value interface{} `json:"value"`
	T     int64       `json:"t,omitempty"`
}

// StatusReport is the decrypted body of a device report
type StatusReport struct {
	DevID   string       `json:"devId"`
	BizCode string       `json:"bizCode,omitempty"`
	Status  []StatusItem `json:"status"`
}

// Telemetry is a single device state change
type Telemetry struct {
	DeviceID  string
	Code      string
	Value     interface{}
	Timestamp time.Time
}

// ParseEnvelope decodes the outer message
func ParseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, &DecodeError{Stage: "envelope", Err: err}
	}
	if env.Data == "" {
		return env, decodeErr("envelope", "no data field")
	}

	return env, nil
}

// ParseStatusReport decodes a decrypted message body
func ParseStatusReport(plain []byte) (StatusReport, error) {
	var report StatusReport
	if err := json.Unmarshal(plain, &report); err != nil {
		return report, &DecodeError{Stage: "body", Err: err}
	}
	if report.DevID == "" {
		return report, decodeErr("body", "no devId")
	}

	return report, nil
}

// Telemetry flattens the report into per-code changes, in report order.
// Entries without their own timestamp use envelopeT (milliseconds).
func (r StatusReport) Telemetry(envelopeT int64) []Telemetry {
	out := make([]Telemetry, 0, len(r.Status))
	for _, s := range r.Status {
		ts := s.T
		if ts == 0 {
			ts = envelopeT
		}

		out = append(out, Telemetry{
			DeviceID:  r.DevID,
			Code:      s.Code,
			Value:     s.Value,
			Timestamp: time.Unix(0, ts*int64(time.Millisecond)),
		})
	}

	return out
}

// DecodeEnvelope decrypts and parses the body of an already parsed envelope
func DecodeEnvelope(env Envelope, mqttPassword string) ([]Telemetry, StatusReport, error) {
	plain, err := Decrypt(env.Data, mqttPassword)
	if err != nil {
		return nil, StatusReport{}, err
	}

	report, err := ParseStatusReport(plain)
	if err != nil {
		return nil, report, err
	}

	return report.Telemetry(env.T), report, nil
}

// IsStatusReport reports whether the envelope carries device status.  An
// envelope without a protocol number is assumed to.
func (e Envelope) IsStatusReport() bool {
	return e.Protocol == 0 || e.Protocol == ProtocolStatusReport
}
