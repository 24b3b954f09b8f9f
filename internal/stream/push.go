package stream

import "fmt"

// DefaultValidatePayload is the baseline validation every push stream
// applies: a non-empty device_id and at least one record. Source-specific
// Push implementations call this first and layer additional field checks on
// top.
func DefaultValidatePayload(p PushPayload) error {
	if p.DeviceID == "" {
		return fmt.Errorf("push payload: device_id is required")
	}
	if len(p.Records) == 0 {
		return fmt.Errorf("push payload: records must not be empty")
	}
	return nil
}

// MaxPushRecords caps one push payload; the ingest handler rejects larger
// payloads with 413 before ever reaching a stream's ValidatePayload.
const MaxPushRecords = 10_000
