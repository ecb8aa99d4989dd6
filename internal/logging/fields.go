package logging

import "log/slog"

// Common field names for consistent logging across pipeline components.
const (
	FieldService     = "service"
	FieldChecksum    = "checksum"
	FieldStorageKey  = "storage_key"
	FieldFilename    = "filename"
	FieldPayloadType = "payload_type"
	FieldJobID       = "job_id"
	FieldEventID     = "event_id"
	FieldDeliveryID  = "delivery_id"
	FieldMerchantID  = "merchant_id"
	FieldSubject     = "subject"
	FieldAttempt     = "attempt"
	FieldMethod      = "method"
	FieldPath        = "path"
	FieldStatus      = "status"
	FieldDuration    = "duration_ms"
	FieldError       = "error"
)

// Service returns a slog attribute for the component name.
func Service(name string) slog.Attr {
	return slog.String(FieldService, name)
}

// Checksum returns a slog attribute for a file checksum.
func Checksum(sum string) slog.Attr {
	return slog.String(FieldChecksum, sum)
}

// StorageKey returns a slog attribute for an object store key.
func StorageKey(key string) slog.Attr {
	return slog.String(FieldStorageKey, key)
}

// Filename returns a slog attribute for a source file name.
func Filename(name string) slog.Attr {
	return slog.String(FieldFilename, name)
}

// PayloadType returns a slog attribute for a payload type.
func PayloadType(t string) slog.Attr {
	return slog.String(FieldPayloadType, t)
}

// JobID returns a slog attribute for an ingest job ID.
func JobID(id string) slog.Attr {
	return slog.String(FieldJobID, id)
}

// EventID returns a slog attribute for an event ID.
func EventID(id string) slog.Attr {
	return slog.String(FieldEventID, id)
}

// DeliveryID returns a slog attribute for a webhook delivery ID.
func DeliveryID(id string) slog.Attr {
	return slog.String(FieldDeliveryID, id)
}

// MerchantID returns a slog attribute for a merchant ID.
func MerchantID(id string) slog.Attr {
	return slog.String(FieldMerchantID, id)
}

// Subject returns a slog attribute for a broker subject.
func Subject(subject string) slog.Attr {
	return slog.String(FieldSubject, subject)
}

// Attempt returns a slog attribute for an attempt number.
func Attempt(n int) slog.Attr {
	return slog.Int(FieldAttempt, n)
}

// Method returns a slog attribute for the HTTP method.
func Method(method string) slog.Attr {
	return slog.String(FieldMethod, method)
}

// Path returns a slog attribute for the HTTP path.
func Path(path string) slog.Attr {
	return slog.String(FieldPath, path)
}

// Status returns a slog attribute for the HTTP status code.
func Status(code int) slog.Attr {
	return slog.Int(FieldStatus, code)
}

// Duration returns a slog attribute for duration in milliseconds.
func Duration(ms int64) slog.Attr {
	return slog.Int64(FieldDuration, ms)
}

// Error returns a slog attribute for an error.
func Error(err error) slog.Attr {
	return slog.String(FieldError, err.Error())
}
