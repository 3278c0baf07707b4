package sender

import (
	"errors"

	"github.com/aws/smithy-go"
)

// classifyAWS maps an AWS SDK error to an ErrorKind. Codes listed in
// permanent win; otherwise throttling and server faults are transient and
// remaining client faults are permanent. Errors that never reached the API
// (network, deadline) are transient.
func classifyAWS(err error, permanent map[string]bool) ErrorKind {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return Transient
	}

	code := apiErr.ErrorCode()
	if permanent[code] {
		return Permanent
	}
	if throttlingCodes[code] {
		return Transient
	}
	if apiErr.ErrorFault() == smithy.FaultClient {
		return Permanent
	}
	return Transient
}

var throttlingCodes = map[string]bool{
	"Throttling":               true,
	"ThrottlingException":      true,
	"Throttled":                true,
	"TooManyRequestsException": true,
	"LimitExceededException":   true,
	"RequestLimitExceeded":     true,
	"ServiceUnavailable":       true,
	"InternalFailure":          true,
	"InternalError":            true,
}
