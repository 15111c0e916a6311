// Package delivery maps send outcomes raised by the platform sender onto
// wire replies correlated by the originating command id.
package delivery

import (
	"fmt"

	"github.com/mattjoyce/smsbridge/internal/protocol"
)

// ResultCode is a platform send result code (SmsManager numbering).
type ResultCode int

const (
	ResultOK ResultCode = -1

	ResultErrorGenericFailure        ResultCode = 1
	ResultErrorRadioOff              ResultCode = 2
	ResultErrorNullPDU               ResultCode = 3
	ResultErrorNoService             ResultCode = 4
	ResultErrorLimitExceeded         ResultCode = 5
	ResultErrorFDNCheckFailure       ResultCode = 6
	ResultErrorShortCodeNotAllowed   ResultCode = 7
	ResultErrorShortCodeNeverAllowed ResultCode = 8
	ResultRadioNotAvailable          ResultCode = 9
	ResultNetworkReject              ResultCode = 10
	ResultInvalidArguments           ResultCode = 11
	ResultInvalidState               ResultCode = 12
	ResultNoMemory                   ResultCode = 13
	ResultInvalidSMSFormat           ResultCode = 14
	ResultSystemError                ResultCode = 15
	ResultModemError                 ResultCode = 16
	ResultNetworkError               ResultCode = 17
	ResultEncodingError              ResultCode = 18
	ResultInvalidSMSCAddress         ResultCode = 19
	ResultOperationNotAllowed        ResultCode = 20
	ResultInternalError              ResultCode = 21
	ResultNoResources                ResultCode = 22
	ResultCancelled                  ResultCode = 23
	ResultRequestNotSupported        ResultCode = 24
	ResultNoBluetoothService         ResultCode = 25
	ResultInvalidBluetoothAddress    ResultCode = 26
	ResultBluetoothDisconnected      ResultCode = 27
	ResultUnexpectedEventStopSending ResultCode = 28
	ResultSMSBlockedDuringEmergency  ResultCode = 29
	ResultSMSSendRetryFailed         ResultCode = 30
	ResultRemoteException            ResultCode = 31
	ResultNoDefaultSMSApp            ResultCode = 32

	ResultRILRadioNotAvailable      ResultCode = 100
	ResultRILSMSSendFailRetry       ResultCode = 101
	ResultRILNetworkReject          ResultCode = 102
	ResultRILInvalidState           ResultCode = 103
	ResultRILInvalidArguments       ResultCode = 104
	ResultRILNoMemory               ResultCode = 105
	ResultRILRequestRateLimited     ResultCode = 106
	ResultRILInvalidSMSFormat       ResultCode = 107
	ResultRILSystemErr              ResultCode = 108
	ResultRILEncodingErr            ResultCode = 109
	ResultRILInvalidSMSCAddress     ResultCode = 110
	ResultRILModemErr               ResultCode = 111
	ResultRILNetworkErr             ResultCode = 112
	ResultRILInternalErr            ResultCode = 113
	ResultRILRequestNotSupported    ResultCode = 114
	ResultRILInvalidModemState      ResultCode = 115
	ResultRILNetworkNotReady        ResultCode = 116
	ResultRILOperationNotAllowed    ResultCode = 117
	ResultRILNoResources            ResultCode = 118
	ResultRILCancelled              ResultCode = 119
	ResultRILSIMAbsent              ResultCode = 120
	ResultRILSimultaneousSMSAndCall ResultCode = 121
	ResultRILAccessBarred           ResultCode = 122
	ResultRILBlockedDueToCall       ResultCode = 123
)

var resultNames = map[ResultCode]string{
	ResultErrorRadioOff:              "ERROR_RADIO_OFF",
	ResultErrorNullPDU:               "ERROR_NULL_PDU",
	ResultErrorNoService:             "ERROR_NO_SERVICE",
	ResultErrorLimitExceeded:         "ERROR_LIMIT_EXCEEDED",
	ResultErrorFDNCheckFailure:       "ERROR_FDN_CHECK_FAILURE",
	ResultErrorShortCodeNotAllowed:   "ERROR_SHORT_CODE_NOT_ALLOWED",
	ResultErrorShortCodeNeverAllowed: "ERROR_SHORT_CODE_NEVER_ALLOWED",
	ResultRadioNotAvailable:          "RADIO_NOT_AVAILABLE",
	ResultNetworkReject:              "NETWORK_REJECT",
	ResultInvalidArguments:           "INVALID_ARGUMENTS",
	ResultInvalidState:               "INVALID_STATE",
	ResultNoMemory:                   "NO_MEMORY",
	ResultInvalidSMSFormat:           "INVALID_SMS_FORMAT",
	ResultSystemError:                "SYSTEM_ERROR",
	ResultModemError:                 "MODEM_ERROR",
	ResultNetworkError:               "NETWORK_ERROR",
	ResultEncodingError:              "ENCODING_ERROR",
	ResultInvalidSMSCAddress:         "INVALID_SMSC_ADDRESS",
	ResultOperationNotAllowed:        "OPERATION_NOT_ALLOWED",
	ResultInternalError:              "INTERNAL_ERROR",
	ResultNoResources:                "NO_RESOURCES",
	ResultCancelled:                  "CANCELLED",
	ResultRequestNotSupported:        "REQUEST_NOT_SUPPORTED",
	ResultNoBluetoothService:         "NO_BLUETOOTH_SERVICE",
	ResultInvalidBluetoothAddress:    "INVALID_BLUETOOTH_ADDRESS",
	ResultBluetoothDisconnected:      "BLUETOOTH_DISCONNECTED",
	ResultUnexpectedEventStopSending: "UNEXPECTED_EVENT_STOP_SENDING",
	ResultSMSBlockedDuringEmergency:  "SMS_BLOCKED_DURING_EMERGENCY",
	ResultSMSSendRetryFailed:         "SMS_SEND_RETRY_FAILED",
	ResultRemoteException:            "REMOTE_EXCEPTION",
	ResultNoDefaultSMSApp:            "NO_DEFAULT_SMS_APP",

	ResultRILRadioNotAvailable:      "RIL_RADIO_NOT_AVAILABLE",
	ResultRILSMSSendFailRetry:       "RIL_SMS_SEND_FAIL_RETRY",
	ResultRILNetworkReject:          "RIL_NETWORK_REJECT",
	ResultRILInvalidState:           "RIL_INVALID_STATE",
	ResultRILInvalidArguments:       "RIL_INVALID_ARGUMENTS",
	ResultRILNoMemory:               "RIL_NO_MEMORY",
	ResultRILRequestRateLimited:     "RIL_REQUEST_RATE_LIMITED",
	ResultRILInvalidSMSFormat:       "RIL_INVALID_SMS_FORMAT",
	ResultRILSystemErr:              "RIL_SYSTEM_ERR",
	ResultRILEncodingErr:            "RIL_ENCODING_ERR",
	ResultRILInvalidSMSCAddress:     "RIL_INVALID_SMSC_ADDRESS",
	ResultRILModemErr:               "RIL_MODEM_ERR",
	ResultRILNetworkErr:             "RIL_NETWORK_ERR",
	ResultRILInternalErr:            "RIL_INTERNAL_ERR",
	ResultRILRequestNotSupported:    "RIL_REQUEST_NOT_SUPPORTED",
	ResultRILInvalidModemState:      "RIL_INVALID_MODEM_STATE",
	ResultRILNetworkNotReady:        "RIL_NETWORK_NOT_READY",
	ResultRILOperationNotAllowed:    "RIL_OPERATION_NOT_ALLOWED",
	ResultRILNoResources:            "RIL_NO_RESOURCES",
	ResultRILCancelled:              "RIL_CANCELLED",
	ResultRILSIMAbsent:              "RIL_SIM_ABSENT",
	ResultRILSimultaneousSMSAndCall: "RIL_SIMULTANEOUS_SMS_AND_CALL_NOT_ALLOWED",
	ResultRILAccessBarred:           "RIL_ACCESS_BARRED",
	ResultRILBlockedDueToCall:       "RIL_BLOCKED_DUE_TO_CALL",
}

// Describe renders a result code as a human-readable message. extra is the
// platform's supplementary error code, if any.
func Describe(rc ResultCode, extra string) string {
	if rc == ResultErrorGenericFailure {
		return fmt.Sprintf("ERROR_GENERIC_FAILURE(%s)", orNull(extra))
	}
	if name, ok := resultNames[rc]; ok {
		return name
	}
	return fmt.Sprintf("Unknown error (%d, %s)", int(rc), orNull(extra))
}

func orNull(s string) string {
	if s == "" {
		return "null"
	}
	return s
}

// DeliveryError is a failed send classified into a wire error code.
type DeliveryError struct {
	Code    string
	Message string
	Result  ResultCode
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery failed (%s): %s", e.Code, e.Message)
}

// ToError classifies a failed result code. Transient radio or network
// unavailability maps to timeout, policy-blocked destinations to
// unsupported, and everything else to network_error.
func ToError(rc ResultCode, extra string) *DeliveryError {
	e := &DeliveryError{Message: Describe(rc, extra), Result: rc}
	switch rc {
	case ResultErrorNoService, ResultErrorRadioOff, ResultRILNetworkNotReady, ResultRadioNotAvailable:
		e.Code = protocol.ErrCodeTimeout
	case ResultErrorShortCodeNotAllowed, ResultErrorShortCodeNeverAllowed:
		e.Code = protocol.ErrCodeUnsupported
	default:
		e.Code = protocol.ErrCodeNetworkError
	}
	return e
}
