package errors

import "sync"

// Code identifies one failure condition across packages.
type Code string

// Kind groups codes. The CLI maps kinds to exit codes and the API maps them
// to HTTP statuses.
type Kind string

// Severity drives alerting and audit levels.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

const (
	KindUnknown         Kind = "UNKNOWN"
	KindValidation      Kind = "VALIDATION"
	KindConfiguration   Kind = "CONFIGURATION"
	KindRPC             Kind = "RPC"
	KindContract        Kind = "CONTRACT"
	KindPayment         Kind = "PAYMENT"
	KindTransaction     Kind = "TRANSACTION"
	KindDeliveryTimeout Kind = "DELIVERY_TIMEOUT"
	KindStorage         Kind = "STORAGE"
	KindQueue           Kind = "QUEUE"
)

const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeConflict              Code = "CONFLICT"
	CodeConfiguration         Code = "CONFIGURATION_ERROR"
	CodeRPCFailure            Code = "RPC_FAILURE"
	CodeContractFailure       Code = "CONTRACT_FAILURE"
	CodePaymentFailure        Code = "PAYMENT_FAILURE"
	CodeTransactionFailure    Code = "TRANSACTION_FAILURE"
	CodeRetriesExhausted      Code = "RETRIES_EXHAUSTED"
	CodeDeliveryTimeout       Code = "DELIVERY_TIMEOUT"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeQueueFailure          Code = "QUEUE_FAILURE"
	CodeTimeout               Code = "TIMEOUT"
)

// Attributes are the defaults an Error inherits from its code.
type Attributes struct {
	Kind      Kind
	Message   string
	Severity  Severity
	Retryable bool
	Alert     bool
}

// attr is shorthand for the builtin table.
func attr(kind Kind, sev Severity, msg string, retryable, alert bool) Attributes {
	return Attributes{Kind: kind, Message: msg, Severity: sev, Retryable: retryable, Alert: alert}
}

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown:               attr(KindUnknown, SeverityCritical, "unknown error", false, true),
		CodeInvalidArgument:       attr(KindValidation, SeverityInfo, "invalid argument", false, false),
		CodeNotFound:              attr(KindValidation, SeverityInfo, "resource not found", false, false),
		CodeConflict:              attr(KindValidation, SeverityWarning, "resource conflict", false, false),
		CodeConfiguration:         attr(KindConfiguration, SeverityWarning, "invalid configuration", false, false),
		CodeRPCFailure:            attr(KindRPC, SeverityWarning, "ledger rpc failure", true, true),
		CodeContractFailure:       attr(KindContract, SeverityWarning, "contract call failed", false, false),
		CodePaymentFailure:        attr(KindPayment, SeverityWarning, "payment check failed", false, false),
		CodeTransactionFailure:    attr(KindTransaction, SeverityWarning, "transaction failed", true, true),
		CodeRetriesExhausted:      attr(KindTransaction, SeverityWarning, "retries exhausted", false, true),
		CodeDeliveryTimeout:       attr(KindDeliveryTimeout, SeverityWarning, "delivery not observed before timeout", false, false),
		CodeInitializationFailure: attr(KindConfiguration, SeverityWarning, "service not initialized", true, true),
		CodeStorageFailure:        attr(KindStorage, SeverityCritical, "storage failure", true, true),
		CodeQueueFailure:          attr(KindQueue, SeverityCritical, "queue failure", true, true),
		CodeTimeout:               attr(KindDeliveryTimeout, SeverityWarning, "operation timed out", true, true),
	}
)

// Register adds or replaces the defaults for code. Packages call it from
// init for their own codes.
func Register(code Code, a Attributes) {
	if a.Kind == "" {
		a.Kind = KindUnknown
	}
	registryMu.Lock()
	registry[code] = a
	registryMu.Unlock()
}

// AttributesOf returns the defaults for code, falling back to CodeUnknown.
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if a, ok := registry[code]; ok {
		return a
	}
	return registry[CodeUnknown]
}
