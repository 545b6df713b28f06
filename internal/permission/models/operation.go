package models

// Operation is a requested lifecycle transition.
type Operation string

const (
	OpValidate                     Operation = "validate"
	OpMalformed                    Operation = "malformed"
	OpSendToAdministrator          Operation = "sendToAdministrator"
	OpUnableToSend                 Operation = "unableToSend"
	OpReceiveAdministratorResponse Operation = "receiveAdministratorResponse"
	OpAccept                       Operation = "accept"
	OpInvalid                      Operation = "invalid"
	OpReject                       Operation = "reject"
	OpTerminate                    Operation = "terminate"
	OpRevoke                       Operation = "revoke"
	OpFulfill                      Operation = "fulfill"
	OpTimeLimitReached             Operation = "timeLimitReached"
	OpTimeOut                      Operation = "timeOut"
)

// AllOperations lists every operation the state machine knows about.
var AllOperations = []Operation{
	OpValidate,
	OpMalformed,
	OpSendToAdministrator,
	OpUnableToSend,
	OpReceiveAdministratorResponse,
	OpAccept,
	OpInvalid,
	OpReject,
	OpTerminate,
	OpRevoke,
	OpFulfill,
	OpTimeLimitReached,
	OpTimeOut,
}

// operationRank is the lifecycle rank of the earliest status an operation is
// normally issued from.
var operationRank = map[Operation]int{
	OpValidate:                     0,
	OpMalformed:                    0,
	OpSendToAdministrator:          1,
	OpUnableToSend:                 1,
	OpReceiveAdministratorResponse: 2,
	OpAccept:                       2,
	OpInvalid:                      2,
	OpReject:                       2,
	OpTimeLimitReached:             2,
	OpTerminate:                    3,
	OpRevoke:                       3,
	OpFulfill:                      3,
	OpTimeOut:                      4,
}

// IsValid reports whether op is a known operation.
func (op Operation) IsValid() bool {
	_, ok := operationRank[op]
	return ok
}

// Rank returns the lifecycle rank of the status op is normally issued from.
func (op Operation) Rank() int {
	return operationRank[op]
}

func (op Operation) String() string { return string(op) }
