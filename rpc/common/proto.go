package common

import (
	"encoding/json"
	"fmt"

	"github.com/ValentinKolb/dMap/lib/cluster"
)

// --------------------------------------------------------------------------
// Message Structure
// --------------------------------------------------------------------------

// Message is the envelope of everything sent between nodes.
// Which fields are used depends on the type of message.
type Message struct {
	// Type of message
	MsgType MessageType `json:"msg_type"`

	// Routing
	Service      string          `json:"service,omitempty"`       // Used for: all, names the handling service
	PartitionID  int32           `json:"partition_id"`            // Used for: all
	ReplicaIndex int32           `json:"replica_index,omitempty"` // Used for: BackupResponse
	CallID       uint64          `json:"call_id"`                 // Used for: all, constant across retries
	Attempt      uint32          `json:"attempt,omitempty"`       // Used for: Operation (request), Response (echoed)
	Caller       cluster.Address `json:"caller"`                  // Node that sent the message

	// Payload
	BackupCount int32  `json:"backup_count,omitempty"` // Used for: Response, number of backups the caller must wait for
	Payload     []byte `json:"payload,omitempty"`      // Used for: Operation, Response, Backup, BackupResponse

	// Response only fields
	ErrCode ErrCode `json:"err_code,omitempty"` // ErrCodeNone on success
	Err     string  `json:"err,omitempty"`      // Empty if no error, otherwise contains the error message
}

// --------------------------------------------------------------------------
// Message Factory Functions
// --------------------------------------------------------------------------

// NewOperationRequest creates a new Operation request
func NewOperationRequest(service string, partitionID int32, callID uint64, attempt uint32, caller cluster.Address, payload []byte) *Message {
	return &Message{
		MsgType:     MsgTOperation,
		Service:     service,
		PartitionID: partitionID,
		CallID:      callID,
		Attempt:     attempt,
		Caller:      caller,
		Payload:     payload,
	}
}

// NewResponse creates the successful response to an Operation request
func NewResponse(req *Message, self cluster.Address, payload []byte, backupCount int32) *Message {
	return &Message{
		MsgType:     MsgTResponse,
		Service:     req.Service,
		PartitionID: req.PartitionID,
		CallID:      req.CallID,
		Attempt:     req.Attempt,
		Caller:      self,
		BackupCount: backupCount,
		Payload:     payload,
	}
}

// NewErrorResponse creates a failed response to an Operation request
func NewErrorResponse(req *Message, self cluster.Address, code ErrCode, err error) *Message {
	msg := &Message{
		MsgType:     MsgTResponse,
		Service:     req.Service,
		PartitionID: req.PartitionID,
		CallID:      req.CallID,
		Attempt:     req.Attempt,
		Caller:      self,
		ErrCode:     code,
	}
	if err != nil {
		msg.Err = err.Error()
	}
	return msg
}

// NewBackupRequest creates a Backup message carrying an encoded backup operation
func NewBackupRequest(service string, partitionID int32, replicaIndex int32, caller cluster.Address, payload []byte) *Message {
	return &Message{
		MsgType:      MsgTBackup,
		Service:      service,
		PartitionID:  partitionID,
		ReplicaIndex: replicaIndex,
		Caller:       caller,
		Payload:      payload,
	}
}

// NewBackupResponse creates a BackupResponse message carrying an encoded backup response
func NewBackupResponse(service string, partitionID int32, callID uint64, self cluster.Address, payload []byte) *Message {
	return &Message{
		MsgType:     MsgTBackupResponse,
		Service:     service,
		PartitionID: partitionID,
		CallID:      callID,
		Caller:      self,
		Payload:     payload,
	}
}

// --------------------------------------------------------------------------
// Error Codes
// --------------------------------------------------------------------------

// ErrCode classifies the error of a response
type ErrCode uint8

const (
	ErrCodeNone      ErrCode = iota // No error
	ErrCodeRetryable                // Transient, the caller may send the request again
	ErrCodePermanent                // Any other error, never retried
)

func (c ErrCode) String() string {
	switch c {
	case ErrCodeNone:
		return "none"
	case ErrCodeRetryable:
		return "retryable"
	case ErrCodePermanent:
		return "permanent"
	default:
		return fmt.Sprintf("ErrCode(%d)", uint8(c))
	}
}

// --------------------------------------------------------------------------
// Message Type Definition
// --------------------------------------------------------------------------

// MessageType defines the type of message sent between nodes.
type MessageType uint8

// String returns the string representation of a MessageType.
func (t MessageType) String() string {
	switch t {
	case MsgTOperation:
		return "operation"
	case MsgTResponse:
		return "response"
	case MsgTBackup:
		return "backup"
	case MsgTBackupResponse:
		return "backupResponse"
	default:
		return "unknown"
	}
}

// MarshalJSON implements the json.Marshaller interface for MessageType.
// This allows MessageType to be serialized as a string in JSON.
func (t MessageType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for MessageType.
// This allows MessageType to be deserialized from a string in JSON.
func (t *MessageType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	switch s {
	case "operation":
		*t = MsgTOperation
	case "response":
		*t = MsgTResponse
	case "backup":
		*t = MsgTBackup
	case "backupResponse":
		*t = MsgTBackupResponse
	case "unknown":
		*t = MsgTUnknown
	default:
		return fmt.Errorf("unknown message type: %s", s)
	}

	return nil
}

// --------------------------------------------------------------------------
// Message Type Constants
// --------------------------------------------------------------------------

const (
	MsgTUnknown MessageType = iota

	// Invocations

	MsgTOperation // Request executed on the partition owner
	MsgTResponse  // Reply to an operation, correlated by call id and attempt

	// Replication

	MsgTBackup         // Backup operation sent from the primary to a replica
	MsgTBackupResponse // Acknowledgement sent from a replica to the first caller
)
