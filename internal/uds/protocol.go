// Package uds is the control socket between the CLI and a running router:
// length-prefixed JSON request/response frames over a Unix domain socket.
package uds

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

const (
	ProtocolVersion = 1
	MaxFrameSize    = 10 * 1024 * 1024
)

// Control commands understood by the router.
const (
	CmdPing     = "ping"
	CmdScan     = "scan"
	CmdDownload = "download"
	CmdStatus   = "status"
	CmdShutdown = "shutdown"
)

type Request struct {
	ProtocolVersion int             `json:"protocol_version"`
	Command         string          `json:"command"`
	Params          json.RawMessage `json:"params,omitempty"`
}

type Response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *ErrorDetail    `json:"error,omitempty"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorDetail) Error() string {
	return e.Code + ": " + e.Message
}

const (
	ErrCodeProtocolMismatch = "PROTOCOL_MISMATCH"
	ErrCodeUnknownCommand   = "UNKNOWN_COMMAND"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeShuttingDown     = "SHUTTING_DOWN"
)

// StatusData is the payload of a status reply.
type StatusData struct {
	PID         int            `json:"pid"`
	StartedAt   time.Time      `json:"started_at"`
	StorageRoot string         `json:"storage_root"`
	Stages      map[string]int `json:"stages"`
	ActiveRepos []string       `json:"active_repos"`
	QuietHours  string         `json:"quiet_hours"`
	QuietNow    bool           `json:"quiet_now"`
}

// CycleData is the payload of scan and download replies.
type CycleData struct {
	Recovered  int  `json:"recovered,omitempty"`
	Invalid    int  `json:"invalid,omitempty"`
	Skipped    int  `json:"skipped,omitempty"`
	Dispatched int  `json:"dispatched,omitempty"`
	Fetched    int  `json:"fetched,omitempty"`
	Written    int  `json:"written,omitempty"`
	Duplicates int  `json:"duplicates,omitempty"`
	Suppressed bool `json:"suppressed,omitempty"`
	Shared     bool `json:"shared,omitempty"`
}

func NewRequest(command string, params any) (*Request, error) {
	req := &Request{
		ProtocolVersion: ProtocolVersion,
		Command:         command,
	}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = data
	}
	return req, nil
}

func SuccessResponse(data any) *Response {
	resp := &Response{Success: true}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return ErrorResponse(ErrCodeInternal, fmt.Sprintf("marshal response: %v", err))
		}
		resp.Data = raw
	}
	return resp
}

func ErrorResponse(code, message string) *Response {
	return &Response{
		Success: false,
		Error:   &ErrorDetail{Code: code, Message: message},
	}
}

// DefaultSocketName is the socket filename inside the storage root.
const DefaultSocketName = "router.sock"

// WriteFrame writes [4-byte BigEndian length][JSON payload].
func WriteFrame(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if len(data) > MaxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(data))
	}

	if err := binary.Write(w, binary.BigEndian, uint32(len(data))); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	// io.Copy handles short writes
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

func ReadFrame(r io.Reader, v any) error {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read frame length: %w", err)
	}
	if length > MaxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", length)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("read frame payload: %w", err)
	}
	if err := json.Unmarshal(buf, v); err != nil {
		return fmt.Errorf("unmarshal frame: %w", err)
	}
	return nil
}
