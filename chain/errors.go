package chain

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// ErrConfirmTimeout is returned by Send when a submitted transaction did not
// confirm within the configured window. The transaction may still land; callers
// must re-check on-chain truth before resubmitting.
var ErrConfirmTimeout = errors.New("chain: confirmation timeout")

// UnavailableError wraps a transient RPC or network fault after the bounded
// retry budget is exhausted.
type UnavailableError struct {
	Chain string
	Op    string
	Err   error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("chain %s unavailable during %s: %v", e.Chain, e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// RevertError wraps a deterministic on-chain rejection. It is never retried by
// the connector; the caller decides what a revert means for its lifecycle step.
type RevertError struct {
	Chain    string
	Contract string
	Method   string
	Reason   string
	Err      error
}

func (e *RevertError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("chain %s: %s.%s reverted: %s", e.Chain, e.Contract, e.Method, e.Reason)
	}
	return fmt.Sprintf("chain %s: %s.%s reverted", e.Chain, e.Contract, e.Method)
}

func (e *RevertError) Unwrap() error { return e.Err }

// IsUnavailable reports whether err represents a transient chain fault.
func IsUnavailable(err error) bool {
	var unavailable *UnavailableError
	return errors.As(err, &unavailable)
}

// IsReverted reports whether err represents a deterministic contract revert.
func IsReverted(err error) bool {
	var reverted *RevertError
	return errors.As(err, &reverted)
}

// retryable classifies raw client errors. Reverts and context cancellation are
// deterministic; everything else coming out of an RPC round trip is assumed to
// be a transient transport fault.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if isRevert(err) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return true
}

// isRevert detects execution-reverted responses across client implementations.
func isRevert(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "execution reverted") || strings.Contains(msg, "revert")
}

// revertSelector is the 4-byte prefix of Error(string).
var revertSelector = []byte{0x08, 0xc3, 0x79, 0xa0}

// revertReason extracts the decoded Error(string) payload carried by an RPC
// error, when the client exposes it.
func revertReason(err error) string {
	type dataError interface {
		ErrorData() interface{}
	}
	var de dataError
	if !errors.As(err, &de) {
		return ""
	}
	raw, ok := de.ErrorData().(string)
	if !ok {
		return ""
	}
	return decodeRevertHex(raw)
}

func decodeRevertHex(raw string) string {
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	data, err := hex.DecodeString(raw)
	if err != nil {
		return ""
	}
	return decodeRevertData(data)
}

// decodeRevertData unpacks ABI-encoded Error(string) revert data.
func decodeRevertData(data []byte) string {
	if len(data) < 4 || !strings.HasPrefix(hex.EncodeToString(data), hex.EncodeToString(revertSelector)) {
		return ""
	}
	stringType, err := abi.NewType("string", "", nil)
	if err != nil {
		return ""
	}
	args := abi.Arguments{{Type: stringType}}
	values, err := args.Unpack(data[4:])
	if err != nil || len(values) != 1 {
		return ""
	}
	reason, _ := values[0].(string)
	return reason
}
