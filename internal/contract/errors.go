package contract

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

const noActiveConditionReason = "no active mint condition"

var (
	// ErrNoActiveCondition means no claim phase has started yet for the token.
	ErrNoActiveCondition = errors.New(noActiveConditionReason)
	ErrReadOnly          = errors.New("client is read-only")
)

// RevertError is a call that the contract rejected.
type RevertError struct {
	Reason string
}

func (e *RevertError) Error() string {
	return "execution reverted: " + e.Reason
}

// revertReason extracts the revert string from an RPC error, if any.
func revertReason(err error) (string, bool) {
	var re *RevertError
	if errors.As(err, &re) {
		return re.Reason, true
	}
	var de rpc.DataError
	if errors.As(err, &de) {
		if s, ok := de.ErrorData().(string); ok {
			if raw, derr := hexutil.Decode(s); derr == nil {
				if reason, uerr := abi.UnpackRevert(raw); uerr == nil {
					return reason, true
				}
			}
		}
	}
	msg := err.Error()
	if i := strings.Index(msg, "execution reverted"); i >= 0 {
		return strings.TrimLeft(msg[i+len("execution reverted"):], ": "), true
	}
	return "", false
}

// classifyCallError maps well-known reverts onto sentinel errors.
func classifyCallError(method string, err error) error {
	if reason, ok := revertReason(err); ok && strings.Contains(reason, noActiveConditionReason) {
		return fmt.Errorf("%s: %w", method, ErrNoActiveCondition)
	}
	return fmt.Errorf("%s: %w", method, err)
}

// TxInfo is what the caller knows about a transaction when it fails.
type TxInfo struct {
	From    string
	To      string
	Data    []byte
	ChainID *big.Int
	RPCURL  string
}

// TransactionError describes a failed contract transaction.
type TransactionError struct {
	Reason  string
	From    string
	To      string
	Data    string
	ChainID *big.Int
	RPCHost string
	Raw     string
	err     error
}

func (e *TransactionError) Error() string {
	var b strings.Builder
	b.WriteString("contract transaction failed: ")
	b.WriteString(e.Reason)
	writeField(&b, "from", e.From)
	writeField(&b, "to", e.To)
	writeField(&b, "data", e.Data)
	if e.ChainID != nil {
		writeField(&b, "chain", e.ChainID.String())
	}
	writeField(&b, "rpc", e.RPCHost)
	return b.String()
}

func (e *TransactionError) Unwrap() error { return e.err }

func writeField(b *strings.Builder, label, value string) {
	if value == "" {
		return
	}
	b.WriteString(" ")
	b.WriteString(label)
	b.WriteString("=")
	b.WriteString(value)
}

var (
	reasonPattern = jsonFieldPattern("message")
	dataPattern   = jsonFieldPattern("data")
	urlPattern    = jsonFieldPattern("url")
	fromPattern   = jsonFieldPattern("from")
	toPattern     = jsonFieldPattern("to")
)

// jsonFieldPattern matches "name": "value" in raw or escaped JSON and captures
// the value.
func jsonFieldPattern(name string) *regexp.Regexp {
	return regexp.MustCompile(`"` + regexp.QuoteMeta(name) + `\\?"\s*:\s*\\?"?([^"\\]*)`)
}

func firstGroup(re *regexp.Regexp, raw string) string {
	m := re.FindStringSubmatch(raw)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

// ConvertTxError wraps err with transaction context. Cancellation and
// deadline errors are returned unchanged.
func ConvertTxError(err error, info TxInfo) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var already *TransactionError
	if errors.As(err, &already) {
		return err
	}

	raw := err.Error()
	var de rpc.DataError
	if errors.As(err, &de) && de.ErrorData() != nil {
		raw = fmt.Sprintf("%s %v", raw, de.ErrorData())
	}

	reason := firstGroup(reasonPattern, raw)
	if reason == "" {
		if r, ok := revertReason(err); ok {
			reason = r
		}
	}
	reason = strings.TrimPrefix(reason, "execution reverted: ")
	if reason == "" {
		reason = raw
	}
	data := firstGroup(dataPattern, raw)
	if data == "" && len(info.Data) > 0 {
		data = hexutil.Encode(info.Data)
	}
	rpcURL := firstGroup(urlPattern, raw)
	if rpcURL == "" {
		rpcURL = info.RPCURL
	}
	from := firstGroup(fromPattern, raw)
	if from == "" {
		from = info.From
	}
	to := firstGroup(toPattern, raw)
	if to == "" {
		to = info.To
	}

	var host string
	if u, perr := url.Parse(rpcURL); perr == nil {
		host = u.Hostname()
	}
	return &TransactionError{
		Reason:  reason,
		From:    from,
		To:      to,
		Data:    data,
		ChainID: info.ChainID,
		RPCHost: host,
		Raw:     raw,
		err:     err,
	}
}
