package consensus

import (
	"errors"
	"fmt"
)

// ErrorKind is the coarse failure taxonomy shared across the node. Handlers
// route on the kind (ban scoring, abort-vs-retry); codes carry the detail.
type ErrorKind string

const (
	KindCodec      ErrorKind = "codec"
	KindProtocol   ErrorKind = "protocol"
	KindValidation ErrorKind = "validation"
	KindConsensus  ErrorKind = "consensus"
	KindStorage    ErrorKind = "storage"
	KindResource   ErrorKind = "resource"
)

type ErrorCode string

const (
	CODEC_ERR_TRUNCATED ErrorCode = "CODEC_ERR_TRUNCATED"
	CODEC_ERR_OVERFLOW  ErrorCode = "CODEC_ERR_OVERFLOW"
	CODEC_ERR_TRAILING  ErrorCode = "CODEC_ERR_TRAILING"
	CODEC_ERR_VARIANT   ErrorCode = "CODEC_ERR_VARIANT"

	TX_ERR_EMPTY             ErrorCode = "TX_ERR_EMPTY"
	TX_ERR_VALUE_RANGE       ErrorCode = "TX_ERR_VALUE_RANGE"
	TX_ERR_OVERSIZE          ErrorCode = "TX_ERR_OVERSIZE"
	TX_ERR_DUPLICATE_INPUT   ErrorCode = "TX_ERR_DUPLICATE_INPUT"
	TX_ERR_COINBASE_SHAPE    ErrorCode = "TX_ERR_COINBASE_SHAPE"
	TX_ERR_MISSING_UTXO      ErrorCode = "TX_ERR_MISSING_UTXO"
	TX_ERR_FEE_NEGATIVE      ErrorCode = "TX_ERR_FEE_NEGATIVE"
	TX_ERR_LOCK_UNSATISFIED  ErrorCode = "TX_ERR_LOCK_UNSATISFIED"
	TX_ERR_IMMATURE_COINBASE ErrorCode = "TX_ERR_IMMATURE_COINBASE"

	BLOCK_ERR_PARSE            ErrorCode = "BLOCK_ERR_PARSE"
	BLOCK_ERR_NO_TXS           ErrorCode = "BLOCK_ERR_NO_TXS"
	BLOCK_ERR_COINBASE_INVALID ErrorCode = "BLOCK_ERR_COINBASE_INVALID"
	BLOCK_ERR_MERKLE_INVALID   ErrorCode = "BLOCK_ERR_MERKLE_INVALID"
	BLOCK_ERR_POW_INVALID      ErrorCode = "BLOCK_ERR_POW_INVALID"
	BLOCK_ERR_BITS_INVALID     ErrorCode = "BLOCK_ERR_BITS_INVALID"
	BLOCK_ERR_SUBSIDY_EXCEEDED ErrorCode = "BLOCK_ERR_SUBSIDY_EXCEEDED"
	BLOCK_ERR_OVERSIZE         ErrorCode = "BLOCK_ERR_OVERSIZE"
)

// RuleError is the discriminated failure value used for every codec,
// validation, and consensus rejection. It never wraps storage errors; those
// travel as plain wrapped errors so callers can tell the two apart.
type RuleError struct {
	Kind ErrorKind
	Code ErrorCode
	Msg  string
}

func (e *RuleError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func ruleErr(kind ErrorKind, code ErrorCode, msg string) error {
	return &RuleError{Kind: kind, Code: code, Msg: msg}
}

func codecErr(code ErrorCode, msg string) error {
	return ruleErr(KindCodec, code, msg)
}

// ErrKind extracts the taxonomy kind from err, or "" when err is not a
// RuleError anywhere in its chain.
func ErrKind(err error) ErrorKind {
	var re *RuleError
	if errors.As(err, &re) {
		return re.Kind
	}
	return ""
}

// IsRuleCode reports whether err carries the given code.
func IsRuleCode(err error, code ErrorCode) bool {
	var re *RuleError
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}
