package cdp

import (
	"errors"

	nativecommon "cdpledger/native/common"
	"cdpledger/native/oracle"
	"cdpledger/native/params"
)

var (
	ErrUselessOperation       = errors.New("cdp: useless operation")
	ErrUndercollateralized    = errors.New("cdp: position undercollateralized")
	ErrStillCollateralized    = errors.New("cdp: position still collateralized")
	ErrTransferRejected       = errors.New("cdp: token transfer rejected")
	ErrInsufficientCollateral = errors.New("cdp: insufficient collateral")
	ErrClockRegression        = errors.New("cdp: clock moved backwards")
	ErrExcessRepayment        = errors.New("cdp: repayment exceeds debt")
	ErrPositionExists         = errors.New("cdp: spawned position exists")
	ErrDebtCeilingExceeded    = errors.New("cdp: debt ceiling exceeded")
	ErrRoutingBps             = errors.New("cdp: collateral routing exceeds 100%")
	ErrInvalidAmount          = errors.New("cdp: amount must not be negative")
	ErrNotConfigured          = errors.New("cdp: engine not configured")

	ErrStaleOrInvalidProof = oracle.ErrStaleOrInvalidProof
	ErrUnsupportedAsset    = oracle.ErrUnsupportedAsset
	ErrModulePaused        = nativecommon.ErrModulePaused
	ErrUnknownAsset        = params.ErrUnknownAsset
)

var reasons = []struct {
	err  error
	code string
}{
	{ErrUselessOperation, "USELESS_TX"},
	{ErrUndercollateralized, "UNDERCOLLATERALIZED"},
	{ErrStillCollateralized, "STILL_COLLATERALIZED"},
	{ErrTransferRejected, "TRANSFER_FROM_FAILED"},
	{ErrStaleOrInvalidProof, "STALE_OR_INVALID_PROOF"},
	{ErrUnsupportedAsset, "UNSUPPORTED_ASSET"},
	{ErrInsufficientCollateral, "INSUFFICIENT_COLLATERAL"},
	{ErrClockRegression, "CLOCK_REGRESSION"},
	{ErrExcessRepayment, "EXCESS_REPAYMENT"},
	{ErrPositionExists, "SPAWNED_POSITION_EXISTS"},
	{ErrDebtCeilingExceeded, "DEBT_CEILING_EXCEEDED"},
	{ErrModulePaused, "PAUSED"},
	{ErrRoutingBps, "ROUTING_BPS"},
	{ErrUnknownAsset, "UNKNOWN_ASSET"},
	{ErrInvalidAmount, "INVALID_AMOUNT"},
}

// Reason maps an error returned by the engine to a stable reason code. Nil
// maps to the empty string and unrecognised errors to INTERNAL.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.code
		}
	}
	return "INTERNAL"
}
