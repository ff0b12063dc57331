package main

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	xerrors "mechx/internal/errors"
	"mechx/internal/mech"
)

// Process exit codes by error kind.
const (
	exitOK              = 0
	exitUnknown         = 1
	exitValidation      = 2
	exitConfiguration   = 3
	exitRPC             = 4
	exitContract        = 5
	exitPayment         = 6
	exitTransaction     = 7
	exitDeliveryTimeout = 8
	exitStorage         = 9
)

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	switch xerrors.KindOf(err) {
	case xerrors.KindValidation:
		return exitValidation
	case xerrors.KindConfiguration:
		return exitConfiguration
	case xerrors.KindRPC:
		return exitRPC
	case xerrors.KindContract:
		return exitContract
	case xerrors.KindPayment:
		return exitPayment
	case xerrors.KindTransaction:
		return exitTransaction
	case xerrors.KindDeliveryTimeout:
		return exitDeliveryTimeout
	case xerrors.KindStorage, xerrors.KindQueue:
		return exitStorage
	default:
		return exitUnknown
	}
}

// deliveryError reports a wait that ended without any delivery. Partial
// deliveries are not an error.
func deliveryError(res *mech.Result) error {
	if len(res.RequestIDs) == 0 || len(res.Deliveries) > 0 {
		return nil
	}
	return xerrors.New(xerrors.CodeDeliveryTimeout,
		fmt.Sprintf("no delivery for %d request(s)", len(res.RequestIDs)),
		xerrors.WithMetadata("request_ids", joinHashes(res.RequestIDs)))
}

func joinHashes(hashes []common.Hash) string {
	hex := make([]string, len(hashes))
	for i, h := range hashes {
		hex[i] = h.Hex()
	}
	return strings.Join(hex, ",")
}
