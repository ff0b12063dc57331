package main

import (
	"fmt"
	"math/big"

	"github.com/urfave/cli/v2"

	"mechx/internal/contracts"
	xerrors "mechx/internal/errors"
	"mechx/internal/payment"
	"mechx/internal/requestid"
)

var depositCmd = &cli.Command{
	Name:  "deposit",
	Usage: "Top up the prepaid balance held by the marketplace balance tracker",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "payment-type",
			Usage: "native or token",
			Value: "native",
		},
		&cli.StringFlag{
			Name:     "amount",
			Usage:    "amount in wei (or token base units)",
			Required: true,
		},
	},
	Action: func(cctx *cli.Context) error {
		tag, err := payment.ParseType(cctx.String("payment-type"))
		if err != nil {
			return err
		}
		amount, ok := new(big.Int).SetString(cctx.String("amount"), 10)
		if !ok {
			return xerrors.New(xerrors.CodeInvalidArgument, "amount must be a base-10 integer")
		}

		rt, err := connect(cctx)
		if err != nil {
			return err
		}
		defer rt.Close()

		hash, err := rt.Deposit(cctx.Context, tag, amount)
		if err != nil {
			return err
		}
		fmt.Fprintf(cctx.App.Writer, "Deposited %s (%s): %s\n", amount, payment.Name(tag), rt.Chain.ExplorerURL(hash))
		return nil
	},
}

var balanceCmd = &cli.Command{
	Name:  "balance",
	Usage: "Show the sender's prepaid balance for a payment type",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "payment-type",
			Usage: "native, token, usdc_token, native_nvm or token_nvm_usdc",
			Value: "native",
		},
	},
	Action: func(cctx *cli.Context) error {
		tag, err := payment.ParseType(cctx.String("payment-type"))
		if err != nil {
			return err
		}

		rt, err := connect(cctx)
		if err != nil {
			return err
		}
		defer rt.Close()

		strategy, err := rt.Payment(cctx.Context, tag)
		if err != nil {
			return err
		}
		balance, err := strategy.CheckPrepaidBalance(cctx.Context, rt.Sender())
		if err != nil {
			return err
		}
		fmt.Fprintf(cctx.App.Writer, "Sender:          %s\n", rt.Sender().Hex())
		fmt.Fprintf(cctx.App.Writer, "Payment type:    %s\n", payment.Name(tag))
		fmt.Fprintf(cctx.App.Writer, "Balance tracker: %s\n", strategy.BalanceTracker().Hex())
		fmt.Fprintf(cctx.App.Writer, "Prepaid balance: %s\n", balance)
		return nil
	},
}

var statusCmd = &cli.Command{
	Name:      "status",
	Usage:     "Show the marketplace status of request ids",
	ArgsUsage: "<request-id> [request-id...]",
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() == 0 {
			return xerrors.New(xerrors.CodeInvalidArgument, "at least one request id is required")
		}

		rt, err := connect(cctx)
		if err != nil {
			return err
		}
		defer rt.Close()

		market := rt.Orchestrator.Marketplace()
		for _, arg := range cctx.Args().Slice() {
			id, err := requestid.Parse(arg)
			if err != nil {
				return err
			}
			status, err := market.RequestStatus(cctx.Context, id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cctx.App.Writer, "%s  %s\n", id.Hex(), status)
			if status == contracts.StatusDoesNotExist {
				continue
			}
			info, err := market.RequestInfo(cctx.Context, id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cctx.App.Writer, "  priority mech: %s\n", info.PriorityMech.Hex())
			fmt.Fprintf(cctx.App.Writer, "  delivery mech: %s\n", info.DeliveryMech.Hex())
			fmt.Fprintf(cctx.App.Writer, "  payment type:  %s\n", payment.Name(info.PaymentType))
			fmt.Fprintf(cctx.App.Writer, "  delivery rate: %s\n", info.DeliveryRate)
		}
		return nil
	},
}
