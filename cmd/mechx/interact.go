package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"mechx/internal/app"
	xerrors "mechx/internal/errors"
	"mechx/internal/journal"
	"mechx/internal/mech"
	"mechx/internal/task"
	"mechx/pkg/logger"
)

var interactCmd = &cli.Command{
	Name:  "interact",
	Usage: "Send one request per prompt/tool pair to a mech and wait for the deliveries",
	Flags: []cli.Flag{
		&cli.StringSliceFlag{
			Name:     "prompts",
			Usage:    "prompt text; repeat for a batch",
			Required: true,
		},
		&cli.StringSliceFlag{
			Name:     "tools",
			Usage:    "tool name; one per prompt",
			Required: true,
		},
		&cli.StringFlag{
			Name:     "priority-mech",
			Usage:    "address of the mech that should serve the request",
			Required: true,
		},
		&cli.StringFlag{
			Name:  "payment-type",
			Usage: "expected payment type of the mech (native, token, usdc_token, native_nvm, token_nvm_usdc)",
		},
		&cli.BoolFlag{
			Name:  "use-prepaid",
			Usage: "pay from the prepaid balance instead of attaching value",
		},
		&cli.BoolFlag{
			Name:  "use-offchain",
			Usage: "send signed requests to the mech's endpoint instead of the marketplace",
		},
		&cli.StringFlag{
			Name:  "offchain-url",
			Usage: "mech endpoint (defaults to $MECHX_MECH_OFFCHAIN_URL)",
		},
		&cli.StringSliceFlag{
			Name:  "extra-attribute",
			Usage: "key=value added to the request metadata; JSON values are decoded",
		},
		&cli.DurationFlag{
			Name:  "timeout",
			Usage: "maximum wait for deliveries",
		},
		&cli.BoolFlag{
			Name:  "json",
			Usage: "print the result as JSON",
		},
	},
	Action: func(cctx *cli.Context) error {
		extra, err := parseAttributes(cctx.StringSlice("extra-attribute"))
		if err != nil {
			return err
		}
		req := task.Request{
			Prompts:         cctx.StringSlice("prompts"),
			Tools:           cctx.StringSlice("tools"),
			PriorityMech:    cctx.String("priority-mech"),
			PaymentType:     cctx.String("payment-type"),
			UsePrepaid:      cctx.Bool("use-prepaid"),
			UseOffchain:     cctx.Bool("use-offchain"),
			OffchainURL:     cctx.String("offchain-url"),
			ExtraAttributes: extra,
			TimeoutSeconds:  int(cctx.Duration("timeout") / time.Second),
		}
		mreq, err := req.MechRequest()
		if err != nil {
			return err
		}

		rt, err := connect(cctx)
		if err != nil {
			return err
		}
		defer rt.Close()

		res, err := rt.Orchestrator.Submit(cctx.Context, mreq)
		if err != nil {
			return err
		}
		record(cctx, rt, mreq, res)

		out := cctx.App.Writer
		if cctx.Bool("json") {
			if err := printJSON(out, task.NewExecutionResult(res)); err != nil {
				return err
			}
		} else {
			printResult(out, res)
		}
		return deliveryError(res)
	},
}

// record appends the outcome to the request journal. Journal failures are
// logged and do not fail the command.
func record(cctx *cli.Context, rt *app.App, req mech.Request, res *mech.Result) {
	repo, err := app.OpenJournal(cctx.Context, rt.Config)
	if err != nil {
		logger.L().Warn("request journal unavailable", slog.String("error", err.Error()))
		return
	}
	if repo == nil {
		return
	}
	defer repo.Close()
	if err := repo.Save(cctx.Context, journal.FromResult("", req.PriorityMech, res, time.Now())...); err != nil {
		logger.L().Warn("request journal write failed", slog.String("error", err.Error()))
	}
}

func parseAttributes(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("extra attribute %q is not key=value", pair))
		}
		var decoded any
		if err := json.Unmarshal([]byte(value), &decoded); err == nil {
			out[key] = decoded
			continue
		}
		out[key] = value
	}
	return out, nil
}

func printResult(w io.Writer, res *mech.Result) {
	fmt.Fprintf(w, "Flow:         %s\n", res.Flow)
	fmt.Fprintf(w, "Sender:       %s\n", res.Sender.Hex())
	if res.ExplorerURL != "" {
		fmt.Fprintf(w, "Transaction:  %s\n", res.ExplorerURL)
	}
	for i, id := range res.RequestIDs {
		fmt.Fprintf(w, "\nRequest %d:    %s\n", i+1, id.Hex())
		if i < len(res.ContentIDs) {
			fmt.Fprintf(w, "  Content:    %s\n", res.ContentIDs[i])
		}
		d, ok := res.Deliveries[id]
		if !ok {
			fmt.Fprintln(w, "  Status:     no delivery")
			continue
		}
		fmt.Fprintf(w, "  Status:     %s (%s)\n", d.Status, d.Source)
		fmt.Fprintf(w, "  Mech:       %s\n", d.DeliveryMech.Hex())
		if d.ResultPointer != "" {
			fmt.Fprintf(w, "  Result:     %s\n", d.ResultPointer)
		}
		if body, ok := res.Contents[id]; ok {
			fmt.Fprintf(w, "  Content:    %s\n", strings.TrimSpace(string(body)))
		}
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
