// Command plugctl inspects and exercises plugin modules from the command
// line: print the catalogue manifest schema, list which operations a plugin
// implements, or dispatch a single operation against it.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/quicplug/quicplug/catalogue"
	"github.com/quicplug/quicplug/runtime"
	sandboxwazero "github.com/quicplug/quicplug/sandbox/wazero"
	"github.com/quicplug/quicplug/wire"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "plugctl",
		Short:         "Inspect and exercise QUIC plugin modules",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.String("catalogue", "", "path to the operation catalogue manifest (YAML)")
	flags.Duration("budget", runtime.DefaultBudget, "per-call execution budget")
	flags.Uint32("memory-pages", sandboxwazero.DefaultMemoryLimitPages, "guest memory growth limit in 64 KiB pages")
	flags.Bool("verbose", false, "log at debug level")

	viper.SetEnvPrefix("QUICPLUG")
	viper.AutomaticEnv()
	cobra.CheckErr(viper.BindPFlags(flags))

	root.AddCommand(newSchemaCmd(), newInspectCmd(), newCallCmd())
	return root
}

func newSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON schema for catalogue manifests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := catalogue.ManifestSchema()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <plugin.wasm>",
		Short: "List which catalogue operations a plugin implements",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cat, ld, cleanup, err := setup(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			inst, err := loadFile(ctx, ld, args[0])
			if err != nil {
				return err
			}

			ops := cat.Operations()
			sort.Slice(ops, func(i, j int) bool { return ops[i].ID < ops[j].ID })
			for _, op := range ops {
				state := "absent"
				if inst.Implements(op.ID) {
					state = "implemented"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-12s %-32s %s\n", op.ID, op.Name, state)
			}
			return nil
		},
	}
}

func newCallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "call <plugin.wasm> <op-id> [arg...]",
		Short: "Dispatch one operation with unsigned integer arguments",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cat, ld, cleanup, err := setup(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			id, err := strconv.ParseUint(args[1], 0, 64)
			if err != nil {
				return fmt.Errorf("bad operation id %q: %w", args[1], err)
			}
			op, ok := cat.Lookup(catalogue.OperationID(id))
			if !ok {
				return fmt.Errorf("operation 0x%x is not in the catalogue", id)
			}
			inputs, err := parseInputs(op, args[2:])
			if err != nil {
				return err
			}

			inst, err := loadFile(ctx, ld, args[0])
			if err != nil {
				return err
			}
			conn := runtime.NewConn()
			if err := conn.Attach(ctx, inst); err != nil {
				return err
			}
			defer conn.Close(ctx)
			inst.SetEnabled(true)

			outs, ok, err := conn.TryDispatch(ctx, op.ID, inputs)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintln(cmd.OutOrStdout(), "not overridden")
				return nil
			}
			for _, v := range outs {
				fmt.Fprintln(cmd.OutOrStdout(), v)
			}
			return nil
		},
	}
}

func setup(ctx context.Context) (*catalogue.Catalogue, *runtime.Loader, func(), error) {
	path := viper.GetString("catalogue")
	if path == "" {
		return nil, nil, nil, fmt.Errorf("--catalogue is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, nil, err
	}
	cat, err := catalogue.Load(data)
	if err != nil {
		return nil, nil, nil, err
	}

	level := slog.LevelInfo
	if viper.GetBool("verbose") {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	engine, err := sandboxwazero.New(ctx,
		sandboxwazero.WithMemoryLimitPages(viper.GetUint32("memory-pages")))
	if err != nil {
		return nil, nil, nil, err
	}
	ld, err := runtime.NewLoader(ctx, cat, engine,
		runtime.WithLogger(logger),
		runtime.WithBudget(viper.GetDuration("budget")))
	if err != nil {
		_ = engine.Close(ctx)
		return nil, nil, nil, err
	}

	cleanup := func() {
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = ld.Close(shutdown)
	}
	return cat, ld, cleanup, nil
}

func loadFile(ctx context.Context, ld *runtime.Loader, path string) (*runtime.Instance, error) {
	wasm, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ld.Load(ctx, wasm)
}

func parseInputs(op catalogue.Operation, args []string) ([]wire.Value, error) {
	if len(args) != len(op.Params) {
		return nil, fmt.Errorf("operation declares %d inputs, got %d", len(op.Params), len(args))
	}
	inputs := make([]wire.Value, 0, len(args))
	for i, arg := range args {
		switch op.Params[i] {
		case wire.KindU64:
			v, err := strconv.ParseUint(arg, 0, 64)
			if err != nil {
				return nil, fmt.Errorf("bad input %d: %w", i, err)
			}
			inputs = append(inputs, wire.U64(v))
		case wire.KindU32:
			v, err := strconv.ParseUint(arg, 0, 32)
			if err != nil {
				return nil, fmt.Errorf("bad input %d: %w", i, err)
			}
			inputs = append(inputs, wire.U32(uint32(v)))
		case wire.KindI64:
			v, err := strconv.ParseInt(arg, 0, 64)
			if err != nil {
				return nil, fmt.Errorf("bad input %d: %w", i, err)
			}
			inputs = append(inputs, wire.I64(v))
		case wire.KindI32:
			v, err := strconv.ParseInt(arg, 0, 32)
			if err != nil {
				return nil, fmt.Errorf("bad input %d: %w", i, err)
			}
			inputs = append(inputs, wire.I32(int32(v)))
		default:
			return nil, fmt.Errorf("input %d: kind %s is not supported from the command line", i, op.Params[i])
		}
	}
	return inputs, nil
}
