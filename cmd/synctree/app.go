package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/synctree/client"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("SYNCTREE_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "synctree")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if err != context.Canceled {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cfg := &treeCLIConfig{logger: baseLogger}
	cmd := &cobra.Command{
		Use:           "synctree",
		Short:         "Read, write and mirror a synctree server",
		SilenceErrors: true,
		Example: `  # Read a subtree as pretty JSON
  synctree get /accounts --endpoint http://127.0.0.1:7420

  # Write one entry and show its new version token
  synctree put /accounts/alice '{"balance":10}' --etag

  # Stream translated change events as JSON lines
  synctree watch /accounts

  # Keep a local mirror directory synchronized until interrupted
  synctree sync /accounts --dir ./accounts-mirror`,
	}

	flags := cmd.PersistentFlags()
	flags.String("endpoint", "", "server base URL (e.g. http://127.0.0.1:7420)")
	flags.String("token", "", "static bearer token")
	flags.String("auth-secret", "", "HS256 secret used to mint bearer tokens")
	flags.String("auth-subject", "synctree-cli", "subject claim for minted tokens")
	flags.Duration("timeout", client.DefaultHTTPTimeout, "HTTP timeout for unary requests")
	flags.StringP("output", "o", "json", "output encoding (json|yaml)")
	flags.Bool("websocket", false, "use websocket streams instead of SSE")
	flags.BoolVarP(&cfg.verbose, "verbose", "v", false, "enable trace logging on stderr")

	bindFlag := func(name string) {
		flag := flags.Lookup(name)
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}
	viper.SetEnvPrefix("SYNCTREE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	for _, name := range []string{
		"endpoint", "token", "auth-secret", "auth-subject", "timeout", "output", "websocket",
	} {
		bindFlag(name)
	}

	cmd.AddCommand(
		newGetCommand(cfg),
		newPutCommand(cfg),
		newPatchCommand(cfg),
		newDeleteCommand(cfg),
		newCreateCommand(cfg),
		newKeysCommand(cfg),
		newWatchCommand(cfg),
		newSyncCommand(cfg),
		newVersionCommand(),
	)

	return cmd
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
