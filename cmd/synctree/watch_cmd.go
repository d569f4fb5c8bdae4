package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/spf13/cobra"

	"pkt.systems/synctree"
	"pkt.systems/synctree/api"
)

// watchLine is one translated event rendered as a JSON line. Only the
// fields of the matching event kind are set.
type watchLine struct {
	Event  string                     `json:"event"`
	Key    string                     `json:"key,omitempty"`
	Value  json.RawMessage            `json:"value,omitempty"`
	Values map[string]json.RawMessage `json:"values,omitempty"`
	Fields map[string]json.RawMessage `json:"fields,omitempty"`
	Keys   []string                   `json:"keys,omitempty"`
	Path   string                     `json:"path,omitempty"`
	Reason string                     `json:"reason,omitempty"`
}

func newWatchCommand(cfg *treeCLIConfig) *cobra.Command {
	var key string
	var keysOnly bool
	filter := &filterFlags{}
	cmd := &cobra.Command{
		Use:   "watch <path>",
		Short: "Stream translated change events as JSON lines",
		Long: `Subscribe to the subtree at the given path and print one JSON line per
translated event until interrupted. --key follows a single child entry,
--keys follows the set of child names.`,
		Example: `  # Entry-level events below /accounts
  synctree watch /accounts

  # Current value of one entry, updated on every change
  synctree watch /accounts --key alice

  # The key set, re-printed whenever it changes
  synctree watch /accounts --keys`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if key != "" && keysOnly {
				return errors.New("--key and --keys are mutually exclusive")
			}
			store, err := cfg.rawStore(args[0])
			if err != nil {
				return err
			}
			ctx, _ := commandContext(cmd)
			out := cmd.OutOrStdout()
			switch {
			case key != "":
				return watchKey(ctx, out, store, key)
			case keysOnly:
				return watchKeys(ctx, out, store)
			default:
				f, err := filter.build()
				if err != nil {
					return err
				}
				return watchTree(ctx, out, store, f)
			}
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "watch a single child entry")
	cmd.Flags().BoolVar(&keysOnly, "keys", false, "watch the set of child names")
	filter.register(cmd.Flags())
	return cmd
}

func watchTree(ctx context.Context, out io.Writer, store *synctree.Store[json.RawMessage], f *api.Filter) error {
	stream, err := store.Subscribe(ctx, f)
	if err != nil {
		return err
	}
	defer stream.Close()
	enc := json.NewEncoder(out)
	for {
		ev, err := stream.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		var line watchLine
		switch e := ev.(type) {
		case synctree.ResetEvent[json.RawMessage]:
			line = watchLine{Event: "reset", Values: e.Values}
		case synctree.PutEvent[json.RawMessage]:
			line = watchLine{Event: "put", Key: e.Key, Value: e.Value}
		case synctree.DeleteEvent[json.RawMessage]:
			line = watchLine{Event: "delete", Key: e.Key}
		case synctree.PatchEvent[json.RawMessage]:
			line = watchLine{Event: "patch", Key: e.Key, Fields: e.Patch.Fields()}
		case synctree.InvalidEvent[json.RawMessage]:
			line = watchLine{Event: "invalid", Path: e.Path, Reason: e.Reason}
		default:
			continue
		}
		if err := enc.Encode(line); err != nil {
			return err
		}
	}
}

func watchKey(ctx context.Context, out io.Writer, store *synctree.Store[json.RawMessage], key string) error {
	stream, err := store.SubscribeKey(ctx, key)
	if err != nil {
		return err
	}
	defer stream.Close()
	enc := json.NewEncoder(out)
	for {
		ev, err := stream.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		var line watchLine
		switch e := ev.(type) {
		case synctree.ValueEvent[json.RawMessage]:
			line = watchLine{Event: "value", Key: key, Value: e.Value}
		case synctree.ClearEvent[json.RawMessage]:
			line = watchLine{Event: "clear", Key: key}
		case synctree.InvalidEvent[json.RawMessage]:
			line = watchLine{Event: "invalid", Path: e.Path, Reason: e.Reason}
		default:
			continue
		}
		if err := enc.Encode(line); err != nil {
			return err
		}
	}
}

func watchKeys(ctx context.Context, out io.Writer, store *synctree.Store[json.RawMessage]) error {
	stream, err := store.SubscribeKeys(ctx)
	if err != nil {
		return err
	}
	defer stream.Close()
	enc := json.NewEncoder(out)
	for {
		ev, err := stream.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		var line watchLine
		switch e := ev.(type) {
		case synctree.ValueEvent[[]string]:
			line = watchLine{Event: "keys", Keys: e.Value}
		case synctree.ClearEvent[[]string]:
			line = watchLine{Event: "clear"}
		case synctree.InvalidEvent[[]string]:
			line = watchLine{Event: "invalid", Path: e.Path, Reason: e.Reason}
		default:
			continue
		}
		if err := enc.Encode(line); err != nil {
			return err
		}
	}
}
