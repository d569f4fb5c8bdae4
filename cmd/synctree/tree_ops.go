package main

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"pkt.systems/synctree/api"
)

func newGetCommand(cfg *treeCLIConfig) *cobra.Command {
	var shallow bool
	var showToken bool
	filter := &filterFlags{}
	cmd := &cobra.Command{
		Use:   "get <path>",
		Short: "Read a node or filtered subtree",
		Example: `  # Fetch one entry
  synctree get /accounts/alice

  # First two accounts ordered by balance
  synctree get /accounts --order-by balance --limit-first 2`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			f, err := filter.build()
			if err != nil {
				return err
			}
			ctx, _ := commandContext(cmd)
			res, err := cli.Get(ctx, args[0], api.GetOptions{Shallow: shallow, WantToken: showToken, Filter: f})
			if err != nil {
				return err
			}
			out, err := renderValue(res.Data, cfg.output)
			if err != nil {
				return err
			}
			if _, err := cmd.OutOrStdout().Write(out); err != nil {
				return err
			}
			if showToken && res.Token != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "etag: %s\n", res.Token)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&shallow, "shallow", false, "project child names instead of values")
	cmd.Flags().BoolVar(&showToken, "etag", false, "print the node's version token to stderr")
	filter.register(cmd.Flags())
	return cmd
}

func newPutCommand(cfg *treeCLIConfig) *cobra.Command {
	var file string
	var ifMatch string
	var silent bool
	var showToken bool
	cmd := &cobra.Command{
		Use:   "put <path> [json]",
		Short: "Replace a node with a JSON value",
		Example: `  # Inline payload
  synctree put /accounts/alice '{"balance":10}'

  # Payload from a yaml file, guarded by a version token
  synctree put /accounts/alice -f alice.yaml --if-match 1a2b3c`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var inline string
			if len(args) == 2 {
				inline = args[1]
			}
			payload, err := loadPayload(inline, file)
			if err != nil {
				return err
			}
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			ctx, _ := commandContext(cmd)
			res, err := cli.Put(ctx, args[0], payload, api.WriteOptions{IfMatch: ifMatch, WantToken: showToken, Silent: silent})
			if err != nil {
				return err
			}
			if !silent {
				out, err := renderValue(res.Data, cfg.output)
				if err != nil {
					return err
				}
				if _, err := cmd.OutOrStdout().Write(out); err != nil {
					return err
				}
			}
			if showToken && res.Token != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "etag: %s\n", res.Token)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "read the payload from a json or yaml file (- for stdin)")
	cmd.Flags().StringVar(&ifMatch, "if-match", "", "only write when the node's version token matches")
	cmd.Flags().BoolVar(&silent, "silent", false, "suppress the response body")
	cmd.Flags().BoolVar(&showToken, "etag", false, "print the stored node's version token to stderr")
	return cmd
}

func newPatchCommand(cfg *treeCLIConfig) *cobra.Command {
	var file string
	var ifMatch string
	var showToken bool
	cmd := &cobra.Command{
		Use:   "patch <path> [json]",
		Short: "Merge fields into a node",
		Long: `Merge a JSON object into the node at the given path. Field names may
be slash paths to reach deeper values; a null field deletes its target.`,
		Example:       `  synctree patch /accounts/alice '{"balance":11,"tags/tier":"gold"}'`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var inline string
			if len(args) == 2 {
				inline = args[1]
			}
			payload, err := loadPayload(inline, file)
			if err != nil {
				return err
			}
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			ctx, _ := commandContext(cmd)
			res, err := cli.Patch(ctx, args[0], payload, api.WriteOptions{IfMatch: ifMatch, WantToken: showToken})
			if err != nil {
				return err
			}
			out, err := renderValue(res.Data, cfg.output)
			if err != nil {
				return err
			}
			if _, err := cmd.OutOrStdout().Write(out); err != nil {
				return err
			}
			if showToken && res.Token != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "etag: %s\n", res.Token)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "read the fields from a json or yaml file (- for stdin)")
	cmd.Flags().StringVar(&ifMatch, "if-match", "", "only write when the node's version token matches")
	cmd.Flags().BoolVar(&showToken, "etag", false, "print the merged node's version token to stderr")
	return cmd
}

func newDeleteCommand(cfg *treeCLIConfig) *cobra.Command {
	var ifMatch string
	cmd := &cobra.Command{
		Use:           "delete <path>",
		Short:         "Delete a node and its subtree",
		Example:       `  synctree delete /accounts/alice --if-match 1a2b3c`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			ctx, _ := commandContext(cmd)
			_, err = cli.Delete(ctx, args[0], api.WriteOptions{IfMatch: ifMatch, Silent: true})
			return err
		},
	}
	cmd.Flags().StringVar(&ifMatch, "if-match", "", "only delete when the node's version token matches")
	return cmd
}

func newCreateCommand(cfg *treeCLIConfig) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "create <path> [json]",
		Short: "Store a value under a server-generated key",
		Long: `Store the payload as a child of the given path under a fresh
lexicographically ordered key, and print that key.`,
		Example:       `  synctree create /accounts '{"owner":"carol"}'`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var inline string
			if len(args) == 2 {
				inline = args[1]
			}
			payload, err := loadPayload(inline, file)
			if err != nil {
				return err
			}
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			ctx, _ := commandContext(cmd)
			res, err := cli.Post(ctx, args[0], payload)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), res.Name)
			return err
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "read the payload from a json or yaml file (- for stdin)")
	return cmd
}

func newKeysCommand(cfg *treeCLIConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "keys <path>",
		Short:         "List the child keys of a node",
		Example:       `  synctree keys /accounts`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			ctx, _ := commandContext(cmd)
			res, err := cli.Get(ctx, args[0], api.GetOptions{Shallow: true})
			if err != nil {
				return err
			}
			keys, err := decodeKeys(res.Data)
			if err != nil {
				return err
			}
			for _, key := range keys {
				if _, err := fmt.Fprintln(cmd.OutOrStdout(), key); err != nil {
					return err
				}
			}
			return nil
		},
	}
	return cmd
}

func decodeKeys(data json.RawMessage) ([]string, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var children map[string]json.RawMessage
	if err := json.Unmarshal(data, &children); err != nil {
		return nil, fmt.Errorf("path has no children: %w", err)
	}
	keys := make([]string, 0, len(children))
	for key := range children {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}
