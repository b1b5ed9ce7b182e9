package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/freehandle/ledger/notify"
	"github.com/freehandle/ledger/schema"
)

func watchCmd() *cobra.Command {
	var filter notify.Filter
	cmd := &cobra.Command{
		Use:   "watch <ws://host:port/events>",
		Short: "Print events pushed by a server",
		Long: `Subscribe to a push endpoint and print every matching event. When the config
file can be read, payloads are decoded with its definitions.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var registry *schema.Registry
			if cfg, err := loadConfig(); err == nil {
				registry, _ = cfg.Registry()
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()
			client, err := notify.Dial(ctx, args[0])
			if err != nil {
				return fmt.Errorf("could not connect to %s: %w", args[0], err)
			}
			go func() {
				<-ctx.Done()
				client.Close()
			}()
			if err := client.Subscribe(filter); err != nil {
				return err
			}
			for {
				event, err := client.Next()
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
				fmt.Println(formatEvent(event, registry))
			}
		},
	}
	cmd.Flags().StringVar(&filter.Type, "type", "", "definition or definition.op to watch, empty for all")
	cmd.Flags().Uint32Var(&filter.Chain, "chain", 0, "chain id, 0 for all")
	cmd.Flags().Uint64Var(&filter.Entity, "entity", 0, "entity id, 0 for all")
	return cmd
}

func formatEvent(event notify.Event, registry *schema.Registry) string {
	head := fmt.Sprintf("%s entity=%d seq=%d", event.Type, event.Entity, event.Sequence)
	if registry == nil || len(event.Payload) == 0 {
		return head
	}
	definition, err := registry.Lookup(event.Definition)
	if err != nil {
		return head
	}
	values, err := definition.Decode(event.Payload)
	if err != nil {
		return head + " (undecodable payload)"
	}
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	fields := make([]string, 0, len(names))
	for _, name := range names {
		fields = append(fields, fmt.Sprintf("%s=%v", name, values[name]))
	}
	return head + " " + strings.Join(fields, " ")
}
