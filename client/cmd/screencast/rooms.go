package main

import (
	"fmt"
	"strings"

	"github.com/adwski/screencast/backend/model"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func newRoomsCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rooms",
		Short: "Manage rooms",
	}
	cmd.AddCommand(
		newRoomsListCmd(opts),
		newRoomsCreateCmd(opts),
		newRoomsWatchCmd(opts),
	)
	return cmd
}

func newRoomsListCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List rooms",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := opts.roomsClient(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			list, err := client.List(cmd.Context())
			if err != nil {
				return fmt.Errorf("cannot list rooms: %w", err)
			}
			if len(list) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No rooms")
				return nil
			}

			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.SetStyle(table.StyleLight)
			t.AppendHeader(table.Row{"ID", "Name", "Publisher", "Subscribers"})
			for _, r := range list {
				t.AppendRow(table.Row{r.ID, r.Name, yesNo(r.HasPublisher), r.SubscriberCount})
			}
			t.Render()
			return nil
		},
	}
}

func newRoomsCreateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "create [name]",
		Short: "Create a room",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.roomsClient(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			created, err := client.Create(cmd.Context(), strings.Join(args, ""))
			if err != nil {
				return fmt.Errorf("cannot create room: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created room %q: %s\n", created.Name, created.RoomID)
			return nil
		},
	}
}

func newRoomsWatchCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print room membership changes as they happen",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := opts.roomsClient(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			ctx, cancel := notifyContext(cmd.Context())
			defer cancel()
			return client.Watch(ctx, func(ev model.RoomEvent) {
				fmt.Fprintf(cmd.OutOrStdout(), "%-18s room=%s peer=%s publisher=%s subscribers=%d\n",
					ev.Type, ev.RoomID, ev.PeerID, yesNo(ev.HasPublisher), ev.SubscriberCount)
			})
		},
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
