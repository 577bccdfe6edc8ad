package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"collabtext/journalsync/internal/config"
	"collabtext/journalsync/internal/conflict"
	"collabtext/journalsync/internal/discovery"
	"collabtext/journalsync/internal/journal"
	"collabtext/journalsync/internal/syncmgr"
)

// withSession runs fn against a session opened from the config and tears it down afterwards.
func withSession(opts *RootOptions, cmd *cobra.Command, fn func(*syncmgr.Session, config.Client) error) error {
	session, cfg, err := openSession(opts, cmd)
	if err != nil {
		return err
	}
	runErr := fn(session, cfg)
	if err := session.Teardown(); err != nil && runErr == nil {
		return err
	}
	return runErr
}

func newStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show connection health and device identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(opts, cmd, func(s *syncmgr.Session, _ config.Client) error {
				return printJSON(cmd.OutOrStdout(), s.GetStatus())
			})
		},
	}
}

func newGetCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get",
		Short: "Print the application payload",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(opts, cmd, func(s *syncmgr.Session, _ config.Client) error {
				raw, ok := s.GetData()
				if !ok {
					fmt.Fprintln(cmd.OutOrStdout(), "null")
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(raw))
				return nil
			})
		},
	}
}

func newSetCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "set <json>",
		Short: "Replace the application payload. Arguments that are not JSON are stored as strings.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload any = args[0]
			if json.Valid([]byte(args[0])) {
				payload = json.RawMessage(args[0])
			}
			return withSession(opts, cmd, func(s *syncmgr.Session, _ config.Client) error {
				return s.SetData(payload)
			})
		},
	}
}

func newEntriesCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "entries",
		Short: "List and edit journal entries",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List entries, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(opts, cmd, func(s *syncmgr.Session, _ config.Client) error {
				entries := s.Journal().Entries.List()
				out := make([]map[string]any, 0, len(entries))
				for _, e := range entries {
					out = append(out, map[string]any{
						"id":        e.ID,
						"title":     e.Title,
						"content":   e.Content,
						"timestamp": time.UnixMilli(e.Timestamp).UTC().Format(time.RFC3339),
					})
				}
				return printJSON(cmd.OutOrStdout(), out)
			})
		},
	})

	var title, content string
	add := &cobra.Command{
		Use:   "add",
		Short: "Add an entry and print its id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(opts, cmd, func(s *syncmgr.Session, _ config.Client) error {
				e, err := s.Journal().Entries.Put(journal.Entry{Title: title, Content: content})
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), e.ID)
				return nil
			})
		},
	}
	add.Flags().StringVar(&title, "title", "", "entry title")
	add.Flags().StringVar(&content, "content", "", "entry body")
	cmd.AddCommand(add)

	cmd.AddCommand(&cobra.Command{
		Use:   "rm <id>",
		Short: "Delete an entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(opts, cmd, func(s *syncmgr.Session, _ config.Client) error {
				if _, ok := s.Journal().Entries.Get(args[0]); !ok {
					return fmt.Errorf("no entry %q", args[0])
				}
				return s.Journal().Entries.Delete(args[0])
			})
		},
	})
	return cmd
}

func newRoomCommand(opts *RootOptions) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "room <name>",
		Short: "Switch the journal to a room, resolving conflicts with existing server data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(opts, cmd, func(s *syncmgr.Session, cfg config.Client) error {
				w := &conflict.Workflow{
					Checker:  &conflict.Checker{Timeout: timeout},
					Prompter: &conflict.LinePrompter{In: cmd.InOrStdin(), Out: cmd.OutOrStdout()},
				}
				out, err := w.Run(cmd.Context(), s, args[0])
				if err != nil {
					return err
				}
				if out.Choice == conflict.Cancel {
					fmt.Fprintln(cmd.OutOrStdout(), "cancelled; room unchanged")
					return nil
				}
				cfg.Room = args[0]
				if err := cfg.Save(opts.ConfigPath); err != nil {
					return err
				}
				waitConnected(cmd.Context(), s, opts.Wait)
				fmt.Fprintf(cmd.OutOrStdout(), "room %s (%s, server %s)\n", out.Room, out.Choice, out.Status)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&timeout, "check-timeout", conflict.DefaultTimeout, "how long to wait for the room status check")
	return cmd
}

func newDiscoverCommand(opts *RootOptions) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Find relays on the local network",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			relays, err := discovery.Browse(cmd.Context(), timeout)
			if err != nil {
				return err
			}
			for _, r := range relays {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", r.Instance, r.Endpoint)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "how long to listen for announcements")
	return cmd
}
