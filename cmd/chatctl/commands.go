package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/PaulBabatuyi/medlink-chat/internal/chat"
)

var errNoCache = errors.New("CACHE_DIR is not set, nothing is cached")

func newConversationsCmd(a *app) *cobra.Command {
	var archived, cached bool
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"ls"},
		Short:   "List direct and group conversations, most recent first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			c, err := a.openClient(ctx)
			if err != nil {
				return err
			}
			var convs []chat.Conversation
			if cached {
				convs, err = restoreDirectory(ctx, a, c)
			} else {
				convs, err = c.Conversations(ctx)
			}
			if err != nil {
				return err
			}
			shown := convs[:0]
			for _, conv := range convs {
				if conv.Archived == archived {
					shown = append(shown, conv)
				}
			}
			return printConversations(cmd.OutOrStdout(), shown)
		},
	}
	cmd.Flags().BoolVar(&archived, "archived", false, "list archived conversations instead")
	cmd.Flags().BoolVar(&cached, "cached", false, "show the last snapshot from CACHE_DIR without refreshing")
	return cmd
}

// restoreDirectory loads the viewer's last saved directory snapshot.
func restoreDirectory(ctx context.Context, a *app, c *chat.Client) ([]chat.Conversation, error) {
	if a.cfg.CacheDir == "" {
		return nil, errNoCache
	}
	viewer, err := c.Viewer(ctx)
	if err != nil {
		return nil, err
	}
	return c.Directory().Restore(viewer)
}

func newOpenCmd(a *app) *cobra.Command {
	var (
		follow bool
		cached bool
		older  int
	)
	cmd := &cobra.Command{
		Use:   "open <conversation-id>",
		Short: "Print a conversation and mark it read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := a.openClient(ctx)
			if err != nil {
				return err
			}
			if cached {
				if a.cfg.CacheDir == "" {
					return errNoCache
				}
				msgs, err := c.CachedMessages(args[0])
				if err != nil {
					return err
				}
				printNew(cmd.OutOrStdout(), msgs, map[string]bool{})
				return nil
			}
			tl, err := c.Open(ctx, args[0])
			if err != nil {
				return err
			}
			defer tl.Close()
			for i := 0; i < older; i++ {
				added, err := tl.LoadOlder(ctx)
				if err != nil {
					return err
				}
				if len(added) == 0 {
					break
				}
			}

			out := cmd.OutOrStdout()
			printed := map[string]bool{}
			printNew(out, tl.Messages(), printed)
			if !follow {
				return nil
			}
			return tail(ctx, c, tl, out, printed)
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing new messages until interrupted")
	cmd.Flags().IntVar(&older, "older", 0, "also load this many older pages")
	cmd.Flags().BoolVar(&cached, "cached", false, "print the page saved in CACHE_DIR without contacting the backend")
	return cmd
}

// tail prints messages as they reach the open timeline. Directory changes
// are the wake-up signal; every inbound or sent message touches the entry.
func tail(ctx context.Context, c *chat.Client, tl *chat.Timeline, out io.Writer, printed map[string]bool) error {
	wake := make(chan struct{}, 1)
	cancel := c.Directory().OnChange(func([]chat.Conversation) {
		select {
		case wake <- struct{}{}:
		default:
		}
	})
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-wake:
			printNew(out, tl.Messages(), printed)
		}
	}
}

func newSendCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "send <conversation-id> <message...>",
		Short: "Send a message",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := a.openClient(ctx)
			if err != nil {
				return err
			}
			tl, err := c.Open(ctx, args[0])
			if err != nil {
				return err
			}
			defer tl.Close()

			msg, err := tl.Send(ctx, strings.Join(args[1:], " "))
			if err != nil {
				if chat.IsRetryable(err) {
					a.log.Warn("send failed, safe to retry", zap.String("client_key", msg.ClientKey), zap.Error(err))
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %s at %s\n", msg.ID, msg.CreatedAt.Format(time.RFC3339))
			return nil
		},
	}
}

func newReadCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "read <conversation-id>",
		Short: "Mark a conversation read without printing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := a.openClient(ctx)
			if err != nil {
				return err
			}
			target, err := lookupTarget(ctx, c, args[0])
			if err != nil {
				return err
			}
			n, err := c.MarkRead(ctx, target)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "marked %d message(s) read\n", n)
			return nil
		},
	}
}

func newDirectCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "dm <peer-id>",
		Short: "Start (or find) the direct conversation with a peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.openClient(cmd.Context())
			if err != nil {
				return err
			}
			conv, err := c.StartDirect(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), conv.ID)
			return nil
		},
	}
}

func newGroupCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "group <name> [member-id...]",
		Short: "Create a group with you as admin",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.openClient(cmd.Context())
			if err != nil {
				return err
			}
			conv, err := c.CreateGroup(cmd.Context(), args[0], args[1:])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), conv.ID)
			return nil
		},
	}
}

func newMembersCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "members <conversation-id>",
		Short: "List the members of a conversation and their roles",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.openClient(cmd.Context())
			if err != nil {
				return err
			}
			members, err := c.Members(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "USER\tROLE")
			for _, m := range members {
				fmt.Fprintf(tw, "%s\t%s\n", m.UserID, m.Role)
			}
			return tw.Flush()
		},
	}
}

func newArchiveCmd(a *app) *cobra.Command {
	return newFlagCmd(a, "archive", "Archive a conversation", func(ctx context.Context, c *chat.Client, id string, on bool) (chat.Conversation, error) {
		return c.SetArchived(ctx, id, on)
	})
}

func newMuteCmd(a *app) *cobra.Command {
	return newFlagCmd(a, "mute", "Mute a conversation", func(ctx context.Context, c *chat.Client, id string, on bool) (chat.Conversation, error) {
		return c.SetMuted(ctx, id, on)
	})
}

type flagSetter func(ctx context.Context, c *chat.Client, id string, on bool) (chat.Conversation, error)

func newFlagCmd(a *app, name, short string, set flagSetter) *cobra.Command {
	var undo bool
	cmd := &cobra.Command{
		Use:   name + " <conversation-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.openClient(cmd.Context())
			if err != nil {
				return err
			}
			conv, err := set(cmd.Context(), c, args[0], !undo)
			if err != nil {
				return err
			}
			return printConversations(cmd.OutOrStdout(), []chat.Conversation{conv})
		},
	}
	cmd.Flags().BoolVar(&undo, "undo", false, "clear the flag instead of setting it")
	return cmd
}

func newDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <conversation-id>",
		Short: "Delete a conversation and its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.openClient(cmd.Context())
			if err != nil {
				return err
			}
			if err := c.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
}

func newProfileCmd(a *app) *cobra.Command {
	var p chat.Profile
	cmd := &cobra.Command{
		Use:   "profile <user-id> <display-name...>",
		Short: "Create or replace a user's profile",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := a.openBackend(ctx); err != nil {
				return err
			}
			p.UserID = args[0]
			p.DisplayName = strings.Join(args[1:], " ")
			if err := a.putProfile(ctx, p); err != nil {
				return err
			}
			if a.invalidate != nil {
				if err := a.invalidate(ctx, p.UserID); err != nil {
					a.log.Warn("profile cache invalidation failed", zap.String("user", p.UserID), zap.Error(err))
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "saved profile %s\n", p.UserID)
			return nil
		},
	}
	cmd.Flags().StringVar(&p.Specialty, "specialty", "", "clinical specialty")
	cmd.Flags().StringVar(&p.AvatarURL, "avatar", "", "avatar URL")
	return cmd
}

// lookupTarget resolves a conversation id to its target through the
// directory, refreshing it once on a miss.
func lookupTarget(ctx context.Context, c *chat.Client, id string) (chat.Target, error) {
	if conv, ok := c.Directory().Get(id); ok {
		return conv.Target(), nil
	}
	convs, err := c.Conversations(ctx)
	if err != nil {
		return chat.Target{}, err
	}
	i := slices.IndexFunc(convs, func(conv chat.Conversation) bool { return conv.ID == id })
	if i < 0 {
		return chat.Target{}, fmt.Errorf("%w: conversation %s", chat.ErrNotFound, id)
	}
	return convs[i].Target(), nil
}

func printConversations(w io.Writer, convs []chat.Conversation) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tWITH\tUNREAD\tLAST ACTIVITY\tFLAGS\tPREVIEW")
	for _, c := range convs {
		with := c.PeerID
		if c.Kind == chat.KindGroup {
			with = c.Name
		}
		last := "-"
		if !c.LastActivity.IsZero() {
			last = c.LastActivity.Local().Format("2006-01-02 15:04")
		}
		var flags []string
		if c.Archived {
			flags = append(flags, "archived")
		}
		if c.Muted {
			flags = append(flags, "muted")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			c.ID, c.Kind, with, c.UnreadCount, last, strings.Join(flags, ","), truncate(c.Preview, 40))
	}
	return tw.Flush()
}

// printNew prints messages not yet in printed, oldest first.
func printNew(w io.Writer, newestFirst []chat.Message, printed map[string]bool) {
	for i := len(newestFirst) - 1; i >= 0; i-- {
		m := newestFirst[i]
		if m.Status != chat.StatusSent || printed[m.ID] {
			continue
		}
		printed[m.ID] = true
		who := m.SenderID
		if m.Sender != nil && m.Sender.DisplayName != "" {
			who = m.Sender.DisplayName
		}
		fmt.Fprintf(w, "[%s] %s: %s\n", m.CreatedAt.Local().Format("15:04:05"), who, m.Body)
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
