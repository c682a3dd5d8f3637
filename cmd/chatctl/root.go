package main

import (
	"github.com/spf13/cobra"
)

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "chatctl",
		Short: "Clinician chat client and realtime relay",
		Long: `chatctl lists conversations, reads and sends messages and manages
directory flags against the chat backend. "chatctl relay" serves the live
message feed to websocket clients.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup()
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true

	pf := root.PersistentFlags()
	pf.BoolVar(&a.memory, "memory", false, "use an in-process store instead of MongoDB")
	pf.StringVar(&a.as, "as", "", "act as this user id (only with --memory)")
	pf.StringVar(&a.token, "token", "", "bearer token to act with (default $CHAT_TOKEN)")
	pf.StringVar(&a.logLevel, "log-level", "", "log level (default $LOG_LEVEL)")

	root.AddCommand(
		newConversationsCmd(a),
		newOpenCmd(a),
		newSendCmd(a),
		newReadCmd(a),
		newDirectCmd(a),
		newGroupCmd(a),
		newMembersCmd(a),
		newArchiveCmd(a),
		newMuteCmd(a),
		newDeleteCmd(a),
		newProfileCmd(a),
		newTokenCmd(a),
		newRelayCmd(a),
	)
	return root
}
