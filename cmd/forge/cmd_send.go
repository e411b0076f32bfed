package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"forge/pkg/mail"
)

// newSendCmd creates the "forge send" subcommand.
func newSendCmd() *cobra.Command {
	var list bool
	var from string
	var kind string
	var priority string

	cmd := &cobra.Command{
		Use:   "send [agent] [message]",
		Short: "Send a message to an agent's mailbox",
		Long:  "Writes a message document into the recipient's mailbox. With --list,\nshows the messages waiting in each mailbox instead.",
		Args:  cobra.RangeArgs(0, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			mailbox, err := mail.NewStore(a.workDir, a.log)
			if err != nil {
				return err
			}

			if list {
				return listMessages(cmd, mailbox)
			}
			if len(args) != 2 {
				return fmt.Errorf("usage: forge send <agent> <message>")
			}

			k := mail.Kind(kind)
			if !k.Valid() {
				return fmt.Errorf("unknown message kind %q", kind)
			}
			p := mail.Priority(priority)
			if !p.Valid() {
				return fmt.Errorf("unknown priority %q", priority)
			}

			m := mail.New(k, from, args[0], args[1], p)
			if err := mailbox.Send(m); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %s message %s to %s\n", m.Kind, m.ID, args[0])
			return nil
		},
	}

	cmd.Flags().BoolVar(&list, "list", false, "list waiting messages instead of sending")
	cmd.Flags().StringVar(&from, "from", mail.MasterID, "sender agent ID")
	cmd.Flags().StringVar(&kind, "kind", string(mail.KindStatus), "message kind (task, status, result, error)")
	cmd.Flags().StringVar(&priority, "priority", string(mail.PriorityMedium), "message priority (high, medium, low)")

	return cmd
}

// listMessages prints every waiting message per mailbox.
func listMessages(cmd *cobra.Command, mailbox *mail.Store) error {
	w := cmd.OutOrStdout()

	printBox := func(agentID string) error {
		msgs, err := mailbox.Receive(agentID, "")
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			return nil
		}
		fmt.Fprintf(w, "%s:\n", agentID)
		for _, m := range msgs {
			fmt.Fprintf(w, "  %s  %-6s  from %-10s  %s\n", m.ID, m.Kind, m.Sender, m.Timestamp)
		}
		return nil
	}

	if err := printBox(mail.MasterID); err != nil {
		return err
	}
	workers, err := mailbox.Workers()
	if err != nil {
		return err
	}
	total := 0
	for _, worker := range workers {
		if err := printBox(worker); err != nil {
			return err
		}
		n, err := mailbox.Count(worker)
		if err != nil {
			return err
		}
		total += n
	}
	masterCount, err := mailbox.Count(mail.MasterID)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%d message(s) waiting\n", total+masterCount)
	return nil
}
