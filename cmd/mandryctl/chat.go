package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ashureev/mandry/internal/agent"
	"github.com/ashureev/mandry/internal/domain"
	"github.com/spf13/cobra"
)

func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Chat with the assistant",
		Long: `Without arguments, starts an interactive session reading one message per line.
With a message, sends a single turn and prints the reply.

Interactive commands:
  /reset   start a new conversation
  /quit    exit`,
		Example: `
# Interactive session
mandryctl chat

# One-shot question in a named conversation
mandryctl chat --session trip-2026 "What documents do I need?"
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := clientFromFlags(cmd)
			if err != nil {
				return err
			}
			if len(args) > 0 {
				resp, _, err := c.Chat(cmd.Context(), strings.Join(args, " "), nil)
				if err != nil {
					return err
				}
				printReply(cmd.OutOrStdout(), resp)
				return nil
			}
			return repl(cmd, c, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	return cmd
}

func repl(cmd *cobra.Command, c *client, in io.Reader, out io.Writer) error {
	var state json.RawMessage
	scanner := bufio.NewScanner(in)
	fmt.Fprint(out, "> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			fmt.Fprint(out, "> ")
			continue
		case "/quit", "/exit":
			return nil
		case "/reset":
			state = nil
			fmt.Fprintln(out, "(new conversation)")
			fmt.Fprint(out, "> ")
			continue
		}

		resp, next, err := c.Chat(cmd.Context(), line, state)
		switch {
		case isStatus(err, http.StatusConflict):
			// Another client advanced this conversation; start over.
			state = nil
			fmt.Fprintln(out, "! conversation changed elsewhere, starting over")
		case err != nil:
			fmt.Fprintln(out, "!", err)
		default:
			state = next
			printReply(out, resp)
			if resp.CurrentStep == domain.StepEnd {
				return nil
			}
		}
		fmt.Fprint(out, "> ")
	}
	return scanner.Err()
}

func printReply(out io.Writer, resp *agent.ChatResponse) {
	fmt.Fprintln(out, resp.Response)
	for _, cit := range resp.Citations {
		fmt.Fprintf(out, "  [%d] %s %s\n", cit.Ordinal, cit.Title, cit.URL)
	}
	if resp.Degraded {
		fmt.Fprintln(out, "  (degraded: the turn was not saved)")
	}
}
