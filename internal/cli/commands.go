package cli

import (
	"errors"
	"esi/internal/assembler"
	"esi/internal/models"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	pinStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("212"))
	dateStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
)

func newAskCmd(o *rootOptions) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "ask <prompt>",
		Short: "Send one prompt and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defer o.teardown()
			a := o.app

			var att *models.Attachment
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("read attachment: %w", err)
				}
				att = &models.Attachment{Name: filepath.Base(file), Data: data}
			}

			out, err := a.chat.Send(cmd.Context(), strings.Join(args, " "), att)
			if err != nil {
				return err
			}
			msgs, err := a.store.Messages(out.SessionID)
			if err != nil {
				return err
			}
			for _, m := range msgs {
				if m.ID == out.MessageID {
					fmt.Fprintln(cmd.OutOrStdout(), assembler.PlainText(m.Content))
				}
			}
			if out.Failure != nil {
				return fmt.Errorf("reply failed: %w", out.Failure)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Attach a file to the prompt")
	return cmd
}

func newSessionsCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List sessions from the configured store",
		RunE: func(cmd *cobra.Command, args []string) error {
			defer o.teardown()
			a := o.app
			if !a.sync.Enabled() {
				return errors.New("no remote store signed in; set ESI_STORE and ESI_EMAIL/ESI_PASSWORD")
			}

			sessions := a.store.List()
			w := cmd.OutOrStdout()
			if len(sessions) == 0 {
				fmt.Fprintln(w, "No sessions.")
				return nil
			}
			tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, headerStyle.Render("ID")+"\t"+headerStyle.Render("TITLE")+"\t"+headerStyle.Render("MESSAGES")+"\t"+headerStyle.Render("CREATED"))
			for _, s := range sessions {
				title := s.Title
				if s.Pinned {
					title = pinStyle.Render("* ") + title
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", s.ID, title, len(s.Messages), dateStyle.Render(s.CreatedAt.Local().Format("2006-01-02 15:04")))
			}
			return tw.Flush()
		},
	}
}
