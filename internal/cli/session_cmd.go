package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"conversation-service/internal/usecase"
)

func newSessionCmd(r *runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Create, read and clear conversation sessions",
	}
	cmd.AddCommand(newSessionInitCmd(r))
	cmd.AddCommand(newSessionGetCmd(r))
	cmd.AddCommand(newSessionSaveCmd(r))
	cmd.AddCommand(newSessionClearCmd(r))
	return cmd
}

func newSessionInitCmd(r *runtime) *cobra.Command {
	var tenant string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Start a session and print its state token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := r.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			out, err := a.Service.Init(cmd.Context(), usecase.InitInput{TenantID: tenant, ClientID: "convctl"})
			if err != nil {
				return err
			}
			return printYAML(cmd.OutOrStdout(), map[string]any{
				"sessionId":  out.SessionID,
				"stateToken": out.StateToken,
				"turn":       out.Turn,
			})
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant id")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func newSessionGetCmd(r *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "get <state-token>",
		Short: "Print the session state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := r.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			out, err := a.Service.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			messages := make([]map[string]string, 0, len(out.State.LastMessages))
			for _, m := range out.State.LastMessages {
				messages = append(messages, map[string]string{"role": m.Role, "text": m.Text})
			}
			return printYAML(cmd.OutOrStdout(), map[string]any{
				"sessionId":     out.SessionID,
				"stateToken":    out.StateToken,
				"turn":          out.State.Turn,
				"summary":       out.State.Summary,
				"factsLedger":   out.State.FactsLedger,
				"pendingAction": out.State.PendingAction,
				"lastMessages":  messages,
			})
		},
	}
}

func newSessionSaveCmd(r *runtime) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "save <state-token>",
		Short: "Apply a save request body read from --file or stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var body []byte
			var err error
			if file == "" || file == "-" {
				body, err = io.ReadAll(cmd.InOrStdin())
			} else {
				body, err = os.ReadFile(file)
			}
			if err != nil {
				return fmt.Errorf("read body: %w", err)
			}

			a, err := r.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			out, err := a.Service.Save(cmd.Context(), args[0], body)
			if err != nil {
				return err
			}
			return printYAML(cmd.OutOrStdout(), map[string]any{
				"sessionId":  out.SessionID,
				"stateToken": out.StateToken,
				"turn":       out.Turn,
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "request body file (default stdin)")
	return cmd
}

func newSessionClearCmd(r *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "clear <state-token>",
		Short: "Delete every record of the session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := r.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			out, err := a.Service.Clear(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printYAML(cmd.OutOrStdout(), map[string]any{
				"sessionId":        out.SessionID,
				"messagesDeleted":  out.Report.MessagesDeleted,
				"summariesDeleted": out.Report.SummariesDeleted,
				"verified":         out.Report.Verified,
			})
		},
	}
}
