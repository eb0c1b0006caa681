package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"insights/api/internal/chat"
	"insights/api/internal/store"
	"insights/api/internal/util"
)

var (
	transcriptUser string
	transcriptRole string
	transcriptText string
)

var transcriptCmd = &cobra.Command{
	Use:   "transcript",
	Short: "Inspect and edit chat history transcripts",
}

var transcriptShowCmd = &cobra.Command{
	Use:   "show <notebook-id>",
	Short: "Print a transcript the way clients see it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(ctx context.Context, st *store.PostgresStore) error {
			notebookID := args[0]
			rows, err := st.ListChatHistory(ctx, util.SessionKey(notebookID, transcriptUser))
			if err != nil {
				return err
			}
			sources, err := st.ListSources(ctx, notebookID)
			if err != nil {
				return err
			}
			table := make(chat.SourceTable, len(sources))
			for _, source := range sources {
				table[source.ID] = chat.SourceInfo{Title: source.Title, Type: source.Type}
			}

			messages := make([]chat.Message, 0, len(rows))
			for _, row := range rows {
				messages = append(messages, chat.IngestRow(chat.Record{ID: row.ID, SessionID: row.SessionID, Message: row.Message}, table))
			}
			reconciler := chat.NewReconciler()
			reconciler.Load(messages)

			encoder := json.NewEncoder(os.Stdout)
			encoder.SetIndent("", "  ")
			return encoder.Encode(reconciler.Messages())
		})
	},
}

var transcriptAppendCmd = &cobra.Command{
	Use:   "append <notebook-id>",
	Short: "Write a message to the chat history log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if transcriptRole != string(chat.RoleHuman) && transcriptRole != string(chat.RoleAI) {
			return fmt.Errorf("role must be %q or %q", chat.RoleHuman, chat.RoleAI)
		}
		body, err := json.Marshal(map[string]any{"type": transcriptRole, "content": transcriptText})
		if err != nil {
			return err
		}
		return withStore(cmd.Context(), func(ctx context.Context, st *store.PostgresStore) error {
			row, err := st.InsertChatHistory(ctx, util.SessionKey(args[0], transcriptUser), body)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "inserted row %d into %s\n", row.ID, row.SessionID)
			return nil
		})
	},
}

var transcriptClearCmd = &cobra.Command{
	Use:   "clear <notebook-id>",
	Short: "Delete a transcript from the chat history log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(ctx context.Context, st *store.PostgresStore) error {
			sessionID := util.SessionKey(args[0], transcriptUser)
			deleted, err := st.DeleteChatHistory(ctx, sessionID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d rows from %s\n", deleted, sessionID)
			return nil
		})
	},
}

func withStore(ctx context.Context, fn func(context.Context, *store.PostgresStore) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(ctx, store.NewPostgresStore(db))
}

func init() {
	transcriptCmd.PersistentFlags().StringVar(&transcriptUser, "user", "", "user id; empty selects the anonymous transcript")
	transcriptAppendCmd.Flags().StringVar(&transcriptRole, "role", string(chat.RoleAI), "message role (human or ai)")
	transcriptAppendCmd.Flags().StringVar(&transcriptText, "text", "", "message text")
	_ = transcriptAppendCmd.MarkFlagRequired("text")
	transcriptCmd.AddCommand(transcriptShowCmd, transcriptAppendCmd, transcriptClearCmd)
}
