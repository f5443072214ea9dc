package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/elowen-ai/elowen/internal/adapters/embedding"
	"github.com/elowen-ai/elowen/internal/adapters/postgres"
	"github.com/elowen-ai/elowen/internal/adapters/vectorstore"
	"github.com/elowen-ai/elowen/internal/domain/models"
	"github.com/jackc/pgx/v5"
	"github.com/spf13/cobra"
)

const reconcilePageSize = 200

// reconcileCmd sweeps vector index entries whose backing message row is
// gone or whose conversation has been deleted. The turn pipeline keeps the
// index consistent during normal operation; this catches up after crashes
// mid-delete or manual database surgery.
func reconcileCmd() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Remove orphaned vector index entries",
		Long: `Scan each entity's vector index and delete entries that no longer
have a live backing message: the message row is gone, or its
conversation has been deleted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			pool, err := initDB(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			messageRepo := postgres.NewMessageRepository(pool)
			conversationRepo := postgres.NewConversationRepository(pool)
			indexRepo := postgres.NewMemoryIndexRepository(pool)

			embeddingClient := embedding.NewClient(
				cfg.Embedding.URL,
				cfg.Embedding.APIKey,
				cfg.Embedding.Model,
				cfg.Embedding.Dimensions,
			)
			store := vectorstore.New(indexRepo, embeddingClient)

			totalScanned := 0
			totalOrphaned := 0

			// Conversation liveness is shared across entities; a multi-entity
			// conversation indexes the same message under several entities.
			liveConversations := make(map[string]bool)

			for _, entity := range cfg.Entities {
				scanned, orphaned, err := reconcileEntity(ctx, store, messageRepo, conversationRepo, liveConversations, entity.ID, dryRun)
				if err != nil {
					return fmt.Errorf("reconcile failed for entity %s: %w", entity.ID, err)
				}
				fmt.Printf("Entity %s: %d entries scanned, %d orphaned\n", entity.ID, scanned, orphaned)
				totalScanned += scanned
				totalOrphaned += orphaned
			}

			if dryRun {
				fmt.Printf("\nDry run: %d of %d entries would be removed\n", totalOrphaned, totalScanned)
			} else {
				fmt.Printf("\nRemoved %d of %d entries\n", totalOrphaned, totalScanned)
			}

			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report orphaned entries without deleting them")

	return cmd
}

// reconcileEntity pages through one entity's index and removes entries
// without a live message.
func reconcileEntity(
	ctx context.Context,
	store *vectorstore.Store,
	messageRepo *postgres.MessageRepository,
	conversationRepo *postgres.ConversationRepository,
	liveConversations map[string]bool,
	entityID string,
	dryRun bool,
) (scanned, orphaned int, err error) {
	cursor := ""
	for {
		ids, next, err := store.ListIDs(ctx, entityID, cursor, reconcilePageSize)
		if err != nil {
			return scanned, orphaned, fmt.Errorf("failed to list index entries: %w", err)
		}
		if len(ids) == 0 {
			break
		}
		scanned += len(ids)

		messages, err := messageRepo.GetByIDs(ctx, ids)
		if err != nil {
			return scanned, orphaned, fmt.Errorf("failed to load messages: %w", err)
		}
		byID := make(map[string]*models.Message, len(messages))
		for _, m := range messages {
			byID[m.ID] = m
		}

		for _, id := range ids {
			msg, ok := byID[id]
			if ok {
				alive, known := liveConversations[msg.ConversationID]
				if !known {
					_, err := conversationRepo.GetByID(ctx, msg.ConversationID)
					switch {
					case err == nil:
						alive = true
					case errors.Is(err, pgx.ErrNoRows):
						alive = false
					default:
						return scanned, orphaned, fmt.Errorf("failed to check conversation %s: %w", msg.ConversationID, err)
					}
					liveConversations[msg.ConversationID] = alive
				}
				if alive {
					continue
				}
			}

			orphaned++
			if dryRun {
				fmt.Printf("  would remove %s/%s\n", entityID, id)
				continue
			}
			if err := store.Delete(ctx, entityID, id); err != nil {
				return scanned, orphaned, fmt.Errorf("failed to delete %s/%s: %w", entityID, id, err)
			}
		}

		if next == "" {
			break
		}
		cursor = next
	}

	return scanned, orphaned, nil
}
