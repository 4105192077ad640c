package cmd

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/stemsi/exstem-proctor/internal/database"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile <session-id>...",
	Short: "Queue finished sessions for answer reconciliation",
	Long: `Queue finished sessions for answer reconciliation.

The jobs land on the retry queue and are picked up by a running server's
reconcile worker, which copies any cached or drafted answers that never
reached the responses table.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids := make([]uuid.UUID, 0, len(args))
		for _, arg := range args {
			id, err := uuid.Parse(arg)
			if err != nil {
				return fmt.Errorf("invalid session id %q", arg)
			}
			ids = append(ids, id)
		}

		ctx := cmd.Context()
		log := logger.Setup(cfg.LogLevel, "pretty")
		rdb, err := database.NewRedisClient(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer rdb.Close()

		queue := repository.NewJobQueue(rdb)
		now := time.Now().UTC()
		for _, id := range ids {
			if err := queue.EnqueueReconcile(ctx, model.ReconcileJob{SessionID: id, NotBefore: now}); err != nil {
				return fmt.Errorf("enqueue %s: %w", id, err)
			}
			log.Info().Str("session_id", id.String()).Msg("Reconciliation queued")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
}
