package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/pixell/agent-billing/pkg/enums"
	"github.com/pixell/agent-billing/pkg/outbox"
)

func newOutboxCmd(load configLoader) *cobra.Command {
	outboxCmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and replay dead-lettered billing notifications",
	}

	var (
		reason string
		limit  int
	)
	dlqCmd := &cobra.Command{
		Use:   "dlq",
		Short: "List dead-lettered outbox events, newest first",
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			var filter enums.OutboxDLQErrorReason
			if reason != "" {
				if filter, err = enums.ParseOutboxDLQErrorReason(reason); err != nil {
					return err
				}
			}
			rt, err := connect(cmd.Context(), load)
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, rt.Close()) }()

			rows, err := outbox.NewDLQRepository(rt.db.DB()).ListRecent(cmd.Context(), filter, limit)
			if err != nil {
				return err
			}
			entries := make([]map[string]any, 0, len(rows))
			for _, row := range rows {
				entries = append(entries, map[string]any{
					"eventId":      row.EventID,
					"eventType":    row.EventType,
					"aggregateId":  row.AggregateID,
					"reason":       row.ErrorReason,
					"error":        row.ErrorMessage,
					"attemptCount": row.AttemptCount,
					"failedAt":     row.FailedAt,
					"replayable":   row.ErrorReason.Replayable(),
				})
			}
			return printJSON(cmd.OutOrStdout(), entries)
		},
	}
	dlqCmd.Flags().StringVar(&reason, "reason", "", "only show max_attempts, non_retryable or unroutable")
	dlqCmd.Flags().IntVar(&limit, "limit", 50, "maximum rows to print")

	var rawEventID string
	requeueCmd := &cobra.Command{
		Use:   "requeue",
		Short: "Return a dead-lettered event to the outbox for another publish",
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			eventID, err := uuid.Parse(rawEventID)
			if err != nil {
				return fmt.Errorf("invalid --event: %w", err)
			}
			rt, err := connect(cmd.Context(), load)
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, rt.Close()) }()

			ok, err := outbox.NewDLQRepository(rt.db.DB()).Requeue(cmd.Context(), eventID)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no dead letter for event %s", eventID)
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"eventId": eventID, "requeued": true})
		},
	}
	requeueCmd.Flags().StringVar(&rawEventID, "event", "", "outbox event id (required)")
	_ = requeueCmd.MarkFlagRequired("event")

	outboxCmd.AddCommand(dlqCmd, requeueCmd)
	return outboxCmd
}
