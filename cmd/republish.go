// services/hub/cmd/republish.go
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"example.com/backstage/services/hub/internal/core"
	"example.com/backstage/services/hub/internal/infrastructure"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	republishHub         string
	republishStartTime   string
	republishEndTime     string
	republishLimit       int
	republishDryRun      bool
	republishConcurrency int
)

var republishCmd = &cobra.Command{
	Use:   "republish",
	Short: "Republish hub events to the message bus",
	Long: `Drains events spooled to the write-ahead log while the bus was unavailable.
With --hub and a time range it instead re-emits a readings-ingested event built
from the readings stored for that hub.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRepublish(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(republishCmd)

	// Command flags
	republishCmd.Flags().StringVar(&republishHub, "hub", "", "Hub identifier number to re-emit readings for")
	republishCmd.Flags().StringVarP(&republishStartTime, "start", "s", "", "Start time (RFC3339 format, e.g., 2024-01-01T00:00:00Z)")
	republishCmd.Flags().StringVarP(&republishEndTime, "end", "e", "", "End time (RFC3339 format, e.g., 2024-01-02T00:00:00Z)")
	republishCmd.Flags().IntVarP(&republishLimit, "limit", "l", 1000, "Maximum number of spooled events to process")
	republishCmd.Flags().BoolVar(&republishDryRun, "dry-run", false, "Show what would be republished without actually sending")
	republishCmd.Flags().IntVar(&republishConcurrency, "concurrency", 10, "Number of concurrent workers")
}

func runRepublish(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var messaging *infrastructure.Messaging
	if !republishDryRun {
		var err error
		messaging, err = infrastructure.NewMessaging(cfg.ServiceBus)
		if err != nil {
			return fmt.Errorf("messaging connection failed: %w", err)
		}
		defer messaging.Close()
	}

	var publisher core.EventPublisher
	if messaging != nil {
		publisher = messaging
	}

	if republishHub != "" {
		return republishHubReadings(ctx, publisher)
	}

	logger.Info("Draining spooled events...")
	wal, err := infrastructure.NewWAL(cfg.Storage.WALPath)
	if err != nil {
		return fmt.Errorf("failed to open WAL: %w", err)
	}
	defer wal.Close()

	republisher := &EventRepublisher{
		spool:       wal,
		publisher:   publisher,
		logger:      logger,
		dryRun:      republishDryRun,
		concurrency: republishConcurrency,
	}

	stats, err := republisher.Drain(ctx, republishLimit)
	if err != nil {
		return fmt.Errorf("republish failed: %w", err)
	}

	// Print results
	logger.WithFields(logrus.Fields{
		"total_processed": stats.TotalProcessed,
		"successful":      stats.Successful,
		"failed":          stats.Failed,
		"skipped":         stats.Skipped,
		"dry_run":         republishDryRun,
	}).Info("Republish completed")

	if stats.Failed > 0 {
		logger.Warnf("Failed to republish %d events", stats.Failed)
	}
	return nil
}

func republishHubReadings(ctx context.Context, publisher core.EventPublisher) error {
	if republishStartTime == "" || republishEndTime == "" {
		return fmt.Errorf("--hub requires both --start and --end")
	}
	start, err := time.Parse(time.RFC3339, republishStartTime)
	if err != nil {
		return fmt.Errorf("invalid start time format: %w", err)
	}
	end, err := time.Parse(time.RFC3339, republishEndTime)
	if err != nil {
		return fmt.Errorf("invalid end time format: %w", err)
	}

	db, err := infrastructure.NewDatabase(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	readings := core.NewReadingQueryService(core.NewRepository(db.DB), cfg.Identifiers.HubPrefix, logger)
	summary, err := readings.HubReadingsSummary(ctx, republishHub, start, end)
	if err != nil {
		return fmt.Errorf("failed to summarize readings: %w", err)
	}
	if summary == nil {
		logger.WithField("hub", republishHub).Info("No readings in range, nothing to republish")
		return nil
	}

	event, err := core.NewEvent(core.TopicReadingsIngested, summary)
	if err != nil {
		return err
	}

	log := logger.WithFields(logrus.Fields{
		"hub":           republishHub,
		"event_id":      event.ID,
		"reading_count": summary.ReadingCount,
		"sensors":       len(summary.Sensors),
	})
	if publisher == nil {
		log.Info("DRY RUN: would republish readings event")
		return nil
	}

	if err := publisher.Publish(ctx, event.Topic, event); err != nil {
		return fmt.Errorf("failed to publish readings event: %w", err)
	}
	log.Info("Readings event republished")
	return nil
}

// RepublishStats contains statistics about the republish operation
type RepublishStats struct {
	TotalProcessed int
	Successful     int
	Failed         int
	Skipped        int
}

// EventSource is the spool the republisher drains.
type EventSource interface {
	Pending() ([]infrastructure.WALEntry, error)
	Remove(ids ...string) error
	MarkFailed(ids ...string) error
	Compact() error
}

// EventRepublisher replays spooled events onto the bus
type EventRepublisher struct {
	spool       EventSource
	publisher   core.EventPublisher
	logger      *logrus.Logger
	dryRun      bool
	concurrency int
}

// Drain publishes up to limit pending events, acknowledging each one the bus
// accepts. A nil publisher behaves as a dry run.
func (r *EventRepublisher) Drain(ctx context.Context, limit int) (*RepublishStats, error) {
	stats := &RepublishStats{}

	entries, err := r.spool.Pending()
	if err != nil {
		return stats, fmt.Errorf("failed to read spooled events: %w", err)
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}

	stats.TotalProcessed = len(entries)
	r.logger.Infof("Found %d spooled events to process", len(entries))

	if r.dryRun || r.publisher == nil {
		r.logger.Info("DRY RUN: No events will be sent")
		for i, entry := range entries {
			if i >= 10 {
				r.logger.Infof("... and %d more events", len(entries)-10)
				break
			}
			r.logger.WithFields(logrus.Fields{
				"event_id":  entry.ID,
				"spooled":   entry.Timestamp,
				"retries":   entry.Retries,
				"data_size": len(entry.Data),
			}).Info("Would republish event")
		}
		return stats, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(r.concurrency, 1))

	for _, entry := range entries {
		g.Go(func() error {
			outcome := r.processEntry(gctx, entry)

			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case outcomePublished:
				stats.Successful++
			case outcomeSkipped:
				stats.Skipped++
			default:
				stats.Failed++
			}
			return nil
		})
	}
	// Workers never return errors; failures are counted.
	_ = g.Wait()

	if err := r.spool.Compact(); err != nil {
		r.logger.WithError(err).Warn("Failed to compact WAL")
	}
	return stats, nil
}

type republishOutcome int

const (
	outcomePublished republishOutcome = iota
	outcomeFailed
	outcomeSkipped
)

func (r *EventRepublisher) processEntry(ctx context.Context, entry infrastructure.WALEntry) republishOutcome {
	log := r.logger.WithField("event_id", entry.ID)

	var event core.Event
	if err := json.Unmarshal(entry.Data, &event); err != nil || event.Topic == "" {
		// Unreadable records can never be delivered; acknowledge them so they are compacted away.
		log.WithError(err).Error("Dropping unreadable spooled event")
		if err := r.spool.Remove(entry.ID); err != nil {
			log.WithError(err).Warn("Failed to acknowledge spooled event")
		}
		return outcomeSkipped
	}

	if err := r.publisher.Publish(ctx, event.Topic, &event); err != nil {
		log.WithError(err).WithField("topic", event.Topic).Error("Failed to publish event")
		if err := r.spool.MarkFailed(entry.ID); err != nil {
			log.WithError(err).Warn("Failed to record delivery attempt")
		}
		return outcomeFailed
	}

	if err := r.spool.Remove(entry.ID); err != nil {
		log.WithError(err).Warn("Failed to acknowledge spooled event")
	}

	log.WithField("topic", event.Topic).Debug("Event republished successfully")
	return outcomePublished
}
