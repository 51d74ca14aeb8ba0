package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"grid-client/internal/storage"
	"grid-client/internal/transfer"
)

// watch follows a submitted transfer until it finishes, mirroring its
// progress into the log and the journal. onSuccess runs after a successful
// transfer has been journaled.
func (c *Client) watch(h *transfer.Handle, onSuccess func(ctx context.Context, h *transfer.Handle, logger *logrus.Entry)) {
	id := h.ID().String()
	logger := c.log.WithFields(logrus.Fields{
		"transfer_id": id,
		"project":     h.Project(),
		"direction":   string(h.Direction()),
	})
	// outlives pool shutdown
	ctx := context.WithoutCancel(c.pool.Context())

	c.monitors.Add(1)
	go func() {
		defer c.monitors.Done()

		progressLogger := newProgressLogger(logger, string(h.Direction()))
		running := false
		last := -1
		h.Watch(ctx, c.cfg.PollInterval, func(progress int) {
			if !running && h.Started() {
				running = true
				if err := c.journal.MarkRunning(ctx, id); err != nil {
					logger.Warnf("mark running: %v", err)
				}
			}
			if progress == last {
				return
			}
			last = progress
			progressLogger(h.Transferred(), h.Total())
			if err := c.journal.UpdateProgress(ctx, id, progress, h.Transferred(), h.Total()); err != nil {
				logger.Warnf("update progress: %v", err)
			}
		})

		ok, err := h.WasSuccessful(ctx)
		if !ok {
			if err == nil {
				err = fmt.Errorf("transfer ended without result")
			}
			if markErr := c.journal.MarkFailed(ctx, id, err); markErr != nil {
				logger.Errorf("persist failure status: %v", markErr)
			}
			logger.Errorf("%s failed: %v", h.Direction(), err)
			return
		}

		if err := c.journal.MarkSucceeded(ctx, id); err != nil {
			logger.Errorf("mark succeeded: %v", err)
		}
		logger.Infof("%s completed (%s)", h.Direction(), formatBytes(h.Transferred()))
		if onSuccess != nil {
			onSuccess(ctx, h, logger)
		}
	}()
}

// mirrorResult copies a downloaded result to object storage. A failed copy is
// logged and leaves the transfer succeeded.
func (c *Client) mirrorResult(ctx context.Context, h *transfer.Handle, logger *logrus.Entry) {
	if c.mirror == nil {
		return
	}
	key := storage.MirrorKey(c.cfg.MirrorPrefix, c.cfg.ClientName, h.Project(), h.LocalPath())
	progressLogger := newProgressLogger(logger, "mirror")

	location, err := c.mirror.UploadFile(ctx, h.LocalPath(), storage.UploadOptions{
		Bucket:           c.cfg.MirrorBucket,
		Key:              key,
		ContentType:      "application/zip",
		Metadata:         storage.ResultMetadata(c.cfg.ClientName, h.Project()),
		ProgressCallback: progressLogger,
	})
	if err != nil {
		logger.Warnf("mirror result: %v", err)
		return
	}
	if err := c.journal.MarkMirrored(ctx, h.ID().String(), location); err != nil {
		logger.Warnf("record mirror location: %v", err)
	}
	logger.Infof("result mirrored to %s", location)
}

func newProgressLogger(logger *logrus.Entry, what string) func(done, total int64) {
	var lastLog time.Time
	return func(done, total int64) {
		now := time.Now()
		if total == 0 {
			if now.Sub(lastLog) < 500*time.Millisecond && done != 0 {
				return
			}
			lastLog = now
			logger.Infof("%s progress: %s", what, formatBytes(done))
			return
		}

		if now.Sub(lastLog) < 500*time.Millisecond && done != total {
			return
		}
		lastLog = now
		logger.Infof("%s progress: %d%% (%s/%s)", what, transfer.Percent(done, total), formatBytes(done), formatBytes(total))
	}
}

func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%dB", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB",
		float64(b)/float64(div),
		"KMGTPE"[exp],
	)
}
