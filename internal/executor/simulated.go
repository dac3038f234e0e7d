package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/keywatch/internal/interfaces"
	"github.com/ternarybob/keywatch/internal/models"
)

// Simulated is a crawl executor for development and tests. It walks the
// same progress/cancel/classify contract as a real crawler without touching
// any external API.
type Simulated struct {
	logger arbor.ILogger
	// StepDelay is the pause between simulated items. Tests set it low.
	StepDelay time.Duration
}

// NewSimulated creates a simulated executor
func NewSimulated(logger arbor.ILogger) *Simulated {
	return &Simulated{
		logger:    logger,
		StepDelay: 100 * time.Millisecond,
	}
}

// Execute walks a fixed number of items derived from the job parameters,
// reporting progress and honoring the cancel signal between items.
func (s *Simulated) Execute(ctx context.Context, job *models.Job, progress interfaces.ProgressFunc, cancel *interfaces.CancelSignal) (*interfaces.CrawlResult, error) {
	total, label, err := s.plan(job)
	if err != nil {
		return nil, interfaces.NewPermanentError(err.Error())
	}

	saved := 0
	for i := 1; i <= total; i++ {
		if cancel.Cancelled() {
			s.logger.Debug().Int64("job_id", job.ID).Int("at", i).Msg("Simulated crawl observed cancel signal")
			return nil, context.Canceled
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-cancel.Done():
			return nil, context.Canceled
		case <-time.After(s.StepDelay):
		}

		saved++
		if progress != nil {
			progress(i, total, fmt.Sprintf("%s %d/%d", label, i, total))
		}
	}

	return &interfaces.CrawlResult{
		ItemsProcessed: total,
		ItemsSaved:     saved,
		ItemsFailed:    total - saved,
		PointsConsumed: total / 10,
	}, nil
}

// plan derives the simulated workload from the typed job parameters
func (s *Simulated) plan(job *models.Job) (int, string, error) {
	switch job.Type {
	case models.JobTypeKeywordCrawl:
		p, err := models.ParseKeywordCrawlParams(job.Parameters)
		if err != nil {
			return 0, "", err
		}
		return p.Limit, fmt.Sprintf("keyword %d post", p.KeywordID), nil
	case models.JobTypeTrendingCrawl:
		p, err := models.ParseTrendingCrawlParams(job.Parameters)
		if err != nil {
			return 0, "", err
		}
		return p.Limit, "trending post", nil
	case models.JobTypeAllKeywordsCrawl:
		p, err := models.ParseAllKeywordsCrawlParams(job.Parameters)
		if err != nil {
			return 0, "", err
		}
		return p.Limit, "keyword sweep", nil
	case models.JobTypeCommentsCrawl:
		p, err := models.ParseCommentsCrawlParams(job.Parameters)
		if err != nil {
			return 0, "", err
		}
		return p.Depth * 10, fmt.Sprintf("post %s comment", p.PostID), nil
	}
	return 0, "", fmt.Errorf("unknown job type %q", job.Type)
}
