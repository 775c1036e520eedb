package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"vaultline/internal/audit"
	"vaultline/internal/config"
	"vaultline/internal/domain"
	"vaultline/internal/engine"
	"vaultline/internal/store"
)

// Scheduled task channels.
const (
	ChannelDailyBriefing = "daily_briefing"
	ChannelWeeklyReview  = "weekly_review"
	ChannelSocialPost    = "social_post"
)

// Scheduler deposits recurring tasks. Whether a period is already covered
// is read from the vault: each period has a fixed task id, so a task that
// was generated earlier, on this host or another, is never generated again.
type Scheduler struct {
	Engine       engine.Engine
	BriefingHour int
	ReviewDay    time.Weekday
	SocialDays   []time.Weekday
	// Location is the zone periods are computed in; nil means UTC.
	Location *time.Location
}

// NewScheduler builds a scheduler from config, or returns nil when
// scheduling is disabled or assigned to another role.
func NewScheduler(cfg config.ScheduleConfig, eng engine.Engine) (*Scheduler, error) {
	if !cfg.Enabled || (cfg.Role != "" && cfg.Role != eng.Role.Name) {
		return nil, nil
	}
	review, err := config.ParseWeekday(cfg.ReviewWeekday)
	if err != nil {
		return nil, err
	}
	s := &Scheduler{Engine: eng, BriefingHour: cfg.BriefingHour, ReviewDay: review}
	for _, d := range cfg.SocialDays {
		wd, err := config.ParseWeekday(d)
		if err != nil {
			return nil, err
		}
		s.SocialDays = append(s.SocialDays, wd)
	}
	return s, nil
}

type slot struct {
	channel  string
	id       string
	title    string
	priority domain.Priority
	body     string
}

// due returns the tasks whose period has started at now.
func (s *Scheduler) due(now time.Time) []slot {
	loc := s.Location
	if loc == nil {
		loc = time.UTC
	}
	now = now.In(loc)
	if now.Hour() < s.BriefingHour {
		return nil
	}
	day := now.Format("20060102")
	var out []slot
	out = append(out, slot{
		channel:  ChannelDailyBriefing,
		id:       ChannelDailyBriefing + "_" + day,
		title:    "Daily briefing for " + now.Format("Monday, January 2, 2006"),
		priority: domain.PriorityHigh,
		body: "Summarize yesterday's activity, highlight pending tasks and approvals, " +
			"and note anything recurring.\n",
	})
	if now.Weekday() == s.ReviewDay {
		year, week := now.ISOWeek()
		out = append(out, slot{
			channel:  ChannelWeeklyReview,
			id:       fmt.Sprintf("%s_%dW%02d", ChannelWeeklyReview, year, week),
			title:    fmt.Sprintf("Weekly review for week %d of %d", week, year),
			priority: domain.PriorityHigh,
			body:     "Summarize the week, the completion rate and open items, and propose next week's priorities.\n",
		})
	}
	for _, d := range s.SocialDays {
		if now.Weekday() == d {
			out = append(out, slot{
				channel:  ChannelSocialPost,
				id:       ChannelSocialPost + "_" + day,
				title:    "Draft a social post",
				priority: domain.PriorityMedium,
				body:     "Draft a post for the business's professional audience. Publishing requires approval.\n",
			})
			break
		}
	}
	return out
}

// Generate creates the due tasks that do not exist yet and returns their ids.
func (s *Scheduler) Generate(ctx context.Context, now time.Time) ([]string, error) {
	var created []string
	var errs []error
	for _, sl := range s.due(now) {
		_, err := s.Engine.CreateTask(ctx, engine.TaskCreateOptions{
			ID:       sl.id,
			Channel:  sl.channel,
			Title:    sl.title,
			Body:     sl.body,
			Priority: sl.priority,
		})
		if err != nil {
			if errors.Is(err, store.ErrExists) {
				continue
			}
			errs = append(errs, fmt.Errorf("%s: %w", sl.id, err))
			continue
		}
		created = append(created, sl.id)
		if s.Engine.Audit != nil {
			if err := s.Engine.Audit.Record(ctx, audit.ActionScheduledGenerated, sl.id, domain.ResultSuccess, "", audit.Payload{"channel": sl.channel}); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return created, errors.Join(errs...)
}
