package backup

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/juju/clock"
)

// Reasons an artifact is removed by retention.
const (
	ReasonExpired   = "expired"
	ReasonRedundant = "redundant same-day"
	ReasonExcess    = "over retention count"
)

var artifactName = regexp.MustCompile(`^(.+)-(\d{8}_\d{6})`)

// RetentionRecord is one artifact found by the retention scan.
type RetentionRecord struct {
	Path    string
	ModTime time.Time
	// Key groups artifacts of the same domain and device made on the same day.
	Key    string
	Reason string
}

// RetentionPlan is the classification computed before anything is deleted.
type RetentionPlan struct {
	Keep    []RetentionRecord
	Delete  []RetentionRecord
	Rescued *RetentionRecord
}

// Retention removes expired and redundant artifacts from a domain directory.
type Retention struct {
	Days  int
	Count int
	Clock clock.Clock
}

// NewRetention keeps one artifact per device and day for days days. A
// positive count leaves room for the artifact the run is about to write: at
// most count-1 existing ones survive.
func NewRetention(days, count int, clk clock.Clock) *Retention {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Retention{Days: days, Count: count, Clock: clk}
}

func identity(name string) string {
	if m := artifactName.FindStringSubmatch(name); m != nil {
		return m[1]
	}
	return name
}

func (r *Retention) scan(dir string) ([]RetentionRecord, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	var records []RetentionRecord
	for _, e := range entries {
		if !e.Type().IsRegular() || !strings.HasSuffix(e.Name(), ArtifactSuffix) {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			// removed since ReadDir
			continue
		}
		mtime := fi.ModTime()
		records = append(records, RetentionRecord{
			Path:    filepath.Join(dir, e.Name()),
			ModTime: mtime,
			Key:     mtime.Local().Format("2006-01-02") + "_" + identity(e.Name()),
		})
	}
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].ModTime.Equal(records[j].ModTime) {
			return records[i].Path > records[j].Path
		}
		return records[i].ModTime.After(records[j].ModTime)
	})
	return records, nil
}

// Plan classifies the artifacts in dir without touching them.
func (r *Retention) Plan(dir string) (RetentionPlan, error) {
	records, err := r.scan(dir)
	if err != nil {
		return RetentionPlan{}, err
	}
	var plan RetentionPlan
	if len(records) == 0 {
		return plan, nil
	}

	cutoff := r.Clock.Now().AddDate(0, 0, -r.Days)
	seen := make(map[string]bool, len(records))
	for _, rec := range records {
		switch {
		case seen[rec.Key]:
			rec.Reason = ReasonRedundant
			plan.Delete = append(plan.Delete, rec)
			continue
		case rec.ModTime.Before(cutoff):
			rec.Reason = ReasonExpired
			plan.Delete = append(plan.Delete, rec)
		case r.Count > 0 && len(plan.Keep) >= r.Count-1:
			rec.Reason = ReasonExcess
			plan.Delete = append(plan.Delete, rec)
		default:
			plan.Keep = append(plan.Keep, rec)
		}
		seen[rec.Key] = true
	}

	// A domain never ends a run with zero artifacts because of retention.
	if len(plan.Keep) == 0 && len(plan.Delete) > 0 {
		rescued := plan.Delete[0]
		plan.Delete = plan.Delete[1:]
		rescued.Reason = ""
		plan.Keep = append(plan.Keep, rescued)
		plan.Rescued = &plan.Keep[0]
	}
	return plan, nil
}

// Apply deletes the artifacts the plan marks for deletion.
func (r *Retention) Apply(plan RetentionPlan) error {
	var errs []error
	for _, rec := range plan.Delete {
		if err := os.Remove(rec.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Error("Failed to remove artifact", "path", rec.Path, "error", err)
			errs = append(errs, err)
			continue
		}
		log.Info("Removed artifact", "file", filepath.Base(rec.Path), "reason", rec.Reason)
	}
	return errors.Join(errs...)
}

// Run plans and applies retention for dir.
func (r *Retention) Run(dir string) (RetentionPlan, error) {
	plan, err := r.Plan(dir)
	if err != nil {
		return plan, err
	}
	if len(plan.Keep) == 0 && len(plan.Delete) == 0 {
		log.Info("Retention: no previous backups found", "dir", dir)
		return plan, nil
	}
	log.Info("Retention analysis", "days", r.Days, "count", r.Count, "keep", len(plan.Keep), "delete", len(plan.Delete))
	if plan.Rescued != nil {
		log.Warn("Retention safety lock: keeping last backup", "file", filepath.Base(plan.Rescued.Path))
	}
	for _, rec := range plan.Keep {
		log.Info("Keeping", "file", filepath.Base(rec.Path), "modified", rec.ModTime.Format("02/01 15:04"))
	}
	return plan, r.Apply(plan)
}
