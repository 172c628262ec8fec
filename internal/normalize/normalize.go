package normalize

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"iocingest/internal/common"
	"iocingest/internal/fetch"
	"iocingest/internal/metrics"
	"iocingest/internal/tracking"
)

var ErrUnknownTask = errors.New("unknown normalize task")

// Task names a merger, or all of them.
type Task string

const (
	TaskIP       Task = "ip"
	TaskThreat   Task = "threat"
	TaskPhishing Task = "phishing"
	TaskSoftware Task = "software"
	TaskAll      Task = "all"
)

// Tasks lists the valid manual tasks.
var Tasks = []Task{TaskIP, TaskThreat, TaskPhishing, TaskSoftware, TaskAll}

const (
	ReasonDisabled   = "disabled"
	ReasonNoNewFiles = "no_new_files"
	ReasonJobsOff    = "RUN_JOBS=false"
)

type Config struct {
	Enabled    bool
	InputDir   string
	OutputDir  string
	IPLists    bool
	Threat     bool
	Phishing   bool
	Software   bool
	IPFile     string
	ThreatFile string
	PhishFile  string
	SWFile     string
}

func DefaultConfig() Config {
	return Config{
		Enabled:    true,
		InputDir:   "./data/ingested",
		OutputDir:  "./data/normalized",
		IPLists:    true,
		Threat:     true,
		Phishing:   true,
		Software:   true,
		IPFile:     "merged_ip_list.txt",
		ThreatFile: "merged_threat_data.csv",
		PhishFile:  "merged_phishing_data.csv",
		SWFile:     "merged_software_data.csv",
	}
}

// Result is the outcome of one merger run.
type Result struct {
	Task     Task          `json:"task"`
	Status   common.Status `json:"status"`
	Reason   string        `json:"reason,omitempty"`
	Error    string        `json:"error,omitempty"`
	Previous int           `json:"previous"`
	Added    int           `json:"added"`
	Total    int           `json:"total"`
	Files    int           `json:"files"`
}

type Summary struct {
	Successful int           `json:"successful"`
	Failed     int           `json:"failed"`
	Skipped    int           `json:"skipped"`
	Total      int           `json:"total"`
	Duration   time.Duration `json:"duration"`
	TotalAdded int           `json:"totalAdded"`
}

// Report is what Run returns.
type Report struct {
	Summary Summary  `json:"summary"`
	Results []Result `json:"results"`
}

// merger consolidates one family of staged files into one artifact.
type merger interface {
	task() Task
	enabled() bool
	output() string
	accepts(name string) bool
	merge(ctx context.Context, n *Normalizer, files []string) (Result, error)
}

// artifactWriter replaces a merged artifact in the output directory.
type artifactWriter interface {
	Write(name string, data []byte) (string, error)
}

// Normalizer runs the four mergers over the staging directory.
type Normalizer struct {
	cfg      Config
	tracking tracking.Store[tracking.NormalizeRecord]
	out      artifactWriter
	mergers  []merger
	now      func() time.Time
}

// New builds a normalizer. A nil store tracks into .normalize_tracking.json
// in the output directory.
func New(cfg Config, store tracking.Store[tracking.NormalizeRecord]) *Normalizer {
	if store == nil {
		store = tracking.NewFileStore[tracking.NormalizeRecord](filepath.Join(cfg.OutputDir, tracking.NormalizeFile))
	}
	n := &Normalizer{cfg: cfg, tracking: store, out: fetch.NewStager(cfg.OutputDir), now: time.Now}
	n.mergers = []merger{
		&ipMerger{on: cfg.IPLists, file: cfg.IPFile},
		threatMerger(cfg.Threat, cfg.ThreatFile),
		phishingMerger(cfg.Phishing, cfg.PhishFile),
		softwareMerger(cfg.Software, cfg.SWFile),
	}
	return n
}

func (n *Normalizer) Config() Config { return n.cfg }

// Run executes one task. TaskAll runs every merger in sequence.
func (n *Normalizer) Run(ctx context.Context, task Task) (Report, error) {
	if task == TaskAll {
		return n.RunAll(ctx), nil
	}
	for _, m := range n.mergers {
		if m.task() == task {
			start := n.now()
			res := n.runOne(ctx, m)
			return n.report([]Result{res}, start), nil
		}
	}
	return Report{}, fmt.Errorf("%w: %q (available: %s)", ErrUnknownTask, task, taskList())
}

// RunAll runs every merger sequentially. One failing merger does not stop the others.
func (n *Normalizer) RunAll(ctx context.Context) Report {
	if !n.cfg.Enabled {
		slog.Info("normalization disabled globally")
		return Report{
			Summary: Summary{Skipped: len(n.mergers), Total: len(n.mergers)},
			Results: []Result{{Task: TaskAll, Status: common.StatusSkipped, Reason: ReasonJobsOff}},
		}
	}
	start := n.now()
	results := make([]Result, 0, len(n.mergers))
	for _, m := range n.mergers {
		results = append(results, n.runOne(ctx, m))
	}
	rep := n.report(results, start)
	slog.Info("normalization cycle complete",
		"duration", rep.Summary.Duration, "successful", rep.Summary.Successful,
		"failed", rep.Summary.Failed, "skipped", rep.Summary.Skipped, "added", rep.Summary.TotalAdded)
	return rep
}

func (n *Normalizer) report(results []Result, start time.Time) Report {
	rep := Report{Results: results}
	for _, r := range results {
		switch r.Status {
		case common.StatusSuccess:
			rep.Summary.Successful++
		case common.StatusFailed:
			rep.Summary.Failed++
		case common.StatusSkipped:
			rep.Summary.Skipped++
		}
		rep.Summary.TotalAdded += r.Added
	}
	rep.Summary.Total = len(results)
	rep.Summary.Duration = n.now().Sub(start)
	return rep
}

func (n *Normalizer) runOne(ctx context.Context, m merger) (res Result) {
	log := slog.With("task", m.task())
	defer func() {
		if r := recover(); r != nil {
			log.Error("merger panicked", "panic", r)
			res = Result{Task: m.task(), Status: common.StatusFailed, Error: fmt.Sprint(r)}
		}
	}()
	if !m.enabled() {
		log.Info("merger disabled")
		return Result{Task: m.task(), Status: common.StatusSkipped, Reason: ReasonDisabled}
	}
	files, err := n.pending(m.accepts)
	if err != nil {
		log.Error("list staged files", "err", err)
		return Result{Task: m.task(), Status: common.StatusFailed, Error: err.Error()}
	}
	if len(files) == 0 {
		log.Info("no new files")
		return Result{Task: m.task(), Status: common.StatusSkipped, Reason: ReasonNoNewFiles}
	}
	log.Info("merging staged files", "files", len(files))
	res, err = m.merge(ctx, n, files)
	res.Task = m.task()
	if err != nil {
		log.Error("merge failed", "err", err)
		res.Status = common.StatusFailed
		res.Error = err.Error()
		return res
	}
	res.Status = common.StatusSuccess
	metrics.NormalizeAdded.WithLabelValues(string(m.task())).Add(float64(res.Added))
	log.Info("merge complete", "previous", res.Previous, "added", res.Added, "total", res.Total, "files", res.Files)
	return res
}

// HasNewFiles reports whether any staged file a merger would read is new or changed.
func (n *Normalizer) HasNewFiles() (bool, error) {
	files, err := n.pending(func(name string) bool {
		for _, m := range n.mergers {
			if m.accepts(name) {
				return true
			}
		}
		return false
	})
	return len(files) > 0, err
}

// ResetTracking forgets every processed file so the next run reprocesses all of them.
func (n *Normalizer) ResetTracking() error {
	if err := n.tracking.Reset(); err != nil {
		return fmt.Errorf("reset normalize tracking: %w", err)
	}
	slog.Info("normalize tracking reset")
	return nil
}

// pending lists staged files matching accept that are new or changed since
// their last successful normalization.
func (n *Normalizer) pending(accept func(string) bool) ([]string, error) {
	entries, err := os.ReadDir(n.cfg.InputDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !accept(name) {
			continue
		}
		path := filepath.Join(n.cfg.InputDir, name)
		done, err := n.processed(path)
		if err != nil {
			return nil, err
		}
		if !done {
			out = append(out, path)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (n *Normalizer) processed(path string) (bool, error) {
	rec, ok, err := n.tracking.Get(filepath.Base(path))
	if err != nil || !ok {
		return false, err
	}
	hash, mtime, err := fingerprint(path)
	if err != nil {
		return false, err
	}
	return rec.Unchanged(hash, mtime), nil
}

type outcome struct {
	path   string
	status common.Status
	count  int
}

// outcomes collects per-file results until the artifact has been written.
type outcomes []outcome

func (o *outcomes) add(path string, status common.Status, count int) {
	*o = append(*o, outcome{path: path, status: status, count: count})
}

// commit records every outcome. When the artifact write failed, files that
// contributed keys are recorded as failed so the next run merges them again.
func (n *Normalizer) commit(task Task, done outcomes, writeErr error) {
	for _, o := range done {
		status, count := o.status, o.count
		if writeErr != nil && status == common.StatusSuccess {
			status, count = common.StatusFailed, 0
		}
		n.mark(task, o.path, status, count)
	}
}

// mark records the outcome for a staged file.
func (n *Normalizer) mark(task Task, path string, status common.Status, count int) {
	metrics.NormalizeFiles.WithLabelValues(string(task), string(status)).Inc()
	hash, mtime, err := fingerprint(path)
	if err != nil {
		slog.Warn("fingerprint staged file", "file", path, "err", err)
	}
	rec := tracking.NormalizeRecord{
		File:        filepath.Base(path),
		Hash:        hash,
		Timestamp:   mtime,
		Status:      status,
		Count:       count,
		ProcessedAt: n.now().UTC(),
	}
	if err := n.tracking.Put(filepath.Base(path), rec); err != nil {
		slog.Error("save normalize tracking", "file", path, "err", err)
	}
}

func (n *Normalizer) outputPath(name string) string {
	return filepath.Join(n.cfg.OutputDir, name)
}

// fingerprint returns the content hash and modification time of path.
func fingerprint(path string) (hash, mtime string, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", "", err
	}
	st, err := os.Stat(path)
	if err != nil {
		return "", "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), st.ModTime().UTC().Format(time.RFC3339Nano), nil
}

func taskList() string {
	names := make([]string, len(Tasks))
	for i, t := range Tasks {
		names[i] = string(t)
	}
	return strings.Join(names, ", ")
}
