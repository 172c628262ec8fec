package normalize

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"iocingest/internal/tracking"
)

// ArtifactStat describes one consolidated output file.
type ArtifactStat struct {
	Task         Task      `json:"task"`
	Name         string    `json:"name"`
	Exists       bool      `json:"exists"`
	Size         int64     `json:"size,omitempty"`
	SizeHuman    string    `json:"sizeHuman,omitempty"`
	Count        int       `json:"count"`
	LastModified time.Time `json:"lastModified,omitempty"`
}

type Stats struct {
	OutputDirectory string                              `json:"outputDirectory"`
	Files           []ArtifactStat                      `json:"files"`
	Tracking        map[string]tracking.NormalizeRecord `json:"tracking"`
}

// Stats reports size and entry count of every artifact plus the tracking table.
func (n *Normalizer) Stats() (Stats, error) {
	dir, err := filepath.Abs(n.cfg.OutputDir)
	if err != nil {
		dir = n.cfg.OutputDir
	}
	st := Stats{OutputDirectory: dir}
	if st.Tracking, err = n.tracking.All(); err != nil {
		return st, err
	}
	for _, m := range n.mergers {
		a := ArtifactStat{Task: m.task(), Name: m.output()}
		path := n.outputPath(a.Name)
		fi, err := os.Stat(path)
		if errors.Is(err, os.ErrNotExist) {
			st.Files = append(st.Files, a)
			continue
		}
		if err != nil {
			return st, err
		}
		a.Exists = true
		a.Size = fi.Size()
		a.SizeHuman = humanize.IBytes(uint64(fi.Size()))
		a.LastModified = fi.ModTime().UTC()
		if strings.HasSuffix(a.Name, ".csv") {
			rows, _, err := readTable(path)
			if err != nil {
				return st, err
			}
			a.Count = len(rows)
		} else {
			lines, err := readLines(path)
			if err != nil {
				return st, err
			}
			a.Count = len(lines)
		}
		st.Files = append(st.Files, a)
	}
	return st, nil
}
