package backtest

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/phenomenon0/edgestack/pkg/features"
	"github.com/phenomenon0/edgestack/pkg/scoring"
)

// ResultPush marks a record whose market pushed.
const ResultPush = "PUSH"

// Record is one historical entity/market observation with its known result.
type Record struct {
	ID       string                     `json:"id" yaml:"id"`
	Time     time.Time                  `json:"time" yaml:"time"`
	Entity   features.EntityDescriptor  `json:"entity" yaml:"entity"`
	Opponent *features.EntityDescriptor `json:"opponent,omitempty" yaml:"opponent,omitempty"`
	Context  map[string]any             `json:"context,omitempty" yaml:"context,omitempty"`
	Market   scoring.Market             `json:"market" yaml:"market"`
	Result   string                     `json:"result" yaml:"result"` // winning side (OVER, UNDER, A, B) or PUSH
}

// Push reports whether the market pushed.
func (r Record) Push() bool { return strings.EqualFold(r.Result, ResultPush) }

// PrimaryWon reports whether the primary side (OVER or A) won.
func (r Record) PrimaryWon() bool {
	return scoring.Side(strings.ToUpper(r.Result)).Primary()
}

// Won reports whether a bet on side won, lost or pushed.
func (r Record) Won(side scoring.Side) (won, push bool) {
	if r.Push() {
		return false, true
	}
	return scoring.Side(strings.ToUpper(r.Result)) == side, false
}

func (r Record) validate() error {
	if r.Time.IsZero() {
		return fmt.Errorf("record %s: missing time", r.ID)
	}
	if !r.Push() && !scoring.Side(strings.ToUpper(r.Result)).Valid() {
		return fmt.Errorf("record %s: invalid result %q", r.ID, r.Result)
	}
	if _, _, _, _, err := r.Market.Sides(); err != nil {
		return fmt.Errorf("record %s: %w", r.ID, err)
	}
	return nil
}

// Dataset is an ordered set of historical records.
type Dataset struct {
	Name    string   `json:"name,omitempty"`
	Records []Record `json:"records"`
}

// LoadDataset reads a dataset from a JSON file (an array of records or an
// object with a records field), a JSON-lines file or a CSV file.
func LoadDataset(path string) (*Dataset, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset: %w", err)
	}
	ds, err := ParseDataset(raw, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if ds.Name == "" {
		ds.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return ds, nil
}

// ParseDataset decodes dataset bytes. ext selects JSON-lines for .jsonl and
// .ndjson and CSV for .csv.
func ParseDataset(raw []byte, ext string) (*Dataset, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return &Dataset{}, nil
	}

	var ds Dataset
	switch {
	case strings.EqualFold(ext, ".csv"):
		recs, err := decodeCSV(bytes.NewReader(trimmed))
		if err != nil {
			return nil, err
		}
		ds.Records = recs
	case ext == ".jsonl" || ext == ".ndjson":
		recs, err := decodeLines(bytes.NewReader(trimmed))
		if err != nil {
			return nil, err
		}
		ds.Records = recs
	case trimmed[0] == '[':
		if err := json.Unmarshal(trimmed, &ds.Records); err != nil {
			return nil, fmt.Errorf("failed to decode JSON: %w", err)
		}
	default:
		if err := json.Unmarshal(trimmed, &ds); err != nil || ds.Records == nil {
			recs, lerr := decodeLines(bytes.NewReader(trimmed))
			if lerr != nil {
				if err == nil {
					err = lerr
				}
				return nil, fmt.Errorf("failed to decode JSON: %w", err)
			}
			ds.Records = recs
		}
	}

	for i := range ds.Records {
		if ds.Records[i].ID == "" {
			ds.Records[i].ID = strconv.Itoa(i + 1)
		}
		if err := ds.Records[i].validate(); err != nil {
			return nil, err
		}
	}
	return &ds, nil
}

func decodeLines(r io.Reader) ([]Record, error) {
	var recs []Record
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := bytes.TrimSpace(sc.Bytes())
		if len(text) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(text, &rec); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		recs = append(recs, rec)
	}
	return recs, sc.Err()
}

// Chronological returns a copy of records sorted by time, then ID.
func Chronological(records []Record) []Record {
	out := make([]Record, len(records))
	copy(out, records)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Time.Equal(out[j].Time) {
			return out[i].Time.Before(out[j].Time)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Split divides records chronologically: the earliest fitFraction go to the
// fit segment and the rest to the evaluation segment.
func Split(records []Record, fitFraction float64) (fit, eval []Record) {
	sorted := Chronological(records)
	if fitFraction <= 0 {
		return nil, sorted
	}
	if fitFraction >= 1 {
		return sorted, nil
	}
	n := int(math.Floor(float64(len(sorted))*fitFraction + 1e-9))
	return sorted[:n], sorted[n:]
}
