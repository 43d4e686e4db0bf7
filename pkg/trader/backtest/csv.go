package backtest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/phenomenon0/edgestack/pkg/features"
)

// CSV column names. Context fields use the prefixes: "ctx.form" goes to the
// entity context, "opp.form" to the opponent's, "game.venue" to the record's.
const (
	colID        = "id"
	colTime      = "time"
	colDomain    = "domain"
	colEntity    = "entity"
	colOpponent  = "opponent"
	colOddsA     = "odds_a"
	colOddsB     = "odds_b"
	colOddsOver  = "odds_over"
	colOddsUnder = "odds_under"
	colLine      = "line"
	colPublicPct = "public_pct"
	colResult    = "result"

	prefixEntity   = "ctx."
	prefixOpponent = "opp."
	prefixRecord   = "game."
)

var csvTimeLayouts = []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04", "2006-01-02"}

// decodeCSV reads records from a CSV file with a header row.
func decodeCSV(r io.Reader) ([]Record, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	colIndex := make(map[string]int, len(header))
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}
	for _, required := range []string{colTime, colDomain, colEntity, colResult} {
		if _, ok := colIndex[required]; !ok {
			return nil, fmt.Errorf("missing column %q", required)
		}
	}

	var recs []Record
	for line := 2; ; line++ {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		rec, err := csvRecord(colIndex, row)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func csvRecord(colIndex map[string]int, row []string) (Record, error) {
	get := func(col string) string {
		if idx, ok := colIndex[col]; ok && idx < len(row) {
			return strings.TrimSpace(row[idx])
		}
		return ""
	}
	odds := func(col string) (int, error) {
		v := get(col)
		if v == "" {
			return 0, nil
		}
		n, err := strconv.Atoi(strings.TrimPrefix(v, "+"))
		if err != nil {
			return 0, fmt.Errorf("%s: %w", col, err)
		}
		return n, nil
	}
	float := func(col string) (float64, error) {
		v := get(col)
		if v == "" {
			return 0, nil
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", col, err)
		}
		return f, nil
	}

	var rec Record
	rec.ID = get(colID)
	rec.Result = get(colResult)

	ts := get(colTime)
	for _, layout := range csvTimeLayouts {
		if t, err := time.Parse(layout, ts); err == nil {
			rec.Time = t.UTC()
			break
		}
	}
	if rec.Time.IsZero() {
		return Record{}, fmt.Errorf("unparseable time %q", ts)
	}

	domain := get(colDomain)
	rec.Entity = features.EntityDescriptor{Name: get(colEntity), Domain: domain}
	if name := get(colOpponent); name != "" {
		rec.Opponent = &features.EntityDescriptor{Name: name, Domain: domain}
	}

	var err error
	m := &rec.Market
	if m.OddsA, err = odds(colOddsA); err != nil {
		return Record{}, err
	}
	if m.OddsB, err = odds(colOddsB); err != nil {
		return Record{}, err
	}
	if m.OddsOver, err = odds(colOddsOver); err != nil {
		return Record{}, err
	}
	if m.OddsUnder, err = odds(colOddsUnder); err != nil {
		return Record{}, err
	}
	if m.Line, err = float(colLine); err != nil {
		return Record{}, err
	}
	if m.PublicPct, err = float(colPublicPct); err != nil {
		return Record{}, err
	}

	for col, idx := range colIndex {
		if idx >= len(row) || strings.TrimSpace(row[idx]) == "" {
			continue
		}
		v := strings.TrimSpace(row[idx])
		switch {
		case strings.HasPrefix(col, prefixEntity):
			rec.Entity.Context = setContext(rec.Entity.Context, strings.TrimPrefix(col, prefixEntity), v)
		case strings.HasPrefix(col, prefixOpponent) && rec.Opponent != nil:
			rec.Opponent.Context = setContext(rec.Opponent.Context, strings.TrimPrefix(col, prefixOpponent), v)
		case strings.HasPrefix(col, prefixRecord):
			rec.Context = setContext(rec.Context, strings.TrimPrefix(col, prefixRecord), v)
		}
	}
	return rec, nil
}

// setContext stores numbers as float64 and everything else as strings.
func setContext(ctx map[string]any, key, v string) map[string]any {
	if ctx == nil {
		ctx = make(map[string]any)
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		ctx[key] = f
	} else {
		ctx[key] = v
	}
	return ctx
}
