package game

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// DefaultWords is the built-in corpus used when no words file is given.
var DefaultWords = []string{
	"accommodate", "acquaintance", "bureaucracy", "calendar", "conscientious",
	"definitely", "embarrass", "exhilarate", "fluorescent", "guarantee",
	"harass", "hierarchy", "independent", "liaison", "maintenance",
	"millennium", "necessary", "noticeable", "occurrence", "perseverance",
	"privilege", "questionnaire", "receive", "recommend", "rhythm",
	"separate", "silhouette", "threshold", "vacuum", "weird",
}

// LoadWords reads a CSV corpus, one word per row in the first column.
// Words are trimmed and lower-cased; empty rows and a leading "word" header
// are skipped.
func LoadWords(r io.Reader) ([]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.Comment = '#'

	var words []string
	first := true
	for {
		rec, readErr := cr.Read()
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			return nil, fmt.Errorf("failed to parse word list: %w", readErr)
		}
		if len(rec) == 0 {
			continue
		}
		w := strings.ToLower(strings.TrimSpace(rec[0]))
		if w == "" {
			continue
		}
		if first {
			first = false
			if w == "word" {
				continue
			}
		}
		words = append(words, w)
	}
	if len(words) == 0 {
		return nil, errors.New("word list is empty")
	}
	return words, nil
}
