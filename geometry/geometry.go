// Package geometry holds a table of NOR flash part geometries for
// picking a sensible block layout by part name instead of raw numbers.
package geometry

import (
	"encoding/csv"
	_ "embed"
	"fmt"
	"io"

	"github.com/gocarina/gocsv"
)

// FlashGeometry describes the erase geometry of one flash part or a
// generic capacity class.
type FlashGeometry struct {
	Name string `csv:"name"`
	Slug string `csv:"slug"`

	// BlockSize is the part's erase-sector size in bytes. littlefs
	// blocks must be a multiple of it; using it directly is the common
	// choice.
	BlockSize uint32 `csv:"block_size"`

	BlockCount uint32 `csv:"block_count"`

	// LookaheadSize is the suggested lookahead buffer size in bytes.
	LookaheadSize uint32 `csv:"lookahead"`

	Notes string `csv:"notes"`
}

// TotalSizeBytes gives the capacity of the part.
func (g *FlashGeometry) TotalSizeBytes() int64 {
	return int64(g.BlockSize) * int64(g.BlockCount)
}

//go:embed flash-parts.csv
var flashPartsRawCSV string
var flashParts map[string]FlashGeometry

// Get returns the predefined geometry registered under slug.
func Get(slug string) (FlashGeometry, error) {
	geometry, ok := flashParts[slug]
	if ok {
		return geometry, nil
	}

	err := fmt.Errorf("no predefined flash geometry exists with slug %q", slug)
	return FlashGeometry{}, err
}

// Slugs lists every registered geometry slug.
func Slugs() []string {
	slugs := make([]string, 0, len(flashParts))
	for slug := range flashParts {
		slugs = append(slugs, slug)
	}
	return slugs
}

func init() {
	gocsv.SetCSVReader(func(in io.Reader) gocsv.CSVReader {
		reader := csv.NewReader(in)
		reader.Comma = '|'
		return reader
	})

	var rows []FlashGeometry
	if err := gocsv.UnmarshalString(flashPartsRawCSV, &rows); err != nil {
		panic(fmt.Errorf("failed to decode flash geometry table: %w", err))
	}

	flashParts = make(map[string]FlashGeometry, len(rows))
	for i, row := range rows {
		if _, exists := flashParts[row.Slug]; exists {
			panic(fmt.Errorf("duplicate definition for flash part %q found on row %d",
				row.Slug, i+1))
		}
		flashParts[row.Slug] = row
	}
}
