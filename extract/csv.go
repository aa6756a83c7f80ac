package extract

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/datajourney/etl/table"
)

// FetchCSV downloads a pre-packaged tabular file and loads it in full, then
// truncates to maxRows (0 means no cap). Column names are normalized to
// lower snake case; cells are parsed as int64, then float64, else kept as
// strings, with empty cells stored as nil.
func (c *Client) FetchCSV(url string, maxRows int) (*table.Table, error) {
	body, err := c.Get(url)
	if err != nil {
		return nil, fmt.Errorf("fetching CSV dataset: %w", err)
	}
	t, err := ParseCSV(body)
	if err != nil {
		return nil, err
	}
	if maxRows > 0 {
		t = t.Head(maxRows)
	}
	return t, nil
}

// ParseCSV converts raw CSV bytes into a Table.
func ParseCSV(data []byte) (*table.Table, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("received empty CSV data")
	}

	reader := csv.NewReader(bytes.NewReader(data))
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}

	cols := make([]string, len(header))
	for i, h := range header {
		cols[i] = table.NormalizeName(h)
	}
	t := table.New(cols...)

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read CSV record: %w", err)
		}
		row := make(table.Row, len(cols))
		for i, cell := range record {
			if i >= len(cols) {
				break
			}
			row[cols[i]] = parseCell(cell)
		}
		if err := t.Append(row); err != nil {
			return nil, err
		}
	}

	return t, nil
}

func parseCell(s string) any {
	if s == "" {
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}
