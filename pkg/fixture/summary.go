package fixture

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/axialops/axplatform/pkg/axerror"
)

// Groupable summary fields.
var summaryFields = map[string]bool{
	"class_name": true,
	"class_id":   true,
	"status":     true,
	"enabled":    true,
	"owner":      true,
	"creator":    true,
}

// SummaryRow is one bucket of the instance summary.
type SummaryRow struct {
	Group map[string]string `json:"group"`
	Count int               `json:"count"`
}

// Summary buckets the instance catalog by the requested fields, after
// applying equality filters on the same field set.
func (m *Manager) Summary(ctx context.Context, groupBy []string, filters map[string]string) ([]SummaryRow, error) {
	for _, field := range groupBy {
		if !summaryFields[field] {
			return nil, axerror.ErrInvalidParam.WithDetailf("cannot group by %q", field)
		}
	}

	for field := range filters {
		if !summaryFields[field] {
			return nil, axerror.ErrInvalidParam.WithDetailf("cannot filter by %q", field)
		}
	}

	instances, err := m.store.ListFixtureInstances(ctx)
	if err != nil {
		return nil, err
	}

	buckets := make(map[string]*SummaryRow)

next:
	for _, inst := range instances {
		fields := map[string]string{
			"class_name": inst.ClassName,
			"class_id":   inst.ClassID,
			"status":     string(inst.Status),
			"enabled":    fmt.Sprintf("%t", inst.Enabled),
			"owner":      inst.Owner,
			"creator":    inst.Creator,
		}

		for field, wanted := range filters {
			if fields[field] != wanted {
				continue next
			}
		}

		group := make(map[string]string, len(groupBy))
		keyParts := make([]string, 0, len(groupBy))

		for _, field := range groupBy {
			group[field] = fields[field]
			keyParts = append(keyParts, field+"="+fields[field])
		}

		key := strings.Join(keyParts, "|")

		row, ok := buckets[key]
		if !ok {
			row = &SummaryRow{Group: group}
			buckets[key] = row
		}

		row.Count++
	}

	keys := make([]string, 0, len(buckets))
	for key := range buckets {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	rows := make([]SummaryRow, 0, len(keys))
	for _, key := range keys {
		rows = append(rows, *buckets[key])
	}

	return rows, nil
}
