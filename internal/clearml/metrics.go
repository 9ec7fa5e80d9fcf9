package clearml

import (
	"encoding/json"
	"sort"
	"strings"
)

// Sections that are persisted as time series and plotted.
const (
	SectionTrain = "train"
	SectionVal   = "val"
)

// monitorTag marks machine/resource metrics the server injects; they are not
// user metrics and are dropped during flattening.
const monitorTag = ":monitor:"

// Metric is one flattened leaf of a task's last-metrics tree.
//
// Section/Name map to ClearML's metric/variant pair. Extrema are the
// server-side running min/max for the whole run.
type Metric struct {
	Section string
	Name    string
	Value   float64
	// Iteration is stamped from the task's last iteration: leaves only carry
	// the latest value, not its step.
	Iteration int64

	MinValue          float64
	MaxValue          float64
	MinValueIteration int64
	MaxValueIteration int64
}

// IsSeries reports whether the metric belongs to a section that is stored
// as a time series.
func (m Metric) IsSeries() bool {
	return m.Section == SectionTrain || m.Section == SectionVal
}

// metricNode is one node of the nested last_metrics tree the server returns.
// A node is a leaf iff it carries the metric/variant/value triple; every
// other object is an interior node and is recursed into, whatever its depth.
type metricNode struct {
	leaf     *metricLeaf
	children map[string]metricNode
}

type metricLeaf struct {
	Metric            string  `json:"metric"`
	Variant           string  `json:"variant"`
	Value             float64 `json:"value"`
	MinValue          float64 `json:"min_value"`
	MaxValue          float64 `json:"max_value"`
	MinValueIteration int64   `json:"min_value_iteration"`
	MaxValueIteration int64   `json:"max_value_iteration"`
}

func (n *metricNode) UnmarshalJSON(b []byte) error {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(b, &probe); err != nil {
		// Scalars or arrays carry no metrics; treat as an empty interior node.
		*n = metricNode{}
		return nil
	}

	_, hasMetric := probe["metric"]
	_, hasVariant := probe["variant"]
	_, hasValue := probe["value"]
	if hasMetric && hasVariant && hasValue {
		var leaf metricLeaf
		if err := json.Unmarshal(b, &leaf); err != nil {
			return err
		}
		*n = metricNode{leaf: &leaf}
		return nil
	}

	children := make(map[string]metricNode, len(probe))
	for k, raw := range probe {
		var child metricNode
		if err := json.Unmarshal(raw, &child); err != nil {
			return err
		}
		children[k] = child
	}
	*n = metricNode{children: children}
	return nil
}

// flattenMetrics collects every non-monitor leaf of the tree. Iteration is
// stamped on each result. Output order is deterministic (sorted by child key
// at every level) so summaries render stably between polls.
func flattenMetrics(root map[string]metricNode, iteration int64) []Metric {
	var out []Metric
	var walk func(n metricNode)
	walk = func(n metricNode) {
		if n.leaf != nil {
			if strings.Contains(n.leaf.Metric, monitorTag) {
				return
			}
			out = append(out, Metric{
				Section:           n.leaf.Metric,
				Name:              n.leaf.Variant,
				Value:             n.leaf.Value,
				Iteration:         iteration,
				MinValue:          n.leaf.MinValue,
				MaxValue:          n.leaf.MaxValue,
				MinValueIteration: n.leaf.MinValueIteration,
				MaxValueIteration: n.leaf.MaxValueIteration,
			})
			return
		}
		keys := make([]string, 0, len(n.children))
		for k := range n.children {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			walk(n.children[k])
		}
	}
	walk(metricNode{children: root})
	return out
}
