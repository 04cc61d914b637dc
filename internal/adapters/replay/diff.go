package replay

import (
	"fmt"
	"sort"
)

// DiffReport is a structural comparison of two output documents, listed
// as dotted key paths. Array elements are addressed by index.
type DiffReport struct {
	Added   []string `json:"added,omitempty"`
	Removed []string `json:"removed,omitempty"`
	Changed []string `json:"changed,omitempty"`
}

func (d DiffReport) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// Diff compares a recorded output document against a fresh one. Paths
// present only in after are Added, only in before are Removed, and
// present in both with different values are Changed.
func Diff(before, after map[string]interface{}) DiffReport {
	var report DiffReport
	diffMaps("", before, after, &report)
	sort.Strings(report.Added)
	sort.Strings(report.Removed)
	sort.Strings(report.Changed)
	return report
}

func diffMaps(prefix string, before, after map[string]interface{}, report *DiffReport) {
	for key, b := range before {
		path := joinPath(prefix, key)
		a, present := after[key]
		if !present {
			report.Removed = append(report.Removed, path)
			continue
		}
		diffValues(path, b, a, report)
	}
	for key := range after {
		if _, present := before[key]; !present {
			report.Added = append(report.Added, joinPath(prefix, key))
		}
	}
}

func diffValues(path string, before, after interface{}, report *DiffReport) {
	switch b := before.(type) {
	case map[string]interface{}:
		if a, ok := after.(map[string]interface{}); ok {
			diffMaps(path, b, a, report)
			return
		}
	case []interface{}:
		if a, ok := after.([]interface{}); ok {
			diffSlices(path, b, a, report)
			return
		}
	default:
		if scalarEqual(before, after) {
			return
		}
	}
	report.Changed = append(report.Changed, path)
}

func diffSlices(path string, before, after []interface{}, report *DiffReport) {
	common := len(before)
	if len(after) < common {
		common = len(after)
	}
	for i := 0; i < common; i++ {
		diffValues(fmt.Sprintf("%s[%d]", path, i), before[i], after[i], report)
	}
	for i := common; i < len(before); i++ {
		report.Removed = append(report.Removed, fmt.Sprintf("%s[%d]", path, i))
	}
	for i := common; i < len(after); i++ {
		report.Added = append(report.Added, fmt.Sprintf("%s[%d]", path, i))
	}
}

func scalarEqual(a, b interface{}) bool {
	return fmt.Sprintf("%T|%v", a, a) == fmt.Sprintf("%T|%v", b, b)
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}
