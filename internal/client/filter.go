package client

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jviau/durabletask-go/internal/history"
)

// filterDoc is the YAML shape accepted by ParseFilterYAML, used by operator
// tooling to drive PurgeBy from a file.
type filterDoc struct {
	CreatedFrom *time.Time `yaml:"createdFrom"`
	CreatedTo   *time.Time `yaml:"createdTo"`
	Statuses    []string   `yaml:"statuses"`
}

// ParseFilterYAML decodes an instance filter from its YAML form:
//
//	createdFrom: 2026-01-01T00:00:00Z
//	createdTo: 2026-02-01T00:00:00Z
//	statuses: [Completed, Failed]
func ParseFilterYAML(data []byte) (history.Filter, error) {
	var doc filterDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return history.Filter{}, fmt.Errorf("failed to parse filter: %w", err)
	}

	filter := history.Filter{
		CreatedFrom: doc.CreatedFrom,
		CreatedTo:   doc.CreatedTo,
	}
	for _, s := range doc.Statuses {
		status := history.Status(s)
		switch status {
		case history.StatusPending, history.StatusRunning, history.StatusSuspended,
			history.StatusCompleted, history.StatusFailed, history.StatusTerminated:
			filter.Statuses = append(filter.Statuses, status)
		default:
			return history.Filter{}, fmt.Errorf("unknown status %q in filter", s)
		}
	}
	return filter, nil
}
