package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/thebtf/postura/pkg/models"
)

// loadReplay reads a session record written as YAML, for example:
//
//	duration_seconds: 60
//	events:
//	  - timestamp: 2026-03-01T09:00:00Z
//	    status: good
//	  - timestamp: 2026-03-01T09:00:30Z
//	    status: poor
//	    details: {issue: forward_head}
func loadReplay(path string) (*models.SessionRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read replay: %w", err)
	}

	var rec models.SessionRecord
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse replay %s: %w", path, err)
	}
	for i, ev := range rec.Events {
		if !ev.Status.Valid() {
			return nil, fmt.Errorf("parse replay %s: event %d has status %q", path, i, ev.Status)
		}
	}
	if rec.Events == nil {
		rec.Events = models.PostureEvents{}
	}
	return &rec, nil
}
