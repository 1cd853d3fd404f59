package datamodel

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrInvalidStatResult = errors.New("invalid stat result")

// Stat is the common view over a leaf StatResult and an AggregateStatResult.
type Stat interface {
	TargetID() string
	TargetName() string
	DiskUsage() float64
	NumFiles() int
	Meta() map[string]interface{}
}

// StatResult is the disk usage of a single file in an addon tree.
type StatResult struct {
	targetID   string
	targetName string
	diskUsage  float64
	meta       map[string]interface{}
}

var _ Stat = (*StatResult)(nil)

func NewStatResult(targetID, targetName string, diskUsage float64, meta map[string]interface{}) *StatResult {
	m := make(map[string]interface{}, len(meta))
	for k, v := range meta {
		m[k] = v
	}

	return &StatResult{
		targetID:   targetID,
		targetName: targetName,
		diskUsage:  diskUsage,
		meta:       m,
	}
}

func (s *StatResult) TargetID() string   { return s.targetID }
func (s *StatResult) TargetName() string { return s.targetName }
func (s *StatResult) DiskUsage() float64 { return s.diskUsage }
func (s *StatResult) NumFiles() int      { return 1 }

func (s *StatResult) Meta() map[string]interface{} {
	m := make(map[string]interface{}, len(s.meta))
	for k, v := range s.meta {
		m[k] = v
	}

	return m
}

type statResultJSON struct {
	TargetID   string                 `json:"target_id"`
	TargetName string                 `json:"target_name"`
	DiskUsage  float64                `json:"disk_usage"`
	NumFiles   int                    `json:"num_files"`
	Meta       map[string]interface{} `json:"meta,omitempty"`
}

func (s *StatResult) MarshalJSON() ([]byte, error) {
	return json.Marshal(&statResultJSON{
		TargetID:   s.targetID,
		TargetName: s.targetName,
		DiskUsage:  s.diskUsage,
		NumFiles:   s.NumFiles(),
		Meta:       s.meta,
	})
}

func (s *StatResult) String() string {
	data, err := s.MarshalJSON()
	if err != nil {
		return ""
	}

	return string(data)
}

// ParseStatResult parses the string form produced by StatResult.String.
func ParseStatResult(str string) (*StatResult, error) {
	raw := new(statResultJSON)

	if err := json.Unmarshal([]byte(str), raw); err != nil {
		return nil, err
	}

	if raw.TargetID == "" {
		return nil, ErrInvalidStatResult
	}

	return NewStatResult(raw.TargetID, raw.TargetName, raw.DiskUsage, raw.Meta), nil
}

// AggregateStatResult folds the stats of a folder, an addon or a whole node.
// Disk usage and file count are summed over Targets on every call.
type AggregateStatResult struct {
	targetID   string
	targetName string
	targets    map[string]Stat
	meta       map[string]interface{}
}

var _ Stat = (*AggregateStatResult)(nil)

func NewAggregateStatResult(targetID, targetName string, targets []Stat, meta map[string]interface{}) *AggregateStatResult {
	a := &AggregateStatResult{
		targetID:   targetID,
		targetName: targetName,
		targets:    make(map[string]Stat, len(targets)),
		meta:       make(map[string]interface{}, len(meta)),
	}

	for i, t := range targets {
		if t == nil {
			continue
		}

		key := t.TargetID()
		if _, taken := a.targets[key]; taken || key == "" {
			key = a.freeKey(t.TargetName(), i)
		}

		a.targets[key] = t
	}

	for k, v := range meta {
		a.meta[k] = v
	}

	return a
}

// freeKey keys a child whose target id is empty or already used, so it is still counted.
func (a *AggregateStatResult) freeKey(name string, index int) string {
	for n := index; ; n++ {
		key := fmt.Sprintf("%s#%d", name, n)
		if _, taken := a.targets[key]; !taken {
			return key
		}
	}
}

func (a *AggregateStatResult) TargetID() string   { return a.targetID }
func (a *AggregateStatResult) TargetName() string { return a.targetName }

func (a *AggregateStatResult) DiskUsage() float64 {
	var total float64
	for _, t := range a.targets {
		total += t.DiskUsage()
	}

	return total
}

func (a *AggregateStatResult) NumFiles() int {
	total := 0
	for _, t := range a.targets {
		total += t.NumFiles()
	}

	return total
}

func (a *AggregateStatResult) Meta() map[string]interface{} {
	m := make(map[string]interface{}, len(a.meta))
	for k, v := range a.meta {
		m[k] = v
	}

	return m
}

// Targets returns a copy of the child stats keyed by target id.
func (a *AggregateStatResult) Targets() map[string]Stat {
	targets := make(map[string]Stat, len(a.targets))
	for k, v := range a.targets {
		targets[k] = v
	}

	return targets
}

func (a *AggregateStatResult) MarshalJSON() ([]byte, error) {
	return json.Marshal(&struct {
		TargetID   string                 `json:"target_id"`
		TargetName string                 `json:"target_name"`
		DiskUsage  float64                `json:"disk_usage"`
		NumFiles   int                    `json:"num_files"`
		Targets    map[string]Stat        `json:"targets"`
		Meta       map[string]interface{} `json:"meta,omitempty"`
	}{
		TargetID:   a.targetID,
		TargetName: a.targetName,
		DiskUsage:  a.DiskUsage(),
		NumFiles:   a.NumFiles(),
		Targets:    a.targets,
		Meta:       a.meta,
	})
}

func (a *AggregateStatResult) String() string {
	data, err := a.MarshalJSON()
	if err != nil {
		return ""
	}

	return string(data)
}
