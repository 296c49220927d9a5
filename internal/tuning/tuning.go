package tuning

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Tuning carries sequencing and retention policy. Everything here is policy,
// not protocol: changing it never changes the meaning of a committed log.
type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version"`

	// Snapshot cadence: a new snapshot after this many committed turns or
	// accumulated deltas, whichever comes first. Zero disables a criterion.
	SnapshotEveryTurns  int `yaml:"snapshot_every_turns"`
	SnapshotEveryDeltas int `yaml:"snapshot_every_deltas"`

	// How many snapshots to retain in memory; older turn batches are
	// archived once no retained snapshot needs them.
	RetainSnapshots int `yaml:"retain_snapshots"`

	// Sequencing: how many turns ahead of the open turn a delta may be
	// buffered, and how long an open turn may wait before force-closing.
	TurnLookahead uint64 `yaml:"turn_lookahead"`
	TurnTimeoutMs int    `yaml:"turn_timeout_ms"`

	// Sessions idle longer than this are stopped; their state stays
	// reconstructable from snapshots plus the turn log.
	SessionIdleEvictMin int `yaml:"session_idle_evict_min"`

	// Per-connection outbound queue bound.
	MaxSubscriberQueue int `yaml:"max_subscriber_queue"`
}

// Defaults returns the documented default policy.
func Defaults() Tuning {
	return Tuning{
		ProtocolVersion:     "1.0",
		SnapshotEveryTurns:  20,
		SnapshotEveryDeltas: 200,
		RetainSnapshots:     3,
		TurnLookahead:       4,
		TurnTimeoutMs:       30000,
		SessionIdleEvictMin: 60,
		MaxSubscriberQueue:  64,
	}
}

// Load reads tuning from a yaml file, filling zero fields from Defaults.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if t.TurnLookahead == 0 {
		t.TurnLookahead = Defaults().TurnLookahead
	}
	if t.MaxSubscriberQueue <= 0 {
		t.MaxSubscriberQueue = Defaults().MaxSubscriberQueue
	}
	return t, nil
}
