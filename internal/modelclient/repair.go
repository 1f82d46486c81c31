package modelclient

import (
	"encoding/json"
	"fmt"

	"github.com/kaptinlin/jsonrepair"
)

// RepairJSON attempts a single best-effort repair pass over raw before
// giving up. Models occasionally emit truncated or trailing-comma JSON under
// streaming cutoffs; most of the time a syntactic repair round-trips cleanly.
func RepairJSON(raw string) (string, error) {
	if json.Valid([]byte(raw)) {
		return raw, nil
	}
	repaired, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		return "", fmt.Errorf("repair json: %w", err)
	}
	if !json.Valid([]byte(repaired)) {
		return "", fmt.Errorf("repair json: still invalid after repair")
	}
	return repaired, nil
}
