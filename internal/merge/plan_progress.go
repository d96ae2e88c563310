package merge

import (
	"encoding/json"
	"reflect"
	"sort"

	"verse-sync/internal/protocol"
)

const completedDaysField = "completedDays"

// PlanProgress merges reading-plan progress: completed days only ever grow,
// every other field follows the client over the server.
type PlanProgress struct{}

func (PlanProgress) Resolve(server, incoming protocol.SyncItem) (Resolution, error) {
	if incoming.UpdatedAt == server.UpdatedAt {
		return Resolution{}, nil
	}
	merged, ok := MergeProgress(server.Data, incoming.Data)
	if !ok || incoming.Deleted || server.Deleted {
		return LastWriteWins{}.Resolve(server, incoming)
	}
	if incoming.UpdatedAt > server.UpdatedAt {
		out := incoming
		out.Data = merged
		return Resolution{Item: out, Store: true, Return: !sameJSON(merged, incoming.Data)}, nil
	}
	out := server
	out.Data = merged
	return Resolution{Item: out, Store: !sameJSON(merged, server.Data), Return: true}, nil
}

// MergeProgress computes {...server, ...client, completedDays: union}. It
// reports false when either side is not a JSON object with an integer day list.
func MergeProgress(serverData, clientData json.RawMessage) (json.RawMessage, bool) {
	var srv, cli map[string]json.RawMessage
	if protocol.IsNull(serverData) || protocol.IsNull(clientData) {
		return nil, false
	}
	if err := json.Unmarshal(serverData, &srv); err != nil || srv == nil {
		return nil, false
	}
	if err := json.Unmarshal(clientData, &cli); err != nil || cli == nil {
		return nil, false
	}
	srvDays, ok := decodeDays(srv[completedDaysField])
	if !ok {
		return nil, false
	}
	cliDays, ok := decodeDays(cli[completedDaysField])
	if !ok {
		return nil, false
	}

	out := make(map[string]json.RawMessage, len(srv)+len(cli))
	for k, v := range srv {
		out[k] = v
	}
	for k, v := range cli {
		out[k] = v
	}
	days, err := json.Marshal(UnionDays(srvDays, cliDays))
	if err != nil {
		return nil, false
	}
	out[completedDaysField] = days
	b, err := json.Marshal(out)
	if err != nil {
		return nil, false
	}
	return b, true
}

// UnionDays returns the sorted, deduplicated union of two day lists.
func UnionDays(a, b []int) []int {
	set := make(map[int]struct{}, len(a)+len(b))
	for _, d := range a {
		set[d] = struct{}{}
	}
	for _, d := range b {
		set[d] = struct{}{}
	}
	out := make([]int, 0, len(set))
	for d := range set {
		out = append(out, d)
	}
	sort.Ints(out)
	return out
}

func decodeDays(raw json.RawMessage) ([]int, bool) {
	if protocol.IsNull(raw) {
		return nil, true
	}
	var days []int
	if err := json.Unmarshal(raw, &days); err != nil {
		return nil, false
	}
	return days, true
}

func sameJSON(a, b json.RawMessage) bool {
	var av, bv any
	if err := json.Unmarshal(a, &av); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		return false
	}
	return reflect.DeepEqual(av, bv)
}
