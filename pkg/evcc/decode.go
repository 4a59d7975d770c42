package evcc

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/raterudder/evccwatch/pkg/types"
)

// schema identifies which layout of the evcc state document a body uses.
type schema int

const (
	schemaUnrecognized schema = iota
	// schemaMinimized is the jq-filtered layout with top-level gridPower and
	// pvPower.
	schemaMinimized
	// schemaLegacy is the full /api/state layout with grid.power.
	schemaLegacy
)

func (s schema) String() string {
	switch s {
	case schemaMinimized:
		return "minimized"
	case schemaLegacy:
		return "legacy"
	default:
		return "unrecognized"
	}
}

// loadpointRules are the field names a schema reads a loadpoint's SOC and
// plug state from, in order of preference.
type loadpointRules struct {
	socFields     []string
	pluggedFields []string
}

var (
	minimizedRules = loadpointRules{
		socFields:     []string{"soc", "vehicleSoc"},
		pluggedFields: []string{"plugged", "connected"},
	}
	// the full state reports the vehicle's own SOC first
	legacyRules = loadpointRules{
		socFields:     []string{"vehicleSoc", "soc"},
		pluggedFields: []string{"connected", "plugged"},
	}
)

// Decode extracts Metrics from an evcc state document in either the
// minimized or the legacy layout. On error the returned Metrics is the zero
// value and must not be used.
func Decode(body string) (types.Metrics, error) {
	doc, err := parseDocument(body)
	if err != nil {
		return types.Metrics{}, err
	}
	root, _ := doc.(map[string]any)

	switch classify(root) {
	case schemaMinimized:
		return decodeMinimized(root), nil
	case schemaLegacy:
		return decodeLegacy(root), nil
	default:
		return types.Metrics{}, ErrNoUsableSchema
	}
}

func parseDocument(body string) (any, error) {
	dec := json.NewDecoder(strings.NewReader(body))
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, wrap(ErrSyntax, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, wrap(ErrSyntax, errors.New("trailing data after json value"))
	}
	return doc, nil
}

// classify picks the schema for root. The minimized layout wins whenever its
// two power fields are numeric, even without loadpoints; the legacy layout
// is only considered otherwise and requires a loadpoints list.
func classify(root map[string]any) schema {
	_, hasGrid := intValue(root["gridPower"])
	_, hasPV := intValue(root["pvPower"])
	if hasGrid && hasPV {
		return schemaMinimized
	}
	if _, ok := root["loadpoints"].([]any); ok {
		return schemaLegacy
	}
	return schemaUnrecognized
}

func decodeMinimized(root map[string]any) types.Metrics {
	m := types.NewMetrics()
	m.GridPower, _ = intValue(root["gridPower"])
	m.PVPower, _ = intValue(root["pvPower"])
	m.BatterySoc = socValue(root, []string{"batterySoc"})

	if lps, ok := root["loadpoints"].([]any); ok {
		addLoadpoints(&m, lps, minimizedRules)
	}
	return m
}

func decodeLegacy(root map[string]any) types.Metrics {
	m := types.NewMetrics()
	if grid, ok := root["grid"].(map[string]any); ok {
		if n, ok := intValue(grid["power"]); ok {
			m.GridPower = n
		}
	}
	if n, ok := intValue(root["pvPower"]); ok {
		m.PVPower = n
	}
	m.BatterySoc = socValue(root, []string{"batterySoc"})

	lps, _ := root["loadpoints"].([]any)
	addLoadpoints(&m, lps, legacyRules)
	return m
}

func addLoadpoints(m *types.Metrics, lps []any, rules loadpointRules) {
	for i := 0; i < len(lps) && i < types.MaxLoadpoints; i++ {
		m.AddLoadpoint(decodeLoadpoint(lps[i], rules))
	}
}

// decodeLoadpoint reads one loadpoint entry. Entries that are not objects
// still occupy a slot and yield the default loadpoint.
func decodeLoadpoint(v any, rules loadpointRules) types.Loadpoint {
	obj, _ := v.(map[string]any)
	lp := types.DefaultLoadpoint()
	if n, ok := intValue(obj["chargePower"]); ok {
		lp.ChargePower = n
	}
	lp.Soc = socValue(obj, rules.socFields)
	lp.Charging, _ = obj["charging"].(bool)
	for _, field := range rules.pluggedFields {
		if b, _ := obj[field].(bool); b {
			lp.Plugged = true
			break
		}
	}
	return lp
}

// socValue returns the first usable SOC among fields. For each field an
// integer is preferred, then a fraction rounded half up. Values outside
// 0-100 are skipped. Without a usable value it returns types.SocUnknown.
func socValue(obj map[string]any, fields []string) int {
	for _, field := range fields {
		n, ok := obj[field].(json.Number)
		if !ok {
			continue
		}
		if i, err := n.Int64(); err == nil {
			if i >= 0 && i <= 100 {
				return int(i)
			}
			continue
		}
		f, err := n.Float64()
		if err != nil {
			continue
		}
		if r := math.Floor(f + 0.5); r >= 0 && r <= 100 {
			return int(r)
		}
	}
	return types.SocUnknown
}

// intValue reads a JSON number as an integer, truncating any fraction toward
// zero and saturating at the int64 range.
func intValue(v any) (int64, bool) {
	n, ok := v.(json.Number)
	if !ok {
		return 0, false
	}
	if i, err := n.Int64(); err == nil {
		return i, true
	}
	// out of range exponents still parse to +/-Inf and saturate below
	f, err := n.Float64()
	if err != nil && !errors.Is(err, strconv.ErrRange) {
		return 0, false
	}
	return truncate(f), true
}

func truncate(f float64) int64 {
	switch {
	case math.IsNaN(f):
		return 0
	case f >= math.MaxInt64:
		return math.MaxInt64
	case f <= math.MinInt64:
		return math.MinInt64
	}
	return int64(f)
}
