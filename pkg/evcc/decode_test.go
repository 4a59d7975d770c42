package evcc

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raterudder/evccwatch/pkg/types"
)

func lp(chargePower int64, soc int, charging, plugged bool) types.Loadpoint {
	return types.Loadpoint{ChargePower: chargePower, Soc: soc, Charging: charging, Plugged: plugged}
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		check func(t *testing.T, m types.Metrics)
	}{
		{
			name: "minimized example",
			body: `{"gridPower":-500,"pvPower":1200,"loadpoints":[{"chargePower":800,"soc":55,"charging":true,"plugged":true}]}`,
			check: func(t *testing.T, m types.Metrics) {
				assert.EqualValues(t, -500, m.GridPower)
				assert.EqualValues(t, 1200, m.PVPower)
				assert.EqualValues(t, 800, m.TotalChargePower)
				assert.Equal(t, 1, m.Count)
				assert.Equal(t, lp(800, 55, true, true), m.Loadpoints[0])
				assert.Equal(t, types.DefaultLoadpoint(), m.Loadpoints[1])
				assert.Equal(t, types.SocUnknown, m.BatterySoc)
			},
		},
		{
			name: "legacy example",
			body: `{"grid":{"power":300},"loadpoints":[{"chargePower":0,"vehicleSoc":20.4,"connected":true}]}`,
			check: func(t *testing.T, m types.Metrics) {
				assert.EqualValues(t, 300, m.GridPower)
				assert.EqualValues(t, 0, m.PVPower)
				assert.EqualValues(t, 0, m.TotalChargePower)
				assert.Equal(t, 1, m.Count)
				assert.Equal(t, lp(0, 20, false, true), m.Loadpoints[0])
			},
		},
		{
			name: "minimized without loadpoints",
			body: `{"gridPower":150,"pvPower":0}`,
			check: func(t *testing.T, m types.Metrics) {
				assert.EqualValues(t, 150, m.GridPower)
				assert.Equal(t, 0, m.Count)
				assert.EqualValues(t, 0, m.TotalChargePower)
			},
		},
		{
			name: "minimized with empty loadpoints",
			body: `{"gridPower":150,"pvPower":10,"loadpoints":[]}`,
			check: func(t *testing.T, m types.Metrics) {
				assert.EqualValues(t, 10, m.PVPower)
				assert.Equal(t, 0, m.Count)
			},
		},
		{
			name: "minimized loadpoints not a list",
			body: `{"gridPower":1,"pvPower":2,"loadpoints":{"chargePower":5}}`,
			check: func(t *testing.T, m types.Metrics) {
				assert.Equal(t, 0, m.Count)
				assert.EqualValues(t, 0, m.TotalChargePower)
			},
		},
		{
			name: "only first two loadpoints",
			body: `{"gridPower":0,"pvPower":0,"loadpoints":[{"chargePower":1000},{"chargePower":2000},{"chargePower":4000}]}`,
			check: func(t *testing.T, m types.Metrics) {
				assert.Equal(t, 2, m.Count)
				assert.EqualValues(t, 3000, m.TotalChargePower)
				assert.EqualValues(t, 2000, m.Loadpoints[1].ChargePower)
			},
		},
		{
			name: "fractional power truncates",
			body: `{"gridPower":-100.9,"pvPower":2500.7,"loadpoints":[{"chargePower":1100.99}]}`,
			check: func(t *testing.T, m types.Metrics) {
				assert.EqualValues(t, -100, m.GridPower)
				assert.EqualValues(t, 2500, m.PVPower)
				assert.EqualValues(t, 1100, m.TotalChargePower)
			},
		},
		{
			name: "huge values saturate",
			body: `{"gridPower":1e300,"pvPower":-1e300}`,
			check: func(t *testing.T, m types.Metrics) {
				assert.Greater(t, m.GridPower, int64(0))
				assert.Less(t, m.PVPower, int64(0))
			},
		},
		{
			name: "non numeric charge power defaults",
			body: `{"gridPower":0,"pvPower":0,"loadpoints":[{"chargePower":"fast","charging":"yes"}]}`,
			check: func(t *testing.T, m types.Metrics) {
				assert.Equal(t, 1, m.Count)
				assert.Equal(t, lp(0, types.SocUnknown, false, false), m.Loadpoints[0])
			},
		},
		{
			name: "null loadpoint entry still counts",
			body: `{"gridPower":0,"pvPower":0,"loadpoints":[null,{"chargePower":7}]}`,
			check: func(t *testing.T, m types.Metrics) {
				assert.Equal(t, 2, m.Count)
				assert.Equal(t, types.DefaultLoadpoint(), m.Loadpoints[0])
				assert.EqualValues(t, 7, m.TotalChargePower)
			},
		},
		{
			name: "battery soc",
			body: `{"gridPower":0,"pvPower":0,"batterySoc":76.6}`,
			check: func(t *testing.T, m types.Metrics) {
				assert.Equal(t, 77, m.BatterySoc)
			},
		},
		{
			name: "battery soc null",
			body: `{"gridPower":0,"pvPower":0,"batterySoc":null}`,
			check: func(t *testing.T, m types.Metrics) {
				assert.Equal(t, types.SocUnknown, m.BatterySoc)
			},
		},
		{
			name: "legacy battery soc and pv",
			body: `{"grid":{"power":-20.5},"pvPower":3100,"batterySoc":50,"loadpoints":[]}`,
			check: func(t *testing.T, m types.Metrics) {
				assert.EqualValues(t, -20, m.GridPower)
				assert.EqualValues(t, 3100, m.PVPower)
				assert.Equal(t, 50, m.BatterySoc)
				assert.Equal(t, 0, m.Count)
			},
		},
		{
			name: "gridPower without pvPower falls back to legacy",
			body: `{"gridPower":999,"grid":{"power":5},"loadpoints":[{"chargePower":1}]}`,
			check: func(t *testing.T, m types.Metrics) {
				assert.EqualValues(t, 5, m.GridPower, "legacy reads grid.power only")
				assert.Equal(t, 1, m.Count)
			},
		},
		{
			name: "non numeric pvPower falls back to legacy",
			body: `{"gridPower":999,"pvPower":"n/a","loadpoints":[]}`,
			check: func(t *testing.T, m types.Metrics) {
				assert.EqualValues(t, 0, m.GridPower)
				assert.EqualValues(t, 0, m.PVPower)
			},
		},
		{
			name: "legacy grid not an object",
			body: `{"grid":300,"loadpoints":[]}`,
			check: func(t *testing.T, m types.Metrics) {
				assert.EqualValues(t, 0, m.GridPower)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Decode(tt.body)
			require.NoError(t, err)
			require.NoError(t, m.Validate())
			tt.check(t, m)
		})
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want error
	}{
		{"empty", "", ErrSyntax},
		{"not json", "<html>busy</html>", ErrSyntax},
		{"truncated", `{"gridPower":-500,"pvPower":`, ErrSyntax},
		{"trailing data", `{"gridPower":1,"pvPower":2} {}`, ErrSyntax},
		{"trailing brace", `{"gridPower":1,"pvPower":2}}`, ErrSyntax},
		{"no schema", `{"foo": 1}`, ErrNoUsableSchema},
		{"grid only", `{"grid":{"power":300}}`, ErrNoUsableSchema},
		{"gridPower only", `{"gridPower":300}`, ErrNoUsableSchema},
		{"array root", `[1,2,3]`, ErrNoUsableSchema},
		{"scalar root", `42`, ErrNoUsableSchema},
		{"null root", `null`, ErrNoUsableSchema},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Decode(tt.body)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, types.Metrics{}, m, "failed decode must not return a partial record")
		})
	}
}

func TestDecodeSoc(t *testing.T) {
	tests := []struct {
		name      string
		fields    string
		minimized int
		legacy    int
	}{
		{"integer soc", `"soc":55`, 55, 55},
		{"fraction rounds up at half", `"soc":49.5`, 50, 50},
		{"fraction rounds down below half", `"soc":49.4`, 49, 49},
		{"fraction above half", `"soc":20.6`, 21, 21},
		{"vehicleSoc only", `"vehicleSoc":33.5`, 34, 34},
		{"both present", `"soc":60,"vehicleSoc":70`, 60, 70},
		{"integer soc beats fractional vehicleSoc", `"soc":10,"vehicleSoc":80.2`, 10, 80},
		{"fractional soc beats integer vehicleSoc", `"soc":10.7,"vehicleSoc":80`, 11, 80},
		{"non numeric soc", `"soc":"full","vehicleSoc":42`, 42, 42},
		{"out of range soc skipped", `"soc":150,"vehicleSoc":80`, 80, 80},
		{"negative soc skipped", `"soc":-3`, types.SocUnknown, types.SocUnknown},
		{"rounding past 100 skipped", `"soc":100.5`, types.SocUnknown, types.SocUnknown},
		{"boundaries", `"soc":0,"vehicleSoc":100`, 0, 100},
		{"neither", `"chargePower":1`, types.SocUnknown, types.SocUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			minimized := fmt.Sprintf(`{"gridPower":0,"pvPower":0,"loadpoints":[{%s}]}`, tt.fields)
			m, err := Decode(minimized)
			require.NoError(t, err)
			assert.Equal(t, tt.minimized, m.Loadpoints[0].Soc, "minimized")

			legacy := fmt.Sprintf(`{"grid":{"power":0},"loadpoints":[{%s}]}`, tt.fields)
			m, err = Decode(legacy)
			require.NoError(t, err)
			assert.Equal(t, tt.legacy, m.Loadpoints[0].Soc, "legacy")
		})
	}
}

func TestDecodePlugged(t *testing.T) {
	tests := []struct {
		fields string
		want   bool
	}{
		{``, false},
		{`"plugged":true`, true},
		{`"connected":true`, true},
		{`"plugged":false,"connected":true`, true},
		{`"plugged":true,"connected":false`, true},
		{`"plugged":false,"connected":false`, false},
		{`"plugged":"yes","connected":1`, false},
	}
	for _, tt := range tests {
		for _, body := range []string{
			fmt.Sprintf(`{"gridPower":0,"pvPower":0,"loadpoints":[{%s}]}`, tt.fields),
			fmt.Sprintf(`{"loadpoints":[{%s}]}`, tt.fields),
		} {
			m, err := Decode(body)
			require.NoError(t, err)
			assert.Equal(t, tt.want, m.Loadpoints[0].Plugged, body)
		}
	}
}

func TestDecodeLoadpointCount(t *testing.T) {
	for n := 0; n <= 5; n++ {
		lps := make([]map[string]any, n)
		var want int64
		for i := range lps {
			power := int64(1000 * (i + 1))
			lps[i] = map[string]any{"chargePower": power, "soc": 10 * i}
			if i < types.MaxLoadpoints {
				want += power
			}
		}
		raw, err := json.Marshal(lps)
		require.NoError(t, err)

		for _, body := range []string{
			`{"gridPower":1,"pvPower":1,"loadpoints":` + string(raw) + `}`,
			`{"grid":{"power":1},"loadpoints":` + string(raw) + `}`,
		} {
			m, err := Decode(body)
			require.NoError(t, err, body)
			assert.Equal(t, min(n, types.MaxLoadpoints), m.Count, body)
			assert.Equal(t, want, m.TotalChargePower, body)
		}
	}
}

func TestClassify(t *testing.T) {
	parse := func(s string) map[string]any {
		doc, err := parseDocument(s)
		require.NoError(t, err)
		root, _ := doc.(map[string]any)
		return root
	}
	assert.Equal(t, schemaMinimized, classify(parse(`{"gridPower":1,"pvPower":2}`)))
	assert.Equal(t, schemaMinimized, classify(parse(`{"gridPower":1.5,"pvPower":2,"loadpoints":"x"}`)))
	assert.Equal(t, schemaLegacy, classify(parse(`{"gridPower":1,"loadpoints":[]}`)))
	assert.Equal(t, schemaLegacy, classify(parse(`{"grid":{"power":1},"pvPower":3,"loadpoints":[{}]}`)))
	assert.Equal(t, schemaUnrecognized, classify(parse(`{"grid":{"power":1},"pvPower":3}`)))
	assert.Equal(t, schemaUnrecognized, classify(nil))
	assert.Equal(t, "minimized", schemaMinimized.String())
	assert.Equal(t, "legacy", schemaLegacy.String())
	assert.Equal(t, "unrecognized", schemaUnrecognized.String())
}

func TestDecodeFullState(t *testing.T) {
	// trimmed /api/state from evcc without a jq filter
	body := strings.Join([]string{
		`{"grid":{"power":-1234.5,"currents":[1,2,3]},`,
		`"pvPower":4321.9,"batterySoc":88,"homePower":500,`,
		`"loadpoints":[`,
		`{"title":"Garage","chargePower":3680,"charging":true,"connected":true,"vehicleSoc":64.5,"soc":12},`,
		`{"title":"Carport","chargePower":0,"charging":false,"connected":false,"vehicleSoc":0}`,
		`]}`,
	}, "")

	m, err := Decode(body)
	require.NoError(t, err)
	assert.EqualValues(t, -1234, m.GridPower)
	assert.EqualValues(t, 4321, m.PVPower)
	assert.Equal(t, 88, m.BatterySoc)
	assert.Equal(t, 2, m.Count)
	assert.Equal(t, lp(3680, 65, true, true), m.Loadpoints[0])
	assert.Equal(t, lp(0, 0, false, false), m.Loadpoints[1])
	assert.EqualValues(t, 3680, m.TotalChargePower)
}
