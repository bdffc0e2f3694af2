package datafile

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const v2Datafile = `{
	"schemaVersion": "2",
	"revision": "42",
	"attributes": {
		"userId": {"type": "string", "capture": true},
		"country": {"type": "string"}
	},
	"segments": {
		"netherlands": {"conditions": "[{\"attribute\":\"country\",\"operator\":\"equals\",\"value\":\"nl\"}]"},
		"germany": {"conditions": [{"attribute": "country", "operator": "equals", "value": "de"}]}
	},
	"features": {
		"checkout": {
			"bucketBy": ["organizationId", "userId"],
			"required": ["auth", {"key": "theme", "variation": "dark"}],
			"variablesSchema": {
				"color": {"type": "string", "defaultValue": "red", "disabledValue": null}
			},
			"variations": [
				{"value": "control"},
				{
					"value": "treatment",
					"variables": {"color": "blue"},
					"variableOverrides": {
						"color": [{"segments": "germany", "value": "black"}]
					}
				}
			],
			"traffic": [
				{
					"key": "everyone",
					"segments": "*",
					"percentage": 100000,
					"allocation": [
						{"variation": "control", "range": [0, 50000]},
						{"variation": "treatment", "range": [50000, 100000]}
					]
				}
			],
			"force": [
				{"conditions": {"and": [{"attribute": "userId", "operator": "equals", "value": "qa"}]}, "variation": "treatment"}
			]
		}
	}
}`

const v1Datafile = `{
	"schemaVersion": "1",
	"revision": 7,
	"attributes": [{"key": "userId", "type": "string", "capture": true}],
	"segments": [{"key": "netherlands", "conditions": "{\"attribute\":\"country\",\"operator\":\"equals\",\"value\":\"nl\"}"}],
	"features": [
		{
			"key": "banner",
			"bucketBy": {"or": ["userId", "deviceId"]},
			"variablesSchema": [{"key": "title", "type": "string", "defaultValue": "Hello"}],
			"variations": [
				{
					"value": "on",
					"variables": [
						{"key": "title", "value": "Hi", "overrides": [{"segments": "[\"netherlands\"]", "value": "Hallo"}]}
					]
				}
			],
			"traffic": [{"key": "1", "segments": "netherlands", "percentage": 50000, "allocation": []}]
		}
	]
}`

func TestParseV2(t *testing.T) {
	df, err := Parse([]byte(v2Datafile))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if df.SchemaVersion != "2" || df.Revision != "42" {
		t.Fatalf("version/revision = %q/%q", df.SchemaVersion, df.Revision)
	}
	if got := df.Attributes["userId"]; got == nil || got.Key != "userId" || !got.Capture {
		t.Fatalf("attribute userId = %+v", got)
	}

	feature := df.Features["checkout"]
	if feature == nil || feature.Key != "checkout" {
		t.Fatalf("feature checkout = %+v", feature)
	}
	if diff := cmp.Diff(BucketBy{Kind: BucketByAnd, Attributes: []string{"organizationId", "userId"}}, feature.BucketBy); diff != "" {
		t.Fatalf("bucketBy mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]Required{{Key: "auth"}, {Key: "theme", Variation: "dark"}}, feature.Required); diff != "" {
		t.Fatalf("required mismatch (-want +got):\n%s", diff)
	}

	color := feature.VariablesSchema["color"]
	if color == nil || color.Key != "color" || color.Type != VariableTypeString || color.DefaultValue != "red" {
		t.Fatalf("variable schema color = %+v", color)
	}
	if !color.HasDisabledValue || color.DisabledValue != nil {
		t.Fatalf("explicit null disabledValue should be recorded, got %+v", color)
	}

	if _, ok := feature.Traffic[0].Segments.(AllSegments); !ok {
		t.Fatalf("traffic segments = %#v, want AllSegments", feature.Traffic[0].Segments)
	}
	treatment := feature.Variation("treatment")
	if treatment == nil || treatment.Variables["color"] != "blue" {
		t.Fatalf("treatment variation = %+v", treatment)
	}
	if got := treatment.VariableOverrides["color"][0].Segments; got != SegmentKey("germany") {
		t.Fatalf("override segments = %#v", got)
	}

	force := feature.Force[0]
	and, ok := force.Conditions.(AndCondition)
	if !ok || len(and.And) != 1 {
		t.Fatalf("force conditions = %#v", force.Conditions)
	}

	conditions, err := df.Segments["netherlands"].Conditions()
	if err != nil {
		t.Fatalf("segment conditions error = %v", err)
	}
	want := AndCondition{And: []Condition{PlainCondition{Attribute: "country", Operator: OperatorEquals, Value: "nl"}}}
	if diff := cmp.Diff(want, conditions); diff != "" {
		t.Fatalf("segment conditions mismatch (-want +got):\n%s", diff)
	}
}

func TestParseV1Normalizes(t *testing.T) {
	df, err := Parse([]byte(v1Datafile))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if df.Revision != "7" {
		t.Fatalf("numeric revision = %q, want 7", df.Revision)
	}
	if df.Attributes["userId"] == nil || df.Segments["netherlands"] == nil {
		t.Fatalf("keyed collections not normalized: %+v %+v", df.Attributes, df.Segments)
	}

	banner := df.Features["banner"]
	if banner == nil {
		t.Fatal("feature banner missing")
	}
	if banner.BucketBy.Kind != BucketByOr {
		t.Fatalf("bucketBy kind = %v, want or", banner.BucketBy.Kind)
	}
	if got := banner.VariablesSchema["title"]; got == nil || got.DefaultValue != "Hello" {
		t.Fatalf("variablesSchema not normalized: %+v", banner.VariablesSchema)
	}

	on := banner.Variation("on")
	if on.Variables["title"] != "Hi" {
		t.Fatalf("variation variables = %+v", on.Variables)
	}
	overrides := on.VariableOverrides["title"]
	if len(overrides) != 1 || overrides[0].Value != "Hallo" {
		t.Fatalf("variation overrides = %+v", overrides)
	}
	if diff := cmp.Diff(AndSegments{And: []GroupSegment{SegmentKey("netherlands")}}, overrides[0].Segments); diff != "" {
		t.Fatalf("stringified segments mismatch (-want +got):\n%s", diff)
	}

	conditions, err := df.Segments["netherlands"].Conditions()
	if err != nil {
		t.Fatalf("Conditions() error = %v", err)
	}
	if _, ok := conditions.(PlainCondition); !ok {
		t.Fatalf("segment conditions = %#v, want PlainCondition", conditions)
	}
}

func TestParseRejectsBadInput(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    error
	}{
		{name: "not json", content: `{`, want: ErrInvalidDatafile},
		{name: "unknown version", content: `{"schemaVersion":"3","revision":"1"}`, want: ErrUnsupportedSchemaVersion},
		{name: "missing version", content: `{"revision":"1"}`, want: ErrUnsupportedSchemaVersion},
		{name: "v1 entry without key", content: `{"schemaVersion":"1","features":[{"bucketBy":"userId","traffic":[]}]}`, want: ErrInvalidDatafile},
		{name: "duplicate key", content: `{"schemaVersion":"1","attributes":[{"key":"a"},{"key":"a"}]}`, want: ErrInvalidDatafile},
		{name: "condition without operator", content: `{"schemaVersion":"2","features":{"f":{"bucketBy":"u","traffic":[],"force":[{"conditions":{"attribute":"a"}}]}}}`, want: ErrInvalidDatafile},
		{name: "bad segments shape", content: `{"schemaVersion":"2","features":{"f":{"bucketBy":"u","traffic":[{"key":"r","segments":5,"percentage":1}]}}}`, want: ErrInvalidDatafile},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.content))
			if !errors.Is(err, tt.want) {
				t.Fatalf("Parse() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestParseInvalidBucketByIsDeferred(t *testing.T) {
	df, err := Parse([]byte(`{"schemaVersion":"2","features":{"f":{"bucketBy":{"xor":["a"]},"traffic":[]}}}`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if got := df.Features["f"].BucketBy.Kind; got != BucketByInvalid {
		t.Fatalf("bucketBy kind = %v, want invalid", got)
	}
}

func TestSegmentConditionsErrorIsSticky(t *testing.T) {
	df, err := Parse([]byte(`{"schemaVersion":"2","segments":{"broken":{"conditions":"{not json"}}}`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	segment := df.Segments["broken"]
	for range 2 {
		if _, err := segment.Conditions(); !errors.Is(err, ErrInvalidDatafile) {
			t.Fatalf("Conditions() error = %v, want ErrInvalidDatafile", err)
		}
	}
}

func TestParseConditionShapes(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Condition
	}{
		{name: "wildcard", raw: `"*"`, want: Everyone{}},
		{name: "empty array", raw: `[]`, want: AndCondition{And: []Condition{}}},
		{name: "null", raw: `null`, want: AndCondition{}},
		{
			name: "nested not inside or",
			raw:  `{"or":[{"not":[{"attribute":"a","operator":"exists"}]},"*"]}`,
			want: OrCondition{Or: []Condition{
				NotCondition{Not: []Condition{PlainCondition{Attribute: "a", Operator: OperatorExists}}},
				Everyone{},
			}},
		},
		{
			name: "regex flags",
			raw:  `{"attribute":"email","operator":"matches","value":"^a","regexFlags":"i"}`,
			want: PlainCondition{Attribute: "email", Operator: OperatorMatches, Value: "^a", RegexFlags: "i"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCondition([]byte(tt.raw))
			if err != nil {
				t.Fatalf("ParseCondition() error = %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("ParseCondition() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
