package mutation

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/matt-riley/flagbase/internal/datafile"
)

const notationDatafile = `{
	"schemaVersion": "2",
	"revision": "3",
	"schemas": {
		"link": {"type": "object", "properties": {"url": {"type": "string"}}, "required": ["url"]}
	},
	"features": {
		"page": {
			"bucketBy": "userId",
			"variablesSchema": {
				"config": {
					"type": "object",
					"properties": {
						"theme": {"type": "string"},
						"links": {"type": "array", "items": {"schema": "link"}}
					},
					"defaultValue": {"theme": "light", "links": [{"url": "/home"}]}
				},
				"title": {"type": "string", "defaultValue": "Hello"}
			},
			"variations": [
				{
					"value": "dark",
					"variables": {
						"config.theme": "dark",
						"config.links:append": {"url": "/dark"},
						"config.links[0].url:remove": true,
						"title": "Dark"
					}
				},
				{"value": "plain", "variables": {"title": "Plain"}}
			],
			"traffic": [{"key": "all", "segments": "*", "percentage": 100000, "variables": {"config.theme": "contrast"}}],
			"force": [{"conditions": "*", "variables": {"config.unknown": 1}}]
		}
	}
}`

func TestResolveDatafile(t *testing.T) {
	df, err := datafile.Parse([]byte(notationDatafile))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	var logs bytes.Buffer
	ResolveDatafile(df, slog.New(slog.NewTextHandler(&logs, nil)))

	page := df.Features["page"]
	wantDark := map[string]any{
		"config": map[string]any{
			"theme": "dark",
			"links": []any{map[string]any{"url": "/home"}, map[string]any{"url": "/dark"}},
		},
		"title": "Dark",
	}
	if diff := cmp.Diff(wantDark, page.Variation("dark").Variables); diff != "" {
		t.Fatalf("dark variables mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff(map[string]any{"title": "Plain"}, page.Variation("plain").Variables); diff != "" {
		t.Fatalf("plain variables should be untouched (-want +got):\n%s", diff)
	}

	wantTraffic := map[string]any{"config": map[string]any{"theme": "contrast", "links": []any{map[string]any{"url": "/home"}}}}
	if diff := cmp.Diff(wantTraffic, page.Traffic[0].Variables); diff != "" {
		t.Fatalf("traffic variables mismatch (-want +got):\n%s", diff)
	}

	if len(page.Force[0].Variables) != 0 {
		t.Fatalf("invalid force notation should be dropped, got %v", page.Force[0].Variables)
	}

	for _, want := range []string{"config.links[0].url:remove", "config.unknown"} {
		if !strings.Contains(logs.String(), want) {
			t.Fatalf("expected a warning naming %q, logs: %s", want, logs.String())
		}
	}
}
